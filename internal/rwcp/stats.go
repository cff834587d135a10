// =============================================================================
// 文件: internal/rwcp/stats.go
// 描述: 会话统计
// =============================================================================
package rwcp

import "sync/atomic"

// Stats 会话统计快照
type Stats struct {
	// 计数
	SegmentsSent    uint64 // 发送的段总数 (含重发)
	SegmentsResent  uint64 // 重发的段数
	SegmentsAcked   uint64 // 已确认的段数
	GapsReceived    uint64 // 收到的 GAP 数
	Timeouts        uint64 // 超时次数
	RejectedAcks    uint64 // 序列号校验失败的确认数
	DiscardedInputs uint64 // 无法解析或状态不符被丢弃的入站缓冲区数

	// 快照
	State           string
	Window          int
	Credits         int
	PendingChunks   int
	UnackedSegments int
	DataTimeoutMs   int64
	LastAckSequence int
	NextSequence    int
}

// counters 原子计数器，热路径上避免争抢会话锁
type counters struct {
	segmentsSent    uint64
	segmentsResent  uint64
	segmentsAcked   uint64
	gapsReceived    uint64
	timeouts        uint64
	rejectedAcks    uint64
	discardedInputs uint64
}

// Stats 获取当前会话统计
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		SegmentsSent:    atomic.LoadUint64(&c.counters.segmentsSent),
		SegmentsResent:  atomic.LoadUint64(&c.counters.segmentsResent),
		SegmentsAcked:   atomic.LoadUint64(&c.counters.segmentsAcked),
		GapsReceived:    atomic.LoadUint64(&c.counters.gapsReceived),
		Timeouts:        atomic.LoadUint64(&c.counters.timeouts),
		RejectedAcks:    atomic.LoadUint64(&c.counters.rejectedAcks),
		DiscardedInputs: atomic.LoadUint64(&c.counters.discardedInputs),

		State:           c.state.String(),
		Window:          c.window,
		Credits:         c.credits,
		PendingChunks:   len(c.pendingData),
		UnackedSegments: len(c.unackedSegments),
		DataTimeoutMs:   c.dataTimeout.Milliseconds(),
		LastAckSequence: c.lastAckSequence,
		NextSequence:    c.nextSequence,
	}
}
