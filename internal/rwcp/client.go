// =============================================================================
// 文件: internal/rwcp/client.go
// 描述: RWCP 客户端会话状态机
//
// 在不提供确认和顺序保证的链路上，用无确认写入原语 + 异步通知实现可靠字节流
// 传输: 按序发送、丢失检测、重传、滑动窗口流控。
//
// 会话生命周期: LISTEN → (RST) CLOSING → (RST_ACK) SYN_SENT → (SYN_ACK)
// ESTABLISHED → 数据传完 (RST) CLOSING → (RST_ACK) LISTEN。
// 新会话先发 RST 再发 SYN: 服务端上一个会话的状态未知，先显式重置对端，
// 保证双方从干净的序列号起点开始。
// =============================================================================
package rwcp

import (
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Listener 客户端对外回调。
// 所有回调都在客户端内部锁内执行，实现不得重入客户端。
type Listener interface {
	// SendSegment 把段的字节交给链路发送。true 只表示已交给传输层，
	// 不代表对端收到。
	SendSegment(data []byte) bool

	// OnTransferFailed 传输失败: 链路写入失败，或 ESTABLISHED 状态下收到 RST。
	OnTransferFailed()

	// OnTransferFinished 所有已入队的数据都被确认，会话正常关闭。
	OnTransferFinished()

	// OnTransferProgress 新确认了 acknowledged 个段。
	OnTransferProgress(acknowledged int)
}

// Client RWCP 客户端。一条链路一个实例，一个实例一个逻辑会话。
//
// 所有会话字段由一把锁保护，整个队列+计数器作为单个原子单元变更，
// 保证跨字段不变量 (credits <= window，序列号一致性) 在每次操作后成立。
type Client struct {
	listener Listener

	mu sync.Mutex

	// 会话状态
	state           State
	lastAckSequence int // 服务端最后确认的序列号，-1 表示尚无确认
	nextSequence    int // 下一个将要分配的序列号 (mod 64)

	// 窗口流控
	initialWindow int // 会话起始窗口大小 [1, WindowMax]
	window        int // 当前窗口大小 [1, WindowMax]
	credits       int // 当前窗口内还允许发送的段数
	acknowledged  int // 连续确认计数，用于窗口增长

	// 队列
	pendingData     [][]byte   // 尚未成段的数据块 (FIFO)
	unackedSegments []*Segment // 已发送未确认的段 (FIFO，兼作重传缓冲)

	// 重发与定时器
	isResending  bool
	dataTimeout  time.Duration // DATA 段自适应超时
	timer        *time.Timer
	timerRunning bool
	timerGen     uint64 // 定时器世代，旧定时器触发时据此丢弃

	debugLogs bool
	counters  counters
}

// NewClient 创建 RWCP 客户端
func NewClient(listener Listener) *Client {
	return &Client{
		listener:        listener,
		state:           StateListen,
		lastAckSequence: -1,
		initialWindow:   WindowDefault,
		window:          WindowDefault,
		credits:         WindowDefault,
		dataTimeout:     DataTimeoutDefault,
	}
}

// SetInitialWindowSize 设置会话起始窗口大小，超出 [1, WindowMax] 时截断。
// 只在没有会话进行时生效。
func (c *Client) SetInitialWindowSize(size int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateListen {
		log.Warn("rwcp: 会话进行中，不能修改起始窗口")
		return false
	}

	if size < 1 {
		size = 1
	}
	if size > WindowMax {
		size = WindowMax
	}
	c.initialWindow = size
	c.window = size
	c.credits = size
	return true
}

// IsRunningSession 是否有会话在进行 (发起中、传输中或关闭中)
func (c *Client) IsRunningSession() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != StateListen
}

// SetDebugLogs 开关每次状态变更后的调试日志
func (c *Client) SetDebugLogs(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.debugLogs = enabled
}

// Send 把数据块入队发送。空闲时发起会话，会话已建立且无定时器挂起时立即发段。
// 返回值仅供参考: 只有立即发送路径上链路写入失败才会导致会话中止。
func (c *Client) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	chunk := make([]byte, len(data))
	copy(chunk, data)
	c.pendingData = append(c.pendingData, chunk)

	if c.state == StateListen {
		return c.startSessionLocked()
	}
	if c.state == StateEstablished && !c.timerRunning {
		c.sendDataSegmentsLocked()
	}
	return true
}

// CancelTransfer 强制取消当前会话。
// 先同步取消挂起的定时器再尝试 RST 握手；RST 本身发送失败则本地直接终止，
// 不等待对端确认。
func (c *Client) CancelTransfer() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logState("取消传输")

	if c.state == StateListen {
		log.Info("rwcp: 没有进行中的传输，无需取消")
		return
	}

	c.resetLocked(true)

	if !c.sendRstSegmentLocked() {
		log.Warn("rwcp: RST 段发送失败，本地终止会话")
		c.terminateSessionLocked()
	}
}

// OnReceiveSegment 处理一个可能是 RWCP 段的入站缓冲区。
// 链路上可能混有非 RWCP 流量: 无法解析或与当前状态不符的段记录日志后丢弃，
// 返回 false，从不影响会话。
func (c *Client) OnReceiveSegment(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(data) < HeaderLength {
		log.Warnf("rwcp: 入站缓冲区不足一个段头部 (len=%d)，丢弃", len(data))
		atomic.AddUint64(&c.counters.discardedInputs, 1)
		return false
	}

	segment := ParseSegment(data)

	var handled bool
	switch segment.Op {
	case OpSynAck:
		handled = c.receiveSynAckLocked(segment)
	case OpDataAck:
		handled = c.receiveDataAckLocked(segment)
	case OpRstAck:
		handled = c.receiveRstLocked(segment)
	case OpGap:
		handled = c.receiveGapLocked(segment)
	default:
		log.Warnf("rwcp: 未知操作码 %d", segment.Op)
	}

	if !handled {
		atomic.AddUint64(&c.counters.discardedInputs, 1)
	}
	return handled
}

// =============================================================================
// 入站段处理
// =============================================================================

// receiveSynAckLocked 处理 SYN_ACK。
// SYN_SENT: 正常握手完成，开始发数据。
// ESTABLISHED: 服务端还没收到任何数据，重发未确认的段。
func (c *Client) receiveSynAckLocked(segment *Segment) bool {
	log.Debugf("rwcp: 收到 SYN_ACK (seq=%d)", segment.Sequence)

	switch c.state {
	case StateSynSent:
		c.cancelTimeoutLocked()
		validated := c.validateAckSequenceLocked(OpSyn, segment.Sequence)
		if validated >= 0 {
			c.state = StateEstablished
			if len(c.pendingData) > 0 {
				c.sendDataSegmentsLocked()
			}
		} else {
			log.Warnf("rwcp: SYN_ACK 序列号不符 (seq=%d)，传输失败", segment.Sequence)
			c.terminateSessionLocked()
			c.listener.OnTransferFailed()
			c.sendRstSegmentLocked()
		}
		return true

	case StateEstablished:
		// DATA 可能丢失，重发
		c.cancelTimeoutLocked()
		if len(c.unackedSegments) > 0 {
			c.resendDataSegmentsLocked()
		}
		return true

	default:
		log.Warnf("rwcp: 状态 %s 下收到意外的 SYN_ACK (seq=%d)", c.state, segment.Sequence)
		return false
	}
}

// receiveDataAckLocked 处理 DATA_ACK。
// ESTABLISHED: 校验确认，释放 credits，继续发送；全部发完且确认后关闭会话。
// CLOSING: RST 已发出但服务端尚未取走，丢弃。
func (c *Client) receiveDataAckLocked(segment *Segment) bool {
	log.Debugf("rwcp: 收到 DATA_ACK (seq=%d)", segment.Sequence)

	switch c.state {
	case StateEstablished:
		c.cancelTimeoutLocked()
		validated := c.validateAckSequenceLocked(OpData, segment.Sequence)
		if validated >= 0 {
			switch {
			case c.credits > 0 && len(c.pendingData) > 0:
				c.sendDataSegmentsLocked()
			case len(c.pendingData) == 0 && len(c.unackedSegments) == 0:
				// 没有要发的数据了: 关闭会话
				c.sendRstSegmentLocked()
			case len(c.pendingData) == 0 || c.credits == 0:
				// 还有段等待确认，或 credits 用尽但还有数据要发
				c.startTimeoutLocked(c.dataTimeout)
			}
			c.listener.OnTransferProgress(validated)
		}
		return true

	case StateClosing:
		log.Debugf("rwcp: CLOSING 状态下收到 DATA_ACK (seq=%d)，丢弃", segment.Sequence)
		return true

	default:
		log.Warnf("rwcp: 状态 %s 下收到意外的 DATA_ACK (seq=%d)", c.state, segment.Sequence)
		return false
	}
}

// receiveRstLocked 处理 RST / RST_ACK (共用操作码，按状态区分)。
// SYN_SENT: RST 永远先于 SYN 发送，这里收到的是迟来的 RST_ACK，忽略。
// ESTABLISHED: 服务端主动重置，硬性传输失败。
// CLOSING: RST_ACK。还有待发数据说明是会话启动 (RST 先行)，接着发 SYN；
// 否则传输正常结束。
func (c *Client) receiveRstLocked(segment *Segment) bool {
	log.Debugf("rwcp: 收到 RST/RST_ACK (seq=%d)", segment.Sequence)

	switch c.state {
	case StateSynSent:
		log.Infof("rwcp: SYN_SENT 状态下收到 RST (seq=%d)，忽略", segment.Sequence)
		return true

	case StateEstablished:
		log.Warnf("rwcp: ESTABLISHED 状态下收到 RST (seq=%d)，会话终止，传输失败", segment.Sequence)
		c.terminateSessionLocked()
		c.listener.OnTransferFailed()
		return true

	case StateClosing:
		c.cancelTimeoutLocked()
		c.validateAckSequenceLocked(OpRst, segment.Sequence)
		if len(c.pendingData) > 0 {
			// 会话启动路径: RST 先于 SYN，现在发 SYN 正式开始
			if !c.sendSynSegmentLocked() {
				log.Warn("rwcp: SYN 段发送失败，会话启动失败")
				c.terminateSessionLocked()
				c.listener.OnTransferFailed()
			}
		} else {
			// RST 被确认: 传输结束
			c.resetLocked(false)
			c.listener.OnTransferFinished()
		}
		return true

	default:
		log.Warnf("rwcp: 状态 %s 下收到意外的 RST (seq=%d)", c.state, segment.Sequence)
		return false
	}
}

// receiveGapLocked 处理 GAP (服务端检测到乱序，暗示丢段)。
// ESTABLISHED: 缩小窗口，校验 GAP 携带的已确认前缀，从确认点重发。
func (c *Client) receiveGapLocked(segment *Segment) bool {
	log.Debugf("rwcp: 收到 GAP (seq=%d)", segment.Sequence)

	switch c.state {
	case StateEstablished:
		atomic.AddUint64(&c.counters.gapsReceived, 1)

		if c.lastAckSequence > segment.Sequence {
			log.Infof("rwcp: 忽略 GAP (seq=%d)，已确认至 %d", segment.Sequence, c.lastAckSequence)
			return true
		}

		// GAP 的序列号暗示有 DATA_ACK 丢失
		c.shrinkWindow()
		c.validateAckSequenceLocked(OpData, segment.Sequence)

		c.cancelTimeoutLocked()
		c.resendDataSegmentsLocked()
		return true

	case StateClosing:
		log.Debugf("rwcp: CLOSING 状态下收到 GAP (seq=%d)，丢弃", segment.Sequence)
		return true

	default:
		log.Warnf("rwcp: 状态 %s 下收到意外的 GAP (seq=%d)", c.state, segment.Sequence)
		return false
	}
}

// =============================================================================
// 确认校验
// =============================================================================

// validateAckSequenceLocked 校验确认序列号并逐个确认在途的段。
// 从 lastAckSequence 向前走到被确认的序列号，把对应的段移出未确认队列，
// 每移出一个补回一个 credit (封顶 window)。返回本次确认的段数。
// 序列号越界或不在在途区间内 (考虑回绕) 时判为无效，返回 -1 且不做任何变更:
// 被重放或损坏的确认不得破坏会话状态。
func (c *Client) validateAckSequenceLocked(op, sequence int) int {
	const notValidated = -1

	if sequence < 0 || sequence > SequenceMax {
		log.Warnf("rwcp: 确认序列号 %d 超出 [0, %d]", sequence, SequenceMax)
		atomic.AddUint64(&c.counters.rejectedAcks, 1)
		return notValidated
	}

	if !sequenceInFlight(sequence, c.lastAckSequence, c.nextSequence) {
		log.Warnf("rwcp: 确认序列号 %d 不在在途区间内 (last=%d, next=%d)",
			sequence, c.lastAckSequence, c.nextSequence)
		atomic.AddUint64(&c.counters.rejectedAcks, 1)
		return notValidated
	}

	acknowledged := 0
	next := c.lastAckSequence
	for next != sequence {
		next = NextSequence(next)
		if c.removeSegmentLocked(op, next) {
			c.lastAckSequence = next
			if c.credits < c.window {
				c.credits++
			}
			acknowledged++
		} else {
			log.Warnf("rwcp: 校验序列号 %d 失败: 未确认队列中没有对应的段", next)
		}
	}

	atomic.AddUint64(&c.counters.segmentsAcked, uint64(acknowledged))
	c.logState("确认 %d 个段 (code=%d, seq=%d)", acknowledged, op, sequence)

	c.growWindow(acknowledged)

	return acknowledged
}

// removeSegmentLocked 按操作码和序列号把段移出未确认队列，保持原有顺序
func (c *Client) removeSegmentLocked(op, sequence int) bool {
	for i, segment := range c.unackedSegments {
		if segment.Op == op && segment.Sequence == sequence {
			c.unackedSegments = append(c.unackedSegments[:i], c.unackedSegments[i+1:]...)
			return true
		}
	}
	return false
}

// =============================================================================
// 段发送
// =============================================================================

// startSessionLocked 发起传输会话: 先发 RST 重置对端，等 RST_ACK 后再发 SYN
func (c *Client) startSessionLocked() bool {
	c.logState("发起会话")

	if c.state != StateListen {
		log.Warn("rwcp: 发起会话失败: 已有进行中的会话")
		return false
	}

	if !c.sendRstSegmentLocked() {
		log.Warn("rwcp: 发起会话失败: RST 段发送失败")
		c.terminateSessionLocked()
		return false
	}
	// 等待 RST_ACK 到达后继续
	return true
}

// terminateSessionLocked 传输失败后结束会话
func (c *Client) terminateSessionLocked() {
	c.logState("终止会话")
	c.resetLocked(true)
}

// sendRstSegmentLocked 构建并发送 RST 段，同时放入未确认队列
func (c *Client) sendRstSegmentLocked() bool {
	if c.state == StateClosing {
		// RST 已发出，等待确认
		return true
	}

	c.resetLocked(false)
	c.state = StateClosing

	segment := NewControlSegment(OpRst, c.nextSequence)
	if !c.sendSegmentLocked(segment, RstTimeout) {
		return false
	}
	c.unackedSegments = append(c.unackedSegments, segment)
	c.nextSequence = NextSequence(c.nextSequence)
	c.credits--
	c.logState("发送 RST 段")
	return true
}

// sendSynSegmentLocked 构建并发送 SYN 段，同时放入未确认队列
func (c *Client) sendSynSegmentLocked() bool {
	c.state = StateSynSent

	segment := NewControlSegment(OpSyn, c.nextSequence)
	if !c.sendSegmentLocked(segment, SynTimeout) {
		return false
	}
	c.unackedSegments = append(c.unackedSegments, segment)
	c.nextSequence = NextSequence(c.nextSequence)
	c.credits--
	c.logState("发送 SYN 段")
	return true
}

// sendDataSegmentsLocked 在 credits 允许的范围内发送待发送的 DATA 段。
// 链路写入失败视为会话终止: 重置会话 (保留待发送队列) 并上报传输失败。
func (c *Client) sendDataSegmentsLocked() {
	for c.credits > 0 && len(c.pendingData) > 0 && !c.isResending && c.state == StateEstablished {
		data := c.pendingData[0]
		c.pendingData = c.pendingData[1:]

		segment := NewSegment(OpData, c.nextSequence, data)
		if !c.sendSegmentLocked(segment, c.dataTimeout) {
			log.Warn("rwcp: DATA 段链路写入失败，会话中止")
			c.pendingData = append([][]byte{data}, c.pendingData...)
			c.resetLocked(false)
			c.listener.OnTransferFailed()
			return
		}
		c.unackedSegments = append(c.unackedSegments, segment)
		c.nextSequence = NextSequence(c.nextSequence)
		c.credits--
	}
	c.logState("发送 DATA 段")
}

// resendSegmentsLocked 重发未确认的控制段 (SYN/RST 超时)
func (c *Client) resendSegmentsLocked() {
	if c.state == StateEstablished {
		log.Warn("rwcp: ESTABLISHED 状态下不应重发控制段")
		return
	}

	c.isResending = true
	c.credits = c.window

	for _, segment := range c.unackedSegments {
		timeout := c.dataTimeout
		switch segment.Op {
		case OpSyn:
			timeout = SynTimeout
		case OpRst:
			timeout = RstTimeout
		}
		c.sendSegmentLocked(segment, timeout)
		c.credits--
		atomic.AddUint64(&c.counters.segmentsResent, 1)
	}
	c.logState("重发控制段")

	c.isResending = false
}

// resendDataSegmentsLocked 重发未确认的 DATA 段。
// 未确认的段多于 (可能已缩小的) 窗口时，超出部分按原顺序退回待发送队列头部，
// 下一个序列号相应回滚；窗口内的段原样重发，序列号不变。
func (c *Client) resendDataSegmentsLocked() {
	if c.state != StateEstablished {
		log.Warn("rwcp: 非 ESTABLISHED 状态下不应重发 DATA 段")
		return
	}

	c.isResending = true
	c.credits = c.window
	c.logState("重置 credits")

	moved := 0
	for len(c.unackedSegments) > c.credits {
		last := c.unackedSegments[len(c.unackedSegments)-1]
		if last.Op != OpData {
			log.Warnf("rwcp: 未确认队列中出现非 DATA 段 %s", last)
			break
		}
		c.unackedSegments = c.unackedSegments[:len(c.unackedSegments)-1]
		c.pendingData = append([][]byte{last.Payload}, c.pendingData...)
		moved++
	}
	c.nextSequence = DecreaseSequence(c.nextSequence, moved)

	for _, segment := range c.unackedSegments {
		c.sendSegmentLocked(segment, c.dataTimeout)
		c.credits--
		atomic.AddUint64(&c.counters.segmentsResent, 1)
	}

	c.logState("重发 DATA 段")

	c.isResending = false

	if c.credits > 0 {
		c.sendDataSegmentsLocked()
	}
}

// sendSegmentLocked 把段交给链路发送并启动对应的超时定时器
func (c *Client) sendSegmentLocked(segment *Segment, timeout time.Duration) bool {
	if c.listener.SendSegment(segment.Bytes()) {
		atomic.AddUint64(&c.counters.segmentsSent, 1)
		c.startTimeoutLocked(timeout)
		return true
	}
	return false
}

// =============================================================================
// 超时与重置
// =============================================================================

// onTimeout 定时器触发: 未在超时前收到确认。
// DATA 超时翻倍 (封顶 DataTimeoutMax) 并重发 DATA 段；否则重发控制段。
func (c *Client) onTimeout(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.timerRunning || gen != c.timerGen {
		// 定时器已被取消或替换
		return
	}
	c.timerRunning = false
	c.isResending = true
	c.acknowledged = 0
	atomic.AddUint64(&c.counters.timeouts, 1)

	c.logState("段超时，重发")

	if c.state == StateEstablished {
		c.dataTimeout *= 2
		if c.dataTimeout > DataTimeoutMax {
			c.dataTimeout = DataTimeoutMax
		}
		c.resendDataSegmentsLocked()
	} else {
		c.resendSegmentsLocked()
	}
}

// startTimeoutLocked 启动超时定时器。任何时刻至多一个定时器挂起:
// 后启动的取代先前的。
func (c *Client) startTimeoutLocked(timeout time.Duration) {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timerGen++
	gen := c.timerGen
	c.timerRunning = true
	c.timer = time.AfterFunc(timeout, func() { c.onTimeout(gen) })
}

// cancelTimeoutLocked 取消挂起的定时器
func (c *Client) cancelTimeoutLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerRunning = false
	c.timerGen++
}

// resetLocked 把会话字段恢复到初始状态。complete 为 true 时连待发送队列一并清空。
// DATA 超时值跨会话保留。
func (c *Client) resetLocked(complete bool) {
	c.lastAckSequence = -1
	c.nextSequence = 0
	c.state = StateListen
	c.unackedSegments = nil
	c.window = c.initialWindow
	c.acknowledged = 0
	c.credits = c.window
	c.cancelTimeoutLocked()

	if complete {
		c.pendingData = nil
	}

	c.logState("重置会话")
}

// logState 调试日志: 输出窗口、credits、序列号和队列深度
func (c *Client) logState(format string, args ...interface{}) {
	if !c.debugLogs {
		return
	}
	log.WithFields(log.Fields{
		"state":   c.state.String(),
		"window":  c.window,
		"credits": c.credits,
		"last":    c.lastAckSequence,
		"next":    c.nextSequence,
		"unacked": len(c.unackedSegments),
		"pending": len(c.pendingData),
	}).Debugf(format, args...)
}
