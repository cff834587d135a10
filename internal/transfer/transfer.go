// =============================================================================
// 文件: internal/transfer/transfer.go
// 描述: 传输编排 - 把字节流切块交给 RWCP 客户端，汇总进度事件
// =============================================================================
package transfer

import (
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/KunYi/droid-gaia-ctrl/internal/link"
	"github.com/KunYi/droid-gaia-ctrl/internal/rwcp"
)

// EventType 传输事件类型
type EventType int

const (
	// EventProgress 有新的字节被确认
	EventProgress EventType = iota
	// EventFinished 全部数据确认完毕，会话正常关闭
	EventFinished
	// EventFailed 传输失败
	EventFailed
)

func (t EventType) String() string {
	switch t {
	case EventProgress:
		return "PROGRESS"
	case EventFinished:
		return "FINISHED"
	case EventFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Event 传输事件
type Event struct {
	Type       EventType
	BytesAcked int64
	BytesTotal int64
}

const eventBufferSize = 64

// DefaultPacketSize 默认的段负载大小。原协议跑在 MTU 受限的链路上，
// 负载上限由链路协商决定，这里取保守默认值。
const DefaultPacketSize = 256

// Sender 把一段字节流通过 RWCP 发给对端。
// RWCP 段确认是按段计数的，这里维护一个在途块大小的 FIFO，
// 把段确认换算回字节进度。
// Sender 是一次性的: FINISHED 或 FAILED 之后重新传输应创建新的 Sender。
type Sender struct {
	client     *rwcp.Client
	link       link.Link
	packetSize int

	mu         sync.Mutex
	chunkSizes []int // 在途块大小 (FIFO)，与客户端未确认队列同序
	bytesAcked int64
	bytesTotal int64

	events chan Event
}

// NewSender 创建传输编排器。packetSize <= 0 时用 DefaultPacketSize。
func NewSender(l link.Link, packetSize int) *Sender {
	if packetSize <= 0 {
		packetSize = DefaultPacketSize
	}
	s := &Sender{
		link:       l,
		packetSize: packetSize,
		events:     make(chan Event, eventBufferSize),
	}
	s.client = rwcp.NewClient(s)
	return s
}

// Client 返回底层 RWCP 客户端，用于统计和调试开关
func (s *Sender) Client() *rwcp.Client {
	return s.client
}

// Events 传输事件通道
func (s *Sender) Events() <-chan Event {
	return s.events
}

// Offer 把 payload 切块入队发送。payload 不可为空。
func (s *Sender) Offer(payload []byte) error {
	if len(payload) == 0 {
		return errors.New("传输数据为空")
	}

	s.mu.Lock()
	s.bytesTotal += int64(len(payload))
	s.mu.Unlock()

	for start := 0; start < len(payload); start += s.packetSize {
		end := start + s.packetSize
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[start:end]

		s.mu.Lock()
		s.chunkSizes = append(s.chunkSizes, len(chunk))
		s.mu.Unlock()

		if !s.client.Send(chunk) {
			return errors.New("入队失败: 会话无法发起")
		}
	}

	return nil
}

// Cancel 取消当前传输
func (s *Sender) Cancel() {
	s.client.CancelTransfer()
}

// OnReceiveSegment 链路入站回调，转交给 RWCP 客户端
func (s *Sender) OnReceiveSegment(data []byte) {
	s.client.OnReceiveSegment(data)
}

// =============================================================================
// rwcp.Listener 实现。回调在客户端锁内执行，不得重入客户端。
// =============================================================================

// SendSegment 把段字节交给链路
func (s *Sender) SendSegment(data []byte) bool {
	return s.link.SendRawBytes(data)
}

// OnTransferProgress 段确认换算为字节进度
func (s *Sender) OnTransferProgress(acknowledged int) {
	if acknowledged <= 0 {
		return
	}

	s.mu.Lock()
	for i := 0; i < acknowledged && len(s.chunkSizes) > 0; i++ {
		s.bytesAcked += int64(s.chunkSizes[0])
		s.chunkSizes = s.chunkSizes[1:]
	}
	acked, total := s.bytesAcked, s.bytesTotal
	s.mu.Unlock()

	s.emit(Event{Type: EventProgress, BytesAcked: acked, BytesTotal: total})
}

// OnTransferFinished 传输正常结束
func (s *Sender) OnTransferFinished() {
	s.mu.Lock()
	acked, total := s.bytesAcked, s.bytesTotal
	s.chunkSizes = nil
	s.bytesAcked = 0
	s.bytesTotal = 0
	s.mu.Unlock()

	s.emit(Event{Type: EventFinished, BytesAcked: acked, BytesTotal: total})
}

// OnTransferFailed 传输失败
func (s *Sender) OnTransferFailed() {
	s.mu.Lock()
	acked, total := s.bytesAcked, s.bytesTotal
	s.chunkSizes = nil
	s.bytesAcked = 0
	s.bytesTotal = 0
	s.mu.Unlock()

	s.emit(Event{Type: EventFailed, BytesAcked: acked, BytesTotal: total})
}

// emit 非阻塞发送事件。回调在客户端锁内执行，阻塞会卡死整个会话，
// 通道满时丢弃进度事件。
func (s *Sender) emit(event Event) {
	select {
	case s.events <- event:
	default:
		log.Warnf("transfer: 事件通道已满，丢弃 %s 事件", event.Type)
	}
}
