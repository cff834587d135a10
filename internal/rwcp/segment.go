// =============================================================================
// 文件: internal/rwcp/segment.go
// 描述: RWCP 段编解码
//
// 段结构:
//   0 字节     1         ...         n
//   +----------+----------+----------+
//   |  头部    |       负载          |
//   +----------+----------+----------+
//
// 头部 (1 字节): bit 0..5 = 序列号 (0-63)，bit 6..7 = 操作码 (0-3)
// =============================================================================
package rwcp

import "fmt"

// Segment 一条 RWCP 协议消息。构建后不可变。
type Segment struct {
	// Op 操作码。解析失败时为 OpNone。
	Op int
	// Sequence 序列号 [0, 63]。解析失败时为 -1。
	Sequence int
	// Payload 负载。控制段 (SYN/RST) 为空，DATA 段非空。
	Payload []byte
}

// NewSegment 构建一个携带负载的段
func NewSegment(op, sequence int, payload []byte) *Segment {
	return &Segment{Op: op, Sequence: sequence, Payload: payload}
}

// NewControlSegment 构建一个无负载的控制段
func NewControlSegment(op, sequence int) *Segment {
	return &Segment{Op: op, Sequence: sequence}
}

// ParseSegment 从字节流解析段。
// 缓冲区不足一个头部时返回带 OpNone 哨兵值的段，从不 panic，调用方检查 Op。
func ParseSegment(data []byte) *Segment {
	if len(data) < HeaderLength {
		return &Segment{Op: OpNone, Sequence: -1, Payload: data}
	}

	header := data[0]
	s := &Segment{
		Op:       int(header >> opCodeBitShift & 0x03),
		Sequence: int(header & sequenceMask),
	}
	if len(data) > HeaderLength {
		s.Payload = make([]byte, len(data)-HeaderLength)
		copy(s.Payload, data[HeaderLength:])
	}
	return s
}

// Header 计算段的头部字节
func (s *Segment) Header() byte {
	return byte(s.Sequence&sequenceMask) | byte(s.Op)<<opCodeBitShift
}

// Bytes 编码段: [头部] + 负载
func (s *Segment) Bytes() []byte {
	buf := make([]byte, HeaderLength+len(s.Payload))
	buf[0] = s.Header()
	copy(buf[HeaderLength:], s.Payload)
	return buf
}

func (s *Segment) String() string {
	return fmt.Sprintf("Segment{op=%d, seq=%d, len=%d}", s.Op, s.Sequence, len(s.Payload))
}
