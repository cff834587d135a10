// =============================================================================
// 文件: internal/rwcp/rwcp.go
// 描述: RWCP 可靠写入命令协议 - 协议常量与状态定义
// =============================================================================
package rwcp

import "time"

// RWCP 协议常量
const (
	// 窗口参数
	WindowMax     = 32 // 窗口最大值
	WindowDefault = 15 // 窗口默认值

	// 控制段固定超时
	SynTimeout = 1000 * time.Millisecond
	RstTimeout = 1000 * time.Millisecond

	// DATA 段自适应超时: 超时后翻倍，封顶 DataTimeoutMax
	DataTimeoutDefault = 100 * time.Millisecond
	DataTimeoutMax     = 1000 * time.Millisecond

	// 序列号空间: 6 位，0..63
	SequenceMax = 63

	// 段头部: 1 字节 = 序列号(bit 0..5) | 操作码(bit 6..7)
	HeaderLength   = 1
	sequenceMask   = 0x3F
	opCodeBitShift = 6
)

// 操作码 (2 位)
// 客户端和服务端各自使用一套取值，共享相同的数值空间。
// 注意: 服务端的 RST 和 RST_ACK 共用数值 2，只能依靠客户端当前状态区分。
const (
	// OpNone 无法识别的段
	OpNone = -1

	// 客户端操作码
	OpData = 0 // 数据段
	OpSyn  = 1 // 会话建立
	OpRst  = 2 // 会话重置

	// 服务端操作码
	OpDataAck = 0 // DATA 确认
	OpSynAck  = 1 // SYN 确认
	OpRstAck  = 2 // RST / RST 确认
	OpGap     = 3 // 乱序通知 (暗示丢段)
)

// State 会话状态
type State uint8

const (
	StateListen State = iota // 空闲，等待应用发起传输
	StateSynSent             // 已发送 SYN，等待服务端确认
	StateEstablished         // 会话建立，传输数据中
	StateClosing             // 已发送 RST，等待服务端确认
)

func (s State) String() string {
	names := []string{"LISTEN", "SYN_SENT", "ESTABLISHED", "CLOSING"}
	if int(s) < len(names) {
		return names[s]
	}
	return "UNKNOWN"
}
