// =============================================================================
// 文件: internal/link/link.go
// 描述: 不可靠链路抽象 - 无确认写入 + 异步入站通知
// =============================================================================
package link

import "context"

// ReceiveHandler 入站数据回调。data 归回调所有，实现可以自由保留。
type ReceiveHandler func(data []byte)

// Link 不可靠的报文链路。
// 写入不提供送达和顺序保证，可靠性由上层协议实现。
type Link interface {
	// Start 建立链路并启动读取循环。入站数据通过 ReceiveHandler 上报。
	Start(ctx context.Context) error

	// SendRawBytes 无确认写入。true 只表示字节已交给底层传输，
	// 不代表对端收到。
	SendRawBytes(data []byte) bool

	// Stop 关闭链路并等待读取循环退出
	Stop()
}
