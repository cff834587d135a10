// =============================================================================
// 文件: internal/link/websocket.go
// 描述: WebSocket 链路 - 报文走二进制消息，每条消息一个段
// =============================================================================
package link

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsWriteTimeout     = 30 * time.Second
	wsReadDeadline     = 5 * time.Minute
)

// WebSocketConfig WebSocket 链路配置
type WebSocketConfig struct {
	// URL 连接地址，ws:// 或 wss://
	URL string

	// Host 可选的 Host 头，用于走 CDN 时指定回源域名
	Host string

	// ReadBufferSize / WriteBufferSize 为 0 时用 gorilla 默认值
	ReadBufferSize  int
	WriteBufferSize int
}

// WebSocketLink 基于 WebSocket 二进制消息的链路
type WebSocketLink struct {
	config  *WebSocketConfig
	handler ReceiveHandler

	conn    *websocket.Conn
	writeMu sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running int32

	// 统计
	messagesSent uint64
	messagesRecv uint64
	bytesSent    uint64
	bytesRecv    uint64
}

// NewWebSocketLink 创建 WebSocket 链路
func NewWebSocketLink(config *WebSocketConfig, handler ReceiveHandler) *WebSocketLink {
	return &WebSocketLink{
		config:  config,
		handler: handler,
		stopCh:  make(chan struct{}),
	}
}

// Start 建立 WebSocket 连接并启动读取循环
func (l *WebSocketLink) Start(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: wsHandshakeTimeout,
		ReadBufferSize:   l.config.ReadBufferSize,
		WriteBufferSize:  l.config.WriteBufferSize,
	}

	var header http.Header
	if l.config.Host != "" {
		header = http.Header{"Host": []string{l.config.Host}}
	}

	conn, resp, err := dialer.DialContext(ctx, l.config.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("连接 %s (HTTP %d): %w", l.config.URL, resp.StatusCode, err)
		}
		return fmt.Errorf("连接 %s: %w", l.config.URL, err)
	}
	l.conn = conn

	atomic.StoreInt32(&l.running, 1)

	l.wg.Add(1)
	go l.readLoop(ctx)

	log.Infof("link: WebSocket 链路已建立: %s", l.config.URL)
	return nil
}

// SendRawBytes 无确认写入一条二进制消息
func (l *WebSocketLink) SendRawBytes(data []byte) bool {
	if atomic.LoadInt32(&l.running) != 1 {
		return false
	}

	l.writeMu.Lock()
	l.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	err := l.conn.WriteMessage(websocket.BinaryMessage, data)
	l.writeMu.Unlock()

	if err != nil {
		log.Warnf("link: WebSocket 写入失败: %v", err)
		return false
	}

	atomic.AddUint64(&l.messagesSent, 1)
	atomic.AddUint64(&l.bytesSent, uint64(len(data)))
	return true
}

// readLoop 读取循环。只处理二进制消息，其余忽略。
func (l *WebSocketLink) readLoop(ctx context.Context) {
	defer l.wg.Done()

	for atomic.LoadInt32(&l.running) == 1 {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		default:
		}

		l.conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
		messageType, data, err := l.conn.ReadMessage()
		if err != nil {
			select {
			case <-l.stopCh:
			default:
				if err != io.EOF && !websocket.IsCloseError(err,
					websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Warnf("link: WebSocket 读取错误: %v", err)
				}
			}
			return
		}

		if messageType != websocket.BinaryMessage {
			continue
		}

		atomic.AddUint64(&l.messagesRecv, 1)
		atomic.AddUint64(&l.bytesRecv, uint64(len(data)))

		l.handler(data)
	}
}

// Stop 发送关闭帧，关闭连接并等待读取循环退出
func (l *WebSocketLink) Stop() {
	if !atomic.CompareAndSwapInt32(&l.running, 1, 0) {
		return
	}

	close(l.stopCh)
	if l.conn != nil {
		l.writeMu.Lock()
		l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		l.writeMu.Unlock()
		l.conn.Close()
	}
	l.wg.Wait()

	log.Info("link: WebSocket 链路已关闭")
}

// GetStats 链路收发统计
func (l *WebSocketLink) GetStats() map[string]uint64 {
	return map[string]uint64{
		"messages_sent": atomic.LoadUint64(&l.messagesSent),
		"messages_recv": atomic.LoadUint64(&l.messagesRecv),
		"bytes_sent":    atomic.LoadUint64(&l.bytesSent),
		"bytes_recv":    atomic.LoadUint64(&l.bytesRecv),
	}
}
