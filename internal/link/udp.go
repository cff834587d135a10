// =============================================================================
// 文件: internal/link/udp.go
// 描述: UDP 链路 - 天然的无确认报文传输
// =============================================================================
package link

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	udpReadBufferSize = 65535
	udpReadDeadline   = time.Second
)

// UDPLink 基于已连接 UDP socket 的链路
type UDPLink struct {
	remote  string
	handler ReceiveHandler

	conn    *net.UDPConn
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running int32

	// 统计
	packetsSent uint64
	packetsRecv uint64
	bytesSent   uint64
	bytesRecv   uint64
}

// NewUDPLink 创建 UDP 链路。remote 为 host:port。
func NewUDPLink(remote string, handler ReceiveHandler) *UDPLink {
	return &UDPLink{
		remote:  remote,
		handler: handler,
		stopCh:  make(chan struct{}),
	}
}

// Start 连接远端并启动读取循环
func (l *UDPLink) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.remote)
	if err != nil {
		return fmt.Errorf("解析地址 %s: %w", l.remote, err)
	}

	l.conn, err = net.DialUDP("udp", nil, addr)
	if err != nil {
		return fmt.Errorf("连接 %s: %w", l.remote, err)
	}

	atomic.StoreInt32(&l.running, 1)

	l.wg.Add(1)
	go l.readLoop(ctx)

	log.Infof("link: UDP 链路已建立: %s", l.remote)
	return nil
}

// SendRawBytes 无确认写入一个数据报
func (l *UDPLink) SendRawBytes(data []byte) bool {
	if atomic.LoadInt32(&l.running) != 1 {
		return false
	}

	n, err := l.conn.Write(data)
	if err != nil {
		log.Warnf("link: UDP 写入失败: %v", err)
		return false
	}

	atomic.AddUint64(&l.packetsSent, 1)
	atomic.AddUint64(&l.bytesSent, uint64(n))
	return true
}

// readLoop 读取循环。每个数据报拷贝后交给回调。
func (l *UDPLink) readLoop(ctx context.Context) {
	defer l.wg.Done()

	buf := make([]byte, udpReadBufferSize)

	for atomic.LoadInt32(&l.running) == 1 {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		default:
		}

		_ = l.conn.SetReadDeadline(time.Now().Add(udpReadDeadline))
		n, err := l.conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-l.stopCh:
				return
			default:
				log.Debugf("link: UDP 读取错误: %v", err)
				continue
			}
		}

		if n == 0 {
			continue
		}

		atomic.AddUint64(&l.packetsRecv, 1)
		atomic.AddUint64(&l.bytesRecv, uint64(n))

		data := make([]byte, n)
		copy(data, buf[:n])
		l.handler(data)
	}
}

// Stop 关闭链路并等待读取循环退出
func (l *UDPLink) Stop() {
	if !atomic.CompareAndSwapInt32(&l.running, 1, 0) {
		return
	}

	close(l.stopCh)
	if l.conn != nil {
		l.conn.Close()
	}
	l.wg.Wait()

	log.Info("link: UDP 链路已关闭")
}

// GetStats 链路收发统计
func (l *UDPLink) GetStats() map[string]uint64 {
	return map[string]uint64{
		"packets_sent": atomic.LoadUint64(&l.packetsSent),
		"packets_recv": atomic.LoadUint64(&l.packetsRecv),
		"bytes_sent":   atomic.LoadUint64(&l.bytesSent),
		"bytes_recv":   atomic.LoadUint64(&l.bytesRecv),
	}
}
