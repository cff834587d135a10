// =============================================================================
// 文件: internal/rwcp/client_test.go
// 描述: RWCP 客户端状态机测试
// =============================================================================
package rwcp

import (
	"bytes"
	"sync"
	"testing"
	"time"
)

// fakeListener 脚本化的链路/回调伪实现
type fakeListener struct {
	mu         sync.Mutex
	sent       [][]byte
	sendResult bool
	failed     int
	finished   int
	progress   []int
}

func newFakeListener() *fakeListener {
	return &fakeListener{sendResult: true}
}

func (l *fakeListener) SendSegment(data []byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.sendResult {
		return false
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	l.sent = append(l.sent, frame)
	return true
}

func (l *fakeListener) OnTransferFailed()   { l.mu.Lock(); l.failed++; l.mu.Unlock() }
func (l *fakeListener) OnTransferFinished() { l.mu.Lock(); l.finished++; l.mu.Unlock() }

func (l *fakeListener) OnTransferProgress(acknowledged int) {
	l.mu.Lock()
	l.progress = append(l.progress, acknowledged)
	l.mu.Unlock()
}

func (l *fakeListener) frames() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.sent))
	copy(out, l.sent)
	return out
}

func (l *fakeListener) setSendResult(ok bool) {
	l.mu.Lock()
	l.sendResult = ok
	l.mu.Unlock()
}

// serverFrame 构造服务端段的字节
func serverFrame(op, seq int, payload ...byte) []byte {
	return append([]byte{byte(seq) | byte(op)<<6}, payload...)
}

// stopTimers 测试结束前取消挂起的定时器，避免触发到已结束的测试里
func stopTimers(c *Client) {
	c.mu.Lock()
	c.cancelTimeoutLocked()
	c.mu.Unlock()
}

// pendingTimerGen 取当前定时器世代，用于手动触发超时
func pendingTimerGen(t *testing.T, c *Client) uint64 {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.timerRunning {
		t.Fatal("应有挂起的定时器")
	}
	return c.timerGen
}

// establishClient 把客户端驱动到 ESTABLISHED: 入队 chunks，走完 RST/SYN 握手。
// 握手后 lastAck=1，next=2，DATA 段从序列号 2 开始。
func establishClient(t *testing.T, chunks ...[]byte) (*Client, *fakeListener) {
	t.Helper()

	l := newFakeListener()
	c := NewClient(l)

	for _, chunk := range chunks {
		if !c.Send(chunk) {
			t.Fatal("Send 失败")
		}
	}

	// 会话以 RST 开始
	frames := l.frames()
	if len(frames) == 0 || !bytes.Equal(frames[0], []byte{0x80}) {
		t.Fatalf("应先发送 RST(seq=0): got %v", frames)
	}

	// RST_ACK → SYN
	if !c.OnReceiveSegment(serverFrame(OpRstAck, 0)) {
		t.Fatal("RST_ACK 处理失败")
	}
	frames = l.frames()
	if !bytes.Equal(frames[1], []byte{0x41}) {
		t.Fatalf("应发送 SYN(seq=1): got %v", frames[1])
	}

	// SYN_ACK → ESTABLISHED
	if !c.OnReceiveSegment(serverFrame(OpSynAck, 1)) {
		t.Fatal("SYN_ACK 处理失败")
	}

	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != StateEstablished {
		t.Fatalf("握手后状态应为 ESTABLISHED: got %s", state)
	}

	return c, l
}

// assertInvariants 校验跨字段不变量
func assertInvariants(t *testing.T, c *Client) {
	t.Helper()
	s := c.Stats()
	if s.Credits > s.Window {
		t.Errorf("credits (%d) 不得超过 window (%d)", s.Credits, s.Window)
	}
	if s.Window < 1 || s.Window > WindowMax {
		t.Errorf("window (%d) 超出 [1, %d]", s.Window, WindowMax)
	}
}

// -----------------------------------------------------------------------------
// 会话生命周期
// -----------------------------------------------------------------------------

func TestSessionStart(t *testing.T) {
	// 场景: LISTEN 下 Send → 先 RST，RST_ACK 后 SYN
	l := newFakeListener()
	c := NewClient(l)
	defer stopTimers(c)

	if !c.Send([]byte{0x01, 0x02}) {
		t.Fatal("Send 失败")
	}
	if !c.IsRunningSession() {
		t.Error("Send 后应有会话在进行")
	}

	frames := l.frames()
	if len(frames) != 1 || !bytes.Equal(frames[0], []byte{0x80}) {
		t.Fatalf("应只发送 RST(code=2, seq=0): got %v", frames)
	}

	if !c.OnReceiveSegment(serverFrame(OpRstAck, 0)) {
		t.Fatal("RST_ACK 处理失败")
	}

	frames = l.frames()
	if len(frames) != 2 || !bytes.Equal(frames[1], []byte{0x41}) {
		t.Fatalf("RST_ACK 后应发送 SYN(code=1, seq=1): got %v", frames)
	}
	assertInvariants(t, c)
}

func TestFullTransferLifecycle(t *testing.T) {
	c, l := establishClient(t, []byte{0xAA, 0xBB})
	defer stopTimers(c)

	// 握手后立即发送 DATA(seq=2)
	frames := l.frames()
	if len(frames) != 3 || !bytes.Equal(frames[2], []byte{0x02, 0xAA, 0xBB}) {
		t.Fatalf("应发送 DATA(seq=2): got %v", frames)
	}

	// DATA_ACK 确认后没有数据了: 发 RST 关闭会话
	if !c.OnReceiveSegment(serverFrame(OpDataAck, 2)) {
		t.Fatal("DATA_ACK 处理失败")
	}
	frames = l.frames()
	if len(frames) != 4 || !bytes.Equal(frames[3], []byte{0x80}) {
		t.Fatalf("数据传完应发送 RST 关闭会话: got %v", frames)
	}

	l.mu.Lock()
	progress := append([]int(nil), l.progress...)
	l.mu.Unlock()
	if len(progress) != 1 || progress[0] != 1 {
		t.Errorf("应上报 1 个段的进度: got %v", progress)
	}

	// RST_ACK: 传输结束，回到 LISTEN
	if !c.OnReceiveSegment(serverFrame(OpRstAck, 0)) {
		t.Fatal("关闭时 RST_ACK 处理失败")
	}
	l.mu.Lock()
	finished := l.finished
	l.mu.Unlock()
	if finished != 1 {
		t.Errorf("OnTransferFinished 应恰好调用一次: got %d", finished)
	}
	if c.IsRunningSession() {
		t.Error("传输结束后应回到 LISTEN")
	}
	assertInvariants(t, c)
}

func TestSendWhileEstablishedDoesNotRestartHandshake(t *testing.T) {
	c, l := establishClient(t, []byte{0x01}, []byte{0x02})
	defer stopTimers(c)

	count := len(l.frames())
	if !c.Send([]byte{0x03}) {
		t.Fatal("Send 失败")
	}

	// 会话已建立: 不得重新握手，新产生的段只能是 DATA
	for _, f := range l.frames()[count:] {
		if f[0]>>6 != OpData {
			t.Errorf("ESTABLISHED 下 Send 只应产生 DATA 段: got %v", f)
		}
	}
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != StateEstablished {
		t.Errorf("ESTABLISHED 下 Send 不应改变状态: got %s", state)
	}
}

func TestPeerResetWhileEstablished(t *testing.T) {
	// 场景: ESTABLISHED 收到 RST → 传输失败，回到 LISTEN
	c, l := establishClient(t, []byte{0x01})
	defer stopTimers(c)

	if !c.OnReceiveSegment(serverFrame(OpRstAck, 0)) {
		t.Fatal("RST 处理失败")
	}

	l.mu.Lock()
	failed := l.failed
	l.mu.Unlock()
	if failed != 1 {
		t.Errorf("OnTransferFailed 应恰好调用一次: got %d", failed)
	}
	if c.IsRunningSession() {
		t.Error("重置后应回到 LISTEN")
	}
	s := c.Stats()
	if s.PendingChunks != 0 || s.UnackedSegments != 0 {
		t.Errorf("重置后队列应清空: pending=%d unacked=%d", s.PendingChunks, s.UnackedSegments)
	}
}

func TestCancelTransfer(t *testing.T) {
	c, l := establishClient(t, []byte{0x01})
	defer stopTimers(c)

	count := len(l.frames())
	c.CancelTransfer()

	frames := l.frames()
	if len(frames) != count+1 || !bytes.Equal(frames[count], []byte{0x80}) {
		t.Fatalf("取消传输应发送 RST: got %v", frames[count:])
	}
	if !c.IsRunningSession() {
		t.Error("等待 RST_ACK 期间会话仍在进行")
	}

	// RST_ACK 后回到 LISTEN
	if !c.OnReceiveSegment(serverFrame(OpRstAck, 0)) {
		t.Fatal("RST_ACK 处理失败")
	}
	if c.IsRunningSession() {
		t.Error("取消完成后应回到 LISTEN")
	}
}

func TestCancelTransferLinkFailure(t *testing.T) {
	// RST 本身发送失败: 本地直接终止，不等确认
	c, l := establishClient(t, []byte{0x01})
	defer stopTimers(c)

	l.setSendResult(false)
	c.CancelTransfer()

	if c.IsRunningSession() {
		t.Error("RST 发送失败时应本地终止会话")
	}
}

func TestCancelWithoutSession(t *testing.T) {
	l := newFakeListener()
	c := NewClient(l)

	c.CancelTransfer()

	if len(l.frames()) != 0 {
		t.Errorf("没有会话时取消不应发送任何段: got %v", l.frames())
	}
}

// -----------------------------------------------------------------------------
// 确认校验与窗口
// -----------------------------------------------------------------------------

func TestWindowGrowthOnAckStreak(t *testing.T) {
	// 场景: 连续确认数超过窗口 15 时窗口增至 16，增长时连续计数清零。
	// 握手的 RST/SYN 确认也计入连续计数，起始值为 2，增长在第 14 个
	// DATA_ACK 处触发，之后剩余 2 次确认使计数回到 2。
	// 多备一块数据，确保最后一次确认后会话不会因队列全空而关闭。
	chunks := make([][]byte, 17)
	for i := range chunks {
		chunks[i] = []byte{byte(i)}
	}
	c, _ := establishClient(t, chunks...)
	defer stopTimers(c)

	// 握手后发出 15 个 DATA (seq 2..16)，credits 用尽，2 块待发送
	s := c.Stats()
	if s.UnackedSegments != 15 || s.Credits != 0 || s.PendingChunks != 2 {
		t.Fatalf("初始发送不符合预期: %+v", s)
	}

	for seq := 2; seq <= 17; seq++ {
		if !c.OnReceiveSegment(serverFrame(OpDataAck, seq)) {
			t.Fatalf("DATA_ACK(seq=%d) 处理失败", seq)
		}
		assertInvariants(t, c)
	}

	s = c.Stats()
	if s.Window != 16 {
		t.Errorf("窗口应增至 16: got %d", s.Window)
	}
	c.mu.Lock()
	streak := c.acknowledged
	c.mu.Unlock()
	if streak != 2 {
		t.Errorf("增长后剩余 2 次确认计数: got %d", streak)
	}
}

func TestSequenceWraparoundLongSession(t *testing.T) {
	// 场景: 100 块数据跨越序列号 63→0 回绕，按发送顺序逐段确认，
	// 会话应正常关闭且窗口不变量全程成立。
	chunks := make([][]byte, 100)
	for i := range chunks {
		chunks[i] = []byte{byte(i)}
	}
	c, l := establishClient(t, chunks...)
	defer stopTimers(c)

	acked := 0
	next := 2 // 跳过握手的 RST 和 SYN
	for closed := false; !closed; {
		frames := l.frames()
		if next >= len(frames) {
			t.Fatalf("会话停滞: 已确认 %d 段后没有新的段", acked)
		}
		for _, frame := range frames[next:] {
			next++
			seq := int(frame[0] & 0x3F)
			switch int(frame[0]) >> 6 {
			case OpData:
				if !c.OnReceiveSegment(serverFrame(OpDataAck, seq)) {
					t.Fatalf("DATA_ACK(seq=%d) 处理失败", seq)
				}
				acked++
				assertInvariants(t, c)
			case OpRst:
				if !c.OnReceiveSegment(serverFrame(OpRstAck, seq)) {
					t.Fatalf("RST_ACK(seq=%d) 处理失败", seq)
				}
				closed = true
			default:
				t.Fatalf("会话中不应发送段 %#x", frame[0])
			}
			if closed {
				break
			}
		}
	}

	if acked != 100 {
		t.Errorf("应确认全部 100 个数据段: got %d", acked)
	}
	l.mu.Lock()
	finished, failed := l.finished, l.failed
	l.mu.Unlock()
	if finished != 1 || failed != 0 {
		t.Errorf("会话应恰好正常结束一次: finished=%d failed=%d", finished, failed)
	}
	if c.IsRunningSession() {
		t.Error("传输结束后应回到 LISTEN")
	}
}

func TestWindowShrinkOnGap(t *testing.T) {
	// 场景: 10 个未确认 DATA，收到 GAP → 窗口 15→8，超出窗口的段退回待发送队列
	chunks := make([][]byte, 10)
	for i := range chunks {
		chunks[i] = []byte{byte(i)}
	}
	c, l := establishClient(t, chunks...)
	defer stopTimers(c)

	count := len(l.frames())

	if !c.OnReceiveSegment(serverFrame(OpGap, 1)) {
		t.Fatal("GAP 处理失败")
	}

	s := c.Stats()
	if s.Window != 8 {
		t.Errorf("窗口应缩小至 ((15-1)/2)+1 = 8: got %d", s.Window)
	}
	if s.UnackedSegments != 8 || s.PendingChunks != 2 {
		t.Errorf("超出窗口的 2 个段应退回待发送队列: unacked=%d pending=%d",
			s.UnackedSegments, s.PendingChunks)
	}
	if s.NextSequence != 10 {
		t.Errorf("下一个序列号应回滚至 10: got %d", s.NextSequence)
	}

	// 窗口内的 8 个段应被重发 (seq 2..9)
	resent := l.frames()[count:]
	if len(resent) != 8 {
		t.Fatalf("应重发 8 个段: got %d", len(resent))
	}
	for i, f := range resent {
		if f[0]>>6 != OpData || int(f[0]&0x3F) != 2+i {
			t.Errorf("重发段 %d 不正确: got %v", i, f)
		}
	}
	assertInvariants(t, c)
}

func TestGapBehindLastAckIgnored(t *testing.T) {
	c, _ := establishClient(t, []byte{0x01}, []byte{0x02}, []byte{0x03})
	defer stopTimers(c)

	// 确认到 seq=3，再收落后的 GAP(seq=1)
	if !c.OnReceiveSegment(serverFrame(OpDataAck, 3)) {
		t.Fatal("DATA_ACK 处理失败")
	}

	before := c.Stats()
	if !c.OnReceiveSegment(serverFrame(OpGap, 1)) {
		t.Fatal("GAP 处理失败")
	}
	after := c.Stats()
	if after.Window != before.Window || after.UnackedSegments != before.UnackedSegments {
		t.Errorf("落后于已确认序列号的 GAP 应被忽略: before=%+v after=%+v", before, after)
	}
}

func TestInvalidAckSequenceRejected(t *testing.T) {
	// 在途区间之外的确认: 丢弃，记录日志，不变更任何状态
	c, l := establishClient(t, []byte{0x01})
	defer stopTimers(c)

	before := c.Stats()
	if !c.OnReceiveSegment(serverFrame(OpDataAck, 50)) {
		t.Fatal("越界 DATA_ACK 应被处理 (丢弃) 而非报错")
	}
	after := c.Stats()

	if after.Credits != before.Credits || after.LastAckSequence != before.LastAckSequence ||
		after.UnackedSegments != before.UnackedSegments {
		t.Errorf("无效确认不得变更会话状态: before=%+v after=%+v", before, after)
	}
	if after.RejectedAcks != 1 {
		t.Errorf("RejectedAcks 应为 1: got %d", after.RejectedAcks)
	}

	l.mu.Lock()
	progress := len(l.progress)
	l.mu.Unlock()
	if progress != 0 {
		t.Error("无效确认不应上报进度")
	}
}

func TestSynAckInvalidSequenceFailsTransfer(t *testing.T) {
	l := newFakeListener()
	c := NewClient(l)
	defer stopTimers(c)

	c.Send([]byte{0x01})
	c.OnReceiveSegment(serverFrame(OpRstAck, 0))

	// SYN(seq=1) 已发出，返回序列号不符的 SYN_ACK
	if !c.OnReceiveSegment(serverFrame(OpSynAck, 40)) {
		t.Fatal("SYN_ACK 处理失败")
	}

	l.mu.Lock()
	failed := l.failed
	l.mu.Unlock()
	if failed != 1 {
		t.Errorf("序列号不符的 SYN_ACK 应导致传输失败: failed=%d", failed)
	}

	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != StateClosing {
		t.Errorf("失败后应发送 RST 进入 CLOSING: got %s", state)
	}
}

func TestSynAckWhileEstablishedTriggersResend(t *testing.T) {
	// ESTABLISHED 下再收到 SYN_ACK: 服务端没收到数据，重发未确认的段
	c, l := establishClient(t, []byte{0x01}, []byte{0x02})
	defer stopTimers(c)

	count := len(l.frames())
	if !c.OnReceiveSegment(serverFrame(OpSynAck, 1)) {
		t.Fatal("SYN_ACK 处理失败")
	}

	resent := l.frames()[count:]
	if len(resent) != 2 {
		t.Fatalf("应重发 2 个未确认的 DATA 段: got %d", len(resent))
	}
}

// -----------------------------------------------------------------------------
// 超时与重发
// -----------------------------------------------------------------------------

func TestDataTimeoutDoubling(t *testing.T) {
	// 场景: DATA 超时连续触发 → 超时值 100→200→400，封顶 1000
	c, _ := establishClient(t, []byte{0x01})
	defer stopTimers(c)

	expect := []time.Duration{
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1000 * time.Millisecond,
		1000 * time.Millisecond,
	}
	for i, want := range expect {
		c.onTimeout(pendingTimerGen(t, c))

		c.mu.Lock()
		got := c.dataTimeout
		c.mu.Unlock()
		if got != want {
			t.Fatalf("第 %d 次超时后 dataTimeout 应为 %v: got %v", i+1, want, got)
		}
	}

	s := c.Stats()
	if s.Timeouts != uint64(len(expect)) {
		t.Errorf("超时计数不正确: got %d", s.Timeouts)
	}
}

func TestControlSegmentResendOnTimeout(t *testing.T) {
	// RST 超时: 原样重发
	l := newFakeListener()
	c := NewClient(l)
	defer stopTimers(c)

	c.Send([]byte{0x01})

	c.onTimeout(pendingTimerGen(t, c))

	frames := l.frames()
	if len(frames) != 2 || !bytes.Equal(frames[1], []byte{0x80}) {
		t.Fatalf("RST 超时应原样重发: got %v", frames)
	}
	assertInvariants(t, c)
}

func TestStaleTimerIgnored(t *testing.T) {
	c, l := establishClient(t, []byte{0x01})

	gen := pendingTimerGen(t, c)
	stopTimers(c)

	count := len(l.frames())
	c.onTimeout(gen)
	if len(l.frames()) != count {
		t.Error("已取消的定时器触发不应产生任何发送")
	}
}

// -----------------------------------------------------------------------------
// 入站异常流量
// -----------------------------------------------------------------------------

func TestReceiveEmptyBuffer(t *testing.T) {
	// 场景: 0 长度缓冲区 → 返回 false，无状态变更
	l := newFakeListener()
	c := NewClient(l)

	if c.OnReceiveSegment([]byte{}) {
		t.Error("空缓冲区应返回 false")
	}
	if c.IsRunningSession() {
		t.Error("空缓冲区不应产生状态变更")
	}

	s := c.Stats()
	if s.DiscardedInputs != 1 {
		t.Errorf("丢弃计数应为 1: got %d", s.DiscardedInputs)
	}
}

func TestUnexpectedSegmentsWhileListen(t *testing.T) {
	// LISTEN 下任何服务端段都不符合预期: 丢弃并返回 false
	l := newFakeListener()
	c := NewClient(l)

	for _, frame := range [][]byte{
		serverFrame(OpDataAck, 0),
		serverFrame(OpSynAck, 0),
		serverFrame(OpRstAck, 0),
		serverFrame(OpGap, 0),
	} {
		if c.OnReceiveSegment(frame) {
			t.Errorf("LISTEN 下段 %v 应返回 false", frame)
		}
	}

	if c.IsRunningSession() || len(l.frames()) != 0 {
		t.Error("意外的段不应产生状态变更或发送")
	}
}

func TestDataAckDiscardedWhileClosing(t *testing.T) {
	c, _ := establishClient(t, []byte{0x01})
	defer stopTimers(c)

	c.CancelTransfer()

	// CLOSING 下迟来的 DATA_ACK: 丢弃但视为已处理
	if !c.OnReceiveSegment(serverFrame(OpDataAck, 2)) {
		t.Error("CLOSING 下 DATA_ACK 应被丢弃而非报错")
	}
}

func TestSetInitialWindowSize(t *testing.T) {
	l := newFakeListener()
	c := NewClient(l)

	if !c.SetInitialWindowSize(8) {
		t.Fatal("LISTEN 下设置起始窗口应成功")
	}
	if s := c.Stats(); s.Window != 8 || s.Credits != 8 {
		t.Fatalf("窗口未生效: %+v", s)
	}

	// 越界取值收敛到合法范围
	c.SetInitialWindowSize(0)
	if s := c.Stats(); s.Window != 1 {
		t.Errorf("过小取值应收敛为 1: got %d", s.Window)
	}
	c.SetInitialWindowSize(100)
	if s := c.Stats(); s.Window != WindowMax {
		t.Errorf("过大取值应收敛为 %d: got %d", WindowMax, s.Window)
	}

	c2, _ := establishClient(t, []byte{0x01})
	defer stopTimers(c2)
	if c2.SetInitialWindowSize(4) {
		t.Error("会话进行中修改起始窗口应被拒绝")
	}
}
