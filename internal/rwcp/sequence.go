// =============================================================================
// 文件: internal/rwcp/sequence.go
// 描述: 6 位序列号空间的模运算
// =============================================================================
package rwcp

// NextSequence 序列号加一，到达 63 后回绕至 0
func NextSequence(seq int) int {
	return (seq + 1) % (SequenceMax + 1)
}

// DecreaseSequence 序列号减 n (n >= 0)，向前回绕。
// 段从未确认队列退回待发送队列时，用于回滚下一个序列号。
func DecreaseSequence(seq, n int) int {
	return (seq - n + SequenceMax + 1) % (SequenceMax + 1)
}

// sequenceInFlight 检查确认序列号是否落在在途区间内。
// last 是最后确认的序列号 (-1 表示尚无确认)，next 是下一个将要分配的序列号。
// 区间可能跨越 63→0 回绕，两种朝向分别判断。
func sequenceInFlight(ack, last, next int) bool {
	if last < next && (ack < last || ack > next) {
		return false
	}
	if last > next && ack < last && ack > next {
		return false
	}
	return true
}
