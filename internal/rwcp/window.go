// =============================================================================
// 文件: internal/rwcp/window.go
// 描述: 滑动窗口的自适应增减策略
// =============================================================================
package rwcp

// growWindow 记录连续确认的段数，连续确认数超过当前窗口时窗口加一。
// 窗口封顶 WindowMax，增长后计数清零。持锁调用。
func (c *Client) growWindow(acknowledged int) {
	c.acknowledged += acknowledged
	if c.acknowledged > c.window && c.window < WindowMax {
		c.acknowledged = 0
		c.window++
		c.credits++
		c.logState("窗口增大至 %d", c.window)
	}
}

// shrinkWindow 收到 GAP 时缩小窗口: 乘性减，窗口过大导致服务端乱序。
// credits 重置为新窗口值，连续确认计数清零。持锁调用。
func (c *Client) shrinkWindow() {
	c.window = ((c.window - 1) / 2) + 1
	if c.window > WindowMax || c.window < 1 {
		c.window = 1
	}

	c.acknowledged = 0
	c.credits = c.window

	c.logState("窗口缩小至 %d", c.window)
}
