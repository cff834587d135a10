// =============================================================================
// 文件: internal/metrics/collectors.go
// 描述: Prometheus 指标收集器定义
// =============================================================================
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/KunYi/droid-gaia-ctrl/internal/rwcp"
)

// =============================================================================
// RWCP 客户端收集器
// =============================================================================

// ClientStatsProvider RWCP 客户端统计数据接口
type ClientStatsProvider interface {
	Stats() rwcp.Stats
}

// ClientCollector RWCP 客户端指标收集器。
// 采集时对客户端取一次快照，保证一次抓取内各指标一致。
type ClientCollector struct {
	statsProvider ClientStatsProvider

	// 会话状态
	stateDesc           *prometheus.Desc
	windowDesc          *prometheus.Desc
	creditsDesc         *prometheus.Desc
	pendingChunksDesc   *prometheus.Desc
	unackedSegmentsDesc *prometheus.Desc
	dataTimeoutDesc     *prometheus.Desc

	// 计数器
	segmentsSentDesc    *prometheus.Desc
	segmentsResentDesc  *prometheus.Desc
	segmentsAckedDesc   *prometheus.Desc
	gapsReceivedDesc    *prometheus.Desc
	timeoutsDesc        *prometheus.Desc
	rejectedAcksDesc    *prometheus.Desc
	discardedInputsDesc *prometheus.Desc
}

// NewClientCollector 创建 RWCP 客户端收集器
func NewClientCollector(provider ClientStatsProvider) *ClientCollector {
	namespace := "rwcp"
	subsystem := "client"

	return &ClientCollector{
		statsProvider: provider,

		stateDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "state"),
			"Current session state (1 = active)",
			[]string{"state"}, nil,
		),
		windowDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "window"),
			"Current sliding window size",
			nil, nil,
		),
		creditsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "credits"),
			"Remaining send credits within the window",
			nil, nil,
		),
		pendingChunksDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "pending_chunks"),
			"Data chunks queued but not yet sent",
			nil, nil,
		),
		unackedSegmentsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "unacked_segments"),
			"Segments sent but not yet acknowledged",
			nil, nil,
		),
		dataTimeoutDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "data_timeout_milliseconds"),
			"Current adaptive DATA segment timeout",
			nil, nil,
		),

		segmentsSentDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "segments_sent_total"),
			"Total segments handed to the link",
			nil, nil,
		),
		segmentsResentDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "segments_resent_total"),
			"Total segment retransmissions",
			nil, nil,
		),
		segmentsAckedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "segments_acked_total"),
			"Total segments acknowledged by the server",
			nil, nil,
		),
		gapsReceivedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "gaps_received_total"),
			"Total GAP segments received",
			nil, nil,
		),
		timeoutsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "timeouts_total"),
			"Total segment timeouts",
			nil, nil,
		),
		rejectedAcksDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "rejected_acks_total"),
			"Total acknowledgements rejected by sequence validation",
			nil, nil,
		),
		discardedInputsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "discarded_inputs_total"),
			"Total inbound buffers discarded as non-RWCP traffic",
			nil, nil,
		),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *ClientCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.stateDesc
	ch <- c.windowDesc
	ch <- c.creditsDesc
	ch <- c.pendingChunksDesc
	ch <- c.unackedSegmentsDesc
	ch <- c.dataTimeoutDesc
	ch <- c.segmentsSentDesc
	ch <- c.segmentsResentDesc
	ch <- c.segmentsAckedDesc
	ch <- c.gapsReceivedDesc
	ch <- c.timeoutsDesc
	ch <- c.rejectedAcksDesc
	ch <- c.discardedInputsDesc
}

// Collect 实现 prometheus.Collector 接口
func (c *ClientCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.statsProvider.Stats()

	// 当前状态
	for _, state := range []rwcp.State{
		rwcp.StateListen, rwcp.StateSynSent, rwcp.StateEstablished, rwcp.StateClosing,
	} {
		val := 0.0
		if state.String() == stats.State {
			val = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.stateDesc, prometheus.GaugeValue, val, state.String())
	}

	// 会话状态
	ch <- prometheus.MustNewConstMetric(c.windowDesc, prometheus.GaugeValue,
		float64(stats.Window))
	ch <- prometheus.MustNewConstMetric(c.creditsDesc, prometheus.GaugeValue,
		float64(stats.Credits))
	ch <- prometheus.MustNewConstMetric(c.pendingChunksDesc, prometheus.GaugeValue,
		float64(stats.PendingChunks))
	ch <- prometheus.MustNewConstMetric(c.unackedSegmentsDesc, prometheus.GaugeValue,
		float64(stats.UnackedSegments))
	ch <- prometheus.MustNewConstMetric(c.dataTimeoutDesc, prometheus.GaugeValue,
		float64(stats.DataTimeoutMs))

	// 计数器
	ch <- prometheus.MustNewConstMetric(c.segmentsSentDesc, prometheus.CounterValue,
		float64(stats.SegmentsSent))
	ch <- prometheus.MustNewConstMetric(c.segmentsResentDesc, prometheus.CounterValue,
		float64(stats.SegmentsResent))
	ch <- prometheus.MustNewConstMetric(c.segmentsAckedDesc, prometheus.CounterValue,
		float64(stats.SegmentsAcked))
	ch <- prometheus.MustNewConstMetric(c.gapsReceivedDesc, prometheus.CounterValue,
		float64(stats.GapsReceived))
	ch <- prometheus.MustNewConstMetric(c.timeoutsDesc, prometheus.CounterValue,
		float64(stats.Timeouts))
	ch <- prometheus.MustNewConstMetric(c.rejectedAcksDesc, prometheus.CounterValue,
		float64(stats.RejectedAcks))
	ch <- prometheus.MustNewConstMetric(c.discardedInputsDesc, prometheus.CounterValue,
		float64(stats.DiscardedInputs))
}

// =============================================================================
// 链路收集器
// =============================================================================

// LinkStatsProvider 链路统计数据接口
type LinkStatsProvider interface {
	GetStats() map[string]uint64
}

// LinkCollector 链路指标收集器
type LinkCollector struct {
	statsProvider LinkStatsProvider

	statDesc *prometheus.Desc
}

// NewLinkCollector 创建链路收集器
func NewLinkCollector(provider LinkStatsProvider) *LinkCollector {
	return &LinkCollector{
		statsProvider: provider,

		statDesc: prometheus.NewDesc(
			prometheus.BuildFQName("rwcp", "link", "stat_total"),
			"Raw link transfer counters",
			[]string{"stat"}, nil,
		),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *LinkCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.statDesc
}

// Collect 实现 prometheus.Collector 接口
func (c *LinkCollector) Collect(ch chan<- prometheus.Metric) {
	for name, value := range c.statsProvider.GetStats() {
		ch <- prometheus.MustNewConstMetric(c.statDesc, prometheus.CounterValue,
			float64(value), name)
	}
}
