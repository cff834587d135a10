// =============================================================================
// 文件: internal/metrics/metrics.go
// 描述: 传输层实时埋点指标（Counter/Gauge）
// =============================================================================
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TransferMetrics 传输指标集合
type TransferMetrics struct {
	// 字节进度
	BytesAcked prometheus.Gauge
	BytesTotal prometheus.Gauge

	// 传输结果
	TransfersFinished prometheus.Counter
	TransfersFailed   prometheus.Counter

	// 进程运行时间
	uptimeDesc *prometheus.Desc
	startTime  time.Time
}

// NewTransferMetrics 创建并注册传输指标集合
func NewTransferMetrics(registry *prometheus.Registry) *TransferMetrics {
	m := &TransferMetrics{
		BytesAcked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rwcp",
			Subsystem: "transfer",
			Name:      "bytes_acked",
			Help:      "Bytes acknowledged in the current transfer",
		}),

		BytesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rwcp",
			Subsystem: "transfer",
			Name:      "bytes_total",
			Help:      "Total bytes queued in the current transfer",
		}),

		TransfersFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rwcp",
			Subsystem: "transfer",
			Name:      "finished_total",
			Help:      "Total transfers completed successfully",
		}),

		TransfersFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rwcp",
			Subsystem: "transfer",
			Name:      "failed_total",
			Help:      "Total transfers that failed",
		}),

		uptimeDesc: prometheus.NewDesc(
			prometheus.BuildFQName("rwcp", "transfer", "uptime_seconds"),
			"Process uptime in seconds",
			nil, nil,
		),
		startTime: time.Now(),
	}

	registry.MustRegister(
		m.BytesAcked,
		m.BytesTotal,
		m.TransfersFinished,
		m.TransfersFailed,
		m,
	)

	return m
}

// RecordProgress 记录字节进度
func (m *TransferMetrics) RecordProgress(acked, total int64) {
	m.BytesAcked.Set(float64(acked))
	m.BytesTotal.Set(float64(total))
}

// RecordFinished 记录传输成功
func (m *TransferMetrics) RecordFinished() {
	m.TransfersFinished.Inc()
}

// RecordFailed 记录传输失败
func (m *TransferMetrics) RecordFailed() {
	m.TransfersFailed.Inc()
}

// Describe 实现 prometheus.Collector 接口 (运行时间)
func (m *TransferMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.uptimeDesc
}

// Collect 实现 prometheus.Collector 接口 (运行时间)
func (m *TransferMetrics) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(m.uptimeDesc, prometheus.GaugeValue,
		time.Since(m.startTime).Seconds())
}
