package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 监控指标
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 会话指标
	SessionsOpen    prometheus.GaugeFunc
	OpensTotal      *prometheus.CounterVec
	ClosesTotal     *prometheus.CounterVec
	FlushDuration   prometheus.Histogram
	SlotEventsTotal *prometheus.CounterVec

	// 投递指标
	SendsTotal *prometheus.CounterVec

	// 对账指标
	ReconcileDropsTotal prometheus.Counter
}

// NewMetrics 创建监控指标。sessionCount 提供当前在线会话数。
func NewMetrics(sessionCount func() float64) *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "postbox_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "postbox_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		SessionsOpen: promauto.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "postbox_sessions_open",
				Help: "Number of live postbox sessions",
			},
			sessionCount,
		),
		OpensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "postbox_opens_total",
				Help: "Postbox open operations by mode",
			},
			[]string{"mode"},
		),
		ClosesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "postbox_closes_total",
				Help: "Postbox close operations by result",
			},
			[]string{"result"},
		),
		FlushDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "postbox_flush_duration_seconds",
				Help:    "Durable store flush latency on close",
				Buckets: prometheus.DefBuckets,
			},
		),
		SlotEventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "postbox_slot_events_total",
				Help: "Observed container slot change events by result",
			},
			[]string{"result"},
		),
		SendsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "postbox_sends_total",
				Help: "Send operations by result",
			},
			[]string{"result"},
		),
		ReconcileDropsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "postbox_reconcile_drops_total",
				Help: "Guest additions dropped because the postbox was full on reconcile",
			},
		),
	}
}

// ObserveFlush 记录一次落盘耗时。
func (m *Metrics) ObserveFlush(start time.Time) {
	m.FlushDuration.Observe(time.Since(start).Seconds())
}
