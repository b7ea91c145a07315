// Package telemetry holds self-monitoring: Prometheus metrics, tracing and logging setup.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stage labels.
const (
	StageAccess     = "access"
	StageDetect     = "detect"
	StageTrigger    = "trigger"
	StageComposer   = "composer"
	StageManager    = "manager"
	StageDispatcher = "dispatcher"
	StageBeater     = "beater"
)

// Metrics is the metric set of one process. It is registered on an explicit registry.
type Metrics struct {
	ProcessDataCount     *prometheus.CounterVec
	ProcessPushDataCount *prometheus.CounterVec
	ProcessLatency       *prometheus.HistogramVec
	DroppedCount         *prometheus.CounterVec
	AccessLag            *prometheus.HistogramVec
	GatedCount           *prometheus.CounterVec
	BusyCount            *prometheus.CounterVec
	LeaseSkipCount       *prometheus.CounterVec
	ActionCount          *prometheus.CounterVec
	BulkFailureCount     prometheus.Counter
	ActiveAlerts         *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ProcessDataCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alarmflow_process_data_count",
			Help: "Items consumed by a stage.",
		}, []string{"stage", "shard"}),
		ProcessPushDataCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alarmflow_process_push_data_count",
			Help: "Items pushed downstream by a stage.",
		}, []string{"stage", "shard"}),
		ProcessLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "alarmflow_process_latency",
			Help:    "Seconds spent processing one batch.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage", "shard"}),
		DroppedCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alarmflow_dropped_count",
			Help: "Items dropped by a stage.",
		}, []string{"stage", "reason"}),
		AccessLag: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "alarmflow_access_lag",
			Help:    "Seconds between ingest and processing.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"stage"}),
		GatedCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alarmflow_trigger_gated_count",
			Help: "Anomalies drained outside alarm time.",
		}, []string{"strategy_id"}),
		BusyCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alarmflow_busy_count",
			Help: "Busy signals raised by a stage.",
		}, []string{"stage"}),
		LeaseSkipCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alarmflow_lease_skip_count",
			Help: "Work skipped because a lease was held elsewhere.",
		}, []string{"stage"}),
		ActionCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alarmflow_action_count",
			Help: "Action instances by plugin and status.",
		}, []string{"plugin", "status"}),
		BulkFailureCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alarmflow_store_bulk_failure_count",
			Help: "Documents rejected by the durable store.",
		}),
		ActiveAlerts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "alarmflow_active_alerts",
			Help: "Active alerts seen by the last manager cycle.",
		}, []string{"shard"}),
	}
	if reg != nil {
		reg.MustRegister(m.ProcessDataCount, m.ProcessPushDataCount, m.ProcessLatency, m.DroppedCount,
			m.AccessLag, m.GatedCount, m.BusyCount, m.LeaseSkipCount, m.ActionCount, m.BulkFailureCount,
			m.ActiveAlerts)
	}
	return m
}

// Discard returns an unregistered metric set.
func Discard() *Metrics { return NewMetrics(nil) }

func shardLabel(shard int) string { return strconv.Itoa(shard) }

func (m *Metrics) Processed(stage string, shard, n int) {
	m.ProcessDataCount.WithLabelValues(stage, shardLabel(shard)).Add(float64(n))
}

func (m *Metrics) Pushed(stage string, shard, n int) {
	m.ProcessPushDataCount.WithLabelValues(stage, shardLabel(shard)).Add(float64(n))
}

func (m *Metrics) ObserveLatency(stage string, shard int, start time.Time) {
	m.ProcessLatency.WithLabelValues(stage, shardLabel(shard)).Observe(time.Since(start).Seconds())
}

func (m *Metrics) Dropped(stage, reason string) {
	m.DroppedCount.WithLabelValues(stage, reason).Inc()
}

func (m *Metrics) Lag(stage string, seconds float64) {
	if seconds < 0 {
		seconds = 0
	}
	m.AccessLag.WithLabelValues(stage).Observe(seconds)
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
