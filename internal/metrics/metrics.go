package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for mailwarm
type Metrics struct {
	// Warmup counters
	MessagesTotal         *prometheus.CounterVec
	EngagementsTotal      *prometheus.CounterVec
	CyclesTotal           *prometheus.CounterVec
	CycleDurationSeconds  prometheus.Histogram
	StageTransitionsTotal *prometheus.CounterVec
	LeaseConflictsTotal   prometheus.Counter

	// Account gauges
	Accounts        *prometheus.GaugeVec
	CyclesRunning   prometheus.Gauge
	LogsPurgedTotal prometheus.Counter

	// Sink
	SinkMessagesTotal *prometheus.CounterVec

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// Rate limiting
	RateLimitExceededTotal *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		MessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailwarm_messages_total",
				Help: "Warmup messages attempted, by kind and result",
			},
			[]string{"kind", "result"},
		),
		EngagementsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailwarm_engagements_total",
				Help: "Simulated engagement actions by action",
			},
			[]string{"action"},
		),
		CyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailwarm_cycles_total",
				Help: "Warmup cycles finished, by result",
			},
			[]string{"result"},
		),
		CycleDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mailwarm_cycle_duration_seconds",
				Help:    "Wall time of a warmup cycle",
				Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200},
			},
		),
		StageTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailwarm_stage_transitions_total",
				Help: "Stage advances and completions",
			},
			[]string{"type"},
		),
		LeaseConflictsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mailwarm_lease_conflicts_total",
				Help: "Cycles skipped because another cycle held the account lease",
			},
		),

		Accounts: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mailwarm_accounts",
				Help: "Accounts by status",
			},
			[]string{"status"},
		),
		CyclesRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailwarm_cycles_running",
				Help: "Cycles currently in progress",
			},
		),
		LogsPurgedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mailwarm_logs_purged_total",
				Help: "Message and engagement log entries removed by retention",
			},
		),

		SinkMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailwarm_sink_messages_total",
				Help: "Messages accepted by the local SMTP sink, by recipient domain",
			},
			[]string{"domain"},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailwarm_api_requests_total",
				Help: "Total HTTP API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailwarm_api_request_duration_seconds",
				Help:    "HTTP API request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailwarm_api_errors_total",
				Help: "Total HTTP API errors",
			},
			[]string{"type"},
		),

		RateLimitExceededTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailwarm_ratelimit_exceeded_total",
				Help: "Sends held back by the throttle, by level",
			},
			[]string{"level"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailwarm_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailwarm_goroutines",
				Help: "Number of goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailwarm_storage_used_bytes",
				Help: "Size of the bbolt data file",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.MessagesTotal,
		m.EngagementsTotal,
		m.CyclesTotal,
		m.CycleDurationSeconds,
		m.StageTransitionsTotal,
		m.LeaseConflictsTotal,
		m.Accounts,
		m.CyclesRunning,
		m.LogsPurgedTotal,
		m.SinkMessagesTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.RateLimitExceededTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncMessages counts a warmup, reply or probe send
func IncMessages(kind, result string) {
	if m := Global(); m != nil {
		m.MessagesTotal.WithLabelValues(kind, result).Inc()
	}
}

// IncEngagements counts a simulated engagement action
func IncEngagements(action string) {
	if m := Global(); m != nil {
		m.EngagementsTotal.WithLabelValues(action).Inc()
	}
}

// IncCycles counts a finished cycle (ok, canceled, error, conflict)
func IncCycles(result string) {
	if m := Global(); m != nil {
		m.CyclesTotal.WithLabelValues(result).Inc()
	}
}

// ObserveCycleDuration records how long a cycle took
func ObserveCycleDuration(d time.Duration) {
	if m := Global(); m != nil {
		m.CycleDurationSeconds.Observe(d.Seconds())
	}
}

// IncStageTransitions counts an advance or complete decision
func IncStageTransitions(kind string) {
	if m := Global(); m != nil {
		m.StageTransitionsTotal.WithLabelValues(kind).Inc()
	}
}

// IncLeaseConflicts counts a cycle rejected by the account lease
func IncLeaseConflicts() {
	if m := Global(); m != nil {
		m.LeaseConflictsTotal.Inc()
	}
}

// CycleStarted marks a cycle in progress; call the returned func when done
func CycleStarted() func() {
	m := Global()
	if m == nil {
		return func() {}
	}
	m.CyclesRunning.Inc()
	return m.CyclesRunning.Dec
}

// AddLogsPurged counts log entries removed by retention
func AddLogsPurged(n int) {
	if m := Global(); m != nil && n > 0 {
		m.LogsPurgedTotal.Add(float64(n))
	}
}

// IncSinkMessages counts a message accepted by the SMTP sink
func IncSinkMessages(domain string) {
	if m := Global(); m != nil {
		m.SinkMessagesTotal.WithLabelValues(domain).Inc()
	}
}

// IncRateLimitExceeded increments rate limit exceeded counter
func IncRateLimitExceeded(level string) {
	if m := Global(); m != nil {
		m.RateLimitExceededTotal.WithLabelValues(level).Inc()
	}
}
