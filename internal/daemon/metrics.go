package daemon

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/berth-dev/berth/internal/models"
)

// Metrics collects Prometheus counters and histograms for berthd.
type Metrics struct {
	registry              *prometheus.Registry
	taskExecutionsTotal   *prometheus.CounterVec
	taskExecutionSeconds  *prometheus.HistogramVec
	wakeSessionsTotal     *prometheus.CounterVec
	wakeDurationSeconds   *prometheus.HistogramVec
	proxyCompilesTotal    *prometheus.CounterVec
	proxyRules            prometheus.Gauge
	proxyRulesSkipped     prometheus.Gauge
	ruleChecksTotal       *prometheus.CounterVec
	idleStopsTotal        *prometheus.CounterVec
	busDroppedSubscribers prometheus.Counter
}

// NewMetrics constructs a metrics registry and registers all collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	taskExecutionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "berth",
			Subsystem: "schedule",
			Name:      "executions_total",
			Help:      "Total scheduled task executions.",
		},
		[]string{"action", "trigger", "result"},
	)
	taskExecutionSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "berth",
			Subsystem: "schedule",
			Name:      "execution_duration_seconds",
			Help:      "Time spent applying a task action to its targets.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"action"},
	)
	wakeSessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "berth",
			Subsystem: "wake",
			Name:      "sessions_total",
			Help:      "Total wake sessions by terminal state.",
		},
		[]string{"state"},
	)
	wakeDurationSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "berth",
			Subsystem: "wake",
			Name:      "duration_seconds",
			Help:      "Time from wake request to terminal state.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
		[]string{"state"},
	)
	proxyCompilesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "berth",
			Subsystem: "proxy",
			Name:      "compiles_total",
			Help:      "Total proxy configuration regenerations by sink result.",
		},
		[]string{"result"},
	)
	proxyRules := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "berth",
			Subsystem: "proxy",
			Name:      "rules",
			Help:      "Rules rendered into the last artifact.",
		},
	)
	proxyRulesSkipped := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "berth",
			Subsystem: "proxy",
			Name:      "rules_skipped",
			Help:      "Rules excluded from the last artifact due to errors.",
		},
	)
	ruleChecksTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "berth",
			Subsystem: "proxy",
			Name:      "rule_checks_total",
			Help:      "Total rule health probes by resulting status.",
		},
		[]string{"status"},
	)
	idleStopsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "berth",
			Subsystem: "workload",
			Name:      "idle_stops_total",
			Help:      "Total idle stop attempts.",
		},
		[]string{"result"},
	)
	busDroppedSubscribers := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "berth",
			Subsystem: "events",
			Name:      "dropped_subscribers_total",
			Help:      "Subscribers dropped because their buffer was full.",
		},
	)

	registry.MustRegister(
		taskExecutionsTotal,
		taskExecutionSeconds,
		wakeSessionsTotal,
		wakeDurationSeconds,
		proxyCompilesTotal,
		proxyRules,
		proxyRulesSkipped,
		ruleChecksTotal,
		idleStopsTotal,
		busDroppedSubscribers,
	)

	return &Metrics{
		registry:              registry,
		taskExecutionsTotal:   taskExecutionsTotal,
		taskExecutionSeconds:  taskExecutionSeconds,
		wakeSessionsTotal:     wakeSessionsTotal,
		wakeDurationSeconds:   wakeDurationSeconds,
		proxyCompilesTotal:    proxyCompilesTotal,
		proxyRules:            proxyRules,
		proxyRulesSkipped:     proxyRulesSkipped,
		ruleChecksTotal:       ruleChecksTotal,
		idleStopsTotal:        idleStopsTotal,
		busDroppedSubscribers: busDroppedSubscribers,
	}
}

// Handler returns an HTTP handler that serves the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordTaskExecution implements schedule.ExecutionRecorder.
func (m *Metrics) RecordTaskExecution(exec models.TaskExecution) {
	if m == nil {
		return
	}
	result := "success"
	if !exec.Success {
		result = "failed"
	}
	m.taskExecutionsTotal.WithLabelValues(string(exec.Action), string(exec.Trigger), result).Inc()
	seconds := exec.FinishedAt.Sub(exec.StartedAt).Seconds()
	if seconds < 0 {
		return
	}
	m.taskExecutionSeconds.WithLabelValues(string(exec.Action)).Observe(seconds)
}

// RecordWake implements wake.SessionRecorder.
func (m *Metrics) RecordWake(session models.WakeSession) {
	if m == nil {
		return
	}
	state := string(session.State)
	if state == "" {
		state = "unknown"
	}
	m.wakeSessionsTotal.WithLabelValues(state).Inc()
	seconds := session.Elapsed.Seconds()
	if seconds < 0 {
		return
	}
	m.wakeDurationSeconds.WithLabelValues(state).Observe(seconds)
}

// RecordProxyCompile implements proxy.CompileRecorder.
func (m *Metrics) RecordProxyCompile(rules, skipped int, sinkErr error) {
	if m == nil {
		return
	}
	result := "success"
	if sinkErr != nil {
		result = "sink_failed"
	}
	m.proxyCompilesTotal.WithLabelValues(result).Inc()
	m.proxyRules.Set(float64(rules))
	m.proxyRulesSkipped.Set(float64(skipped))
}

func (m *Metrics) IncRuleCheck(status models.RuleStatus) {
	if m == nil {
		return
	}
	m.ruleChecksTotal.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) IncIdleStop(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.idleStopsTotal.WithLabelValues(result).Inc()
}

// IncBusDrop counts a dropped slow subscriber. It is registered with Bus.OnDrop.
func (m *Metrics) IncBusDrop() {
	if m == nil {
		return
	}
	m.busDroppedSubscribers.Inc()
}
