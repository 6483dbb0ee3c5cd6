package daemon

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berth-dev/berth/internal/models"
)

func scrapeMetrics(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetricsRecordsDomainActivity(t *testing.T) {
	m := NewMetrics()
	started := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	m.RecordTaskExecution(models.TaskExecution{
		Action: models.ActionRestart, Trigger: models.TriggerSchedule, Success: true,
		StartedAt: started, FinishedAt: started.Add(300 * time.Millisecond),
	})
	m.RecordTaskExecution(models.TaskExecution{
		Action: models.ActionStop, Trigger: models.TriggerManual,
		StartedAt: started, FinishedAt: started,
	})
	m.RecordWake(models.WakeSession{State: models.WakeReady, Elapsed: 2 * time.Second})
	m.RecordWake(models.WakeSession{State: models.WakeFailed, Elapsed: time.Minute})
	m.RecordProxyCompile(3, 1, nil)
	m.RecordProxyCompile(2, 0, errors.New("disk full"))
	m.IncRuleCheck(models.RuleInactive)
	m.IncIdleStop("success")
	m.IncIdleStop("")
	m.IncBusDrop()

	body := scrapeMetrics(t, m)
	for _, line := range []string{
		`berth_schedule_executions_total{action="restart",result="success",trigger="schedule"} 1`,
		`berth_schedule_executions_total{action="stop",result="failed",trigger="manual"} 1`,
		`berth_schedule_execution_duration_seconds_count{action="restart"} 1`,
		`berth_wake_sessions_total{state="ready"} 1`,
		`berth_wake_sessions_total{state="failed"} 1`,
		`berth_wake_duration_seconds_bucket{state="ready",le="2"} 1`,
		`berth_proxy_compiles_total{result="success"} 1`,
		`berth_proxy_compiles_total{result="sink_failed"} 1`,
		`berth_proxy_rules 2`,
		`berth_proxy_rules_skipped 0`,
		`berth_proxy_rule_checks_total{status="inactive"} 1`,
		`berth_workload_idle_stops_total{result="success"} 1`,
		`berth_workload_idle_stops_total{result="unknown"} 1`,
		`berth_events_dropped_subscribers_total 1`,
	} {
		assert.Contains(t, body, line)
	}
}

func TestMetricsNilReceiver(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordTaskExecution(models.TaskExecution{})
		m.RecordWake(models.WakeSession{})
		m.RecordProxyCompile(1, 0, nil)
		m.IncRuleCheck(models.RuleActive)
		m.IncIdleStop("success")
		m.IncBusDrop()
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
