package supervisor

import (
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyagent/supervisor/internal/breaker"
	"github.com/polyagent/supervisor/internal/metrics"
)

func newTestMetricsRegistry() *metrics.Registry {
	return metrics.New()
}

func TestNextRestartDelayExponentialCappedAt30s(t *testing.T) {
	s := &Supervisor{}

	d1, paused1 := s.nextRestartDelay()
	assert.False(t, paused1)
	assert.Equal(t, 2*time.Second, d1)

	d2, _ := s.nextRestartDelay()
	assert.Equal(t, 4*time.Second, d2)

	d3, _ := s.nextRestartDelay()
	assert.Equal(t, 8*time.Second, d3)

	d4, _ := s.nextRestartDelay()
	assert.Equal(t, 16*time.Second, d4)

	_, paused := s.nextRestartDelay()
	assert.True(t, paused, "5th restart within the window must trigger the burst pause")
}

func TestNextRestartDelayCapsAtThirtySeconds(t *testing.T) {
	s := &Supervisor{restartTimestamps: []time.Time{
		time.Now(), time.Now(),
	}}
	d, _ := s.nextRestartDelay()
	assert.LessOrEqual(t, d, 30*time.Second)
}

func TestPrometheusExpositionReflectsSameSnapshotAsJSON(t *testing.T) {
	m := metricsResponse{
		Agent: agentHealth{Pid: 123, UptimeMs: 5000, RestartCount: 2},
		Tasks: map[string]int{"PENDING": 1, "COMPLETED": 3},
		CircuitBreakers: map[string]breaker.Snapshot{
			"polymarketAPI": {Name: "polymarketAPI", State: breaker.Open},
		},
	}

	h := &httpServer{metrics: newTestMetricsRegistry()}
	h.metrics.Update(toMetricsSnapshot(m))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics?format=prometheus", nil)
	h.metrics.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.Contains(t, body, "agent_uptime_ms 5000")
	assert.Contains(t, body, "agent_restart_count_total 2")
	assert.Contains(t, body, `tasks_completed_total{state="PENDING"} 1`)
	assert.Contains(t, body, `circuit_breaker_state{service="polymarketAPI"} 2`)
}

func TestBreakerStateCodeMapping(t *testing.T) {
	assert.Equal(t, 0, breakerStateCode(breaker.Closed))
	assert.Equal(t, 1, breakerStateCode(breaker.HalfOpen))
	assert.Equal(t, 2, breakerStateCode(breaker.Open))
}

func TestCleanResearchDirsPreservesUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(dir+"/research/term-1", 0o755))
	require.NoError(t, os.WriteFile(dir+"/keepme.txt", []byte("keep"), 0o644))

	require.NoError(t, cleanResearchDirs(dir))

	_, err := os.Stat(dir + "/research/term-1")
	assert.True(t, os.IsNotExist(err))

	content, err := os.ReadFile(dir + "/keepme.txt")
	require.NoError(t, err)
	assert.Equal(t, "keep", string(content))
}

func TestPrometheusExpositionHandlesEmptySnapshot(t *testing.T) {
	h := &httpServer{metrics: newTestMetricsRegistry()}
	h.metrics.Update(toMetricsSnapshot(metricsResponse{}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics?format=prometheus", nil)
	h.metrics.Handler().ServeHTTP(rec, req)

	assert.Contains(t, rec.Body.String(), "agent_uptime_ms")
}
