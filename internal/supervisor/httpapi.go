package supervisor

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/polyagent/supervisor/internal/breaker"
	"github.com/polyagent/supervisor/internal/config"
	"github.com/polyagent/supervisor/internal/metrics"
)

type httpServer struct {
	s       *Supervisor
	engine  *gin.Engine
	metrics *metrics.Registry
}

func newHTTPServer(s *Supervisor) *httpServer {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	h := &httpServer{s: s, engine: engine, metrics: metrics.New()}
	engine.GET("/health", h.health)
	engine.GET("/metrics", h.metricsHandler)
	return h
}

func (h *httpServer) run(ctx context.Context) error {
	addr := h.s.cfg.HTTP.Addr
	srv := &http.Server{Addr: addr, Handler: h.engine, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type healthResponse struct {
	Status string       `json:"status"`
	Agent  agentHealth  `json:"agent"`
	Config configHealth `json:"config"`
}

type agentHealth struct {
	Pid               int        `json:"pid"`
	UptimeMs          int64      `json:"uptime"`
	RestartCount      int        `json:"restartCount"`
	LastRestartAt     *time.Time `json:"lastRestartAt,omitempty"`
	ContextClearCount int        `json:"contextClearCount"`
}

type configHealth struct {
	WalletAddress string `json:"walletAddress"`
}

func (h *httpServer) health(c *gin.Context) {
	st := h.s.state.snapshot()
	status := "healthy"
	if h.s.isShuttingDown() {
		status = "restarting"
	} else if st.AgentPid == 0 {
		status = "unhealthy"
	}

	c.JSON(http.StatusOK, healthResponse{
		Status: status,
		Agent: agentHealth{
			Pid:               st.AgentPid,
			UptimeMs:          time.Now().UnixMilli() - st.StartTime,
			RestartCount:      st.RestartCount,
			LastRestartAt:     st.LastRestartAt,
			ContextClearCount: h.s.tracker.ContextClearCount(),
		},
		Config: configHealth{WalletAddress: config.MaskedWallet(h.s.cfg.Child.WalletAddress)},
	})
}

type metricsResponse struct {
	Agent           agentHealth                 `json:"agent"`
	Tasks           map[string]int              `json:"tasks"`
	CircuitBreakers map[string]breaker.Snapshot `json:"circuitBreakers"`
	Watchdog        watchdogSummary             `json:"watchdog"`
	Diagnostics     diagnosticsSummary          `json:"diagnostics"`
}

// watchdogSummary is always ChecksTotal=0: the watchdog runs as a separate
// OS process (§4.14) sharing only the heartbeat and state files with the
// supervisor, so there is no live channel for it to report a real count
// through. The field stays in the exposition (JSON and Prometheus) so the
// section is present and the metric name is stable for dashboards, per §6.
type watchdogSummary struct {
	ChecksTotal int64 `json:"checksTotal"`
}

type diagnosticsSummary struct {
	Checked bool `json:"checked"`
}

func (h *httpServer) buildMetrics() metricsResponse {
	st := h.s.state.snapshot()
	taskCounts := h.s.tasks.Counts()
	tasks := make(map[string]int, len(taskCounts))
	for k, v := range taskCounts {
		tasks[string(k)] = v
	}

	return metricsResponse{
		Agent: agentHealth{
			Pid:               st.AgentPid,
			UptimeMs:          time.Now().UnixMilli() - st.StartTime,
			RestartCount:      st.RestartCount,
			LastRestartAt:     st.LastRestartAt,
			ContextClearCount: h.s.tracker.ContextClearCount(),
		},
		Tasks:           tasks,
		CircuitBreakers: h.s.guardian.GetCircuitBreakerStates(),
		Watchdog:        watchdogSummary{},
		Diagnostics:     diagnosticsSummary{Checked: true},
	}
}

func (h *httpServer) metricsHandler(c *gin.Context) {
	snapshot := h.buildMetrics()
	if c.Query("format") == "prometheus" {
		h.metrics.Update(toMetricsSnapshot(snapshot))
		h.metrics.Handler().ServeHTTP(c.Writer, c.Request)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// toMetricsSnapshot projects the JSON response struct into the registry's
// Snapshot type, so the Prometheus text is derived from the exact same
// values just serialized as JSON (§6).
func toMetricsSnapshot(m metricsResponse) metrics.Snapshot {
	breakers := make(map[string]int, len(m.CircuitBreakers))
	for name, snap := range m.CircuitBreakers {
		breakers[name] = breakerStateCode(snap.State)
	}
	return metrics.Snapshot{
		UptimeMs:       m.Agent.UptimeMs,
		RestartCount:   m.Agent.RestartCount,
		TasksByState:   m.Tasks,
		BreakerByState: breakers,
		WatchdogChecks: m.Watchdog.ChecksTotal,
	}
}

func breakerStateCode(state breaker.State) int {
	switch state {
	case breaker.Closed:
		return 0
	case breaker.HalfOpen:
		return 1
	case breaker.Open:
		return 2
	default:
		return 0
	}
}
