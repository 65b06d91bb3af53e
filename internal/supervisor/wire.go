package supervisor

import (
	"path/filepath"

	"github.com/polyagent/supervisor/internal/breaker"
	"github.com/polyagent/supervisor/internal/config"
	"github.com/polyagent/supervisor/internal/crashlog"
	"github.com/polyagent/supervisor/internal/deadletter"
	"github.com/polyagent/supervisor/internal/diagnostics"
	"github.com/polyagent/supervisor/internal/guard"
	"github.com/polyagent/supervisor/internal/idempotency"
	"github.com/polyagent/supervisor/internal/learning"
	"github.com/polyagent/supervisor/internal/logging"
	"github.com/polyagent/supervisor/internal/prober"
	"github.com/polyagent/supervisor/internal/promptstore"
	"github.com/polyagent/supervisor/internal/taskqueue"
)

// Build constructs every subsystem in dependency order (A through L) and
// returns a ready-to-run Supervisor, the one entrypoint main.go needs.
func Build(log logging.Logger, cfg config.Config, basePrompt string) *Supervisor {
	agentDir := cfg.Child.AgentDir
	path := func(name string) string { return filepath.Join(agentDir, name) }

	state := newStatePersister(log, path("handler-state.json"))
	agentState := newAgentStateStore(log, path("agent-state.json"))
	crashes := crashlog.New(log, path("crash-log.json"))

	g := guard.New(log, map[string]breaker.Config{
		guard.PolymarketAPI: cfg.Breakers.PolymarketAPI,
		guard.BaseRPC:       cfg.Breakers.BaseRPC,
		guard.Backend:       cfg.Breakers.Backend,
	})

	dlq := deadletter.New(log, path("dead-letters.json"), defaultAlert(log), nil)
	tasks := taskqueue.New(log, path("task-state.json"), dlq, taskqueue.ResetToPending)
	idem := idempotency.New(log, path("idempotency-cache.json"), idempotency.DefaultTTL)
	learn := learning.New(log, path("failure-history.json"), nil)
	prompts := promptstore.New(log, path("prompt-evolution.json"), basePrompt, nil)

	diag := diagnostics.New(log, diagnostics.Thresholds{}, func(action diagnostics.Action, check diagnostics.Check) {
		if action == diagnostics.EnableFallbacks {
			g.EnableFallbacks([]string{guard.PolymarketAPI, guard.BaseRPC, guard.Backend})
		}
	})

	synthetic := prober.New(log, prober.Config{ScratchDir: path("probe-scratch")}, g)

	return New(log, cfg, Deps{
		State: state, AgentState: agentState, Crashes: crashes,
		Guard: g, Idem: idem, DLQ: dlq, Tasks: tasks,
		Learn: learn, Diag: diag, Synthetic: synthetic, Prompts: prompts,
	})
}

func defaultAlert(log logging.Logger) deadletter.AlertFn {
	return func(e deadletter.Entry) {
		log.Error("critical task moved to dead-letter queue", map[string]interface{}{
			"taskId": e.ID, "type": e.Type, "attempts": e.Attempts,
		})
	}
}
