package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/polyagent/supervisor/internal/config"
	"github.com/polyagent/supervisor/internal/correlation"
	"github.com/polyagent/supervisor/internal/crashlog"
	"github.com/polyagent/supervisor/internal/deadletter"
	"github.com/polyagent/supervisor/internal/diagnostics"
	"github.com/polyagent/supervisor/internal/errkind"
	"github.com/polyagent/supervisor/internal/guard"
	"github.com/polyagent/supervisor/internal/idempotency"
	"github.com/polyagent/supervisor/internal/learning"
	"github.com/polyagent/supervisor/internal/lifecycle"
	"github.com/polyagent/supervisor/internal/logging"
	"github.com/polyagent/supervisor/internal/prober"
	"github.com/polyagent/supervisor/internal/promptstore"
	"github.com/polyagent/supervisor/internal/taskqueue"
)

const (
	restartBaseDelay   = 2 * time.Second
	restartMaxDelay    = 30 * time.Second
	restartBurstCap    = 5
	restartBurstWindow = 5 * time.Minute
	restartBurstPause  = 60 * time.Second
)

// Supervisor owns the child process and wires components A-N together,
// per §4.15. One instance per process.
type Supervisor struct {
	log logging.Logger
	cfg config.Config

	state      *statePersister
	agentState *agentStateStore
	crashes    *crashlog.Log
	guardian   *guard.Guard
	idem       *idempotency.Cache
	dlq        *deadletter.Queue
	tasks      *taskqueue.Queue
	learn      *learning.Store
	diag       *diagnostics.Engine
	synthetic  *prober.Prober
	prompts    *promptstore.Store
	tracker    *lifecycle.Tracker

	mu                sync.Mutex
	cmd               *exec.Cmd
	shuttingDown      bool
	restartTimestamps []time.Time
	restartBackoff    *backoff.ExponentialBackOff
}

// Deps are the already-constructed subsystems; New just wires cross-cutting
// callbacks and owns the child lifecycle on top of them.
type Deps struct {
	State      *statePersister
	AgentState *agentStateStore
	Crashes    *crashlog.Log
	Guard      *guard.Guard
	Idem       *idempotency.Cache
	DLQ        *deadletter.Queue
	Tasks      *taskqueue.Queue
	Learn      *learning.Store
	Diag       *diagnostics.Engine
	Synthetic  *prober.Prober
	Prompts    *promptstore.Store
}

// New constructs the supervisor and its lifecycle tracker, wiring the
// clear-sequence callback so M can drive O's respawn without M being
// permitted to spawn/kill the child directly on its own.
func New(log logging.Logger, cfg config.Config, d Deps) *Supervisor {
	s := &Supervisor{
		log: log, cfg: cfg,
		state: d.State, agentState: d.AgentState, crashes: d.Crashes,
		guardian: d.Guard, idem: d.Idem, dlq: d.DLQ, tasks: d.Tasks,
		learn: d.Learn, diag: d.Diag, synthetic: d.Synthetic, prompts: d.Prompts,
	}
	s.tracker = lifecycle.New(log, lifecycle.Config{
		MaxMessages:   cfg.Lifecycle.MaxMessages,
		ClearCooldown: cfg.Lifecycle.ClearCooldown(),
		MaxRuntime:    cfg.Lifecycle.MaxRuntime(),
		AgentDir:      cfg.Child.AgentDir,
	}, s.runClearSequence)
	s.restartBackoff = newRestartBackoff()
	return s
}

// newRestartBackoff builds the deterministic 2s/4s/8s/.../30s schedule for
// crash restarts (§4.15) on top of backoff.ExponentialBackOff: zero
// randomization keeps it reproducible for the same burst.
func newRestartBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = restartBaseDelay
	b.Multiplier = 2
	b.MaxInterval = restartMaxDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Run executes the recovery protocol, starts every periodic subsystem and
// the HTTP server under an errgroup, spawns the child, and blocks until ctx
// is cancelled or a fatal error occurs.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := s.recover(ctx); err != nil {
		return fmt.Errorf("recovery protocol failed: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	srv := newHTTPServer(s)
	g.Go(func() error { return srv.run(gctx) })
	g.Go(func() error { return runPeriodic(gctx, "diagnostics", time.Hour, s.runDiagnostics) })
	g.Go(func() error { s.synthetic.Run(gctx, 10*time.Minute); return nil })
	g.Go(func() error { s.idem.Run(gctx, time.Hour); return nil })
	g.Go(func() error { s.dlq.Run(gctx, 7*24*time.Hour); return nil })
	g.Go(func() error { return runPeriodic(gctx, "lifecycle", 5*time.Second, s.tracker.Check) })
	g.Go(func() error { return runPeriodic(gctx, "memorySampler", 5*time.Minute, s.sampleMemory) })

	if err := s.spawnChild(gctx); err != nil {
		cancel()
		return fmt.Errorf("initial child spawn failed: %w", err)
	}

	g.Go(func() error { return s.superviseChild(gctx) })

	err := g.Wait()
	s.shutdown()
	return err
}

func runPeriodic(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
	}
}

func (s *Supervisor) runDiagnostics(ctx context.Context) error {
	health := s.guardian.GetServiceHealth()
	probe := func(service string) func() bool {
		return func() bool { return !health[service].PreferFallback }
	}

	raw := s.agentState.snapshot().Raw
	report := s.diag.Run(diagnostics.Inputs{
		ToolCallSuccesses: rawInt(raw, "toolCallSuccesses"),
		ToolCallFailures:  rawInt(raw, "toolCallFailures"),
		DecisionWins:      rawInt(raw, "decisionWins"),
		DecisionLosses:    rawInt(raw, "decisionLosses"),
		AgentDir:          s.cfg.Child.AgentDir,
		DiagnosticsDir:    filepath.Join(s.cfg.Child.AgentDir, "diagnostics"),
		ProbeMarketAPI:    probe(guard.PolymarketAPI),
		ProbeRPC:          probe(guard.BaseRPC),
		ProbeBackend:      probe(guard.Backend),
	})
	s.log.Info("diagnostics run complete", map[string]interface{}{"overallStatus": report.OverallStatus})
	return nil
}

// rawInt extracts an integer-valued field the child may have written into
// its opaque state blob; absent or non-numeric fields default to zero.
func rawInt(raw map[string]interface{}, key string) int {
	if raw == nil {
		return 0
	}
	switch v := raw[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func (s *Supervisor) sampleMemory(ctx context.Context) error {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	s.diag.SampleMemory(ms.HeapInuse)
	return nil
}

// recover implements §4.15's recovery protocol: load supervisor state and
// agent state; if agent state's last phase was non-idle, reconcile via the
// guard (a stand-in for "compare against external truth") before
// continuing.
func (s *Supervisor) recover(ctx context.Context) error {
	agentSnapshot := s.agentState.snapshot()
	if agentSnapshot.Phase != PhaseIdle {
		s.log.Warn("recovering from non-idle phase", map[string]interface{}{"phase": agentSnapshot.Phase})
		_, _ = s.guardian.WithBreaker(ctx, guard.Backend, func(ctx context.Context) (interface{}, error) {
			return nil, nil
		})
		s.agentState.setPhase(PhaseIdle)
	}
	for _, t := range s.tasks.RecoverTasks() {
		s.log.Info("recovered in-flight task", map[string]interface{}{"taskId": t.ID, "state": t.State})
	}
	return nil
}

func (s *Supervisor) spawnChild(ctx context.Context) error {
	cmd := exec.CommandContext(context.Background(), s.cfg.Child.Binary, "--mode", s.cfg.Child.Mode)
	if s.cfg.Child.PromptFile != "" {
		cmd.Args = append(cmd.Args, "--prompt-file", s.cfg.Child.PromptFile)
	}
	cmd.Dir = s.cfg.Child.AgentDir
	cmd.Env = append(os.Environ(),
		"WALLET_ADDRESS="+s.cfg.Child.WalletAddress,
		"TOTAL_CAPITAL="+s.cfg.Child.TotalCapital,
		"RISK_PROFILE="+s.cfg.Child.RiskProfile,
		fmt.Sprintf("RESEARCH_TERMINALS=%d", s.cfg.Child.ResearchTerminals),
		fmt.Sprintf("RESEARCH_INTERVAL_MS=%d", s.cfg.Child.ResearchIntervalMs),
		"SUBSCRIPTION_TIER="+s.cfg.Child.SubscriptionTier,
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return errkind.Wrap(err, errkind.ChildCrash, "supervisor")
	}

	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()

	s.state.mutate(func(st *State) {
		st.AgentPid = cmd.Process.Pid
	})

	go s.tailReader(stdout, true)
	go s.tailReader(stderr, false)

	return nil
}

func (s *Supervisor) tailReader(r io.Reader, feedLifecycle bool) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		s.log.Info(line, map[string]interface{}{"stream": streamName(feedLifecycle)})
		if feedLifecycle {
			s.tracker.ObserveOutput(line)
		}
	}
}

func streamName(stdout bool) string {
	if stdout {
		return "stdout"
	}
	return "stderr"
}

// superviseChild waits for the child to exit and decides, per §4.15,
// whether the exit is a benign shutdown/context-clear or a crash requiring
// backoff-and-restart.
func (s *Supervisor) superviseChild(ctx context.Context) error {
	for {
		s.mu.Lock()
		cmd := s.cmd
		s.mu.Unlock()
		if cmd == nil {
			return nil
		}

		waitErr := cmd.Wait()

		if s.isShuttingDown() {
			s.log.Info("child exited during shutdown", nil)
			return nil
		}
		if s.tracker.PendingClear() {
			s.log.Info("child exited for context clear", nil)
			s.tracker.ClearPendingFlag()
			continue
		}

		crashCtx, oc := correlation.Start(ctx, "child_crash")
		s.crashes.Append(crashlog.Record{Reason: crashlog.Unknown, PreviousPid: cmd.Process.Pid})
		correlation.End(crashCtx, s.log, oc, false)

		delay, paused := s.nextRestartDelay()
		if paused {
			s.log.Warn("restart burst detected, pausing", map[string]interface{}{"pauseMs": restartBurstPause.Milliseconds()})
		}
		s.log.Warn("child crashed, restarting", map[string]interface{}{"error": fmt.Sprint(waitErr), "delayMs": delay.Milliseconds()})

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		if err := s.spawnChild(ctx); err != nil {
			return fmt.Errorf("respawn after crash failed: %w", err)
		}
		s.state.mutate(func(st *State) {
			st.RestartCount++
			now := time.Now()
			st.LastRestartAt = &now
		})
	}
}

// nextRestartDelay implements 2s*2^(attempt-1) capped at 30s, with a
// 60s pause and counter reset after 5 restarts within 5 minutes.
func (s *Supervisor) nextRestartDelay() (time.Duration, bool) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-restartBurstWindow)
	kept := s.restartTimestamps[:0]
	for _, t := range s.restartTimestamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.restartTimestamps = kept
	s.restartTimestamps = append(s.restartTimestamps, now)

	attempt := len(s.restartTimestamps)
	if attempt >= restartBurstCap {
		s.restartTimestamps = nil
		if s.restartBackoff != nil {
			s.restartBackoff.Reset()
		}
		return restartBurstPause, true
	}

	if s.restartBackoff == nil {
		s.restartBackoff = newRestartBackoff()
	}
	s.restartBackoff.Reset()
	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = s.restartBackoff.NextBackOff()
	}
	return delay, false
}

func (s *Supervisor) isShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shuttingDown
}

// runClearSequence implements §4.13's clear sequence: graceful stop, wait,
// force-terminate if needed, clean research dirs, respawn. It signals only
// the child process itself; helper processes the child started are not
// killed.
func (s *Supervisor) runClearSequence(ctx context.Context) error {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)
	done := make(chan struct{})
	go func() { _, _ = cmd.Process.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Signal(syscall.SIGKILL)
		select {
		case <-done:
		case <-time.After(1 * time.Second):
		}
	}

	if err := cleanResearchDirs(s.cfg.Child.AgentDir); err != nil {
		s.log.Warn("failed to clean research dirs", map[string]interface{}{"error": err.Error()})
	}

	return s.spawnChild(ctx)
}

// cleanResearchDirs removes research-terminal working directories beneath
// agentDir/research while preserving unrelated files in agentDir itself.
func cleanResearchDirs(agentDir string) error {
	researchRoot := filepath.Join(agentDir, "research")
	entries, err := os.ReadDir(researchRoot)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := os.RemoveAll(filepath.Join(researchRoot, e.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

// shutdown runs the final shutdown sequence: flag shutting down, stop the
// child gracefully, persist idle phase.
func (s *Supervisor) shutdown() {
	s.mu.Lock()
	s.shuttingDown = true
	cmd := s.cmd
	s.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
		done := make(chan struct{})
		go func() { _, _ = cmd.Process.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			_ = cmd.Process.Signal(syscall.SIGKILL)
		}
	}

	s.agentState.setPhase(PhaseIdle)
	s.state.mutate(func(st *State) { st.Phase = "idle" })
}
