// Package watchdog implements the watchdog (§4.14): an independently
// launchable process that trusts only the heartbeat file's mtime and the
// recorded child PID's liveness (probed with signal 0), and respawns the
// child through a fixed restart-delay table expressed as a
// github.com/cenkalti/backoff/v4 BackOff, grounded on the teacher's RetryHandler
// (apps/worker/internal/worker/retry_handler.go) reworked from an
// exponential formula to §4.14's fixed table.
package watchdog

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/polyagent/supervisor/internal/crashlog"
	"github.com/polyagent/supervisor/internal/logging"
	"github.com/polyagent/supervisor/internal/store"
)

// tableBackOff implements backoff.BackOff over §4.14's fixed restart-delay
// table instead of a formula, so the watchdog's restart schedule composes
// with the same interface the supervisor's exponential restart backoff
// uses (see internal/supervisor).
type tableBackOff struct {
	attempt int
}

func (b *tableBackOff) NextBackOff() time.Duration {
	b.attempt++
	return restartDelayTable(b.attempt)
}

func (b *tableBackOff) Reset() {
	b.attempt = 0
}

var _ backoff.BackOff = (*tableBackOff)(nil)

const (
	defaultCheckInterval  = 60 * time.Second
	defaultHeartbeatStale = 10 * time.Minute
	alertWindow           = 5 * time.Minute
	alertThreshold        = 4 // a >=4th crash within alertWindow triggers an operator alert
)

// restartDelayTable implements §4.14's fixed backoff table: {1st: 0, 2nd:
// 30s, 3rd: 60s, >=4th: 300s}. attempt is 1-indexed; non-finite or
// non-positive attempts fall back to 0.
func restartDelayTable(attempt int) time.Duration {
	switch {
	case attempt <= 1:
		return 0
	case attempt == 2:
		return 30 * time.Second
	case attempt == 3:
		return 60 * time.Second
	default:
		return 300 * time.Second
	}
}

// RestartDelay is restartDelayTable's exported form; it accepts a float so
// callers driven by externally-sourced counters can pass through without
// pre-validating, per Testable Property #8 (NaN, negative, and infinite
// inputs all floor to 0).
func RestartDelay(attempt float64) time.Duration {
	if math.IsNaN(attempt) || math.IsInf(attempt, 0) || attempt < 1 {
		return 0
	}
	return restartDelayTable(int(math.Floor(attempt)))
}

// Health is the outcome of one liveness check.
type Health struct {
	Healthy         bool
	Reason          crashlog.Reason
	HeartbeatAgeMs  int64
}

// Spawner launches a fresh child process and returns its PID. It is
// supplied by the caller (typically a thin wrapper around os/exec) so this
// package stays agnostic of how the child binary is invoked.
type Spawner func(ctx context.Context) (pid int, err error)

// AlertFn is invoked on a >=4th crash within alertWindow; the default
// implementation prints to stderr, per §4.14.
type AlertFn func(msg string)

// Config wires the watchdog's file locations and thresholds.
type Config struct {
	HeartbeatPath   string
	StatePath       string
	CheckInterval   time.Duration
	HeartbeatStale  time.Duration
}

func (c Config) withDefaults() Config {
	if c.CheckInterval <= 0 {
		c.CheckInterval = defaultCheckInterval
	}
	if c.HeartbeatStale <= 0 {
		c.HeartbeatStale = defaultHeartbeatStale
	}
	return c
}

type persistedState struct {
	Pid           int       `json:"pid"`
	RestartCount  int       `json:"restartCount"`
	LastRestartAt time.Time `json:"lastRestartAt"`
}

// Watchdog runs the independent monitor loop described in §4.14.
type Watchdog struct {
	log           logging.Logger
	cfg           Config
	crashes       *crashlog.Log
	spawn         Spawner
	alert         AlertFn
	backoffPolicy *tableBackOff

	mu    sync.Mutex
	state persistedState
}

// New constructs a Watchdog, loading any persisted state (PID, restart
// count) from cfg.StatePath.
func New(log logging.Logger, cfg Config, crashes *crashlog.Log, spawn Spawner, alert AlertFn) *Watchdog {
	cfg = cfg.withDefaults()
	if alert == nil {
		alert = func(msg string) { fmt.Fprintln(os.Stderr, msg) }
	}
	s := store.Load(log, cfg.StatePath, persistedState{})
	return &Watchdog{log: log, cfg: cfg, crashes: crashes, spawn: spawn, alert: alert, backoffPolicy: &tableBackOff{}, state: s}
}

// SetPid records the currently-watched child PID (e.g. right after the
// watchdog spawns it, or when adopting a PID the supervisor already
// started).
func (w *Watchdog) SetPid(pid int) {
	w.mu.Lock()
	w.state.Pid = pid
	snapshot := w.state
	w.mu.Unlock()
	store.SaveLogged(w.log, w.cfg.StatePath, snapshot)
}

// Check implements steps 1-5 of §4.14: heartbeat age, PID liveness, and
// the resulting health verdict.
func (w *Watchdog) Check() Health {
	age, err := heartbeatAge(w.cfg.HeartbeatPath)
	if err != nil {
		age = math.MaxInt64
	}

	w.mu.Lock()
	pid := w.state.Pid
	w.mu.Unlock()

	if age > w.cfg.HeartbeatStale.Milliseconds() {
		return Health{Healthy: false, Reason: crashlog.HeartbeatStale, HeartbeatAgeMs: age}
	}
	if pid == 0 || !pidAlive(pid) {
		return Health{Healthy: false, Reason: crashlog.ProcessDead, HeartbeatAgeMs: age}
	}
	return Health{Healthy: true, HeartbeatAgeMs: age}
}

func heartbeatAge(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return time.Since(info.ModTime()).Milliseconds(), nil
}

// pidAlive sends signal 0 to test process liveness without affecting it.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	return err == nil
}

// terminate sends SIGTERM, waits up to 1s, then SIGKILL as fallback.
func terminate(pid int) {
	if pid <= 0 {
		return
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	_ = process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_, _ = process.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		_ = process.Signal(syscall.SIGKILL)
	}
}

// HandleUnhealthy implements the unhealthy branch of §4.14: terminate the
// old PID, record the crash, compute the restart delay, optionally alert,
// sleep, then respawn.
func (w *Watchdog) HandleUnhealthy(ctx context.Context, h Health) error {
	w.mu.Lock()
	previousPid := w.state.Pid
	w.state.RestartCount++
	attempt := w.state.RestartCount
	w.state.LastRestartAt = time.Now()
	snapshot := w.state
	w.mu.Unlock()
	store.SaveLogged(w.log, w.cfg.StatePath, snapshot)

	terminate(previousPid)

	w.crashes.Append(crashlog.Record{
		Reason:      h.Reason,
		PreviousPid: previousPid,
	})

	if attempt >= alertThreshold && w.crashes.CountSince(time.Now().Add(-alertWindow)) >= alertThreshold {
		w.alert(fmt.Sprintf("watchdog: %d crashes within %s, last reason=%s", attempt, alertWindow, h.Reason))
	}

	w.backoffPolicy.attempt = attempt - 1
	delay := w.backoffPolicy.NextBackOff()
	w.log.Warn("child unhealthy, restarting", map[string]interface{}{
		"reason": h.Reason, "attempt": attempt, "delayMs": delay.Milliseconds(),
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
	}

	newPid, err := w.spawn(ctx)
	if err != nil {
		return fmt.Errorf("watchdog: respawn failed: %w", err)
	}
	w.SetPid(newPid)

	w.mu.Lock()
	w.state.Pid = newPid
	snapshot = w.state
	w.mu.Unlock()
	store.SaveLogged(w.log, w.cfg.StatePath, snapshot)

	return nil
}

// Run loops Check/HandleUnhealthy on the configured interval until ctx is
// cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h := w.Check()
			if !h.Healthy {
				if err := w.HandleUnhealthy(ctx, h); err != nil {
					return err
				}
			}
		}
	}
}
