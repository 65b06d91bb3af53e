// Package lifecycle implements the lifecycle tracker & context-clear
// sequencer (§4.13): it counts message markers in the child's stdout,
// watches signal files, and decides when the child's context must be
// cleared — while making sure a clear is never mistaken for a crash.
package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/polyagent/supervisor/internal/logging"
)

const (
	ClearContextFile = "CLEAR_CONTEXT"
	InProgressTxFile = "IN_PROGRESS_TX"
	MatchedBetFile   = "MATCHED_BET"

	defaultMaxMessages    = 50
	defaultClearCooldown  = 60 * time.Second
	defaultMaxRuntime     = 4 * time.Hour
)

// messagePattern matches the token boundary the supervisor counts as one
// "message" in the child's stdout stream.
var messagePattern = regexp.MustCompile(`(?i)tool_use|tool_result|assistant|human|\[TOOL`)

// Config carries the thresholds §4.13 names, with spec defaults applied by
// withDefaults.
type Config struct {
	MaxMessages     int
	ClearCooldown   time.Duration
	MaxRuntime      time.Duration
	AgentDir        string
}

func (c Config) withDefaults() Config {
	if c.MaxMessages <= 0 {
		c.MaxMessages = defaultMaxMessages
	}
	if c.ClearCooldown <= 0 {
		c.ClearCooldown = defaultClearCooldown
	}
	if c.MaxRuntime <= 0 {
		c.MaxRuntime = defaultMaxRuntime
	}
	return c
}

// PnL is the cumulative bet counters that persist across context clears.
type PnL struct {
	TotalBets      int     `json:"totalBets"`
	CumulativePnL  float64 `json:"cumulativePnl"`
}

// ClearFn performs the actual clear sequence (stop child, clean research
// dirs, respawn); it is owned by the supervisor since only
// O is permitted to touch the child process.
type ClearFn func(ctx context.Context) error

// Tracker owns the session message counter, the session start time, and
// the signal-file poll. resetSession runs after every completed context
// clear to start a fresh session, while PnL survives resets; a crash
// respawn does not reset the session counters.
type Tracker struct {
	log    logging.Logger
	cfg    Config
	onClear ClearFn

	mu                sync.Mutex
	messageCount      int
	sessionStarted    time.Time
	lastClearAt       time.Time
	pnl               PnL
	pendingClear      bool // set right before we invoke onClear, so the exit handler treats it as benign
	contextClearCount int
}

// New constructs a Tracker with session bookkeeping starting now.
func New(log logging.Logger, cfg Config, onClear ClearFn) *Tracker {
	cfg = cfg.withDefaults()
	return &Tracker{
		log:            log,
		cfg:            cfg,
		onClear:        onClear,
		sessionStarted: time.Now(),
	}
}

// ObserveOutput scans a chunk of the child's stdout for message markers
// and increments the counter accordingly.
func (t *Tracker) ObserveOutput(chunk string) {
	n := len(messagePattern.FindAllStringIndex(chunk, -1))
	if n == 0 {
		return
	}
	t.mu.Lock()
	t.messageCount += n
	t.mu.Unlock()
}

// MessageCount returns the current session's message count.
func (t *Tracker) MessageCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.messageCount
}

// PendingClear reports whether a clear sequence is in flight, so the
// supervisor's child-exit handler can treat the exit as benign.
func (t *Tracker) PendingClear() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pendingClear
}

// ClearPendingFlag clears the pending-clear flag after the exit handler has
// consumed it.
func (t *Tracker) ClearPendingFlag() {
	t.mu.Lock()
	t.pendingClear = false
	t.mu.Unlock()
}

// PnLSnapshot returns a value-copy of the cumulative bet counters.
func (t *Tracker) PnLSnapshot() PnL {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pnl
}

// ContextClearCount returns the number of context clears completed so far
// this process lifetime (Testable Property #7: incremented by exactly 1 per
// clear, never reset by resetSession).
func (t *Tracker) ContextClearCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.contextClearCount
}

// reason explains why Check decided a clear is due.
type reason string

const (
	reasonMessageThreshold reason = "message_threshold"
	reasonMaxRuntime       reason = "max_runtime"
	reasonSignalFile       reason = "signal_file"
)

// Check evaluates §4.13's three clear conditions and runs the clear
// sequence if one is due and not deferred by an in-flight transaction. It
// also polls MATCHED_BET on the same tick, per §4.13. Call this on a
// regular timer (e.g. every few seconds) from the supervisor's main loop.
func (t *Tracker) Check(ctx context.Context) error {
	t.pollMatchedBet()

	if t.inProgressTxExists() {
		return nil
	}

	due, why := t.clearDue()
	if !due {
		return nil
	}

	t.log.Info("context clear triggered", map[string]interface{}{"reason": string(why)})

	t.mu.Lock()
	t.pendingClear = true
	t.mu.Unlock()

	if t.onClear != nil {
		if err := t.onClear(ctx); err != nil {
			return err
		}
	}

	t.mu.Lock()
	t.contextClearCount++
	t.mu.Unlock()

	t.resetSession()
	t.removeClearSignal()
	return nil
}

func (t *Tracker) clearDue() (bool, reason) {
	t.mu.Lock()
	messages := t.messageCount
	started := t.sessionStarted
	lastClear := t.lastClearAt
	t.mu.Unlock()

	if messages >= t.cfg.MaxMessages && time.Since(lastClear) >= t.cfg.ClearCooldown {
		return true, reasonMessageThreshold
	}
	if time.Since(started) >= t.cfg.MaxRuntime {
		return true, reasonMaxRuntime
	}
	if t.clearSignalExists() {
		return true, reasonSignalFile
	}
	return false, ""
}

func (t *Tracker) clearSignalExists() bool {
	_, err := os.Stat(filepath.Join(t.cfg.AgentDir, ClearContextFile))
	return err == nil
}

func (t *Tracker) inProgressTxExists() bool {
	_, err := os.Stat(filepath.Join(t.cfg.AgentDir, InProgressTxFile))
	return err == nil
}

func (t *Tracker) removeClearSignal() {
	_ = os.Remove(filepath.Join(t.cfg.AgentDir, ClearContextFile))
}

// resetSession zeros the per-session counters; PnL is untouched.
func (t *Tracker) resetSession() {
	t.mu.Lock()
	t.messageCount = 0
	t.sessionStarted = time.Now()
	t.lastClearAt = time.Now()
	t.mu.Unlock()
}

// pollMatchedBet reads a key:value body from MATCHED_BET (if present),
// folds it into cumulative P&L, and deletes the file.
func (t *Tracker) pollMatchedBet() {
	path := filepath.Join(t.cfg.AgentDir, MatchedBetFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		return
	}
	defer os.Remove(path)

	fields := parseKeyValueBody(string(raw))
	pnlDelta := 0.0
	if v, ok := fields["pnl"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			pnlDelta = f
		}
	}

	t.mu.Lock()
	t.pnl.TotalBets++
	t.pnl.CumulativePnL += pnlDelta
	t.mu.Unlock()

	t.log.Info("matched bet recorded", map[string]interface{}{"pnlDelta": pnlDelta})
}

func parseKeyValueBody(body string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		out[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return out
}
