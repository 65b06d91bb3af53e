// Package diagnostics implements the self-diagnostic engine (§4.10),
// grounded on the teacher's HealthChecker
// (apps/worker/internal/worker/health.go): the same all-in-one-pass
// aggregation shape, generalised from database/Redis/queue probes to the
// spec's five fixed checks, with disk space measured via
// golang.org/x/sys/unix.Statfs instead of a database connection-pool
// statistic.
package diagnostics

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/polyagent/supervisor/internal/logging"
	"github.com/polyagent/supervisor/internal/store"
)

// CheckStatus is one check's PASS/WARN/FAIL verdict (§3).
type CheckStatus string

const (
	Pass CheckStatus = "PASS"
	Warn CheckStatus = "WARN"
	Fail CheckStatus = "FAIL"
)

// Action is a remediation action a FAIL check triggers (§3).
type Action string

const (
	NoAction         Action = "NONE"
	CleanupOldData   Action = "CLEANUP_OLD_DATA"
	AdjustStrategy   Action = "ADJUST_STRATEGY"
	RestartAgent     Action = "RESTART_AGENT"
	EnableFallbacks  Action = "ENABLE_FALLBACKS"
	ReviewPrompt     Action = "REVIEW_PROMPT"
)

// Check is one row of the Diagnostic report entity (§3).
type Check struct {
	Name   string      `json:"name"`
	Status CheckStatus `json:"status"`
	Detail string      `json:"detail"`
	Action Action      `json:"action"`
}

// OverallStatus is the Diagnostic report entity's overall verdict (§3).
type OverallStatus string

const (
	Healthy  OverallStatus = "HEALTHY"
	Degraded OverallStatus = "DEGRADED"
	Critical OverallStatus = "CRITICAL"
)

// Report is the Diagnostic report entity (§3).
type Report struct {
	Timestamp       time.Time     `json:"timestamp"`
	Checks          []Check       `json:"checks"`
	OverallStatus   OverallStatus `json:"overallStatus"`
	ActionsExecuted []Action      `json:"actionsExecuted"`
}

// MemorySample is one entry in the bounded ring §4.10's memory sampler
// appends to every 5 minutes.
type MemorySample struct {
	TimestampMs int64  `json:"timestampMs"`
	HeapUsed    uint64 `json:"heapUsed"`
}

// Thresholds configures the five checks; zero values take §4.10's
// defaults.
type Thresholds struct {
	MemoryTrendFail     float64 // default 1.5
	ToolCallEfficiencyWarnLow float64 // not read: tool_call_efficiency uses fixed cutoffs 0.5 (FAIL) and 0.6 (WARN)
	DecisionQualityWarnLow   float64 // not read: decision_quality uses fixed cutoffs 0.4 (FAIL) and 0.5 (WARN)
	DiskSpaceFailMiB    float64 // default 1000
	DiskSpaceWarnMiB    float64 // default 2000
}

func (t Thresholds) withDefaults() Thresholds {
	if t.MemoryTrendFail == 0 {
		t.MemoryTrendFail = 1.5
	}
	if t.DiskSpaceFailMiB == 0 {
		t.DiskSpaceFailMiB = 1000
	}
	if t.DiskSpaceWarnMiB == 0 {
		t.DiskSpaceWarnMiB = 2000
	}
	return t
}

// Inputs supplies the Engine with the numbers it cannot compute itself:
// tool-call and decision-quality counters come from parsing the agent log
// and agent state respectively, and external-service liveness comes from
// three probes the supervisor also exposes to the synthetic prober.
type Inputs struct {
	ToolCallSuccesses int
	ToolCallFailures  int
	DecisionWins      int
	DecisionLosses    int
	ProbeMarketAPI    func() bool
	ProbeRPC          func() bool
	ProbeBackend      func() bool
	AgentDir          string // for disk_space and research-directory cleanup
	DiagnosticsDir    string // where reports are persisted
}

// RemediationFn is called once per FAIL action as it executes.
type RemediationFn func(action Action, check Check)

// Engine runs the five checks in one pass and persists the resulting
// report.
type Engine struct {
	log        logging.Logger
	thresholds Thresholds
	onAction   RemediationFn

	mu      sync.Mutex
	samples []MemorySample
}

// New builds an Engine. onAction fires once per FAIL, letting the
// supervisor decide restart timing, the prompt evolver adjust hints, and
// the service guard enable fallbacks.
func New(log logging.Logger, thresholds Thresholds, onAction RemediationFn) *Engine {
	return &Engine{log: log, thresholds: thresholds.withDefaults(), onAction: onAction}
}

// SampleMemory appends one heap-usage sample, trimming the ring to the
// last hour (12 samples at the default 5-minute cadence).
func (e *Engine) SampleMemory(heapUsed uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.samples = append(e.samples, MemorySample{TimestampMs: time.Now().UnixMilli(), HeapUsed: heapUsed})
	const maxSamples = 12
	if over := len(e.samples) - maxSamples; over > 0 {
		e.samples = e.samples[over:]
	}
}

func (e *Engine) memoryTrend() (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.samples) < 2 {
		return 0, false
	}
	first := e.samples[0].HeapUsed
	last := e.samples[len(e.samples)-1].HeapUsed
	if first == 0 {
		return 0, false
	}
	return float64(last) / float64(first), true
}

// Run executes all five checks in one pass, persists the report, and
// executes each FAIL's remediation action in-process (§4.10).
func (e *Engine) Run(in Inputs) Report {
	checks := []Check{
		e.checkMemoryTrend(),
		e.checkToolCallEfficiency(in),
		e.checkDecisionQuality(in),
		e.checkExternalServices(in),
		e.checkDiskSpace(in),
	}

	report := Report{Timestamp: time.Now(), Checks: checks, OverallStatus: overallStatus(checks)}

	for _, c := range checks {
		if c.Status == Fail && c.Action != NoAction {
			e.execute(c, in)
			report.ActionsExecuted = append(report.ActionsExecuted, c.Action)
		}
	}

	if in.DiagnosticsDir != "" {
		path := filepath.Join(in.DiagnosticsDir, reportFilename(report.Timestamp))
		store.SaveLogged(e.log, path, report)
		e.pruneOldReports(in.DiagnosticsDir)
	}

	return report
}

func reportFilename(ts time.Time) string {
	return "report-" + strconv.FormatInt(ts.UnixMilli(), 10) + ".json"
}

func (e *Engine) execute(c Check, in Inputs) {
	if c.Action == CleanupOldData {
		e.cleanupOldData(in)
	}
	if e.onAction != nil {
		e.onAction(c.Action, c)
	}
}

// cleanupOldData removes research directories and diagnostic reports
// older than 7 days (§4.10's CLEANUP_OLD_DATA).
func (e *Engine) cleanupOldData(in Inputs) {
	cutoff := time.Now().Add(-7 * 24 * time.Hour)
	if in.AgentDir != "" {
		removeOlderThan(filepath.Join(in.AgentDir, "research"), cutoff)
	}
	if in.DiagnosticsDir != "" {
		removeOlderThan(in.DiagnosticsDir, cutoff)
	}
}

func (e *Engine) pruneOldReports(dir string) {
	removeOlderThan(dir, time.Now().Add(-7*24*time.Hour))
}

func removeOlderThan(dir string, cutoff time.Time) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.RemoveAll(filepath.Join(dir, entry.Name()))
		}
	}
}

func overallStatus(checks []Check) OverallStatus {
	fails, warns := 0, 0
	for _, c := range checks {
		switch c.Status {
		case Fail:
			fails++
		case Warn:
			warns++
		}
	}
	switch {
	case fails >= 2:
		return Critical
	case fails == 1 || warns >= 2:
		return Degraded
	default:
		return Healthy
	}
}

func (e *Engine) checkMemoryTrend() Check {
	ratio, ok := e.memoryTrend()
	if !ok {
		return Check{Name: "memory_trend", Status: Pass, Detail: "insufficient samples", Action: NoAction}
	}
	switch {
	case ratio > e.thresholds.MemoryTrendFail:
		return Check{Name: "memory_trend", Status: Fail, Detail: ratioDetail(ratio), Action: RestartAgent}
	case ratio >= 1.2:
		return Check{Name: "memory_trend", Status: Warn, Detail: ratioDetail(ratio), Action: NoAction}
	default:
		return Check{Name: "memory_trend", Status: Pass, Detail: ratioDetail(ratio), Action: NoAction}
	}
}

func ratioDetail(ratio float64) string {
	return "heap growth ratio " + formatFloat(ratio)
}

func (e *Engine) checkToolCallEfficiency(in Inputs) Check {
	total := in.ToolCallSuccesses + in.ToolCallFailures
	if total == 0 {
		return Check{Name: "tool_call_efficiency", Status: Pass, Detail: "no tool calls observed", Action: NoAction}
	}
	rate := float64(in.ToolCallSuccesses) / float64(total)
	switch {
	case rate < 0.5:
		return Check{Name: "tool_call_efficiency", Status: Fail, Detail: "success rate " + formatFloat(rate), Action: ReviewPrompt}
	case rate < 0.6:
		return Check{Name: "tool_call_efficiency", Status: Warn, Detail: "success rate " + formatFloat(rate), Action: NoAction}
	default:
		return Check{Name: "tool_call_efficiency", Status: Pass, Detail: "success rate " + formatFloat(rate), Action: NoAction}
	}
}

func (e *Engine) checkDecisionQuality(in Inputs) Check {
	total := in.DecisionWins + in.DecisionLosses
	if total == 0 {
		return Check{Name: "decision_quality", Status: Pass, Detail: "no resolved bets", Action: NoAction}
	}
	rate := float64(in.DecisionWins) / float64(total)
	switch {
	case rate < 0.4:
		return Check{Name: "decision_quality", Status: Fail, Detail: "win rate " + formatFloat(rate), Action: AdjustStrategy}
	case rate < 0.5:
		return Check{Name: "decision_quality", Status: Warn, Detail: "win rate " + formatFloat(rate), Action: NoAction}
	default:
		return Check{Name: "decision_quality", Status: Pass, Detail: "win rate " + formatFloat(rate), Action: NoAction}
	}
}

func (e *Engine) checkExternalServices(in Inputs) Check {
	if in.ProbeMarketAPI == nil || in.ProbeRPC == nil || in.ProbeBackend == nil {
		return Check{Name: "external_services", Status: Pass, Detail: "not configured", Action: NoAction}
	}
	up := probeWithTimeout(in.ProbeMarketAPI) && probeWithTimeout(in.ProbeRPC) && probeWithTimeout(in.ProbeBackend)
	if up {
		return Check{Name: "external_services", Status: Pass, Detail: "all dependencies reachable", Action: NoAction}
	}
	return Check{Name: "external_services", Status: Fail, Detail: "one or more dependencies unreachable", Action: EnableFallbacks}
}

func probeWithTimeout(probe func() bool) bool {
	done := make(chan bool, 1)
	go func() { done <- probe() }()
	select {
	case ok := <-done:
		return ok
	case <-time.After(5 * time.Second):
		return false
	}
}

func (e *Engine) checkDiskSpace(in Inputs) Check {
	dir := in.AgentDir
	if dir == "" {
		dir = "."
	}
	freeMiB, err := freeMiBAt(dir)
	if err != nil {
		return Check{Name: "disk_space", Status: Warn, Detail: "unable to stat filesystem: " + err.Error(), Action: NoAction}
	}
	switch {
	case freeMiB < e.thresholds.DiskSpaceFailMiB:
		return Check{Name: "disk_space", Status: Fail, Detail: "free " + formatFloat(freeMiB) + " MiB", Action: CleanupOldData}
	case freeMiB < e.thresholds.DiskSpaceWarnMiB:
		return Check{Name: "disk_space", Status: Warn, Detail: "free " + formatFloat(freeMiB) + " MiB", Action: NoAction}
	default:
		return Check{Name: "disk_space", Status: Pass, Detail: "free " + formatFloat(freeMiB) + " MiB", Action: NoAction}
	}
}

func freeMiBAt(dir string) (float64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return 0, err
	}
	freeBytes := stat.Bavail * uint64(stat.Bsize)
	return float64(freeBytes) / (1024 * 1024), nil
}

func formatFloat(f float64) string {
	// Two decimal places, matching the ratios/rates this package reports.
	return strconv.FormatFloat(f, 'f', 2, 64)
}
