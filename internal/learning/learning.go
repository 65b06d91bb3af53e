// Package learning implements the failure-learning store (§4.9): a
// windowed pattern detector over historical failures that emits adaptation
// recommendations. Grounded on the teacher's ClassifiedError's
// Service/Operation/Metadata shape (pkg/errors/classified_errors.go),
// reused here as the Failure record's free-form context.
package learning

import (
	"strings"
	"sync"
	"time"

	"github.com/polyagent/supervisor/internal/logging"
	"github.com/polyagent/supervisor/internal/store"
)

const (
	defaultMaxHistorySize         = 1000
	defaultPatternDetectionWindow = 24 * time.Hour
)

// Record is the Failure record entity (§3).
type Record struct {
	TimestampMs  int64                  `json:"timestampMs"`
	Phase        string                 `json:"phase"`
	ErrorType    string                 `json:"errorType"`
	ErrorMessage string                 `json:"errorMessage"`
	Context      map[string]interface{} `json:"context,omitempty"`
	Resolution   string                 `json:"resolution,omitempty"`
}

func (r Record) hourOfDay() int {
	return time.UnixMilli(r.TimestampMs).UTC().Hour()
}

// PatternType is the Failure pattern entity's type enum (§3).
type PatternType string

const (
	APITimeoutPeakHours PatternType = "API_TIMEOUT_PEAK_HOURS"
	TerminalOverload     PatternType = "TERMINAL_OVERLOAD"
	RPCCongestion        PatternType = "RPC_CONGESTION"
	RepeatedAuthFailures PatternType = "REPEATED_AUTH_FAILURES"
	Unknown              PatternType = "UNKNOWN"
)

// Recommendation is the Failure pattern entity's recommendation enum (§3).
type Recommendation string

const (
	AvoidPeakHours        Recommendation = "AVOID_PEAK_HOURS"
	IncreaseTerminalCount Recommendation = "INCREASE_TERMINAL_COUNT"
	ReduceSegmentSize     Recommendation = "REDUCE_SEGMENT_SIZE"
	SwitchRPC             Recommendation = "SWITCH_RPC"
	NoRecommendation      Recommendation = "NONE"
)

// Pattern is the Failure pattern entity (§3). Derived, not stored
// directly.
type Pattern struct {
	Type           PatternType            `json:"type"`
	Description    string                 `json:"description"`
	Occurrences    int                    `json:"occurrences"`
	Recommendation Recommendation         `json:"recommendation"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// AdaptationResult is produced per newly-applied pattern by
// ApplyAdaptations.
type AdaptationResult struct {
	Adapted     bool   `json:"adapted"`
	Adaptation  string `json:"adaptation"`
	Description string `json:"description"`
}

// AdaptationFn reports each adaptation as it is applied.
type AdaptationFn func(pattern PatternType, result AdaptationResult)

type state struct {
	Records            []Record      `json:"records"`
	AdaptationsApplied []PatternType `json:"adaptationsApplied"`
}

// Store is the failure-learning store. One instance per supervisor
// process.
type Store struct {
	log                    logging.Logger
	path                   string
	maxHistorySize         int
	patternDetectionWindow time.Duration
	onAdaptation           AdaptationFn

	mu    sync.Mutex
	state state
}

// New loads path (or starts empty, per §4.1).
func New(log logging.Logger, path string, onAdaptation AdaptationFn) *Store {
	s := store.Load(log, path, state{})
	return &Store{
		log: log, path: path,
		maxHistorySize:         defaultMaxHistorySize,
		patternDetectionWindow: defaultPatternDetectionWindow,
		onAdaptation:           onAdaptation,
		state:                  s,
	}
}

// Record appends a failure record, trimming the list to maxHistorySize
// (oldest dropped first).
func (s *Store) Record(r Record) {
	if r.TimestampMs == 0 {
		r.TimestampMs = time.Now().UnixMilli()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Records = append(s.state.Records, r)
	if over := len(s.state.Records) - s.maxHistorySize; over > 0 {
		s.state.Records = s.state.Records[over:]
	}
	store.SaveLogged(s.log, s.path, s.state)
}

func isTimeoutError(r Record) bool {
	if r.ErrorType == "TIMEOUT" || r.ErrorType == "API_TIMEOUT" {
		return true
	}
	return strings.Contains(strings.ToLower(r.ErrorMessage), "timeout")
}

func isCrashLike(r Record) bool {
	if r.ErrorType == "CRASH" || r.ErrorType == "OOM" {
		return true
	}
	return strings.Contains(strings.ToLower(r.ErrorMessage), "crash")
}

func isRPCError(r Record) bool {
	if r.ErrorType == "RPC_ERROR" {
		return true
	}
	return strings.Contains(strings.ToLower(r.ErrorMessage), "rpc")
}

func segmentSize(r Record) (float64, bool) {
	if r.Context == nil {
		return 0, false
	}
	v, ok := r.Context["segmentSize"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

// AnalyzePatterns implements §4.9's pattern detection over the last
// patternDetectionWindow.
func (s *Store) AnalyzePatterns() []Pattern {
	s.mu.Lock()
	cutoff := time.Now().Add(-s.patternDetectionWindow).UnixMilli()
	recent := make([]Record, 0, len(s.state.Records))
	for _, r := range s.state.Records {
		if r.TimestampMs >= cutoff {
			recent = append(recent, r)
		}
	}
	s.mu.Unlock()

	var patterns []Pattern

	if p, ok := detectAPITimeoutPeakHours(recent); ok {
		patterns = append(patterns, p)
	}
	if p, ok := detectTerminalOverload(recent); ok {
		patterns = append(patterns, p)
	}
	if p, ok := detectRPCCongestion(recent); ok {
		patterns = append(patterns, p)
	}

	return patterns
}

func detectAPITimeoutPeakHours(records []Record) (Pattern, bool) {
	byHour := make(map[int]int)
	total := 0
	for _, r := range records {
		if isTimeoutError(r) {
			byHour[r.hourOfDay()]++
			total++
		}
	}
	if total < 5 {
		return Pattern{}, false
	}
	var peakHours []int
	for h, n := range byHour {
		if n >= 5 {
			peakHours = append(peakHours, h)
		}
	}
	if len(peakHours) == 0 {
		return Pattern{}, false
	}
	return Pattern{
		Type:           APITimeoutPeakHours,
		Description:    "repeated API timeouts clustered in specific hours",
		Occurrences:    total,
		Recommendation: AvoidPeakHours,
		Metadata:       map[string]interface{}{"peakHours": peakHours},
	}, true
}

func detectTerminalOverload(records []Record) (Pattern, bool) {
	var matches []Record
	var totalSegment float64
	for _, r := range records {
		if r.Phase != "research" || !isCrashLike(r) {
			continue
		}
		size, ok := segmentSize(r)
		if !ok || size <= 5000 {
			continue
		}
		matches = append(matches, r)
		totalSegment += size
	}
	if len(matches) < 3 {
		return Pattern{}, false
	}
	avg := totalSegment / float64(len(matches))
	return Pattern{
		Type:           TerminalOverload,
		Description:    "research terminals crashing under oversized segments",
		Occurrences:    len(matches),
		Recommendation: ReduceSegmentSize,
		Metadata:       map[string]interface{}{"averageSegmentSize": avg},
	}, true
}

func detectRPCCongestion(records []Record) (Pattern, bool) {
	count := 0
	for _, r := range records {
		if isRPCError(r) {
			count++
		}
	}
	if count < 5 {
		return Pattern{}, false
	}
	return Pattern{
		Type:           RPCCongestion,
		Description:    "elevated RPC error rate",
		Occurrences:    count,
		Recommendation: SwitchRPC,
	}, true
}

// AdaptiveConfig is the subset of runtime configuration the learning store
// can mutate (§4.9's concrete adaptation effects).
type AdaptiveConfig struct {
	PeakHoursToAvoid []int `json:"peakHoursToAvoid,omitempty"`
	TerminalCount    int   `json:"terminalCount"`
	PreferSecondaryRPC bool `json:"preferSecondaryRPC"`
}

// ApplyAdaptations iterates detected patterns; for each not already
// applied it mutates cfg in place, reports via onAdaptation, and records
// the pattern type as applied (idempotent — re-applying a pattern already
// in adaptationsApplied is a no-op).
func (s *Store) ApplyAdaptations(cfg *AdaptiveConfig) []AdaptationResult {
	patterns := s.AnalyzePatterns()

	s.mu.Lock()
	applied := make(map[PatternType]bool, len(s.state.AdaptationsApplied))
	for _, p := range s.state.AdaptationsApplied {
		applied[p] = true
	}
	s.mu.Unlock()

	var results []AdaptationResult
	for _, p := range patterns {
		if applied[p.Type] {
			continue
		}
		result := s.applyOne(p, cfg)
		results = append(results, result)

		s.mu.Lock()
		s.state.AdaptationsApplied = append(s.state.AdaptationsApplied, p.Type)
		store.SaveLogged(s.log, s.path, s.state)
		s.mu.Unlock()

		if s.onAdaptation != nil {
			s.onAdaptation(p.Type, result)
		}
	}
	return results
}

func (s *Store) applyOne(p Pattern, cfg *AdaptiveConfig) AdaptationResult {
	switch p.Recommendation {
	case AvoidPeakHours:
		if peaks, ok := p.Metadata["peakHours"].([]int); ok {
			cfg.PeakHoursToAvoid = peaks
		}
		return AdaptationResult{Adapted: true, Adaptation: string(AvoidPeakHours), Description: "recorded peak hours to avoid scheduling research"}
	case IncreaseTerminalCount:
		if cfg.TerminalCount < 10 {
			cfg.TerminalCount += 2
			if cfg.TerminalCount > 10 {
				cfg.TerminalCount = 10
			}
		}
		return AdaptationResult{Adapted: true, Adaptation: string(IncreaseTerminalCount), Description: "increased terminal count by 2, capped at 10"}
	case SwitchRPC:
		cfg.PreferSecondaryRPC = true
		return AdaptationResult{Adapted: true, Adaptation: string(SwitchRPC), Description: "switched guard to prefer secondary RPC endpoint"}
	case ReduceSegmentSize:
		return AdaptationResult{Adapted: true, Adaptation: string(ReduceSegmentSize), Description: "flagged oversized research segments for reduction"}
	default:
		return AdaptationResult{Adapted: false, Adaptation: string(p.Recommendation), Description: "no automated adaptation for this recommendation"}
	}
}

// ResetAdaptations clears the applied list so re-detection can fire again.
func (s *Store) ResetAdaptations() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.AdaptationsApplied = nil
	store.SaveLogged(s.log, s.path, s.state)
}
