// Package promptstore implements the prompt-evolution store (§4.12): a
// versioned, append-only prompt with reversible adaptive hints. The base
// prompt prefix is never mutated; everything learned is appended under a
// fenced section and can be rolled back or reset.
package promptstore

import (
	"strings"
	"sync"
	"time"

	"github.com/polyagent/supervisor/internal/logging"
	"github.com/polyagent/supervisor/internal/store"
)

const (
	hintsHeader   = "## Adaptive Decision Hints"
	maxVersions   = 10
)

// Changes describes what a PromptVersion added relative to its predecessor.
type Changes struct {
	Additions      []string `json:"additions,omitempty"`
	Simplifications []string `json:"simplifications,omitempty"`
	Removals       []string `json:"removals,omitempty"`
}

func (c Changes) empty() bool {
	return len(c.Additions) == 0 && len(c.Simplifications) == 0 && len(c.Removals) == 0
}

// Version is the Prompt version entity (§3).
type Version struct {
	Version   int       `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Changes   Changes   `json:"changes"`
	Reason    string    `json:"reason"`
	Content   string    `json:"content"`
}

// Metrics is the subset of agent performance data analyzePromptEffectiveness
// inspects.
type Metrics struct {
	ToolCallSuccessRate  float64
	FailedResearchCycles int
	WinRate              float64
}

// ChangeFn is invoked whenever updatePrompt commits a new version.
type ChangeFn func(v Version)

type hintCatalogueEntry struct {
	condition func(m Metrics) bool
	hints     []string
}

// hintCatalogue is the fixed catalogue referenced by §4.12; each entry emits
// up to 2 hints when its condition holds and the hint is not already
// present in the current content.
var hintCatalogue = []hintCatalogueEntry{
	{
		condition: func(m Metrics) bool { return m.ToolCallSuccessRate < 0.6 },
		hints: []string{
			"Double-check tool arguments against the schema before calling.",
			"Prefer smaller, well-formed tool calls over large speculative ones.",
		},
	},
	{
		condition: func(m Metrics) bool { return m.FailedResearchCycles > 5 },
		hints: []string{
			"Narrow research scope to a single market before broadening.",
			"Abandon a research thread after repeated empty results instead of retrying identically.",
		},
	},
	{
		condition: func(m Metrics) bool { return m.WinRate < 0.35 },
		hints: []string{
			"Require a stronger edge threshold before entering a position.",
			"Re-evaluate position sizing relative to recent drawdown.",
		},
	},
}

type state struct {
	CurrentVersion int       `json:"currentVersion"`
	History        []Version `json:"history"`
}

// Store is the prompt-evolution store. One instance per supervisor process.
type Store struct {
	log        logging.Logger
	path       string
	basePrefix string
	onChange   ChangeFn

	mu    sync.Mutex
	state state
}

// New loads path (or starts from basePrefix as version 1, per §4.1).
func New(log logging.Logger, path string, basePrefix string, onChange ChangeFn) *Store {
	def := state{
		CurrentVersion: 1,
		History: []Version{{
			Version:   1,
			Timestamp: time.Now(),
			Content:   basePrefix,
			Reason:    "base prompt",
		}},
	}
	s := store.Load(log, path, def)
	return &Store{log: log, path: path, basePrefix: basePrefix, onChange: onChange, state: s}
}

// Current returns the active PromptVersion.
func (s *Store) Current() Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLocked()
}

func (s *Store) currentLocked() Version {
	for _, v := range s.state.History {
		if v.Version == s.state.CurrentVersion {
			return v
		}
	}
	return s.state.History[len(s.state.History)-1]
}

// AnalyzePromptEffectiveness implements §4.12's hint emission: inspects
// metrics against the fixed catalogue, skipping hints already present in
// the current content, and returns the hints to append (callers typically
// feed the result straight into UpdatePrompt).
func (s *Store) AnalyzePromptEffectiveness(m Metrics) []string {
	current := s.Current().Content

	var newHints []string
	for _, entry := range hintCatalogue {
		if !entry.condition(m) {
			continue
		}
		added := 0
		for _, h := range entry.hints {
			if added >= 2 {
				break
			}
			if strings.Contains(current, h) {
				continue
			}
			newHints = append(newHints, h)
			added++
		}
	}
	return newHints
}

// UpdatePrompt appends hints under the Adaptive Decision Hints section,
// creates a new PromptVersion, persists it, and invokes onChange. If hints
// is empty this is a no-op (no new version is created).
func (s *Store) UpdatePrompt(hints []string, reason string) (Version, bool) {
	if len(hints) == 0 {
		return Version{}, false
	}

	s.mu.Lock()
	current := s.currentLocked()
	content := appendHints(current.Content, hints)
	next := Version{
		Version:   current.Version + 1,
		Timestamp: time.Now(),
		Changes:   Changes{Additions: hints},
		Reason:    reason,
		Content:   content,
	}
	s.state.History = append(s.state.History, next)
	s.state.CurrentVersion = next.Version
	if over := len(s.state.History) - maxVersions; over > 0 {
		s.state.History = s.state.History[over:]
	}
	store.SaveLogged(s.log, s.path, s.state)
	s.mu.Unlock()

	if s.onChange != nil {
		s.onChange(next)
	}
	return next, true
}

func appendHints(content string, hints []string) string {
	var b strings.Builder
	b.WriteString(content)

	if !strings.Contains(content, hintsHeader) {
		if !strings.HasSuffix(content, "\n") {
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(hintsHeader)
		b.WriteString("\n")
	}
	for _, h := range hints {
		b.WriteString("- ")
		b.WriteString(h)
		b.WriteString("\n")
	}
	return b.String()
}

// RollbackPrompt restores the content of a prior version (default: the
// version immediately before current). Returns false if there is no such
// version in history.
func (s *Store) RollbackPrompt(targetVersion int) (Version, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if targetVersion == 0 {
		targetVersion = s.state.CurrentVersion - 1
	}

	var target Version
	found := false
	for _, v := range s.state.History {
		if v.Version == targetVersion {
			target = v
			found = true
			break
		}
	}
	if !found {
		return Version{}, false
	}

	s.state.CurrentVersion = target.Version
	snapshot := s.state
	store.SaveLogged(s.log, s.path, snapshot)
	return target, true
}

// ResetToBase clears all hints, returning to the base prompt prefix as a
// fresh version.
func (s *Store) ResetToBase() Version {
	s.mu.Lock()
	current := s.currentLocked()
	next := Version{
		Version:   current.Version + 1,
		Timestamp: time.Now(),
		Changes:   Changes{Removals: []string{"all adaptive hints"}},
		Reason:    "reset to base prompt",
		Content:   s.basePrefix,
	}
	s.state.History = append(s.state.History, next)
	s.state.CurrentVersion = next.Version
	if over := len(s.state.History) - maxVersions; over > 0 {
		s.state.History = s.state.History[over:]
	}
	store.SaveLogged(s.log, s.path, s.state)
	s.mu.Unlock()

	if s.onChange != nil {
		s.onChange(next)
	}
	return next
}

// History returns a value-copy of all retained versions (at most 10).
func (s *Store) History() []Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Version, len(s.state.History))
	copy(out, s.state.History)
	return out
}
