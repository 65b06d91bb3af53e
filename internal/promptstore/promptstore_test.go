package promptstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyagent/supervisor/internal/logging"
)

func newStore(t *testing.T) *Store {
	dir := t.TempDir()
	return New(logging.Noop{}, filepath.Join(dir, "prompt-state.json"), "base prompt prefix", nil)
}

func TestAnalyzeAndUpdateAppendsHints(t *testing.T) {
	s := newStore(t)

	hints := s.AnalyzePromptEffectiveness(Metrics{ToolCallSuccessRate: 0.4, WinRate: 0.5})
	require.Len(t, hints, 2)

	v, ok := s.UpdatePrompt(hints, "low tool call success rate")
	require.True(t, ok)
	assert.Equal(t, 2, v.Version)
	assert.Contains(t, v.Content, "base prompt prefix")
	assert.Contains(t, v.Content, hintsHeader)
	for _, h := range hints {
		assert.Contains(t, v.Content, h)
	}
}

func TestAnalyzeSkipsAlreadyPresentHints(t *testing.T) {
	s := newStore(t)

	hints := s.AnalyzePromptEffectiveness(Metrics{WinRate: 0.1})
	_, ok := s.UpdatePrompt(hints, "low win rate")
	require.True(t, ok)

	again := s.AnalyzePromptEffectiveness(Metrics{WinRate: 0.1})
	assert.Empty(t, again, "hints already present must not be re-emitted")
}

func TestUpdatePromptNoHintsIsNoop(t *testing.T) {
	s := newStore(t)
	_, ok := s.UpdatePrompt(nil, "nothing to add")
	assert.False(t, ok)
	assert.Equal(t, 1, s.Current().Version)
}

func TestRollbackPromptDefaultsToPrevious(t *testing.T) {
	s := newStore(t)
	s.UpdatePrompt([]string{"hint one"}, "r1")
	s.UpdatePrompt([]string{"hint two"}, "r2")
	require.Equal(t, 3, s.Current().Version)

	v, ok := s.RollbackPrompt(0)
	require.True(t, ok)
	assert.Equal(t, 2, v.Version)
	assert.Equal(t, 2, s.Current().Version)
}

func TestRollbackPromptUnknownVersionFails(t *testing.T) {
	s := newStore(t)
	_, ok := s.RollbackPrompt(999)
	assert.False(t, ok)
}

func TestResetToBaseClearsHints(t *testing.T) {
	s := newStore(t)
	s.UpdatePrompt([]string{"hint one", "hint two"}, "adapt")

	v := s.ResetToBase()
	assert.Equal(t, "base prompt prefix", v.Content)
	assert.NotContains(t, v.Content, "hint one")
}

func TestVersionHistoryTrimmedToTen(t *testing.T) {
	s := newStore(t)
	for i := 0; i < 15; i++ {
		s.UpdatePrompt([]string{"hint"}, "loop")
		s.ResetToBase()
	}
	assert.LessOrEqual(t, len(s.History()), maxVersions)
}
