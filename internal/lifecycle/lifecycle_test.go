package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyagent/supervisor/internal/logging"
)

func TestObserveOutputCountsMessageMarkers(t *testing.T) {
	tr := New(logging.Noop{}, Config{AgentDir: t.TempDir()}, nil)
	tr.ObserveOutput("some tool_use call\nassistant replied\nhuman asked\n")
	assert.Equal(t, 3, tr.MessageCount())
}

func TestClearDueOnMessageThreshold(t *testing.T) {
	dir := t.TempDir()
	var cleared bool
	tr := New(logging.Noop{}, Config{AgentDir: dir, MaxMessages: 3, ClearCooldown: time.Millisecond}, func(ctx context.Context) error {
		cleared = true
		return nil
	})
	tr.ObserveOutput("tool_use tool_use tool_use")
	time.Sleep(2 * time.Millisecond)

	require.NoError(t, tr.Check(context.Background()))
	assert.True(t, cleared)
	assert.Equal(t, 0, tr.MessageCount(), "session counters reset after clear")
}

func TestClearDeferredByInProgressTx(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, InProgressTxFile), []byte{}, 0o644))

	var cleared bool
	tr := New(logging.Noop{}, Config{AgentDir: dir, MaxMessages: 1}, func(ctx context.Context) error {
		cleared = true
		return nil
	})
	tr.ObserveOutput("tool_use")

	require.NoError(t, tr.Check(context.Background()))
	assert.False(t, cleared, "clear must be deferred while a transaction is in progress")
}

func TestClearSignalFileTriggersClear(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ClearContextFile), []byte{}, 0o644))

	var cleared bool
	tr := New(logging.Noop{}, Config{AgentDir: dir}, func(ctx context.Context) error {
		cleared = true
		return nil
	})

	require.NoError(t, tr.Check(context.Background()))
	assert.True(t, cleared)
	_, err := os.Stat(filepath.Join(dir, ClearContextFile))
	assert.True(t, os.IsNotExist(err), "signal file removed after clear")
}

func TestPendingClearFlagSetDuringClearSequence(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ClearContextFile), []byte{}, 0o644))

	var sawPending bool
	var tr *Tracker
	tr = New(logging.Noop{}, Config{AgentDir: dir}, func(ctx context.Context) error {
		sawPending = tr.PendingClear()
		return nil
	})

	require.NoError(t, tr.Check(context.Background()))
	assert.True(t, sawPending)
}

func TestMatchedBetUpdatesCumulativePnLAndDeletesFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, MatchedBetFile), []byte("marketId: abc\npnl: 12.5\n"), 0o644))

	tr := New(logging.Noop{}, Config{AgentDir: dir}, nil)
	require.NoError(t, tr.Check(context.Background()))

	snap := tr.PnLSnapshot()
	assert.Equal(t, 1, snap.TotalBets)
	assert.Equal(t, 12.5, snap.CumulativePnL)

	_, err := os.Stat(filepath.Join(dir, MatchedBetFile))
	assert.True(t, os.IsNotExist(err))
}

func TestPnLSurvivesSessionReset(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, MatchedBetFile), []byte("pnl: 5\n"), 0o644))

	tr := New(logging.Noop{}, Config{AgentDir: dir, MaxMessages: 1}, func(ctx context.Context) error { return nil })
	require.NoError(t, tr.Check(context.Background()))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ClearContextFile), []byte{}, 0o644))
	require.NoError(t, tr.Check(context.Background()))

	assert.Equal(t, 5.0, tr.PnLSnapshot().CumulativePnL, "P&L must survive a context clear")
}
