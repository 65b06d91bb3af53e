package taskqueue

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyagent/supervisor/internal/deadletter"
	"github.com/polyagent/supervisor/internal/logging"
)

func newQueues(t *testing.T, policy RecoveryPolicy) (*Queue, *deadletter.Queue) {
	t.Helper()
	dir := t.TempDir()
	dlq := deadletter.New(logging.Noop{}, filepath.Join(dir, "dead-letters.json"), nil, nil)
	q := New(logging.Noop{}, filepath.Join(dir, "handler-state.json"), dlq, policy)
	return q, dlq
}

func TestTaskLifecycleHappyPath(t *testing.T) {
	q, _ := newQueues(t, ResetToPending)
	q.Enqueue("t1", Research, map[string]interface{}{"x": 1}, 3)

	task, ok := q.Start("t1")
	require.True(t, ok)
	assert.Equal(t, InProgress, task.State)
	assert.Equal(t, 1, task.Attempts)

	assert.True(t, q.Complete("t1"))

	got, _ := q.Get("t1")
	assert.Equal(t, Completed, got.State)

	assert.False(t, q.Complete("t1"), "terminal task cannot transition again")
}

func TestAttemptsMonotoneAndDeadLetterOnExhaustion(t *testing.T) {
	q, dlq := newQueues(t, ResetToPending)
	q.Enqueue("t2", MatchBet, nil, 2)

	_, _ = q.Start("t2")
	require.True(t, q.Fail("t2", errors.New("timeout")))
	got, _ := q.Get("t2")
	assert.Equal(t, Pending, got.State, "attempts 1 < maxAttempts 2, returns to PENDING")
	assert.Equal(t, 1, got.Attempts)

	_, _ = q.Start("t2")
	require.True(t, q.Fail("t2", errors.New("timeout again")))
	got, _ = q.Get("t2")
	assert.Equal(t, Failed, got.State)
	assert.Equal(t, 2, got.Attempts)

	entries := dlq.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "t2", entries[0].ID)
}

func TestCheckpointAppends(t *testing.T) {
	q, _ := newQueues(t, ResetToPending)
	q.Enqueue("t3", SyncState, nil, 3)
	_, _ = q.Start("t3")

	require.True(t, q.Checkpoint("t3", "phase-1", map[string]interface{}{"progress": 0.5}))
	got, _ := q.Get("t3")
	require.Len(t, got.Checkpoints, 1)
	assert.Equal(t, "phase-1", got.Checkpoints[0].Name)
}

func TestRecoverTasksResetToPending(t *testing.T) {
	q, _ := newQueues(t, ResetToPending)
	q.Enqueue("t4", Research, nil, 3)
	_, _ = q.Start("t4")

	recovered := q.RecoverTasks()
	require.Len(t, recovered, 1)

	got, _ := q.Get("t4")
	assert.Equal(t, Pending, got.State)
}

func TestRecoverTasksDeadLetterImmediately(t *testing.T) {
	q, dlq := newQueues(t, DeadLetterImmediately)
	q.Enqueue("t5", MatchBet, nil, 3)
	_, _ = q.Start("t5")

	recovered := q.RecoverTasks()
	require.Len(t, recovered, 1)

	got, _ := q.Get("t5")
	assert.Equal(t, Failed, got.State)
	assert.Len(t, dlq.Entries(), 1)
}
