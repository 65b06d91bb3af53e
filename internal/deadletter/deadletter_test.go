package deadletter

import (
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyagent/supervisor/internal/logging"
)

func TestCriticalAlertFiresOncePerTaskID(t *testing.T) {
	dir := t.TempDir()
	var alertCount int32
	q := New(logging.Noop{}, filepath.Join(dir, "dead-letters.json"), func(e Entry) {
		atomic.AddInt32(&alertCount, 1)
	}, nil)

	q.MoveToDeadLetter("task-1", MatchBet, 3, []string{"timeout"}, nil)
	waitForAlert(t, &alertCount, 1)

	q.MoveToDeadLetter("task-1", MatchBet, 4, []string{"timeout", "timeout again"}, nil)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&alertCount), "re-inserting the same taskId must not re-alert")
}

func TestNonCriticalTaskDoesNotAlert(t *testing.T) {
	dir := t.TempDir()
	var alertCount int32
	q := New(logging.Noop{}, filepath.Join(dir, "dead-letters.json"), func(e Entry) {
		atomic.AddInt32(&alertCount, 1)
	}, nil)

	q.MoveToDeadLetter("task-2", SyncState, 1, []string{"boom"}, nil)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&alertCount))
}

func TestRetryDeadLetterRemovesEntry(t *testing.T) {
	dir := t.TempDir()
	q := New(logging.Noop{}, filepath.Join(dir, "dead-letters.json"), nil, nil)
	q.MoveToDeadLetter("task-3", Research, 2, []string{"rpc error"}, nil)

	e, ok := q.RetryDeadLetter("task-3")
	require.True(t, ok)
	assert.Equal(t, "task-3", e.ID)

	_, ok = q.RetryDeadLetter("task-3")
	assert.False(t, ok, "entry should be gone after retry")
}

func TestReviewDeadLetters(t *testing.T) {
	dir := t.TempDir()
	q := New(logging.Noop{}, filepath.Join(dir, "dead-letters.json"), nil, nil)

	q.MoveToDeadLetter("t1", MatchBet, 1, []string{"request timeout"}, nil)
	q.MoveToDeadLetter("t2", Research, 1, []string{"rpc CONTRACT_REVERT"}, nil)
	q.MoveToDeadLetter("t3", SyncState, 1, []string{"mystery failure"}, nil)

	a := q.ReviewDeadLetters()
	assert.Equal(t, 3, a.Total)
	assert.Equal(t, 1, a.ByTaskType[MatchBet])
	assert.Equal(t, 1, a.ByErrorType["TIMEOUT"])
	assert.Equal(t, 1, a.ByErrorType["CONTRACT_REVERT"])
	assert.Equal(t, 1, a.ByErrorType["UNKNOWN"])
	require.NotNil(t, a.OldestTimestamp)
}

func waitForAlert(t *testing.T, counter *int32, want int32) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(counter) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, want, atomic.LoadInt32(counter))
}
