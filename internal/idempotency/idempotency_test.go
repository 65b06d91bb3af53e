package idempotency

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyagent/supervisor/internal/logging"
)

func TestExecuteIdempotentRunsOnce(t *testing.T) {
	dir := t.TempDir()
	c := New(logging.Noop{}, filepath.Join(dir, "idempotency-cache.json"), DefaultTTL)

	var calls int32
	op := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return map[string]string{"betId": "123", "status": "matched"}, nil
	}

	r1, err := c.ExecuteIdempotent(context.Background(), "MATCH_BET", map[string]string{"betId": "123"}, op)
	require.NoError(t, err)
	assert.False(t, r1.WasCached)

	r2, err := c.ExecuteIdempotent(context.Background(), "MATCH_BET", map[string]string{"betId": "123"}, op)
	require.NoError(t, err)
	assert.True(t, r2.WasCached)
	assert.Equal(t, string(r1.Result), string(r2.Result))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestExecuteIdempotentConcurrentCallersCollapse(t *testing.T) {
	dir := t.TempDir()
	c := New(logging.Noop{}, filepath.Join(dir, "idempotency-cache.json"), DefaultTTL)

	var calls int32
	op := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return "ok", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.ExecuteIdempotent(context.Background(), "SYNC_STATE", map[string]int{"n": 1}, op)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestOperationIDDeterministic(t *testing.T) {
	id1, err := OperationID("MATCH_BET", map[string]interface{}{"b": 2, "a": 1})
	require.NoError(t, err)
	id2, err := OperationID("MATCH_BET", map[string]interface{}{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "canonical JSON must sort keys")
}

func TestFailedOpNotCached(t *testing.T) {
	dir := t.TempDir()
	c := New(logging.Noop{}, filepath.Join(dir, "idempotency-cache.json"), DefaultTTL)

	op := func(ctx context.Context) (interface{}, error) {
		return nil, assertErr
	}
	_, err := c.ExecuteIdempotent(context.Background(), "RESEARCH", map[string]string{"x": "y"}, op)
	require.Error(t, err)

	_, ok := c.lookup(mustOpID(t, "RESEARCH", map[string]string{"x": "y"}))
	assert.False(t, ok)
}

var assertErr = &testErr{"op failed"}

type testErr struct{ msg string }

func (e *testErr) Error() string { return e.msg }

func mustOpID(t *testing.T, action string, params interface{}) string {
	id, err := OperationID(action, params)
	require.NoError(t, err)
	return id
}
