package guard

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyagent/supervisor/internal/breaker"
	"github.com/polyagent/supervisor/internal/logging"
)

func newTestGuard() *Guard {
	log := logging.New(logging.Config{Path: "", Stderr: false})
	return New(log, map[string]breaker.Config{
		PolymarketAPI: {FailureThreshold: 2},
		BaseRPC:       {FailureThreshold: 2},
	})
}

func TestWithBreakerReturnsResultOnSuccess(t *testing.T) {
	g := newTestGuard()
	res, err := g.WithBreaker(context.Background(), PolymarketAPI, func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", res)
}

func TestWithBreakerUnknownDependencyErrors(t *testing.T) {
	g := newTestGuard()
	_, err := g.WithBreaker(context.Background(), "nope", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})
	assert.Error(t, err)
}

func TestWithBreakerFallsBackOnFailure(t *testing.T) {
	g := newTestGuard()
	g.SetFallback(PolymarketAPI, func(ctx context.Context) (interface{}, error) {
		return "degraded", nil
	})

	res, err := g.WithBreaker(context.Background(), PolymarketAPI, func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("boom")
	})
	require.NoError(t, err)
	assert.Equal(t, "degraded", res)
}

func TestWithBreakerPropagatesFailureWithoutFallback(t *testing.T) {
	g := newTestGuard()
	_, err := g.WithBreaker(context.Background(), PolymarketAPI, func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("boom")
	})
	assert.Error(t, err)
}

func TestEnableFallbacksForcesFallbackEvenWhenClosed(t *testing.T) {
	g := newTestGuard()
	g.SetFallback(BaseRPC, func(ctx context.Context) (interface{}, error) {
		return "fallback-value", nil
	})
	g.EnableFallbacks([]string{BaseRPC})

	calledPrimary := false
	res, err := g.WithBreaker(context.Background(), BaseRPC, func(ctx context.Context) (interface{}, error) {
		calledPrimary = true
		return "primary-value", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "fallback-value", res)
	assert.False(t, calledPrimary, "primary op must not run once fallback is preferred")
}

func TestDisableFallbacksRestoresPrimaryPath(t *testing.T) {
	g := newTestGuard()
	g.SetFallback(BaseRPC, func(ctx context.Context) (interface{}, error) {
		return "fallback-value", nil
	})
	g.EnableFallbacks([]string{BaseRPC})
	g.DisableFallbacks([]string{BaseRPC})

	res, err := g.WithBreaker(context.Background(), BaseRPC, func(ctx context.Context) (interface{}, error) {
		return "primary-value", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "primary-value", res)
}

func TestGetServiceHealthReflectsPreferFallback(t *testing.T) {
	g := newTestGuard()
	g.EnableFallbacks([]string{PolymarketAPI})

	health := g.GetServiceHealth()
	assert.True(t, health[PolymarketAPI].PreferFallback)
	assert.False(t, health[BaseRPC].PreferFallback)
}

func TestGetCircuitBreakerStatesCoversAllDependencies(t *testing.T) {
	g := newTestGuard()
	states := g.GetCircuitBreakerStates()
	assert.Len(t, states, 2)
	assert.Contains(t, states, PolymarketAPI)
	assert.Contains(t, states, BaseRPC)
}
