// Package guard implements the service guard (§4.4): one circuit breaker
// per named external dependency plus a fallback chain, grounded on the
// teacher's CircuitBreakerManager pattern (pkg/resilience/circuit_breaker.go)
// generalised from a registry of ad-hoc named breakers to the spec's fixed
// trio of dependencies.
package guard

import (
	"context"
	"sync"

	"github.com/polyagent/supervisor/internal/breaker"
	"github.com/polyagent/supervisor/internal/errkind"
	"github.com/polyagent/supervisor/internal/logging"
)

// Names of the three dependencies the supervisor guards, per §4.4.
const (
	PolymarketAPI = "polymarketAPI"
	BaseRPC       = "baseRPC"
	Backend       = "backend"
)

// Fallback produces a degraded value when the primary call fails or the
// breaker is open.
type Fallback func(ctx context.Context) (interface{}, error)

// Health is the per-dependency health snapshot returned by GetServiceHealth.
type Health struct {
	Name             string           `json:"name"`
	Breaker          breaker.Snapshot `json:"breaker"`
	PreferFallback   bool             `json:"preferFallback"`
}

// Guard owns one breaker per dependency and tracks which dependencies have
// been told to prefer their fallback even while CLOSED (enableFallbacks,
// driven by the synthetic prober and the self-diagnostic engine).
type Guard struct {
	log logging.Logger

	mu             sync.RWMutex
	breakers       map[string]*breaker.Breaker
	fallbacks      map[string]Fallback
	preferFallback map[string]bool
}

// New constructs a guard with one breaker for each name in cfg, using cfg's
// per-name breaker.Config (zero value takes §4.3's defaults).
func New(log logging.Logger, cfgs map[string]breaker.Config) *Guard {
	g := &Guard{
		log:            log,
		breakers:       make(map[string]*breaker.Breaker, len(cfgs)),
		fallbacks:      make(map[string]Fallback),
		preferFallback: make(map[string]bool),
	}
	for name, cfg := range cfgs {
		g.breakers[name] = breaker.New(name, cfg, log)
	}
	return g
}

// SetFallback registers the fallback for a dependency. A nil fallback
// clears it.
func (g *Guard) SetFallback(name string, fb Fallback) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if fb == nil {
		delete(g.fallbacks, name)
		return
	}
	g.fallbacks[name] = fb
}

// EnableFallbacks marks the named dependencies to prefer their fallback
// even when the breaker is CLOSED; called by K (synthetic prober) and J
// (self-diagnostic engine) on ENABLE_FALLBACKS.
func (g *Guard) EnableFallbacks(names []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, n := range names {
		g.preferFallback[n] = true
	}
	g.log.Info("fallbacks enabled", map[string]interface{}{"services": names})
}

// DisableFallbacks reverts EnableFallbacks for the given names.
func (g *Guard) DisableFallbacks(names []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, n := range names {
		delete(g.preferFallback, n)
	}
}

// WithBreaker executes op through the named breaker (§4.4). If a fallback
// is registered for name and either op fails or the breaker is OPEN (or
// fallback is preferred), the fallback's value is returned instead of
// propagating the failure. Without a fallback, the breaker's error
// propagates.
func (g *Guard) WithBreaker(ctx context.Context, name string, op func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	g.mu.RLock()
	b, ok := g.breakers[name]
	fb, hasFallback := g.fallbacks[name]
	preferFallback := g.preferFallback[name]
	g.mu.RUnlock()

	if !ok {
		return nil, errkind.New(errkind.DependencyFailure, name, "no breaker registered for dependency")
	}

	if preferFallback && hasFallback {
		return g.runFallback(ctx, name, fb)
	}

	result, err := b.Execute(ctx, op)
	if err != nil {
		if hasFallback {
			g.log.Warn("dependency call failed, using fallback", map[string]interface{}{
				"service": name, "error": err.Error(),
			})
			return g.runFallback(ctx, name, fb)
		}
		return nil, err
	}
	return result, nil
}

// runFallback invokes a registered fallback and classifies its failure as
// DependencyFailure — exhaustion of both the primary path and its fallback,
// so the wrapped error keeps a stack back to this call site.
func (g *Guard) runFallback(ctx context.Context, name string, fb Fallback) (interface{}, error) {
	result, err := fb(ctx)
	if err != nil {
		return nil, errkind.Wrap(err, errkind.DependencyFailure, name)
	}
	return result, nil
}

// GetCircuitBreakerStates returns a value-copy snapshot of every breaker.
func (g *Guard) GetCircuitBreakerStates() map[string]breaker.Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]breaker.Snapshot, len(g.breakers))
	for name, b := range g.breakers {
		out[name] = b.Snapshot()
	}
	return out
}

// GetServiceHealth returns a value-copy snapshot of every dependency's
// health, including whether fallback is currently preferred.
func (g *Guard) GetServiceHealth() map[string]Health {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]Health, len(g.breakers))
	for name, b := range g.breakers {
		out[name] = Health{
			Name:           name,
			Breaker:        b.Snapshot(),
			PreferFallback: g.preferFallback[name],
		}
	}
	return out
}

// Breaker exposes the underlying breaker for a dependency, e.g. so the
// watchdog-driven backoff table or admin endpoints can force it open.
func (g *Guard) Breaker(name string) (*breaker.Breaker, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	b, ok := g.breakers[name]
	return b, ok
}
