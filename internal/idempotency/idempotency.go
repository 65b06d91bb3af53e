// Package idempotency implements the idempotency cache (§4.5): a
// deterministic operation-id keyed cache with a TTL, persisted atomically,
// and backed by golang.org/x/sync/singleflight so that two concurrent
// callers with the same operationId either share one in-flight call or one
// sees the cached result — the "at-most-once" guarantee of §5 depends on
// this collapsing, not merely on the map lookup being fast.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/polyagent/supervisor/internal/logging"
	"github.com/polyagent/supervisor/internal/store"
)

// DefaultTTL is §4.5's default TTL for cached results.
const DefaultTTL = 24 * time.Hour

// Entry is the Operation result entity (§3).
type Entry struct {
	OperationID string          `json:"operationId"`
	Result      json.RawMessage `json:"result"`
	StoredAt    time.Time       `json:"storedAt"`
}

// Result is what ExecuteIdempotent returns to the caller.
type Result struct {
	Result      json.RawMessage
	WasCached   bool
	OperationID string
}

type state struct {
	Entries map[string]Entry `json:"entries"`
}

// Cache is the idempotency cache. One instance per supervisor process.
type Cache struct {
	log  logging.Logger
	path string
	ttl  time.Duration

	mu    sync.Mutex
	state state

	flight singleflight.Group
}

// New loads path (or starts empty on a missing/corrupt file, per §4.1) and
// returns a ready Cache.
func New(log logging.Logger, path string, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := store.Load(log, path, state{Entries: make(map[string]Entry)})
	if s.Entries == nil {
		s.Entries = make(map[string]Entry)
	}
	return &Cache{log: log, path: path, ttl: ttl, state: s}
}

// OperationID computes `{action}-{sha256(canonicalJSON(params))[:16]}`, the
// deterministic fingerprint from §3. Canonical JSON sorts map keys.
func OperationID(action string, params interface{}) (string, error) {
	canon, err := canonicalJSON(params)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return fmt.Sprintf("%s-%x", action, sum[:8]), nil // 8 bytes == 16 hex chars
}

// canonicalJSON re-marshals v through a generic map/slice walk so object
// keys are always emitted in sorted order, regardless of Go's struct field
// order or map iteration order.
func canonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return marshalSorted(generic)
}

func marshalSorted(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, _ := json.Marshal(k)
			out = append(out, kb...)
			out = append(out, ':')
			vb, err := marshalSorted(val[k])
			if err != nil {
				return nil, err
			}
			out = append(out, vb...)
		}
		return append(out, '}'), nil
	case []interface{}:
		out := []byte{'['}
		for i, item := range val {
			if i > 0 {
				out = append(out, ',')
			}
			ib, err := marshalSorted(item)
			if err != nil {
				return nil, err
			}
			out = append(out, ib...)
		}
		return append(out, ']'), nil
	default:
		return json.Marshal(val)
	}
}

// Op is the action a caller wants executed at-most-once.
type Op func(ctx context.Context) (interface{}, error)

// ExecuteIdempotent implements §4.5's executeIdempotent. If a non-expired
// cached entry exists for (action, params) it is returned without invoking
// op. Otherwise op runs exactly once across all concurrent callers sharing
// the operationId (singleflight); on success the result is cached and
// persisted, on failure nothing is stored and the error propagates.
func (c *Cache) ExecuteIdempotent(ctx context.Context, action string, params interface{}, op Op) (Result, error) {
	opID, err := OperationID(action, params)
	if err != nil {
		return Result{}, err
	}

	if cached, ok := c.lookup(opID); ok {
		return Result{Result: cached.Result, WasCached: true, OperationID: opID}, nil
	}

	v, err, _ := c.flight.Do(opID, func() (interface{}, error) {
		// Re-check under singleflight: another caller may have completed
		// and stored the result between our lookup above and this Do call.
		if cached, ok := c.lookup(opID); ok {
			return cached.Result, nil
		}

		result, err := op(ctx)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, err
		}
		c.store(opID, raw)
		return raw, nil
	})
	if err != nil {
		return Result{}, err
	}

	return Result{Result: v.(json.RawMessage), WasCached: false, OperationID: opID}, nil
}

func (c *Cache) lookup(opID string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.state.Entries[opID]
	if !ok {
		return Entry{}, false
	}
	if time.Since(e.StoredAt) >= c.ttl {
		return Entry{}, false
	}
	return e, true
}

func (c *Cache) store(opID string, raw json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Entries[opID] = Entry{OperationID: opID, Result: raw, StoredAt: time.Now()}
	store.SaveLogged(c.log, c.path, c.state)
}

// Cleanup drops entries older than the TTL and persists the result. Run
// periodically (default every hour, §4.5).
func (c *Cache) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.state.Entries {
		if time.Since(e.StoredAt) >= c.ttl {
			delete(c.state.Entries, id)
		}
	}
	store.SaveLogged(c.log, c.path, c.state)
}

// Run starts the periodic cleanup ticker; it blocks until ctx is cancelled.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Cleanup()
		}
	}
}
