// Package correlation implements the correlation tracker (§4.8). The spec's
// source relies on an async-local store; per the Design Notes (§9) this
// rewrite instead threads a context.Context explicitly through every call,
// avoiding goroutine-global state so concurrent operations in different
// logical tasks never leak context into one another.
package correlation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/polyagent/supervisor/internal/logging"
)

type contextKey struct{ name string }

var operationContextKey = contextKey{"correlation.operation"}

// OperationContext is the value bound into ctx for the lifetime of an
// operation started with Start.
type OperationContext struct {
	ID        string
	OpType    string
	StartedAt time.Time
}

// NewID builds a correlationId = {opType}-{nowMs}-{6-char-random}, matching
// §4.8 exactly. The random suffix comes from a uuid4's first 6 hex
// characters rather than a hand-rolled alphabet generator.
func NewID(opType string) string {
	return fmt.Sprintf("%s-%d-%s", opType, time.Now().UnixMilli(), randomSuffix(6))
}

func randomSuffix(n int) string {
	id := uuid.New().String()
	id = id[:8] + id[9:13] + id[14:18] + id[19:23] + id[24:]
	if n > len(id) {
		n = len(id)
	}
	return id[:n]
}

// Start begins a new operation scope. If ctx already carries an
// OperationContext, the new one is nested — it gets a fresh ID but is
// still reachable via the returned ctx; the parent's ID is unaffected once
// Start returns (nested operations inherit the parent unless Start is
// called again, per §4.8).
func Start(ctx context.Context, opType string) (context.Context, *OperationContext) {
	oc := &OperationContext{ID: NewID(opType), OpType: opType, StartedAt: time.Now()}
	return context.WithValue(ctx, operationContextKey, oc), oc
}

// FromContext returns the ambient OperationContext, or nil if ctx was not
// produced by Start.
func FromContext(ctx context.Context) *OperationContext {
	oc, _ := ctx.Value(operationContextKey).(*OperationContext)
	return oc
}

// ID returns the current context's correlation ID, or "" if there is none.
func ID(ctx context.Context) string {
	if oc := FromContext(ctx); oc != nil {
		return oc.ID
	}
	return ""
}

// End logs completion of the operation with its duration. Pass the
// OperationContext returned from Start.
func End(ctx context.Context, log logging.Logger, oc *OperationContext, success bool) {
	if oc == nil {
		return
	}
	log.WithCorrelationID(oc.ID).Info("operation completed", map[string]interface{}{
		"opType":     oc.OpType,
		"success":    success,
		"durationMs": time.Since(oc.StartedAt).Milliseconds(),
	})
}

// Log writes through the logger, attaching ctx's ambient correlation ID if
// present. It mirrors §4.8's log(id, level, msg, data?) with id=nil looking
// up the ambient context.
func Log(ctx context.Context, log logging.Logger, level logging.Level, msg string, data map[string]interface{}) {
	scoped := log
	if id := ID(ctx); id != "" {
		scoped = log.WithCorrelationID(id)
	}
	switch level {
	case logging.Debug:
		scoped.Debug(msg, data)
	case logging.Warn:
		scoped.Warn(msg, data)
	case logging.Error:
		scoped.Error(msg, data)
	default:
		scoped.Info(msg, data)
	}
}
