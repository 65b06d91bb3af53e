package correlation

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/polyagent/supervisor/internal/logging"
)

func TestNewIDHasOpTypePrefix(t *testing.T) {
	id := NewID("child_crash")
	assert.True(t, strings.HasPrefix(id, "child_crash-"))
	parts := strings.Split(id, "-")
	assert.Len(t, parts, 3)
	assert.Len(t, parts[2], 6)
}

func TestStartBindsOperationContext(t *testing.T) {
	ctx, oc := Start(context.Background(), "child_crash")
	assert.Equal(t, "child_crash", oc.OpType)
	assert.NotEmpty(t, oc.ID)
	assert.Same(t, oc, FromContext(ctx))
}

func TestFromContextNilWithoutStart(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))
	assert.Equal(t, "", ID(context.Background()))
}

func TestIDMatchesOperationContext(t *testing.T) {
	ctx, oc := Start(context.Background(), "diagnostics")
	assert.Equal(t, oc.ID, ID(ctx))
}

func TestEndIsNoopOnNilOperationContext(t *testing.T) {
	log := logging.New(logging.Config{Stderr: false})
	assert.NotPanics(t, func() { End(context.Background(), log, nil, true) })
}

func TestLogUsesAmbientCorrelationIDWhenPresent(t *testing.T) {
	log := logging.New(logging.Config{Stderr: false})
	ctx, _ := Start(context.Background(), "task")
	assert.NotPanics(t, func() {
		Log(ctx, log, logging.Info, "task progressed", map[string]interface{}{"taskId": "t-1"})
	})
}
