package framework

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCapability(t *testing.T) {
	c, err := ParseCapability("qa/answer.ask")
	require.NoError(t, err)
	assert.Equal(t, Capability{Namespace: "qa", Module: "answer", Action: "ask"}, c)

	c, err = ParseCapability("fs/files")
	require.NoError(t, err)
	assert.Equal(t, "", c.Action)
	assert.Equal(t, "fs/files.read", c.WithDefaultAction("read").String())

	for _, bad := range []string{"", "qa", "/answer.ask", "qa/", "qa/.ask"} {
		_, err := ParseCapability(bad)
		assert.Error(t, err, bad)
	}
}

func TestWorkerRegistryResolve(t *testing.T) {
	registry := NewWorkerRegistry()
	echo := WorkerFunc(func(ctx context.Context, params map[string]any) (any, error) {
		return params["message"], nil
	})
	require.NoError(t, registry.Register("core/echo.say", echo))
	require.Error(t, registry.Register("core/echo.say", echo))
	require.Error(t, registry.Register("core/echo", echo))

	_, _, err := registry.Resolve("core/echo")
	require.ErrorIs(t, err, ErrExecutorNotFound)

	registry.SetDefaultAction("core", "say")
	worker, capability, err := registry.Resolve("core/echo")
	require.NoError(t, err)
	assert.Equal(t, "core/echo.say", capability.String())
	out, err := worker.Invoke(context.Background(), map[string]any{"message": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", out)

	_, _, err = registry.Resolve("browser/page.open")
	require.ErrorIs(t, err, ErrExecutorNotFound)
	assert.Equal(t, []string{"core/echo.say"}, registry.Executors())
}

func TestEngineErrorTags(t *testing.T) {
	err := PlanInvalid("empty_tasks")
	assert.Equal(t, "plan_invalid:empty_tasks", ErrorTag(err))
	assert.ErrorIs(t, err, ErrContract)
	assert.NotErrorIs(t, err, ErrPolicy)

	large := PlanTooLarge(8)
	assert.Equal(t, "plan_too_large", ErrorTag(large))
	assert.ErrorIs(t, large, ErrPolicy)
	assert.Contains(t, large.Error(), "8 tasks")
}

func TestRetryStateNeverNegative(t *testing.T) {
	state := RetryState{Left: 1}
	assert.True(t, state.Consume())
	assert.False(t, state.Consume())
	assert.Equal(t, 0, state.Left)
}
