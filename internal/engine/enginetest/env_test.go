package enginetest

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/homeos/internal/engine"
	"github.com/rendis/homeos/pkg/schema"
)

func waitForSignal(timeout time.Duration) engine.Definition {
	return engine.NewDefinition("wait", func(ctx engine.Context, _ struct{}) (map[string]any, error) {
		got := ""
		ctx.OnSignal("ping", func(p json.RawMessage) { _ = json.Unmarshal(p, &got) })
		start := ctx.Now()
		ok, err := ctx.Await(timeout, func() bool { return got != "" })
		return map[string]any{"ok": ok, "got": got, "waited": ctx.Now().Sub(start).String()}, err
	})
}

func TestEnv_TimeoutSkipsVirtualTime(t *testing.T) {
	env := NewEnv()
	out, err := env.Execute(waitForSignal(24*time.Hour), struct{}{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":false,"got":"","waited":"24h0m0s"}`, string(out))
}

func TestEnv_DelayedSignalBeforeDeadline(t *testing.T) {
	env := NewEnv()
	env.RegisterDelayedCallback(func() { env.QueueSignal("ping", "pong") }, time.Hour)

	out, err := env.Execute(waitForSignal(2*time.Hour), struct{}{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true,"got":"pong","waited":"1h0m0s"}`, string(out))
}

func TestEnv_DelayedSignalAfterDeadlineIsKept(t *testing.T) {
	env := NewEnv()
	env.RegisterDelayedCallback(func() { env.QueueSignal("ping", "late") }, 3*time.Hour)

	out, err := env.Execute(waitForSignal(time.Hour), struct{}{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":false,"got":"","waited":"1h0m0s"}`, string(out))

	cb, ok := env.peekCallback()
	require.True(t, ok)
	assert.Equal(t, env.Now().Add(2*time.Hour), cb.at)
}

func TestEnv_AwaitForeverWithoutInputFails(t *testing.T) {
	env := NewEnv()
	_, err := env.Execute(waitForSignal(0), struct{}{})
	assert.Equal(t, schema.ErrCodeTimeout, schema.ErrorCode(err))
}

func TestEnv_MockedActivities(t *testing.T) {
	env := NewEnv()
	Mock(env, "double", func(n int) (int, error) { return n * 2, nil })
	env.OnActivity("fail", func(json.RawMessage) (any, error) { return nil, errors.New("down") })

	var got int
	require.NoError(t, env.ExecuteActivity("double", 21, &got))
	assert.Equal(t, 42, got)

	err := env.ExecuteActivity("fail", nil, nil)
	assert.Equal(t, schema.ErrCodeActivity, schema.ErrorCode(err))

	err = env.ExecuteActivity("unknown", nil, nil)
	assert.Equal(t, schema.ErrCodeNotFound, engine.CauseCode(err))

	assert.Equal(t, []string{"double", "fail", "unknown"}, env.CallNames())
	assert.Equal(t, 1, env.CallCount("double"))
	assert.JSONEq(t, `21`, string(env.Calls("double")[0].Input))
}
