package iteration

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexcodex/goalloop/framework"
)

func TestRunnerRetryBudget(t *testing.T) {
	var events []framework.Event
	var delays []time.Duration
	runner := &Runner{
		Workers: newRegistry(map[string]framework.Worker{"core/broken.say": failingWorker("nope")}),
		Backoff: BackoffConfig{InitialDelayMS: 100, BackoffFactor: 2, MaxDelayMS: 1000},
		Sleep: func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
		Telemetry: framework.TelemetryFunc(func(e framework.Event) { events = append(events, e) }),
	}
	task := framework.Task{ID: "t1"}
	assignment := framework.Assignment{TaskID: "t1", Executor: "core/broken.say", Retries: framework.IntPtr(2)}

	outcome := runner.RunTask(context.Background(), Scope{RunID: "r"}, task, assignment)
	assert.Equal(t, 3, outcome.Attempts)
	assert.Equal(t, 0, outcome.RetriesLeft)
	assert.Equal(t, "nope", outcome.LastError)
	assert.False(t, outcome.Verdict.Success)
	assert.Equal(t, framework.ActionRetry, outcome.Verdict.Next.Action)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, delays)

	var left []int
	for _, e := range events {
		if e.Type == framework.EventAttemptStart {
			left = append(left, e.Metadata["retries_left"].(int))
		}
	}
	assert.Equal(t, []int{2, 1, 0}, left)
}

func TestRunnerStopsOnFirstSuccess(t *testing.T) {
	calls := 0
	worker := framework.WorkerFunc(func(ctx context.Context, params map[string]any) (any, error) {
		calls++
		if calls < 2 {
			return nil, errors.New("flaky")
		}
		return &framework.Envelope{Success: true, Data: "ok"}, nil
	})
	runner := &Runner{Workers: newRegistry(map[string]framework.Worker{"core/flaky.say": worker}), Sleep: noSleep}
	outcome := runner.RunTask(context.Background(), Scope{}, framework.Task{ID: "t1"},
		framework.Assignment{TaskID: "t1", Executor: "core/flaky.say", Retries: framework.IntPtr(5)})

	assert.Equal(t, 2, outcome.Attempts)
	assert.Equal(t, 4, outcome.RetriesLeft)
	assert.True(t, outcome.Envelope.Success)
	assert.Equal(t, "ok", outcome.Envelope.Data)
	assert.Equal(t, "core/flaky.say", outcome.Envelope.Meta.Executor)
	assert.Len(t, outcome.Envelope.Meta.Fingerprint, 32)
}

func TestRunnerTimeoutCancelsWorker(t *testing.T) {
	cancelled := make(chan struct{})
	worker := framework.WorkerFunc(func(ctx context.Context, params map[string]any) (any, error) {
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	})
	runner := &Runner{Workers: newRegistry(map[string]framework.Worker{"core/slow.say": worker}), Sleep: noSleep}
	outcome := runner.RunTask(context.Background(), Scope{}, framework.Task{ID: "t1"},
		framework.Assignment{TaskID: "t1", Executor: "core/slow.say", TimeoutMS: framework.IntPtr(20), Retries: framework.IntPtr(0)})

	assert.False(t, outcome.Envelope.Success)
	assert.Equal(t, ErrTimeoutExceeded, outcome.Envelope.Meta.Error)
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("worker context was not cancelled")
	}
}

func TestRunnerUnknownExecutorConsumesRetries(t *testing.T) {
	var recorder memoryRecorder
	runner := &Runner{Workers: newRegistry(nil), Sleep: noSleep, Recorder: &recorder}
	outcome := runner.RunTask(context.Background(), Scope{RunID: "r", Iteration: 1}, framework.Task{ID: "t1"},
		framework.Assignment{TaskID: "t1", Executor: "ghost/module.act", Retries: framework.IntPtr(1)})

	assert.Equal(t, 2, outcome.Attempts)
	assert.Equal(t, "executor_not_found:ghost/module.act", outcome.LastError)
	require.Len(t, recorder.ledger, 2)
	assert.Equal(t, framework.LedgerFailed, recorder.ledger[1].Status)
	assert.Equal(t, 2, recorder.ledger[1].Attempt)
	assert.Equal(t, framework.StageExecute, recorder.ledger[1].Stage)
}

func TestRunnerCriticSamplingAndFailures(t *testing.T) {
	reviews := 0
	critic := CriticFunc(func(ctx context.Context, in CriticInput) (framework.CriticVerdict, error) {
		reviews++
		return framework.CriticVerdict{}, errors.New("critic offline")
	})
	registry := newRegistry(map[string]framework.Worker{"core/echo.say": echoWorker()})
	assignment := framework.Assignment{TaskID: "t1", Executor: "core/echo.say", Params: map[string]any{"message": "hi"}, Retries: framework.IntPtr(0)}

	unsampled := &Runner{Workers: registry, Critic: critic, CriticSampleRate: 0.5, Sample: func() float64 { return 0.9 }}
	outcome := unsampled.RunTask(context.Background(), Scope{}, framework.Task{ID: "t1"}, assignment)
	assert.Equal(t, 0, reviews)
	assert.True(t, outcome.Verdict.Success)
	assert.Equal(t, framework.ActionContinue, outcome.Verdict.Next.Action)

	sampled := &Runner{Workers: registry, Critic: critic, CriticSampleRate: 0.5, Sample: func() float64 { return 0.1 }}
	outcome = sampled.RunTask(context.Background(), Scope{}, framework.Task{ID: "t1"}, assignment)
	assert.Equal(t, 1, reviews)
	assert.False(t, outcome.Verdict.Success)
	assert.Equal(t, framework.ActionRetry, outcome.Verdict.Next.Action)
	assert.Equal(t, "t1", outcome.Verdict.TaskID)
}

func TestRunnerResolvesParamReferences(t *testing.T) {
	var got map[string]any
	worker := framework.WorkerFunc(func(ctx context.Context, params map[string]any) (any, error) {
		got = params
		return map[string]any{"success": true}, nil
	})
	runner := &Runner{Workers: newRegistry(map[string]framework.Worker{"qa/answer.ask": worker})}
	scope := Scope{
		Goal:    "the goal",
		Context: framework.ContextSnapshot{MemorySnippet: "remembered"},
		TaskData: func(id string) (any, bool) {
			if id == "t0" {
				return "upstream", true
			}
			return nil, false
		},
	}
	params := map[string]any{
		"memory":  map[string]any{"$ref": "context.memorySnippet"},
		"goal":    map[string]any{"$ref": "context.goal"},
		"from":    map[string]any{"$ref": "task.t0"},
		"missing": map[string]any{"$ref": "task.nope"},
		"nested":  map[string]any{"list": []any{map[string]any{"$ref": "context.memorySnippet"}}},
		"plain":   42,
	}
	runner.RunTask(context.Background(), scope, framework.Task{ID: "t1"},
		framework.Assignment{TaskID: "t1", Executor: "qa/answer.ask", Params: params})

	assert.Equal(t, "remembered", got["memory"])
	assert.Equal(t, "the goal", got["goal"])
	assert.Equal(t, "upstream", got["from"])
	assert.Nil(t, got["missing"])
	assert.Equal(t, []any{"remembered"}, got["nested"].(map[string]any)["list"])
	assert.Equal(t, 42, got["plain"])
	assert.Equal(t, map[string]any{"$ref": "context.memorySnippet"}, params["memory"])
}

func TestNormalizeEnvelope(t *testing.T) {
	env := normalizeEnvelope("just text")
	assert.False(t, env.Success)
	assert.Equal(t, "just text", env.Data)
	assert.Equal(t, []string{}, env.Logs)

	env = normalizeEnvelope(map[string]any{"success": "yes", "data": 1})
	assert.False(t, env.Success)

	env = normalizeEnvelope(map[string]any{
		"success":   true,
		"artifacts": []any{"out.txt"},
		"meta":      map[string]any{"error": "partial"},
	})
	assert.True(t, env.Success)
	assert.Equal(t, []string{"out.txt"}, env.Artifacts)
	assert.Equal(t, "partial", env.Meta.Error)
	assert.NotNil(t, env.Data)

	env = normalizeEnvelope(framework.Envelope{Success: true, Data: "x"})
	assert.True(t, env.Success)
	assert.Equal(t, "x", env.Data)
}

func TestSchedulerBatchesWithinLevel(t *testing.T) {
	var (
		mu       sync.Mutex
		finished int
		seen     []int
	)
	worker := framework.WorkerFunc(func(ctx context.Context, params map[string]any) (any, error) {
		mu.Lock()
		seen = append(seen, finished)
		mu.Unlock()
		time.Sleep(25 * time.Millisecond)
		mu.Lock()
		finished++
		mu.Unlock()
		return map[string]any{"success": true}, nil
	})
	registry := newRegistry(map[string]framework.Worker{"core/work.say": worker})
	plan := framework.Plan{}
	var assignments []framework.Assignment
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		plan.Tasks = append(plan.Tasks, framework.Task{ID: id})
		assignments = append(assignments, framework.Assignment{TaskID: id, Executor: "core/work.say"})
	}
	levels, err := framework.BuildLevels(plan.Tasks)
	require.NoError(t, err)
	require.Len(t, levels, 1)

	scheduler := &Scheduler{Runner: &Runner{Workers: registry}, Concurrency: 2}
	outcomes, err := scheduler.Execute(context.Background(), Scope{}, plan, levels, assignments)
	require.NoError(t, err)
	require.Len(t, outcomes, 5)

	sort.Ints(seen)
	assert.Equal(t, []int{0, 0, 2, 2, 4}, seen)
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		assert.Equal(t, id, outcomes[i].TaskID)
	}
}

func TestSchedulerStopsAfterBatchCancelledMidway(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var (
		mu    sync.Mutex
		calls int
	)
	worker := framework.WorkerFunc(func(ctx context.Context, params map[string]any) (any, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		cancel()
		return map[string]any{"success": true}, nil
	})
	registry := newRegistry(map[string]framework.Worker{"core/work.say": worker})
	plan := framework.Plan{}
	var assignments []framework.Assignment
	for _, id := range []string{"a", "b", "c"} {
		plan.Tasks = append(plan.Tasks, framework.Task{ID: id})
		assignments = append(assignments, framework.Assignment{TaskID: id, Executor: "core/work.say"})
	}
	levels, err := framework.BuildLevels(plan.Tasks)
	require.NoError(t, err)

	scheduler := &Scheduler{Runner: &Runner{Workers: registry, Sleep: noSleep}, Concurrency: 1}
	outcomes, err := scheduler.Execute(ctx, Scope{}, plan, levels, assignments)
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "a", outcomes[0].TaskID)
	assert.Equal(t, 1, calls)
}

func TestSchedulerRunsLevelsInOrderAndSkipsUnassigned(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	worker := framework.WorkerFunc(func(ctx context.Context, params map[string]any) (any, error) {
		mu.Lock()
		order = append(order, params["id"].(string))
		mu.Unlock()
		return map[string]any{"success": true, "data": params["id"]}, nil
	})
	registry := newRegistry(map[string]framework.Worker{"core/work.say": worker})
	plan := framework.Plan{Tasks: []framework.Task{
		{ID: "t3", Dependencies: []string{"t2"}},
		{ID: "t2", Dependencies: []string{"t1"}},
		{ID: "t1"},
		{ID: "loose"},
	}}
	levels, err := framework.BuildLevels(plan.Tasks)
	require.NoError(t, err)
	assignments := []framework.Assignment{
		{TaskID: "t1", Executor: "core/work.say", Params: map[string]any{"id": "t1"}},
		{TaskID: "t2", Executor: "core/work.say", Params: map[string]any{"id": "t2"}},
		{TaskID: "t3", Executor: "core/work.say", Params: map[string]any{"id": "t3"}},
	}
	scheduler := &Scheduler{Runner: &Runner{Workers: registry}, Concurrency: 1}
	outcomes, err := scheduler.Execute(context.Background(), Scope{}, plan, levels, assignments)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2", "t3"}, order)
	require.Len(t, outcomes, 3)
	assert.Equal(t, "t3", outcomes[0].TaskID)
}

func TestDelayForRetry(t *testing.T) {
	cfg := BackoffConfig{InitialDelayMS: 500, BackoffFactor: 2, MaxDelayMS: 1500}
	assert.Equal(t, 500*time.Millisecond, DelayForRetry(1, cfg))
	assert.Equal(t, time.Second, DelayForRetry(2, cfg))
	assert.Equal(t, 1500*time.Millisecond, DelayForRetry(3, cfg))
	assert.Equal(t, time.Duration(0), DelayForRetry(1, BackoffConfig{}))
}
