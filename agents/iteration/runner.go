package iteration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/lexcodex/goalloop/framework"
)

const (
	// ErrTimeoutExceeded is the envelope error of an attempt that outlived its
	// timeout.
	ErrTimeoutExceeded = "timeout_exceeded"
	errCancelled       = "cancelled"
	refKey             = "$ref"
)

// Scope is the per-iteration view a task attempt runs against.
type Scope struct {
	RunID     string
	Iteration int
	Goal      string
	Context   framework.ContextSnapshot
	// TaskData returns the data of a task that already finished in this
	// iteration.
	TaskData func(taskID string) (any, bool)
}

func (s Scope) lookup(ref string) any {
	switch {
	case strings.HasPrefix(ref, "context."):
		key := strings.TrimPrefix(ref, "context.")
		if key == "goal" {
			return s.Goal
		}
		if v, ok := s.Context.Lookup(key); ok {
			return v
		}
	case strings.HasPrefix(ref, "task."):
		if s.TaskData != nil {
			if v, ok := s.TaskData(strings.TrimPrefix(ref, "task.")); ok {
				return v
			}
		}
	}
	return nil
}

// TaskOutcome is the terminal state of one task after all its attempts.
type TaskOutcome struct {
	TaskID      string                  `json:"task_id"`
	Executor    string                  `json:"executor"`
	Attempts    int                     `json:"attempts"`
	Envelope    framework.Envelope      `json:"envelope"`
	Verdict     framework.CriticVerdict `json:"verdict"`
	RetriesLeft int                     `json:"retries_left"`
	LastError   string                  `json:"last_error,omitempty"`
}

// Runner executes one assignment across attempts until a verdict succeeds or
// the retry budget is spent.
type Runner struct {
	Workers          *framework.WorkerRegistry
	Critic           Critic
	CriticSampleRate float64
	// Sample returns a value in [0,1) compared against CriticSampleRate.
	Sample    func() float64
	Backoff   BackoffConfig
	Sleep     SleepFunc
	Recorder  framework.Recorder
	Telemetry framework.Telemetry
	Logger    *slog.Logger
}

// RunTask drives the attempt loop for task. It never returns an error: worker,
// timeout and critic failures all end up in the outcome.
func (r *Runner) RunTask(ctx context.Context, scope Scope, task framework.Task, assignment framework.Assignment) TaskOutcome {
	params := resolveParams(assignment.Params, scope)
	fingerprint := framework.Fingerprint(assignment.Executor, assignment.Params)
	state := framework.RetryState{Left: assignment.RetryBudget()}
	outcome := TaskOutcome{TaskID: task.ID, Executor: assignment.Executor}

	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			if err := r.sleep(ctx, DelayForRetry(attempt-1, r.Backoff)); err != nil {
				outcome.LastError = err.Error()
				break
			}
			state.Consume()
		}
		r.emit(framework.Event{
			Type:      framework.EventAttemptStart,
			RunID:     scope.RunID,
			Iteration: scope.Iteration,
			NodeID:    assignment.Executor,
			TaskID:    task.ID,
			Message:   fmt.Sprintf("attempt %d", attempt),
			Metadata:  map[string]any{"attempt": attempt, "retries_left": state.Left, "fingerprint": fingerprint},
		})
		env := r.attempt(ctx, assignment, params, fingerprint)
		outcome.Attempts = attempt
		outcome.Envelope = env
		if env.Meta.Error != "" {
			outcome.LastError = env.Meta.Error
		}
		r.recordAttempt(ctx, scope, task.ID, attempt, env)

		verdict := r.review(ctx, scope, task, env, attempt)
		outcome.Verdict = verdict
		r.emit(framework.Event{
			Type:      framework.EventVerdict,
			RunID:     scope.RunID,
			Iteration: scope.Iteration,
			NodeID:    string(framework.StageCritic),
			TaskID:    task.ID,
			Message:   string(verdict.Next.Action),
			Metadata:  map[string]any{"success": verdict.Success, "attempt": attempt, "critic": verdict.Critic},
		})
		if verdict.Success || state.Left <= 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			outcome.LastError = err.Error()
			break
		}
	}
	outcome.RetriesLeft = state.Left
	return outcome
}

// attempt invokes the worker once under the assignment timeout. The worker's
// context is cancelled when the timeout fires.
func (r *Runner) attempt(ctx context.Context, assignment framework.Assignment, params map[string]any, fingerprint string) framework.Envelope {
	start := time.Now()
	worker, capability, err := r.Workers.Resolve(assignment.Executor)
	if err != nil {
		env := failedEnvelope(assignment.Executor, "executor_not_found:"+assignment.Executor)
		env.Meta.Fingerprint = fingerprint
		return env
	}

	var (
		attemptCtx context.Context
		cancel     context.CancelFunc
	)
	if timeout := assignment.Timeout(); timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		attemptCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	type result struct {
		value any
		err   error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("worker panic: %v", p)}
			}
		}()
		value, err := worker.Invoke(attemptCtx, params)
		done <- result{value: value, err: err}
	}()

	executor := capability.String()
	var env framework.Envelope
	select {
	case res := <-done:
		switch {
		case res.err != nil && timedOut(ctx, attemptCtx):
			env = failedEnvelope(executor, ErrTimeoutExceeded)
		case res.err != nil:
			env = failedEnvelope(executor, res.err.Error())
			env.Data = res.value
		default:
			env = normalizeEnvelope(res.value)
		}
	case <-attemptCtx.Done():
		if timedOut(ctx, attemptCtx) {
			env = failedEnvelope(executor, ErrTimeoutExceeded)
		} else {
			env = failedEnvelope(executor, errCancelled)
		}
	}
	env.Meta.DurationMS = time.Since(start).Milliseconds()
	env.Meta.Executor = executor
	env.Meta.Fingerprint = fingerprint
	return env
}

func timedOut(parent, attemptCtx context.Context) bool {
	return parent.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded)
}

func (r *Runner) review(ctx context.Context, scope Scope, task framework.Task, env framework.Envelope, attempt int) framework.CriticVerdict {
	if r.Critic == nil || !r.sampled() {
		return synthesizeVerdict(task.ID, env)
	}
	verdict, err := r.Critic.Review(ctx, CriticInput{
		Goal:     scope.Goal,
		Task:     task,
		Envelope: env,
		Context:  scope.Context,
		Attempt:  attempt,
	})
	if err != nil {
		r.logger().Warn("critic failed", "task", task.ID, "attempt", attempt, "error", err)
		return failedVerdict(task.ID, err)
	}
	verdict.TaskID = task.ID
	return verdict
}

func (r *Runner) sampled() bool {
	rate := r.CriticSampleRate
	if rate <= 0 {
		return false
	}
	if rate >= 1 {
		return true
	}
	sample := r.Sample
	if sample == nil {
		sample = rand.Float64
	}
	return sample() < rate
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) error {
	if r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	return sleepContext(ctx, d)
}

func (r *Runner) recordAttempt(ctx context.Context, scope Scope, taskID string, attempt int, env framework.Envelope) {
	status := framework.LedgerSucceeded
	if !env.Success {
		status = framework.LedgerFailed
	}
	r.emit(framework.Event{
		Type:      framework.EventAttemptFinish,
		RunID:     scope.RunID,
		Iteration: scope.Iteration,
		NodeID:    env.Meta.Executor,
		TaskID:    taskID,
		Message:   string(status),
		Metadata: map[string]any{
			"attempt":     attempt,
			"success":     env.Success,
			"duration_ms": env.Meta.DurationMS,
			"error":       env.Meta.Error,
		},
	})
	if r.Recorder == nil {
		return
	}
	entry := framework.LedgerEntry{
		RunID:       scope.RunID,
		Iteration:   scope.Iteration,
		Stage:       framework.StageExecute,
		TaskID:      taskID,
		Attempt:     attempt,
		Status:      status,
		Executor:    env.Meta.Executor,
		Fingerprint: env.Meta.Fingerprint,
		Error:       env.Meta.Error,
		DurationMS:  env.Meta.DurationMS,
		Timestamp:   time.Now().UTC(),
	}
	if err := r.Recorder.AppendLedger(ctx, entry); err != nil {
		r.logger().Warn("ledger append failed", "task", taskID, "error", err)
	}
	if !env.Success {
		text := fmt.Sprintf("task %s attempt %d via %s failed: %s", taskID, attempt, env.Meta.Executor, env.Meta.Error)
		if err := r.Recorder.AppendEvent(ctx, scope.RunID, text); err != nil {
			r.logger().Warn("event append failed", "task", taskID, "error", err)
		}
	}
}

func (r *Runner) emit(event framework.Event) {
	if r.Telemetry == nil {
		return
	}
	event.Timestamp = time.Now().UTC()
	r.Telemetry.Emit(event)
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func resolveParams(params map[string]any, scope Scope) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = resolveValue(v, scope)
	}
	return out
}

func resolveValue(v any, scope Scope) any {
	switch val := v.(type) {
	case map[string]any:
		if ref, ok := val[refKey].(string); ok && len(val) == 1 {
			return scope.lookup(ref)
		}
		return resolveParams(val, scope)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = resolveValue(item, scope)
		}
		return out
	}
	return v
}
