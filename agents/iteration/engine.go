// Package iteration implements the goal execution loop: each iteration runs
// Think, Analyze, Plan, Assign, Execute, Critic and Decide, and the loop ends
// when a decision halts or asks for a new plan, or when the iteration cap is
// reached.
package iteration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lexcodex/goalloop/framework"
	"github.com/lexcodex/goalloop/framework/contract"
)

// RunStatus is the terminal state of a run.
type RunStatus string

const (
	StatusCompleted       RunStatus = "completed"
	StatusReplanRequested RunStatus = "replan_requested"
	StatusMaxIterations   RunStatus = "max_iterations"
	StatusFailed          RunStatus = "failed"
	StatusCancelled       RunStatus = "cancelled"
)

// Options are the process level controls of the engine.
type Options struct {
	Model               string                              `yaml:"model" json:"model"`
	Temperature         float64                             `yaml:"temperature" json:"temperature"`
	MaxTokens           int                                 `yaml:"max_tokens" json:"max_tokens"`
	MaxIterations       int                                 `yaml:"max_iterations" json:"max_iterations"`
	IntentMaxIterations map[framework.Intent]int            `yaml:"intent_max_iterations" json:"intent_max_iterations"`
	Concurrency         int                                 `yaml:"concurrency" json:"concurrency"`
	Backoff             BackoffConfig                       `yaml:"backoff" json:"backoff"`
	CriticSampleRate    float64                             `yaml:"critic_sample_rate" json:"critic_sample_rate"`
	IntentDefaults      map[framework.Intent]IntentDefaults `yaml:"intent_defaults" json:"intent_defaults"`
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		Temperature:      0.2,
		MaxTokens:        1024,
		MaxIterations:    3,
		Concurrency:      DefaultConcurrency,
		Backoff:          DefaultBackoffConfig(),
		CriticSampleRate: 1.0,
		IntentMaxIterations: map[framework.Intent]int{
			framework.IntentQuery: 2,
		},
		IntentDefaults: DefaultIntentDefaults(),
	}
}

func (o Options) normalized() Options {
	if o.MaxIterations < 1 {
		o.MaxIterations = 3
	}
	if o.Concurrency < 1 {
		o.Concurrency = DefaultConcurrency
	}
	if o.Backoff == (BackoffConfig{}) {
		o.Backoff = DefaultBackoffConfig()
	}
	if o.IntentDefaults == nil {
		o.IntentDefaults = DefaultIntentDefaults()
	}
	if o.CriticSampleRate > 1 {
		o.CriticSampleRate = 1
	}
	return o
}

// MaxIterationsFor returns the iteration cap for intent. A per-intent cap only
// applies when it is lower than the global one.
func (o Options) MaxIterationsFor(intent framework.Intent) int {
	limit := o.MaxIterations
	if v, ok := o.IntentMaxIterations[intent]; ok && v > 0 && v < limit {
		return v
	}
	return limit
}

// Request starts a run.
type Request struct {
	Goal      string `json:"goal"`
	SessionID string `json:"session_id,omitempty"`
	RootDir   string `json:"root_dir,omitempty"`
}

// IterationResult is everything one pass through the stages produced.
type IterationResult struct {
	Index       int                    `json:"index"`
	Intent      framework.Intent       `json:"intent"`
	Analysis    contract.Analysis      `json:"analysis"`
	Plan        framework.Plan         `json:"plan"`
	Levels      framework.Levels       `json:"levels,omitempty"`
	Assignments []framework.Assignment `json:"assignments,omitempty"`
	Dropped     []string               `json:"dropped,omitempty"`
	Outcomes    []TaskOutcome          `json:"outcomes,omitempty"`
	Decision    framework.Decision     `json:"decision"`
}

// RunResult summarizes a run. It is returned even when the run failed.
type RunResult struct {
	Run        framework.Run      `json:"run"`
	Status     RunStatus          `json:"status"`
	Intent     framework.Intent   `json:"intent,omitempty"`
	Iterations []IterationResult  `json:"iterations"`
	Decision   framework.Decision `json:"decision"`
	Error      string             `json:"error,omitempty"`
}

// Engine drives runs. Model and Workers are required; every other
// collaborator is optional.
type Engine struct {
	Model        framework.LanguageModel
	Workers      *framework.WorkerRegistry
	Capabilities *framework.CapabilityIndex
	Context      framework.ContextBuilder
	Recorder     framework.Recorder
	// Critic defaults to an LLMCritic on Model.
	Critic    Critic
	Telemetry framework.Telemetry
	Logger    *slog.Logger
	Options   Options
	// Sample and Sleep replace the critic sampler and backoff wait.
	Sample func() float64
	Sleep  SleepFunc
}

type runState struct {
	run      *framework.Run
	req      Request
	opts     Options
	stages   *StageInvoker
	runner   *Runner
	feedback *Feedback
}

// Run executes req until a terminal decision, the iteration cap, a fatal
// contract or policy error, or cancellation. The returned error is the fatal
// error, if any; the result is always populated.
func (e *Engine) Run(ctx context.Context, req Request) (*RunResult, error) {
	if e.Model == nil {
		return nil, fmt.Errorf("engine missing model")
	}
	if e.Workers == nil {
		return nil, fmt.Errorf("engine missing worker registry")
	}
	req.Goal = strings.TrimSpace(req.Goal)
	if req.Goal == "" {
		return nil, fmt.Errorf("goal required")
	}
	if req.SessionID == "" {
		req.SessionID = framework.NewSessionID()
	}
	opts := e.Options.normalized()
	run := &framework.Run{
		ID:            framework.NewRunID(),
		SessionID:     req.SessionID,
		Goal:          req.Goal,
		MaxIterations: opts.MaxIterations,
		StartedAt:     time.Now().UTC(),
	}
	result := &RunResult{Run: *run}

	if rr, ok := e.Recorder.(framework.RunRecorder); ok {
		if err := rr.StartRun(ctx, *run); err != nil {
			e.logger().Warn("start run record failed", "run", run.ID, "error", err)
		}
	}
	e.emit(run, framework.Event{Type: framework.EventRunStart, Message: req.Goal})
	e.logger().Info("run started", "run", run.ID, "session", run.SessionID)

	err := e.loop(ctx, e.newRunState(run, req, opts), result)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		result.Status = StatusCancelled
		result.Error = err.Error()
	default:
		result.Status = StatusFailed
		result.Error = framework.ErrorTag(err)
	}
	result.Run = *run

	finishCtx := context.WithoutCancel(ctx)
	if rr, ok := e.Recorder.(framework.RunRecorder); ok {
		record := framework.RunRecord{
			RunID:      run.ID,
			SessionID:  run.SessionID,
			Goal:       run.Goal,
			Status:     string(result.Status),
			Iterations: run.Iteration,
			Error:      result.Error,
			StartedAt:  run.StartedAt,
			FinishedAt: time.Now().UTC(),
		}
		if ferr := rr.FinishRun(finishCtx, record); ferr != nil {
			e.logger().Warn("finish run record failed", "run", run.ID, "error", ferr)
		}
	}
	e.emit(run, framework.Event{
		Type:    framework.EventRunFinish,
		Message: string(result.Status),
		Metadata: map[string]any{
			"iterations": run.Iteration,
			"error":      result.Error,
		},
	})
	e.logger().Info("run finished", "run", run.ID, "status", result.Status, "iterations", run.Iteration)
	return result, err
}

func (e *Engine) newRunState(run *framework.Run, req Request, opts Options) *runState {
	stages := &StageInvoker{
		Model:       e.Model,
		ModelName:   opts.Model,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	critic := e.Critic
	if critic == nil {
		critic = &LLMCritic{Stages: stages}
	}
	return &runState{
		run:    run,
		req:    req,
		opts:   opts,
		stages: stages,
		runner: &Runner{
			Workers:          e.Workers,
			Critic:           critic,
			CriticSampleRate: opts.CriticSampleRate,
			Sample:           e.Sample,
			Backoff:          opts.Backoff,
			Sleep:            e.Sleep,
			Recorder:         e.Recorder,
			Telemetry:        e.Telemetry,
			Logger:           e.Logger,
		},
	}
}

func (e *Engine) loop(ctx context.Context, st *runState, result *RunResult) error {
	limit := st.opts.MaxIterations
	for index := 1; index <= limit; index++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		st.run.Iteration = index
		e.emit(st.run, framework.Event{Type: framework.EventIterationStart})

		it, err := e.iterate(ctx, st, index)
		result.Iterations = append(result.Iterations, it)
		if it.Intent != "" {
			result.Intent = it.Intent
		}
		if err != nil {
			e.fail(ctx, st, err)
			return err
		}
		result.Decision = it.Decision
		e.emit(st.run, framework.Event{
			Type:    framework.EventIterationFinish,
			Message: string(it.Decision.Action),
		})

		if it.Decision.Terminal() {
			if it.Decision.Action == framework.ActionHalt {
				result.Status = StatusCompleted
			} else {
				result.Status = StatusReplanRequested
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		limit = st.opts.MaxIterationsFor(it.Intent)
		st.feedback = feedbackFrom(it)
	}
	result.Status = StatusMaxIterations
	return nil
}

func (e *Engine) iterate(ctx context.Context, st *runState, index int) (IterationResult, error) {
	it := IterationResult{Index: index}
	snapshot := e.buildContext(ctx, st)

	think, err := e.invokeStage(ctx, st, framework.StageThink, thinkPrompt(st.req.Goal, snapshot, st.feedback))
	if err != nil {
		return it, err
	}

	analyze, err := e.invokeStage(ctx, st, framework.StageAnalyze, analyzePrompt(st.req.Goal, think, snapshot))
	if err != nil {
		return it, err
	}
	it.Analysis = contract.DecodeAnalysis(analyze.Raw)
	it.Intent = it.Analysis.Intent

	caps := e.capabilitySet()
	executors := e.Workers.Executors()

	planned, err := e.invokeStage(ctx, st, framework.StagePlan, planPrompt(st.req.Goal, it.Analysis, think, executors))
	if err != nil {
		return it, err
	}
	if !planned.Valid {
		return it, framework.PlanInvalid(planned.Reason)
	}
	plan, err := contract.DecodePlan(planned.Data)
	if err != nil {
		invalid := framework.PlanInvalid(contract.ReasonTaskFields)
		invalid.Err = err
		return it, invalid
	}
	it.Plan = plan
	if len(plan.Tasks) > framework.MaxPlanTasks {
		return it, framework.PlanTooLarge(len(plan.Tasks))
	}
	levels, err := framework.BuildLevels(plan.Tasks)
	if err != nil {
		invalid := framework.PlanInvalid(graphReason(err))
		invalid.Err = err
		return it, invalid
	}
	it.Levels = levels

	assigned, err := e.invokeStage(ctx, st, framework.StageAssign, assignPrompt(st.req.Goal, plan, it.Intent, executors))
	if err != nil {
		return it, err
	}
	if !assigned.Valid {
		return it, framework.AssignInvalid(assigned.Reason)
	}
	raw, err := contract.DecodeAssignments(assigned.Data)
	if err != nil {
		invalid := framework.AssignInvalid(contract.ReasonAssignmentFields)
		invalid.Err = err
		return it, invalid
	}
	policy := Policy{Capabilities: caps, Defaults: st.opts.IntentDefaults}
	enforced, err := policy.Apply(it.Intent, plan, raw)
	it.Assignments, it.Dropped = enforced.Assignments, enforced.Dropped
	if err != nil {
		return it, err
	}
	if len(enforced.Dropped) > 0 {
		e.logger().Debug("assignments dropped by policy", "run", st.run.ID, "dropped", enforced.Dropped)
	}

	e.stageStarted(ctx, st, framework.StageExecute)
	scheduler := &Scheduler{Runner: st.runner, Concurrency: st.opts.Concurrency, Telemetry: e.Telemetry}
	scope := Scope{RunID: st.run.ID, Iteration: index, Goal: st.req.Goal, Context: snapshot}
	outcomes, err := scheduler.Execute(ctx, scope, plan, levels, it.Assignments)
	it.Outcomes = outcomes
	e.stageFinished(ctx, st, framework.StageExecute, outcomes)
	if err != nil {
		return it, err
	}

	verdicts := make([]framework.CriticVerdict, 0, len(outcomes))
	retries := make(map[string]framework.RetryState, len(outcomes))
	for _, outcome := range outcomes {
		verdicts = append(verdicts, outcome.Verdict)
		retries[outcome.TaskID] = framework.RetryState{Left: outcome.RetriesLeft}
	}
	e.stageStarted(ctx, st, framework.StageCritic)
	e.stageFinished(ctx, st, framework.StageCritic, verdicts)

	e.stageStarted(ctx, st, framework.StageDecide)
	it.Decision = Decide(plan.Tasks, verdicts, retries, it.Intent)
	e.stageFinished(ctx, st, framework.StageDecide, it.Decision)
	e.emit(st.run, framework.Event{
		Type:     framework.EventDecision,
		NodeID:   string(framework.StageDecide),
		TaskID:   it.Decision.TaskID,
		Message:  string(it.Decision.Action),
		Metadata: map[string]any{"reason": it.Decision.Reason},
	})
	return it, nil
}

func (e *Engine) buildContext(ctx context.Context, st *runState) framework.ContextSnapshot {
	if e.Context == nil {
		return framework.ContextSnapshot{}
	}
	snapshot, err := e.Context.Build(ctx, st.run.SessionID, st.req.RootDir, st.req.Goal)
	if err != nil {
		e.logger().Warn("context build failed", "run", st.run.ID, "error", err)
		return framework.ContextSnapshot{}
	}
	return snapshot
}

func (e *Engine) capabilitySet() *framework.CapabilitySet {
	if e.Capabilities == nil {
		return framework.DefaultCapabilitySet()
	}
	set, err := e.Capabilities.Current()
	if err != nil {
		e.logger().Warn("capability index unavailable, using defaults", "error", err)
		return framework.DefaultCapabilitySet()
	}
	return set
}

// invokeStage runs one model backed stage and records it.
func (e *Engine) invokeStage(ctx context.Context, st *runState, stage framework.StageName, prompt string) (StageOutput, error) {
	e.stageStarted(ctx, st, stage)
	start := time.Now()
	out, err := st.stages.Invoke(ctx, stage, prompt)
	if out.Repaired {
		e.emit(st.run, framework.Event{
			Type:    framework.EventStageRepair,
			NodeID:  string(stage),
			Message: "repair re-prompt issued",
		})
		e.ledger(ctx, st, framework.LedgerEntry{Stage: stage, Status: framework.LedgerRepaired})
	}
	if err != nil {
		return out, err
	}
	e.saveStage(ctx, st, stage, out)
	status := framework.LedgerSucceeded
	if !out.Valid {
		status = framework.LedgerFailed
	}
	e.ledger(ctx, st, framework.LedgerEntry{
		Stage:      stage,
		Status:     status,
		Error:      out.Reason,
		DurationMS: time.Since(start).Milliseconds(),
	})
	e.emit(st.run, framework.Event{
		Type:   framework.EventStageFinish,
		NodeID: string(stage),
		Metadata: map[string]any{
			"valid":    out.Valid,
			"reason":   out.Reason,
			"calls":    out.Calls,
			"repaired": out.Repaired,
		},
	})
	return out, nil
}

func (e *Engine) stageStarted(ctx context.Context, st *runState, stage framework.StageName) {
	e.emit(st.run, framework.Event{Type: framework.EventStageStart, NodeID: string(stage)})
	e.ledger(ctx, st, framework.LedgerEntry{Stage: stage, Status: framework.LedgerStarted})
}

// stageFinished records stages that do not call the model.
func (e *Engine) stageFinished(ctx context.Context, st *runState, stage framework.StageName, output any) {
	e.saveStage(ctx, st, stage, output)
	e.ledger(ctx, st, framework.LedgerEntry{Stage: stage, Status: framework.LedgerSucceeded})
	e.emit(st.run, framework.Event{Type: framework.EventStageFinish, NodeID: string(stage)})
}

func (e *Engine) fail(ctx context.Context, st *runState, err error) {
	tag := framework.ErrorTag(err)
	var engineErr *framework.EngineError
	stage := ""
	if errors.As(err, &engineErr) {
		stage = string(engineErr.Stage)
	}
	e.emit(st.run, framework.Event{
		Type:     framework.EventStageError,
		NodeID:   stage,
		Message:  tag,
		Metadata: map[string]any{"error": err.Error()},
	})
	e.logger().Error("iteration failed", "run", st.run.ID, "iteration", st.run.Iteration, "error", err)
	if e.Recorder == nil {
		return
	}
	if rerr := e.Recorder.AppendEvent(context.WithoutCancel(ctx), st.run.ID, "run aborted: "+err.Error()); rerr != nil {
		e.logger().Warn("event append failed", "run", st.run.ID, "error", rerr)
	}
}

func (e *Engine) saveStage(ctx context.Context, st *runState, stage framework.StageName, output any) {
	if e.Recorder == nil {
		return
	}
	if err := e.Recorder.SaveStage(ctx, st.run.ID, st.run.Iteration, stage, output); err != nil {
		e.logger().Warn("stage save failed", "run", st.run.ID, "stage", stage, "error", err)
	}
}

func (e *Engine) ledger(ctx context.Context, st *runState, entry framework.LedgerEntry) {
	if e.Recorder == nil {
		return
	}
	entry.RunID = st.run.ID
	entry.Iteration = st.run.Iteration
	entry.Timestamp = time.Now().UTC()
	if err := e.Recorder.AppendLedger(ctx, entry); err != nil {
		e.logger().Warn("ledger append failed", "run", st.run.ID, "stage", entry.Stage, "error", err)
	}
}

func (e *Engine) emit(run *framework.Run, event framework.Event) {
	if e.Telemetry == nil {
		return
	}
	event.RunID = run.ID
	event.Iteration = run.Iteration
	event.Timestamp = time.Now().UTC()
	e.Telemetry.Emit(event)
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func graphReason(err error) string {
	switch {
	case errors.Is(err, framework.ErrCyclicDependency):
		return framework.ErrCyclicDependency.Error()
	case errors.Is(err, framework.ErrDuplicateTask):
		return framework.ErrDuplicateTask.Error()
	case errors.Is(err, framework.ErrUnknownDependency):
		return framework.ErrUnknownDependency.Error()
	}
	return contract.ReasonTaskFields
}

func feedbackFrom(it IterationResult) *Feedback {
	fb := &Feedback{Iteration: it.Index, Decision: it.Decision}
	seen := map[string]bool{}
	for _, outcome := range it.Outcomes {
		if outcome.Verdict.Success {
			continue
		}
		label := outcome.TaskID
		if outcome.LastError != "" {
			label += " (" + outcome.LastError + ")"
		}
		fb.Failed = append(fb.Failed, label)
		for _, rec := range outcome.Verdict.Recommendations {
			if rec == "" || seen[rec] || len(fb.Recommendations) >= 5 {
				continue
			}
			seen[rec] = true
			fb.Recommendations = append(fb.Recommendations, rec)
		}
	}
	return fb
}
