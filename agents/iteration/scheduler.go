package iteration

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lexcodex/goalloop/framework"
)

// DefaultConcurrency is the batch size used when none is configured.
const DefaultConcurrency = 2

// Scheduler walks the levels of a plan in order, running each level in
// batches of at most Concurrency tasks.
type Scheduler struct {
	Runner      *Runner
	Concurrency int
	Telemetry   framework.Telemetry
}

// executionState is the per-iteration state shared by concurrent attempts.
type executionState struct {
	mu       sync.Mutex
	outcomes map[string]TaskOutcome
}

func (s *executionState) put(outcome TaskOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[outcome.TaskID] = outcome
}

func (s *executionState) data(taskID string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	outcome, ok := s.outcomes[taskID]
	if !ok || !outcome.Envelope.Success {
		return nil, false
	}
	return outcome.Envelope.Data, true
}

// Execute runs every assigned task of plan. Tasks without an assignment are
// skipped. Outcomes are returned in plan order. A context cancelled before or
// during a batch stops the walk once that batch settles, and the error is
// returned alongside the outcomes gathered so far.
func (s *Scheduler) Execute(ctx context.Context, scope Scope, plan framework.Plan, levels framework.Levels, assignments []framework.Assignment) ([]TaskOutcome, error) {
	byTask := make(map[string]framework.Assignment, len(assignments))
	for _, a := range assignments {
		byTask[a.TaskID] = a
	}
	state := &executionState{outcomes: make(map[string]TaskOutcome)}
	scope.TaskData = state.data

	size := s.Concurrency
	if size < 1 {
		size = DefaultConcurrency
	}

	var runErr error
walk:
	for depth, level := range levels {
		runnable := make([]string, 0, len(level))
		for _, id := range level {
			if _, ok := byTask[id]; ok {
				runnable = append(runnable, id)
			}
		}
		if len(runnable) == 0 {
			continue
		}
		s.emit(framework.Event{
			Type:      framework.EventLevelStart,
			RunID:     scope.RunID,
			Iteration: scope.Iteration,
			NodeID:    string(framework.StageExecute),
			Metadata:  map[string]any{"level": depth, "tasks": runnable},
		})
		for _, batch := range framework.Batches(runnable, size) {
			if err := ctx.Err(); err != nil {
				runErr = err
				break walk
			}
			var group errgroup.Group
			for _, id := range batch {
				task, _ := plan.TaskByID(id)
				assignment := byTask[id]
				group.Go(func() error {
					state.put(s.Runner.RunTask(ctx, scope, task, assignment))
					return ctx.Err()
				})
			}
			// Every task of the batch settles before Wait returns, so the
			// outcomes of a cancelled batch are still reported.
			if err := group.Wait(); err != nil {
				runErr = err
				break walk
			}
		}
	}

	outcomes := make([]TaskOutcome, 0, len(state.outcomes))
	for _, task := range plan.Tasks {
		if outcome, ok := state.outcomes[task.ID]; ok {
			outcomes = append(outcomes, outcome)
		}
	}
	return outcomes, runErr
}

func (s *Scheduler) emit(event framework.Event) {
	if s.Telemetry == nil {
		return
	}
	event.Timestamp = time.Now().UTC()
	s.Telemetry.Emit(event)
}
