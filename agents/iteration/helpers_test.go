package iteration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lexcodex/goalloop/framework"
)

// memoryRecorder keeps everything in memory for assertions.
type memoryRecorder struct {
	mu     sync.Mutex
	stages []framework.StageName
	ledger []framework.LedgerEntry
	events []string
	runs   []framework.RunRecord
}

func (r *memoryRecorder) SaveStage(_ context.Context, _ string, _ int, stage framework.StageName, _ any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, stage)
	return nil
}

func (r *memoryRecorder) AppendLedger(_ context.Context, entry framework.LedgerEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ledger = append(r.ledger, entry)
	return nil
}

func (r *memoryRecorder) AppendEvent(_ context.Context, _ string, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, text)
	return nil
}

func (r *memoryRecorder) StartRun(context.Context, framework.Run) error { return nil }

func (r *memoryRecorder) FinishRun(_ context.Context, record framework.RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, record)
	return nil
}

func echoWorker() framework.Worker {
	return framework.WorkerFunc(func(ctx context.Context, params map[string]any) (any, error) {
		return map[string]any{"success": true, "data": params["message"]}, nil
	})
}

func failingWorker(msg string) framework.Worker {
	return framework.WorkerFunc(func(ctx context.Context, params map[string]any) (any, error) {
		return nil, fmt.Errorf("%s", msg)
	})
}

func newRegistry(workers map[string]framework.Worker) *framework.WorkerRegistry {
	registry := framework.NewWorkerRegistry()
	for executor, worker := range workers {
		if err := registry.Register(executor, worker); err != nil {
			panic(err)
		}
	}
	framework.DefaultCapabilitySet().Apply(registry)
	return registry
}

func noSleep(context.Context, time.Duration) error { return nil }

// testEngine builds an engine with synthesized verdicts and no backoff wait.
func testEngine(model framework.LanguageModel, registry *framework.WorkerRegistry) *Engine {
	opts := DefaultOptions()
	opts.CriticSampleRate = 0
	return &Engine{
		Model:   model,
		Workers: registry,
		Options: opts,
		Sleep:   noSleep,
	}
}
