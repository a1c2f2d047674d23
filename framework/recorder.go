package framework

import (
	"context"
	"time"
)

// LedgerStatus is the outcome recorded for a stage or attempt.
type LedgerStatus string

const (
	LedgerStarted   LedgerStatus = "started"
	LedgerSucceeded LedgerStatus = "succeeded"
	LedgerFailed    LedgerStatus = "failed"
	LedgerRepaired  LedgerStatus = "repaired"
)

// LedgerEntry is one append-only record of a stage or task attempt.
type LedgerEntry struct {
	RunID       string       `json:"run_id"`
	Iteration   int          `json:"iteration"`
	Stage       StageName    `json:"stage"`
	TaskID      string       `json:"task_id,omitempty"`
	Attempt     int          `json:"attempt,omitempty"`
	Status      LedgerStatus `json:"status"`
	Executor    string       `json:"executor,omitempty"`
	Fingerprint string       `json:"fingerprint,omitempty"`
	Error       string       `json:"error,omitempty"`
	DurationMS  int64        `json:"duration_ms,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

// RunRecord summarizes a finished run for listing and memory recall.
type RunRecord struct {
	RunID      string    `json:"run_id"`
	SessionID  string    `json:"session_id"`
	Goal       string    `json:"goal"`
	Status     string    `json:"status"`
	Iterations int       `json:"iterations"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Recorder is the persistence collaborator. The engine calls it after every
// stage and attempt and does not depend on its storage format.
type Recorder interface {
	SaveStage(ctx context.Context, runID string, iteration int, stage StageName, output any) error
	AppendLedger(ctx context.Context, entry LedgerEntry) error
	AppendEvent(ctx context.Context, runID string, text string) error
}

// RunRecorder is implemented by recorders that also track run summaries.
type RunRecorder interface {
	Recorder
	StartRun(ctx context.Context, run Run) error
	FinishRun(ctx context.Context, record RunRecord) error
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) SaveStage(context.Context, string, int, StageName, any) error { return nil }
func (NopRecorder) AppendLedger(context.Context, LedgerEntry) error              { return nil }
func (NopRecorder) AppendEvent(context.Context, string, string) error            { return nil }

// ContextSnapshot is the assembled context consumed by the Think prompt and
// by params that reference context values.
type ContextSnapshot struct {
	MemorySnippet      string `json:"memorySnippet"`
	FolderSummary      string `json:"folderSummary"`
	Conscience         string `json:"conscience"`
	ConscienceLite     string `json:"conscienceLite"`
	FolderSummaryShort string `json:"folderSummaryShort"`
}

// Lookup returns a field by its JSON name.
func (c ContextSnapshot) Lookup(key string) (string, bool) {
	switch key {
	case "memorySnippet":
		return c.MemorySnippet, true
	case "folderSummary":
		return c.FolderSummary, true
	case "conscience":
		return c.Conscience, true
	case "conscienceLite":
		return c.ConscienceLite, true
	case "folderSummaryShort":
		return c.FolderSummaryShort, true
	}
	return "", false
}

// ContextBuilder is the context collaborator.
type ContextBuilder interface {
	Build(ctx context.Context, sessionID, rootDir, goal string) (ContextSnapshot, error)
}
