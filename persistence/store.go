package persistence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lexcodex/goalloop/framework"
)

// RunStatusRunning marks a run that has started but not finished.
const RunStatusRunning = "running"

// StageRecord is one persisted stage output.
type StageRecord struct {
	Iteration int                 `json:"iteration"`
	Stage     framework.StageName `json:"stage"`
	Output    json.RawMessage     `json:"output"`
	CreatedAt time.Time           `json:"created_at"`
}

// EventRecord is one redacted free-text event.
type EventRecord struct {
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// RunDetail is everything recorded for one run.
type RunDetail struct {
	Run    framework.RunRecord     `json:"run"`
	Stages []StageRecord           `json:"stages"`
	Ledger []framework.LedgerEntry `json:"ledger"`
	Events []EventRecord           `json:"events"`
}

// Store records runs and reads them back for the CLI and memory recall.
type Store interface {
	framework.RunRecorder
	ListRuns(ctx context.Context, limit int) ([]framework.RunRecord, error)
	GetRun(ctx context.Context, runID string) (*RunDetail, bool, error)
	RecentSessionRuns(ctx context.Context, sessionID string, limit int) ([]framework.RunRecord, error)
	Close() error
}

func marshalOutput(output any) (json.RawMessage, error) {
	if raw, ok := output.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(output)
	if err != nil {
		return nil, err
	}
	return data, nil
}
