package persistence

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexcodex/goalloop/framework"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	sqlite, err := NewSQLiteStore(filepath.Join(dir, "db", "goalloop.db"))
	require.NoError(t, err)
	files, err := NewFileStore(filepath.Join(dir, "files"))
	require.NoError(t, err)
	t.Cleanup(func() {
		sqlite.Close()
		files.Close()
	})
	return map[string]Store{"sqlite": sqlite, "file": files}
}

func recordRun(t *testing.T, store Store, id, session string, started time.Time, status string) {
	t.Helper()
	ctx := context.Background()
	run := framework.Run{ID: id, SessionID: session, Goal: "goal " + id, StartedAt: started}
	require.NoError(t, store.StartRun(ctx, run))
	require.NoError(t, store.SaveStage(ctx, id, 1, framework.StagePlan, map[string]any{"tasks": []string{"t1"}}))
	require.NoError(t, store.AppendLedger(ctx, framework.LedgerEntry{
		RunID: id, Iteration: 1, Stage: framework.StageExecute, TaskID: "t1", Attempt: 1,
		Status: framework.LedgerFailed, Executor: "qa/answer.ask", Error: "password=hunter2",
	}))
	require.NoError(t, store.AppendEvent(ctx, id, "card 4111 1111 1111 1111 rejected"))
	if status != "" {
		require.NoError(t, store.FinishRun(ctx, framework.RunRecord{
			RunID: id, SessionID: session, Goal: run.Goal, Status: status, Iterations: 1,
			StartedAt: started, FinishedAt: started.Add(time.Second),
		}))
	}
}

func TestStoresRoundTripRuns(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			recordRun(t, store, "run-a", "s1", base, "completed")
			recordRun(t, store, "run-b", "s1", base.Add(time.Minute), "failed")
			recordRun(t, store, "run-c", "s2", base.Add(2*time.Minute), "")

			runs, err := store.ListRuns(ctx, 10)
			require.NoError(t, err)
			require.Len(t, runs, 3)
			assert.Equal(t, "run-c", runs[0].RunID)
			assert.Equal(t, RunStatusRunning, runs[0].Status)

			recent, err := store.RecentSessionRuns(ctx, "s1", 5)
			require.NoError(t, err)
			require.Len(t, recent, 2)
			assert.Equal(t, "run-b", recent[0].RunID)
			assert.Equal(t, "failed", recent[0].Status)

			detail, ok, err := store.GetRun(ctx, "run-a")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "completed", detail.Run.Status)
			assert.Equal(t, 1, detail.Run.Iterations)
			require.Len(t, detail.Stages, 1)
			assert.Equal(t, framework.StagePlan, detail.Stages[0].Stage)
			var plan map[string]any
			require.NoError(t, json.Unmarshal(detail.Stages[0].Output, &plan))
			assert.Contains(t, plan, "tasks")
			require.Len(t, detail.Ledger, 1)
			assert.Equal(t, "password=[REDACTED]", detail.Ledger[0].Error)
			assert.Equal(t, 1, detail.Ledger[0].Attempt)
			require.Len(t, detail.Events, 1)
			assert.Equal(t, "card [REDACTED_CARD] rejected", detail.Events[0].Text)

			_, ok, err = store.GetRun(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestFileStoreReloadsFromDisk(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	recordRun(t, store, "run-a", "s1", time.Now().UTC(), "completed")

	reopened, err := NewFileStore(dir)
	require.NoError(t, err)
	detail, ok, err := reopened.GetRun(context.Background(), "run-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "completed", detail.Run.Status)
	assert.Len(t, detail.Ledger, 1)
}

func TestRedact(t *testing.T) {
	cases := map[string]string{
		"api_key: abc123":                      "api_key: [REDACTED]",
		"Authorization: Bearer eyJhbGciOi.xyz": "Authorization: Bearer [REDACTED]",
		"mail me at jane.doe@example.com":      "mail me at [REDACTED_EMAIL]",
		"use sk-abcdefghijklmnop for the call": "use [REDACTED_KEY] for the call",
		"nothing secret here":                  "nothing secret here",
		`token="quoted value" trailing`:        "token=[REDACTED] trailing",
	}
	for in, want := range cases {
		assert.Equal(t, want, Redact(in), in)
	}
}
