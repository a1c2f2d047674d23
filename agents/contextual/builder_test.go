package contextual

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexcodex/goalloop/framework"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type fakeHistory struct {
	runs  []framework.RunRecord
	err   error
	calls int
}

func (h *fakeHistory) RecentSessionRuns(ctx context.Context, sessionID string, limit int) ([]framework.RunRecord, error) {
	h.calls++
	if h.err != nil {
		return nil, h.err
	}
	if len(h.runs) > limit {
		return h.runs[:limit], nil
	}
	return h.runs, nil
}

func writeTree(t *testing.T, files ...string) string {
	t.Helper()
	root := t.TempDir()
	for _, name := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	}
	return root
}

func TestScanFolderSkipsIgnoredPaths(t *testing.T) {
	root := writeTree(t,
		"main.go",
		"README.md",
		"internal/a.go",
		"internal/b.go",
		".git/HEAD",
		"web/node_modules/lib/index.js",
		".goalloop/config.yaml",
	)

	summary, err := ScanFolder(context.Background(), root, DefaultIgnore(), 0)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Files)
	assert.Equal(t, 2, summary.Dirs)
	assert.Equal(t, map[string]int{"go": 3, "md": 1}, summary.Extensions)
	assert.Equal(t, []string{"README.md", "internal/", "main.go", "web/"}, summary.TopLevel)
	assert.False(t, summary.Truncated)
	assert.Contains(t, summary.Long(), "by extension: go: 3, md: 1")
	assert.Equal(t, filepath.Base(root)+": 4 files, mostly .go", summary.Short())
}

func TestScanFolderTruncates(t *testing.T) {
	root := writeTree(t, "a.txt", "b.txt", "c.txt", "d.txt")
	summary, err := ScanFolder(context.Background(), root, nil, 2)
	require.NoError(t, err)
	assert.True(t, summary.Truncated)
	assert.Equal(t, 2, summary.Files)
	assert.Contains(t, summary.Long(), "(truncated)")
}

func TestScanFolderRejectsBadInput(t *testing.T) {
	_, err := ScanFolder(context.Background(), filepath.Join(t.TempDir(), "missing"), nil, 0)
	assert.Error(t, err)

	root := writeTree(t, "a.txt")
	_, err = ScanFolder(context.Background(), root, []string{"[unclosed"}, 0)
	assert.ErrorContains(t, err, "invalid ignore pattern")

	summary, err := ScanFolder(context.Background(), "", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "no workspace", summary.Long())
}

func TestBuilderAssemblesSnapshot(t *testing.T) {
	root := writeTree(t, "main.go")
	history := &fakeHistory{runs: []framework.RunRecord{
		{RunID: "r2", Goal: "summarize the logs", Status: "completed", Iterations: 1},
		{RunID: "r1", Goal: "open the browser", Status: "failed", Iterations: 2, Error: "plan_invalid:empty_tasks"},
	}}
	builder := NewBuilder(history, Config{Conscience: "Be careful.\nCheck twice."}, nil)

	snap, err := builder.Build(context.Background(), "s1", root, "goal")
	require.NoError(t, err)
	assert.Equal(t, "Be careful.\nCheck twice.", snap.Conscience)
	assert.Equal(t, "Be careful.", snap.ConscienceLite)
	assert.Contains(t, snap.MemorySnippet, "- [completed] summarize the logs (1 iterations)")
	assert.Contains(t, snap.MemorySnippet, "error: plan_invalid:empty_tasks")
	assert.Contains(t, snap.FolderSummary, "files: 1")
	assert.Equal(t, filepath.Base(root)+": 1 files, mostly .go", snap.FolderSummaryShort)
}

func TestBuilderCachesPerSessionAndRoot(t *testing.T) {
	root := writeTree(t, "main.go")
	history := &fakeHistory{}
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	builder := NewBuilder(history, Config{TTL: time.Minute}, clock)
	ctx := context.Background()

	_, err := builder.Build(ctx, "s1", root, "first")
	require.NoError(t, err)
	_, err = builder.Build(ctx, "s1", root, "second")
	require.NoError(t, err)
	assert.Equal(t, 1, history.calls)

	_, err = builder.Build(ctx, "s2", root, "other session")
	require.NoError(t, err)
	assert.Equal(t, 2, history.calls)

	clock.now = clock.now.Add(time.Minute)
	_, err = builder.Build(ctx, "s1", root, "expired")
	require.NoError(t, err)
	assert.Equal(t, 3, history.calls)

	builder.Invalidate("s1", root)
	_, err = builder.Build(ctx, "s1", root, "invalidated")
	require.NoError(t, err)
	assert.Equal(t, 4, history.calls)
}

func TestBuilderSurfacesHistoryErrors(t *testing.T) {
	history := &fakeHistory{err: errors.New("db locked")}
	builder := NewBuilder(history, Config{}, nil)
	_, err := builder.Build(context.Background(), "s1", "", "goal")
	assert.ErrorContains(t, err, "memory snippet: db locked")

	builder = NewBuilder(nil, Config{}, nil)
	snap, err := builder.Build(context.Background(), "s1", "", "goal")
	require.NoError(t, err)
	assert.Empty(t, snap.MemorySnippet)
	assert.Equal(t, DefaultConscience, snap.Conscience)
	assert.Equal(t, "no workspace", snap.FolderSummaryShort)
}
