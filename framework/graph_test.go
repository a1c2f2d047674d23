package framework

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func task(id string, deps ...string) Task {
	return Task{ID: id, Name: id, Objective: id, Dependencies: deps}
}

func TestBuildLevelsFanOut(t *testing.T) {
	levels, err := BuildLevels([]Task{task("t1"), task("t2", "t1"), task("t3", "t1")})
	require.NoError(t, err)
	assert.Equal(t, Levels{{"t1"}, {"t2", "t3"}}, levels)
}

func TestBuildLevelsForwardDeclaredDependency(t *testing.T) {
	levels, err := BuildLevels([]Task{task("c", "b"), task("b", "a"), task("a")})
	require.NoError(t, err)
	assert.Equal(t, Levels{{"a"}, {"b"}, {"c"}}, levels)
}

func TestBuildLevelsPlacesEveryTaskAfterItsDependencies(t *testing.T) {
	tasks := []Task{
		task("fetch"),
		task("parse", "fetch"),
		task("index", "parse", "fetch"),
		task("notes"),
		task("report", "index", "notes"),
		task("publish", "report", "report"),
	}
	levels, err := BuildLevels(tasks)
	require.NoError(t, err)

	depth := map[string]int{}
	for i, level := range levels {
		for _, id := range level {
			_, dup := depth[id]
			require.False(t, dup, "task %s placed twice", id)
			depth[id] = i
		}
	}
	require.Len(t, depth, len(tasks))
	for _, tk := range tasks {
		for _, dep := range tk.Dependencies {
			assert.Greater(t, depth[tk.ID], depth[dep], "%s must run after %s", tk.ID, dep)
		}
	}
	assert.ElementsMatch(t, []string{"fetch", "notes"}, levels[0])
}

func TestBuildLevelsRejectsCycles(t *testing.T) {
	_, err := BuildLevels([]Task{task("a", "c"), task("b", "a"), task("c", "b"), task("d")})
	require.ErrorIs(t, err, ErrCyclicDependency)
	assert.Contains(t, err.Error(), "a,b,c")
}

func TestBuildLevelsRejectsBadReferences(t *testing.T) {
	_, err := BuildLevels([]Task{task("a"), task("a")})
	require.ErrorIs(t, err, ErrDuplicateTask)

	_, err = BuildLevels([]Task{task("a", "ghost")})
	require.ErrorIs(t, err, ErrUnknownDependency)
}

func TestBatches(t *testing.T) {
	level := []string{"a", "b", "c", "d", "e"}
	batches := Batches(level, 2)
	require.Len(t, batches, 3)
	var sizes []int
	for _, b := range batches {
		sizes = append(sizes, len(b))
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)
	assert.Equal(t, [][]string{{"a", "b", "c", "d", "e"}}, Batches(level, 10))
	assert.Len(t, Batches(level, 0), 5)
	assert.Empty(t, Batches(nil, 2))
}

func TestFingerprintIgnoresKeyOrder(t *testing.T) {
	a := map[string]any{}
	b := map[string]any{}
	for i := 0; i < 20; i++ {
		a[fmt.Sprintf("k%d", i)] = i
	}
	for i := 19; i >= 0; i-- {
		b[fmt.Sprintf("k%d", i)] = i
	}
	a["nested"] = map[string]any{"x": 1, "y": []any{"p", "q"}}
	b["nested"] = map[string]any{"y": []any{"p", "q"}, "x": 1}

	assert.Equal(t, Fingerprint("qa/answer.ask", a), Fingerprint("qa/answer.ask", b))
	assert.NotEqual(t, Fingerprint("qa/answer.ask", a), Fingerprint("fs/files.read", a))
	assert.Len(t, Fingerprint("core/echo.say", nil), 32)
}
