package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestConfigHelpers(t *testing.T) {
	data := map[string]interface{}{
		"engine": map[string]interface{}{
			"max_iterations": 3,
		},
	}
	value, ok := getConfigValue(data, "engine.max_iterations")
	require.True(t, ok)
	require.Equal(t, 3, value)

	require.NoError(t, setConfigValue(data, "engine.max_iterations", 5))
	value, ok = getConfigValue(data, "engine.max_iterations")
	require.True(t, ok)
	require.Equal(t, 5, value)

	require.NoError(t, setConfigValue(data, "context.memory_runs", 10))
	value, ok = getConfigValue(data, "context.memory_runs")
	require.True(t, ok)
	require.Equal(t, 10, value)

	_, ok = getConfigValue(data, "engine.max_iterations.deeper")
	assert.False(t, ok)
	assert.Error(t, setConfigValue(data, "engine..x", 1))
}

func TestParseAndPrettyValue(t *testing.T) {
	assert.Equal(t, true, parseValue("true"))
	assert.Equal(t, int64(4), parseValue("4"))
	assert.Equal(t, 0.25, parseValue("0.25"))
	assert.Equal(t, "llama3.1", parseValue("llama3.1"))

	assert.Equal(t, "[a, 1]", prettyValue([]interface{}{"a", 1}))
	assert.Equal(t, "name: x", prettyValue(map[string]interface{}{"name": "x"}))
}

func TestConfigInitSetGet(t *testing.T) {
	ws := t.TempDir()

	out, err := execute(t, "--workspace", ws, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join(ws, ".goalloop", "config.yaml"))

	_, err = execute(t, "--workspace", ws, "config", "init")
	assert.ErrorContains(t, err, "already exists")

	out, err = execute(t, "--workspace", ws, "config", "get", "engine.max_iterations")
	require.NoError(t, err)
	assert.Equal(t, "3", strings.TrimSpace(out))

	out, err = execute(t, "--workspace", ws, "config", "set", "engine.max_iterations", "7")
	require.NoError(t, err)
	assert.Equal(t, "engine.max_iterations updated\n", out)

	out, err = execute(t, "--workspace", ws, "config", "get", "engine.max_iterations")
	require.NoError(t, err)
	assert.Equal(t, "7", strings.TrimSpace(out))

	_, err = execute(t, "--workspace", ws, "config", "set", "store.driver", "postgres")
	assert.ErrorContains(t, err, "unknown store driver")
	out, err = execute(t, "--workspace", ws, "config", "get", "store.driver")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", strings.TrimSpace(out))

	_, err = execute(t, "--workspace", ws, "config", "get", "missing.key")
	assert.ErrorContains(t, err, "key missing.key not found")
}

func TestConfigShowReflectsFile(t *testing.T) {
	ws := t.TempDir()
	path := filepath.Join(ws, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("model:\n  name: qwen2.5\n"), 0o644))

	out, err := execute(t, "--workspace", ws, "--config", path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "name: qwen2.5")
	assert.Contains(t, out, "driver: sqlite")
}
