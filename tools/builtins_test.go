package tools

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexcodex/goalloop/framework"
)

type recordingRunner struct {
	requests []CommandRequest
	stdout   string
	stderr   string
	err      error
}

func (r *recordingRunner) Run(ctx context.Context, req CommandRequest) (string, string, error) {
	r.requests = append(r.requests, req)
	return r.stdout, r.stderr, r.err
}

func TestRegisterBuiltins(t *testing.T) {
	registry := framework.NewWorkerRegistry()
	framework.DefaultCapabilitySet().Apply(registry)
	model := framework.LanguageModelFunc(func(ctx context.Context, prompt string, options *framework.LLMOptions) (*framework.LLMResponse, error) {
		return &framework.LLMResponse{Text: "42"}, nil
	})
	require.NoError(t, RegisterBuiltins(registry, Deps{Root: t.TempDir(), Model: model}))
	assert.Equal(t, []string{
		ExecEchoSay, ExecFilesList, ExecFilesRead, ExecFilesWrite, ExecAnswerAsk, ExecShellRun, ExecHTTPGet,
	}, registry.Executors())

	_, capability, err := registry.Resolve("qa/answer")
	require.NoError(t, err)
	assert.Equal(t, ExecAnswerAsk, capability.String())

	err = RegisterBuiltins(registry, Deps{})
	assert.ErrorContains(t, err, "already registered")
}

func TestBuiltinsOmitModelAndShellWhenUnavailable(t *testing.T) {
	table := Builtins(Deps{DisableShell: true})
	assert.NotContains(t, table, ExecAnswerAsk)
	assert.NotContains(t, table, ExecShellRun)
	assert.Contains(t, table, ExecEchoSay)
}

func TestAnswerWorker(t *testing.T) {
	var prompt string
	var opts *framework.LLMOptions
	worker := &AnswerWorker{
		ModelName: "llama3.1",
		Model: framework.LanguageModelFunc(func(ctx context.Context, p string, o *framework.LLMOptions) (*framework.LLMResponse, error) {
			prompt, opts = p, o
			return &framework.LLMResponse{Text: "  Paris \n"}, nil
		}),
	}
	env := invoke(t, worker, map[string]any{"query": "capital of France?", "context": "geography"})
	assert.Equal(t, map[string]any{"question": "capital of France?", "answer": "Paris"}, env.Data)
	assert.Contains(t, prompt, "Question: capital of France?")
	assert.Contains(t, prompt, "Context:\ngeography")
	assert.Equal(t, "llama3.1", opts.Model)
	assert.Empty(t, opts.ResponseFormat)

	_, err := worker.Invoke(context.Background(), map[string]any{})
	assert.ErrorContains(t, err, "question required")

	worker.Model = framework.LanguageModelFunc(func(ctx context.Context, p string, o *framework.LLMOptions) (*framework.LLMResponse, error) {
		return nil, errors.New("connection refused")
	})
	_, err = worker.Invoke(context.Background(), map[string]any{"question": "x"})
	assert.ErrorContains(t, err, "answer: connection refused")
}

func TestEchoWorker(t *testing.T) {
	env := invoke(t, EchoWorker{}, map[string]any{"text": "hello"})
	assert.Equal(t, map[string]any{"message": "hello"}, env.Data)

	_, err := EchoWorker{}.Invoke(context.Background(), nil)
	assert.Error(t, err)
}

func TestShellWorker(t *testing.T) {
	runner := &recordingRunner{stdout: "ok\n"}
	worker := &ShellWorker{Workdir: t.TempDir(), Allowed: []string{"go", "ls"}, Runner: runner}

	env := invoke(t, worker, map[string]any{"command": "go test ./..."})
	data := env.Data.(map[string]any)
	assert.Equal(t, "ok\n", data["stdout"])
	assert.Equal(t, 0, data["exit_code"])
	require.Len(t, runner.requests, 1)
	assert.Equal(t, []string{"go", "test", "./..."}, runner.requests[0].Args)

	env = invoke(t, worker, map[string]any{"args": []any{"ls", "-la"}})
	assert.True(t, env.Success)
	assert.Equal(t, []string{"ls", "-la"}, runner.requests[1].Args)

	_, err := worker.Invoke(context.Background(), map[string]any{"command": "rm -rf /"})
	assert.ErrorContains(t, err, "command rm not allowed")

	_, err = worker.Invoke(context.Background(), map[string]any{"command": "  "})
	assert.ErrorContains(t, err, "command required")

	_, err = worker.Invoke(context.Background(), map[string]any{"command": "ls", "workdir": "../.."})
	assert.ErrorIs(t, err, errOutsideRoot)
}

func TestShellWorkerReportsExitStatus(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	worker := &ShellWorker{Workdir: t.TempDir()}
	env := invoke(t, worker, map[string]any{"args": []any{"sh", "-c", "echo broken >&2; exit 3"}})
	assert.False(t, env.Success)
	assert.Equal(t, 3, env.Data.(map[string]any)["exit_code"])
	assert.Equal(t, []string{"broken"}, env.Logs)
	assert.Contains(t, env.Meta.Error, "exit status 3")
}

func TestHTTPWorker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.Error(w, "nope", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(strings.Repeat("a", 32)))
	}))
	defer srv.Close()

	worker := &HTTPWorker{Client: srv.Client(), MaxBytes: 16}
	env := invoke(t, worker, map[string]any{"url": srv.URL + "/page"})
	data := env.Data.(map[string]any)
	assert.True(t, env.Success)
	assert.Equal(t, 200, data["status"])
	assert.Equal(t, strings.Repeat("a", 16), data["body"])
	assert.Equal(t, true, data["truncated"])

	env = invoke(t, worker, map[string]any{"url": srv.URL + "/missing"})
	assert.False(t, env.Success)
	assert.Equal(t, "http status 404", env.Meta.Error)

	_, err := worker.Invoke(context.Background(), map[string]any{"url": "file:///etc/passwd"})
	assert.ErrorContains(t, err, "unsupported scheme")
}
