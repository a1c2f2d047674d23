package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// CommandRequest captures process execution metadata.
type CommandRequest struct {
	Workdir string
	Args    []string
	Env     []string
	Input   string
	Timeout time.Duration
}

// CommandRunner executes a command and returns its captured output.
type CommandRunner interface {
	Run(ctx context.Context, req CommandRequest) (stdout string, stderr string, err error)
}

// LocalCommandRunner runs commands directly on the host.
type LocalCommandRunner struct{}

// Run executes the request. The process is killed when ctx ends.
func (LocalCommandRunner) Run(ctx context.Context, req CommandRequest) (string, string, error) {
	if len(req.Args) == 0 {
		return "", "", errors.New("command arguments required")
	}
	execCtx := ctx
	cancel := func() {}
	if req.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	}
	defer cancel()
	cmd := exec.CommandContext(execCtx, req.Args[0], req.Args[1:]...)
	cmd.Dir = req.Workdir
	if len(req.Env) > 0 {
		cmd.Env = append(cmd.Environ(), req.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if req.Input != "" {
		cmd.Stdin = strings.NewReader(req.Input)
	}
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// ShellWorker implements shell/exec.run. Commands are split on whitespace and
// executed without a shell; Allowed, when set, restricts the binary.
type ShellWorker struct {
	Workdir string
	Allowed []string
	Timeout time.Duration
	Runner  CommandRunner
}

// Invoke runs params.command (string) or params.args (list).
func (w *ShellWorker) Invoke(ctx context.Context, params map[string]any) (any, error) {
	args, err := commandArgs(params)
	if err != nil {
		return nil, err
	}
	if err := w.authorize(args[0]); err != nil {
		return nil, err
	}
	runner := w.Runner
	if runner == nil {
		runner = LocalCommandRunner{}
	}
	workdir := w.Workdir
	if sub := stringParam(params, "workdir"); sub != "" {
		files := &FileWorkers{BasePath: w.Workdir}
		if workdir, err = files.preparePath(sub); err != nil {
			return nil, err
		}
	}
	started := time.Now()
	stdout, stderr, runErr := runner.Run(ctx, CommandRequest{
		Workdir: workdir,
		Args:    args,
		Input:   stringParam(params, "input"),
		Timeout: w.Timeout,
	})
	data := map[string]any{
		"command":     strings.Join(args, " "),
		"stdout":      stdout,
		"stderr":      stderr,
		"exit_code":   exitCode(runErr),
		"duration_ms": time.Since(started).Milliseconds(),
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, runErr
		}
		env := envelope(data)
		env.Success = false
		env.Meta.Error = runErr.Error()
		env.Logs = append(env.Logs, lastLines(stderr, 5)...)
		return env, nil
	}
	return envelope(data), nil
}

func (w *ShellWorker) authorize(binary string) error {
	if len(w.Allowed) == 0 {
		return nil
	}
	name := filepath.Base(binary)
	for _, allowed := range w.Allowed {
		if allowed == binary || allowed == name {
			return nil
		}
	}
	return fmt.Errorf("command %s not allowed", name)
}

func commandArgs(params map[string]any) ([]string, error) {
	if raw, ok := params["args"].([]any); ok && len(raw) > 0 {
		args := make([]string, 0, len(raw))
		for _, item := range raw {
			args = append(args, fmt.Sprint(item))
		}
		return args, nil
	}
	if raw, ok := params["args"].([]string); ok && len(raw) > 0 {
		return append([]string(nil), raw...), nil
	}
	args := strings.Fields(stringParam(params, "command"))
	if len(args) == 0 {
		return nil, errors.New("command required")
	}
	return args, nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func lastLines(text string, n int) []string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
