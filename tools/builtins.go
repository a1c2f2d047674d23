// Package tools holds the builtin workers registered under the default
// capability namespaces.
package tools

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lexcodex/goalloop/framework"
)

// Executor ids of the builtin workers.
const (
	ExecFilesRead  = "fs/files.read"
	ExecFilesWrite = "fs/files.write"
	ExecFilesList  = "fs/files.list"
	ExecShellRun   = "shell/exec.run"
	ExecAnswerAsk  = "qa/answer.ask"
	ExecEchoSay    = "core/echo.say"
	ExecHTTPGet    = "web/http.get"
)

// Deps carries what the builtin workers need from the runtime.
type Deps struct {
	Root            string
	Model           framework.LanguageModel
	ModelName       string
	MaxTokens       int
	HTTPClient      *http.Client
	Runner          CommandRunner
	AllowedCommands []string
	CommandTimeout  time.Duration
	DisableShell    bool
}

// Builtins returns the static worker table keyed by executor id.
func Builtins(deps Deps) map[string]framework.Worker {
	files := &FileWorkers{BasePath: deps.Root, Backup: true, MaxBytes: 1 << 20}
	table := map[string]framework.Worker{
		ExecFilesRead:  files.Read(),
		ExecFilesWrite: files.Write(),
		ExecFilesList:  files.List(),
		ExecEchoSay:    EchoWorker{},
		ExecHTTPGet:    &HTTPWorker{Client: deps.HTTPClient},
	}
	if !deps.DisableShell {
		table[ExecShellRun] = &ShellWorker{
			Workdir: deps.Root,
			Allowed: deps.AllowedCommands,
			Timeout: deps.CommandTimeout,
			Runner:  deps.Runner,
		}
	}
	if deps.Model != nil {
		table[ExecAnswerAsk] = &AnswerWorker{
			Model:     deps.Model,
			ModelName: deps.ModelName,
			MaxTokens: deps.MaxTokens,
		}
	}
	return table
}

// RegisterBuiltins registers every builtin worker in executor order.
func RegisterBuiltins(registry *framework.WorkerRegistry, deps Deps) error {
	table := Builtins(deps)
	ids := make([]string, 0, len(table))
	for id := range table {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := registry.Register(id, table[id]); err != nil {
			return fmt.Errorf("register builtin %s: %w", id, err)
		}
	}
	return nil
}

func envelope(data any) *framework.Envelope {
	return &framework.Envelope{
		Success:   true,
		Data:      data,
		Artifacts: []string{},
		Logs:      []string{},
	}
}

func stringParam(params map[string]any, key string) string {
	value, ok := params[key]
	if !ok || value == nil {
		return ""
	}
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprint(value)
}

func firstParam(params map[string]any, keys ...string) string {
	for _, key := range keys {
		if value := strings.TrimSpace(stringParam(params, key)); value != "" {
			return value
		}
	}
	return ""
}

func intParam(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case int:
		if v > 0 {
			return v
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	case string:
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
