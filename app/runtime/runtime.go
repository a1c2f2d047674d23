// Package runtime wires configuration, the model client, workers, the run
// store and the context builder into an iteration engine shared by the CLI,
// the TUI and the servers.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/lexcodex/goalloop/agents/contextual"
	"github.com/lexcodex/goalloop/agents/iteration"
	"github.com/lexcodex/goalloop/framework"
	"github.com/lexcodex/goalloop/internal/logging"
	"github.com/lexcodex/goalloop/llm"
	"github.com/lexcodex/goalloop/persistence"
	"github.com/lexcodex/goalloop/tools"
)

// Deps overrides collaborators New would otherwise build from config. Tests
// use it to inject a scripted model or extra workers.
type Deps struct {
	Model      framework.LanguageModel
	Logger     *slog.Logger
	Telemetry  []framework.Telemetry
	HTTPClient *http.Client
	Workers    map[string]framework.Worker
	Clock      framework.Clock
}

// Runtime owns every long-lived component of a workspace.
type Runtime struct {
	Config       Config
	Logger       *slog.Logger
	Model        framework.LanguageModel
	Workers      *framework.WorkerRegistry
	Capabilities *framework.CapabilityIndex
	Store        persistence.Store
	Context      *contextual.Builder
	Engine       *iteration.Engine

	closers []io.Closer
}

// New builds a runtime from a normalized config.
func New(ctx context.Context, cfg Config, deps Deps) (*Runtime, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		var err error
		logger, err = logging.New(os.Stderr, logging.Options{Level: cfg.Log.Level, NoColor: cfg.Log.NoColor})
		if err != nil {
			return nil, err
		}
	}
	rt := &Runtime{Config: cfg, Logger: logger}

	sinks := []framework.Telemetry{framework.SlogTelemetry{Logger: logger}}
	if cfg.Log.TelemetryPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Log.TelemetryPath), 0o755); err != nil {
			return nil, fmt.Errorf("create telemetry directory: %w", err)
		}
		file, err := framework.NewJSONFileTelemetry(cfg.Log.TelemetryPath)
		if err != nil {
			return nil, fmt.Errorf("open telemetry log: %w", err)
		}
		rt.closers = append(rt.closers, file)
		sinks = append(sinks, file)
	}
	sinks = append(sinks, deps.Telemetry...)
	telemetry := framework.MultiplexTelemetry{Sinks: sinks}

	store, err := OpenStore(cfg.Store)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	rt.Store = store
	rt.closers = append(rt.closers, store)

	model := deps.Model
	if model == nil {
		client := llm.NewClient(cfg.Model.Endpoint, cfg.Model.Name)
		client.Logger = logger
		client.SetDebugLogging(cfg.Model.Debug)
		model = client
	}
	rt.Model = llm.NewInstrumentedModel(model, telemetry, cfg.Model.Debug)

	rt.Capabilities = framework.NewCapabilityIndex(
		cfg.CapabilitiesPath,
		framework.NewCache[string, *framework.CapabilitySet](0, deps.Clock),
	)
	set, err := rt.Capabilities.Current()
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("load capabilities: %w", err)
	}
	rt.Workers = framework.NewWorkerRegistry()
	set.Apply(rt.Workers)
	if err := tools.RegisterBuiltins(rt.Workers, tools.Deps{
		Root:            cfg.Workspace,
		Model:           rt.Model,
		ModelName:       cfg.Model.Name,
		MaxTokens:       cfg.Engine.MaxTokens,
		HTTPClient:      deps.HTTPClient,
		AllowedCommands: cfg.Tools.AllowedCommands,
		CommandTimeout:  cfg.Tools.CommandTimeout,
		DisableShell:    cfg.Tools.DisableShell,
	}); err != nil {
		rt.Close()
		return nil, err
	}
	for id, worker := range deps.Workers {
		if err := rt.Workers.Register(id, worker); err != nil {
			rt.Close()
			return nil, err
		}
	}

	rt.Context = contextual.NewBuilder(store, cfg.Context, deps.Clock)
	rt.Engine = &iteration.Engine{
		Model:        rt.Model,
		Workers:      rt.Workers,
		Capabilities: rt.Capabilities,
		Context:      rt.Context,
		Recorder:     store,
		Telemetry:    telemetry,
		Logger:       logger,
		Options:      cfg.Engine,
	}
	logger.Debug("runtime ready",
		"workspace", cfg.Workspace,
		"model", cfg.Model.Name,
		"store", cfg.Store.Driver,
		"executors", len(rt.Workers.Executors()))
	return rt, nil
}

// OpenStore opens the configured run store.
func OpenStore(cfg StoreConfig) (persistence.Store, error) {
	switch cfg.Driver {
	case StoreFile:
		return persistence.NewFileStore(cfg.Path)
	case StoreSQLite, "":
		return persistence.NewSQLiteStore(cfg.Path)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// Close releases resources managed by the runtime.
func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// EngineWith returns a copy of the engine that also emits to extra. The
// servers use it to stream one run's events to one client.
func (r *Runtime) EngineWith(extra framework.Telemetry) *iteration.Engine {
	engine := *r.Engine
	if extra != nil {
		engine.Telemetry = framework.MultiplexTelemetry{Sinks: []framework.Telemetry{r.Engine.Telemetry, extra}}
	}
	return &engine
}

// RunGoal runs a goal rooted at the workspace unless the request names
// another root.
func (r *Runtime) RunGoal(ctx context.Context, req iteration.Request, extra framework.Telemetry) (*iteration.RunResult, error) {
	if req.RootDir == "" {
		req.RootDir = r.Config.Workspace
	}
	started := time.Now()
	result, err := r.EngineWith(extra).Run(ctx, req)
	if result != nil {
		r.Logger.Debug("goal finished",
			"run", result.Run.ID,
			"root", req.RootDir,
			"elapsed", time.Since(started).Round(time.Millisecond))
	}
	return result, err
}

// CapabilityView lists the registered executors with their reservation.
type CapabilityView struct {
	Executor string           `json:"executor"`
	Reserved framework.Intent `json:"reserved,omitempty"`
}

// ListCapabilities reports what the engine can assign right now.
func (r *Runtime) ListCapabilities() ([]CapabilityView, error) {
	set, err := r.Capabilities.Current()
	if err != nil {
		return nil, err
	}
	var out []CapabilityView
	for _, executor := range r.Workers.Executors() {
		view := CapabilityView{Executor: executor}
		if intent, ok := set.ReservedIntent(executor); ok {
			view.Reserved = intent
		}
		out = append(out, view)
	}
	return out, nil
}
