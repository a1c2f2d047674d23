package runtime

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lexcodex/goalloop/agents/contextual"
	"github.com/lexcodex/goalloop/agents/iteration"
)

// ConfigDirName is the per-workspace directory holding config and state.
const ConfigDirName = ".goalloop"

// Store drivers.
const (
	StoreSQLite = "sqlite"
	StoreFile   = "file"
)

// ModelConfig selects the language model endpoint.
type ModelConfig struct {
	Endpoint string `yaml:"endpoint"`
	Name     string `yaml:"name"`
	Debug    bool   `yaml:"debug"`
}

// StoreConfig selects where runs are recorded.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path,omitempty"`
}

// ToolsConfig tunes the builtin workers.
type ToolsConfig struct {
	AllowedCommands []string      `yaml:"allowed_commands"`
	CommandTimeout  time.Duration `yaml:"command_timeout"`
	DisableShell    bool          `yaml:"disable_shell"`
}

// LogConfig tunes logging and the telemetry file.
type LogConfig struct {
	Level         string `yaml:"level"`
	NoColor       bool   `yaml:"no_color"`
	TelemetryPath string `yaml:"telemetry_path"`
}

// Config captures every knob shared by the CLI, TUI and server entry points.
// Workspace and ConfigPath are resolved at load time and never persisted.
type Config struct {
	Workspace        string            `yaml:"-"`
	ConfigPath       string            `yaml:"-"`
	Model            ModelConfig       `yaml:"model"`
	Engine           iteration.Options `yaml:"engine"`
	Store            StoreConfig       `yaml:"store"`
	Context          contextual.Config `yaml:"context"`
	Tools            ToolsConfig       `yaml:"tools"`
	Log              LogConfig         `yaml:"log"`
	CapabilitiesPath string            `yaml:"capabilities_path"`
	ServerAddr       string            `yaml:"server_addr"`
}

// ConfigDir returns the state directory of a workspace.
func ConfigDir(workspace string) string {
	return filepath.Join(workspace, ConfigDirName)
}

// DefaultConfigPath returns the config file location of a workspace.
func DefaultConfigPath(workspace string) string {
	return filepath.Join(ConfigDir(workspace), "config.yaml")
}

// DefaultConfig infers sensible defaults for a workspace. An empty workspace
// uses the current directory. The store path is left to Normalize so it
// follows whichever driver the file selects.
func DefaultConfig(workspace string) Config {
	if workspace == "" {
		if cwd, err := os.Getwd(); err == nil {
			workspace = cwd
		} else {
			workspace = "."
		}
	}
	return Config{
		Workspace:  workspace,
		ConfigPath: DefaultConfigPath(workspace),
		Model: ModelConfig{
			Endpoint: "http://localhost:11434",
			Name:     "llama3.1",
		},
		Engine: iteration.DefaultOptions(),
		Store: StoreConfig{
			Driver: StoreSQLite,
		},
		Tools: ToolsConfig{
			CommandTimeout: time.Minute,
		},
		Log: LogConfig{
			Level: "info",
		},
		CapabilitiesPath: filepath.Join(ConfigDirName, "capabilities.yaml"),
		ServerAddr:       ":8080",
	}
}

// Normalize ensures every filesystem path is absolute and fills missing
// defaults so runtime initialization never has to re-check them.
func (c *Config) Normalize() error {
	if c.Workspace == "" {
		return errors.New("workspace path required")
	}
	abs, err := filepath.Abs(c.Workspace)
	if err != nil {
		return fmt.Errorf("resolve workspace: %w", err)
	}
	c.Workspace = abs
	if c.ConfigPath == "" {
		c.ConfigPath = DefaultConfigPath(c.Workspace)
	}
	c.ConfigPath = c.resolve(c.ConfigPath)
	if c.Model.Endpoint == "" {
		c.Model.Endpoint = "http://localhost:11434"
	}
	if c.Model.Name == "" {
		c.Model.Name = "llama3.1"
	}
	c.Engine.Model = c.Model.Name
	if c.Engine.MaxIterations < 1 {
		c.Engine.MaxIterations = iteration.DefaultOptions().MaxIterations
	}
	if c.Engine.CriticSampleRate < 0 || c.Engine.CriticSampleRate > 1 {
		return fmt.Errorf("engine.critic_sample_rate must be within [0,1], got %v", c.Engine.CriticSampleRate)
	}
	switch c.Store.Driver {
	case "":
		c.Store.Driver = StoreSQLite
	case StoreSQLite, StoreFile:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Path == "" {
		if c.Store.Driver == StoreFile {
			c.Store.Path = filepath.Join(ConfigDirName, "runs")
		} else {
			c.Store.Path = filepath.Join(ConfigDirName, "goalloop.db")
		}
	}
	c.Store.Path = c.resolve(c.Store.Path)
	if c.CapabilitiesPath != "" {
		c.CapabilitiesPath = c.resolve(c.CapabilitiesPath)
	}
	if c.Log.TelemetryPath != "" {
		c.Log.TelemetryPath = c.resolve(c.Log.TelemetryPath)
	}
	if c.Tools.CommandTimeout <= 0 {
		c.Tools.CommandTimeout = time.Minute
	}
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	return nil
}

func (c *Config) resolve(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(c.Workspace, path)
}

// LoadConfig reads the workspace config file over the defaults, applies
// environment overrides and normalizes the result. A missing file is not an
// error.
func LoadConfig(workspace, path string) (Config, error) {
	cfg := DefaultConfig(workspace)
	if path != "" {
		cfg.ConfigPath = path
	}
	if err := cfg.LoadFile(cfg.ConfigPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Normalize(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadFile decodes YAML from path into c, keeping values the file omits.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Save persists the config as YAML, creating directories.
func (c Config) Save(path string) error {
	if path == "" {
		return errors.New("config path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ApplyEnv overrides fields from GOALLOOP_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("GOALLOOP_MODEL"); ok && strings.TrimSpace(v) != "" {
		c.Model.Name = strings.TrimSpace(v)
	}
	if v, ok := lookup("GOALLOOP_ENDPOINT"); ok && strings.TrimSpace(v) != "" {
		c.Model.Endpoint = strings.TrimSpace(v)
	}
	if v, ok := lookup("GOALLOOP_MAX_ITERATIONS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("GOALLOOP_MAX_ITERATIONS: %w", err)
		}
		c.Engine.MaxIterations = n
	}
	if v, ok := lookup("GOALLOOP_CONCURRENCY"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("GOALLOOP_CONCURRENCY: %w", err)
		}
		c.Engine.Concurrency = n
	}
	if v, ok := lookup("GOALLOOP_CRITIC_SAMPLE_RATE"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("GOALLOOP_CRITIC_SAMPLE_RATE: %w", err)
		}
		c.Engine.CriticSampleRate = f
	}
	return nil
}
