// Package contextual assembles the per-iteration context snapshot: what the
// session did recently, what the workspace looks like and the standing
// guidance the model should follow.
package contextual

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lexcodex/goalloop/framework"
)

const (
	defaultMemoryRuns = 5
	defaultTTL        = 30 * time.Second

	// DefaultConscience is the guidance used when none is configured.
	DefaultConscience = "Work only toward the stated goal.\n" +
		"Prefer the smallest set of tasks that answers it.\n" +
		"Never invent executors, files or results; report failures plainly."
)

// RunHistory is the slice of the run store the builder reads.
type RunHistory interface {
	RecentSessionRuns(ctx context.Context, sessionID string, limit int) ([]framework.RunRecord, error)
}

// Config tunes the builder.
type Config struct {
	Conscience     string        `yaml:"conscience" json:"conscience"`
	ConscienceLite string        `yaml:"conscience_lite" json:"conscience_lite"`
	Ignore         []string      `yaml:"ignore" json:"ignore"`
	MaxEntries     int           `yaml:"max_entries" json:"max_entries"`
	MemoryRuns     int           `yaml:"memory_runs" json:"memory_runs"`
	TTL            time.Duration `yaml:"ttl" json:"ttl"`
}

func (c Config) normalized() Config {
	if strings.TrimSpace(c.Conscience) == "" {
		c.Conscience = DefaultConscience
	}
	if strings.TrimSpace(c.ConscienceLite) == "" {
		c.ConscienceLite = firstLine(c.Conscience)
	}
	if len(c.Ignore) == 0 {
		c.Ignore = DefaultIgnore()
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = defaultMaxEntries
	}
	if c.MemoryRuns <= 0 {
		c.MemoryRuns = defaultMemoryRuns
	}
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}
	return c
}

// Builder implements framework.ContextBuilder. Snapshots are cached per
// session and root so iterations of one run do not rescan the workspace.
type Builder struct {
	History RunHistory
	Config  Config

	cache *framework.Cache[string, framework.ContextSnapshot]
}

var _ framework.ContextBuilder = (*Builder)(nil)

// NewBuilder wires a builder. History may be nil; clock may be nil.
func NewBuilder(history RunHistory, cfg Config, clock framework.Clock) *Builder {
	cfg = cfg.normalized()
	return &Builder{
		History: history,
		Config:  cfg,
		cache:   framework.NewCache[string, framework.ContextSnapshot](cfg.TTL, clock),
	}
}

// Build returns the context snapshot for a session and workspace root.
func (b *Builder) Build(ctx context.Context, sessionID, rootDir, goal string) (framework.ContextSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return framework.ContextSnapshot{}, err
	}
	if b.cache == nil {
		b.Config = b.Config.normalized()
		b.cache = framework.NewCache[string, framework.ContextSnapshot](b.Config.TTL, nil)
	}
	key := sessionID + "|" + rootDir
	return b.cache.GetOrLoad(key, func() (framework.ContextSnapshot, error) {
		return b.assemble(ctx, sessionID, rootDir)
	})
}

// Invalidate drops the cached snapshot so the next Build rescans.
func (b *Builder) Invalidate(sessionID, rootDir string) {
	if b.cache != nil {
		b.cache.Delete(sessionID + "|" + rootDir)
	}
}

func (b *Builder) assemble(ctx context.Context, sessionID, rootDir string) (framework.ContextSnapshot, error) {
	memory, err := b.memorySnippet(ctx, sessionID)
	if err != nil {
		return framework.ContextSnapshot{}, fmt.Errorf("memory snippet: %w", err)
	}
	summary, err := ScanFolder(ctx, rootDir, b.Config.Ignore, b.Config.MaxEntries)
	if err != nil {
		return framework.ContextSnapshot{}, fmt.Errorf("folder summary: %w", err)
	}
	return framework.ContextSnapshot{
		MemorySnippet:      memory,
		FolderSummary:      summary.Long(),
		FolderSummaryShort: summary.Short(),
		Conscience:         b.Config.Conscience,
		ConscienceLite:     b.Config.ConscienceLite,
	}, nil
}

func (b *Builder) memorySnippet(ctx context.Context, sessionID string) (string, error) {
	if b.History == nil || sessionID == "" {
		return "", nil
	}
	runs, err := b.History.RecentSessionRuns(ctx, sessionID, b.Config.MemoryRuns)
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return "", nil
	}
	var sb strings.Builder
	sb.WriteString("Recent runs in this session:")
	for _, run := range runs {
		fmt.Fprintf(&sb, "\n- [%s] %s", run.Status, clip(run.Goal, 120))
		if run.Iterations > 0 {
			fmt.Fprintf(&sb, " (%d iterations)", run.Iterations)
		}
		if run.Error != "" {
			fmt.Fprintf(&sb, " error: %s", clip(run.Error, 80))
		}
	}
	return sb.String(), nil
}

func firstLine(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		return strings.TrimSpace(text[:idx])
	}
	return text
}

func clip(text string, limit int) string {
	text = strings.Join(strings.Fields(text), " ")
	if len(text) <= limit {
		return text
	}
	return text[:limit] + "..."
}
