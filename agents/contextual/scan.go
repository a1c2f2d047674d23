package contextual

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const defaultMaxEntries = 2000

// DefaultIgnore lists the paths never summarized.
func DefaultIgnore() []string {
	return []string{
		"**/.git/**",
		"**/node_modules/**",
		"**/vendor/**",
		"**/.trash/**",
		".goalloop/**",
	}
}

// FolderSummary is the result of one workspace scan.
type FolderSummary struct {
	Root       string
	Files      int
	Dirs       int
	Truncated  bool
	Extensions map[string]int
	TopLevel   []string
}

// ScanFolder walks root and counts what it finds, skipping anything matched
// by an ignore pattern. Patterns are doublestar globs relative to root.
func ScanFolder(ctx context.Context, root string, ignore []string, maxEntries int) (FolderSummary, error) {
	summary := FolderSummary{Root: root, Extensions: make(map[string]int)}
	if root == "" {
		return summary, nil
	}
	info, err := os.Stat(root)
	if err != nil {
		return summary, err
	}
	if !info.IsDir() {
		return summary, fmt.Errorf("%s is not a directory", root)
	}
	for _, pattern := range ignore {
		if !doublestar.ValidatePattern(pattern) {
			return summary, fmt.Errorf("invalid ignore pattern %q", pattern)
		}
	}
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	seen := 0
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrPermission) {
				return nil
			}
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			// a directory is skipped when its contents would be ignored
			if ignored(ignore, path.Join(rel, "_")) {
				return fs.SkipDir
			}
		} else if ignored(ignore, rel) {
			return nil
		}
		if seen >= maxEntries {
			summary.Truncated = true
			return fs.SkipAll
		}
		seen++
		if !strings.Contains(rel, "/") {
			name := rel
			if d.IsDir() {
				name += "/"
			}
			summary.TopLevel = append(summary.TopLevel, name)
		}
		if d.IsDir() {
			summary.Dirs++
			return nil
		}
		summary.Files++
		ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(rel)), ".")
		if ext == "" {
			ext = "(none)"
		}
		summary.Extensions[ext]++
		return nil
	})
	if err != nil {
		return summary, err
	}
	sort.Strings(summary.TopLevel)
	return summary, nil
}

func ignored(patterns []string, rel string) bool {
	for _, pattern := range patterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

type extCount struct {
	ext   string
	count int
}

// rankedExtensions orders extensions by count, then name.
func (s FolderSummary) rankedExtensions() []extCount {
	out := make([]extCount, 0, len(s.Extensions))
	for ext, count := range s.Extensions {
		out = append(out, extCount{ext: ext, count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].count == out[j].count {
			return out[i].ext < out[j].ext
		}
		return out[i].count > out[j].count
	})
	return out
}

// Long renders the multi-line summary used by the Think prompt.
func (s FolderSummary) Long() string {
	if s.Root == "" {
		return "no workspace"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "root: %s\n", filepath.Base(s.Root))
	fmt.Fprintf(&sb, "files: %d, dirs: %d", s.Files, s.Dirs)
	if s.Truncated {
		sb.WriteString(" (truncated)")
	}
	if ranked := s.rankedExtensions(); len(ranked) > 0 {
		parts := make([]string, 0, len(ranked))
		for i, ec := range ranked {
			if i == 8 {
				parts = append(parts, "...")
				break
			}
			parts = append(parts, fmt.Sprintf("%s: %d", ec.ext, ec.count))
		}
		fmt.Fprintf(&sb, "\nby extension: %s", strings.Join(parts, ", "))
	}
	if len(s.TopLevel) > 0 {
		top := s.TopLevel
		more := ""
		if len(top) > 20 {
			more = fmt.Sprintf(", +%d more", len(top)-20)
			top = top[:20]
		}
		fmt.Fprintf(&sb, "\ntop-level: %s%s", strings.Join(top, ", "), more)
	}
	return sb.String()
}

// Short renders a one-line summary.
func (s FolderSummary) Short() string {
	if s.Root == "" {
		return "no workspace"
	}
	line := fmt.Sprintf("%s: %d files", filepath.Base(s.Root), s.Files)
	if ranked := s.rankedExtensions(); len(ranked) > 0 {
		line += fmt.Sprintf(", mostly .%s", ranked[0].ext)
	}
	return line
}
