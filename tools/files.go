package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/lexcodex/goalloop/framework"
)

var (
	errBinaryFile   = errors.New("binary file detected")
	errOutsideRoot  = errors.New("path escapes workspace")
	errPathRequired = errors.New("path required")
)

const defaultListLimit = 500

// FileWorkers implements the fs/files.* capabilities, confined to BasePath.
type FileWorkers struct {
	BasePath string
	Backup   bool
	MaxBytes int64

	lock FileLock
}

// Read returns the fs/files.read worker.
func (f *FileWorkers) Read() framework.Worker {
	return framework.WorkerFunc(func(ctx context.Context, params map[string]any) (any, error) {
		path, err := f.preparePath(stringParam(params, "path"))
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			return nil, fmt.Errorf("%s is a directory", f.display(path))
		}
		if f.MaxBytes > 0 && info.Size() > f.MaxBytes {
			return nil, fmt.Errorf("%s is %d bytes, limit %d", f.display(path), info.Size(), f.MaxBytes)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if !isText(data) {
			return nil, errBinaryFile
		}
		return envelope(map[string]any{
			"path":    f.display(path),
			"content": string(data),
			"size":    info.Size(),
			"mode":    info.Mode().String(),
		}), nil
	})
}

// Write returns the fs/files.write worker. Existing files are copied to
// <path>.bak first when Backup is set.
func (f *FileWorkers) Write() framework.Worker {
	return framework.WorkerFunc(func(ctx context.Context, params map[string]any) (any, error) {
		path, err := f.preparePath(stringParam(params, "path"))
		if err != nil {
			return nil, err
		}
		content := stringParam(params, "content")
		var backup string
		err = f.lock.Run(func() error {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if f.Backup {
				if _, err := os.Stat(path); err == nil {
					backup = path + ".bak"
					if err := copyFile(path, backup); err != nil {
						return err
					}
				}
			}
			return os.WriteFile(path, []byte(content), 0o644)
		})
		if err != nil {
			return nil, err
		}
		env := envelope(map[string]any{"path": f.display(path), "bytes": len(content)})
		env.Artifacts = append(env.Artifacts, f.display(path))
		if backup != "" {
			env.Logs = append(env.Logs, "backup written to "+f.display(backup))
		}
		return env, nil
	})
}

// List returns the fs/files.list worker. Pattern is a doublestar glob matched
// against paths relative to directory.
func (f *FileWorkers) List() framework.Worker {
	return framework.WorkerFunc(func(ctx context.Context, params map[string]any) (any, error) {
		dirParam := stringParam(params, "directory")
		if dirParam == "" {
			dirParam = "."
		}
		dir, err := f.preparePath(dirParam)
		if err != nil {
			return nil, err
		}
		pattern := stringParam(params, "pattern")
		if pattern == "" {
			pattern = "**"
		}
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid pattern %q", pattern)
		}
		limit := intParam(params, "limit", defaultListLimit)
		files := []string{}
		truncated := false
		err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() {
				if strings.HasPrefix(d.Name(), ".git") {
					return fs.SkipDir
				}
				return nil
			}
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			if match, _ := doublestar.Match(pattern, filepath.ToSlash(rel)); !match {
				return nil
			}
			if len(files) >= limit {
				truncated = true
				return fs.SkipAll
			}
			files = append(files, f.display(path))
			return nil
		})
		if err != nil {
			return nil, err
		}
		return envelope(map[string]any{"files": files, "truncated": truncated}), nil
	})
}

// preparePath resolves path under BasePath and rejects escapes.
func (f *FileWorkers) preparePath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errPathRequired
	}
	if f.BasePath == "" {
		return filepath.Clean(path), nil
	}
	base, err := filepath.Abs(f.BasePath)
	if err != nil {
		return "", err
	}
	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(base, resolved)
	}
	resolved = filepath.Clean(resolved)
	rel, err := filepath.Rel(base, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", errOutsideRoot, path)
	}
	return resolved, nil
}

// display renders path relative to BasePath when possible.
func (f *FileWorkers) display(path string) string {
	if f.BasePath == "" {
		return filepath.ToSlash(path)
	}
	base, err := filepath.Abs(f.BasePath)
	if err != nil {
		return filepath.ToSlash(path)
	}
	if rel, err := filepath.Rel(base, path); err == nil {
		return filepath.ToSlash(rel)
	}
	return filepath.ToSlash(path)
}

func isText(data []byte) bool {
	if len(data) == 0 {
		return true
	}
	for _, b := range data {
		if b == 0 {
			return false
		}
	}
	return true
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := out.ReadFrom(in); err != nil {
		return err
	}
	return nil
}

// FileLock protects operations that cannot race (write/delete).
type FileLock struct {
	mu sync.Mutex
}

func (l *FileLock) Run(fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn()
}
