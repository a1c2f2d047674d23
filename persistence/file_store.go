package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/lexcodex/goalloop/framework"
)

// FileStore keeps every run as one JSON document under root/runs. It needs no
// database and suits single-shot CLI use and tests.
type FileStore struct {
	root  string
	mu    sync.RWMutex
	cache map[string]*RunDetail
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a store under the provided directory and loads the
// runs already on disk.
func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, errors.New("file store root required")
	}
	dir := filepath.Join(root, "runs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	store := &FileStore{root: dir, cache: make(map[string]*RunDetail)}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

// load hydrates the in-memory cache from disk so runs survive restarts.
func (s *FileStore) load() error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.root, entry.Name()))
		if err != nil {
			return err
		}
		var detail RunDetail
		if err := json.Unmarshal(data, &detail); err != nil {
			return err
		}
		s.cache[detail.Run.RunID] = &detail
	}
	return nil
}

// persist writes one run back to disk after any mutation. Callers hold mu.
func (s *FileStore) persist(detail *RunDetail) error {
	data, err := json.MarshalIndent(detail, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(s.root, detail.Run.RunID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *FileStore) detail(runID string) *RunDetail {
	detail, ok := s.cache[runID]
	if !ok {
		detail = &RunDetail{Run: framework.RunRecord{RunID: runID, Status: RunStatusRunning}}
		s.cache[runID] = detail
	}
	return detail
}

func (s *FileStore) StartRun(ctx context.Context, run framework.Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	detail := s.detail(run.ID)
	detail.Run.SessionID = run.SessionID
	detail.Run.Goal = Redact(run.Goal)
	detail.Run.Status = RunStatusRunning
	detail.Run.StartedAt = run.StartedAt.UTC()
	return s.persist(detail)
}

func (s *FileStore) FinishRun(ctx context.Context, record framework.RunRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	detail := s.detail(record.RunID)
	record.Goal = Redact(record.Goal)
	record.Error = Redact(record.Error)
	if record.StartedAt.IsZero() {
		record.StartedAt = detail.Run.StartedAt
	}
	detail.Run = record
	return s.persist(detail)
}

func (s *FileStore) SaveStage(ctx context.Context, runID string, iteration int, stage framework.StageName, output any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := marshalOutput(output)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	detail := s.detail(runID)
	detail.Stages = append(detail.Stages, StageRecord{
		Iteration: iteration,
		Stage:     stage,
		Output:    data,
		CreatedAt: time.Now().UTC(),
	})
	return s.persist(detail)
}

func (s *FileStore) AppendLedger(ctx context.Context, entry framework.LedgerEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.Error = Redact(entry.Error)
	detail := s.detail(entry.RunID)
	detail.Ledger = append(detail.Ledger, entry)
	return s.persist(detail)
}

func (s *FileStore) AppendEvent(ctx context.Context, runID string, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	detail := s.detail(runID)
	detail.Events = append(detail.Events, EventRecord{Text: Redact(text), CreatedAt: time.Now().UTC()})
	return s.persist(detail)
}

func (s *FileStore) ListRuns(ctx context.Context, limit int) ([]framework.RunRecord, error) {
	return s.runs(ctx, limit, func(framework.RunRecord) bool { return true })
}

func (s *FileStore) RecentSessionRuns(ctx context.Context, sessionID string, limit int) ([]framework.RunRecord, error) {
	if limit <= 0 {
		limit = 5
	}
	return s.runs(ctx, limit, func(rec framework.RunRecord) bool {
		return rec.SessionID == sessionID && rec.Status != RunStatusRunning
	})
}

func (s *FileStore) runs(ctx context.Context, limit int, keep func(framework.RunRecord) bool) ([]framework.RunRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []framework.RunRecord
	for _, detail := range s.cache {
		if keep(detail.Run) {
			out = append(out, detail.Run)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].RunID > out[j].RunID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *FileStore) GetRun(ctx context.Context, runID string) (*RunDetail, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	detail, ok := s.cache[runID]
	if !ok {
		return nil, false, nil
	}
	copied := *detail
	return &copied, true, nil
}

// Close is a no-op; every mutation is already on disk.
func (s *FileStore) Close() error { return nil }
