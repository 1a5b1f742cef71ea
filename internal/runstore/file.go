package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"

	"jobhost/internal/jobs"
	logx "jobhost/pkg/logx"
)

// StatusFileName is the per-run record inside the run directory.
const StatusFileName = "status.json"

// fileStore keeps one directory per run:
//
//	<history>/<runID>/status.json
//	<history>/<runID>/output.log
//	<history>/<runID>/error.log
//
// Run IDs sort lexicographically in start order, so directory listing order
// is history order and Trim needs no index.
type fileStore struct {
	historyDir func(jobName string) string
	log        logx.Logger
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	return &fileStore{historyDir: cfg.HistoryDir, log: log}, nil
}

func (s *fileStore) runDir(jobName, runID string) string {
	return filepath.Join(s.historyDir(jobName), runID)
}

func (s *fileStore) Put(ctx context.Context, run jobs.Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := s.runDir(run.JobName, run.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, StatusFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *fileStore) Get(ctx context.Context, jobName, runID string) (jobs.Run, error) {
	if err := ctx.Err(); err != nil {
		return jobs.Run{}, err
	}
	b, err := os.ReadFile(filepath.Join(s.runDir(jobName, runID), StatusFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return jobs.Run{}, ErrRunNotFound
		}
		return jobs.Run{}, err
	}
	var run jobs.Run
	if err := json.Unmarshal(b, &run); err != nil {
		return jobs.Run{}, err
	}
	return run, nil
}

func (s *fileStore) List(ctx context.Context, jobName string) ([]jobs.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids, err := s.runIDs(jobName)
	if err != nil {
		return nil, err
	}
	// newest first
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))

	runs := make([]jobs.Run, 0, len(ids))
	for _, id := range ids {
		run, err := s.Get(ctx, jobName, id)
		if err != nil {
			// A run dir without a record (crash between mkdir and write) is
			// skipped, not fatal.
			if errors.Is(err, ErrRunNotFound) {
				continue
			}
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func (s *fileStore) Trim(ctx context.Context, jobName string, keep int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if keep < 0 {
		keep = 0
	}
	ids, err := s.runIDs(jobName)
	if err != nil {
		return nil, err
	}
	if len(ids) <= keep {
		return nil, nil
	}
	sort.Strings(ids)
	doomed := ids[:len(ids)-keep]
	removed := make([]string, 0, len(doomed))
	for _, id := range doomed {
		if err := os.RemoveAll(s.runDir(jobName, id)); err != nil {
			if !s.log.IsZero() {
				s.log.Warn("history trim failed", logx.String("job", jobName), logx.String("run_id", id), logx.Err(err))
			}
			continue
		}
		removed = append(removed, id)
	}
	return removed, nil
}

func (s *fileStore) runIDs(jobName string) ([]string, error) {
	entries, err := os.ReadDir(s.historyDir(jobName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

func (s *fileStore) Close() error { return nil }
