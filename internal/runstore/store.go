// Package runstore persists triggered-job run records.
//
// Two drivers share one interface: "file" keeps one JSON record per run
// under the job's history directory (the layout external tooling reads),
// "sqlite" keeps an indexed table for deployments that query history a lot.
// Output/error blobs always live on the filesystem next to the run,
// whichever driver holds the records.
package runstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"jobhost/internal/jobs"
	logx "jobhost/pkg/logx"
)

// ErrRunNotFound reports a missing run record.
var ErrRunNotFound = errors.New("run not found")

// Config selects and parameterizes the driver.
type Config struct {
	Driver      string
	Path        string        // sqlite database path
	BusyTimeout time.Duration // sqlite only

	// HistoryDir resolves a job's history directory; the file driver stores
	// records there and both drivers place blobs there.
	HistoryDir func(jobName string) string
}

// Store is the persistence API the triggered-job runner uses.
type Store interface {
	// Put inserts or replaces the record keyed by (JobName, ID).
	Put(ctx context.Context, run jobs.Run) error
	Get(ctx context.Context, jobName, runID string) (jobs.Run, error)
	// List returns the job's runs most-recent-first.
	List(ctx context.Context, jobName string) ([]jobs.Run, error)
	// Trim drops the oldest records beyond keep and returns the removed IDs.
	Trim(ctx context.Context, jobName string, keep int) ([]string, error)
	Close() error
}

// Open initializes the configured store. The file driver is the default.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if cfg.HistoryDir == nil {
		return nil, errors.New("runstore: HistoryDir resolver is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown runstore driver: " + cfg.Driver)
	}
}
