//go:build sqlite
// +build sqlite

package runstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"jobhost/internal/jobs"
	logx "jobhost/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	// Blobs stay on the filesystem; the resolver is kept for parity with the
	// file driver even though records live in the table.
	historyDir func(jobName string) string
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log, historyDir: cfg.HistoryDir}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Put(ctx context.Context, run jobs.Run) error {
	var end sql.NullString
	if !run.EndTime.IsZero() {
		end = sql.NullString{String: run.EndTime.Format(time.RFC3339Nano), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(job_name, id, status, start_time, end_time, duration_ms, url, output_url, error_url, trigger_source)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(job_name, id) DO UPDATE SET
		   status=excluded.status, end_time=excluded.end_time,
		   duration_ms=excluded.duration_ms, url=excluded.url,
		   output_url=excluded.output_url, error_url=excluded.error_url,
		   trigger_source=excluded.trigger_source`,
		run.JobName, run.ID, string(run.Status),
		run.StartTime.Format(time.RFC3339Nano), end, run.Duration.Milliseconds(),
		run.URL, run.OutputURL, run.ErrorURL, run.TriggerSource,
	)
	return err
}

func (s *sqliteStore) Get(ctx context.Context, jobName, runID string) (jobs.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT job_name, id, status, start_time, end_time, duration_ms, url, output_url, error_url, trigger_source
		 FROM runs WHERE job_name = ? AND id = ?`, jobName, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return jobs.Run{}, ErrRunNotFound
	}
	return run, err
}

func (s *sqliteStore) List(ctx context.Context, jobName string) ([]jobs.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_name, id, status, start_time, end_time, duration_ms, url, output_url, error_url, trigger_source
		 FROM runs WHERE job_name = ? ORDER BY id DESC`, jobName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []jobs.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *sqliteStore) Trim(ctx context.Context, jobName string, keep int) ([]string, error) {
	if keep < 0 {
		keep = 0
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM runs WHERE job_name = ? ORDER BY id DESC LIMIT -1 OFFSET ?`,
		jobName, keep)
	if err != nil {
		return nil, err
	}
	var doomed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		doomed = append(doomed, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	removed := make([]string, 0, len(doomed))
	for _, id := range doomed {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE job_name = ? AND id = ?`, jobName, id); err != nil {
			if !s.log.IsZero() {
				s.log.Warn("history trim failed", logx.String("job", jobName), logx.String("run_id", id), logx.Err(err))
			}
			continue
		}
		// Blob directory goes with the record.
		_ = os.RemoveAll(filepath.Join(s.historyDir(jobName), id))
		removed = append(removed, id)
	}
	return removed, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(r rowScanner) (jobs.Run, error) {
	var (
		run        jobs.Run
		status     string
		start      string
		end        sql.NullString
		durationMS int64
	)
	err := r.Scan(&run.JobName, &run.ID, &status, &start, &end, &durationMS,
		&run.URL, &run.OutputURL, &run.ErrorURL, &run.TriggerSource)
	if err != nil {
		return jobs.Run{}, err
	}
	run.Status = jobs.RunStatus(status)
	run.Duration = time.Duration(durationMS) * time.Millisecond
	if run.StartTime, err = time.Parse(time.RFC3339Nano, start); err != nil {
		return jobs.Run{}, err
	}
	if end.Valid {
		if run.EndTime, err = time.Parse(time.RFC3339Nano, end.String); err != nil {
			return jobs.Run{}, err
		}
	}
	return run, nil
}
