package runstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"jobhost/internal/jobs"
	logx "jobhost/pkg/logx"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	root := t.TempDir()
	st, err := Open(Config{
		Driver:     "file",
		HistoryDir: func(name string) string { return filepath.Join(root, name, "history") },
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func testRun(name string, start time.Time, status jobs.RunStatus) jobs.Run {
	return jobs.Run{
		ID:        jobs.NewRunID(start),
		JobName:   name,
		Status:    status,
		StartTime: start,
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	run := testRun("backup", start, jobs.RunStatusRunning)
	run.TriggerSource = "External - user"
	if err := st.Put(ctx, run); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := st.Get(ctx, "backup", run.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != jobs.RunStatusRunning || got.TriggerSource != "External - user" {
		t.Fatalf("got = %+v", got)
	}

	// Sealing replaces the record in place.
	run.Status = jobs.RunStatusSuccess
	run.EndTime = start.Add(3 * time.Second)
	run.Duration = 3 * time.Second
	if err := st.Put(ctx, run); err != nil {
		t.Fatalf("Put sealed: %v", err)
	}
	got, err = st.Get(ctx, "backup", run.ID)
	if err != nil {
		t.Fatalf("Get sealed: %v", err)
	}
	if got.Status != jobs.RunStatusSuccess || got.Duration != 3*time.Second {
		t.Fatalf("sealed = %+v", got)
	}
}

func TestGetMissing(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	if _, err := st.Get(context.Background(), "backup", "nope"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("err = %v, want ErrRunNotFound", err)
	}
}

func TestListMostRecentFirst(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if err := st.Put(ctx, testRun("backup", base.Add(time.Duration(i)*time.Minute), jobs.RunStatusSuccess)); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := st.List(ctx, "backup")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("len = %d", len(runs))
	}
	for i := 1; i < len(runs); i++ {
		if runs[i-1].StartTime.Before(runs[i].StartTime) {
			t.Fatalf("not most-recent-first: %v before %v", runs[i-1].StartTime, runs[i].StartTime)
		}
	}
}

func TestListEmptyJob(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	runs, err := st.List(context.Background(), "never-ran")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("runs = %v", runs)
	}
}

func TestTrimKeepsNewest(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		run := testRun("backup", base.Add(time.Duration(i)*time.Minute), jobs.RunStatusSuccess)
		ids = append(ids, run.ID)
		if err := st.Put(ctx, run); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := st.Trim(ctx, "backup", 2)
	if err != nil {
		t.Fatalf("Trim: %v", err)
	}
	if len(removed) != 3 {
		t.Fatalf("removed = %v", removed)
	}
	// Oldest three gone, newest two remain.
	for _, id := range ids[:3] {
		if _, err := st.Get(ctx, "backup", id); !errors.Is(err, ErrRunNotFound) {
			t.Fatalf("run %s should be trimmed", id)
		}
	}
	for _, id := range ids[3:] {
		if _, err := st.Get(ctx, "backup", id); err != nil {
			t.Fatalf("run %s should survive: %v", id, err)
		}
	}
}

func TestTrimUnderCapIsNoop(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.Put(ctx, testRun("backup", time.Now(), jobs.RunStatusSuccess)); err != nil {
		t.Fatal(err)
	}
	removed, err := st.Trim(ctx, "backup", 50)
	if err != nil {
		t.Fatalf("Trim: %v", err)
	}
	if len(removed) != 0 {
		t.Fatalf("removed = %v", removed)
	}
}

func TestListSkipsRecordlessDirs(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	historyDir := func(name string) string { return filepath.Join(root, name, "history") }
	st, err := Open(Config{HistoryDir: historyDir}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := st.Put(ctx, testRun("backup", time.Now(), jobs.RunStatusSuccess)); err != nil {
		t.Fatal(err)
	}
	// Simulate a crash between mkdir and the record write.
	if err := os.MkdirAll(filepath.Join(historyDir("backup"), "19990101000000.000000000"), 0o755); err != nil {
		t.Fatal(err)
	}

	runs, err := st.List(ctx, "backup")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("len = %d, want 1", len(runs))
	}
}
