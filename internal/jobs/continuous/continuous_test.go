package continuous

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"jobhost/internal/config"
	"jobhost/internal/eventbus"
	"jobhost/internal/jobs"
	"jobhost/internal/jobs/dirsnap"
	"jobhost/internal/lease"
	"jobhost/internal/procinspect"
	logx "jobhost/pkg/logx"
)

func newTestManager(t *testing.T) (*Manager, *config.Snapshot) {
	return newTestManagerCfg(t, nil)
}

func newTestManagerCfg(t *testing.T, mutate func(cfg *config.Config)) (*Manager, *config.Snapshot) {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{}
	cfg.Paths.JobsRoot = filepath.Join(root, "jobs")
	cfg.Paths.DataRoot = filepath.Join(root, "data")
	cfg.Jobs.PollInterval = "100ms"
	cfg.Jobs.RestartDelay = "50ms"
	cfg.Jobs.StoppingWaitTime = "500ms"
	if mutate != nil {
		mutate(cfg)
	}
	snap, err := cfg.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	m := NewManager(func() *config.Snapshot { return snap }, procinspect.New(), eventbus.New(), logx.Nop())
	return m, snap
}

func seedContinuous(t *testing.T, snap *config.Snapshot, name, script string) {
	t.Helper()
	dir := snap.SourceDir(string(jobs.KindContinuous), name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "run.sh"), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
}

func waitForStatus(t *testing.T, m *Manager, name string, want jobs.Status, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if m.StatusOf(name) == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("status = %v, want %v", m.StatusOf(name), want)
}

func stopManager(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = m.Stop(ctx)
}

func TestSyncWorkingCopyPreservesTimestamps(t *testing.T) {
	t.Parallel()
	src := t.TempDir()
	work := filepath.Join(t.TempDir(), "working")

	if err := os.MkdirAll(filepath.Join(src, "lib"), 0o755); err != nil {
		t.Fatal(err)
	}
	stamp := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	for _, rel := range []string{"run.sh", "lib/helper.sh"} {
		path := filepath.Join(src, rel)
		if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(path, stamp, stamp); err != nil {
			t.Fatal(err)
		}
	}

	if err := jobs.SyncWorkingCopy(src, work); err != nil {
		t.Fatalf("sync: %v", err)
	}

	// Post-sync, source and working snapshots must compare equal.
	changed, reason := dirsnap.Changed(dirsnap.Snapshot(src), dirsnap.Snapshot(work), dirsnap.Snapshot(work))
	if changed {
		t.Fatalf("fresh copy reported changed: %s", reason)
	}
}

func TestSyncWorkingCopyReplacesStaleFiles(t *testing.T) {
	t.Parallel()
	src := t.TempDir()
	work := filepath.Join(t.TempDir(), "working")

	if err := os.MkdirAll(work, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(work, "stale.sh"), []byte("old"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "run.sh"), []byte("new"), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := jobs.SyncWorkingCopy(src, work); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if _, err := os.Stat(filepath.Join(work, "stale.sh")); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("stale file should be gone")
	}
	if _, err := os.Stat(filepath.Join(work, "run.sh")); err != nil {
		t.Fatalf("run.sh missing: %v", err)
	}
}

func TestInPlaceChanged(t *testing.T) {
	t.Parallel()
	t0 := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	base := dirsnap.FileMap{"run.sh": t0, "data.txt": t0}

	tests := []struct {
		name string
		cur  dirsnap.FileMap
		want bool
	}{
		{"unchanged", dirsnap.FileMap{"run.sh": t0, "data.txt": t0}, false},
		{"modified", dirsnap.FileMap{"run.sh": t0.Add(time.Minute), "data.txt": t0}, true},
		{"added", dirsnap.FileMap{"run.sh": t0, "data.txt": t0, "new.txt": t0}, true},
		{"deleted", dirsnap.FileMap{"run.sh": t0}, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, _ := inPlaceChanged(base, tt.cur)
			if got != tt.want {
				t.Fatalf("changed = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEnableDisableUnknownJob(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)

	if err := m.Enable("ghost"); !errors.Is(err, jobs.ErrJobNotFound) {
		t.Fatalf("Enable = %v, want ErrJobNotFound", err)
	}
	if err := m.Disable("ghost"); !errors.Is(err, jobs.ErrJobNotFound) {
		t.Fatalf("Disable = %v, want ErrJobNotFound", err)
	}
}

func TestDisableWritesMarkerEnableRemovesIt(t *testing.T) {
	t.Parallel()
	m, snap := newTestManager(t)
	seedContinuous(t, snap, "worker", "#!/bin/sh\nexec sleep 30\n")

	if err := m.Disable("worker"); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	marker := filepath.Join(snap.JobDataDir("continuous", "worker"), DisabledMarkerFileName)
	if _, err := os.Stat(marker); err != nil {
		t.Fatalf("marker missing: %v", err)
	}

	if err := m.Enable("worker"); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if _, err := os.Stat(marker); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("marker should be removed")
	}
}

func TestSupervisorRunsAndStopsOnDisable(t *testing.T) {
	t.Parallel()
	m, snap := newTestManager(t)
	seedContinuous(t, snap, "worker", "#!/bin/sh\nexec sleep 30\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Reconcile(ctx, []string{"worker"})
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = m.Stop(sctx)
	}()

	waitForStatus(t, m, "worker", jobs.StatusRunning, 5*time.Second)

	if err := m.Disable("worker"); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	waitForStatus(t, m, "worker", jobs.StatusStopped, 5*time.Second)
}

func TestSupervisorRestartsCrashedProcess(t *testing.T) {
	t.Parallel()
	m, snap := newTestManager(t)
	counter := filepath.Join(t.TempDir(), "count")
	seedContinuous(t, snap, "flaky", "#!/bin/sh\necho run >> "+counter+"\nexit 1\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Reconcile(ctx, []string{"flaky"})
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = m.Stop(sctx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		b, err := os.ReadFile(counter)
		if err == nil && strings.Count(string(b), "run") >= 2 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("process was not restarted after crashing")
}

func TestReconcileStopsRemovedJobs(t *testing.T) {
	t.Parallel()
	m, snap := newTestManager(t)
	seedContinuous(t, snap, "worker", "#!/bin/sh\nexec sleep 30\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Reconcile(ctx, []string{"worker"})
	waitForStatus(t, m, "worker", jobs.StatusRunning, 5*time.Second)

	m.Reconcile(ctx, nil)
	if got := m.StatusOf("worker"); got != jobs.StatusStopped {
		t.Fatalf("status after removal = %v, want Stopped", got)
	}
}

func TestSupervisorRestartsOnSourceChange(t *testing.T) {
	t.Parallel()
	m, snap := newTestManager(t)
	marker := filepath.Join(t.TempDir(), "starts")
	seedContinuous(t, snap, "worker", "#!/bin/sh\necho v1 >> "+marker+"\nexec sleep 30\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Reconcile(ctx, []string{"worker"})
	defer stopManager(t, m)

	waitForStatus(t, m, "worker", jobs.StatusRunning, 5*time.Second)

	// Redeploy the entry script; the next poll must stop the process, resync
	// the working copy and start the new version.
	path := filepath.Join(snap.SourceDir("continuous", "worker"), "run.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\necho v2 >> "+marker+"\nexec sleep 30\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	stamp := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, stamp, stamp); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		b, err := os.ReadFile(marker)
		if err == nil && strings.Contains(string(b), "v2") {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("job did not restart with the redeployed script")
}

func TestSingletonHeldElsewhereStaysStopped(t *testing.T) {
	t.Parallel()
	m, snap := newTestManager(t)
	marker := filepath.Join(t.TempDir(), "started")
	seedContinuous(t, snap, "solo", "#!/bin/sh\necho started >> "+marker+"\nexec sleep 30\n")
	settings := jobs.NewSettings()
	if err := settings.Set(jobs.SettingIsSingleton, true); err != nil {
		t.Fatal(err)
	}
	if err := jobs.SaveSettings(snap.SourceDir("continuous", "solo"), settings); err != nil {
		t.Fatal(err)
	}

	other := lease.New(filepath.Join(snap.LeaseDir(), "solo.lock"), "other-host")
	if err := other.Acquire(time.Minute); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Reconcile(ctx, []string{"solo"})
	defer stopManager(t, m)

	waitForStatus(t, m, "solo", jobs.StatusStopped, 5*time.Second)
	time.Sleep(300 * time.Millisecond)
	if _, err := os.Stat(marker); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("process started despite a live foreign lease")
	}
}

func TestSingletonLeaseLossStopsProcess(t *testing.T) {
	t.Parallel()
	m, snap := newTestManager(t)
	seedContinuous(t, snap, "solo", "#!/bin/sh\nexec sleep 30\n")
	settings := jobs.NewSettings()
	if err := settings.Set(jobs.SettingIsSingleton, true); err != nil {
		t.Fatal(err)
	}
	if err := jobs.SaveSettings(snap.SourceDir("continuous", "solo"), settings); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Reconcile(ctx, []string{"solo"})
	defer stopManager(t, m)

	waitForStatus(t, m, "solo", jobs.StatusRunning, 5*time.Second)

	// Another host took the lease over; the next renewal must fail and the
	// local process must be stopped.
	rec, err := json.Marshal(lease.Record{Owner: "other-host", Expires: time.Now().Add(time.Minute)})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(snap.LeaseDir(), "solo.lock"), rec, 0o644); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, m, "solo", jobs.StatusStopped, 5*time.Second)
}

func TestAlwaysOnWarningLoggedOnce(t *testing.T) {
	t.Parallel()
	m, snap := newTestManager(t) // always_on defaults to false
	seedContinuous(t, snap, "worker", "#!/bin/sh\nexec sleep 30\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Reconcile(ctx, []string{"worker"})
	defer stopManager(t, m)

	waitForStatus(t, m, "worker", jobs.StatusRunning, 5*time.Second)

	logPath := filepath.Join(snap.JobDataDir("continuous", "worker"), "worker.log")
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		b, err := os.ReadFile(logPath)
		if err == nil && strings.Count(string(b), "may go idle") >= 1 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	// Several more poll cycles must not repeat it.
	time.Sleep(500 * time.Millisecond)
	b, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(string(b), "may go idle"); n != 1 {
		t.Fatalf("warning count = %d, want 1", n)
	}
}

func TestAlwaysOnWarningRepeatsAfterLogRotation(t *testing.T) {
	t.Parallel()
	m, snap := newTestManagerCfg(t, func(cfg *config.Config) {
		cfg.Jobs.JobLogMaxBytes = 2048
	})
	seedContinuous(t, snap, "chatty",
		"#!/bin/sh\nwhile :; do echo 0123456789012345678901234567890123456789; sleep 0.05; done\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Reconcile(ctx, []string{"chatty"})
	defer stopManager(t, m)

	logPath := filepath.Join(snap.JobDataDir("continuous", "chatty"), "chatty.log")
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		total := 0
		for _, p := range []string{logPath, logPath + ".1"} {
			if b, err := os.ReadFile(p); err == nil {
				total += strings.Count(string(b), "may go idle")
			}
		}
		if total >= 2 {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("warning was not re-issued after log rotation")
}

func TestStatusOfSurfacesBoundedSet(t *testing.T) {
	t.Parallel()
	cases := map[jobs.Status]jobs.Status{
		jobs.StatusIdle:           jobs.StatusStopped,
		jobs.StatusStarting:       jobs.StatusRunning,
		jobs.StatusRunning:        jobs.StatusRunning,
		jobs.StatusPendingRestart: jobs.StatusPendingRestart,
		jobs.StatusPendingAbort:   jobs.StatusPendingAbort,
		jobs.StatusStopping:       jobs.StatusStopped,
		jobs.StatusStopped:        jobs.StatusStopped,
		jobs.StatusCrashed:        jobs.StatusPendingRestart,
	}
	for in, want := range cases {
		if got := surfacedStatus(in); got != want {
			t.Fatalf("surfacedStatus(%v) = %v, want %v", in, got, want)
		}
	}

	m, _ := newTestManager(t)
	if got := m.StatusOf("unknown"); got != jobs.StatusStopped {
		t.Fatalf("StatusOf(unknown) = %v, want Stopped", got)
	}
}

func TestEntryScriptDeletedSettlesStopped(t *testing.T) {
	t.Parallel()
	m, snap := newTestManager(t)
	seedContinuous(t, snap, "worker", "#!/bin/sh\nexec sleep 30\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Reconcile(ctx, []string{"worker"})
	defer stopManager(t, m)

	waitForStatus(t, m, "worker", jobs.StatusRunning, 5*time.Second)

	if err := os.Remove(filepath.Join(snap.SourceDir("continuous", "worker"), "run.sh")); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, m, "worker", jobs.StatusStopped, 5*time.Second)

	time.Sleep(300 * time.Millisecond)
	if got := m.StatusOf("worker"); got != jobs.StatusStopped {
		t.Fatalf("status = %v, want Stopped to persist", got)
	}
}
