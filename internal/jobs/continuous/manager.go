// Package continuous supervises continuous jobs: one goroutine per job owns
// the process lifecycle, working-copy sync, change detection, and restart
// policy. The manager reconciles the supervisor set against the registry.
package continuous

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"jobhost/internal/config"
	"jobhost/internal/eventbus"
	"jobhost/internal/jobs"
	"jobhost/internal/procinspect"
	logx "jobhost/pkg/logx"
)

// DisabledMarkerFileName persists a job's disabled state across host
// restarts. It lives in the job's data directory, not its source folder,
// so redeploys don't re-enable a deliberately stopped job.
const DisabledMarkerFileName = "disabled.job"

type Manager struct {
	snapFn func() *config.Snapshot
	insp   procinspect.Inspector
	bus    eventbus.Bus
	log    logx.Logger

	mu   sync.Mutex
	jobs map[string]*jobSupervisor
}

func NewManager(snapFn func() *config.Snapshot, insp procinspect.Inspector, bus eventbus.Bus, log logx.Logger) *Manager {
	return &Manager{
		snapFn: snapFn,
		insp:   insp,
		bus:    bus,
		log:    log,
		jobs:   map[string]*jobSupervisor{},
	}
}

// Reconcile aligns running supervisors with the named job set: supervisors
// start for new names and stop for removed ones. Call it on every registry
// refresh tick.
func (m *Manager) Reconcile(ctx context.Context, names []string) {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}

	m.mu.Lock()
	var stopped []*jobSupervisor
	for name, s := range m.jobs {
		if !want[name] {
			delete(m.jobs, name)
			stopped = append(stopped, s)
		}
	}
	var started []*jobSupervisor
	for name := range want {
		if _, ok := m.jobs[name]; ok {
			continue
		}
		s := newJobSupervisor(m, name)
		m.jobs[name] = s
		started = append(started, s)
	}
	m.mu.Unlock()

	for _, s := range stopped {
		s.stop()
	}
	for _, s := range started {
		s.start(ctx)
	}
}

// StatusOf reports the job's surfaced status. Callers only ever see
// Running, Stopped, PendingRestart or PendingAbort; the supervisor's
// transitional states stay internal. Unsupervised jobs are Stopped.
func (m *Manager) StatusOf(name string) jobs.Status {
	m.mu.Lock()
	s := m.jobs[name]
	m.mu.Unlock()
	if s == nil {
		return jobs.StatusStopped
	}
	return surfacedStatus(s.Status())
}

// surfacedStatus collapses internal supervisor states onto the public set.
// Starting is already an active job, Crashed is about to restart, and
// everything else (Idle, Stopping, Stopped) reads as Stopped.
func surfacedStatus(st jobs.Status) jobs.Status {
	switch st {
	case jobs.StatusRunning, jobs.StatusStarting:
		return jobs.StatusRunning
	case jobs.StatusPendingRestart, jobs.StatusCrashed:
		return jobs.StatusPendingRestart
	case jobs.StatusPendingAbort:
		return jobs.StatusPendingAbort
	default:
		return jobs.StatusStopped
	}
}

// Enable clears the disabled marker so the poll loop starts the job on its
// next cycle.
func (m *Manager) Enable(name string) error {
	marker, err := m.markerPath(name)
	if err != nil {
		return err
	}
	if err := os.Remove(marker); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if !m.log.IsZero() {
		m.log.Info("job enabled", logx.String("job", name))
	}
	return nil
}

// Disable writes the disabled marker and flags a running job for abort; the
// poll loop performs the actual stop.
func (m *Manager) Disable(name string) error {
	marker, err := m.markerPath(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(marker), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(marker, []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0o644); err != nil {
		return err
	}

	m.mu.Lock()
	s := m.jobs[name]
	m.mu.Unlock()
	if s != nil && s.Status() == jobs.StatusRunning {
		s.setStatus(jobs.StatusPendingAbort)
	}
	if !m.log.IsZero() {
		m.log.Info("job disabled", logx.String("job", name))
	}
	return nil
}

// markerPath validates the job exists and resolves its marker location.
func (m *Manager) markerPath(name string) (string, error) {
	snap := m.snapFn()
	if snap == nil {
		return "", errors.New("continuous: no config snapshot")
	}
	if _, err := os.Stat(snap.SourceDir(string(jobs.KindContinuous), name)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", jobs.ErrJobNotFound
		}
		return "", err
	}
	return filepath.Join(snap.JobDataDir(string(jobs.KindContinuous), name), DisabledMarkerFileName), nil
}

func (m *Manager) disabled(snap *config.Snapshot, name string) bool {
	marker := filepath.Join(snap.JobDataDir(string(jobs.KindContinuous), name), DisabledMarkerFileName)
	_, err := os.Stat(marker)
	return err == nil
}

// Stop tears down every supervisor and waits for their processes to exit or
// ctx to expire.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	all := make([]*jobSupervisor, 0, len(m.jobs))
	for name, s := range m.jobs {
		all = append(all, s)
		delete(m.jobs, name)
	}
	m.mu.Unlock()

	for _, s := range all {
		s.cancelRun()
	}
	for _, s := range all {
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
