package continuous

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"jobhost/internal/config"
	"jobhost/internal/eventbus"
	"jobhost/internal/jobs"
	"jobhost/internal/jobs/dirsnap"
	"jobhost/internal/joblog"
	"jobhost/internal/lease"
	"jobhost/internal/procinspect"
	logx "jobhost/pkg/logx"
)

// jobSupervisor drives one continuous job through
// Idle -> Starting -> Running -> {PendingRestart, Stopping} -> Stopped,
// with Running -> Crashed -> Starting on unexpected exit.
type jobSupervisor struct {
	name string
	m    *Manager

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status jobs.Status

	// warnedNoAlwaysOn latches the Always-On warning until the job log
	// rotates, so each log file carries it at most once.
	warnedNoAlwaysOn bool

	logw *joblog.Writer
	jlog logx.Logger
}

func newJobSupervisor(m *Manager, name string) *jobSupervisor {
	return &jobSupervisor{
		name:   name,
		m:      m,
		status: jobs.StatusIdle,
		done:   make(chan struct{}),
	}
}

func (s *jobSupervisor) Status() jobs.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *jobSupervisor) setStatus(st jobs.Status) {
	s.mu.Lock()
	changed := s.status != st
	s.status = st
	s.mu.Unlock()
	if changed && s.m.bus != nil {
		s.m.bus.Publish(eventbus.Event{
			Type: eventbus.TypeJobStatusChanged,
			Data: eventbus.JobStatus{Job: s.name, Kind: string(jobs.KindContinuous), Status: string(st)},
		})
	}
}

func (s *jobSupervisor) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	go func() {
		defer close(s.done)
		s.run(ctx)
	}()
}

func (s *jobSupervisor) cancelRun() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *jobSupervisor) stop() {
	s.cancelRun()
	<-s.done
}

func (s *jobSupervisor) run(ctx context.Context) {
	defer s.setStatus(jobs.StatusStopped)

	snap := s.m.snapFn()
	if snap == nil {
		return
	}
	log := s.m.log.With(logx.String("job", s.name))

	logw, err := joblog.Open(
		filepath.Join(snap.JobDataDir(string(jobs.KindContinuous), s.name), s.name+".log"),
		snap.JobLogMaxBytes,
		joblog.WithOnRotate(func() {
			s.mu.Lock()
			s.warnedNoAlwaysOn = false
			s.mu.Unlock()
		}),
	)
	if err != nil {
		log.Error("job log open failed", logx.Err(err))
		return
	}
	defer logw.Close()
	s.logw = logw
	s.jlog = logw.Logger("info").With(logx.String("job", s.name))

	// Minimum delay between process starts; crash loops burn one token per
	// attempt instead of spinning.
	limiter := rate.NewLimiter(rate.Every(snap.RestartDelay), 1)

	var held *lease.Lease
	defer func() {
		if held != nil {
			_ = held.Release()
		}
	}()

	for ctx.Err() == nil {
		snap = s.m.snapFn()
		if snap == nil {
			return
		}
		sourceDir := snap.SourceDir(string(jobs.KindContinuous), s.name)

		if s.m.disabled(snap, s.name) || snap.WebJobsStopped {
			s.setStatus(jobs.StatusStopped)
			if held != nil {
				_ = held.Release()
				held = nil
			}
			if !sleepCtx(ctx, snap.PollInterval) {
				return
			}
			continue
		}

		settings, err := jobs.LoadSettings(sourceDir)
		if err != nil {
			log.Warn("settings unreadable", logx.Err(err))
		}

		script, err := jobs.FindEntryScript(sourceDir)
		if err != nil {
			s.setStatus(jobs.StatusIdle)
			if !sleepCtx(ctx, snap.PollInterval) {
				return
			}
			continue
		}

		if settings.IsSingleton() {
			if held == nil {
				held = lease.New(filepath.Join(snap.LeaseDir(), s.name+".lock"), snap.InstanceID)
			}
			if err := held.Acquire(leaseTTL(snap)); err != nil {
				if errors.Is(err, lease.ErrHeld) {
					s.setStatus(jobs.StatusStopped)
				} else {
					log.Warn("lease acquire failed", logx.Err(err))
				}
				if !sleepCtx(ctx, snap.PollInterval) {
					return
				}
				continue
			}
		} else if held != nil {
			_ = held.Release()
			held = nil
		}

		runDir := sourceDir
		inPlace := settings.IsInPlace()
		if !inPlace {
			runDir = snap.WorkingDir(string(jobs.KindContinuous), s.name)
			if err := jobs.SyncWorkingCopy(sourceDir, runDir); err != nil {
				log.Error("working copy sync failed", logx.Err(err))
				if !sleepCtx(ctx, snap.PollInterval) {
					return
				}
				continue
			}
		}

		if err := limiter.Wait(ctx); err != nil {
			return
		}

		s.runOnce(ctx, snap, settings, sourceDir, runDir, script, inPlace, held)
	}
}

// runOnce starts the process and polls it until it exits or must be stopped.
func (s *jobSupervisor) runOnce(ctx context.Context, snap *config.Snapshot, settings jobs.Settings, sourceDir, runDir, script string, inPlace bool, held *lease.Lease) {
	s.setStatus(jobs.StatusStarting)

	argv := jobs.RunCommand(runDir, script)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = runDir
	cmd.Stdout = s.logw
	cmd.Stderr = s.logw
	cmd.Env = append(os.Environ(),
		"WEBJOBS_NAME="+s.name,
		"WEBJOBS_TYPE="+string(jobs.KindContinuous),
		"WEBJOBS_PATH="+runDir,
		"WEBJOBS_DATA_PATH="+snap.JobDataDir(string(jobs.KindContinuous), s.name),
	)

	if err := cmd.Start(); err != nil {
		s.setStatus(jobs.StatusCrashed)
		s.jlog.Error("process start failed", logx.Err(err))
		sleepCtx(ctx, snap.PollInterval)
		return
	}
	pid := int32(cmd.Process.Pid)
	s.setStatus(jobs.StatusRunning)
	s.jlog.Info("process started", logx.Int("pid", int(pid)))

	exitCh := make(chan error, 1)
	go func() { exitCh <- cmd.Wait() }()

	sourceSnap := dirsnap.Snapshot(sourceDir)
	workingSnap := dirsnap.Snapshot(runDir)

	stopWait := settings.StoppingWaitTime(snap.StoppingWaitTime)
	ticker := time.NewTicker(snap.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.gracefulStop(pid, exitCh, stopWait)
			return

		case err := <-exitCh:
			s.setStatus(jobs.StatusCrashed)
			s.jlog.Warn("process exited unexpectedly", logx.Err(err))
			return

		case <-ticker.C:
			snap = s.m.snapFn()
			if snap == nil {
				s.gracefulStop(pid, exitCh, stopWait)
				return
			}

			if s.m.disabled(snap, s.name) || snap.WebJobsStopped {
				s.gracefulStop(pid, exitCh, stopWait)
				s.setStatus(jobs.StatusStopped)
				return
			}

			if held != nil {
				if err := held.Renew(leaseTTL(snap)); err != nil {
					s.jlog.Warn("singleton lease lost", logx.Err(err))
					s.gracefulStop(pid, exitCh, stopWait)
					s.setStatus(jobs.StatusStopped)
					return
				}
			}

			if _, err := os.Stat(filepath.Join(sourceDir, script)); err != nil {
				s.jlog.Info("entry script removed from source, stopping")
				s.gracefulStop(pid, exitCh, stopWait)
				s.setStatus(jobs.StatusStopped)
				return
			}

			curSource := dirsnap.Snapshot(sourceDir)
			var changed bool
			var reason string
			if inPlace {
				changed, reason = inPlaceChanged(sourceSnap, curSource)
			} else {
				curWorking := dirsnap.Snapshot(runDir)
				changed, reason = dirsnap.Changed(curSource, curWorking, workingSnap)
				workingSnap = curWorking
			}
			if changed {
				s.jlog.Info("restarting: " + reason)
				s.setStatus(jobs.StatusPendingRestart)
				s.gracefulStop(pid, exitCh, stopWait)
				return
			}
			sourceSnap = curSource

			s.mu.Lock()
			warn := !snap.AlwaysOn && !s.warnedNoAlwaysOn
			if warn {
				s.warnedNoAlwaysOn = true
			}
			s.mu.Unlock()
			if warn {
				s.jlog.Warn("the host may go idle without Always-On; the job will stop with it")
			}
		}
	}
}

// gracefulStop terminates the process, waits up to stopWait for a clean
// exit, then kills the whole tree.
func (s *jobSupervisor) gracefulStop(pid int32, exitCh chan error, stopWait time.Duration) {
	s.setStatus(jobs.StatusStopping)
	_ = procinspect.Terminate(pid)

	select {
	case <-exitCh:
		return
	case <-time.After(stopWait):
	}

	_ = procinspect.KillTree(s.m.insp, pid)
	select {
	case <-exitCh:
	case <-time.After(5 * time.Second):
		s.jlog.Error("process did not exit after kill", logx.Int("pid", int(pid)))
	}
}

func leaseTTL(snap *config.Snapshot) time.Duration {
	// Twice the renew cadence: one missed poll never loses the lease.
	return 2 * snap.PollInterval
}

// inPlaceChanged compares two source snapshots directly; in-place jobs have
// no working copy to diff against.
func inPlaceChanged(prev, cur dirsnap.FileMap) (bool, string) {
	if changed, reason := dirsnap.Changed(cur, prev, prev); changed {
		return true, reason
	}
	for path := range prev {
		if _, ok := cur[path]; !ok {
			return true, "file '" + path + "' has been deleted from source directory"
		}
	}
	return false, ""
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
