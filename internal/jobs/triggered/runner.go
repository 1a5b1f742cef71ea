// Package triggered invokes triggered jobs on demand or on schedule and
// maintains each job's bounded run history. One run per job at a time;
// overlapping invocations are rejected, never queued.
package triggered

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"jobhost/internal/config"
	"jobhost/internal/eventbus"
	"jobhost/internal/jobs"
	"jobhost/internal/procinspect"
	"jobhost/internal/runstore"
	logx "jobhost/pkg/logx"
)

// Blob file names inside a run directory.
const (
	OutputFileName = "output.log"
	ErrorFileName  = "error.log"
)

type Runner struct {
	snapFn func() *config.Snapshot
	store  runstore.Store
	insp   procinspect.Inspector
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time

	mu     sync.Mutex
	active map[string]*activeRun
	scheds map[string]*schedEntry
}

type activeRun struct {
	runID   string
	pid     int32
	done    chan struct{}
	aborted bool
}

func NewRunner(snapFn func() *config.Snapshot, store runstore.Store, insp procinspect.Inspector, bus eventbus.Bus, log logx.Logger) *Runner {
	return &Runner{
		snapFn: snapFn,
		store:  store,
		insp:   insp,
		bus:    bus,
		log:    log,
		now:    time.Now,
		active: map[string]*activeRun{},
		scheds: map[string]*schedEntry{},
	}
}

// Invoke starts one run of the named job and returns its freshly created
// record (status Running). The process runs in the background; completion
// seals the record and trims history.
//
// Rejections, in order: ErrWebJobsStopped when the host policy stops all
// jobs, ErrJobNotFound for an unknown job, ErrNoRunnableScript for a job
// folder without an entry point, ErrConflict while a run is active.
func (r *Runner) Invoke(ctx context.Context, name string, args []string, triggerSource string) (jobs.Run, error) {
	if err := ctx.Err(); err != nil {
		return jobs.Run{}, err
	}
	snap := r.snapFn()
	if snap == nil {
		return jobs.Run{}, errors.New("triggered: no config snapshot")
	}
	if snap.WebJobsStopped {
		return jobs.Run{}, jobs.ErrWebJobsStopped
	}

	sourceDir := snap.SourceDir(string(jobs.KindTriggered), name)
	if _, err := os.Stat(sourceDir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return jobs.Run{}, jobs.ErrJobNotFound
		}
		return jobs.Run{}, err
	}
	script, err := jobs.FindEntryScript(sourceDir)
	if err != nil {
		return jobs.Run{}, err
	}
	settings, err := jobs.LoadSettings(sourceDir)
	if err != nil {
		return jobs.Run{}, err
	}

	start := r.now()
	run := jobs.Run{
		ID:            jobs.NewRunID(start),
		JobName:       name,
		Status:        jobs.RunStatusRunning,
		StartTime:     start,
		TriggerSource: triggerSource,
	}
	jobURL, _ := jobs.BuildURLs(snap.BaseURL, jobs.KindTriggered, name, "")
	if jobURL != "" {
		run.URL = jobURL + "/history/" + run.ID
		run.OutputURL = run.URL + "/" + OutputFileName
		run.ErrorURL = run.URL + "/" + ErrorFileName
	}

	r.mu.Lock()
	if r.active[name] != nil {
		r.mu.Unlock()
		return jobs.Run{}, fmt.Errorf("%w: job %q is already running", jobs.ErrConflict, name)
	}
	ar := &activeRun{runID: run.ID, done: make(chan struct{})}
	r.active[name] = ar
	r.mu.Unlock()

	release := func() {
		r.mu.Lock()
		if r.active[name] == ar {
			delete(r.active, name)
		}
		r.mu.Unlock()
		close(ar.done)
	}

	runDir := filepath.Join(snap.HistoryDir(name), run.ID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		release()
		return jobs.Run{}, err
	}
	if err := r.store.Put(ctx, run); err != nil {
		release()
		return jobs.Run{}, err
	}

	execDir := sourceDir
	if !settings.IsInPlace() {
		execDir = snap.WorkingDir(string(jobs.KindTriggered), name)
		if err := jobs.SyncWorkingCopy(sourceDir, execDir); err != nil {
			release()
			return jobs.Run{}, err
		}
	}

	outF, err := os.Create(filepath.Join(runDir, OutputFileName))
	if err != nil {
		release()
		return jobs.Run{}, err
	}
	errF, err := os.Create(filepath.Join(runDir, ErrorFileName))
	if err != nil {
		_ = outF.Close()
		release()
		return jobs.Run{}, err
	}

	argv := append(jobs.RunCommand(execDir, script), args...)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = execDir
	cmd.Stdout = outF
	cmd.Stderr = errF
	cmd.Env = append(os.Environ(),
		"WEBJOBS_NAME="+name,
		"WEBJOBS_TYPE="+string(jobs.KindTriggered),
		"WEBJOBS_RUN_ID="+run.ID,
		"WEBJOBS_PATH="+execDir,
		"WEBJOBS_DATA_PATH="+snap.JobDataDir(string(jobs.KindTriggered), name),
	)

	if err := cmd.Start(); err != nil {
		_ = outF.Close()
		_ = errF.Close()
		run.Status = jobs.RunStatusFailed
		run.EndTime = r.now()
		run.Duration = run.EndTime.Sub(run.StartTime)
		_ = r.store.Put(context.WithoutCancel(ctx), run)
		release()
		return jobs.Run{}, err
	}
	r.mu.Lock()
	ar.pid = int32(cmd.Process.Pid)
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Publish(eventbus.Event{
			Type: eventbus.TypeRunStarted,
			Data: eventbus.RunResult{Job: name, RunID: run.ID, Status: string(run.Status)},
		})
	}

	go r.seal(name, run, snap, cmd, ar, outF, errF, release)
	return run, nil
}

// seal waits for the process, finalizes the run record, and trims history.
func (r *Runner) seal(name string, run jobs.Run, snap *config.Snapshot, cmd *exec.Cmd, ar *activeRun, outF, errF *os.File, release func()) {
	waitErr := cmd.Wait()
	_ = outF.Close()
	_ = errF.Close()

	r.mu.Lock()
	aborted := ar.aborted
	r.mu.Unlock()

	run.EndTime = r.now()
	run.Duration = run.EndTime.Sub(run.StartTime)
	switch {
	case aborted:
		run.Status = jobs.RunStatusAborted
	case waitErr == nil:
		run.Status = jobs.RunStatusSuccess
	default:
		run.Status = jobs.RunStatusFailed
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.store.Put(ctx, run); err != nil && !r.log.IsZero() {
		r.log.Error("run record seal failed", logx.String("job", name), logx.String("run_id", run.ID), logx.Err(err))
	}
	if _, err := r.store.Trim(ctx, name, snap.HistorySize); err != nil && !r.log.IsZero() {
		r.log.Warn("history trim failed", logx.String("job", name), logx.Err(err))
	}

	release()

	if !r.log.IsZero() {
		r.log.Info("run completed",
			logx.String("job", name),
			logx.String("run_id", run.ID),
			logx.String("status", string(run.Status)),
			logx.Duration("duration", run.Duration),
		)
	}
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{
			Type: eventbus.TypeRunCompleted,
			Data: eventbus.RunResult{Job: name, RunID: run.ID, Status: string(run.Status)},
		})
	}
}

// Abort kills the job's active run; the sealer records it Aborted.
// Without an active run Abort fails with ErrConflict.
func (r *Runner) Abort(name string) error {
	r.mu.Lock()
	ar := r.active[name]
	if ar == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: job %q has no active run", jobs.ErrConflict, name)
	}
	ar.aborted = true
	pid := ar.pid
	r.mu.Unlock()

	if pid > 0 {
		_ = procinspect.KillTree(r.insp, pid)
	}
	return nil
}

// WaitIdle blocks until the named job's active run (if any) completes.
func (r *Runner) WaitIdle(ctx context.Context, name string) error {
	r.mu.Lock()
	ar := r.active[name]
	r.mu.Unlock()
	if ar == nil {
		return nil
	}
	select {
	case <-ar.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// History returns the job's runs most-recent-first.
func (r *Runner) History(ctx context.Context, name string) ([]jobs.Run, error) {
	snap := r.snapFn()
	if snap == nil {
		return nil, errors.New("triggered: no config snapshot")
	}
	if _, err := os.Stat(snap.SourceDir(string(jobs.KindTriggered), name)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, jobs.ErrJobNotFound
		}
		return nil, err
	}
	return r.store.List(ctx, name)
}

// GetRun returns one run record.
func (r *Runner) GetRun(ctx context.Context, name, runID string) (jobs.Run, error) {
	return r.store.Get(ctx, name, runID)
}

// RecoverInterrupted seals runs a previous host process left at Running,
// marking them Aborted. Runs active in this process are skipped. Call it
// once per job at startup, before the job can be invoked again.
func (r *Runner) RecoverInterrupted(ctx context.Context, name string) error {
	runs, err := r.store.List(ctx, name)
	if err != nil {
		return err
	}
	for _, run := range runs {
		if run.Sealed() {
			continue
		}
		r.mu.Lock()
		live := r.active[name] != nil && r.active[name].runID == run.ID
		r.mu.Unlock()
		if live {
			continue
		}
		run.Status = jobs.RunStatusAborted
		run.EndTime = r.now()
		run.Duration = run.EndTime.Sub(run.StartTime)
		if err := r.store.Put(ctx, run); err != nil {
			return err
		}
		if !r.log.IsZero() {
			r.log.Warn("interrupted run sealed",
				logx.String("job", name), logx.String("run_id", run.ID))
		}
	}
	return nil
}

// Stop aborts all active runs and waits for their sealers.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	for name, s := range r.scheds {
		s.cancel()
		delete(r.scheds, name)
	}
	names := make([]string, 0, len(r.active))
	for name := range r.active {
		names = append(names, name)
	}
	r.mu.Unlock()

	for _, name := range names {
		_ = r.Abort(name)
	}
	for _, name := range names {
		if err := r.WaitIdle(ctx, name); err != nil {
			return err
		}
	}
	return nil
}
