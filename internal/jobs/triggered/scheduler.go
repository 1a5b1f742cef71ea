package triggered

import (
	"context"
	"errors"
	"time"

	"jobhost/internal/jobs"
	"jobhost/pkg/cronsched"
	logx "jobhost/pkg/logx"
)

type schedEntry struct {
	expr   string
	cancel context.CancelFunc
	done   chan struct{}
}

// ReconcileSchedules aligns cron loops with the given name->expression map.
// A changed expression restarts the job's loop; removed jobs lose theirs.
// Call it on every registry refresh tick.
func (r *Runner) ReconcileSchedules(ctx context.Context, schedules map[string]string) {
	r.mu.Lock()
	var stopped []*schedEntry
	for name, e := range r.scheds {
		if expr, ok := schedules[name]; !ok || expr != e.expr {
			delete(r.scheds, name)
			stopped = append(stopped, e)
		}
	}
	for name, expr := range schedules {
		if expr == "" {
			continue
		}
		if _, ok := r.scheds[name]; ok {
			continue
		}
		cctx, cancel := context.WithCancel(ctx)
		e := &schedEntry{expr: expr, cancel: cancel, done: make(chan struct{})}
		r.scheds[name] = e
		go func(name string, e *schedEntry) {
			defer close(e.done)
			r.scheduleLoop(cctx, name, e.expr)
		}(name, e)
	}
	r.mu.Unlock()

	for _, e := range stopped {
		e.cancel()
		<-e.done
	}
}

// scheduleLoop fires the job on its cron schedule until ctx is canceled.
//
// The next interval is computed from the previous run's start time. While
// host-wide schedule execution is disabled the loop idles; on re-enable it
// anchors at now (missed occurrences skipped) so a long disable window does
// not storm the job.
func (r *Runner) scheduleLoop(ctx context.Context, name, expr string) {
	log := r.log.With(logx.String("job", name))

	sched, err := cronsched.New(expr)
	if err != nil {
		log.Warn("schedule not started", logx.Err(err))
		return
	}

	lastStart := r.lastRunStart(ctx, name)
	wasDisabled := false

	for ctx.Err() == nil {
		snap := r.snapFn()
		if snap == nil {
			return
		}
		if snap.WebJobsScheduleDisabled || snap.WebJobsStopped {
			wasDisabled = true
			if !sleepCtx(ctx, snap.PollInterval) {
				return
			}
			continue
		}

		ignoreMissed := wasDisabled
		interval := sched.NextInterval(lastStart, ignoreMissed)
		wasDisabled = false

		// ignoreMissed anchors the interval at now; otherwise it is anchored
		// at the previous start and may already be due.
		wait := interval
		if !ignoreMissed {
			wait = time.Until(lastStart.Add(interval))
		}
		if wait > 0 {
			if !sleepCtx(ctx, wait) {
				return
			}
			continue
		}

		run, err := r.Invoke(ctx, name, nil, "Schedule - "+expr)
		if err != nil {
			if errors.Is(err, jobs.ErrConflict) {
				// Previous run still going; re-evaluate next poll.
				if !sleepCtx(ctx, snap.PollInterval) {
					return
				}
				continue
			}
			log.Warn("scheduled invoke failed", logx.Err(err))
			if !sleepCtx(ctx, snap.PollInterval) {
				return
			}
			continue
		}
		lastStart = run.StartTime
	}
}

// lastRunStart seeds the schedule anchor from persisted history; a job with
// no runs anchors at now.
func (r *Runner) lastRunStart(ctx context.Context, name string) time.Time {
	runs, err := r.store.List(ctx, name)
	if err == nil && len(runs) > 0 {
		return runs[0].StartTime
	}
	return r.now()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
