// Package app wires the job engine: config manager, logging service, run
// store, registry, continuous supervisors, and the triggered runner, all
// driven by one reconcile loop.
package app

import (
	"context"
	"sync"
	"time"

	"jobhost/internal/config"
	"jobhost/internal/eventbus"
	"jobhost/internal/jobs"
	"jobhost/internal/jobs/continuous"
	"jobhost/internal/jobs/registry"
	"jobhost/internal/jobs/triggered"
	"jobhost/internal/procinspect"
	"jobhost/internal/runstore"
	"jobhost/internal/runtime/supervisor"
	logx "jobhost/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store runstore.Store

	reg  *registry.Registry
	cont *continuous.Manager
	trig *triggered.Runner

	mu   sync.RWMutex
	snap *config.Snapshot
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, err
	}
	snap, err := cfg.Snapshot()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(snap.Logging)
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		snap:    snap,
	}

	store, err := runstore.Open(runstore.Config{
		Driver:      snap.RunStoreDriver,
		Path:        snap.RunStorePath,
		BusyTimeout: snap.RunStoreBusyTimeout,
		HistoryDir:  func(name string) string { return a.Snapshot().HistoryDir(name) },
	}, log.With(logx.String("comp", "runstore")))
	if err != nil {
		return nil, err
	}
	a.store = store

	insp := procinspect.New()
	a.reg = registry.New(a.Snapshot, log.With(logx.String("comp", "registry")))
	a.cont = continuous.NewManager(a.Snapshot, insp, a.bus, log.With(logx.String("comp", "continuous")))
	a.trig = triggered.NewRunner(a.Snapshot, store, insp, a.bus, log.With(logx.String("comp", "triggered")))
	a.reg.SetStatusFunc(a.cont.StatusOf)

	return a, nil
}

// Snapshot returns the current policy snapshot. Components hold the
// function, not the value, so config reloads take effect on their next
// cycle.
func (a *App) Snapshot() *config.Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snap
}

// Registry exposes the job registry for an external facade.
func (a *App) Registry() *registry.Registry { return a.reg }

// Continuous exposes continuous-job control for an external facade.
func (a *App) Continuous() *continuous.Manager { return a.cont }

// Triggered exposes triggered-job control for an external facade.
func (a *App) Triggered() *triggered.Runner { return a.trig }

// Bus exposes engine events for an external facade.
func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) Start(ctx context.Context) error {
	a.recoverInterrupted(ctx)

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	cfgCh := a.cfgm.Subscribe(4)
	a.sup.Go0("config.apply", func(ctx context.Context) {
		defer a.cfgm.Unsubscribe(cfgCh)
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-cfgCh:
				if !ok {
					return
				}
				a.applyConfig(ctx, cfg)
			}
		}
	})

	a.sup.Go0("reconcile", func(ctx context.Context) {
		a.reconcile(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(a.Snapshot().PollInterval):
				a.reconcile(ctx)
			}
		}
	})

	a.log.Info("job engine started",
		logx.String("jobs_root", a.Snapshot().JobsRoot),
		logx.String("data_root", a.Snapshot().DataRoot),
		logx.String("instance", a.Snapshot().InstanceID),
	)
	return nil
}

// recoverInterrupted seals triggered runs a previous host process left at
// Running, so history never shows a run as live across a host restart.
func (a *App) recoverInterrupted(ctx context.Context) {
	trigJobs, err := a.reg.List(jobs.KindTriggered, true)
	if err != nil {
		a.log.Warn("triggered scan failed during recovery", logx.Err(err))
		return
	}
	for _, j := range trigJobs {
		if err := a.trig.RecoverInterrupted(ctx, j.Name); err != nil {
			a.log.Warn("run recovery failed", logx.String("job", j.Name), logx.Err(err))
		}
	}
}

// applyConfig swaps the active snapshot and re-applies dependent services.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	snap, err := cfg.Snapshot()
	if err != nil {
		// The manager validates before publishing; reaching here means the
		// validator was replaced with something weaker.
		a.log.Warn("published config rejected", logx.Err(err))
		return
	}

	a.mu.Lock()
	a.snap = snap
	a.mu.Unlock()

	a.logs.Apply(snap.Logging)
	a.log.Info("config applied",
		logx.Bool("always_on", snap.AlwaysOn),
		logx.Bool("web_jobs_stopped", snap.WebJobsStopped),
		logx.Bool("schedule_disabled", snap.WebJobsScheduleDisabled),
	)
	a.reconcile(ctx)
}

// reconcile aligns supervisors and schedule loops with what the registry
// sees on disk.
func (a *App) reconcile(ctx context.Context) {
	contJobs, err := a.reg.List(jobs.KindContinuous, true)
	if err != nil {
		a.log.Warn("continuous scan failed", logx.Err(err))
	} else {
		names := make([]string, 0, len(contJobs))
		for _, j := range contJobs {
			if j.Valid() {
				names = append(names, j.Name)
			}
		}
		a.cont.Reconcile(ctx, names)
	}

	trigJobs, err := a.reg.List(jobs.KindTriggered, true)
	if err != nil {
		a.log.Warn("triggered scan failed", logx.Err(err))
		return
	}
	schedules := make(map[string]string, len(trigJobs))
	for _, j := range trigJobs {
		if !j.Valid() {
			continue
		}
		settings, err := a.reg.Settings(jobs.KindTriggered, j.Name)
		if err != nil {
			continue
		}
		if expr := settings.Schedule(); expr != "" {
			schedules[j.Name] = expr
		}
	}
	a.trig.ReconcileSchedules(ctx, schedules)
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup != nil {
		a.sup.Cancel()
	}

	var firstErr error
	if err := a.cont.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.trig.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if a.sup != nil {
		if err := a.sup.Wait(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	a.log.Info("job engine stopped")
	_ = a.logs.Close()
	return firstErr
}
