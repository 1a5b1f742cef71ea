// Package registry enumerates job definitions from the jobs root and owns
// create/replace/delete of job folders. The filesystem is the source of
// truth; scans materialize Job records on demand with a short-lived cache
// so a burst of reads within one poll cycle hits disk once.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"jobhost/internal/config"
	"jobhost/internal/jobs"
	logx "jobhost/pkg/logx"
)

// StatusFunc reports the live status of a continuous job. The registry has
// no supervisor dependency; the app wires this to the continuous manager.
type StatusFunc func(name string) jobs.Status

type Registry struct {
	snapFn func() *config.Snapshot
	log    logx.Logger

	mu       sync.Mutex
	statusFn StatusFunc
	cache    map[jobs.Kind]*cacheEntry
}

type cacheEntry struct {
	jobs []jobs.Job
	at   time.Time
}

func New(snapFn func() *config.Snapshot, log logx.Logger) *Registry {
	return &Registry{
		snapFn: snapFn,
		log:    log,
		cache:  map[jobs.Kind]*cacheEntry{},
	}
}

// SetStatusFunc wires the continuous status source. Optional; without it
// continuous jobs report Idle.
func (r *Registry) SetStatusFunc(fn StatusFunc) {
	r.mu.Lock()
	r.statusFn = fn
	r.mu.Unlock()
}

// List enumerates jobs of a kind, sorted by name. The scan result is cached
// for one poll interval; forceRefresh bypasses the cache.
func (r *Registry) List(kind jobs.Kind, forceRefresh bool) ([]jobs.Job, error) {
	snap := r.snapFn()
	if snap == nil {
		return nil, errors.New("registry: no config snapshot")
	}

	r.mu.Lock()
	if !forceRefresh {
		if e := r.cache[kind]; e != nil && time.Since(e.at) < snap.PollInterval {
			out := append([]jobs.Job(nil), e.jobs...)
			r.mu.Unlock()
			return out, nil
		}
	}
	statusFn := r.statusFn
	r.mu.Unlock()

	list, err := r.scan(snap, kind, statusFn)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[kind] = &cacheEntry{jobs: list, at: time.Now()}
	r.mu.Unlock()
	return append([]jobs.Job(nil), list...), nil
}

// Get returns one job or ErrJobNotFound.
func (r *Registry) Get(kind jobs.Kind, name string) (jobs.Job, error) {
	list, err := r.List(kind, true)
	if err != nil {
		return jobs.Job{}, err
	}
	for _, j := range list {
		if strings.EqualFold(j.Name, name) {
			return j, nil
		}
	}
	return jobs.Job{}, jobs.ErrJobNotFound
}

// VersionHash returns a stable hash of the current job collection, used for
// conditional GET answers by the external facade.
func (r *Registry) VersionHash(kind jobs.Kind) (string, error) {
	list, err := r.List(kind, false)
	if err != nil {
		return "", err
	}
	return jobs.VersionHash(list), nil
}

func (r *Registry) scan(snap *config.Snapshot, kind jobs.Kind, statusFn StatusFunc) ([]jobs.Job, error) {
	root := filepath.Join(snap.JobsRoot, string(kind))
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	list := make([]jobs.Job, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		list = append(list, r.buildJob(snap, kind, e.Name(), statusFn))
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list, nil
}

func (r *Registry) buildJob(snap *config.Snapshot, kind jobs.Kind, name string, statusFn StatusFunc) jobs.Job {
	sourceDir := snap.SourceDir(string(kind), name)
	job := jobs.Job{Base: jobs.Base{Name: name, JobType: kind}}

	settings, err := jobs.LoadSettings(sourceDir)
	if err != nil {
		job.Error = fmt.Sprintf("invalid %s: %v", jobs.SettingsFileName, err)
	}

	script, err := jobs.FindEntryScript(sourceDir)
	if err != nil {
		if job.Error == "" {
			job.Error = err.Error()
		}
	} else {
		job.RunCommand = strings.Join(jobs.RunCommand(sourceDir, script), " ")
	}

	if _, err := os.Stat(filepath.Join(snap.JobDataDir(string(kind), name), jobs.SDKMarkerFileName)); err == nil {
		job.UsingSDK = true
	}

	job.URL, job.ExtraInfoURL = jobs.BuildURLs(snap.BaseURL, kind, name, settings.ExtraInfoURLTemplate())

	switch kind {
	case jobs.KindContinuous:
		status := jobs.StatusIdle
		if statusFn != nil {
			status = statusFn(name)
		}
		meta := &jobs.ContinuousMeta{Status: status}
		if job.URL != "" {
			meta.LogURL = job.URL + "/log"
		}
		job.Continuous = meta
	case jobs.KindTriggered:
		meta := &jobs.TriggeredMeta{}
		if job.URL != "" {
			meta.HistoryURL = job.URL + "/history"
		}
		job.Triggered = meta
	}
	return job
}

// invalidate drops the scan cache after a mutation.
func (r *Registry) invalidate(kind jobs.Kind) {
	r.mu.Lock()
	delete(r.cache, kind)
	r.mu.Unlock()
}

// CreateOrReplaceFromFile creates a job whose folder holds a single script.
// Without replace, an existing job of the same name fails with ErrConflict.
func (r *Registry) CreateOrReplaceFromFile(ctx context.Context, kind jobs.Kind, name, fileName string, content io.Reader, replace bool) (jobs.Job, error) {
	return r.createOrReplace(ctx, kind, name, replace, func(dir string) error {
		f, err := os.OpenFile(filepath.Join(dir, filepath.Base(fileName)), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755)
		if err != nil {
			return err
		}
		_, err = io.Copy(f, content)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		return err
	})
}

// CreateOrReplaceFromZip creates a job from a zip stream extracted into the
// job's source folder.
func (r *Registry) CreateOrReplaceFromZip(ctx context.Context, kind jobs.Kind, name string, archive io.Reader, replace bool) (jobs.Job, error) {
	return r.createOrReplace(ctx, kind, name, replace, func(dir string) error {
		return extractZip(dir, archive)
	})
}

func (r *Registry) createOrReplace(ctx context.Context, kind jobs.Kind, name string, replace bool, populate func(dir string) error) (jobs.Job, error) {
	if err := ctx.Err(); err != nil {
		return jobs.Job{}, err
	}
	if err := validateJobName(name); err != nil {
		return jobs.Job{}, err
	}
	snap := r.snapFn()
	if snap == nil {
		return jobs.Job{}, errors.New("registry: no config snapshot")
	}

	dir := snap.SourceDir(string(kind), name)
	existed := false
	if _, err := os.Stat(dir); err == nil {
		if !replace {
			return jobs.Job{}, fmt.Errorf("%w: job %q already exists", jobs.ErrConflict, name)
		}
		existed = true
	}

	if existed {
		if err := os.RemoveAll(dir); err != nil {
			return jobs.Job{}, err
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return jobs.Job{}, err
	}

	if err := populate(dir); err != nil {
		// Compensating delete: never leave a half-written job folder that the
		// next scan would surface as a broken job.
		_ = os.RemoveAll(dir)
		r.invalidate(kind)
		return jobs.Job{}, err
	}

	r.invalidate(kind)
	if !r.log.IsZero() {
		r.log.Info("job deployed", logx.String("job", name), logx.String("kind", string(kind)), logx.Bool("replaced", existed))
	}

	r.mu.Lock()
	statusFn := r.statusFn
	r.mu.Unlock()
	return r.buildJob(snap, kind, name, statusFn), nil
}

// Delete removes the job's source folder and its data directory (working
// copy, logs, history).
func (r *Registry) Delete(kind jobs.Kind, name string) error {
	if err := validateJobName(name); err != nil {
		return err
	}
	snap := r.snapFn()
	if snap == nil {
		return errors.New("registry: no config snapshot")
	}

	dir := snap.SourceDir(string(kind), name)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return jobs.ErrJobNotFound
		}
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if err := os.RemoveAll(snap.JobDataDir(string(kind), name)); err != nil {
		return err
	}
	r.invalidate(kind)
	if !r.log.IsZero() {
		r.log.Info("job deleted", logx.String("job", name), logx.String("kind", string(kind)))
	}
	return nil
}

// Settings returns the job's settings bag.
func (r *Registry) Settings(kind jobs.Kind, name string) (jobs.Settings, error) {
	snap := r.snapFn()
	if snap == nil {
		return jobs.NewSettings(), errors.New("registry: no config snapshot")
	}
	dir := snap.SourceDir(string(kind), name)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return jobs.NewSettings(), jobs.ErrJobNotFound
		}
		return jobs.NewSettings(), err
	}
	return jobs.LoadSettings(dir)
}

// SaveSettings replaces the job's settings bag.
func (r *Registry) SaveSettings(kind jobs.Kind, name string, s jobs.Settings) error {
	snap := r.snapFn()
	if snap == nil {
		return errors.New("registry: no config snapshot")
	}
	dir := snap.SourceDir(string(kind), name)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return jobs.ErrJobNotFound
		}
		return err
	}
	if err := jobs.SaveSettings(dir, s); err != nil {
		return err
	}
	r.invalidate(kind)
	return nil
}

func validateJobName(name string) error {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return fmt.Errorf("invalid job name %q", name)
	}
	return nil
}
