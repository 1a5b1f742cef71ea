package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "jobhost/pkg/logx"
)

// Config is the host configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Policy flags mirror what the platform's settings subsystem would supply;
// the engine only consumes them.
type Config struct {
	Paths   PathsConfig   `json:"paths"`
	Policy  PolicyConfig  `json:"policy"`
	Jobs    JobsConfig    `json:"jobs"`
	Logging LoggingConfig `json:"logging"`

	// RunStore selects where triggered-run history records live.
	// If omitted, the file driver under the data root is used.
	RunStore *RunStoreConfig `json:"run_store,omitempty"`

	// BaseURL is the externally visible base for derived job URLs.
	BaseURL string `json:"base_url,omitempty"`

	// InstanceID identifies this host instance for singleton leases.
	// Defaults to the hostname.
	InstanceID string `json:"instance_id,omitempty"`
}

type PathsConfig struct {
	// JobsRoot holds the job source trees: <jobs_root>/continuous/<name>,
	// <jobs_root>/triggered/<name>.
	JobsRoot string `json:"jobs_root"`
	// DataRoot holds working copies, logs, history and markers.
	DataRoot string `json:"data_root"`
}

type PolicyConfig struct {
	AlwaysOn                bool `json:"always_on"`
	WebJobsStopped          bool `json:"web_jobs_stopped"`
	WebJobsScheduleDisabled bool `json:"web_jobs_schedule_disabled"`
}

type JobsConfig struct {
	// PollInterval drives every continuous job's poll loop and the registry
	// refresh tick.
	PollInterval string `json:"poll_interval,omitempty"`
	// RestartDelay is the minimum delay between crash restarts of a
	// continuous job.
	RestartDelay string `json:"restart_delay,omitempty"`
	// StoppingWaitTime is the default graceful-stop budget; per-job
	// settings override it.
	StoppingWaitTime string `json:"stopping_wait_time,omitempty"`
	// HistorySize caps each triggered job's run history.
	HistorySize int `json:"history_size,omitempty"`
	// JobLogMaxBytes triggers per-job log rotation.
	JobLogMaxBytes int64 `json:"job_log_max_bytes,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"`
	Console bool   `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path,omitempty"`
	} `json:"file"`
}

type RunStoreConfig struct {
	Driver      string `json:"driver"` // "file" (default) or "sqlite"
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// Snapshot is the validated, immutable view components hold. It is rebuilt
// on config reload and handed out whole; nothing reads ambient global state.
type Snapshot struct {
	JobsRoot   string
	DataRoot   string
	BaseURL    string
	InstanceID string

	AlwaysOn                bool
	WebJobsStopped          bool
	WebJobsScheduleDisabled bool

	PollInterval     time.Duration
	RestartDelay     time.Duration
	StoppingWaitTime time.Duration
	HistorySize      int
	JobLogMaxBytes   int64

	Logging logx.Config

	RunStoreDriver      string
	RunStorePath        string
	RunStoreBusyTimeout time.Duration
}

// Defaults applied when fields are omitted/zero.
const (
	DefaultPollInterval     = 10 * time.Second
	DefaultRestartDelay     = 5 * time.Second
	DefaultStoppingWaitTime = 5 * time.Second
	DefaultHistorySize      = 50
	DefaultJobLogMaxBytes   = 1 << 20
)

// Snapshot validates cfg and resolves defaults.
func (c *Config) Snapshot() (*Snapshot, error) {
	if c == nil {
		return nil, errors.New("nil config")
	}
	if strings.TrimSpace(c.Paths.JobsRoot) == "" {
		return nil, errors.New("paths.jobs_root is required")
	}
	if strings.TrimSpace(c.Paths.DataRoot) == "" {
		return nil, errors.New("paths.data_root is required")
	}

	poll, err := ParseDurationOrDefault("jobs.poll_interval", c.Jobs.PollInterval, DefaultPollInterval)
	if err != nil {
		return nil, err
	}
	restart, err := ParseDurationOrDefault("jobs.restart_delay", c.Jobs.RestartDelay, DefaultRestartDelay)
	if err != nil {
		return nil, err
	}
	stopWait, err := ParseDurationOrDefault("jobs.stopping_wait_time", c.Jobs.StoppingWaitTime, DefaultStoppingWaitTime)
	if err != nil {
		return nil, err
	}

	histSize := c.Jobs.HistorySize
	if histSize <= 0 {
		histSize = DefaultHistorySize
	}
	logMax := c.Jobs.JobLogMaxBytes
	if logMax <= 0 {
		logMax = DefaultJobLogMaxBytes
	}

	instance := strings.TrimSpace(c.InstanceID)
	if instance == "" {
		if hn, err := os.Hostname(); err == nil {
			instance = hn
		} else {
			instance = "jobhost"
		}
	}

	snap := &Snapshot{
		JobsRoot:   filepath.Clean(c.Paths.JobsRoot),
		DataRoot:   filepath.Clean(c.Paths.DataRoot),
		BaseURL:    strings.TrimSpace(c.BaseURL),
		InstanceID: instance,

		AlwaysOn:                c.Policy.AlwaysOn,
		WebJobsStopped:          c.Policy.WebJobsStopped,
		WebJobsScheduleDisabled: c.Policy.WebJobsScheduleDisabled,

		PollInterval:     poll,
		RestartDelay:     restart,
		StoppingWaitTime: stopWait,
		HistorySize:      histSize,
		JobLogMaxBytes:   logMax,

		Logging: logx.Config{
			Level:   c.Logging.Level,
			Console: c.Logging.Console,
			File: logx.FileConfig{
				Enabled: c.Logging.File.Enabled,
				Path:    c.Logging.File.Path,
			},
		},

		RunStoreDriver: "file",
	}

	if c.RunStore != nil {
		if d := strings.ToLower(strings.TrimSpace(c.RunStore.Driver)); d != "" {
			snap.RunStoreDriver = d
		}
		snap.RunStorePath = strings.TrimSpace(c.RunStore.Path)
		busy, err := ParseDurationField("run_store.busy_timeout", c.RunStore.BusyTimeout)
		if err != nil {
			return nil, err
		}
		snap.RunStoreBusyTimeout = busy
	}

	// Source and data layout roots.
	if snap.JobsRoot == snap.DataRoot {
		return nil, errors.New("paths.jobs_root and paths.data_root must differ")
	}
	return snap, nil
}

// Layout helpers: every component derives job paths the same way.

func (s *Snapshot) SourceDir(kind, name string) string {
	return filepath.Join(s.JobsRoot, kind, name)
}

func (s *Snapshot) JobDataDir(kind, name string) string {
	return filepath.Join(s.DataRoot, "jobs", kind, name)
}

func (s *Snapshot) WorkingDir(kind, name string) string {
	return filepath.Join(s.JobDataDir(kind, name), "working")
}

func (s *Snapshot) HistoryDir(name string) string {
	return filepath.Join(s.JobDataDir("triggered", name), "history")
}

func (s *Snapshot) LeaseDir() string {
	return filepath.Join(s.DataRoot, "locks")
}
