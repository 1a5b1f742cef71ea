package jobs

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"
)

// SettingsFileName is the per-job settings file inside the job's source folder.
const SettingsFileName = "settings.job.json"

// Recognized settings keys. Anything else is an extension the host round-trips
// untouched (SDK tooling stores its own keys next to ours).
const (
	SettingIsSingleton          = "is_singleton"
	SettingStoppingWaitTime     = "stopping_wait_time" // seconds
	SettingIsInPlace            = "is_in_place"
	SettingSchedule             = "schedule"
	SettingExtraInfoURLTemplate = "extra_info_url_template"
)

// Settings is a flat key/value bag. Absence of a key means "use the system
// default"; unknown keys are preserved across load/mutate/save cycles.
type Settings struct {
	values map[string]json.RawMessage
}

func NewSettings() Settings {
	return Settings{values: map[string]json.RawMessage{}}
}

func (s Settings) MarshalJSON() ([]byte, error) {
	if s.values == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(s.values)
}

func (s *Settings) UnmarshalJSON(b []byte) error {
	m := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	s.values = m
	return nil
}

// Len reports the number of keys present.
func (s Settings) Len() int { return len(s.values) }

// Has reports whether key is present.
func (s Settings) Has(key string) bool {
	_, ok := s.values[key]
	return ok
}

// Set stores any JSON-serializable value under key.
func (s *Settings) Set(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if s.values == nil {
		s.values = map[string]json.RawMessage{}
	}
	s.values[key] = b
	return nil
}

// Delete removes key if present.
func (s *Settings) Delete(key string) { delete(s.values, key) }

func (s Settings) boolValue(key string) bool {
	raw, ok := s.values[key]
	if !ok {
		return false
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	return v
}

func (s Settings) stringValue(key string) string {
	raw, ok := s.values[key]
	if !ok {
		return ""
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	return v
}

// IsSingleton reports whether at most one instance across the fleet should
// run this job.
func (s Settings) IsSingleton() bool { return s.boolValue(SettingIsSingleton) }

// IsInPlace reports whether the job runs from its source folder directly
// instead of a private working copy.
func (s Settings) IsInPlace() bool { return s.boolValue(SettingIsInPlace) }

// Schedule returns the job's cron expression, or "" when unscheduled.
func (s Settings) Schedule() string { return s.stringValue(SettingSchedule) }

// ExtraInfoURLTemplate returns the template for Job.ExtraInfoURL
// (placeholders {jobName} and {jobType}), or "".
func (s Settings) ExtraInfoURLTemplate() string {
	return s.stringValue(SettingExtraInfoURLTemplate)
}

// StoppingWaitTime returns how long a graceful stop is awaited before the
// process is killed. The stored value is in whole seconds.
func (s Settings) StoppingWaitTime(def time.Duration) time.Duration {
	raw, ok := s.values[SettingStoppingWaitTime]
	if !ok {
		return def
	}
	var secs float64
	if err := json.Unmarshal(raw, &secs); err != nil || secs < 0 {
		return def
	}
	return time.Duration(secs * float64(time.Second))
}

// LoadSettings reads a job's settings file. A missing file is not an error:
// it yields empty settings (all defaults).
func LoadSettings(jobDir string) (Settings, error) {
	b, err := os.ReadFile(filepath.Join(jobDir, SettingsFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewSettings(), nil
		}
		return NewSettings(), err
	}
	var s Settings
	if err := json.Unmarshal(b, &s); err != nil {
		return NewSettings(), err
	}
	return s, nil
}

// SaveSettings writes a job's settings file atomically.
func SaveSettings(jobDir string, s Settings) error {
	b, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(jobDir, SettingsFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
