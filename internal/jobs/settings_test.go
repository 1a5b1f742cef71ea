package jobs

import (
	"encoding/json"
	"testing"
	"time"
)

func TestSettingsRoundTripPreservesUnknownKeys(t *testing.T) {
	t.Parallel()
	raw := `{
		"is_singleton": true,
		"stopping_wait_time": 30,
		"schedule": "0 */5 * * * *",
		"vendor_custom": {"nested": [1, 2, 3]},
		"another_extension": "kept"
	}`

	var s Settings
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !s.IsSingleton() {
		t.Fatal("is_singleton not parsed")
	}
	if got := s.StoppingWaitTime(5 * time.Second); got != 30*time.Second {
		t.Fatalf("stopping_wait_time = %v, want 30s", got)
	}
	if got := s.Schedule(); got != "0 */5 * * * *" {
		t.Fatalf("schedule = %q", got)
	}

	// Mutate a recognized key, then round-trip.
	if err := s.Set(SettingIsInPlace, true); err != nil {
		t.Fatal(err)
	}
	out, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var back map[string]json.RawMessage
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"vendor_custom", "another_extension", "is_singleton", "is_in_place"} {
		if _, ok := back[key]; !ok {
			t.Fatalf("key %q dropped in round-trip: %s", key, out)
		}
	}
}

func TestSettingsDefaults(t *testing.T) {
	t.Parallel()
	s := NewSettings()
	if s.IsSingleton() || s.IsInPlace() {
		t.Fatal("zero settings must report defaults")
	}
	if got := s.StoppingWaitTime(5 * time.Second); got != 5*time.Second {
		t.Fatalf("default stopping wait = %v, want 5s", got)
	}
	if s.Schedule() != "" {
		t.Fatal("unscheduled job must report empty schedule")
	}
}

func TestLoadSettingsMissingFile(t *testing.T) {
	t.Parallel()
	s, err := LoadSettings(t.TempDir())
	if err != nil {
		t.Fatalf("missing settings file must not error: %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("expected empty settings, got %d keys", s.Len())
	}
}

func TestSaveLoadSettings(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s := NewSettings()
	if err := s.Set(SettingIsSingleton, true); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(SettingStoppingWaitTime, 12); err != nil {
		t.Fatal(err)
	}
	if err := SaveSettings(dir, s); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := LoadSettings(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !got.IsSingleton() {
		t.Fatal("is_singleton lost")
	}
	if d := got.StoppingWaitTime(0); d != 12*time.Second {
		t.Fatalf("stopping_wait_time = %v, want 12s", d)
	}
}

func TestBuildURLs(t *testing.T) {
	t.Parallel()
	jobURL, extra := BuildURLs("https://host.example/", KindTriggered, "backup", "https://portal/{jobType}/{jobName}")
	if jobURL != "https://host.example/api/triggeredwebjobs/backup" {
		t.Fatalf("jobURL = %q", jobURL)
	}
	if extra != "https://portal/triggered/backup" {
		t.Fatalf("extraInfoURL = %q", extra)
	}

	jobURL, extra = BuildURLs("", KindContinuous, "worker", "")
	if jobURL != "" || extra != "" {
		t.Fatalf("expected empty URLs, got %q %q", jobURL, extra)
	}
}

func TestVersionHashStable(t *testing.T) {
	t.Parallel()
	a := []Job{{Base: Base{Name: "a", JobType: KindContinuous}}}
	b := []Job{{Base: Base{Name: "a", JobType: KindContinuous}}}
	if VersionHash(a) != VersionHash(b) {
		t.Fatal("equal collections must hash equal")
	}
	c := []Job{{Base: Base{Name: "b", JobType: KindContinuous}}}
	if VersionHash(a) == VersionHash(c) {
		t.Fatal("different collections should hash differently")
	}
}
