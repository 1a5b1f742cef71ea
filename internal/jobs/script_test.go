package jobs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeScript(t *testing.T, dir, name string, mode os.FileMode) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\nexit 0\n"), mode); err != nil {
		t.Fatal(err)
	}
}

func TestFindEntryScriptPriority(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		setup func(t *testing.T, dir string)
		want  string
	}{
		{
			name: "run.sh wins over everything",
			setup: func(t *testing.T, dir string) {
				writeScript(t, dir, "run.sh", 0o644)
				writeScript(t, dir, "run", 0o755)
				writeScript(t, dir, "run.py", 0o644)
			},
			want: "run.sh",
		},
		{
			name: "executable run before run.py",
			setup: func(t *testing.T, dir string) {
				writeScript(t, dir, "run", 0o755)
				writeScript(t, dir, "run.py", 0o644)
			},
			want: "run",
		},
		{
			name: "non-executable run is skipped",
			setup: func(t *testing.T, dir string) {
				writeScript(t, dir, "run", 0o644)
				writeScript(t, dir, "run.js", 0o644)
			},
			want: "run.js",
		},
		{
			name: "fallback picks first recognized script alphabetically",
			setup: func(t *testing.T, dir string) {
				writeScript(t, dir, "worker.py", 0o644)
				writeScript(t, dir, "alpha.sh", 0o644)
				writeScript(t, dir, "readme.txt", 0o644)
			},
			want: "alpha.sh",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			tt.setup(t, dir)
			got, err := FindEntryScript(dir)
			if err != nil {
				t.Fatalf("FindEntryScript: %v", err)
			}
			if got != tt.want {
				t.Fatalf("entry = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFindEntryScriptNone(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeScript(t, dir, "notes.txt", 0o644)
	if err := os.Mkdir(filepath.Join(dir, "run.sh.d"), 0o755); err != nil {
		t.Fatal(err)
	}

	_, err := FindEntryScript(dir)
	if !errors.Is(err, ErrNoRunnableScript) {
		t.Fatalf("err = %v, want ErrNoRunnableScript", err)
	}
}

func TestRunCommand(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	argv := RunCommand(dir, "run.sh")
	if len(argv) != 2 || argv[0] != "/bin/sh" || argv[1] != filepath.Join(dir, "run.sh") {
		t.Fatalf("argv = %v", argv)
	}

	argv = RunCommand(dir, "run")
	if len(argv) != 1 || argv[0] != filepath.Join(dir, "run") {
		t.Fatalf("argv = %v", argv)
	}
}
