package joblog

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteAppends(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "logs", "job.log")
	w, err := Open(path, 1024)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	for i := 0; i < 3; i++ {
		if _, err := w.Write([]byte("line\n")); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := bytes.Count(b, []byte("line\n")); got != 3 {
		t.Fatalf("lines = %d, want 3", got)
	}
}

func TestRotationBySize(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "job.log")

	rotations := 0
	w, err := Open(path, 32, WithOnRotate(func() { rotations++ }))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	chunk := strings.Repeat("a", 20) + "\n"
	if _, err := w.Write([]byte(chunk)); err != nil {
		t.Fatal(err)
	}
	// Second write crosses the cap and must rotate first.
	if _, err := w.Write([]byte(chunk)); err != nil {
		t.Fatal(err)
	}

	if rotations != 1 {
		t.Fatalf("rotations = %d, want 1", rotations)
	}
	old, err := os.ReadFile(path + ".1")
	if err != nil {
		t.Fatalf("rotated file: %v", err)
	}
	if string(old) != chunk {
		t.Fatalf("rotated content = %q", old)
	}
	cur, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(cur) != chunk {
		t.Fatalf("current content = %q", cur)
	}
}

func TestOversizeWriteLandsWhole(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "job.log")
	w, err := Open(path, 16)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	big := strings.Repeat("x", 64)
	if _, err := w.Write([]byte(big)); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != 64 {
		t.Fatalf("size = %d, want 64", len(b))
	}
}

func TestLoggerWritesJSON(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "job.log")
	w, err := Open(path, 4096)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	log := w.Logger("info")
	log.Info("job started")

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(b, []byte(`"job started"`)) {
		t.Fatalf("log content = %s", b)
	}
}

func TestWriteAfterClose(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "job.log")
	w, err := Open(path, 1024)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("x")); err == nil {
		t.Fatal("expected error writing after close")
	}
}
