// Package joblog owns per-job log files: one file per job, shared by
// supervisor diagnostics and the child process's combined output, rotated
// by size with a single .1 predecessor kept.
package joblog

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	logx "jobhost/pkg/logx"
)

// Writer is a size-rotating log file. It satisfies io.Writer so it can be
// handed to exec.Cmd directly, and exposes a structured Logger over the same
// sink for the supervisor's own lines.
type Writer struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	f        *os.File
	size     int64

	// onRotate fires after the old file has been renamed away, while the
	// writer lock is held. Keep it cheap.
	onRotate func()
}

type Option func(*Writer)

// WithOnRotate registers a rotation callback.
func WithOnRotate(fn func()) Option {
	return func(w *Writer) { w.onRotate = fn }
}

func Open(path string, maxBytes int64, opts ...Option) (*Writer, error) {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	w := &Writer{path: path, maxBytes: maxBytes}
	for _, o := range opts {
		o(w)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.size = info.Size()
	return nil
}

func (w *Writer) Path() string { return w.path }

// Write appends p, rotating first when the write would cross the cap.
// A single write larger than the cap still lands whole in a fresh file.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.maxBytes {
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	}
	n, err := w.f.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *Writer) rotateLocked() error {
	_ = w.f.Close()
	w.f = nil
	if err := os.Rename(w.path, w.path+".1"); err != nil && !os.IsNotExist(err) {
		// Reopen so logging continues even when rotation failed.
		_ = w.open()
		return err
	}
	if err := w.open(); err != nil {
		return err
	}
	if w.onRotate != nil {
		w.onRotate()
	}
	return nil
}

// Rotate forces a rotation regardless of size.
func (w *Writer) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return os.ErrClosed
	}
	return w.rotateLocked()
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// Logger returns a structured logger writing JSON lines into this file.
func (w *Writer) Logger(level string) logx.Logger {
	return logx.NewWriter(w, level)
}

var _ io.Writer = (*Writer)(nil)
