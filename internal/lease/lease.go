// Package lease implements a renewable exclusive lease backed by a single
// JSON file, used to keep singleton jobs single across host instances that
// share the data volume.
//
// The lease is advisory: holders renew on every poll and a competitor takes
// over only after the recorded expiry passes. Writes go through a temp file
// and rename so readers never observe a torn record.
package lease

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrHeld reports that a live lease belongs to another owner.
var ErrHeld = errors.New("lease held by another owner")

// Record is the on-disk lease content.
type Record struct {
	Owner   string    `json:"owner"`
	Expires time.Time `json:"expires"`
}

// Lease is a handle bound to one file path and one owner identity.
// All methods are safe to retry; none hold OS-level locks.
type Lease struct {
	path  string
	owner string
	now   func() time.Time
}

type Option func(*Lease)

// WithClock overrides the wall-clock source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(l *Lease) {
		if now != nil {
			l.now = now
		}
	}
}

func New(path, owner string, opts ...Option) *Lease {
	l := &Lease{path: path, owner: owner, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Lease) Path() string  { return l.path }
func (l *Lease) Owner() string { return l.owner }

// Acquire takes the lease for ttl. It succeeds when no lease file exists,
// when the recorded lease expired, or when we already own it (refresh).
// A live lease owned by someone else returns ErrHeld.
func (l *Lease) Acquire(ttl time.Duration) error {
	rec, err := l.read()
	if err != nil {
		return err
	}
	if rec != nil && rec.Owner != l.owner && l.now().Before(rec.Expires) {
		return fmt.Errorf("%w: %s until %s", ErrHeld, rec.Owner, rec.Expires.Format(time.RFC3339))
	}
	return l.write(ttl)
}

// Renew extends the lease by ttl. Renewal after another owner stole an
// expired lease fails with ErrHeld so the caller stops its workload.
func (l *Lease) Renew(ttl time.Duration) error {
	rec, err := l.read()
	if err != nil {
		return err
	}
	if rec == nil {
		// File vanished; re-acquire rather than fail the holder.
		return l.write(ttl)
	}
	if rec.Owner != l.owner {
		if l.now().Before(rec.Expires) {
			return fmt.Errorf("%w: %s", ErrHeld, rec.Owner)
		}
		// expired foreign lease; steal
	}
	return l.write(ttl)
}

// Release deletes the lease file if we own it. Releasing a lease we do not
// hold is a no-op.
func (l *Lease) Release() error {
	rec, err := l.read()
	if err != nil || rec == nil {
		return err
	}
	if rec.Owner != l.owner {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (l *Lease) read() (*Record, error) {
	b, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		// Corrupt lease file; treat as expired so a healthy owner can recover.
		return nil, nil
	}
	return &rec, nil
}

func (l *Lease) write(ttl time.Duration) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	b, err := json.Marshal(Record{Owner: l.owner, Expires: l.now().Add(ttl)})
	if err != nil {
		return err
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, l.path)
}
