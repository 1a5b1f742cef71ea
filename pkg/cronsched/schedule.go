package cronsched

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ParseError reports a malformed cron expression.
//
// Registry scans treat this as a per-job definition error (the job is marked
// invalid), never as a fatal condition.
type ParseError struct {
	Expr string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid cron expression %q: %v", e.Expr, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Schedule computes trigger instants for a 6-field cron expression
// (seconds minutes hours day-of-month month day-of-week).
//
// It holds no mutable state besides the injected clock, so a single value is
// safe for concurrent use.
type Schedule struct {
	expr  string
	sched cron.Schedule
	loc   *time.Location
	now   func() time.Time
}

type Option func(*Schedule)

// WithClock overrides the wall-clock source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(s *Schedule) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLocation evaluates the expression in the given zone instead of the
// host's local zone. Wall-clock (DST) semantics follow that zone.
func WithLocation(loc *time.Location) Option {
	return func(s *Schedule) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// Parser accepts the 6-field form with a mandatory seconds field, matching
// the job settings contract. Descriptors (@daily, @every ...) are rejected:
// job schedules are plain cron expressions.
var parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// New parses expr once. Invalid expressions fail construction with *ParseError.
func New(expr string, opts ...Option) (*Schedule, error) {
	s := &Schedule{
		expr: strings.TrimSpace(expr),
		loc:  time.Local,
		now:  time.Now,
	}
	for _, o := range opts {
		o(s)
	}

	// robfig evaluates a spec in the zone baked in at parse time; route the
	// chosen location through the CRON_TZ prefix so Next() works in it.
	spec := s.expr
	if s.loc != time.Local {
		spec = "CRON_TZ=" + s.loc.String() + " " + spec
	}
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, &ParseError{Expr: s.expr, Err: err}
	}
	s.sched = sched
	return s, nil
}

// Expr returns the raw expression the schedule was built from.
func (s *Schedule) Expr() string { return s.expr }

// Next returns the first trigger instant strictly after t.
func (s *Schedule) Next(t time.Time) time.Time {
	return s.sched.Next(t.In(s.loc))
}

// NextInterval computes the duration until the next trigger.
//
// With ignoreMissed=false the calculation is anchored at lastSchedule:
// the returned interval, added to lastSchedule, lands exactly on the next
// cron-matching wall-clock instant. For a long-overdue lastSchedule that
// target is already in the past relative to now, and callers are expected to
// fire immediately and catch up.
//
// With ignoreMissed=true the calculation is anchored at now: occurrences
// missed between lastSchedule and now are skipped, and an occurrence landing
// exactly on now is due immediately (zero interval).
//
// Durations are absolute elapsed time to a wall-clock target, so a nominal
// weekly interval shrinks or grows by the zone's UTC-offset delta across a
// DST transition (167h/169h instead of 168h).
func (s *Schedule) NextInterval(lastSchedule time.Time, ignoreMissed bool) time.Duration {
	now := s.now().In(s.loc)

	if ignoreMissed {
		// Anchor one second before now so a trigger that falls exactly on
		// now counts as due rather than being pushed a full period out.
		next := s.sched.Next(now.Add(-time.Second))
		d := next.Sub(now)
		if d < 0 {
			d = 0
		}
		return d
	}

	last := lastSchedule.In(s.loc)
	return s.sched.Next(last).Sub(last)
}
