// Package slot maps the invocation time onto the publishing grid.
//
// Ticks are the activations of a 5-field cron spec evaluated in one fixed zone.
// An invocation is "in a slot" when it runs within a tolerance of a tick; the
// resulting due window starts at the previous window end (the watermark).
package slot

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultSpec      = "*/30 8-23 * * *"
	DefaultTolerance = 15 * time.Minute
	DefaultLookback  = 24 * time.Hour
)

type Config struct {
	Spec      string
	Location  *time.Location
	Tolerance time.Duration
	// Lookback bounds the first window when no watermark exists yet.
	Lookback time.Duration
}

type Resolver struct {
	sched    cron.Schedule
	spec     string
	loc      *time.Location
	tol      time.Duration
	lookback time.Duration
}

// Resolution is the outcome of one slot lookup.
type Resolution struct {
	Now  time.Time
	Tick time.Time
	// Window is (Start, End].
	Start time.Time
	End   time.Time
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func New(cfg Config) (*Resolver, error) {
	spec := strings.TrimSpace(cfg.Spec)
	if spec == "" {
		spec = DefaultSpec
	}
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("slot spec %q: %w", spec, err)
	}
	if cfg.Tolerance < 0 {
		return nil, fmt.Errorf("slot tolerance must be >= 0, got %s", cfg.Tolerance)
	}
	r := &Resolver{
		sched:    sched,
		spec:     spec,
		loc:      cfg.Location,
		tol:      cfg.Tolerance,
		lookback: cfg.Lookback,
	}
	if r.loc == nil {
		r.loc = time.Local
	}
	if r.lookback <= 0 {
		r.lookback = DefaultLookback
	}
	return r, nil
}

func (r *Resolver) Location() *time.Location { return r.loc }
func (r *Resolver) Spec() string             { return r.spec }

// Tick returns the grid tick nearest to now within the tolerance.
// Equidistant ticks resolve to the earlier one.
func (r *Resolver) Tick(now time.Time) (time.Time, bool) {
	n := now.In(r.loc)
	lo, hi := n.Add(-r.tol), n.Add(r.tol)

	var (
		best     time.Time
		bestDist time.Duration
		found    bool
	)
	// Next is strictly after its argument at second granularity.
	for t := r.sched.Next(lo.Add(-time.Second)); !t.IsZero() && !t.After(hi); t = r.sched.Next(t) {
		if t.Before(lo) {
			continue
		}
		d := n.Sub(t)
		if d < 0 {
			d = -d
		}
		if !found || d < bestDist {
			best, bestDist, found = t, d, true
		}
	}
	return best, found
}

// Resolve computes the due window (watermark, now] for an invocation at now.
// The tick only decides whether the invocation is active; a post is never due
// before its scheduled time. The zero watermark means none was recorded.
// ok is false when no tick is active and the invocation should do nothing.
func (r *Resolver) Resolve(now, watermark time.Time) (Resolution, bool) {
	tick, ok := r.Tick(now)
	if !ok {
		return Resolution{Now: now}, false
	}
	n := now.In(r.loc)
	end := n
	start := n.Add(-r.lookback)
	if !watermark.IsZero() {
		start = watermark.In(r.loc)
	}
	if start.After(end) {
		start = end
	}
	return Resolution{Now: n, Tick: tick, Start: start, End: end}, true
}

// Day returns the civil day [start, end) containing t in the resolver zone.
func (r *Resolver) Day(t time.Time) (time.Time, time.Time) {
	l := t.In(r.loc)
	start := time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, r.loc)
	return start, start.AddDate(0, 0, 1)
}

var reOffset = regexp.MustCompile(`^(?:UTC|GMT)?([+-])(\d{1,2}):?(\d{2})$`)

// ParseZone accepts a fixed offset ("+09:00", "UTC+0900") or an IANA name.
// Empty means the process local zone.
func ParseZone(raw string) (*time.Location, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Local, nil
	}
	if m := reOffset.FindStringSubmatch(strings.ToUpper(s)); m != nil {
		hh, _ := strconv.Atoi(m[2])
		mm, _ := strconv.Atoi(m[3])
		if hh > 14 || mm > 59 {
			return nil, fmt.Errorf("invalid zone offset %q", raw)
		}
		off := hh*3600 + mm*60
		if m[1] == "-" {
			off = -off
		}
		return time.FixedZone(s, off), nil
	}
	loc, err := time.LoadLocation(s)
	if err != nil {
		return nil, fmt.Errorf("invalid zone %q: %w", raw, err)
	}
	return loc, nil
}
