// Package ratelimit applies the publishing quotas: a per-day ceiling, a
// per-run ceiling and a minimum interval between successful publishes.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"

	"postpilot/internal/domain"
)

const (
	DefaultMaxPerDay   = 32
	DefaultMaxPerRun   = 1
	DefaultMinInterval = 60 * time.Second
)

type Config struct {
	// MaxPerDay 0 disables the daily ceiling (limits.max_per_day: 0).
	MaxPerDay int
	MaxPerRun int
}

// Plan splits ordered candidates into the ones to attempt now and the ones
// left pending for a later invocation. Order is preserved in both.
type Plan struct {
	Attempt  []domain.Post
	Deferred []domain.Post
	// Allowed is how many attempts the quotas permit this run.
	Allowed int
	// DayExhausted is set when the daily ceiling was already reached.
	DayExhausted bool
}

func (c Config) Plan(candidates []domain.Post, postedToday int) Plan {
	allowed := c.MaxPerRun
	if allowed <= 0 {
		allowed = DefaultMaxPerRun
	}
	var exhausted bool
	if c.MaxPerDay > 0 {
		left := c.MaxPerDay - postedToday
		if left <= 0 {
			left, exhausted = 0, true
		}
		if left < allowed {
			allowed = left
		}
	}

	n := allowed
	if n > len(candidates) {
		n = len(candidates)
	}
	return Plan{
		Attempt:      candidates[:n:n],
		Deferred:     candidates[n:],
		Allowed:      allowed,
		DayExhausted: exhausted,
	}
}

// Pacer enforces the minimum interval between successful publishes.
// Waits are plain sleeps and are not interrupted by cancellation.
type Pacer struct {
	lim   *rate.Limiter
	now   func() time.Time
	sleep func(time.Duration)
}

// NewPacer returns a pacer allowing one publish per interval. A zero interval
// never waits.
func NewPacer(interval time.Duration) *Pacer {
	p := &Pacer{now: time.Now, sleep: time.Sleep}
	if interval > 0 {
		p.lim = rate.NewLimiter(rate.Every(interval), 1)
	}
	return p
}

// WithClock replaces the time source and sleep function.
func (p *Pacer) WithClock(now func() time.Time, sleep func(time.Duration)) *Pacer {
	if now != nil {
		p.now = now
	}
	if sleep != nil {
		p.sleep = sleep
	}
	return p
}

// Delay reports how long Wait would sleep right now.
func (p *Pacer) Delay() time.Duration {
	if p.lim == nil {
		return 0
	}
	tokens := p.lim.TokensAt(p.now())
	if tokens >= 1 {
		return 0
	}
	return time.Duration((1 - tokens) / float64(p.lim.Limit()) * float64(time.Second))
}

// Wait sleeps until another publish is allowed and returns the time slept.
func (p *Pacer) Wait() time.Duration {
	d := p.Delay()
	if d > 0 {
		p.sleep(d)
	}
	return d
}

// Published records a successful publish at the current time.
func (p *Pacer) Published() {
	if p.lim == nil {
		return
	}
	_ = p.lim.ReserveN(p.now(), 1)
}
