package scheduler

import (
	"hash/fnv"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// offsetEvery is an "@every" schedule whose first fire is pushed back by a
// fixed offset. Later fires follow the plain interval.
type offsetEvery struct {
	every cron.ConstantDelaySchedule
	first time.Time
}

func (s offsetEvery) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.every.Next(t)
}

// startupOffset derives a whole-second offset from the job name, so a job keeps the
// same phase across restarts and jobs sharing an interval do not fire
// together.
func startupOffset(name string, every time.Duration) time.Duration {
	window := min(every, maxStartupSpread)
	if window <= 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return time.Duration(h.Sum64() % uint64(window)).Truncate(time.Second)
}

func everyWithOffset(every time.Duration, now time.Time, name string) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	off := startupOffset(name, every)
	if off == 0 {
		return base, 0
	}
	return offsetEvery{every: base, first: now.Add(every + off)}, off
}
