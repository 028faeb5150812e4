package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrOverlapSkip is reported when a trigger fires while the previous run of
// the same schedule is still in flight.
var ErrOverlapSkip = errors.New("previous run still in progress")

// Job is one scheduled unit of work. ctx is cancelled on Stop or when the
// schedule's timeout elapses.
type Job func(ctx context.Context) error

type scheduleDef struct {
	name          string
	spec          string // cron spec or @every
	timeout       time.Duration
	job           Job
	entryID       cron.EntryID
	startupSpread time.Duration
	state         *runState
}

// runState tracks whether a schedule is in flight.
type runState struct {
	mu       sync.Mutex
	inflight bool
	runs     uint64
	skips    uint64
	lastErr  error
	lastEnd  time.Time
}

func (s *runState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight {
		s.skips++
		return false
	}
	s.inflight = true
	return true
}

func (s *runState) release(err error, end time.Time) {
	s.mu.Lock()
	s.inflight = false
	s.runs++
	s.lastErr = err
	s.lastEnd = end
	s.mu.Unlock()
}

type ScheduleInfo struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Next    time.Time
	Prev    time.Time
	Running bool
	Runs    uint64
	Skips   uint64
	LastErr string
	LastEnd time.Time
}

type Snapshot struct {
	Running   bool
	Timezone  string
	Schedules []ScheduleInfo
}
