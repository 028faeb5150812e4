package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "postpilot/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in    string
		kind  SpecKind
		every time.Duration
		bad   bool
	}{
		{in: "*/30 8-23 * * *", kind: SpecCron},
		{in: "@hourly", kind: SpecCron},
		{in: "cron:0 9 * * 1", kind: SpecCron},
		{in: "30m", kind: SpecInterval, every: 30 * time.Minute},
		{in: "00:30", kind: SpecInterval, every: 30 * time.Minute},
		{in: "every: 2h", kind: SpecInterval, every: 2 * time.Hour},
		{in: "01:75", bad: true},
		{in: "0s", bad: true},
		{in: "sometimes", bad: true},
		{in: "", bad: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tt.in)
			if tt.bad {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSchedule: %v", err)
			}
			if got.Kind != tt.kind || got.Every != tt.every {
				t.Fatalf("got %+v", got)
			}
		})
	}
}

func TestAddScheduleRejectsBadCron(t *testing.T) {
	t.Parallel()
	s := New(time.UTC, logx.Nop())
	if err := s.AddSchedule("run", "61 * * * *", 0, func(context.Context) error { return nil }); err == nil {
		t.Fatalf("bad cron accepted")
	}
	if err := s.AddSchedule("", "@hourly", 0, func(context.Context) error { return nil }); err == nil {
		t.Fatalf("empty name accepted")
	}
}

func TestTriggerSkipsOverlap(t *testing.T) {
	t.Parallel()
	s := New(time.UTC, logx.Nop())
	started := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32
	err := s.AddSchedule("run", "@hourly", time.Minute, func(ctx context.Context) error {
		runs.Add(1)
		close(started)
		<-release
		return nil
	})
	if err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Trigger("run") }()
	<-started

	if err := s.Trigger("run"); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second trigger = %v, want ErrOverlapSkip", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first trigger: %v", err)
	}

	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Runs != 1 || snap.Schedules[0].Skips != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if runs.Load() != 1 {
		t.Fatalf("job ran %d times", runs.Load())
	}
}

func TestTriggerRecoversPanicAndTimeout(t *testing.T) {
	t.Parallel()
	s := New(time.UTC, logx.Nop())
	_ = s.AddSchedule("panics", "@hourly", 0, func(context.Context) error { panic("boom") })
	_ = s.AddSchedule("slow", "@hourly", 20*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	var pe *PanicError
	if err := s.Trigger("panics"); !errors.As(err, &pe) {
		t.Fatalf("expected PanicError, got %v", err)
	}
	if err := s.Trigger("slow"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	if err := s.Trigger("missing"); err == nil {
		t.Fatalf("unknown schedule triggered")
	}
}

func TestStartStopRunsIntervalJobs(t *testing.T) {
	t.Parallel()
	s := New(time.UTC, logx.Nop())
	var runs atomic.Int32
	if err := s.AddSchedule("tick", "@every 1s", 0, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	s.Start(context.Background())
	if !s.Snapshot().Running || s.Snapshot().Schedules[0].Next.IsZero() {
		t.Fatalf("schedule not registered with cron: %+v", s.Snapshot())
	}
	if !s.Remove("tick") || s.Remove("tick") {
		t.Fatalf("Remove should report once")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.Snapshot().Running {
		t.Fatalf("still running after Stop")
	}
}

func TestEveryWithOffsetIsStablePerName(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	a1 := startupOffset("publish", time.Minute)
	a2 := startupOffset("publish", time.Minute)
	if a1 != a2 {
		t.Fatalf("offset not stable: %s vs %s", a1, a2)
	}
	if a1 < 0 || a1 >= maxStartupSpread {
		t.Fatalf("offset %s outside [0, %s)", a1, maxStartupSpread)
	}
	sched, off := everyWithOffset(time.Minute, now, "publish")
	first := sched.Next(now)
	if want := now.Add(time.Minute + off); !first.Equal(want) {
		t.Fatalf("first = %s, want %s", first, want)
	}
	if next := sched.Next(first); !next.Equal(first.Add(time.Minute)) {
		t.Fatalf("second = %s, want %s", next, first.Add(time.Minute))
	}
}
