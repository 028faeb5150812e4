package slot

import (
	"testing"
	"time"
)

var jst = time.FixedZone("+09:00", 9*3600)

func at(hh, mm int) time.Time {
	return time.Date(2025, 3, 1, hh, mm, 0, 0, jst)
}

func newResolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := New(Config{Location: jst, Tolerance: 15 * time.Minute})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestTickTolerance(t *testing.T) {
	t.Parallel()
	r := newResolver(t)
	tests := []struct {
		name string
		now  time.Time
		want time.Time
		ok   bool
	}{
		{name: "early jitter", now: at(7, 46), want: at(8, 0), ok: true},
		{name: "exact", now: at(8, 0), want: at(8, 0), ok: true},
		{name: "late jitter", now: at(8, 14), want: at(8, 0), ok: true},
		{name: "past tolerance goes to next tick", now: at(8, 16), want: at(8, 30), ok: true},
		{name: "before first tick", now: at(7, 44), ok: false},
		{name: "last tick", now: at(23, 40), want: at(23, 30), ok: true},
		{name: "after last tick", now: at(23, 46), ok: false},
		{name: "tie picks earlier", now: at(8, 15), want: at(8, 0), ok: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := r.Tick(tt.now)
			if ok != tt.ok {
				t.Fatalf("Tick(%s) ok = %v, want %v", tt.now.Format("15:04"), ok, tt.ok)
			}
			if ok && !got.Equal(tt.want) {
				t.Fatalf("Tick(%s) = %s, want %s", tt.now.Format("15:04"), got.Format("15:04"), tt.want.Format("15:04"))
			}
		})
	}
}

func TestTickUsesScheduleZone(t *testing.T) {
	t.Parallel()
	r := newResolver(t)
	// 23:00 UTC is 08:00 the next day in +09:00.
	now := time.Date(2025, 2, 28, 23, 0, 0, 0, time.UTC)
	got, ok := r.Tick(now)
	if !ok || !got.Equal(at(8, 0)) {
		t.Fatalf("Tick = %s, %v", got, ok)
	}
}

func TestResolveWindow(t *testing.T) {
	t.Parallel()
	r := newResolver(t)

	res, ok := r.Resolve(at(7, 46), time.Time{})
	if !ok {
		t.Fatalf("expected an active tick")
	}
	if !res.Tick.Equal(at(8, 0)) || !res.End.Equal(at(7, 46)) {
		t.Fatalf("early invocation: tick %s, End = %s, want End at now", res.Tick, res.End)
	}
	if !res.Start.Equal(at(7, 46).Add(-DefaultLookback)) {
		t.Fatalf("bootstrap Start = %s", res.Start)
	}

	res, ok = r.Resolve(at(8, 31), at(8, 0))
	if !ok {
		t.Fatalf("expected an active tick")
	}
	if !res.Start.Equal(at(8, 0)) || !res.End.Equal(at(8, 31)) {
		t.Fatalf("window = (%s, %s]", res.Start, res.End)
	}

	if _, ok := r.Resolve(at(3, 0), at(2, 0)); ok {
		t.Fatalf("no tick at 03:00")
	}
}

func TestDay(t *testing.T) {
	t.Parallel()
	r := newResolver(t)
	start, end := r.Day(time.Date(2025, 3, 1, 16, 0, 0, 0, time.UTC))
	if !start.Equal(time.Date(2025, 3, 2, 0, 0, 0, 0, jst)) || end.Sub(start) != 24*time.Hour {
		t.Fatalf("Day = [%s, %s)", start, end)
	}
}

func TestParseZone(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw    string
		offset int
		err    bool
	}{
		{raw: "+09:00", offset: 9 * 3600},
		{raw: "UTC+0530", offset: 5*3600 + 30*60},
		{raw: "-03:00", offset: -3 * 3600},
		{raw: "UTC", offset: 0},
		{raw: "+25:00", err: true},
		{raw: "Not/AZone", err: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			loc, err := ParseZone(tt.raw)
			if tt.err {
				if err == nil {
					t.Fatalf("ParseZone(%q) expected error", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseZone(%q): %v", tt.raw, err)
			}
			_, off := time.Date(2025, 1, 1, 0, 0, 0, 0, loc).Zone()
			if off != tt.offset {
				t.Fatalf("offset = %d, want %d", off, tt.offset)
			}
		})
	}
}

func TestNewRejectsBadSpec(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Spec: "not a cron"}); err == nil {
		t.Fatalf("expected error")
	}
}
