package history

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	logx "postpilot/pkg/logx"
)

func TestAppendIsIdempotent(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	l, err := Open(fs, "/var/postpilot/history.jsonl", logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	now := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	rec := Record{ID: "a", PostedAt: now, PublishedID: "r1", TextSHA256: HashText("hello")}

	wrote, err := l.Append(rec)
	if err != nil || !wrote {
		t.Fatalf("first Append = %v, %v", wrote, err)
	}
	wrote, err = l.Append(rec)
	if err != nil || wrote {
		t.Fatalf("second Append = %v, %v", wrote, err)
	}

	b, _ := afero.ReadFile(fs, l.Path())
	if n := strings.Count(string(b), "\n"); n != 1 {
		t.Fatalf("expected 1 line, got %d", n)
	}

	reopened, err := Open(fs, l.Path(), logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok := reopened.Lookup("a")
	if !ok || got.PublishedID != "r1" || got.Source != SourcePublish {
		t.Fatalf("Lookup after reopen = %+v, %v", got, ok)
	}
	if _, ok := reopened.FindByText("hello"); !ok {
		t.Fatalf("FindByText should match the stored hash")
	}
	if _, ok := reopened.FindByText("hello "); ok {
		t.Fatalf("FindByText must be exact")
	}
}

func TestTornTailIsSkipped(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	path := "/h.jsonl"
	good := `{"id":"a","posted_at":"2025-03-01T08:00:00Z","published_id":"r1","source":"publish","logged_at":"2025-03-01T08:00:00Z"}`
	if err := afero.WriteFile(fs, path, []byte(good+"\n"+`{"id":"b","posted_`), 0o600); err != nil {
		t.Fatalf("seed: %v", err)
	}

	l, err := Open(fs, path, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if l.Len() != 1 {
		t.Fatalf("expected 1 record, got %d", l.Len())
	}
	if _, err := l.Append(Record{ID: "b", PostedAt: time.Now(), PublishedID: "r2"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	reopened, err := Open(fs, path, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, ok := reopened.Lookup("b"); !ok {
		t.Fatalf("record appended after a torn line was lost")
	}
}

func TestCountPostedBetween(t *testing.T) {
	t.Parallel()
	l, err := Open(afero.NewMemMapFs(), "/h.jsonl", logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	day := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	records := []Record{
		{ID: "1", PostedAt: day.Add(time.Hour), PublishedID: "r1", Source: SourcePublish},
		{ID: "2", PostedAt: day.Add(2 * time.Hour), PublishedID: "r2", Source: SourceRemote},
		{ID: "3", PostedAt: day.Add(3 * time.Hour), PublishedID: "r1", Source: SourceContent},
		{ID: "4", PostedAt: day.Add(-time.Minute), PublishedID: "r4", Source: SourcePublish},
		{ID: "5", PostedAt: day.Add(24 * time.Hour), PublishedID: "r5", Source: SourcePublish},
	}
	for _, r := range records {
		if _, err := l.Append(r); err != nil {
			t.Fatalf("Append %s: %v", r.ID, err)
		}
	}
	if got := l.CountPostedBetween(day, day.Add(24*time.Hour)); got != 2 {
		t.Fatalf("CountPostedBetween = %d, want 2", got)
	}
	if got := len(l.Since(day)); got != 4 {
		t.Fatalf("Since = %d records, want 4", got)
	}
}

func TestReloadSeesOtherWriters(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	a, err := Open(fs, "/h.jsonl", logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	b, err := Open(fs, "/h.jsonl", logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := b.Append(Record{ID: "x", PostedAt: time.Now(), PublishedID: "r"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, ok := a.Lookup("x"); ok {
		t.Fatalf("stale view should not see x yet")
	}
	if err := a.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if _, ok := a.Lookup("x"); !ok {
		t.Fatalf("Reload did not pick up x")
	}
}

func TestAppendChecksFileBeforeWriting(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	a, _ := Open(fs, "/h.jsonl", logx.Nop())
	b, _ := Open(fs, "/h.jsonl", logx.Nop())
	rec := Record{ID: "x", PostedAt: time.Now(), PublishedID: "r"}
	if wrote, err := b.Append(rec); err != nil || !wrote {
		t.Fatalf("b.Append = %v, %v", wrote, err)
	}
	if wrote, err := a.Append(rec); err != nil || wrote {
		t.Fatalf("a.Append should see b's record, got %v, %v", wrote, err)
	}
}
