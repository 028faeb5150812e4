package reconcile

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"postpilot/internal/domain"
	"postpilot/internal/history"
	"postpilot/internal/platform/platformtest"
	logx "postpilot/pkg/logx"
)

type fakeStore struct {
	posted []domain.Post
	err    error
}

func (s *fakeStore) PostedWithText(_ context.Context, text, excludeID string) (domain.Post, bool, error) {
	if s.err != nil {
		return domain.Post{}, false, s.err
	}
	for _, p := range s.posted {
		if p.PrimaryText == text && p.ID != excludeID {
			return p, true, nil
		}
	}
	return domain.Post{}, false, nil
}

var t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func newHistory(t *testing.T, recs ...history.Record) *history.Log {
	t.Helper()
	l, err := history.Open(afero.NewMemMapFs(), "/h.jsonl", logx.Nop())
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}
	for _, r := range recs {
		if _, err := l.Append(r); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	return l
}

func pending(id, text string) domain.Post {
	return domain.Post{ID: id, PrimaryText: text, ScheduledAt: t0, Status: domain.StatusPending}
}

func TestLayersInOrder(t *testing.T) {
	t.Parallel()
	hist := newHistory(t,
		history.Record{ID: "a", PostedAt: t0, PublishedID: "r-a", TextSHA256: history.HashText("alpha")},
		history.Record{ID: "gone", PostedAt: t0, PublishedID: "r-gone", TextSHA256: history.HashText("deleted row text")},
	)
	store := &fakeStore{posted: []domain.Post{
		{ID: "old-b", PrimaryText: "beta", Status: domain.StatusPosted, PublishedID: "r-b", PostedAt: t0},
	}}
	remote := platformtest.New()
	remote.Seed("r-c", "  gamma  ", t0.Add(-time.Hour))

	rc := New(Config{RequireRemote: true}, store, hist, remote, logx.Nop())
	res, err := rc.Check(context.Background(), []domain.Post{
		pending("a", "alpha changed"),
		pending("b", "beta"),
		pending("c", "gamma"),
		pending("d", "deleted row text"),
		pending("e", "epsilon"),
	})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}

	want := map[string]Layer{"a": LayerHistory, "b": LayerContent, "c": LayerRemote, "d": LayerContent}
	if len(res.Duplicates) != len(want) {
		t.Fatalf("duplicates = %+v", res.Duplicates)
	}
	for _, v := range res.Duplicates {
		if want[v.Post.ID] != v.Layer {
			t.Fatalf("%s matched layer %s, want %s", v.Post.ID, v.Layer, want[v.Post.ID])
		}
	}
	byID := map[string]Verdict{}
	for _, v := range res.Duplicates {
		byID[v.Post.ID] = v
	}
	if v := byID["b"]; v.PublishedID != "r-b" || v.MatchedID != "old-b" {
		t.Fatalf("content verdict = %+v", v)
	}
	if v := byID["d"]; v.PublishedID != "r-gone" || v.MatchedID != "gone" {
		t.Fatalf("hash verdict = %+v", v)
	}
	if v := byID["c"]; v.PublishedID != "r-c" || !v.PostedAt.Equal(t0.Add(-time.Hour)) {
		t.Fatalf("remote verdict = %+v", v)
	}
	if len(res.Fresh) != 1 || res.Fresh[0].ID != "e" {
		t.Fatalf("fresh = %+v", res.Fresh)
	}
	if remote.ListCount() != 1 {
		t.Fatalf("remote listing should be fetched once, got %d", remote.ListCount())
	}
}

func TestRemotePrefixMatch(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("あ", 100)
	remote := platformtest.New()
	remote.Seed("r1", long+"tail that differs", t0)

	rc := New(Config{}, &fakeStore{}, newHistory(t), remote, logx.Nop())
	res, err := rc.Check(context.Background(), []domain.Post{pending("x", long+"other tail")})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(res.Duplicates) != 1 || res.Duplicates[0].Layer != LayerRemote {
		t.Fatalf("expected a remote match on the first 100 runes, got %+v", res)
	}
}

func TestRemoteFailureHoldsCandidates(t *testing.T) {
	t.Parallel()
	remote := platformtest.New()
	remote.ListErr = errors.New("network down")

	rc := New(Config{RequireRemote: true}, &fakeStore{}, newHistory(t), remote, logx.Nop())
	res, err := rc.Check(context.Background(), []domain.Post{pending("x", "text")})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(res.Fresh) != 0 || len(res.Held) != 1 || res.RemoteErr == nil {
		t.Fatalf("expected candidate held on remote failure, got %+v", res)
	}

	rc = New(Config{RequireRemote: false}, &fakeStore{}, newHistory(t), remote, logx.Nop())
	res, _ = rc.Check(context.Background(), []domain.Post{pending("x", "text")})
	if len(res.Fresh) != 1 {
		t.Fatalf("expected candidate to proceed without remote check, got %+v", res)
	}
}

func TestNoRemoteFetchWhenNothingSurvives(t *testing.T) {
	t.Parallel()
	remote := platformtest.New()
	hist := newHistory(t, history.Record{ID: "a", PostedAt: t0, PublishedID: "r-a"})
	rc := New(Config{}, &fakeStore{}, hist, remote, logx.Nop())
	if _, err := rc.Check(context.Background(), []domain.Post{pending("a", "x")}); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if remote.ListCount() != 0 {
		t.Fatalf("remote listing fetched needlessly")
	}
}

func TestRepeatedTextInBatchIsHeld(t *testing.T) {
	t.Parallel()
	rc := New(Config{}, &fakeStore{}, newHistory(t), platformtest.New(), logx.Nop())
	res, err := rc.Check(context.Background(), []domain.Post{pending("a", "same"), pending("b", "same")})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(res.Fresh) != 1 || res.Fresh[0].ID != "a" || len(res.Held) != 1 || res.Held[0].ID != "b" {
		t.Fatalf("unexpected partition: %+v", res)
	}
}

func TestStoreErrorAborts(t *testing.T) {
	t.Parallel()
	rc := New(Config{}, &fakeStore{err: errors.New("db locked")}, newHistory(t), platformtest.New(), logx.Nop())
	if _, err := rc.Check(context.Background(), []domain.Post{pending("a", "x")}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestPrefix(t *testing.T) {
	t.Parallel()
	if got := Prefix("  hello\n", 3); got != "hel" {
		t.Fatalf("Prefix = %q", got)
	}
	if got := Prefix("日本語テキスト", 3); got != "日本語" {
		t.Fatalf("Prefix = %q", got)
	}
}
