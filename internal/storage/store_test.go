package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"

	"postpilot/internal/domain"
	logx "postpilot/pkg/logx"
)

type opener func(t *testing.T) Store

func drivers() map[string]opener {
	return map[string]opener{
		"sqlite": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "posts.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			t.Cleanup(func() { _ = st.Close() })
			return st
		},
		"file": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "file", Path: "/data/posts.json", Fs: afero.NewMemMapFs()}, logx.Nop())
			if err != nil {
				t.Fatalf("open file: %v", err)
			}
			return st
		},
	}
}

var base = time.Date(2025, 3, 1, 8, 0, 0, 0, time.FixedZone("JST", 9*3600))

func seed(t *testing.T, st Store, posts ...domain.Post) {
	t.Helper()
	for _, p := range posts {
		if err := st.Insert(context.Background(), p); err != nil {
			t.Fatalf("insert %s: %v", p.ID, err)
		}
	}
}

func post(id string, at time.Time, text string) domain.Post {
	return domain.Post{ID: id, ScheduledAt: at, PrimaryText: text, TopicTags: []string{"go"}}
}

func TestStoreDueWindowAndOrder(t *testing.T) {
	t.Parallel()
	for name, open := range drivers() {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := open(t)
			seed(t, st,
				post("c", base.Add(30*time.Minute), "c"),
				post("b", base, "b"),
				post("a", base, "a"),
				post("old", base.Add(-time.Hour), "old"),
				post("late", base.Add(2*time.Hour), "late"),
			)

			got, err := st.Due(ctx, base, base.Add(-30*time.Minute), base.Add(30*time.Minute))
			if err != nil {
				t.Fatalf("Due: %v", err)
			}
			want := []string{"a", "b", "c"}
			if len(got) != len(want) {
				t.Fatalf("Due returned %d posts, want %d", len(got), len(want))
			}
			for i, id := range want {
				if got[i].ID != id {
					t.Fatalf("Due[%d] = %s, want %s", i, got[i].ID, id)
				}
			}
			if got[0].Topic() != "go" {
				t.Fatalf("topic tags not round-tripped: %+v", got[0].TopicTags)
			}

			// Start is exclusive.
			got, err = st.Due(ctx, base, base, base.Add(30*time.Minute))
			if err != nil {
				t.Fatalf("Due: %v", err)
			}
			if len(got) != 1 || got[0].ID != "c" {
				t.Fatalf("exclusive start not honored: %+v", got)
			}
		})
	}
}

func TestStoreInsertDuplicate(t *testing.T) {
	t.Parallel()
	for name, open := range drivers() {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			st := open(t)
			seed(t, st, post("x", base, "x"))
			err := st.Insert(context.Background(), post("x", base, "again"))
			if !errors.Is(err, ErrDuplicateID) {
				t.Fatalf("expected ErrDuplicateID, got %v", err)
			}
		})
	}
}

func TestStoreClaim(t *testing.T) {
	t.Parallel()
	for name, open := range drivers() {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := open(t)
			seed(t, st, post("x", base, "x"))

			ok, err := st.Claim(ctx, "x", "run-1", base, base.Add(10*time.Minute))
			if err != nil || !ok {
				t.Fatalf("first claim = %v, %v", ok, err)
			}
			ok, err = st.Claim(ctx, "x", "run-2", base.Add(time.Minute), base.Add(11*time.Minute))
			if err != nil || ok {
				t.Fatalf("second claim while leased = %v, %v", ok, err)
			}
			due, _ := st.Due(ctx, base.Add(time.Minute), base.Add(-time.Hour), base.Add(time.Hour))
			if len(due) != 0 {
				t.Fatalf("claimed post should not be due: %+v", due)
			}

			// Expired lease can be taken over.
			ok, err = st.Claim(ctx, "x", "run-2", base.Add(20*time.Minute), base.Add(30*time.Minute))
			if err != nil || !ok {
				t.Fatalf("claim after expiry = %v, %v", ok, err)
			}
			if err := st.Release(ctx, "x", "run-1"); err != nil {
				t.Fatalf("Release: %v", err)
			}
			ok, _ = st.Claim(ctx, "x", "run-3", base.Add(21*time.Minute), base.Add(31*time.Minute))
			if ok {
				t.Fatalf("release with a stale token must not drop the lease")
			}
			if err := st.Release(ctx, "x", "run-2"); err != nil {
				t.Fatalf("Release: %v", err)
			}
			ok, _ = st.Claim(ctx, "x", "run-3", base.Add(21*time.Minute), base.Add(31*time.Minute))
			if !ok {
				t.Fatalf("claim after release failed")
			}
		})
	}
}

func TestStoreTransitions(t *testing.T) {
	t.Parallel()
	for name, open := range drivers() {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := open(t)
			seed(t, st, post("p", base, "p"), post("f", base, "f"))

			postedAt := base.Add(time.Minute)
			if err := st.MarkPosted(ctx, "p", "remote-1", postedAt); err != nil {
				t.Fatalf("MarkPosted: %v", err)
			}
			if err := st.MarkPosted(ctx, "p", "remote-1", postedAt); err != nil {
				t.Fatalf("repeated MarkPosted should be idempotent: %v", err)
			}
			if err := st.MarkPosted(ctx, "p", "remote-2", postedAt); !errors.Is(err, ErrConflict) {
				t.Fatalf("MarkPosted with another id: expected ErrConflict, got %v", err)
			}
			if err := st.MarkFailed(ctx, "p", domain.FailureTransient, "boom"); !errors.Is(err, ErrConflict) {
				t.Fatalf("MarkFailed on posted: expected ErrConflict, got %v", err)
			}
			got, err := st.Get(ctx, "p")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Status != domain.StatusPosted || got.PublishedID != "remote-1" || !got.PostedAt.Equal(postedAt) {
				t.Fatalf("unexpected posted row: %+v", got)
			}

			if err := st.MarkFailed(ctx, "f", domain.FailurePermanent, "400 bad request"); err != nil {
				t.Fatalf("MarkFailed: %v", err)
			}
			if err := st.ResetFailed(ctx, "f", false, time.Time{}); !errors.Is(err, ErrNoRetry) {
				t.Fatalf("reset permanent without force: expected ErrNoRetry, got %v", err)
			}
			moved := base.Add(48 * time.Hour)
			if err := st.ResetFailed(ctx, "f", true, moved); err != nil {
				t.Fatalf("forced reset: %v", err)
			}
			got, _ = st.Get(ctx, "f")
			if got.Status != domain.StatusPending || got.Error != "" || got.FailureKind != "" || !got.ScheduledAt.Equal(moved) {
				t.Fatalf("reset row not clean: %+v", got)
			}

			if err := st.MarkPosted(ctx, "missing", "r", postedAt); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			if err := st.Delete(ctx, "p"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if err := st.Delete(ctx, "p"); err != nil {
				t.Fatalf("second Delete: %v", err)
			}
			if _, err := st.Get(ctx, "p"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("deleted row still present: %v", err)
			}
		})
	}
}

func TestStorePostedWithText(t *testing.T) {
	t.Parallel()
	for name, open := range drivers() {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := open(t)
			seed(t, st, post("a", base, "same text"), post("b", base.Add(time.Hour), "same text"))

			if ok, _ := st.ExistsPostedWithText(ctx, "same text"); ok {
				t.Fatalf("no posted rows yet")
			}
			if err := st.MarkPosted(ctx, "a", "remote-a", base); err != nil {
				t.Fatalf("MarkPosted: %v", err)
			}
			match, ok, err := st.PostedWithText(ctx, "same text", "b")
			if err != nil || !ok || match.PublishedID != "remote-a" {
				t.Fatalf("PostedWithText = %+v, %v, %v", match, ok, err)
			}
			if _, ok, _ := st.PostedWithText(ctx, "same text", "a"); ok {
				t.Fatalf("excluded id must not match itself")
			}
			if ok, _ := st.ExistsPostedWithText(ctx, "same text "); ok {
				t.Fatalf("text match must be byte-identical")
			}
		})
	}
}

func TestStoreArchiveAndCounts(t *testing.T) {
	t.Parallel()
	for name, open := range drivers() {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := open(t)
			seed(t, st, post("old", base, "old"), post("new", base, "new"), post("pending", base, "pending"))
			_ = st.MarkPosted(ctx, "old", "r-old", base.Add(-72*time.Hour))
			_ = st.MarkPosted(ctx, "new", "r-new", base)

			kept, err := st.ArchivePosted(ctx, base.Add(-24*time.Hour), false)
			if err != nil || len(kept) != 1 || kept[0].ID != "old" {
				t.Fatalf("ArchivePosted(dry) = %+v, %v", kept, err)
			}
			removed, err := st.ArchivePosted(ctx, base.Add(-24*time.Hour), true)
			if err != nil || len(removed) != 1 {
				t.Fatalf("ArchivePosted(remove) = %+v, %v", removed, err)
			}
			counts, err := st.Counts(ctx)
			if err != nil {
				t.Fatalf("Counts: %v", err)
			}
			if counts[domain.StatusPosted] != 1 || counts[domain.StatusPending] != 1 {
				t.Fatalf("unexpected counts: %v", counts)
			}
		})
	}
}

func TestStoreWatermarkAndReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	cfg := Config{Driver: "file", Path: "/state/posts.json", Fs: fs}

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok, _ := st.Watermark(ctx); ok {
		t.Fatalf("fresh store should have no watermark")
	}
	seed(t, st, post("a", base, "a"))
	if err := st.SetWatermark(ctx, base); err != nil {
		t.Fatalf("SetWatermark: %v", err)
	}

	reopened, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	wm, ok, err := reopened.Watermark(ctx)
	if err != nil || !ok || !wm.Equal(base) {
		t.Fatalf("Watermark = %v, %v, %v", wm, ok, err)
	}
	if _, err := reopened.Get(ctx, "a"); err != nil {
		t.Fatalf("post lost across reopen: %v", err)
	}
}
