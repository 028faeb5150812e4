// Package reconcile decides, per due post, whether it was already published.
//
// Three layers run in order and the first match wins:
//  1. local history: the post id is in the history log
//  2. content identity: identical primary text was already posted
//  3. remote state: the account's recent posts contain the same text prefix
//
// Only posts that pass every layer may be published.
package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"postpilot/internal/domain"
	"postpilot/internal/history"
	"postpilot/internal/platform"
	logx "postpilot/pkg/logx"
)

const (
	DefaultRemoteLimit = 25
	DefaultPrefixChars = 100
)

type Layer string

const (
	LayerHistory Layer = "history"
	LayerContent Layer = "content"
	LayerRemote  Layer = "remote"
)

// Verdict describes a post found to be already published.
type Verdict struct {
	Post        domain.Post
	Layer       Layer
	PublishedID string
	PostedAt    time.Time
	// MatchedID is the store or history id whose content matched (content layer only).
	MatchedID string
}

// Result partitions the candidates. Order within each slice follows the input.
type Result struct {
	Fresh      []domain.Post
	Duplicates []Verdict
	// Held posts stay pending this run: their text repeats an earlier candidate,
	// or the remote check could not run.
	Held []domain.Post
	// RemoteErr is set when the remote listing failed.
	RemoteErr error
}

type Store interface {
	PostedWithText(ctx context.Context, text, excludeID string) (domain.Post, bool, error)
}

type History interface {
	Lookup(id string) (history.Record, bool)
	FindByText(text string) (history.Record, bool)
}

type RemoteLister interface {
	ListRecentPosts(ctx context.Context, n int) ([]platform.RemotePost, error)
}

type Config struct {
	RemoteLimit int
	PrefixChars int
	// RequireRemote holds every surviving candidate when the remote listing fails.
	RequireRemote bool
}

type Reconciler struct {
	cfg    Config
	store  Store
	hist   History
	remote RemoteLister
	log    logx.Logger
}

func New(cfg Config, store Store, hist History, remote RemoteLister, log logx.Logger) *Reconciler {
	if cfg.RemoteLimit <= 0 {
		cfg.RemoteLimit = DefaultRemoteLimit
	}
	if cfg.PrefixChars <= 0 {
		cfg.PrefixChars = DefaultPrefixChars
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reconciler{cfg: cfg, store: store, hist: hist, remote: remote, log: log}
}

// Check runs the three layers over candidates. The remote listing is fetched
// at most once, and only when some candidate survives the local layers.
// A returned error means the store could not be queried; nothing should be published.
func (r *Reconciler) Check(ctx context.Context, candidates []domain.Post) (Result, error) {
	var (
		res       Result
		survivors []domain.Post
		seen      = map[string]string{}
	)

	for _, p := range candidates {
		if rec, ok := r.hist.Lookup(p.ID); ok {
			res.Duplicates = append(res.Duplicates, Verdict{
				Post: p, Layer: LayerHistory, PublishedID: rec.PublishedID, PostedAt: rec.PostedAt,
			})
			continue
		}

		v, ok, err := r.contentMatch(ctx, p)
		if err != nil {
			return Result{}, fmt.Errorf("content check %s: %w", p.ID, err)
		}
		if ok {
			res.Duplicates = append(res.Duplicates, v)
			continue
		}

		if first, dup := seen[p.PrimaryText]; dup {
			r.log.Info("holding post with text repeated in this batch",
				logx.String("id", p.ID), logx.String("first", first))
			res.Held = append(res.Held, p)
			continue
		}
		seen[p.PrimaryText] = p.ID
		survivors = append(survivors, p)
	}

	if len(survivors) == 0 {
		return res, nil
	}

	remote, err := r.remote.ListRecentPosts(ctx, r.cfg.RemoteLimit)
	if err != nil {
		res.RemoteErr = err
		if r.cfg.RequireRemote {
			r.log.Warn("remote check unavailable; holding candidates",
				logx.Int("held", len(survivors)), logx.Err(err))
			res.Held = append(res.Held, survivors...)
			return res, nil
		}
		r.log.Warn("remote check unavailable; continuing with local checks only", logx.Err(err))
		res.Fresh = survivors
		return res, nil
	}

	index := make(map[string]platform.RemotePost, len(remote))
	for _, rp := range remote {
		k := Prefix(rp.Text, r.cfg.PrefixChars)
		if k == "" {
			continue
		}
		// keep the oldest match
		index[k] = rp
	}

	for _, p := range survivors {
		if rp, ok := index[Prefix(p.PrimaryText, r.cfg.PrefixChars)]; ok {
			at := rp.Timestamp
			if at.IsZero() {
				at = time.Now()
			}
			res.Duplicates = append(res.Duplicates, Verdict{
				Post: p, Layer: LayerRemote, PublishedID: rp.ID, PostedAt: at,
			})
			continue
		}
		res.Fresh = append(res.Fresh, p)
	}
	return res, nil
}

func (r *Reconciler) contentMatch(ctx context.Context, p domain.Post) (Verdict, bool, error) {
	other, ok, err := r.store.PostedWithText(ctx, p.PrimaryText, p.ID)
	if err != nil {
		return Verdict{}, false, err
	}
	if ok {
		return Verdict{
			Post: p, Layer: LayerContent, PublishedID: other.PublishedID, PostedAt: other.PostedAt, MatchedID: other.ID,
		}, true, nil
	}
	// Rows may already be gone under delete-after-post; the log keeps a hash.
	if rec, ok := r.hist.FindByText(p.PrimaryText); ok && rec.ID != p.ID {
		return Verdict{
			Post: p, Layer: LayerContent, PublishedID: rec.PublishedID, PostedAt: rec.PostedAt, MatchedID: rec.ID,
		}, true, nil
	}
	return Verdict{}, false, nil
}

// Prefix is the comparison key for remote matching: the first n runes of the
// whitespace-trimmed text.
func Prefix(text string, n int) string {
	s := strings.TrimSpace(text)
	r := []rune(s)
	if n > 0 && len(r) > n {
		r = r[:n]
	}
	return string(r)
}
