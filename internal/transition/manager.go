// Package transition commits publish outcomes and reconciliation verdicts.
//
// A post moves pending -> posted (terminal) or pending -> failed (until an
// operator resets it). Entering posted always appends to the history log
// first; only then is the row marked posted or, under delete-after-post,
// removed. A crash between the two steps is healed by the history layer of
// the next run.
package transition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"postpilot/internal/domain"
	"postpilot/internal/eventbus"
	"postpilot/internal/history"
	"postpilot/internal/reconcile"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

type Store interface {
	MarkPosted(ctx context.Context, id, publishedID string, postedAt time.Time) error
	MarkFailed(ctx context.Context, id string, kind domain.FailureKind, msg string) error
	Delete(ctx context.Context, id string) error
}

type History interface {
	Append(r history.Record) (bool, error)
}

type Config struct {
	// DeleteAfterPost removes rows once they are posted.
	DeleteAfterPost bool
}

type Manager struct {
	cfg   Config
	store Store
	hist  History
	bus   eventbus.Bus
	log   logx.Logger
}

func New(cfg Config, store Store, hist History, bus eventbus.Bus, log logx.Logger) *Manager {
	if bus == nil {
		bus = eventbus.Nop()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{cfg: cfg, store: store, hist: hist, bus: bus, log: log}
}

// Commit records the outcome of a publish attempt.
func (m *Manager) Commit(ctx context.Context, post domain.Post, a domain.Attempt) error {
	if a.Succeeded() {
		if err := m.posted(ctx, post, a.PlatformID, a.AttemptedAt, history.SourcePublish); err != nil {
			return err
		}
		m.bus.Publish(eventbus.Event{
			Type:   eventbus.PostPublished,
			PostID: post.ID,
			Detail: post.Preview(60),
			Data:   a,
		})
		if a.FollowupErr != "" {
			m.bus.Publish(eventbus.Event{
				Type:   eventbus.FollowupFailed,
				PostID: post.ID,
				Detail: a.FollowupErr,
				Data:   a,
			})
		}
		return nil
	}

	kind := a.FailureKind()
	detail := a.Detail
	if detail == "" {
		detail = string(a.Outcome)
	}
	if err := m.store.MarkFailed(ctx, post.ID, kind, detail); err != nil {
		return fmt.Errorf("mark failed %s: %w", post.ID, err)
	}
	m.log.Warn("post failed",
		logx.String("id", post.ID),
		logx.String("kind", string(kind)),
		logx.String("detail", detail),
	)
	m.bus.Publish(eventbus.Event{
		Type:   eventbus.PostFailed,
		PostID: post.ID,
		Detail: detail,
		Data:   a,
	})
	return nil
}

// Reconcile moves a post found to be already published into posted without
// publishing it again.
func (m *Manager) Reconcile(ctx context.Context, v reconcile.Verdict) error {
	var src history.Source
	switch v.Layer {
	case reconcile.LayerHistory:
		// Already logged: only the row needs to catch up.
		if err := m.finish(ctx, v.Post.ID, v.PublishedID, v.PostedAt); err != nil {
			return err
		}
		m.log.Info("reconciled from history", logx.String("id", v.Post.ID), logx.String("published_id", v.PublishedID))
		m.publishReconciled(v)
		return nil
	case reconcile.LayerContent:
		src = history.SourceContent
	case reconcile.LayerRemote:
		src = history.SourceRemote
	default:
		return fmt.Errorf("unknown reconcile layer %q", v.Layer)
	}

	if err := m.posted(ctx, v.Post, v.PublishedID, v.PostedAt, src); err != nil {
		return err
	}
	m.log.Info("reconciled duplicate",
		logx.String("id", v.Post.ID),
		logx.String("layer", string(v.Layer)),
		logx.String("published_id", v.PublishedID),
		logx.String("matched", v.MatchedID),
	)
	m.publishReconciled(v)
	return nil
}

func (m *Manager) publishReconciled(v reconcile.Verdict) {
	m.bus.Publish(eventbus.Event{
		Type:   eventbus.PostReconciled,
		PostID: v.Post.ID,
		Detail: string(v.Layer),
		Data:   v,
	})
}

func (m *Manager) posted(ctx context.Context, post domain.Post, publishedID string, postedAt time.Time, src history.Source) error {
	if postedAt.IsZero() {
		postedAt = time.Now()
	}
	rec := history.Record{
		ID:          post.ID,
		PostedAt:    postedAt,
		PublishedID: publishedID,
		TextSHA256:  history.HashText(post.PrimaryText),
		Source:      src,
	}
	if _, err := m.hist.Append(rec); err != nil {
		return fmt.Errorf("history %s: %w", post.ID, err)
	}
	return m.finish(ctx, post.ID, publishedID, postedAt)
}

// finish applies the posted state (or retention) to the row.
func (m *Manager) finish(ctx context.Context, id, publishedID string, postedAt time.Time) error {
	if m.cfg.DeleteAfterPost {
		if err := m.store.Delete(ctx, id); err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
		return nil
	}
	err := m.store.MarkPosted(ctx, id, publishedID, postedAt)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		// Removed by an overlapping run.
		return nil
	default:
		return fmt.Errorf("mark posted %s: %w", id, err)
	}
}
