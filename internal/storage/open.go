package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"postpilot/internal/domain"
	logx "postpilot/pkg/logx"
)

// Store is the ScheduleStore used by the engine and the operator commands.
type Store interface {
	Insert(ctx context.Context, p domain.Post) error
	Get(ctx context.Context, id string) (domain.Post, error)
	List(ctx context.Context, f Filter) ([]domain.Post, error)

	// Due returns pending posts with scheduled_at in (start, end], ascending.
	// Posts holding an unexpired claim at now are skipped.
	Due(ctx context.Context, now, start, end time.Time) ([]domain.Post, error)

	// Claim leases a pending post to token until the given time.
	// It reports false when another invocation holds a live claim or the post left pending.
	Claim(ctx context.Context, id, token string, now, until time.Time) (bool, error)
	Release(ctx context.Context, id, token string) error

	MarkPosted(ctx context.Context, id, publishedID string, postedAt time.Time) error
	MarkFailed(ctx context.Context, id string, kind domain.FailureKind, msg string) error
	Delete(ctx context.Context, id string) error

	ExistsPostedWithText(ctx context.Context, text string) (bool, error)
	PostedWithText(ctx context.Context, text, excludeID string) (domain.Post, bool, error)

	// ResetFailed returns a failed post to pending. A non-zero reschedule also
	// moves scheduled_at so the post lands in a future due window.
	ResetFailed(ctx context.Context, id string, force bool, reschedule time.Time) error
	ArchivePosted(ctx context.Context, before time.Time, remove bool) ([]domain.Post, error)
	Counts(ctx context.Context) (map[domain.Status]int, error)

	Watermark(ctx context.Context) (time.Time, bool, error)
	SetWatermark(ctx context.Context, t time.Time) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3", "":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func validateNew(p domain.Post) error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("post id is required")
	}
	if strings.TrimSpace(p.PrimaryText) == "" {
		return errors.New("post primary text is required")
	}
	if p.ScheduledAt.IsZero() {
		return errors.New("post scheduled_at is required")
	}
	return nil
}
