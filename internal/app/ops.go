package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"postpilot/internal/config"
	"postpilot/internal/csvio"
	"postpilot/internal/domain"
	"postpilot/internal/history"
	"postpilot/internal/platform"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

// withStore opens the configured store for the duration of fn.
func (a *App) withStore(fn func(store storage.Store, set config.Settings) error) error {
	_, set := a.current()
	store, err := a.openStore(set)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store, set)
}

type ListQuery struct {
	Status   domain.Status
	Today    bool
	Tomorrow bool
	Limit    int
}

// List returns posts in schedule order.
func (a *App) List(ctx context.Context, q ListQuery) ([]domain.Post, error) {
	var out []domain.Post
	err := a.withStore(func(store storage.Store, set config.Settings) error {
		f := storage.Filter{Status: q.Status, Limit: q.Limit}
		if q.Today || q.Tomorrow {
			now := a.now().In(set.Location)
			day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, set.Location)
			if q.Tomorrow {
				day = day.AddDate(0, 0, 1)
			}
			f.From, f.To = day, day.AddDate(0, 0, 1)
		}
		var err error
		out, err = store.List(ctx, f)
		return err
	})
	return out, err
}

// Counts reports how many posts are in each status.
func (a *App) Counts(ctx context.Context) (map[domain.Status]int, error) {
	var out map[domain.Status]int
	err := a.withStore(func(store storage.Store, _ config.Settings) error {
		var err error
		out, err = store.Counts(ctx)
		return err
	})
	return out, err
}

type NewPost struct {
	ID       string
	At       string
	Text     string
	Followup string
	Topics   []string
}

// Add schedules one post. An empty ID gets a generated one.
func (a *App) Add(ctx context.Context, np NewPost) (domain.Post, error) {
	var p domain.Post
	err := a.withStore(func(store storage.Store, set config.Settings) error {
		at, err := csvio.ParseTime(np.At, set.Location)
		if err != nil {
			return err
		}
		id := strings.TrimSpace(np.ID)
		if id == "" {
			id = uuid.NewString()
		}
		p = domain.Post{
			ID:           id,
			ScheduledAt:  at,
			PrimaryText:  np.Text,
			FollowupText: np.Followup,
			TopicTags:    np.Topics,
			Status:       domain.StatusPending,
		}
		if err := store.Insert(ctx, p); err != nil {
			return err
		}
		a.log.Info("post added", logx.String("id", id), logx.Time("scheduled_at", at))
		return nil
	})
	return p, err
}

type ImportResult struct {
	Inserted  int
	Skipped   []string
	RowErrors []csvio.RowError
}

// Import inserts every valid row of a CSV file. Rows whose id already exists
// are skipped, so re-importing the same file is harmless.
func (a *App) Import(ctx context.Context, path string) (ImportResult, error) {
	var res ImportResult
	err := a.withStore(func(store storage.Store, set config.Settings) error {
		posts, rowErrs, err := csvio.ReadFile(a.fs, path, set.Location)
		if err != nil {
			return err
		}
		res.RowErrors = rowErrs
		for _, p := range posts {
			err := store.Insert(ctx, p)
			switch {
			case errors.Is(err, storage.ErrDuplicateID):
				res.Skipped = append(res.Skipped, p.ID)
			case err != nil:
				return fmt.Errorf("insert %s: %w", p.ID, err)
			default:
				res.Inserted++
			}
		}
		a.log.Info("import finished",
			logx.String("path", path),
			logx.Int("inserted", res.Inserted),
			logx.Int("skipped", len(res.Skipped)),
			logx.Int("invalid", len(rowErrs)),
		)
		return nil
	})
	return res, err
}

// Export writes the posts matching q to a CSV file and returns how many.
func (a *App) Export(ctx context.Context, path string, q ListQuery) (int, error) {
	posts, err := a.List(ctx, q)
	if err != nil {
		return 0, err
	}
	_, set := a.current()
	if err := csvio.WriteFile(a.fs, path, posts, set.Location); err != nil {
		return 0, err
	}
	return len(posts), nil
}

// History returns the history records posted within the last window, oldest
// first. A non-positive window means the last 24 hours.
func (a *App) History(window time.Duration) ([]history.Record, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	_, set := a.current()
	hist, err := a.openHistory(set)
	if err != nil {
		return nil, err
	}
	return hist.Since(a.now().Add(-window)), nil
}

// Reset returns failed posts to pending, rescheduled to at. A zero at keeps
// the original time, which only helps if that slot is still ahead. Permanent
// failures need force.
func (a *App) Reset(ctx context.Context, ids []string, force bool, at time.Time) (int, error) {
	n := 0
	err := a.withStore(func(store storage.Store, _ config.Settings) error {
		if len(ids) == 0 {
			failed, err := store.List(ctx, storage.Filter{Status: domain.StatusFailed})
			if err != nil {
				return err
			}
			for _, p := range failed {
				ids = append(ids, p.ID)
			}
		}
		var errs []error
		for _, id := range ids {
			if err := store.ResetFailed(ctx, id, force, at); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
				continue
			}
			n++
		}
		return errors.Join(errs...)
	})
	return n, err
}

type ArchiveResult struct {
	Path  string
	Count int
}

// Archive moves posted rows older than the retention window into a CSV file
// under the archive dir. With remove the rows are deleted from the store.
func (a *App) Archive(ctx context.Context, days int, remove bool) (ArchiveResult, error) {
	var res ArchiveResult
	err := a.withStore(func(store storage.Store, set config.Settings) error {
		if days <= 0 {
			days = set.ArchiveAfterDays
		}
		cutoff := a.now().In(set.Location).AddDate(0, 0, -days)
		posts, err := store.ArchivePosted(ctx, cutoff, false)
		if err != nil {
			return err
		}
		if len(posts) == 0 {
			return nil
		}
		// Write the file before deleting anything.
		res.Path = csvio.ArchivePath(a.fs, set.ArchiveDir, cutoff)
		if err := csvio.WriteFile(a.fs, res.Path, posts, set.Location); err != nil {
			return err
		}
		res.Count = len(posts)
		if remove {
			if _, err := store.ArchivePosted(ctx, cutoff, true); err != nil {
				return err
			}
		}
		a.log.Info("archived posted rows",
			logx.String("path", res.Path),
			logx.Int("count", res.Count),
			logx.Bool("removed", remove),
		)
		return nil
	})
	return res, err
}

// RefreshToken exchanges the long-lived token for a new one. With store the
// new token goes to the keyring.
func (a *App) RefreshToken(ctx context.Context, store bool) (platform.Token, error) {
	cfg, set := a.current()
	c, err := a.client(cfg, set)
	if err != nil {
		return platform.Token{}, err
	}
	tok, err := c.RefreshToken(ctx)
	if err != nil {
		return platform.Token{}, err
	}
	if store {
		if err := a.creds.Save(c.UserID(), tok.AccessToken); err != nil {
			return platform.Token{}, err
		}
	}
	a.log.Info("access token refreshed", logx.Duration("expires_in", tok.ExpiresIn), logx.Bool("stored", store))
	return tok, nil
}

// StoreCredentials saves the account to the keyring.
func (a *App) StoreCredentials(userID, token string) error {
	if strings.TrimSpace(userID) == "" && strings.TrimSpace(token) == "" {
		return fmt.Errorf("%w: nothing to store", config.ErrConfiguration)
	}
	return a.creds.Save(userID, token)
}

// ForgetCredentials removes the account from the keyring.
func (a *App) ForgetCredentials() error { return a.creds.Forget() }
