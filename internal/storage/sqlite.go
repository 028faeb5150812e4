package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"postpilot/internal/domain"
	logx "postpilot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const postColumns = `id, scheduled_at, primary_text, followup_text, topic_tags, status,
	published_id, posted_at, error, failure_kind, created_at, updated_at`

const metaWatermark = "watermark"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Insert(ctx context.Context, p domain.Post) error {
	if err := validateNew(p); err != nil {
		return err
	}
	tags, err := json.Marshal(nonNilTags(p.TopicTags))
	if err != nil {
		return err
	}
	now := time.Now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO posts(id, scheduled_at, primary_text, followup_text, topic_tags, status, created_at, updated_at)
		 VALUES(?,?,?,?,?,'pending',?,?)`,
		p.ID, p.ScheduledAt.UnixMilli(), p.PrimaryText, nullStr(p.FollowupText), string(tags),
		now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %s", ErrDuplicateID, p.ID)
	}
	return err
}

func (s *sqliteStore) Get(ctx context.Context, id string) (domain.Post, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id = ?`, id)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Post{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, err
}

func (s *sqliteStore) List(ctx context.Context, f Filter) ([]domain.Post, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if !f.From.IsZero() {
		where = append(where, "scheduled_at >= ?")
		args = append(args, f.From.UnixMilli())
	}
	if !f.To.IsZero() {
		where = append(where, "scheduled_at < ?")
		args = append(args, f.To.UnixMilli())
	}
	q := `SELECT ` + postColumns + ` FROM posts`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Desc {
		q += " ORDER BY scheduled_at DESC, id DESC"
	} else {
		q += " ORDER BY scheduled_at, id"
	}
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return s.query(ctx, q, args...)
}

func (s *sqliteStore) Due(ctx context.Context, now, start, end time.Time) ([]domain.Post, error) {
	return s.query(ctx,
		`SELECT `+postColumns+` FROM posts
		 WHERE status = 'pending' AND scheduled_at > ? AND scheduled_at <= ?
		   AND (claim_until IS NULL OR claim_until <= ?)
		 ORDER BY scheduled_at, id`,
		start.UnixMilli(), end.UnixMilli(), now.UnixMilli(),
	)
}

func (s *sqliteStore) Claim(ctx context.Context, id, token string, now, until time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET claim_token = ?, claim_until = ?, updated_at = ?
		 WHERE id = ? AND status = 'pending'
		   AND (claim_token IS NULL OR claim_until <= ? OR claim_token = ?)`,
		token, until.UnixMilli(), now.UnixMilli(), id, now.UnixMilli(), token,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) Release(ctx context.Context, id, token string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE posts SET claim_token = NULL, claim_until = NULL WHERE id = ? AND claim_token = ?`,
		id, token,
	)
	return err
}

func (s *sqliteStore) MarkPosted(ctx context.Context, id, publishedID string, postedAt time.Time) error {
	if strings.TrimSpace(publishedID) == "" || postedAt.IsZero() {
		return errors.New("mark posted: published id and posted_at are required")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET status = 'posted', published_id = ?, posted_at = ?, error = NULL, failure_kind = NULL,
		        claim_token = NULL, claim_until = NULL, updated_at = ?
		 WHERE id = ? AND status IN ('pending', 'failed')`,
		publishedID, postedAt.UnixMilli(), time.Now().UnixMilli(), id,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n == 1 {
		return err
	}
	cur, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if cur.Status == domain.StatusPosted && cur.PublishedID == publishedID {
		return nil
	}
	return fmt.Errorf("%w: %s is %s", ErrConflict, id, cur.Status)
}

func (s *sqliteStore) MarkFailed(ctx context.Context, id string, kind domain.FailureKind, msg string) error {
	if strings.TrimSpace(msg) == "" {
		msg = "unknown error"
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET status = 'failed', error = ?, failure_kind = ?, claim_token = NULL, claim_until = NULL, updated_at = ?
		 WHERE id = ? AND status = 'pending'`,
		msg, string(kind), time.Now().UnixMilli(), id,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n == 1 {
		return err
	}
	cur, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", ErrConflict, id, cur.Status)
}

func (s *sqliteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM posts WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) ExistsPostedWithText(ctx context.Context, text string) (bool, error) {
	_, ok, err := s.PostedWithText(ctx, text, "")
	return ok, err
}

func (s *sqliteStore) PostedWithText(ctx context.Context, text, excludeID string) (domain.Post, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+postColumns+` FROM posts
		 WHERE status = 'posted' AND primary_text = ? AND id != ?
		 ORDER BY posted_at LIMIT 1`,
		text, excludeID,
	)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Post{}, false, nil
	}
	if err != nil {
		return domain.Post{}, false, err
	}
	return p, true, nil
}

func (s *sqliteStore) ResetFailed(ctx context.Context, id string, force bool, reschedule time.Time) error {
	var at any
	if !reschedule.IsZero() {
		at = reschedule.UnixMilli()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET status = 'pending', error = NULL, failure_kind = NULL,
		        scheduled_at = COALESCE(?, scheduled_at), updated_at = ?
		 WHERE id = ? AND status = 'failed' AND (? OR COALESCE(failure_kind, '') != 'permanent')`,
		at, time.Now().UnixMilli(), id, force,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n == 1 {
		return err
	}
	cur, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if cur.Status == domain.StatusFailed && cur.FailureKind == domain.FailurePermanent {
		return fmt.Errorf("%w: %s", ErrNoRetry, id)
	}
	return fmt.Errorf("%w: %s is %s", ErrConflict, id, cur.Status)
}

func (s *sqliteStore) ArchivePosted(ctx context.Context, before time.Time, remove bool) ([]domain.Post, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+postColumns+` FROM posts WHERE status = 'posted' AND posted_at < ? ORDER BY posted_at`,
		before.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	posts, err := collect(rows)
	if err != nil {
		return nil, err
	}
	if remove && len(posts) > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM posts WHERE status = 'posted' AND posted_at < ?`, before.UnixMilli()); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	if remove && len(posts) > 0 {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			s.log.Warn("vacuum failed", logx.Err(err))
		}
	}
	return posts, nil
}

func (s *sqliteStore) Counts(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM posts GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[domain.Status]int{}
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[domain.Status(st)] = n
	}
	return out, rows.Err()
}

func (s *sqliteStore) Watermark(ctx context.Context) (time.Time, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, metaWatermark).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("watermark %q: %w", v, err)
	}
	return t, true, nil
}

func (s *sqliteStore) SetWatermark(ctx context.Context, t time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		metaWatermark, t.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) query(ctx context.Context, q string, args ...any) ([]domain.Post, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func collect(rows *sql.Rows) ([]domain.Post, error) {
	defer rows.Close()
	var out []domain.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(r rowScanner) (domain.Post, error) {
	var (
		p                           domain.Post
		scheduled, created, updated int64
		followup, published, errMsg sql.NullString
		kind                        sql.NullString
		postedAt                    sql.NullInt64
		tags, status                string
	)
	if err := r.Scan(&p.ID, &scheduled, &p.PrimaryText, &followup, &tags, &status,
		&published, &postedAt, &errMsg, &kind, &created, &updated); err != nil {
		return domain.Post{}, err
	}
	p.ScheduledAt = time.UnixMilli(scheduled).UTC()
	p.FollowupText = followup.String
	p.Status = domain.Status(status)
	p.PublishedID = published.String
	if postedAt.Valid {
		p.PostedAt = time.UnixMilli(postedAt.Int64).UTC()
	}
	p.Error = errMsg.String
	p.FailureKind = domain.FailureKind(kind.String)
	p.CreatedAt = time.UnixMilli(created).UTC()
	p.UpdatedAt = time.UnixMilli(updated).UTC()
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &p.TopicTags); err != nil {
			return domain.Post{}, fmt.Errorf("post %s: topic_tags: %w", p.ID, err)
		}
	}
	return p, nil
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
