package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"postpilot/internal/domain"
	logx "postpilot/pkg/logx"
)

// fileStore keeps the whole schedule in one JSON snapshot.
//
// Every mutation rewrites <path> through a temp file and rename, so a crash
// leaves either the old or the new snapshot. Claims only coordinate callers
// within this process; use the sqlite driver when invocations can overlap.
type fileStore struct {
	log  logx.Logger
	fs   afero.Fs
	path string

	mu    sync.Mutex
	state fileState
}

type fileState struct {
	Version   int                  `json:"version"`
	Watermark string               `json:"watermark,omitempty"`
	Posts     map[string]*filePost `json:"posts"`
}

type filePost struct {
	ID           string   `json:"id"`
	ScheduledAt  int64    `json:"scheduled_at"`
	PrimaryText  string   `json:"primary_text"`
	FollowupText string   `json:"followup_text,omitempty"`
	TopicTags    []string `json:"topic_tags,omitempty"`
	Status       string   `json:"status"`
	PublishedID  string   `json:"published_id,omitempty"`
	PostedAt     int64    `json:"posted_at,omitempty"`
	Error        string   `json:"error,omitempty"`
	FailureKind  string   `json:"failure_kind,omitempty"`
	ClaimToken   string   `json:"claim_token,omitempty"`
	ClaimUntil   int64    `json:"claim_until,omitempty"`
	CreatedAt    int64    `json:"created_at"`
	UpdatedAt    int64    `json:"updated_at"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	fs := cfg.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	st := &fileStore{
		log:   log,
		fs:    fs,
		path:  path,
		state: fileState{Version: 1, Posts: map[string]*filePost{}},
	}
	b, err := afero.ReadFile(fs, path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	case len(strings.TrimSpace(string(b))) > 0:
		if err := json.Unmarshal(b, &st.state); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		if st.state.Posts == nil {
			st.state.Posts = map[string]*filePost{}
		}
	}
	return st, nil
}

func (s *fileStore) Close() error { return nil }

// flush must be called with mu held.
func (s *fileStore) flush() error {
	b, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	f, err := s.fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return s.fs.Rename(tmp, s.path)
}

func (s *fileStore) Insert(_ context.Context, p domain.Post) error {
	if err := validateNew(p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Posts[p.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, p.ID)
	}
	now := time.Now().UnixMilli()
	s.state.Posts[p.ID] = &filePost{
		ID:           p.ID,
		ScheduledAt:  p.ScheduledAt.UnixMilli(),
		PrimaryText:  p.PrimaryText,
		FollowupText: strings.TrimSpace(p.FollowupText),
		TopicTags:    append([]string(nil), p.TopicTags...),
		Status:       string(domain.StatusPending),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.flush(); err != nil {
		delete(s.state.Posts, p.ID)
		return err
	}
	return nil
}

func (s *fileStore) Get(_ context.Context, id string) (domain.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fp, ok := s.state.Posts[id]
	if !ok {
		return domain.Post{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return fp.toPost(), nil
}

func (s *fileStore) List(_ context.Context, f Filter) ([]domain.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.selectLocked(func(fp *filePost) bool {
		if f.Status != "" && fp.Status != string(f.Status) {
			return false
		}
		if !f.From.IsZero() && fp.ScheduledAt < f.From.UnixMilli() {
			return false
		}
		if !f.To.IsZero() && fp.ScheduledAt >= f.To.UnixMilli() {
			return false
		}
		return true
	})
	if f.Desc {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *fileStore) Due(_ context.Context, now, start, end time.Time) ([]domain.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lo, hi, at := start.UnixMilli(), end.UnixMilli(), now.UnixMilli()
	return s.selectLocked(func(fp *filePost) bool {
		return fp.Status == string(domain.StatusPending) &&
			fp.ScheduledAt > lo && fp.ScheduledAt <= hi &&
			(fp.ClaimToken == "" || fp.ClaimUntil <= at)
	}), nil
}

func (s *fileStore) Claim(_ context.Context, id, token string, now, until time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fp, ok := s.state.Posts[id]
	if !ok || fp.Status != string(domain.StatusPending) {
		return false, nil
	}
	if fp.ClaimToken != "" && fp.ClaimToken != token && fp.ClaimUntil > now.UnixMilli() {
		return false, nil
	}
	prev := *fp
	fp.ClaimToken, fp.ClaimUntil, fp.UpdatedAt = token, until.UnixMilli(), now.UnixMilli()
	if err := s.flush(); err != nil {
		*fp = prev
		return false, err
	}
	return true, nil
}

func (s *fileStore) Release(_ context.Context, id, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fp, ok := s.state.Posts[id]
	if !ok || fp.ClaimToken != token {
		return nil
	}
	fp.ClaimToken, fp.ClaimUntil = "", 0
	return s.flush()
}

func (s *fileStore) MarkPosted(_ context.Context, id, publishedID string, postedAt time.Time) error {
	if strings.TrimSpace(publishedID) == "" || postedAt.IsZero() {
		return errors.New("mark posted: published id and posted_at are required")
	}
	return s.mutate(id, func(fp *filePost) error {
		switch fp.Status {
		case string(domain.StatusPosted):
			if fp.PublishedID == publishedID {
				return errUnchanged
			}
			return fmt.Errorf("%w: %s is %s", ErrConflict, id, fp.Status)
		case string(domain.StatusPending), string(domain.StatusFailed):
		default:
			return fmt.Errorf("%w: %s is %s", ErrConflict, id, fp.Status)
		}
		fp.Status = string(domain.StatusPosted)
		fp.PublishedID = publishedID
		fp.PostedAt = postedAt.UnixMilli()
		fp.Error, fp.FailureKind = "", ""
		fp.ClaimToken, fp.ClaimUntil = "", 0
		return nil
	})
}

func (s *fileStore) MarkFailed(_ context.Context, id string, kind domain.FailureKind, msg string) error {
	if strings.TrimSpace(msg) == "" {
		msg = "unknown error"
	}
	return s.mutate(id, func(fp *filePost) error {
		if fp.Status != string(domain.StatusPending) {
			return fmt.Errorf("%w: %s is %s", ErrConflict, id, fp.Status)
		}
		fp.Status = string(domain.StatusFailed)
		fp.Error = msg
		fp.FailureKind = string(kind)
		fp.ClaimToken, fp.ClaimUntil = "", 0
		return nil
	})
}

func (s *fileStore) ResetFailed(_ context.Context, id string, force bool, reschedule time.Time) error {
	return s.mutate(id, func(fp *filePost) error {
		if fp.Status != string(domain.StatusFailed) {
			return fmt.Errorf("%w: %s is %s", ErrConflict, id, fp.Status)
		}
		if fp.FailureKind == string(domain.FailurePermanent) && !force {
			return fmt.Errorf("%w: %s", ErrNoRetry, id)
		}
		fp.Status = string(domain.StatusPending)
		fp.Error, fp.FailureKind = "", ""
		if !reschedule.IsZero() {
			fp.ScheduledAt = reschedule.UnixMilli()
		}
		return nil
	})
}

func (s *fileStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fp, ok := s.state.Posts[id]
	if !ok {
		return nil
	}
	delete(s.state.Posts, id)
	if err := s.flush(); err != nil {
		s.state.Posts[id] = fp
		return err
	}
	return nil
}

func (s *fileStore) ExistsPostedWithText(ctx context.Context, text string) (bool, error) {
	_, ok, err := s.PostedWithText(ctx, text, "")
	return ok, err
}

func (s *fileStore) PostedWithText(_ context.Context, text, excludeID string) (domain.Post, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *filePost
	for _, fp := range s.state.Posts {
		if fp.Status != string(domain.StatusPosted) || fp.ID == excludeID || fp.PrimaryText != text {
			continue
		}
		if best == nil || fp.PostedAt < best.PostedAt {
			best = fp
		}
	}
	if best == nil {
		return domain.Post{}, false, nil
	}
	return best.toPost(), true, nil
}

func (s *fileStore) ArchivePosted(_ context.Context, before time.Time, remove bool) ([]domain.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cut := before.UnixMilli()
	out := s.selectLocked(func(fp *filePost) bool {
		return fp.Status == string(domain.StatusPosted) && fp.PostedAt < cut
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].PostedAt.Before(out[j].PostedAt) })
	if !remove || len(out) == 0 {
		return out, nil
	}
	removed := make(map[string]*filePost, len(out))
	for _, p := range out {
		removed[p.ID] = s.state.Posts[p.ID]
		delete(s.state.Posts, p.ID)
	}
	if err := s.flush(); err != nil {
		for id, fp := range removed {
			s.state.Posts[id] = fp
		}
		return nil, err
	}
	return out, nil
}

func (s *fileStore) Counts(_ context.Context) (map[domain.Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[domain.Status]int{}
	for _, fp := range s.state.Posts {
		out[domain.Status(fp.Status)]++
	}
	return out, nil
}

func (s *fileStore) Watermark(_ context.Context) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Watermark == "" {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.state.Watermark)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("watermark %q: %w", s.state.Watermark, err)
	}
	return t, true, nil
}

func (s *fileStore) SetWatermark(_ context.Context, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state.Watermark
	s.state.Watermark = t.UTC().Format(time.RFC3339Nano)
	if err := s.flush(); err != nil {
		s.state.Watermark = prev
		return err
	}
	return nil
}

var errUnchanged = errors.New("unchanged")

// mutate applies fn to a copy of the row and persists it. fn returning
// errUnchanged reports success without a write.
func (s *fileStore) mutate(id string, fn func(fp *filePost) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fp, ok := s.state.Posts[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := *fp
	if err := fn(&next); err != nil {
		if errors.Is(err, errUnchanged) {
			return nil
		}
		return err
	}
	next.UpdatedAt = time.Now().UnixMilli()
	s.state.Posts[id] = &next
	if err := s.flush(); err != nil {
		s.state.Posts[id] = fp
		return err
	}
	return nil
}

// selectLocked returns matching posts ordered by scheduled_at, then id.
func (s *fileStore) selectLocked(keep func(fp *filePost) bool) []domain.Post {
	var out []domain.Post
	for _, fp := range s.state.Posts {
		if keep(fp) {
			out = append(out, fp.toPost())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ScheduledAt.Before(out[j].ScheduledAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (fp *filePost) toPost() domain.Post {
	p := domain.Post{
		ID:           fp.ID,
		ScheduledAt:  time.UnixMilli(fp.ScheduledAt).UTC(),
		PrimaryText:  fp.PrimaryText,
		FollowupText: fp.FollowupText,
		TopicTags:    append([]string(nil), fp.TopicTags...),
		Status:       domain.Status(fp.Status),
		PublishedID:  fp.PublishedID,
		Error:        fp.Error,
		FailureKind:  domain.FailureKind(fp.FailureKind),
		CreatedAt:    time.UnixMilli(fp.CreatedAt).UTC(),
		UpdatedAt:    time.UnixMilli(fp.UpdatedAt).UTC(),
	}
	if fp.PostedAt != 0 {
		p.PostedAt = time.UnixMilli(fp.PostedAt).UTC()
	}
	return p
}
