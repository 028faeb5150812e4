// Package csvio reads and writes schedule spreadsheets.
//
// Columns (header row required, order free, unknown columns ignored):
//
//	id, datetime, text, thread_text, category
//
// datetime is "2006-01-02 15:04" in the schedule's zone. category becomes the
// post's topic tag; several may be given separated by ";".
package csvio

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"postpilot/internal/domain"
)

const Layout = "2006-01-02 15:04"

var (
	importColumns = []string{"id", "datetime", "text", "thread_text", "category"}
	exportColumns = []string{"id", "datetime", "text", "thread_text", "category", "status", "published_id", "posted_at", "error"}
)

// RowError describes a rejected input row. Line is 1-based and counts the header.
type RowError struct {
	Line int
	ID   string
	Err  error
}

func (e RowError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("line %d (%s): %v", e.Line, e.ID, e.Err)
	}
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

// Read parses r. Bad rows are reported and skipped; the error return is
// reserved for an unreadable file or a missing required column.
func Read(r io.Reader, loc *time.Location) ([]domain.Post, []RowError, error) {
	if loc == nil {
		loc = time.Local
	}
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, errors.New("csv: empty file")
		}
		return nil, nil, fmt.Errorf("csv header: %w", err)
	}
	col := map[string]int{}
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		col[h] = i
	}
	for _, req := range importColumns[:3] {
		if _, ok := col[req]; !ok {
			return nil, nil, fmt.Errorf("csv: missing column %q", req)
		}
	}
	field := func(rec []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var (
		posts []domain.Post
		bad   []RowError
		seen  = map[string]int{}
		line  = 1
	)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			bad = append(bad, RowError{Line: line, Err: err})
			continue
		}
		id := field(rec, "id")
		text := field(rec, "text")
		when := field(rec, "datetime")
		if id == "" && text == "" && when == "" {
			continue
		}
		switch {
		case id == "":
			bad = append(bad, RowError{Line: line, Err: errors.New("missing id")})
			continue
		case text == "":
			bad = append(bad, RowError{Line: line, ID: id, Err: errors.New("missing text")})
			continue
		}
		at, err := ParseTime(when, loc)
		if err != nil {
			bad = append(bad, RowError{Line: line, ID: id, Err: err})
			continue
		}
		if prev, dup := seen[id]; dup {
			bad = append(bad, RowError{Line: line, ID: id, Err: fmt.Errorf("duplicate of line %d", prev)})
			continue
		}
		seen[id] = line
		posts = append(posts, domain.Post{
			ID:           id,
			ScheduledAt:  at,
			PrimaryText:  text,
			FollowupText: field(rec, "thread_text"),
			TopicTags:    splitTags(field(rec, "category")),
			Status:       domain.StatusPending,
		})
	}
	return posts, bad, nil
}

// ParseTime accepts Layout, Layout with seconds, or RFC 3339.
func ParseTime(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errors.New("missing datetime")
	}
	for _, layout := range []string{Layout, "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, nil
		}
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("datetime %q: want %q", raw, Layout)
}

func splitTags(raw string) []string {
	var out []string
	for _, t := range strings.Split(raw, ";") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Write emits posts with the export columns, times rendered in loc.
func Write(w io.Writer, posts []domain.Post, loc *time.Location) error {
	if loc == nil {
		loc = time.Local
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(exportColumns); err != nil {
		return err
	}
	for _, p := range posts {
		posted := ""
		if !p.PostedAt.IsZero() {
			posted = p.PostedAt.In(loc).Format(time.RFC3339)
		}
		rec := []string{
			p.ID,
			p.ScheduledAt.In(loc).Format(Layout),
			p.PrimaryText,
			p.FollowupText,
			strings.Join(p.TopicTags, ";"),
			string(p.Status),
			p.PublishedID,
			posted,
			p.Error,
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadFile opens path on fs and calls Read.
func ReadFile(fs afero.Fs, path string, loc *time.Location) ([]domain.Post, []RowError, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	return Read(f, loc)
}

// WriteFile writes posts to path atomically (temp file, then rename).
func WriteFile(fs afero.Fs, path string, posts []domain.Post, loc *time.Location) error {
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if err := Write(f, posts, loc); err != nil {
		_ = f.Close()
		_ = fs.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = fs.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = fs.Remove(tmp)
		return err
	}
	return fs.Rename(tmp, path)
}

// ArchivePath names the archive file for posts older than cutoff. An
// existing file for the same day gets a numeric suffix.
func ArchivePath(fs afero.Fs, dir string, cutoff time.Time) string {
	base := filepath.Join(dir, "posts_before_"+cutoff.Format("2006-01-02"))
	path := base + ".csv"
	for i := 2; ; i++ {
		if ok, _ := afero.Exists(fs, path); !ok {
			return path
		}
		path = fmt.Sprintf("%s_%d.csv", base, i)
	}
}
