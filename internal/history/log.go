// Package history is the append-only record of every post the engine considers
// published. It is the authority for "already published" and for the daily
// publish count, and it survives retention deleting the schedule rows.
package history

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	logx "postpilot/pkg/logx"
)

type Source string

const (
	// SourcePublish: this engine published the post.
	SourcePublish Source = "publish"
	// SourceRemote: found on the account during reconciliation.
	SourceRemote Source = "remote"
	// SourceContent: same text was already published under another id.
	SourceContent Source = "content"
)

// Counted reports whether a record stands for a real publish on the account.
func (s Source) Counted() bool { return s == SourcePublish || s == SourceRemote }

type Record struct {
	ID          string    `json:"id"`
	PostedAt    time.Time `json:"posted_at"`
	PublishedID string    `json:"published_id"`
	TextSHA256  string    `json:"text_sha256,omitempty"`
	Source      Source    `json:"source"`
	LoggedAt    time.Time `json:"logged_at"`
}

// HashText is the content fingerprint stored with each record.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Log is a JSON Lines file, one Record per line. Appends are fsynced before
// returning. A torn final line left by a crash is skipped on load.
type Log struct {
	fs   afero.Fs
	path string
	log  logx.Logger

	mu      sync.Mutex
	records []Record
	byID    map[string]int
	byHash  map[string]int
	// set when the file does not end with a newline
	needsNL bool
}

func Open(fs afero.Fs, path string, log logx.Logger) (*Log, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("history path is required")
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	l := &Log{
		fs:     fs,
		path:   path,
		log:    log,
		byID:   map[string]int{},
		byHash: map[string]int{},
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) load() error {
	b, err := afero.ReadFile(l.fs, l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(b) > 0 && b[len(b)-1] != '\n' {
		l.needsNL = true
	}

	sc := bufio.NewScanner(bytes.NewReader(b))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(raw, &r); err != nil || r.ID == "" {
			l.log.Warn("skipping unreadable history line",
				logx.String("path", l.path), logx.Int("line", line), logx.Err(err))
			continue
		}
		l.index(r)
	}
	return sc.Err()
}

// Reload re-reads the file to pick up records appended by other processes.
func (l *Log) Reload() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reloadLocked()
}

func (l *Log) reloadLocked() error {
	l.records = nil
	l.byID = map[string]int{}
	l.byHash = map[string]int{}
	l.needsNL = false
	return l.load()
}

// index must be called with mu held (or before the Log is shared).
func (l *Log) index(r Record) {
	if _, ok := l.byID[r.ID]; ok {
		return
	}
	l.records = append(l.records, r)
	i := len(l.records) - 1
	l.byID[r.ID] = i
	if r.TextSHA256 != "" {
		if _, ok := l.byHash[r.TextSHA256]; !ok {
			l.byHash[r.TextSHA256] = i
		}
	}
}

// Append durably records r. It reports false without writing when a record
// for r.ID already exists.
func (l *Log) Append(r Record) (bool, error) {
	if strings.TrimSpace(r.ID) == "" || strings.TrimSpace(r.PublishedID) == "" {
		return false, errors.New("history record needs id and published_id")
	}
	if r.PostedAt.IsZero() {
		return false, errors.New("history record needs posted_at")
	}
	if r.Source == "" {
		r.Source = SourcePublish
	}
	if r.LoggedAt.IsZero() {
		r.LoggedAt = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byID[r.ID]; ok {
		return false, nil
	}
	// Another process may have logged the id since we last read the file.
	if err := l.reloadLocked(); err != nil {
		return false, err
	}
	if _, ok := l.byID[r.ID]; ok {
		return false, nil
	}

	b, err := json.Marshal(r)
	if err != nil {
		return false, err
	}
	if l.needsNL {
		b = append([]byte{'\n'}, b...)
	}
	b = append(b, '\n')

	f, err := l.fs.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return false, err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return false, fmt.Errorf("append history: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return false, fmt.Errorf("sync history: %w", err)
	}
	if err := f.Close(); err != nil {
		return false, err
	}
	l.needsNL = false
	l.index(r)
	return true, nil
}

func (l *Log) Lookup(id string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.byID[id]
	if !ok {
		return Record{}, false
	}
	return l.records[i], true
}

// FindByText returns the earliest record whose content hash matches text.
func (l *Log) FindByText(text string) (Record, bool) {
	h := HashText(text)
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.byHash[h]
	if !ok {
		return Record{}, false
	}
	return l.records[i], true
}

// CountPostedBetween counts real publishes with posted_at in [from, to).
func (l *Log) CountPostedBetween(from, to time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, r := range l.records {
		if !r.Source.Counted() {
			continue
		}
		if !r.PostedAt.Before(from) && r.PostedAt.Before(to) {
			n++
		}
	}
	return n
}

// Since returns records with posted_at at or after t, in log order.
func (l *Log) Since(t time.Time) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Record
	for _, r := range l.records {
		if !r.PostedAt.Before(t) {
			out = append(out, r)
		}
	}
	return out
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

func (l *Log) Path() string { return l.path }
