package storage

import (
	"errors"
	"time"

	"github.com/spf13/afero"

	"postpilot/internal/domain"
)

var (
	ErrNotFound    = errors.New("post not found")
	ErrConflict    = errors.New("post state changed concurrently")
	ErrDuplicateID = errors.New("post id already exists")
	ErrNoRetry     = errors.New("post failed permanently; reset requires force")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "file": JSON snapshot file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Fs backs the file driver. Nil means the OS filesystem.
	Fs afero.Fs
}

// Filter narrows List results. Zero values mean "no constraint".
type Filter struct {
	Status domain.Status
	From   time.Time // inclusive, on scheduled_at
	To     time.Time // exclusive, on scheduled_at
	Limit  int
	Desc   bool
}
