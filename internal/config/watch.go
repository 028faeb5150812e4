package config

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "postpilot/pkg/logx"
)

const (
	watchRetryMin = 250 * time.Millisecond
	watchRetryMax = 5 * time.Second
)

// Watch follows the config file until ctx is done, committing and
// broadcasting each valid change. The parent directory is watched so that
// editors which replace the file by rename are seen. A failed watcher is
// rebuilt with exponential backoff.
func (m *Manager) Watch(ctx context.Context) error {
	wait := watchRetryMin
	for {
		err := m.watchOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		m.log.Warn("config watcher failed; retrying", logx.Err(err), logx.Duration("in", wait))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		wait = min(wait*2, watchRetryMax)
	}
}

// watchOnce runs one fsnotify watcher. It returns nil only when ctx ends.
func (m *Manager) watchOnce(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir, base := filepath.Split(m.path)
	if dir == "" {
		dir = "."
	}
	if err := w.Add(dir); err != nil {
		return err
	}
	m.log.Debug("watching config", logx.String("dir", dir), logx.String("file", base))

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-debounce.C:
			m.refresh()
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("event stream closed")
			}
			if filepath.Base(ev.Name) == base && !ev.Has(fsnotify.Chmod) {
				debounce.Reset(m.debounce)
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok:
				return errors.New("error stream closed")
			case errors.Is(err, fsnotify.ErrEventOverflow):
				debounce.Reset(m.debounce)
			case err != nil:
				return err
			}
		}
	}
}
