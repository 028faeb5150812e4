// Package app assembles the engine from configuration. Every command of the
// CLI goes through an App: one-shot runs, serve mode and the operator
// commands that edit the schedule.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/afero"

	"postpilot/internal/config"
	"postpilot/internal/credentials"
	"postpilot/internal/eventbus"
	"postpilot/internal/history"
	"postpilot/internal/notify"
	"postpilot/internal/platform"
	"postpilot/internal/publisher"
	"postpilot/internal/ratelimit"
	"postpilot/internal/reconcile"
	"postpilot/internal/runner"
	"postpilot/internal/slot"
	"postpilot/internal/storage"
	"postpilot/internal/transition"
	logx "postpilot/pkg/logx"
)

// API is everything the engine needs from the platform.
type API interface {
	publisher.API
	reconcile.RemoteLister
}

type App struct {
	cfgm  *config.Manager
	creds *credentials.Store
	fs    afero.Fs
	now   func() time.Time
	sleep func(time.Duration)
	api   API

	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus
	tg   *notify.Telegram

	mu  sync.RWMutex
	cfg *config.Config
	set config.Settings
}

type Option func(*App)

// WithFs replaces the filesystem used by the history log, the file store and
// CSV files. SQLite always uses the OS filesystem.
func WithFs(fs afero.Fs) Option { return func(a *App) { a.fs = fs } }

// WithClock replaces the time source and the sleep used between publishes.
func WithClock(now func() time.Time, sleep func(time.Duration)) Option {
	return func(a *App) {
		if now != nil {
			a.now = now
		}
		if sleep != nil {
			a.sleep = sleep
		}
	}
}

// WithPlatform bypasses credential resolution and the HTTP client.
func WithPlatform(api API) Option { return func(a *App) { a.api = api } }

func WithCredentials(s *credentials.Store) Option { return func(a *App) { a.creds = s } }

// New loads and validates the config at path. The returned error wraps
// config.ErrConfiguration when the file is the problem.
func New(path string, opts ...Option) (*App, error) {
	a := &App{
		cfgm:  config.NewManager(path),
		creds: credentials.New(),
		fs:    afero.NewOsFs(),
		now:   time.Now,
		sleep: time.Sleep,
		bus:   eventbus.New(),
	}
	for _, o := range opts {
		o(a)
	}

	cfg, err := a.cfgm.Load()
	if err != nil {
		return nil, err
	}
	set, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}
	a.cfg, a.set = cfg, set

	var sink logx.Sink
	if t := cfg.Telegram; t != nil {
		tg, err := notify.NewTelegram(notify.TelegramConfig{
			Token:    t.Token,
			ChatID:   t.ChatID,
			ThreadID: t.ThreadID,
			Timeout:  set.TelegramTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: telegram: %v", config.ErrConfiguration, err)
		}
		a.tg, sink = tg, tg
	}
	a.logs, a.log = logx.New(cfg.Logging.Logx(), sink)
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	return a, nil
}

func (a *App) Logger() logx.Logger { return a.log }

// Bus carries engine events to the notifier and to tests.
func (a *App) Bus() eventbus.Bus { return a.bus }

// Close flushes the log sinks.
func (a *App) Close() error { return a.logs.Close() }

func (a *App) current() (*config.Config, config.Settings) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg, a.set
}

func (a *App) apply(cfg *config.Config, set config.Settings) {
	a.mu.Lock()
	a.cfg, a.set = cfg, set
	a.mu.Unlock()
}

// Settings is the validated view of the current config.
func (a *App) Settings() config.Settings {
	_, set := a.current()
	return set
}

func (a *App) openStore(set config.Settings) (storage.Store, error) {
	store, err := storage.Open(storage.Config{
		Driver:      set.StorageDriver,
		Path:        set.StoragePath,
		BusyTimeout: set.BusyTimeout,
		Fs:          a.fs,
	}, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, openErr("open store", err)
	}
	return store, nil
}

func (a *App) openHistory(set config.Settings) (*history.Log, error) {
	hist, err := history.Open(a.fs, set.HistoryPath, a.log.With(logx.String("comp", "history")))
	if err != nil {
		return nil, openErr("open history", err)
	}
	return hist, nil
}

// openErr reports a path the process cannot create or read (missing parent,
// not a directory, permission denied) as a configuration error. Content
// errors such as a corrupt file stay ordinary failures.
func openErr(what string, err error) error {
	var pe *os.PathError
	if errors.As(err, &pe) {
		return fmt.Errorf("%w: %s: %v", config.ErrConfiguration, what, err)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// platform returns the configured API. Missing credentials are a
// configuration problem, not a run failure.
func (a *App) platform(cfg *config.Config, set config.Settings) (API, error) {
	if a.api != nil {
		return a.api, nil
	}
	if set.DryRun {
		return &platform.DryRun{}, nil
	}
	c, err := a.client(cfg, set)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (a *App) client(cfg *config.Config, set config.Settings) (*platform.Client, error) {
	creds, err := a.creds.Resolve(cfg.Platform.UserID, cfg.Platform.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrConfiguration, err)
	}
	a.log.Debug("platform credentials resolved",
		logx.String("user_id_source", string(creds.UserIDSource)),
		logx.String("token_source", string(creds.TokenSource)),
	)
	return platform.New(platform.Config{
		BaseURL:           cfg.Platform.BaseURL,
		TokenURL:          cfg.Platform.TokenURL,
		UserID:            creds.UserID,
		AccessToken:       creds.AccessToken,
		Timeout:           set.PlatformTimeout,
		RequestsPerSecond: cfg.Platform.RequestsPerSecond,
		ReadRetries:       cfg.Platform.ReadRetries,
		UserAgent:         cfg.Platform.UserAgent,
	}, platform.WithLogger(a.log.With(logx.String("comp", "platform"))))
}

// newRunner wires one invocation over an open store and history log.
func (a *App) newRunner(cfg *config.Config, set config.Settings, store storage.Store, hist *history.Log, api API) (*runner.Runner, error) {
	slots, err := slot.New(slot.Config{
		Spec:      set.Spec,
		Location:  set.Location,
		Tolerance: set.Tolerance,
		Lookback:  set.Lookback,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrConfiguration, err)
	}
	log := a.log.With(logx.String("comp", "engine"))
	return runner.New(runner.Config{ClaimTTL: set.ClaimTTL, DryRun: set.DryRun}, runner.Deps{
		Store:   store,
		History: hist,
		Slots:   slots,
		Reconciler: reconcile.New(reconcile.Config{
			RemoteLimit:   set.RemoteLimit,
			PrefixChars:   set.PrefixChars,
			RequireRemote: set.RequireRemote,
		}, store, hist, api, log),
		Limits: ratelimit.Config{MaxPerDay: set.MaxPerDay, MaxPerRun: set.MaxPerRun},
		Pacer:  ratelimit.NewPacer(set.MinInterval).WithClock(a.now, a.sleep),
		Publisher: publisher.New(api, publisher.Config{
			FollowupPause: set.FollowupPause,
			DisableTopics: cfg.Platform.DisableTopics,
		}, log).WithClock(a.now, a.sleep),
		Transitions: transition.New(transition.Config{DeleteAfterPost: set.DeleteAfterPost}, store, hist, a.bus, log),
		Bus:         a.bus,
		Log:         log,
		Now:         a.now,
	})
}

// notifier is nil when no telegram section is configured.
func (a *App) notifier(cfg *config.Config, set config.Settings) *notify.Notifier {
	if a.tg == nil || cfg.Telegram == nil {
		return nil
	}
	return notify.New(a.tg, notify.Config{
		Events:   cfg.Telegram.Events,
		Location: set.Location,
		Timeout:  set.TelegramTimeout,
	}, a.log.With(logx.String("comp", "notify")))
}

// withNotifier forwards bus events to the operator while fn runs, then
// drains what is still queued.
func (a *App) withNotifier(ctx context.Context, cfg *config.Config, set config.Settings, fn func() error) error {
	n := a.notifier(cfg, set)
	if n == nil {
		return fn()
	}
	ch, unsubscribe := a.bus.Subscribe(64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		n.Run(ctx, ch)
	}()
	err := fn()
	unsubscribe()
	<-done
	return err
}
