package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"postpilot/internal/slot"
	logx "postpilot/pkg/logx"
)

// ErrConfiguration marks errors caused by the operator's configuration.
// Commands exit with status 1 when they see it.
var ErrConfiguration = errors.New("configuration error")

func configErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

const (
	DefaultStoragePath   = "./data/posts.db"
	DefaultHistoryPath   = "./data/history.jsonl"
	DefaultArchiveDir    = "./data/archive"
	DefaultArchiveDays   = 30
	DefaultMaxPerDay     = 32
	DefaultMaxPerRun     = 1
	DefaultMinInterval   = 60 * time.Second
	DefaultFollowupPause = 2 * time.Second
	DefaultRemoteLimit   = 25
	DefaultPrefixChars   = 100
	DefaultClaimTTL      = 10 * time.Minute
	DefaultTimeout       = 30 * time.Second
	DefaultRunTimeout    = 20 * time.Minute
)

// Settings is a validated Config with defaults applied and durations parsed.
type Settings struct {
	Location  *time.Location
	Spec      string
	Tolerance time.Duration
	Lookback  time.Duration
	ClaimTTL  time.Duration

	MaxPerDay     int
	MaxPerRun     int
	MinInterval   time.Duration
	FollowupPause time.Duration

	RemoteLimit   int
	PrefixChars   int
	RequireRemote bool

	DeleteAfterPost  bool
	ArchiveAfterDays int
	ArchiveDir       string

	StorageDriver string
	StoragePath   string
	BusyTimeout   time.Duration
	HistoryPath   string

	PlatformTimeout time.Duration
	TelegramTimeout time.Duration

	ServeSpec  string
	RunTimeout time.Duration

	DryRun bool
}

var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Resolve validates cfg and applies defaults. Every error wraps ErrConfiguration.
func Resolve(cfg *Config) (Settings, error) {
	if cfg == nil {
		return Settings{}, configErr("config is nil")
	}
	var (
		s   Settings
		err error
	)

	s.Location = time.Local
	if tz := strings.TrimSpace(cfg.Schedule.Timezone); tz != "" {
		if s.Location, err = slot.ParseZone(tz); err != nil {
			return Settings{}, configErr("schedule.timezone: %v", err)
		}
	}
	s.Spec = strings.TrimSpace(cfg.Schedule.Spec)
	if s.Spec == "" {
		s.Spec = slot.DefaultSpec
	}
	if _, err := specParser.Parse(s.Spec); err != nil {
		return Settings{}, configErr("schedule.spec %q: %v", s.Spec, err)
	}

	durations := []struct {
		path     string
		raw      string
		def      time.Duration
		keepZero bool
		dst      *time.Duration
	}{
		{"schedule.lookback", cfg.Schedule.Lookback, slot.DefaultLookback, false, &s.Lookback},
		{"schedule.tolerance", cfg.Schedule.Tolerance, slot.DefaultTolerance, true, &s.Tolerance},
		{"schedule.claim_ttl", cfg.Schedule.ClaimTTL, DefaultClaimTTL, false, &s.ClaimTTL},
		{"limits.min_interval", cfg.Limits.MinInterval, DefaultMinInterval, true, &s.MinInterval},
		{"limits.followup_pause", cfg.Limits.FollowupPause, DefaultFollowupPause, false, &s.FollowupPause},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout, 5 * time.Second, false, &s.BusyTimeout},
		{"platform.timeout", cfg.Platform.Timeout, DefaultTimeout, false, &s.PlatformTimeout},
		{"serve.run_timeout", cfg.Serve.RunTimeout, DefaultRunTimeout, true, &s.RunTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = duration(d.path, d.raw, d.def, d.keepZero); err != nil {
			return Settings{}, err
		}
	}

	s.MaxPerDay = intOr(cfg.Limits.MaxPerDay, DefaultMaxPerDay)
	s.MaxPerRun = orDefault(cfg.Limits.MaxPerRun, DefaultMaxPerRun)
	if s.MaxPerDay < 0 || cfg.Limits.MaxPerRun < 0 {
		return Settings{}, configErr("limits: ceilings must be >= 0")
	}

	s.RemoteLimit = orDefault(cfg.Reconcile.RemoteLimit, DefaultRemoteLimit)
	if s.RemoteLimit > 100 {
		return Settings{}, configErr("reconcile.remote_limit: at most 100, got %d", s.RemoteLimit)
	}
	s.PrefixChars = orDefault(cfg.Reconcile.PrefixChars, DefaultPrefixChars)
	s.RequireRemote = boolOr(cfg.Reconcile.RequireRemote, true)

	s.DeleteAfterPost = boolOr(cfg.Retention.DeleteAfterPost, true)
	s.ArchiveAfterDays = orDefault(cfg.Retention.ArchiveAfterDays, DefaultArchiveDays)
	s.ArchiveDir = strOr(cfg.Retention.ArchiveDir, DefaultArchiveDir)

	s.StorageDriver = strings.ToLower(strOr(cfg.Storage.Driver, "sqlite"))
	switch s.StorageDriver {
	case "sqlite", "sqlite3", "file":
	default:
		return Settings{}, configErr("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	s.StoragePath = strOr(cfg.Storage.Path, DefaultStoragePath)
	s.HistoryPath = strOr(cfg.History.Path, DefaultHistoryPath)

	if cfg.Platform.RequestsPerSecond < 0 || cfg.Platform.ReadRetries < 0 {
		return Settings{}, configErr("platform: requests_per_second and read_retries must be >= 0")
	}

	if tg := cfg.Telegram; tg != nil {
		if strings.TrimSpace(tg.Token) == "" || tg.ChatID == 0 {
			return Settings{}, configErr("telegram: token and chat_id are required when the section is present")
		}
		if s.TelegramTimeout, err = duration("telegram.timeout", tg.Timeout, 10*time.Second, false); err != nil {
			return Settings{}, err
		}
	}
	if cfg.Logging.Telegram.Enabled && cfg.Telegram == nil {
		return Settings{}, configErr("logging.telegram requires the telegram section")
	}

	s.ServeSpec = strings.TrimSpace(cfg.Serve.Spec)
	if s.ServeSpec == "" {
		s.ServeSpec = s.Spec
	}
	if _, err := specParser.Parse(s.ServeSpec); err != nil {
		return Settings{}, configErr("serve.spec %q: %v", s.ServeSpec, err)
	}

	s.DryRun = cfg.DryRun
	return s, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func strOr(v, def string) string {
	if v = strings.TrimSpace(v); v == "" {
		return def
	}
	return v
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// Logx maps the logging section onto the logging service config.
func (c LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
		Sink: logx.SinkConfig{
			Enabled:    c.Telegram.Enabled,
			MinLevel:   c.Telegram.MinLevel,
			RatePerSec: c.Telegram.RatePerSec,
		},
	}
}
