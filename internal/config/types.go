package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("90s", "15m", "24h"). Omitted fields fall back to the defaults applied by
// Resolve.
type Config struct {
	Schedule  ScheduleConfig  `json:"schedule"`
	Limits    LimitsConfig    `json:"limits"`
	Reconcile ReconcileConfig `json:"reconcile,omitempty"`
	Retention RetentionConfig `json:"retention,omitempty"`
	Storage   StorageConfig   `json:"storage"`
	History   HistoryConfig   `json:"history"`
	Platform  PlatformConfig  `json:"platform"`
	Logging   LoggingConfig   `json:"logging"`
	Telegram  *TelegramConfig `json:"telegram,omitempty"`
	Serve     ServeConfig     `json:"serve,omitempty"`

	// DryRun publishes nothing and writes no state.
	DryRun bool `json:"dry_run,omitempty"`
}

// ScheduleConfig controls slot resolution.
//
// Defaults:
//   - timezone: local zone of the host
//   - spec: "*/30 8-23 * * *"
//   - tolerance: "15m"
//   - lookback: "24h" (window start when no watermark is stored yet)
//   - claim_ttl: "10m"
type ScheduleConfig struct {
	// Timezone is an IANA name ("Asia/Tokyo") or a fixed offset ("+09:00").
	Timezone  string `json:"timezone,omitempty"`
	Spec      string `json:"spec,omitempty"`
	Tolerance string `json:"tolerance,omitempty"`
	Lookback  string `json:"lookback,omitempty"`
	ClaimTTL  string `json:"claim_ttl,omitempty"`
}

type LimitsConfig struct {
	// MaxPerDay 0 disables the daily ceiling; absent means the default.
	MaxPerDay *int `json:"max_per_day,omitempty"`
	MaxPerRun int `json:"max_per_run,omitempty"`
	// MinInterval between successful publishes. "0s" disables pacing.
	MinInterval string `json:"min_interval,omitempty"`
	// FollowupPause before the reply post is sent.
	FollowupPause string `json:"followup_pause,omitempty"`
}

type ReconcileConfig struct {
	RemoteLimit int `json:"remote_limit,omitempty"`
	PrefixChars int `json:"prefix_chars,omitempty"`
	// RequireRemote holds every candidate when the account listing fails.
	// Pointer so an explicit false can be told apart from "omitted" (true).
	RequireRemote *bool `json:"require_remote,omitempty"`
}

type RetentionConfig struct {
	// DeleteAfterPost removes the schedule row once the history line is
	// written. Omitted means true.
	DeleteAfterPost *bool `json:"delete_after_post,omitempty"`
	// ArchiveAfterDays is the default age for the archive command.
	ArchiveAfterDays int    `json:"archive_after_days,omitempty"`
	ArchiveDir       string `json:"archive_dir,omitempty"`
}

// StorageConfig selects the schedule store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/posts.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type HistoryConfig struct {
	Path string `json:"path"`
}

// PlatformConfig holds the publishing account. Credentials may be left empty
// here and supplied through the environment or the OS keyring instead.
type PlatformConfig struct {
	BaseURL     string `json:"base_url,omitempty"`
	TokenURL    string `json:"token_url,omitempty"`
	UserID      string `json:"user_id,omitempty"`
	AccessToken string `json:"access_token,omitempty"`

	Timeout           string  `json:"timeout,omitempty"`
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"`
	ReadRetries       int     `json:"read_retries,omitempty"`
	UserAgent         string  `json:"user_agent,omitempty"`
	DisableTopics     bool    `json:"disable_topics,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// TelegramConfig is the operator chat. When set, run events (published,
// failed, run summary) are sent there and log forwarding may use it.
type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	// Events filters which event types are forwarded. Empty means all.
	Events []string `json:"events,omitempty"`
	// Timeout is a Go duration string for each API call.
	Timeout string `json:"timeout,omitempty"`
}

// ServeConfig controls the long-running mode.
type ServeConfig struct {
	// Spec is the trigger cron expression. Empty means schedule.spec.
	Spec string `json:"spec,omitempty"`
	// RunTimeout bounds one invocation. "0s" disables it.
	RunTimeout string `json:"run_timeout,omitempty"`
	// Watch reloads the config file on change.
	Watch bool `json:"watch,omitempty"`
}
