package config

import (
	"reflect"
	"sort"
	"strings"

	logx "postpilot/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and safe fields for
// logging them. Tokens are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Schedule, newCfg.Schedule) {
		changed = append(changed, "schedule")
		attrs = append(attrs,
			logx.String("schedule.timezone", strings.TrimSpace(newCfg.Schedule.Timezone)),
			logx.String("schedule.spec", strings.TrimSpace(newCfg.Schedule.Spec)),
			logx.String("schedule.tolerance", strings.TrimSpace(newCfg.Schedule.Tolerance)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Limits, newCfg.Limits) {
		changed = append(changed, "limits")
		attrs = append(attrs,
			logx.Int("limits.max_per_day", intOr(newCfg.Limits.MaxPerDay, DefaultMaxPerDay)),
			logx.Int("limits.max_per_run", newCfg.Limits.MaxPerRun),
			logx.String("limits.min_interval", newCfg.Limits.MinInterval),
		)
	}

	if !reflect.DeepEqual(oldCfg.Reconcile, newCfg.Reconcile) {
		changed = append(changed, "reconcile")
		attrs = append(attrs,
			logx.Int("reconcile.remote_limit", newCfg.Reconcile.RemoteLimit),
			logx.Bool("reconcile.require_remote", boolOr(newCfg.Reconcile.RequireRemote, true)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Retention, newCfg.Retention) {
		changed = append(changed, "retention")
		attrs = append(attrs,
			logx.Bool("retention.delete_after_post", boolOr(newCfg.Retention.DeleteAfterPost, true)),
			logx.Int("retention.archive_after_days", newCfg.Retention.ArchiveAfterDays),
		)
	}

	if oldCfg.Storage != newCfg.Storage || oldCfg.History != newCfg.History {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.String("storage.path", strings.TrimSpace(newCfg.Storage.Path)),
			logx.String("history.path", strings.TrimSpace(newCfg.History.Path)),
		)
	}

	op, np := oldCfg.Platform, newCfg.Platform
	tokenChanged := op.AccessToken != np.AccessToken
	op.AccessToken, np.AccessToken = "", ""
	if op != np || tokenChanged {
		changed = append(changed, "platform")
		attrs = append(attrs,
			logx.String("platform.base_url", np.BaseURL),
			logx.Bool("platform.user_id_set", strings.TrimSpace(np.UserID) != ""),
			logx.Bool("platform.token_changed", tokenChanged),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if !telegramEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs, logx.Bool("telegram.enabled", newCfg.Telegram != nil))
		if newCfg.Telegram != nil {
			attrs = append(attrs,
				logx.Int64("telegram.chat_id", newCfg.Telegram.ChatID),
				logx.Strs("telegram.events", newCfg.Telegram.Events),
			)
		}
	}

	if oldCfg.Serve != newCfg.Serve {
		changed = append(changed, "serve")
		attrs = append(attrs, logx.String("serve.spec", strings.TrimSpace(newCfg.Serve.Spec)))
	}

	if oldCfg.DryRun != newCfg.DryRun {
		changed = append(changed, "dry_run")
		attrs = append(attrs, logx.Bool("dry_run", newCfg.DryRun))
	}

	sort.Strings(changed)
	return changed, attrs
}

func telegramEqual(a, b *TelegramConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return reflect.DeepEqual(*a, *b)
}
