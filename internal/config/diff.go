package config

import (
	"reflect"
	"strings"

	logx "joinbot/pkg/logx"
)

// Sections whose changes only take effect after a restart.
var restartSections = map[string]bool{
	"storage":  true,
	"http":     true,
	"whatsapp": true,
	"telegram": true,
}

// SummarizeConfigChange returns the changed sections and safe structured attrs
// for logging. Tokens are never included, only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}
	if oldCfg.WhatsApp != newCfg.WhatsApp {
		changed = append(changed, "whatsapp")
		attrs = append(attrs, logx.String("whatsapp.data_dir", newCfg.WhatsApp.DataDir))
	}
	if oldCfg.Queue != newCfg.Queue {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Int("queue.default_interval", newCfg.Queue.DefaultInterval),
			logx.Int("queue.join_rate_per_min", newCfg.Queue.JoinRatePerMin),
			logx.String("queue.join_timeout", newCfg.Queue.JoinTimeout),
		)
	}
	if oldCfg.Reconnect != newCfg.Reconnect {
		changed = append(changed, "reconnect")
		attrs = append(attrs,
			logx.String("reconnect.base_delay", newCfg.Reconnect.BaseDelay),
			logx.String("reconnect.max_delay", newCfg.Reconnect.MaxDelay),
			logx.Int("reconnect.max_attempts", newCfg.Reconnect.MaxAttempts),
		)
	}
	if telegramChanged(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.enabled", newCfg.Telegram.Enabled),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.notify_set", newCfg.Telegram.NotifyChatID != 0),
		)
	}
	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.String("maintenance.prune_schedule", newCfg.Maintenance.PruneSchedule),
			logx.String("maintenance.auto_resume_schedule", newCfg.Maintenance.AutoResumeSchedule),
		)
	}
	return changed, attrs
}

func telegramChanged(a, b TelegramConfig) bool {
	return a.Enabled != b.Enabled ||
		a.Token != b.Token ||
		a.NotifyChatID != b.NotifyChatID ||
		a.NotifyThreadID != b.NotifyThreadID ||
		strings.TrimSpace(a.PollTimeout) != strings.TrimSpace(b.PollTimeout) ||
		!reflect.DeepEqual(a.OwnerUserIDs, b.OwnerUserIDs)
}

// RestartRequired filters sections that cannot be applied live.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if restartSections[s] {
			out = append(out, s)
		}
	}
	return out
}
