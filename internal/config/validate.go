package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate rejects configs that would fail at startup or on reload. Schedule
// syntax is checked by the maintenance service, not here.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	durations := []struct{ path, raw string }{
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"whatsapp.pairing_delay", cfg.WhatsApp.PairingDelay},
		{"queue.join_timeout", cfg.Queue.JoinTimeout},
		{"reconnect.base_delay", cfg.Reconnect.BaseDelay},
		{"reconnect.max_delay", cfg.Reconnect.MaxDelay},
		{"reconnect.cooldown", cfg.Reconnect.Cooldown},
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"maintenance.audit_retention", cfg.Maintenance.AuditRetention},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "none", "memory", "file":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return errors.New("storage.path is required when storage.driver=sqlite")
		}
	default:
		return fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver)
	}

	if cfg.Queue.DefaultInterval < 0 {
		return errors.New("queue.default_interval must be >= 0")
	}
	if cfg.Queue.JoinRatePerMin < 0 {
		return errors.New("queue.join_rate_per_min must be >= 0")
	}
	if cfg.Reconnect.MaxAttempts < 0 {
		return errors.New("reconnect.max_attempts must be >= 0")
	}
	if cfg.Logging.Telegram.RatePerSec < 0 {
		return errors.New("logging.telegram.rate_per_sec must be >= 0")
	}

	if cfg.Telegram.Enabled {
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			return errors.New("telegram.token is required when telegram.enabled=true")
		}
		if len(cfg.Telegram.OwnerUserIDs) == 0 {
			return errors.New("telegram.owner_user_ids must not be empty when telegram.enabled=true")
		}
	}
	if cfg.Logging.Telegram.Enabled && (!cfg.Telegram.Enabled || cfg.Telegram.NotifyChatID == 0) {
		return errors.New("logging.telegram requires telegram.enabled and telegram.notify_chat_id")
	}
	return nil
}
