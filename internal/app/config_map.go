package app

import (
	"strings"
	"time"

	"joinbot/internal/config"
	"joinbot/internal/gateway"
	"joinbot/internal/maintenance"
	"joinbot/internal/queue"
	"joinbot/internal/session"
	"joinbot/internal/storage"
	"joinbot/internal/transport/telegram"
	"joinbot/internal/transport/whatsapp"
	logx "joinbot/pkg/logx"
)

// Durations are checked by config.Validate before any of these run, so parse
// errors are returned only for callers that skip validation.

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Remote: logx.RemoteConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
	}, nil
}

func mapGatewayConfig(cfg *config.Config) gateway.Config {
	return gateway.Config{Addr: cfg.HTTP.Addr, Token: cfg.HTTP.Token, Pprof: cfg.HTTP.Pprof}
}

func mapWhatsAppConfig(cfg *config.Config) (whatsapp.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return whatsapp.Config{}, err
	}
	return whatsapp.Config{
		DataDir:     cfg.WhatsApp.DataDir,
		DeviceName:  cfg.WhatsApp.DeviceName,
		BusyTimeout: busy,
	}, nil
}

func mapQueueConfig(cfg *config.Config) (queue.Config, error) {
	timeout, err := config.ParseDurationField("queue.join_timeout", cfg.Queue.JoinTimeout)
	if err != nil {
		return queue.Config{}, err
	}
	return queue.Config{JoinRatePerMin: cfg.Queue.JoinRatePerMin, JoinTimeout: timeout}, nil
}

// mapReconnectPolicy leaves zero fields for the policy's own defaults.
func mapReconnectPolicy(cfg *config.Config) (session.ReconnectPolicy, error) {
	rc := cfg.Reconnect
	base, err := config.ParseDurationField("reconnect.base_delay", rc.BaseDelay)
	if err != nil {
		return session.ReconnectPolicy{}, err
	}
	maxDelay, err := config.ParseDurationField("reconnect.max_delay", rc.MaxDelay)
	if err != nil {
		return session.ReconnectPolicy{}, err
	}
	cooldown, err := config.ParseDurationField("reconnect.cooldown", rc.Cooldown)
	if err != nil {
		return session.ReconnectPolicy{}, err
	}
	return session.ReconnectPolicy{
		BaseDelay:   base,
		MaxDelay:    maxDelay,
		MaxAttempts: rc.MaxAttempts,
		Cooldown:    cooldown,
	}, nil
}

func mapManagerConfig(cfg *config.Config) (session.ManagerConfig, error) {
	delay, err := config.ParseDurationField("whatsapp.pairing_delay", cfg.WhatsApp.PairingDelay)
	if err != nil {
		return session.ManagerConfig{}, err
	}
	policy, err := mapReconnectPolicy(cfg)
	if err != nil {
		return session.ManagerConfig{}, err
	}
	return session.ManagerConfig{PairingDelay: delay, Reconnect: policy}, nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:          cfg.Telegram.Token,
		OwnerUserIDs:   cfg.Telegram.OwnerUserIDs,
		NotifyChatID:   cfg.Telegram.NotifyChatID,
		NotifyThreadID: cfg.Telegram.NotifyThreadID,
		PollTimeout:    poll,
	}, nil
}

func mapMaintenanceConfig(cfg *config.Config) (maintenance.Config, error) {
	retention, err := config.ParseDurationField("maintenance.audit_retention", cfg.Maintenance.AuditRetention)
	if err != nil {
		return maintenance.Config{}, err
	}
	return maintenance.Config{
		AuditRetention:     retention,
		PruneSchedule:      cfg.Maintenance.PruneSchedule,
		AutoResumeSchedule: cfg.Maintenance.AutoResumeSchedule,
	}, nil
}
