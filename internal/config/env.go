package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix namespaces every override variable.
const EnvPrefix = "JOINBOT_"

// envOverrides lists the settings deployments usually inject from the
// environment (secrets, addresses, paths). Non-empty values win over the file.
type envOverrides struct {
	LogLevel        string  `env:"LOG_LEVEL"`
	StorageDriver   string  `env:"STORAGE_DRIVER"`
	StoragePath     string  `env:"STORAGE_PATH"`
	HTTPAddr        string  `env:"HTTP_ADDR"`
	HTTPToken       string  `env:"HTTP_TOKEN"`
	WhatsAppDataDir string  `env:"WHATSAPP_DATA_DIR"`
	JoinRatePerMin  string  `env:"JOIN_RATE_PER_MIN"`
	TelegramEnabled string  `env:"TELEGRAM_ENABLED"`
	TelegramToken   string  `env:"TELEGRAM_TOKEN"`
	TelegramOwners  []int64 `env:"TELEGRAM_OWNER_USER_IDS" envSeparator:","`
	TelegramChatID  string  `env:"TELEGRAM_NOTIFY_CHAT_ID"`
}

// ApplyEnv overlays JOINBOT_* variables from the process environment.
func ApplyEnv(cfg *Config) error {
	return applyEnv(cfg, nil)
}

// applyEnv overlays variables from environ, or the process environment when nil.
func applyEnv(cfg *Config, environ map[string]string) error {
	var o envOverrides
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Logging.Level, o.LogLevel)
	set(&cfg.Storage.Driver, o.StorageDriver)
	set(&cfg.Storage.Path, o.StoragePath)
	set(&cfg.HTTP.Addr, o.HTTPAddr)
	set(&cfg.HTTP.Token, o.HTTPToken)
	set(&cfg.WhatsApp.DataDir, o.WhatsAppDataDir)
	set(&cfg.Telegram.Token, o.TelegramToken)

	if v := strings.TrimSpace(o.JoinRatePerMin); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sJOIN_RATE_PER_MIN: %w", EnvPrefix, err)
		}
		cfg.Queue.JoinRatePerMin = n
	}
	if v := strings.TrimSpace(o.TelegramEnabled); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sTELEGRAM_ENABLED: %w", EnvPrefix, err)
		}
		cfg.Telegram.Enabled = b
	}
	if len(o.TelegramOwners) > 0 {
		cfg.Telegram.OwnerUserIDs = o.TelegramOwners
	}
	if v := strings.TrimSpace(o.TelegramChatID); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sTELEGRAM_NOTIFY_CHAT_ID: %w", EnvPrefix, err)
		}
		cfg.Telegram.NotifyChatID = id
	}
	return nil
}
