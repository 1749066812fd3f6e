package config

type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	HTTP        HTTPConfig        `json:"http"`
	WhatsApp    WhatsAppConfig    `json:"whatsapp"`
	Queue       QueueConfig       `json:"queue"`
	Reconnect   ReconnectConfig   `json:"reconnect"`
	Telegram    TelegramConfig    `json:"telegram"`
	Maintenance MaintenanceConfig `json:"maintenance"`
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

// LoggingTelegram forwards log lines at or above MinLevel to the bot's notify chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls persistence of session records and the audit log.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/joinbot.db" }
//
// An empty driver (or "none") keeps state in memory only.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// HTTPConfig controls the observer gateway.
//
// Security note: Token guards both the REST snapshot and the WebSocket. Leave
// it empty only when Addr is bound to loopback.
type HTTPConfig struct {
	Addr  string `json:"addr"`
	Token string `json:"token,omitempty"`
	Pprof bool   `json:"pprof,omitempty"`
}

type WhatsAppConfig struct {
	DataDir    string `json:"data_dir"`
	DeviceName string `json:"device_name,omitempty"`
	// PairingDelay is how long after opening a socket the pairing code is requested.
	PairingDelay string `json:"pairing_delay,omitempty"`
}

// QueueConfig holds queue defaults. Durations are Go duration strings.
type QueueConfig struct {
	// DefaultInterval is the interval in seconds given to new sessions.
	DefaultInterval int `json:"default_interval"`
	// JoinRatePerMin caps accept-invite calls across all sessions; 0 disables.
	JoinRatePerMin int    `json:"join_rate_per_min,omitempty"`
	JoinTimeout    string `json:"join_timeout,omitempty"`
}

type ReconnectConfig struct {
	BaseDelay   string `json:"base_delay,omitempty"`
	MaxDelay    string `json:"max_delay,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
	Cooldown    string `json:"cooldown,omitempty"`
}

type TelegramConfig struct {
	Enabled        bool    `json:"enabled"`
	Token          string  `json:"token"`
	OwnerUserIDs   []int64 `json:"owner_user_ids"`
	NotifyChatID   int64   `json:"notify_chat_id,omitempty"`
	NotifyThreadID int     `json:"notify_thread_id,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type MaintenanceConfig struct {
	AuditRetention     string `json:"audit_retention,omitempty"`
	PruneSchedule      string `json:"prune_schedule,omitempty"`
	AutoResumeSchedule string `json:"auto_resume_schedule,omitempty"`
}
