package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./data/joinbot.db
  busy_timeout: 2s
http:
  addr: ":3000"
whatsapp:
  data_dir: ./data/wa
queue:
  default_interval: 15
  join_rate_per_min: 20
reconnect:
  base_delay: 2s
  max_attempts: 5
telegram:
  enabled: false
maintenance:
  audit_retention: 720h
  prune_schedule: "@daily"
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))
	m.environ = map[string]string{}
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 15, cfg.Queue.DefaultInterval)
	assert.Equal(t, 5, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, "@daily", cfg.Maintenance.PruneSchedule)
	assert.Same(t, cfg, m.Get())
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "config.json", `{"queue":{"default_interval":5,"bogus":1}}`))
	m.environ = map[string]string{}
	_, err := m.Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "config.json", `{} {}`))
	m.environ = map[string]string{}
	_, err := m.Parse()
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Parallel()
	cfg := Config{HTTP: HTTPConfig{Addr: ":3000", Token: "file"}}
	err := applyEnv(&cfg, map[string]string{
		"JOINBOT_HTTP_TOKEN":              "env-secret",
		"JOINBOT_TELEGRAM_ENABLED":        "true",
		"JOINBOT_TELEGRAM_OWNER_USER_IDS": "1,2",
		"JOINBOT_TELEGRAM_NOTIFY_CHAT_ID": "-100123",
		"JOINBOT_JOIN_RATE_PER_MIN":       "12",
		"HTTP_TOKEN":                      "unprefixed",
	})
	require.NoError(t, err)
	assert.Equal(t, ":3000", cfg.HTTP.Addr)
	assert.Equal(t, "env-secret", cfg.HTTP.Token)
	assert.True(t, cfg.Telegram.Enabled)
	assert.Equal(t, []int64{1, 2}, cfg.Telegram.OwnerUserIDs)
	assert.Equal(t, int64(-100123), cfg.Telegram.NotifyChatID)
	assert.Equal(t, 12, cfg.Queue.JoinRatePerMin)

	assert.Error(t, applyEnv(&cfg, map[string]string{"JOINBOT_TELEGRAM_ENABLED": "maybe"}))
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"empty", Config{}, true},
		{"bad duration", Config{Queue: QueueConfig{JoinTimeout: "soon"}}, false},
		{"negative duration", Config{Reconnect: ReconnectConfig{BaseDelay: "-1s"}}, false},
		{"sqlite without path", Config{Storage: StorageConfig{Driver: "sqlite"}}, false},
		{"unknown driver", Config{Storage: StorageConfig{Driver: "redis"}}, false},
		{"telegram without token", Config{Telegram: TelegramConfig{Enabled: true, OwnerUserIDs: []int64{1}}}, false},
		{"telegram without owners", Config{Telegram: TelegramConfig{Enabled: true, Token: "t"}}, false},
		{"telegram ok", Config{Telegram: TelegramConfig{Enabled: true, Token: "t", OwnerUserIDs: []int64{1}}}, true},
		{"log sink without chat", Config{
			Logging:  LoggingConfig{Telegram: LoggingTelegram{Enabled: true}},
			Telegram: TelegramConfig{Enabled: true, Token: "t", OwnerUserIDs: []int64{1}},
		}, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&tt.cfg)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a := &Config{HTTP: HTTPConfig{Token: "one"}, Queue: QueueConfig{DefaultInterval: 10}}
	b := &Config{HTTP: HTTPConfig{Token: "two"}, Queue: QueueConfig{DefaultInterval: 20}}
	sections, attrs := SummarizeConfigChange(a, b)
	assert.Equal(t, []string{"http", "queue"}, sections)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"http"}, RestartRequired(sections))

	sections, _ = SummarizeConfigChange(a, a)
	assert.Empty(t, sections)
}

func TestDurationHelpers(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, d)

	d, err = ParseDurationOrDefault("x", "250ms", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	_, err = ParseDurationField("x", "nope")
	assert.ErrorContains(t, err, "x: invalid duration")
}

func TestWatchPublishesValidReloads(t *testing.T) {
	path := writeFile(t, "config.json", `{"queue":{"default_interval":10}}`)
	m := NewConfigManager(path)
	m.environ = map[string]string{}
	_, err := m.Load()
	require.NoError(t, err)

	sub := m.Subscribe(4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher time to register the directory.
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(`{"queue":{"default_interval":-1}}`), 0o600))
	select {
	case <-sub:
		t.Fatal("invalid config must not be published")
	case <-time.After(800 * time.Millisecond):
	}

	require.NoError(t, os.WriteFile(path, []byte(`{"queue":{"default_interval":30}}`), 0o600))
	select {
	case cfg := <-sub:
		assert.Equal(t, 30, cfg.Queue.DefaultInterval)
		assert.Equal(t, 30, m.Get().Queue.DefaultInterval)
	case <-time.After(3 * time.Second):
		t.Fatal("reload not published")
	}
}
