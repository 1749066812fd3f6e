package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"joinbot/internal/config"
	"joinbot/internal/session"
)

func TestMapReconnectPolicy(t *testing.T) {
	t.Parallel()
	p, err := mapReconnectPolicy(&config.Config{Reconnect: config.ReconnectConfig{
		BaseDelay:   "1s",
		MaxAttempts: 4,
		Cooldown:    "10m",
	}})
	require.NoError(t, err)
	assert.Equal(t, session.ReconnectPolicy{BaseDelay: time.Second, MaxAttempts: 4, Cooldown: 10 * time.Minute}, p)

	_, err = mapReconnectPolicy(&config.Config{Reconnect: config.ReconnectConfig{MaxDelay: "x"}})
	assert.Error(t, err)
}

func TestMapStorageAndQueue(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Storage: config.StorageConfig{Driver: " SQLite ", Path: "./db"},
		Queue:   config.QueueConfig{JoinRatePerMin: 30, JoinTimeout: "20s"},
	}
	sc, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, time.Second, sc.BusyTimeout)

	qc, err := mapQueueConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 30, qc.JoinRatePerMin)
	assert.Equal(t, 20*time.Second, qc.JoinTimeout)
}

func TestMapTelegramAndLogging(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Logging:  config.LoggingConfig{Level: "debug", Telegram: config.LoggingTelegram{Enabled: true, MinLevel: "error", RatePerSec: 2}},
		Telegram: config.TelegramConfig{Token: "t", OwnerUserIDs: []int64{5}, NotifyChatID: -1, NotifyThreadID: 7},
	}
	tc, err := mapTelegramConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, tc.PollTimeout)
	assert.Equal(t, 7, tc.NotifyThreadID)

	lc := mapLogConfig(cfg)
	assert.True(t, lc.Remote.Enabled)
	assert.Equal(t, "error", lc.Remote.MinLevel)
	assert.Equal(t, 2, lc.Remote.RatePerSec)
}

func TestMapMaintenance(t *testing.T) {
	t.Parallel()
	mc, err := mapMaintenanceConfig(&config.Config{Maintenance: config.MaintenanceConfig{
		AuditRetention: "48h",
		PruneSchedule:  "@daily",
	}})
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, mc.AuditRetention)
	assert.Equal(t, "@daily", mc.PruneSchedule)
	assert.Empty(t, mc.AutoResumeSchedule)
}

func TestExampleConfigLeavesJoinsUnbounded(t *testing.T) {
	t.Parallel()
	cfg, err := config.NewConfigManager("../../config.example.yaml").Parse()
	require.NoError(t, err)
	require.NoError(t, config.Validate(cfg))

	qc, err := mapQueueConfig(cfg)
	require.NoError(t, err)
	assert.Zero(t, qc.JoinTimeout)
}
