// Package whatsapp implements the transport contract on top of whatsmeow.
//
// Each session keeps its own credential database at <data_dir>/<id>.db so
// sessions can be purged independently.
package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	_ "modernc.org/sqlite"

	"joinbot/internal/transport"
	logx "joinbot/pkg/logx"
)

type Config struct {
	DataDir    string
	DeviceName string
	// BusyTimeout is applied to each credential database.
	BusyTimeout time.Duration
}

type Factory struct {
	cfg Config
	log logx.Logger
}

func NewFactory(cfg Config, log logx.Logger) (*Factory, error) {
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./data/wa"
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if cfg.DeviceName != "" {
		store.SetOSInfo(cfg.DeviceName, [3]uint32{1, 0, 0})
	}
	return &Factory{cfg: cfg, log: log}, nil
}

func (f *Factory) dbPath(sessionID string) string {
	return filepath.Join(f.cfg.DataDir, sessionID+".db")
}

func (f *Factory) Open(ctx context.Context, sessionID string, h transport.Handler) (transport.Client, error) {
	log := f.log.With(logx.String("session", sessionID))

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)",
		f.dbPath(sessionID), f.cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open credential db: %w", err)
	}
	db.SetMaxOpenConns(1)

	container := sqlstore.NewWithDB(db, "sqlite3", newWALogger(log, "Database"))
	if err := container.Upgrade(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("upgrade credential db: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load device: %w", err)
	}

	cli := whatsmeow.NewClient(device, newWALogger(log, "Client"))
	cli.EnableAutoReconnect = false
	return newClient(cli, db, h, log), nil
}

// Purge deletes the session's credential database and its WAL companions.
func (f *Factory) Purge(_ context.Context, sessionID string) error {
	base := f.dbPath(sessionID)
	var errs []error
	for _, p := range []string{base, base + "-wal", base + "-shm", base + "-journal"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
