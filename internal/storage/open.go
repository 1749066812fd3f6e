package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	logx "joinbot/pkg/logx"
)

// Store is the durability API used by the session table and the control surface.
//
// Records are opaque JSON documents keyed by session ID. The active list is
// persisted independently so restoration does not depend on record integrity.
type Store interface {
	LoadRecords(ctx context.Context) (map[string]json.RawMessage, error)
	PutRecord(ctx context.Context, id string, data json.RawMessage) error
	DeleteRecord(ctx context.Context, id string) error

	LoadActive(ctx context.Context) ([]string, error)
	SaveActive(ctx context.Context, ids []string) error

	AppendAudit(ctx context.Context, e AuditEntry) error
	PruneAudit(ctx context.Context, before time.Time) (int64, error)

	Close() error
}

// Open initializes the configured store.
// A disabled store is served from memory so the rest of the service behaves the same.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "none", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
