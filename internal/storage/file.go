package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "joinbot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.records.json  (record map, rewritten whole on every change)
//   - <prefix>.sessions.json (ordered active session IDs)
//   - <prefix>.audit.jsonl   (append-only JSON Lines)
//
// Writes are whole-document overwrites (temp file + rename); mu serializes
// writers so last-writer-wins never interleaves two documents.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	recordsPath string
	activePath  string
	auditPath   string

	records map[string]json.RawMessage
	active  []string

	auditFile *os.File
}

type recordsDoc struct {
	Users map[string]json.RawMessage `json:"users"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:         log,
		recordsPath: prefix + ".records.json",
		activePath:  prefix + ".sessions.json",
		auditPath:   prefix + ".audit.jsonl",
		records:     map[string]json.RawMessage{},
	}

	// Corrupt or missing documents start empty; the service keeps running.
	var doc recordsDoc
	if err := readJSON(s.recordsPath, &doc); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("records document unreadable; starting empty", logx.String("path", s.recordsPath), logx.Err(err))
	} else if doc.Users != nil {
		s.records = doc.Users
	}
	if err := readJSON(s.activePath, &s.active); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("session list unreadable; starting empty", logx.String("path", s.activePath), logx.Err(err))
		s.active = nil
	}

	af, err := os.OpenFile(s.auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.auditFile = af
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}

func (s *fileStore) LoadRecords(ctx context.Context) (map[string]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]json.RawMessage, len(s.records))
	for k, v := range s.records {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out, nil
}

func (s *fileStore) PutRecord(ctx context.Context, id string, data json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id] = append(json.RawMessage(nil), data...)
	return writeJSON(s.recordsPath, recordsDoc{Users: s.records})
}

func (s *fileStore) DeleteRecord(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return nil
	}
	delete(s.records, id)
	return writeJSON(s.recordsPath, recordsDoc{Users: s.records})
}

func (s *fileStore) LoadActive(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.active...), nil
}

func (s *fileStore) SaveActive(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = append([]string(nil), ids...)
	if s.active == nil {
		s.active = []string{}
	}
	return writeJSON(s.activePath, s.active)
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

// PruneAudit rewrites the audit journal without entries older than before.
func (s *fileStore) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.auditPath)
	if err != nil {
		return 0, err
	}
	var kept []AuditEntry
	var removed int64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			removed++
			continue
		}
		if e.At.Before(before) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	_ = f.Close()
	if err := sc.Err(); err != nil {
		return 0, err
	}
	if removed == 0 {
		return 0, nil
	}

	tmp := s.auditPath + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(out)
	for _, e := range kept {
		if err := enc.Encode(e); err != nil {
			_ = out.Close()
			return 0, err
		}
	}
	if err := out.Close(); err != nil {
		return 0, err
	}

	if s.auditFile != nil {
		_ = s.auditFile.Close()
	}
	if err := os.Rename(tmp, s.auditPath); err != nil {
		return 0, err
	}
	af, err := os.OpenFile(s.auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.auditFile = nil
		return removed, err
	}
	s.auditFile = af
	return removed, nil
}

func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
