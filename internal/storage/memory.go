package storage

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

type memStore struct {
	mu      sync.Mutex
	records map[string]json.RawMessage
	active  []string
	audit   []AuditEntry
}

// NewMemory returns a non-durable store.
func NewMemory() Store {
	return &memStore{records: map[string]json.RawMessage{}}
}

func (s *memStore) LoadRecords(ctx context.Context) (map[string]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]json.RawMessage, len(s.records))
	for k, v := range s.records {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out, nil
}

func (s *memStore) PutRecord(ctx context.Context, id string, data json.RawMessage) error {
	s.mu.Lock()
	s.records[id] = append(json.RawMessage(nil), data...)
	s.mu.Unlock()
	return nil
}

func (s *memStore) DeleteRecord(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
	return nil
}

func (s *memStore) LoadActive(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.active...), nil
}

func (s *memStore) SaveActive(ctx context.Context, ids []string) error {
	s.mu.Lock()
	s.active = append([]string(nil), ids...)
	s.mu.Unlock()
	return nil
}

func (s *memStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	s.audit = append(s.audit, e)
	s.mu.Unlock()
	return nil
}

func (s *memStore) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.audit[:0]
	var n int64
	for _, e := range s.audit {
		if e.At.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.audit = kept
	return n, nil
}

func (s *memStore) Close() error { return nil }
