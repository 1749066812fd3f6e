package session

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"sync"
	"time"

	"joinbot/internal/eventbus"
	"joinbot/internal/storage"
	logx "joinbot/pkg/logx"
)

// Table owns the session records and the active-session list.
//
// Every mutation is persisted through the Store (serialized by mu, so the
// store always sees mutations in order) and followed by a sessionUpdate event.
// Persistence failures are logged; they never fail the mutation.
type Table struct {
	log   logx.Logger
	store storage.Store
	bus   eventbus.Bus

	mu              sync.Mutex
	records         map[string]*Record
	active          []string
	defaultInterval int
}

func NewTable(store storage.Store, bus eventbus.Bus, log logx.Logger) *Table {
	if store == nil {
		store = storage.NewMemory()
	}
	return &Table{
		log:             log,
		store:           store,
		bus:             bus,
		records:         map[string]*Record{},
		defaultInterval: DefaultInterval,
	}
}

// SetDefaultInterval changes the interval given to newly created records.
func (t *Table) SetDefaultInterval(sec int) {
	if sec <= 0 {
		return
	}
	t.mu.Lock()
	t.defaultInterval = sec
	t.mu.Unlock()
}

// Load reads records and the active list from the store. Active IDs without a
// record get a default record so the active-list invariant holds.
func (t *Table) Load(ctx context.Context) error {
	raw, err := t.store.LoadRecords(ctx)
	if err != nil {
		return err
	}
	active, err := t.store.LoadActive(ctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.records = make(map[string]*Record, len(raw))
	for id, data := range raw {
		var r Record
		if err := json.Unmarshal(data, &r); err != nil {
			t.log.Warn("dropping unreadable session record", logx.String("session", id), logx.Err(err))
			continue
		}
		r.normalize()
		// Nothing is connected at process start.
		r.Status = StatusDisconnected
		t.records[id] = &r
	}

	t.active = t.active[:0]
	seen := map[string]struct{}{}
	for _, id := range active {
		if _, dup := seen[id]; dup || !ValidID(id) {
			continue
		}
		seen[id] = struct{}{}
		t.active = append(t.active, id)
		if _, ok := t.records[id]; !ok {
			r := newRecord(t.defaultInterval)
			t.records[id] = &r
			t.persistLocked(ctx, id)
		}
	}
	t.log.Info("session table loaded", logx.Int("records", len(t.records)), logx.Int("active", len(t.active)))
	return nil
}

// Ensure creates a default record for id if none exists.
func (t *Table) Ensure(ctx context.Context, id string) (Record, bool) {
	t.mu.Lock()
	if r, ok := t.records[id]; ok {
		out := r.Clone()
		t.mu.Unlock()
		return out, false
	}
	r := newRecord(t.defaultInterval)
	r.UpdatedAt = time.Now()
	t.records[id] = &r
	t.persistLocked(ctx, id)
	out := r.Clone()
	t.mu.Unlock()

	t.publish(id, out)
	return out, true
}

// Get returns a copy of the record for id.
func (t *Table) Get(id string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[id]
	if !ok {
		return Record{}, false
	}
	return r.Clone(), true
}

// Update applies fn to the record for id. When fn reports a change, the record
// is normalized, persisted and published. It returns the resulting record.
func (t *Table) Update(ctx context.Context, id string, fn func(r *Record) bool) (Record, bool) {
	t.mu.Lock()
	r, ok := t.records[id]
	if !ok {
		t.mu.Unlock()
		return Record{}, false
	}
	changed := fn(r)
	if changed {
		r.normalize()
		r.UpdatedAt = time.Now()
		t.persistLocked(ctx, id)
	}
	out := r.Clone()
	t.mu.Unlock()

	if changed {
		t.publish(id, out)
	}
	return out, true
}

// Delete removes the record for id.
func (t *Table) Delete(ctx context.Context, id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.records[id]; !ok {
		return false
	}
	delete(t.records, id)
	if err := t.store.DeleteRecord(ctx, id); err != nil {
		t.log.Warn("delete record failed", logx.String("session", id), logx.Err(err))
	}
	return true
}

// Active returns the ordered active-session list.
func (t *Table) Active() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.active...)
}

// IsActive reports whether id is in the active list.
func (t *Table) IsActive(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Contains(t.active, id)
}

// AddActive appends id to the active list (idempotent).
func (t *Table) AddActive(ctx context.Context, id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if slices.Contains(t.active, id) {
		return false
	}
	t.active = append(t.active, id)
	t.saveActiveLocked(ctx)
	return true
}

// RemoveActive drops id from the active list.
func (t *Table) RemoveActive(ctx context.Context, id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := slices.Index(t.active, id)
	if i < 0 {
		return false
	}
	t.active = slices.Delete(t.active, i, i+1)
	t.saveActiveLocked(ctx)
	return true
}

// Snapshot returns the active list and copies of every record.
func (t *Table) Snapshot() ([]string, map[string]Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	recs := make(map[string]Record, len(t.records))
	for id, r := range t.records {
		recs[id] = r.Clone()
	}
	return append([]string(nil), t.active...), recs
}

// IDs returns all record IDs, sorted.
func (t *Table) IDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.records))
	for id := range t.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (t *Table) persistLocked(ctx context.Context, id string) {
	r, ok := t.records[id]
	if !ok {
		return
	}
	b, err := json.Marshal(r)
	if err != nil {
		t.log.Error("encode record failed", logx.String("session", id), logx.Err(err))
		return
	}
	if err := t.store.PutRecord(ctx, id, b); err != nil {
		t.log.Warn("persist record failed", logx.String("session", id), logx.Err(err))
	}
}

func (t *Table) saveActiveLocked(ctx context.Context) {
	if err := t.store.SaveActive(ctx, t.active); err != nil {
		t.log.Warn("persist session list failed", logx.Err(err))
	}
}

func (t *Table) publish(id string, r Record) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(eventbus.Event{
		Type:      eventbus.TypeSessionUpdate,
		SessionID: id,
		Data:      UpdateData{SessionID: id, Data: r},
	})
}

// UpdateData is the sessionUpdate payload.
type UpdateData struct {
	SessionID string `json:"sessionId"`
	Data      Record `json:"data"`
}
