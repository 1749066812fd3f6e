package maintenance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"joinbot/internal/session"
	"joinbot/internal/storage"
	logx "joinbot/pkg/logx"
)

type fakeStarter struct {
	mu      sync.Mutex
	started []string
}

func (f *fakeStarter) Start(_ context.Context, id string) bool {
	f.mu.Lock()
	f.started = append(f.started, id)
	f.mu.Unlock()
	return true
}

func TestValidateSchedules(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, nil, nil, nil, logx.Nop())
	assert.NoError(t, s.Validate(Config{PruneSchedule: "@daily", AutoResumeSchedule: "*/15 * * * *"}))
	assert.NoError(t, s.Validate(Config{PruneSchedule: "0 30 3 * * *"}))
	assert.Error(t, s.Validate(Config{PruneSchedule: "every day"}))
	assert.Error(t, s.Validate(Config{AutoResumeSchedule: "61 * * * *"}))
}

func TestPruneUsesRetention(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.AppendAudit(ctx, storage.AuditEntry{At: now.Add(-48 * time.Hour), Action: "old"}))
	require.NoError(t, store.AppendAudit(ctx, storage.AuditEntry{At: now.Add(-time.Hour), Action: "new"}))

	s := New(Config{AuditRetention: 24 * time.Hour}, store, nil, nil, nil, logx.Nop())
	s.nowFunc = func() time.Time { return now }
	assert.EqualValues(t, 1, s.Prune(ctx))
	assert.EqualValues(t, 0, s.Prune(ctx))

	s.cfg.AuditRetention = 0
	assert.EqualValues(t, 0, s.Prune(ctx))
}

func TestResumeRateLimited(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tbl := session.NewTable(nil, nil, logx.Nop())
	set := func(id string, fn func(r *session.Record)) {
		tbl.Ensure(ctx, id)
		tbl.Update(ctx, id, func(r *session.Record) bool { fn(r); return true })
	}
	set("limited", func(r *session.Record) {
		r.Append([]string{"a", "b"})
		r.HaltReason = session.HaltRateLimited
	})
	set("exhausted", func(r *session.Record) {
		r.Append([]string{"a"})
		r.CurrentIndex = 1
		r.HaltReason = session.HaltRateLimited
	})
	set("stopped", func(r *session.Record) {
		r.Append([]string{"a"})
		r.HaltReason = session.HaltStopped
	})
	set("running", func(r *session.Record) {
		r.Append([]string{"a"})
		r.IsRunning = true
	})

	q := &fakeStarter{}
	s := New(Config{}, nil, tbl, q, nil, logx.Nop())
	assert.Equal(t, []string{"limited"}, s.ResumeRateLimited(ctx))
	assert.Equal(t, []string{"limited"}, q.started)
}

func TestStartApplyStop(t *testing.T) {
	t.Parallel()
	s := New(Config{AuditRetention: time.Hour, PruneSchedule: "@hourly"}, storage.NewMemory(), nil, &fakeStarter{}, nil, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	assert.Len(t, s.c.Entries(), 1)

	require.NoError(t, s.Apply(Config{AuditRetention: time.Hour, PruneSchedule: "@hourly", AutoResumeSchedule: "@every 5m"}))
	assert.Len(t, s.c.Entries(), 2)
	assert.Error(t, s.Apply(Config{PruneSchedule: "bogus"}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.Nil(t, s.c)
}
