package control

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"joinbot/internal/session"
	"joinbot/internal/storage"
	logx "joinbot/pkg/logx"
)

const (
	codeA = "AbCdEfGhIjKlMnOpQrStUv"
	codeB = "ZyXwVuTsRqPoNmLkJiHgFe"
)

type fakeLifecycle struct {
	mu      sync.Mutex
	created map[string]session.CreateOptions
	deleted []string
	err     error
}

func (f *fakeLifecycle) Create(_ context.Context, id string, opts session.CreateOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created[id] = opts
	return f.err
}

func (f *fakeLifecycle) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeQueue struct {
	mu       sync.Mutex
	table    *session.Table
	started  []string
	stopped  []string
	canceled []string
}

func (q *fakeQueue) Start(ctx context.Context, id string) bool {
	q.mu.Lock()
	q.started = append(q.started, id)
	q.mu.Unlock()
	_, ok := q.table.Update(ctx, id, func(r *session.Record) bool {
		if r.IsRunning {
			return false
		}
		r.IsRunning = true
		return true
	})
	return ok
}

func (q *fakeQueue) Stop(ctx context.Context, id string) bool {
	q.mu.Lock()
	q.stopped = append(q.stopped, id)
	q.mu.Unlock()
	_, ok := q.table.Update(ctx, id, func(r *session.Record) bool {
		r.IsRunning = false
		return true
	})
	return ok
}

func (q *fakeQueue) Cancel(id string) {
	q.mu.Lock()
	q.canceled = append(q.canceled, id)
	q.mu.Unlock()
}

type fixture struct {
	svc   *Service
	table *session.Table
	life  *fakeLifecycle
	queue *fakeQueue
	store storage.Store
}

func newFixture(t *testing.T, ids ...string) *fixture {
	t.Helper()
	store := storage.NewMemory()
	tbl := session.NewTable(store, nil, logx.Nop())
	for _, id := range ids {
		tbl.Ensure(context.Background(), id)
	}
	life := &fakeLifecycle{created: map[string]session.CreateOptions{}}
	q := &fakeQueue{table: tbl}
	return &fixture{svc: New(tbl, life, q, store, logx.Nop()), table: tbl, life: life, queue: q, store: store}
}

func (fx *fixture) rec(id string) session.Record {
	r, _ := fx.table.Get(id)
	return r
}

func (fx *fixture) auditCount(t *testing.T) int64 {
	t.Helper()
	n, err := fx.store.PruneAudit(context.Background(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	return n
}

func TestAddLinksIgnoresMalformed(t *testing.T) {
	fx := newFixture(t, "s1")
	text := "join https://chat.whatsapp.com/" + codeA + " and https://chat.whatsapp.com/short"

	res := fx.svc.AddLinks(context.Background(), "test", []string{"s1"}, text)
	assert.Equal(t, 1, res.OK)
	assert.Equal(t, "1 links distributed to 1 sessions", res.Message)
	assert.Equal(t, []string{codeA}, fx.rec("s1").Queue)
}

func TestAddLinksIsIdempotent(t *testing.T) {
	fx := newFixture(t, "s1", "s2")
	text := "https://chat.whatsapp.com/" + codeA + "\nhttps://whatsapp.com/channel/" + codeB
	ctx := context.Background()

	fx.svc.AddLinks(ctx, "test", []string{"s1", "s2"}, text)
	fx.svc.AddLinks(ctx, "test", []string{"s1", "s2"}, text+" https://chat.whatsapp.com/"+codeA)

	assert.Equal(t, []string{codeA, codeB}, fx.rec("s1").Queue)
	assert.Equal(t, []string{codeA, codeB}, fx.rec("s2").Queue)
}

func TestAddLinksSkipsUnknownSessions(t *testing.T) {
	fx := newFixture(t, "s1")
	res := fx.svc.AddLinks(context.Background(), "test", []string{"ghost", "s1"}, "chat.whatsapp.com/"+codeA)
	assert.Equal(t, 1, res.OK)
	assert.Equal(t, 1, res.Skipped)
	assert.Len(t, fx.rec("s1").Queue, 1)
	_, ok := fx.table.Get("ghost")
	assert.False(t, ok)
}

func TestAddLinksWithoutCodes(t *testing.T) {
	fx := newFixture(t, "s1")
	res := fx.svc.AddLinks(context.Background(), "test", []string{"s1"}, "nothing here")
	assert.Zero(t, res.OK)
	assert.Empty(t, res.Message)
	assert.Empty(t, fx.rec("s1").Queue)
	assert.Zero(t, fx.auditCount(t))
}

func TestControlInterval(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		value string
		want  int
	}{
		{"30", 30},
		{" 5 ", 5},
		{"-5", session.DefaultInterval},
		{"0", session.DefaultInterval},
		{"abc", session.DefaultInterval},
		{"", session.DefaultInterval},
	}
	for _, tt := range tests {
		fx := newFixture(t, "s1")
		fx.svc.Control(ctx, "test", []string{"s1"}, ActionInterval, tt.value)
		assert.Equal(t, tt.want, fx.rec("s1").Interval, "value %q", tt.value)
	}
}

func TestControlStartStop(t *testing.T) {
	fx := newFixture(t, "s1", "s2")
	ctx := context.Background()

	res := fx.svc.Control(ctx, "test", []string{"s1", "missing", "s2"}, ActionStart, "")
	assert.Equal(t, 2, res.OK)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, []string{"s1", "s2"}, fx.queue.started)
	assert.True(t, fx.rec("s1").IsRunning)

	fx.svc.Control(ctx, "test", []string{"s1"}, ActionStop, "")
	assert.False(t, fx.rec("s1").IsRunning)
	assert.True(t, fx.rec("s2").IsRunning)
}

func TestControlClearKeepsConnectionState(t *testing.T) {
	fx := newFixture(t, "s1")
	ctx := context.Background()
	fx.table.Update(ctx, "s1", func(r *session.Record) bool {
		r.Queue = []string{codeA, codeB}
		r.CurrentIndex = 1
		r.TotalJoined = 1
		r.IsRunning = true
		r.Status = session.StatusConnected
		r.Phone = "15550001111"
		return true
	})

	fx.svc.Control(ctx, "test", []string{"s1"}, ActionClear, "")
	rec := fx.rec("s1")
	assert.Empty(t, rec.Queue)
	assert.Zero(t, rec.CurrentIndex)
	assert.Zero(t, rec.TotalJoined)
	assert.False(t, rec.IsRunning)
	assert.Equal(t, session.StatusConnected, rec.Status)
	assert.Equal(t, "15550001111", rec.Phone)
	assert.Equal(t, []string{"s1"}, fx.queue.canceled)
}

func TestControlUnknownAction(t *testing.T) {
	fx := newFixture(t, "s1")
	res := fx.svc.Control(context.Background(), "test", []string{"s1"}, Action("explode"), "")
	assert.Zero(t, res.OK)
	assert.Equal(t, 1, res.Skipped)
}

func TestCreateSession(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.svc.CreateSession(ctx, "test", "s1", "phone", " 628123 "))
	assert.Equal(t, session.CreateOptions{Mode: session.AuthPhone, Phone: "628123"}, fx.life.created["s1"])

	require.NoError(t, fx.svc.CreateSession(ctx, "test", "s2", "", ""))
	assert.Equal(t, session.AuthQR, fx.life.created["s2"].Mode)

	require.Error(t, fx.svc.CreateSession(ctx, "test", "s3", "phone", ""))
	_, called := fx.life.created["s3"]
	assert.False(t, called)

	fx.life.err = errors.New("boom")
	require.Error(t, fx.svc.CreateSession(ctx, "test", "s4", "qr", ""))
	assert.EqualValues(t, 4, fx.auditCount(t))
}

func TestDeleteSession(t *testing.T) {
	fx := newFixture(t, "s1")
	ctx := context.Background()
	require.NoError(t, fx.svc.DeleteSession(ctx, "test", "s1"))
	assert.Equal(t, []string{"s1"}, fx.life.deleted)

	err := fx.svc.DeleteSession(ctx, "test", "ghost")
	require.ErrorIs(t, err, session.ErrUnknownSession)
}

func TestSnapshot(t *testing.T) {
	fx := newFixture(t, "s1")
	fx.table.AddActive(context.Background(), "s1")
	snap := fx.svc.Snapshot()
	assert.Equal(t, []string{"s1"}, snap.Sessions)
	assert.Contains(t, snap.Users, "s1")
}
