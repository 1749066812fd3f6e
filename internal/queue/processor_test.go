package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"joinbot/internal/eventbus"
	"joinbot/internal/runtime/supervisor"
	"joinbot/internal/session"
	"joinbot/internal/transport"
	"joinbot/internal/transport/transporttest"
	logx "joinbot/pkg/logx"
)

type handleMap struct {
	mu sync.Mutex
	m  map[string]transport.Client
}

func (h *handleMap) Handle(id string) (transport.Client, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.m[id]
	return c, ok
}

func (h *handleMap) set(id string, c transport.Client) {
	h.mu.Lock()
	h.m[id] = c
	h.mu.Unlock()
}

type fixture struct {
	proc    *Processor
	table   *session.Table
	bus     eventbus.Bus
	factory *transporttest.Factory
	handles *handleMap
}

func newFixture(t *testing.T, unit time.Duration) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	sup := supervisor.New(ctx)
	bus := eventbus.New()
	tbl := session.NewTable(nil, bus, logx.Nop())
	hm := &handleMap{m: map[string]transport.Client{}}
	p := New(Config{IntervalUnit: unit}, tbl, hm, bus, sup, logx.Nop())
	t.Cleanup(func() {
		p.Close()
		cancel()
		wctx, wcancel := context.WithTimeout(context.Background(), time.Second)
		defer wcancel()
		_ = sup.Wait(wctx)
	})
	return &fixture{proc: p, table: tbl, bus: bus, factory: transporttest.NewFactory(), handles: hm}
}

// session creates a connected session with the given queue.
func (fx *fixture) session(t *testing.T, id string, interval int, codes ...string) *transporttest.Client {
	t.Helper()
	ctx := context.Background()
	fx.table.Ensure(ctx, id)
	fx.table.Update(ctx, id, func(r *session.Record) bool {
		r.Interval = interval
		r.Append(codes)
		return true
	})
	c, err := fx.factory.Open(ctx, id, func(transport.Event) {})
	require.NoError(t, err)
	fx.handles.set(id, c)
	return c.(*transporttest.Client)
}

func (fx *fixture) record(id string) session.Record {
	r, _ := fx.table.Get(id)
	return r
}

func waitFor(t *testing.T, sub *eventbus.Subscription, typ string) eventbus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-sub.C:
			if e.Type == typ {
				return e
			}
		case <-deadline:
			t.Fatalf("no %s event", typ)
			return eventbus.Event{}
		}
	}
}

func TestQueueRunsToCompletion(t *testing.T) {
	fx := newFixture(t, 10*time.Millisecond)
	sub := fx.bus.Subscribe(256)
	defer sub.Close()
	c := fx.session(t, "s1", 1, "codeA", "codeB")

	require.True(t, fx.proc.Start(context.Background(), "s1"))
	e := waitFor(t, sub, eventbus.TypeQueueCompleted)
	assert.Equal(t, eventbus.SessionData{SessionID: "s1"}, e.Data)

	rec := fx.record("s1")
	assert.Equal(t, 2, rec.CurrentIndex)
	assert.Equal(t, 2, rec.TotalJoined)
	assert.False(t, rec.IsRunning)
	assert.Equal(t, session.HaltCompleted, rec.HaltReason)
	assert.Equal(t, []string{"codeA", "codeB"}, c.Accepted())
	assert.False(t, fx.proc.Armed("s1"))
}

func TestRateLimitHaltsWithoutAdvancing(t *testing.T) {
	fx := newFixture(t, 10*time.Millisecond)
	fx.factory.Accept = func(_, code string) error {
		if code == "codeA" {
			return fmt.Errorf("join: %w", transport.ErrRateLimited)
		}
		return nil
	}
	sub := fx.bus.Subscribe(256)
	defer sub.Close()
	c := fx.session(t, "s1", 1, "codeA", "codeB")

	fx.proc.Start(context.Background(), "s1")
	e := waitFor(t, sub, eventbus.TypeSecurityStop)
	assert.Equal(t, eventbus.SecurityStopData{SessionID: "s1", Code: "codeA"}, e.Data)

	rec := fx.record("s1")
	assert.Zero(t, rec.CurrentIndex)
	assert.False(t, rec.IsRunning)
	assert.Equal(t, session.HaltRateLimited, rec.HaltReason)
	assert.Equal(t, "codeA", rec.Queue[0])

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"codeA"}, c.Accepted())
	assert.False(t, fx.proc.Armed("s1"))
}

func TestFailuresConsumeTheSlot(t *testing.T) {
	fx := newFixture(t, time.Millisecond)
	fx.factory.Accept = func(_, code string) error {
		switch code {
		case "gone":
			return transport.ErrInviteInvalid
		case "member":
			return errors.New("409 conflict")
		case "weird":
			return errors.New("connection reset")
		}
		return nil
	}
	sub := fx.bus.Subscribe(256)
	defer sub.Close()
	fx.session(t, "s1", 1, "gone", "member", "weird", "ok")

	fx.proc.Start(context.Background(), "s1")
	waitFor(t, sub, eventbus.TypeQueueCompleted)

	rec := fx.record("s1")
	assert.Equal(t, 4, rec.CurrentIndex)
	assert.Equal(t, 1, rec.TotalJoined)
}

func TestStartRunsFirstStepImmediately(t *testing.T) {
	// Interval of 10s: only the first step can run within the test window.
	fx := newFixture(t, time.Second)
	c := fx.session(t, "s1", 10, "codeA", "codeB")

	start := time.Now()
	fx.proc.Start(context.Background(), "s1")
	require.Eventually(t, func() bool { return len(c.Accepted()) == 1 }, time.Second, time.Millisecond)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, fx.proc.Armed("s1"))
	assert.Equal(t, 1, fx.record("s1").CurrentIndex)
}

func TestStartIsIdempotent(t *testing.T) {
	fx := newFixture(t, time.Second)
	c := fx.session(t, "s1", 10, "codeA", "codeB")

	ctx := context.Background()
	fx.proc.Start(ctx, "s1")
	fx.proc.Start(ctx, "s1")
	fx.proc.Start(ctx, "s1")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"codeA"}, c.Accepted())
}

func TestStopStartDuringCallKeepsOneChain(t *testing.T) {
	fx := newFixture(t, 5*time.Millisecond)
	gate := make(chan struct{})
	fx.factory.Accept = func(_, code string) error {
		if code == "codeA" {
			<-gate
		}
		return nil
	}
	sub := fx.bus.Subscribe(256)
	defer sub.Close()
	c := fx.session(t, "s1", 1, "codeA", "codeB", "codeC")

	ctx := context.Background()
	fx.proc.Start(ctx, "s1")
	require.Eventually(t, func() bool { return len(c.Accepted()) == 1 }, time.Second, time.Millisecond)

	fx.proc.Stop(ctx, "s1")
	fx.proc.Start(ctx, "s1")
	close(gate)

	waitFor(t, sub, eventbus.TypeQueueCompleted)
	assert.Equal(t, []string{"codeA", "codeB", "codeC"}, c.Accepted())
	assert.Equal(t, 1, c.MaxInFlight())
	assert.Equal(t, 3, fx.record("s1").TotalJoined)
}

func TestStopCancelsPendingStep(t *testing.T) {
	fx := newFixture(t, 200*time.Millisecond)
	c := fx.session(t, "s1", 1, "codeA", "codeB")

	ctx := context.Background()
	fx.proc.Start(ctx, "s1")
	require.Eventually(t, func() bool { return fx.record("s1").CurrentIndex == 1 }, time.Second, time.Millisecond)
	require.True(t, fx.proc.Stop(ctx, "s1"))
	assert.False(t, fx.proc.Armed("s1"))

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, []string{"codeA"}, c.Accepted())
	rec := fx.record("s1")
	assert.False(t, rec.IsRunning)
	assert.Equal(t, session.HaltStopped, rec.HaltReason)
}

func TestClearDuringCallDoesNotMoveCursor(t *testing.T) {
	fx := newFixture(t, 5*time.Millisecond)
	gate := make(chan struct{})
	fx.factory.Accept = func(string, string) error {
		<-gate
		return nil
	}
	c := fx.session(t, "s1", 1, "codeA", "codeB")

	ctx := context.Background()
	fx.proc.Start(ctx, "s1")
	require.Eventually(t, func() bool { return len(c.Accepted()) == 1 }, time.Second, time.Millisecond)

	fx.table.Update(ctx, "s1", func(r *session.Record) bool {
		r.Queue = []string{}
		r.CurrentIndex = 0
		r.IsRunning = false
		r.TotalJoined = 0
		return true
	})
	fx.proc.Cancel("s1")
	close(gate)

	time.Sleep(30 * time.Millisecond)
	rec := fx.record("s1")
	assert.Zero(t, rec.CurrentIndex)
	assert.Empty(t, rec.Queue)
	assert.False(t, rec.IsRunning)
}

func TestStepParksWithoutHandleAndResumes(t *testing.T) {
	fx := newFixture(t, time.Millisecond)
	ctx := context.Background()
	fx.table.Ensure(ctx, "s1")
	fx.table.Update(ctx, "s1", func(r *session.Record) bool {
		r.Interval = 1
		r.Append([]string{"codeA"})
		return true
	})

	fx.proc.Start(ctx, "s1")
	require.Eventually(t, func() bool { return !fx.proc.Armed("s1") }, time.Second, time.Millisecond)
	assert.True(t, fx.record("s1").IsRunning)

	c, err := fx.factory.Open(ctx, "s1", func(transport.Event) {})
	require.NoError(t, err)
	fx.handles.set("s1", c)
	fx.proc.Resume("s1")

	require.Eventually(t, func() bool { return !fx.record("s1").IsRunning }, time.Second, time.Millisecond)
	assert.Equal(t, 1, fx.record("s1").TotalJoined)
}

func TestSessionsRunIndependently(t *testing.T) {
	fx := newFixture(t, 5*time.Millisecond)
	gate := make(chan struct{})
	defer close(gate)
	fx.factory.Accept = func(id, _ string) error {
		if id == "slow" {
			<-gate
		}
		return nil
	}
	fx.session(t, "slow", 1, "codeA")
	fast := fx.session(t, "fast", 1, "codeB", "codeC")

	ctx := context.Background()
	fx.proc.Start(ctx, "slow")
	fx.proc.Start(ctx, "fast")
	require.Eventually(t, func() bool { return !fx.record("fast").IsRunning }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"codeB", "codeC"}, fast.Accepted())
}

func TestJoinRateLimiterSpacesCalls(t *testing.T) {
	fx := newFixture(t, time.Millisecond)
	// 600/min = one call every 100ms.
	fx.proc.SetConfig(Config{JoinRatePerMin: 600})
	c := fx.session(t, "s1", 1, "a", "b", "c")

	start := time.Now()
	fx.proc.Start(context.Background(), "s1")
	require.Eventually(t, func() bool { return len(c.Accepted()) == 3 }, 2*time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 180*time.Millisecond)
}

func TestRecordClearedDuringJoinSlotWaitIsNotJoined(t *testing.T) {
	fx := newFixture(t, time.Millisecond)
	// 200/min = one call every 300ms.
	fx.proc.SetConfig(Config{JoinRatePerMin: 200})
	first := fx.session(t, "a", 1, "codeA")
	second := fx.session(t, "b", 1, "codeB")
	ctx := context.Background()

	fx.proc.Start(ctx, "a")
	require.Eventually(t, func() bool { return len(first.Accepted()) == 1 }, time.Second, time.Millisecond)

	// b now waits for the next join slot.
	fx.proc.Start(ctx, "b")
	time.Sleep(100 * time.Millisecond)
	fx.table.Update(ctx, "b", func(r *session.Record) bool {
		r.Queue = []string{}
		r.CurrentIndex = 0
		r.IsRunning = false
		return true
	})

	require.Eventually(t, func() bool { return !fx.proc.Armed("b") }, time.Second, 5*time.Millisecond)
	assert.Empty(t, second.Accepted())
	assert.Zero(t, fx.record("b").CurrentIndex)
}

func TestStartUnknownSession(t *testing.T) {
	fx := newFixture(t, time.Millisecond)
	assert.False(t, fx.proc.Start(context.Background(), "nope"))
	assert.False(t, fx.proc.Stop(context.Background(), "nope"))
	fx.proc.Resume("nope")
	assert.False(t, fx.proc.Armed("nope"))
}
