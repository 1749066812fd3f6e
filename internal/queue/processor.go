// Package queue advances each running session's invite queue, one accept-invite
// call at a time, at the session's configured pace.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"joinbot/internal/eventbus"
	"joinbot/internal/runtime/supervisor"
	"joinbot/internal/session"
	"joinbot/internal/transport"
	logx "joinbot/pkg/logx"
)

// Handles is the read-only view of live transport handles.
type Handles interface {
	Handle(sessionID string) (transport.Client, bool)
}

type Config struct {
	// IntervalUnit scales Record.Interval. Defaults to time.Second.
	IntervalUnit time.Duration
	// JoinRatePerMin caps accept-invite calls across all sessions. 0 disables.
	JoinRatePerMin int
	// JoinTimeout bounds one accept-invite call. 0 means no timeout.
	JoinTimeout time.Duration
}

// task is the armed step of one session's chain.
type task struct {
	gen    uint64
	cancel context.CancelFunc
}

// Processor runs one self-rescheduling step chain per running session.
//
// At most one chain is armed per session (tasks), and at most one step
// executes per session at a time (steps). Stop cancels the armed step; it never
// interrupts an accept-invite call already in flight.
type Processor struct {
	log     logx.Logger
	table   *session.Table
	handles Handles
	bus     eventbus.Bus
	sup     *supervisor.Supervisor
	limiter *rate.Limiter

	mu     sync.Mutex
	cfg    Config
	seq    uint64
	tasks  map[string]*task
	steps  map[string]*sync.Mutex
	closed bool
}

func New(cfg Config, table *session.Table, handles Handles, bus eventbus.Bus, sup *supervisor.Supervisor, log logx.Logger) *Processor {
	if cfg.IntervalUnit <= 0 {
		cfg.IntervalUnit = time.Second
	}
	return &Processor{
		log:     log,
		table:   table,
		handles: handles,
		bus:     bus,
		sup:     sup,
		limiter: rate.NewLimiter(joinLimit(cfg.JoinRatePerMin), 1),
		cfg:     cfg,
		tasks:   map[string]*task{},
		steps:   map[string]*sync.Mutex{},
	}
}

func joinLimit(perMin int) rate.Limit {
	if perMin <= 0 {
		return rate.Inf
	}
	return rate.Every(time.Minute / time.Duration(perMin))
}

// SetConfig applies reloadable settings. IntervalUnit is fixed at construction.
func (p *Processor) SetConfig(cfg Config) {
	p.mu.Lock()
	p.cfg.JoinRatePerMin = cfg.JoinRatePerMin
	p.cfg.JoinTimeout = cfg.JoinTimeout
	p.mu.Unlock()
	p.limiter.SetLimit(joinLimit(cfg.JoinRatePerMin))
}

// Start marks the session running and arms its first step immediately. It is
// idempotent: a session that is already running keeps its single chain.
func (p *Processor) Start(ctx context.Context, sessionID string) bool {
	wasRunning := false
	if _, ok := p.table.Update(ctx, sessionID, func(r *session.Record) bool {
		wasRunning = r.IsRunning
		if r.IsRunning {
			return false
		}
		r.IsRunning = true
		r.HaltReason = session.HaltNone
		return true
	}); !ok {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, armed := p.tasks[sessionID]; armed && wasRunning {
		return true
	}
	p.armLocked(sessionID, 0)
	return true
}

// Stop clears the running flag and cancels the armed step.
func (p *Processor) Stop(ctx context.Context, sessionID string) bool {
	_, ok := p.table.Update(ctx, sessionID, func(r *session.Record) bool {
		if !r.IsRunning {
			return false
		}
		r.IsRunning = false
		r.HaltReason = session.HaltStopped
		return true
	})
	p.Cancel(sessionID)
	return ok
}

// Resume arms a chain for a running session that has none, e.g. after a
// reconnect. Redundant calls are harmless.
func (p *Processor) Resume(sessionID string) {
	rec, ok := p.table.Get(sessionID)
	if !ok || !rec.IsRunning {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, armed := p.tasks[sessionID]; armed {
		return
	}
	p.log.Debug("resuming queue", logx.String("session", sessionID))
	p.armLocked(sessionID, 0)
}

// Cancel drops the armed step without touching the record.
func (p *Processor) Cancel(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t := p.tasks[sessionID]; t != nil {
		t.cancel()
		delete(p.tasks, sessionID)
	}
}

// Armed reports whether a step is scheduled for the session.
func (p *Processor) Armed(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.tasks[sessionID]
	return ok
}

// Close cancels every armed step. In-flight steps finish on their own.
func (p *Processor) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for id, t := range p.tasks {
		t.cancel()
		delete(p.tasks, id)
	}
}

func (p *Processor) armLocked(sessionID string, delay time.Duration) {
	if p.closed {
		return
	}
	if t := p.tasks[sessionID]; t != nil {
		t.cancel()
	}
	p.seq++
	gen := p.seq
	ctx, cancel := context.WithCancel(p.sup.Context())
	p.tasks[sessionID] = &task{gen: gen, cancel: cancel}

	p.sup.Go0("queue:"+sessionID, func(context.Context) {
		defer cancel()
		if delay > 0 {
			t := time.NewTimer(delay)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		} else if ctx.Err() != nil {
			return
		}
		p.step(ctx, sessionID, gen)
	})
}

func (p *Processor) stepLock(sessionID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.steps[sessionID]
	if m == nil {
		m = &sync.Mutex{}
		p.steps[sessionID] = m
	}
	return m
}

func (p *Processor) owns(sessionID string, gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.tasks[sessionID]
	return t != nil && t.gen == gen
}

// release forgets the task if it is still the armed one.
func (p *Processor) release(sessionID string, gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t := p.tasks[sessionID]; t != nil && t.gen == gen {
		delete(p.tasks, sessionID)
	}
}

// step processes the code at the cursor and arms the next step.
func (p *Processor) step(ctx context.Context, sessionID string, gen uint64) {
	lock := p.stepLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if !p.owns(sessionID, gen) {
		return
	}
	log := p.log.With(logx.String("session", sessionID))

	rec, ok := p.table.Get(sessionID)
	if !ok || !rec.IsRunning {
		p.release(sessionID, gen)
		return
	}
	client, ok := p.handles.Handle(sessionID)
	if !ok {
		log.Debug("no live handle; queue parked until reconnect")
		p.release(sessionID, gen)
		return
	}

	if rec.CurrentIndex >= len(rec.Queue) {
		p.complete(sessionID, gen)
		return
	}

	if err := p.limiter.Wait(ctx); err != nil {
		// Stopped or shutting down while waiting for a join slot.
		return
	}
	// The record may have been cleared or stopped during the wait.
	rec, ok = p.table.Get(sessionID)
	if !ok || !rec.IsRunning {
		p.release(sessionID, gen)
		return
	}
	if rec.CurrentIndex >= len(rec.Queue) {
		p.complete(sessionID, gen)
		return
	}

	idx := rec.CurrentIndex
	code := rec.Queue[idx]
	eventbus.Log(p.bus, sessionID, fmt.Sprintf("[%s] joining link %d/%d...", sessionID, idx+1, len(rec.Queue)))

	err := p.accept(client, code)
	if errors.Is(err, transport.ErrNotConnected) {
		// The handle dropped under us; the code stays next-in-line and the
		// chain resumes on reconnect.
		log.Info("handle not connected; queue parked", logx.Err(err))
		p.release(sessionID, gen)
		return
	}
	outcome := transport.Classify(err)
	log = log.With(logx.String("code", code), logx.String("outcome", outcome.String()))

	if outcome == transport.OutcomeRateLimited {
		p.table.Update(p.sup.Context(), sessionID, func(r *session.Record) bool {
			r.IsRunning = false
			r.HaltReason = session.HaltRateLimited
			return true
		})
		p.release(sessionID, gen)
		log.Warn("rate limited; queue halted", logx.Err(err))
		p.bus.Publish(eventbus.Event{
			Type:      eventbus.TypeSecurityStop,
			SessionID: sessionID,
			Data:      eventbus.SecurityStopData{SessionID: sessionID, Code: code},
		})
		eventbus.Log(p.bus, sessionID, fmt.Sprintf("[%s] security stop: rate limited, queue halted at link %d", sessionID, idx+1))
		return
	}

	switch outcome {
	case transport.OutcomeJoined:
		log.Info("joined group")
		eventbus.Log(p.bus, sessionID, fmt.Sprintf("[%s] joined successfully", sessionID))
	case transport.OutcomeInvalid:
		log.Info("invite invalid or expired", logx.Err(err))
		eventbus.Log(p.bus, sessionID, fmt.Sprintf("[%s] link expired or invalid", sessionID))
	case transport.OutcomeAlreadyMember:
		log.Info("already a member", logx.Err(err))
		eventbus.Log(p.bus, sessionID, fmt.Sprintf("[%s] already a member of this group", sessionID))
	default:
		log.Warn("join failed", logx.Err(err))
		eventbus.Log(p.bus, sessionID, fmt.Sprintf("[%s] join failed: %v", sessionID, err))
	}

	rec, ok = p.table.Update(p.sup.Context(), sessionID, func(r *session.Record) bool {
		if outcome == transport.OutcomeJoined {
			r.TotalJoined++
		}
		// A clear or queue rewrite during the call must not skip an item.
		if r.CurrentIndex == idx && idx < len(r.Queue) && r.Queue[idx] == code {
			r.CurrentIndex++
		}
		return true
	})
	if !ok || !rec.IsRunning {
		p.release(sessionID, gen)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if t := p.tasks[sessionID]; t == nil || t.gen != gen {
		// Stopped (and maybe restarted) while the call was in flight.
		return
	}
	p.armLocked(sessionID, time.Duration(rec.Interval)*p.cfg.IntervalUnit)
}

func (p *Processor) accept(client transport.Client, code string) error {
	p.mu.Lock()
	timeout := p.cfg.JoinTimeout
	p.mu.Unlock()

	ctx := p.sup.Context()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return client.AcceptInvite(ctx, code)
}

func (p *Processor) complete(sessionID string, gen uint64) {
	_, ok := p.table.Update(p.sup.Context(), sessionID, func(r *session.Record) bool {
		if !r.IsRunning {
			return false
		}
		r.IsRunning = false
		r.HaltReason = session.HaltCompleted
		return true
	})
	p.release(sessionID, gen)
	if !ok {
		return
	}
	p.log.Info("queue completed", logx.String("session", sessionID))
	p.bus.Publish(eventbus.Event{
		Type:      eventbus.TypeQueueCompleted,
		SessionID: sessionID,
		Data:      eventbus.SessionData{SessionID: sessionID},
	})
	eventbus.Log(p.bus, sessionID, fmt.Sprintf("queue completed for session %s", sessionID))
}
