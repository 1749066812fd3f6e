package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"joinbot/internal/eventbus"
	"joinbot/internal/transport"
	logx "joinbot/pkg/logx"
)

type AuthMode string

const (
	AuthQR    AuthMode = "qr"
	AuthPhone AuthMode = "phone"
)

// ParseAuthMode maps an observer-supplied method to an AuthMode. Anything but
// "phone" means QR.
func ParseAuthMode(method string) AuthMode {
	if strings.EqualFold(strings.TrimSpace(method), string(AuthPhone)) {
		return AuthPhone
	}
	return AuthQR
}

type CreateOptions struct {
	Mode  AuthMode
	Phone string
	// Restore marks startup restoration and automatic reconnects. It only
	// affects logging.
	Restore bool
}

// Runner is the queue side of the lifecycle hand-off.
type Runner interface {
	// Resume re-arms a running session's queue after it (re)connects.
	Resume(sessionID string)
	// Cancel drops any pending queue work for a deleted session.
	Cancel(sessionID string)
}

type ManagerConfig struct {
	// PairingDelay lets the transport settle before a pairing code is requested.
	PairingDelay time.Duration
	Reconnect    ReconnectPolicy
}

type handle struct {
	gen    uint64
	client transport.Client
	opts   CreateOptions
}

// Manager owns the live transport handles and drives each session through
// disconnected -> connecting -> connected -> disconnected.
//
// The handle registry is private; the queue borrows handles through Handle().
type Manager struct {
	log     logx.Logger
	table   *Table
	bus     eventbus.Bus
	factory transport.Factory

	mu       sync.Mutex
	cfg      ManagerConfig
	runner   Runner
	baseCtx  context.Context
	seq      uint64
	gens     map[string]uint64 // latest handle generation per session
	handles  map[string]*handle
	timers   map[string]*time.Timer
	closing  bool
	pairWait sync.WaitGroup
}

func NewManager(cfg ManagerConfig, table *Table, factory transport.Factory, bus eventbus.Bus, log logx.Logger) *Manager {
	if cfg.PairingDelay <= 0 {
		cfg.PairingDelay = 3 * time.Second
	}
	return &Manager{
		log:     log,
		table:   table,
		bus:     bus,
		factory: factory,
		cfg:     cfg,
		baseCtx: context.Background(),
		gens:    map[string]uint64{},
		handles: map[string]*handle{},
		timers:  map[string]*time.Timer{},
	}
}

// SetRunner installs the queue hand-off.
func (m *Manager) SetRunner(r Runner) {
	m.mu.Lock()
	m.runner = r
	m.mu.Unlock()
}

// SetReconnectPolicy swaps the reconnect policy (config hot reload).
func (m *Manager) SetReconnectPolicy(p ReconnectPolicy) {
	m.mu.Lock()
	m.cfg.Reconnect = p
	m.mu.Unlock()
}

// Start binds the context used by reconnects and pairing requests.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.baseCtx = ctx
	m.closing = false
	m.mu.Unlock()
}

// Handle returns the live transport handle for a session.
func (m *Manager) Handle(sessionID string) (transport.Client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[sessionID]
	if !ok {
		return nil, false
	}
	return h.client, true
}

// Restore re-creates every persisted active session, one after another.
func (m *Manager) Restore(ctx context.Context) {
	ids := m.table.Active()
	m.log.Info("restoring sessions", logx.Strings("sessions", ids))
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if err := m.Create(ctx, id, CreateOptions{Restore: true}); err != nil {
			m.log.Warn("restore failed", logx.String("session", id), logx.Err(err))
		}
	}
}

// Create initializes the session record if needed, registers the session as
// active and opens a fresh transport handle (replacing any previous one).
func (m *Manager) Create(ctx context.Context, sessionID string, opts CreateOptions) error {
	if !ValidID(sessionID) {
		return fmt.Errorf("%w: %q", ErrInvalidID, sessionID)
	}
	if opts.Mode == "" {
		opts.Mode = AuthQR
	}
	log := m.log.With(logx.String("session", sessionID))

	m.table.Ensure(ctx, sessionID)
	m.table.AddActive(ctx, sessionID)
	m.cancelReconnect(sessionID)
	m.table.Update(ctx, sessionID, func(r *Record) bool {
		r.Status = StatusConnecting
		return true
	})

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return context.Canceled
	}
	m.seq++
	gen := m.seq
	m.gens[sessionID] = gen
	old := m.handles[sessionID]
	delete(m.handles, sessionID)
	m.mu.Unlock()

	if old != nil {
		old.client.Close()
	}
	if opts.Restore {
		log.Info("restoring session", logx.String("mode", string(opts.Mode)))
	} else {
		log.Info("creating session", logx.String("mode", string(opts.Mode)))
	}

	client, err := m.factory.Open(ctx, sessionID, func(ev transport.Event) {
		m.onEvent(sessionID, gen, ev)
	})
	if err != nil {
		log.Warn("open transport failed", logx.Err(err))
		eventbus.Log(m.bus, sessionID, fmt.Sprintf("[%s] failed to open connection: %v", sessionID, err))
		m.table.Update(ctx, sessionID, func(r *Record) bool {
			r.Status = StatusDisconnected
			return true
		})
		m.scheduleReconnect(sessionID, opts)
		return fmt.Errorf("open transport: %w", err)
	}

	m.mu.Lock()
	if m.gens[sessionID] != gen {
		// Deleted or replaced while opening.
		m.mu.Unlock()
		client.Close()
		return nil
	}
	m.handles[sessionID] = &handle{gen: gen, client: client, opts: opts}
	m.mu.Unlock()

	if opts.Mode == AuthPhone && !client.Registered() {
		m.requestPairing(sessionID, gen, client, opts.Phone)
	}

	if err := client.Connect(ctx); err != nil {
		log.Warn("connect failed", logx.Err(err))
		m.onEvent(sessionID, gen, transport.Event{Kind: transport.EventClose, Reason: "connect failed", Err: err})
	}
	return nil
}

func (m *Manager) requestPairing(sessionID string, gen uint64, client transport.Client, phone string) {
	m.mu.Lock()
	ctx := m.baseCtx
	delay := m.cfg.PairingDelay
	m.mu.Unlock()

	m.pairWait.Add(1)
	go func() {
		defer m.pairWait.Done()
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if !m.current(sessionID, gen) {
			return
		}

		code, err := client.RequestPairingCode(ctx, phone)
		if err != nil {
			m.log.Warn("pairing code request failed", logx.String("session", sessionID), logx.Err(err))
			eventbus.Log(m.bus, sessionID, fmt.Sprintf("failed to request pairing code for session %s", sessionID))
			return
		}
		m.log.Info("pairing code issued", logx.String("session", sessionID))
		m.bus.Publish(eventbus.Event{
			Type:      eventbus.TypePairingCode,
			SessionID: sessionID,
			Data:      eventbus.PairingCodeData{SessionID: sessionID, Code: code},
		})
	}()
}

func (m *Manager) current(sessionID string, gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closing && m.gens[sessionID] == gen
}

func (m *Manager) handleFor(sessionID string, gen uint64) *handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.handles[sessionID]
	if h == nil || h.gen != gen {
		return nil
	}
	return h
}

// onEvent handles every connection event a handle emits. Events from a
// replaced or deleted handle are ignored.
func (m *Manager) onEvent(sessionID string, gen uint64, ev transport.Event) {
	if !m.current(sessionID, gen) {
		m.log.Debug("ignoring stale transport event", logx.String("session", sessionID), logx.String("kind", string(ev.Kind)))
		return
	}
	log := m.log.With(logx.String("session", sessionID))
	ctx := m.context()

	switch ev.Kind {
	case transport.EventConnecting:
		log.Debug("connecting")

	case transport.EventQR:
		h := m.handleFor(sessionID, gen)
		if h == nil || h.opts.Mode == AuthPhone {
			return
		}
		img := ev.QRImage
		if img == "" {
			img = ev.QR
		}
		m.bus.Publish(eventbus.Event{
			Type:      eventbus.TypeQR,
			SessionID: sessionID,
			Data:      eventbus.QRData{SessionID: sessionID, ImageData: img},
		})

	case transport.EventCredentials:
		h := m.handleFor(sessionID, gen)
		if h == nil {
			return
		}
		if err := h.client.SaveCredentials(ctx); err != nil {
			log.Warn("save credentials failed", logx.Err(err))
		}

	case transport.EventOpen:
		account := ev.Account
		if i := strings.IndexAny(account, ":@"); i >= 0 {
			account = account[:i]
		}
		rec, ok := m.table.Update(ctx, sessionID, func(r *Record) bool {
			r.Status = StatusConnected
			if account != "" {
				r.Phone = account
			}
			r.ReconnectAttempts = 0
			return true
		})
		if !ok {
			return
		}
		log.Info("session connected", logx.String("phone", rec.Phone))
		m.bus.Publish(eventbus.Event{
			Type:      eventbus.TypeSessionConnected,
			SessionID: sessionID,
			Data:      eventbus.SessionData{SessionID: sessionID},
		})
		eventbus.Log(m.bus, sessionID, fmt.Sprintf("session %s connected (%s)", sessionID, rec.Phone))

		m.mu.Lock()
		runner := m.runner
		m.mu.Unlock()
		if rec.IsRunning && runner != nil {
			runner.Resume(sessionID)
		}

	case transport.EventClose:
		m.table.Update(ctx, sessionID, func(r *Record) bool {
			r.Status = StatusDisconnected
			return true
		})

		m.mu.Lock()
		h := m.handles[sessionID]
		if h != nil && h.gen == gen {
			delete(m.handles, sessionID)
		} else {
			h = nil
		}
		m.mu.Unlock()
		if h != nil {
			h.client.Close()
		}

		if ev.LoggedOut {
			log.Warn("session logged out", logx.String("reason", ev.Reason), logx.Err(ev.Err))
			if m.table.IsActive(sessionID) {
				eventbus.Log(m.bus, sessionID, fmt.Sprintf("logged out of session %s", sessionID))
			}
			return
		}
		log.Info("connection closed", logx.String("reason", ev.Reason), logx.Err(ev.Err))
		opts := CreateOptions{Mode: AuthQR}
		if h != nil {
			opts = h.opts
		}
		m.scheduleReconnect(sessionID, opts)
	}
}

func (m *Manager) context() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baseCtx
}

// scheduleReconnect arms a bounded-backoff reconnect. The attempt counter is
// part of the session record.
func (m *Manager) scheduleReconnect(sessionID string, opts CreateOptions) {
	ctx := m.context()
	if ctx.Err() != nil || !m.table.IsActive(sessionID) {
		return
	}

	m.mu.Lock()
	policy := m.cfg.Reconnect
	m.mu.Unlock()
	policy = policy.withDefaults()

	attempt := 0
	if _, ok := m.table.Update(ctx, sessionID, func(r *Record) bool {
		r.ReconnectAttempts++
		attempt = r.ReconnectAttempts
		if attempt > policy.MaxAttempts {
			r.ReconnectAttempts = 0
		}
		return true
	}); !ok {
		return
	}

	wait, cooldown := policy.Delay(attempt)
	log := m.log.With(logx.String("session", sessionID))
	if cooldown {
		log.Warn("reconnect budget exhausted; cooling down", logx.Int("attempts", attempt-1), logx.Duration("cooldown", wait))
		eventbus.Log(m.bus, sessionID, fmt.Sprintf("[%s] reconnect attempts exhausted, retrying in %s", sessionID, wait))
	} else {
		log.Info("reconnect scheduled", logx.Int("attempt", attempt), logx.Duration("backoff", wait))
	}

	opts.Restore = true
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return
	}
	if t := m.timers[sessionID]; t != nil {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(wait, func() {
		m.mu.Lock()
		if m.timers[sessionID] != t || m.closing {
			m.mu.Unlock()
			return
		}
		delete(m.timers, sessionID)
		base := m.baseCtx
		m.mu.Unlock()
		if base.Err() != nil {
			return
		}
		if err := m.Create(base, sessionID, opts); err != nil {
			log.Debug("reconnect attempt failed", logx.Err(err))
		}
	})
	m.timers[sessionID] = t
}

func (m *Manager) cancelReconnect(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t := m.timers[sessionID]; t != nil {
		t.Stop()
		delete(m.timers, sessionID)
	}
}

// Delete logs the session out (best-effort) and removes its active entry,
// record and credential material. The removals happen even when logout fails.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	log := m.log.With(logx.String("session", sessionID))
	m.cancelReconnect(sessionID)

	m.mu.Lock()
	h := m.handles[sessionID]
	delete(m.handles, sessionID)
	delete(m.gens, sessionID)
	runner := m.runner
	m.mu.Unlock()

	if runner != nil {
		runner.Cancel(sessionID)
	}
	if h != nil {
		if err := h.client.Logout(ctx); err != nil {
			log.Warn("logout failed", logx.Err(err))
		}
		h.client.Close()
	}

	m.table.RemoveActive(ctx, sessionID)
	m.table.Delete(ctx, sessionID)
	if err := m.factory.Purge(ctx, sessionID); err != nil {
		log.Warn("purge credentials failed", logx.Err(err))
	}

	log.Info("session deleted")
	m.bus.Publish(eventbus.Event{
		Type:      eventbus.TypeSessionDeleted,
		SessionID: sessionID,
		Data:      eventbus.SessionData{SessionID: sessionID},
	})
	return nil
}

// Close disconnects every handle without logging out and cancels pending
// reconnects. Credentials stay valid for the next start.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	handles := m.handles
	m.handles = map[string]*handle{}
	m.gens = map[string]uint64{}
	m.mu.Unlock()

	for id, h := range handles {
		h.client.Close()
		m.log.Debug("handle closed", logx.String("session", id))
	}

	done := make(chan struct{})
	go func() {
		m.pairWait.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
