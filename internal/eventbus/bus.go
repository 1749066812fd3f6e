package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types delivered to observers.
const (
	TypeSessionUpdate    = "sessionUpdate"
	TypeQR               = "qr"
	TypePairingCode      = "pairingCode"
	TypeSessionConnected = "sessionConnected"
	TypeSessionDeleted   = "sessionDeleted"
	TypeLog              = "log"
	TypeQueueCompleted   = "queueCompleted"
	TypeSecurityStop     = "securityStop"
	TypeInit             = "init"
)

// Event is a lightweight, in-memory signal fanned out to observers.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers get buffered channels; slow subscribers drop events.
//   - An empty SessionID marks a global event delivered to every subscriber.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	Time      time.Time `json:"time"`
	Data      any       `json:"data,omitempty"`
}

// Payloads. JSON names follow the observer protocol.
type (
	QRData struct {
		SessionID string `json:"sessionId"`
		ImageData string `json:"imageData"`
	}
	PairingCodeData struct {
		SessionID string `json:"sessionId"`
		Code      string `json:"code"`
	}
	SessionData struct {
		SessionID string `json:"sessionId"`
	}
	LogData struct {
		Message string `json:"message"`
	}
	SecurityStopData struct {
		SessionID string `json:"sessionId"`
		Code      string `json:"code"`
	}
)

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) *Subscription
}

// New returns a simple in-memory fanout bus.
//
// It intentionally does not own any background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*Subscription{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*Subscription
	seq  atomic.Uint64
}

// Subscription is one observer's view of the bus.
type Subscription struct {
	C <-chan Event

	ch     chan Event
	id     uint64
	bus    *memBus
	once   sync.Once
	mu     sync.RWMutex
	scope  map[string]struct{} // nil = all sessions
	closed bool
}

// SetScope restricts session events to ids. A nil slice removes the restriction.
func (s *Subscription) SetScope(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ids == nil {
		s.scope = nil
		return
	}
	s.scope = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		s.scope[id] = struct{}{}
	}
}

// Scope returns the current scope (nil = all sessions).
func (s *Subscription) Scope() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.scope == nil {
		return nil
	}
	out := make([]string, 0, len(s.scope))
	for id := range s.scope {
		out = append(out, id)
	}
	return out
}

func (s *Subscription) wants(e Event) bool {
	if e.SessionID == "" {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.scope == nil {
		return true
	}
	_, ok := s.scope[e.SessionID]
	return ok
}

func (s *Subscription) deliver(e Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
	default:
	}
}

// Close unsubscribes and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()

		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold the bus lock while sending.
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if s.wants(e) {
			s.deliver(e)
		}
	}
}

func (b *memBus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	s := &Subscription{C: ch, ch: ch, id: b.seq.Add(1), bus: b}

	b.mu.Lock()
	b.subs[s.id] = s
	b.mu.Unlock()
	return s
}

// Log publishes a log event, optionally scoped to a session.
func Log(b Bus, sessionID, message string) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: TypeLog, SessionID: sessionID, Data: LogData{Message: message}})
}
