package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, s *Subscription) (Event, bool) {
	t.Helper()
	select {
	case e, ok := <-s.C:
		return e, ok
	case <-time.After(50 * time.Millisecond):
		return Event{}, false
	}
}

func TestScopedDelivery(t *testing.T) {
	b := New()
	all := b.Subscribe(8)
	only := b.Subscribe(8)
	only.SetScope([]string{"a"})

	b.Publish(Event{Type: TypeSessionUpdate, SessionID: "b"})

	e, ok := recv(t, all)
	require.True(t, ok)
	assert.Equal(t, "b", e.SessionID)
	assert.False(t, e.Time.IsZero())

	_, ok = recv(t, only)
	assert.False(t, ok, "scoped subscriber must not see other sessions")

	b.Publish(Event{Type: TypeSessionUpdate, SessionID: "a"})
	e, ok = recv(t, only)
	require.True(t, ok)
	assert.Equal(t, "a", e.SessionID)
}

func TestGlobalEventsReachScopedSubscribers(t *testing.T) {
	b := New()
	s := b.Subscribe(8)
	s.SetScope([]string{})

	Log(b, "", "hello")
	e, ok := recv(t, s)
	require.True(t, ok)
	assert.Equal(t, TypeLog, e.Type)
	assert.Equal(t, LogData{Message: "hello"}, e.Data)
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New()
	s := b.Subscribe(1)
	b.Publish(Event{Type: TypeLog})
	b.Publish(Event{Type: TypeLog})
	assert.Len(t, s.C, 1)
}

func TestCloseIsIdempotent(t *testing.T) {
	b := New()
	s := b.Subscribe(1)
	s.Close()
	s.Close()
	b.Publish(Event{Type: TypeLog})
	_, ok := <-s.C
	assert.False(t, ok)
}
