package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, "info").With(String("comp", "queue"))
	l.Debug("hidden")
	l.Warn("join failed", String("session", "s1"), Int("index", 3), Err(errors.New("boom")), Err(nil))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "warn", m["level"])
	assert.Equal(t, "join failed", m["message"])
	assert.Equal(t, "queue", m["comp"])
	assert.Equal(t, "s1", m["session"])
	assert.EqualValues(t, 3, m["index"])
	// New() renames the error field process-wide.
	assert.True(t, m["error"] == "boom" || m["err"] == "boom")
	assert.Contains(t, m["caller"], "logging_test.go:")
}

func TestNopAndZero(t *testing.T) {
	t.Parallel()
	assert.True(t, Logger{}.IsZero())
	assert.False(t, Nop().IsZero())
	Nop().Error("discarded")
	Logger{}.Info("discarded")
}

func TestFormatRemote(t *testing.T) {
	t.Parallel()
	out := formatRemote([]byte(`{"level":"warn","message":"reconnect","session":"s1","time":"x","caller":"a.go:1"}`))
	assert.Equal(t, "[WARN] reconnect\n- session=s1", out)
	assert.Equal(t, "plain", formatRemote([]byte("plain\n")))
}

type sinkRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (s *sinkRecorder) SendLog(_ context.Context, text string) error {
	s.mu.Lock()
	s.lines = append(s.lines, text)
	s.mu.Unlock()
	return nil
}

func (s *sinkRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lines)
}

func TestServiceRemoteSink(t *testing.T) {
	svc, log := New(Config{Level: "debug", Console: false, Remote: RemoteConfig{Enabled: true, MinLevel: "warn", RatePerSec: 10}})
	defer svc.Close()
	sink := &sinkRecorder{}
	svc.SetSink(sink)

	log.Info("below threshold")
	log.Error("session dropped", String("session", "s1"))

	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	sink.mu.Lock()
	assert.Contains(t, sink.lines[0], "[ERROR] session dropped")
	sink.mu.Unlock()
}
