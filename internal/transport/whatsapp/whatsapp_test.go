package whatsapp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow"

	"joinbot/internal/transport"
	logx "joinbot/pkg/logx"
)

func TestMapJoinError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want transport.Outcome
	}{
		{"rate limit", fmt.Errorf("join: %w", &whatsmeow.IQError{Code: 429, Text: "rate-overlimit"}), transport.OutcomeRateLimited},
		{"gone", &whatsmeow.IQError{Code: 410, Text: "gone"}, transport.OutcomeInvalid},
		{"not found", &whatsmeow.IQError{Code: 404, Text: "item-not-found"}, transport.OutcomeInvalid},
		{"conflict", &whatsmeow.IQError{Code: 409, Text: "conflict"}, transport.OutcomeAlreadyMember},
		{"revoked", fmt.Errorf("x: %w", whatsmeow.ErrInviteLinkRevoked), transport.OutcomeInvalid},
		{"other", errors.New("boom"), transport.OutcomeUnknown},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, transport.Classify(mapJoinError(tt.err)))
		})
	}
	assert.NoError(t, mapJoinError(nil))
	assert.ErrorIs(t, mapJoinError(whatsmeow.ErrNotConnected), transport.ErrNotConnected)
}

func TestRenderQR(t *testing.T) {
	t.Parallel()
	img, err := renderQR("2@abc,def,ghi")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(img, "data:image/png;base64,"))
	assert.Greater(t, len(img), 100)
}

func TestPurgeRemovesCredentialFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	f, err := NewFactory(Config{DataDir: dir}, logx.Nop())
	require.NoError(t, err)

	for _, name := range []string{"s1.db", "s1.db-wal", "s1.db-shm", "s2.db"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600))
	}
	require.NoError(t, f.Purge(context.Background(), "s1"))
	// Purging twice is fine.
	require.NoError(t, f.Purge(context.Background(), "s1"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "s2.db", entries[0].Name())
}

func TestWALoggerForwardsToLogx(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := newWALogger(logx.NewWriter(&buf, "debug"), "Client").Sub("Socket")
	l.Warnf("frame %d dropped", 7)
	out := buf.String()
	assert.Contains(t, out, "frame 7 dropped")
	assert.Contains(t, out, "Client/Socket")
}
