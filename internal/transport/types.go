// Package transport defines the contract between the session core and a
// messaging transport (connection handles, connection events, invite joins).
package transport

import "context"

type EventKind string

const (
	EventConnecting  EventKind = "connecting"
	EventOpen        EventKind = "open"
	EventClose       EventKind = "close"
	EventQR          EventKind = "qr"
	EventCredentials EventKind = "credentials"
)

// Event is a connection-state change emitted by a Client.
type Event struct {
	Kind EventKind

	// Account is the authenticated account identifier (EventOpen).
	Account string
	// QR is the raw challenge payload; QRImage is a rendered data URL when available (EventQR).
	QR      string
	QRImage string

	// Reason describes why the connection closed (EventClose).
	Reason string
	// LoggedOut marks a terminal close: the credentials are no longer valid.
	LoggedOut bool
	Err       error
}

// Handler receives events for one connection handle. It may be called from
// transport-owned goroutines and must not block for long.
type Handler func(Event)

// Client is a live connection handle for one session.
type Client interface {
	// Connect starts the connection; progress is reported through the Handler.
	Connect(ctx context.Context) error
	// Registered reports whether the handle holds paired credentials.
	Registered() bool
	RequestPairingCode(ctx context.Context, phone string) (string, error)
	AcceptInvite(ctx context.Context, code string) error
	// SaveCredentials persists credential material immediately.
	SaveCredentials(ctx context.Context) error
	Logout(ctx context.Context) error
	// Close disconnects without invalidating credentials.
	Close()
}

// Factory produces connection handles from persisted credentials.
type Factory interface {
	Open(ctx context.Context, sessionID string, h Handler) (Client, error)
	// Purge removes all credential material stored for the session.
	Purge(ctx context.Context, sessionID string) error
}
