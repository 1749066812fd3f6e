// Package transporttest provides an in-memory transport for tests.
package transporttest

import (
	"context"
	"sync"

	"joinbot/internal/transport"
)

// Factory hands out fake clients and remembers every one it opened.
type Factory struct {
	mu      sync.Mutex
	clients map[string][]*Client
	purged  []string

	// OpenErr, when set, fails every Open.
	OpenErr error
	// AutoOpen makes Connect emit an open event for Account right away.
	AutoOpen bool
	Account  string
	// Registered is the initial Registered() answer of new clients.
	Registered bool
	// Accept decides the result of AcceptInvite for all clients.
	Accept func(sessionID, code string) error
	// PairErr and LogoutErr, when set, fail RequestPairingCode and Logout.
	PairErr   error
	LogoutErr error
}

func NewFactory() *Factory {
	return &Factory{clients: map[string][]*Client{}, Account: "15550001111:3@s.whatsapp.net"}
}

func (f *Factory) Open(_ context.Context, sessionID string, h transport.Handler) (transport.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OpenErr != nil {
		return nil, f.OpenErr
	}
	c := &Client{factory: f, id: sessionID, handler: h, registered: f.Registered}
	f.clients[sessionID] = append(f.clients[sessionID], c)
	return c, nil
}

func (f *Factory) Purge(_ context.Context, sessionID string) error {
	f.mu.Lock()
	f.purged = append(f.purged, sessionID)
	f.mu.Unlock()
	return nil
}

func (f *Factory) pairErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.PairErr
}

func (f *Factory) logoutErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.LogoutErr
}

// Client returns the latest client opened for sessionID.
func (f *Factory) Client(sessionID string) *Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	cs := f.clients[sessionID]
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}

// Opened counts the clients opened for sessionID.
func (f *Factory) Opened(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients[sessionID])
}

func (f *Factory) Purged() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.purged...)
}

// Client is a scripted connection handle.
type Client struct {
	factory *Factory
	id      string
	handler transport.Handler

	mu         sync.Mutex
	registered bool
	connected  bool
	closed     bool
	loggedOut  bool
	saves      int
	accepted   []string
	inFlight   int
	maxFlight  int
	phone      string
}

func (c *Client) Connect(context.Context) error {
	c.mu.Lock()
	c.connected = true
	auto := c.factory.AutoOpen
	c.mu.Unlock()
	if auto {
		c.Emit(transport.Event{Kind: transport.EventOpen, Account: c.factory.Account})
	}
	return nil
}

func (c *Client) Registered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

func (c *Client) RequestPairingCode(_ context.Context, phone string) (string, error) {
	c.mu.Lock()
	c.phone = phone
	c.mu.Unlock()
	if err := c.factory.pairErr(); err != nil {
		return "", err
	}
	return "ABCD-1234", nil
}

func (c *Client) AcceptInvite(ctx context.Context, code string) error {
	c.mu.Lock()
	c.inFlight++
	if c.inFlight > c.maxFlight {
		c.maxFlight = c.inFlight
	}
	c.accepted = append(c.accepted, code)
	accept := c.factory.Accept
	c.mu.Unlock()

	var err error
	if accept != nil {
		err = accept(c.id, code)
	}

	c.mu.Lock()
	c.inFlight--
	c.mu.Unlock()
	return err
}

func (c *Client) SaveCredentials(context.Context) error {
	c.mu.Lock()
	c.saves++
	c.mu.Unlock()
	return nil
}

func (c *Client) Logout(context.Context) error {
	c.mu.Lock()
	c.loggedOut = true
	c.mu.Unlock()
	return c.factory.logoutErr()
}

func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	c.connected = false
	c.mu.Unlock()
}

// Emit delivers ev to the handler the client was opened with.
func (c *Client) Emit(ev transport.Event) {
	c.handler(ev)
}

func (c *Client) Accepted() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.accepted...)
}

// MaxInFlight is the highest number of concurrent AcceptInvite calls seen.
func (c *Client) MaxInFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxFlight
}

func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) LoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

func (c *Client) Saves() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saves
}

func (c *Client) PairedPhone() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phone
}
