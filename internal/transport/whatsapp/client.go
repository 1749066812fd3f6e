package whatsapp

import (
	"context"
	"database/sql"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types/events"

	"joinbot/internal/transport"
	logx "joinbot/pkg/logx"
)

const eventBuffer = 64

// client adapts one whatsmeow.Client to transport.Client.
//
// whatsmeow dispatches events on its own goroutines; they are re-delivered to
// the handler in order from a single worker so the handler may call back into
// the client (Close included) without deadlocking the socket.
type client struct {
	cli     *whatsmeow.Client
	db      *sql.DB
	handler transport.Handler
	log     logx.Logger

	ctx    context.Context
	cancel context.CancelFunc
	events chan transport.Event

	closeOnce sync.Once
}

func newClient(cli *whatsmeow.Client, db *sql.DB, h transport.Handler, log logx.Logger) *client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		cli:     cli,
		db:      db,
		handler: h,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		events:  make(chan transport.Event, eventBuffer),
	}
	cli.AddEventHandler(c.onWAEvent)
	go c.deliver()
	return c
}

func (c *client) deliver() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-c.events:
			c.handler(ev)
		}
	}
}

func (c *client) emit(ev transport.Event) {
	select {
	case <-c.ctx.Done():
	case c.events <- ev:
	}
}

func (c *client) onWAEvent(raw any) {
	switch ev := raw.(type) {
	case *events.Connected:
		account := ""
		if c.cli.Store.ID != nil {
			account = c.cli.Store.ID.User
		}
		c.emit(transport.Event{Kind: transport.EventOpen, Account: account})
	case *events.PairSuccess:
		c.log.Info("paired", logx.String("jid", ev.ID.String()), logx.String("platform", ev.Platform))
		c.emit(transport.Event{Kind: transport.EventCredentials})
	case *events.LoggedOut:
		c.emit(transport.Event{Kind: transport.EventClose, LoggedOut: true, Reason: "logged out: " + ev.Reason.String()})
	case *events.TemporaryBan:
		c.emit(transport.Event{Kind: transport.EventClose, LoggedOut: true, Reason: "temporary ban: " + ev.String()})
	case *events.ConnectFailure:
		c.emit(transport.Event{
			Kind:      transport.EventClose,
			LoggedOut: ev.Reason.IsLoggedOut(),
			Reason:    "connect failure: " + ev.Reason.String(),
		})
	case *events.StreamReplaced:
		c.emit(transport.Event{Kind: transport.EventClose, Reason: "stream replaced"})
	case *events.Disconnected:
		c.emit(transport.Event{Kind: transport.EventClose, Reason: "disconnected"})
	}
}

func (c *client) Connect(_ context.Context) error {
	if c.cli.Store.ID == nil {
		qr, err := c.cli.GetQRChannel(c.ctx)
		if err != nil {
			return err
		}
		go c.watchQR(qr)
	}
	c.emit(transport.Event{Kind: transport.EventConnecting})
	return c.cli.Connect()
}

func (c *client) watchQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			img, err := renderQR(item.Code)
			if err != nil {
				c.log.Warn("render qr failed", logx.Err(err))
			}
			c.emit(transport.Event{Kind: transport.EventQR, QR: item.Code, QRImage: img})
		case whatsmeow.QRChannelSuccess.Event:
			// Connected follows.
		case whatsmeow.QRChannelTimeout.Event:
			c.emit(transport.Event{Kind: transport.EventClose, Reason: "qr timeout"})
		default:
			c.emit(transport.Event{Kind: transport.EventClose, Reason: "pairing: " + item.Event, Err: item.Error})
		}
	}
}

func (c *client) Registered() bool {
	return c.cli.Store.ID != nil
}

func (c *client) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	return c.cli.PairPhone(ctx, phone, true, whatsmeow.PairClientChrome, "Chrome (Linux)")
}

func (c *client) AcceptInvite(ctx context.Context, code string) error {
	if !c.cli.IsConnected() {
		return transport.ErrNotConnected
	}
	jid, err := c.cli.JoinGroupWithLink(ctx, code)
	if err != nil {
		return mapJoinError(err)
	}
	c.log.Debug("joined", logx.String("group", jid.String()))
	return nil
}

func (c *client) SaveCredentials(ctx context.Context) error {
	if c.cli.Store.ID == nil {
		return nil
	}
	return c.cli.Store.Save(ctx)
}

func (c *client) Logout(ctx context.Context) error {
	if c.cli.Store.ID == nil {
		return nil
	}
	return c.cli.Logout(ctx)
}

func (c *client) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.cli.Disconnect()
		if err := c.db.Close(); err != nil {
			c.log.Debug("close credential db", logx.Err(err))
		}
	})
}
