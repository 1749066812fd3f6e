// Package telegram runs the optional operator bot: owner-only commands over
// the control surface, notifications for notable session events, and the
// remote log sink.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"joinbot/internal/control"
	"joinbot/internal/eventbus"
	"joinbot/internal/runtime/supervisor"
	logx "joinbot/pkg/logx"
)

type Config struct {
	Token        string
	OwnerUserIDs []int64
	NotifyChatID int64
	// NotifyThreadID targets a forum topic inside NotifyChatID.
	NotifyThreadID int
	PollTimeout    time.Duration
}

// Controller is the subset of control.Service the bot drives.
type Controller interface {
	CreateSession(ctx context.Context, actor, sessionID, method, phone string) error
	DeleteSession(ctx context.Context, actor, sessionID string) error
	AddLinks(ctx context.Context, actor string, sessionIDs []string, text string) control.Result
	Control(ctx context.Context, actor string, sessionIDs []string, action control.Action, value string) control.Result
	Snapshot() control.InitData
}

type Bot struct {
	cfg Config
	log logx.Logger
	ctl Controller
	bus eventbus.Bus

	bot *tele.Bot

	mu  sync.Mutex
	sup *supervisor.Supervisor
}

func New(cfg Config, ctl Controller, bus eventbus.Bus, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	tb, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
		OnError: func(err error, _ tele.Context) {
			log.Warn("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	b := &Bot{cfg: cfg, log: log, ctl: ctl, bus: bus, bot: tb}
	tb.Handle(tele.OnText, b.onText)
	return b, nil
}

func (b *Bot) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Sender == nil {
		return nil
	}
	if !b.isOwner(m.Sender.ID) {
		b.log.Debug("ignoring non-owner message", logx.Int64("from", m.Sender.ID))
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	reply := b.handle(ctx, m.Sender.ID, m.Text)
	if reply == "" {
		return nil
	}
	return b.send(m.Chat.ID, m.ThreadID, reply)
}

func (b *Bot) isOwner(id int64) bool {
	return slices.Contains(b.cfg.OwnerUserIDs, id)
}

// Start launches polling and the notification forwarder.
func (b *Bot) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sup != nil {
		return nil
	}
	sup := supervisor.New(ctx,
		supervisor.WithLogger(b.log),
		supervisor.WithCancelOnError(false),
	)
	b.sup = sup

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		b.bot.Stop()
	})
	// Start blocks until Stop; restart it if it returns while still wanted.
	sup.GoRestart0("telebot.poll", func(context.Context) {
		b.log.Info("polling started")
		b.bot.Start()
		b.log.Info("polling stopped")
	},
		supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		supervisor.WithStopOnCleanExit(false),
	)
	if b.cfg.NotifyChatID != 0 && b.bus != nil {
		sub := b.bus.Subscribe(128)
		sup.Go0("telegram.notify", func(c context.Context) {
			defer sub.Close()
			b.forward(c, sub)
		})
	}
	return nil
}

// Stop cancels polling. Long-poll requests may still be in flight; the wait is
// bounded by ctx and a short grace window.
func (b *Bot) Stop(ctx context.Context) error {
	b.mu.Lock()
	sup := b.sup
	b.sup = nil
	b.mu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.Canceled) {
		b.log.Warn("telegram stop timed out", logx.Err(err))
	}
	return nil
}

// SendLog delivers a remote log line to the notify chat.
func (b *Bot) SendLog(_ context.Context, text string) error {
	if b.cfg.NotifyChatID == 0 {
		return nil
	}
	return b.send(b.cfg.NotifyChatID, b.cfg.NotifyThreadID, text)
}

func (b *Bot) send(chatID int64, threadID int, text string) error {
	chat := &tele.Chat{ID: chatID}
	for _, chunk := range splitText(text, textLimit) {
		if _, err := b.bot.Send(chat, chunk, &tele.SendOptions{ThreadID: threadID, DisableWebPagePreview: true}); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bot) forward(ctx context.Context, sub *eventbus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			text := notification(e)
			if text == "" {
				continue
			}
			if err := b.send(b.cfg.NotifyChatID, b.cfg.NotifyThreadID, text); err != nil {
				b.log.Warn("notify failed", logx.String("event", e.Type), logx.Err(err))
			}
		}
	}
}

// notification renders the events operators want pushed to them.
func notification(e eventbus.Event) string {
	switch d := e.Data.(type) {
	case eventbus.PairingCodeData:
		return fmt.Sprintf("Pairing code for %s: %s", d.SessionID, d.Code)
	case eventbus.SecurityStopData:
		return fmt.Sprintf("Security stop on %s: rate limited at %s. Queue halted; /start %s to resume.", d.SessionID, d.Code, d.SessionID)
	case eventbus.SessionData:
		switch e.Type {
		case eventbus.TypeSessionConnected:
			return fmt.Sprintf("Session %s connected.", d.SessionID)
		case eventbus.TypeQueueCompleted:
			return fmt.Sprintf("Queue completed for %s.", d.SessionID)
		}
	}
	return ""
}
