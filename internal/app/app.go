package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"joinbot/internal/config"
	"joinbot/internal/control"
	"joinbot/internal/eventbus"
	"joinbot/internal/gateway"
	"joinbot/internal/maintenance"
	"joinbot/internal/queue"
	"joinbot/internal/runtime/supervisor"
	"joinbot/internal/session"
	"joinbot/internal/storage"
	"joinbot/internal/transport/telegram"
	"joinbot/internal/transport/whatsapp"
	logx "joinbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	// sup runs service loops and cancels on the first fatal error.
	sup *supervisor.Supervisor
	// work runs session and queue goroutines; their failures are never fatal.
	work *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	table    *session.Table
	sessions *session.Manager
	proc     *queue.Processor
	ctl      *control.Service
	gw       *gateway.Server
	bot      *telegram.Bot
	maint    *maintenance.Service
}

// openStore is replaced in tests.
var openStore = storage.Open

func NewApp(cfgPath string) (_ *App, err error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	comp := func(name string) logx.Logger { return root.With(logx.String("comp", name)) }

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := openStore(sc, comp("storage"))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))
	var work *supervisor.Supervisor
	defer func() {
		if err == nil {
			return
		}
		if work != nil {
			work.Cancel()
		}
		if cerr := store.Close(); cerr != nil {
			log.Warn("storage close failed", logx.Err(cerr))
		}
	}()

	bus := eventbus.New()
	table := session.NewTable(store, bus, comp("sessions"))
	table.SetDefaultInterval(cfg.Queue.DefaultInterval)
	if err := table.Load(context.Background()); err != nil {
		log.Warn("session state load failed; starting empty", logx.Err(err))
	}

	wc, err := mapWhatsAppConfig(cfg)
	if err != nil {
		return nil, err
	}
	factory, err := whatsapp.NewFactory(wc, comp("whatsapp"))
	if err != nil {
		return nil, err
	}

	mc, err := mapManagerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sessions := session.NewManager(mc, table, factory, bus, comp("lifecycle"))

	work = supervisor.New(context.Background(),
		supervisor.WithLogger(comp("work")),
		supervisor.WithCancelOnError(false),
	)
	qc, err := mapQueueConfig(cfg)
	if err != nil {
		return nil, err
	}
	proc := queue.New(qc, table, sessions, bus, work, comp("queue"))
	sessions.SetRunner(proc)

	ctl := control.New(table, sessions, proc, store, comp("control"))
	gw := gateway.New(mapGatewayConfig(cfg), ctl, bus, comp("gateway"))

	var bot *telegram.Bot
	if cfg.Telegram.Enabled {
		tc, terr := mapTelegramConfig(cfg)
		if terr != nil {
			return nil, terr
		}
		bot, err = telegram.New(tc, ctl, bus, comp("telegram"))
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		logSvc.SetSink(bot)
	}

	mtc, err := mapMaintenanceConfig(cfg)
	if err != nil {
		return nil, err
	}
	maint := maintenance.New(mtc, store, table, proc, bus, comp("maintenance"))

	return &App{
		cfgm:     cfgm,
		work:     work,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		table:    table,
		sessions: sessions,
		proc:     proc,
		ctl:      ctl,
		gw:       gw,
		bot:      bot,
		maint:    maint,
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		mc, err := mapMaintenanceConfig(cfg)
		if err != nil {
			return err
		}
		return a.maint.Validate(mc)
	})

	a.sessions.Start(a.work.Context())
	if err := a.maint.Start(a.work.Context()); err != nil {
		return err
	}

	// Restore is sequential and may take a while; the gateway serves meanwhile.
	a.work.Go0("sessions.restore", a.sessions.Restore)
	a.sup.Go("gateway", a.gw.Serve)

	if a.bot != nil {
		if err := a.bot.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", func(c context.Context) { watchdog(c, a.log) })

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started", logx.Int("sessions", len(a.table.Active())))
	return nil
}

// logEvents mirrors bus traffic at debug level.
func (a *App) logEvents(c context.Context) {
	sub := a.bus.Subscribe(128)
	defer sub.Close()
	for {
		select {
		case <-c.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if e.Type == eventbus.TypeQR {
				// Payload is a large image.
				a.log.Debug("event", logx.String("type", e.Type), logx.String("session", e.SessionID))
				continue
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.String("session", e.SessionID), logx.Any("data", e.Data))
		}
	}
}

// reloadLoop fans validated config reloads out to the live components.
func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts; only the newest config matters.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.Strings("sections", restart))
	}

	a.logs.Apply(mapLogConfig(newCfg))
	a.table.SetDefaultInterval(newCfg.Queue.DefaultInterval)
	if qc, err := mapQueueConfig(newCfg); err != nil {
		a.log.Warn("invalid queue config; keeping previous", logx.Err(err))
	} else {
		a.proc.SetConfig(qc)
	}
	if p, err := mapReconnectPolicy(newCfg); err != nil {
		a.log.Warn("invalid reconnect config; keeping previous", logx.Err(err))
	} else {
		a.sessions.SetReconnectPolicy(p)
	}
	if mc, err := mapMaintenanceConfig(newCfg); err != nil {
		a.log.Warn("invalid maintenance config; keeping previous", logx.Err(err))
	} else if err := a.maint.Apply(mc); err != nil {
		a.log.Warn("maintenance schedules rejected; keeping previous", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	a.step(ctx, "telegram", 3*time.Second, func(c context.Context) error {
		if a.bot == nil {
			return nil
		}
		a.logs.SetSink(nil)
		return a.bot.Stop(c)
	})
	a.step(ctx, "maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	a.step(ctx, "queue", time.Second, func(context.Context) error { a.proc.Close(); return nil })
	a.step(ctx, "sessions", 5*time.Second, a.sessions.Close)
	a.step(ctx, "work", 3*time.Second, func(c context.Context) error {
		a.work.Cancel()
		return a.work.Wait(c)
	})
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })
	// Gateway, config watch and reload loops.
	a.step(ctx, "supervisor", 6*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs one shutdown step bounded by max and the caller's deadline, so a
// stuck component cannot stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}
