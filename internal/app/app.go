package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/delivery"
	"chatrelay/internal/eventbus"
	"chatrelay/internal/observability/pprof"
	"chatrelay/internal/outbox"
	rtsup "chatrelay/internal/runtime/supervisor"
	"chatrelay/internal/session"
	"chatrelay/internal/storage"
	"chatrelay/internal/surface"
	"chatrelay/internal/surface/console"
	"chatrelay/internal/surface/httpapi"
	"chatrelay/internal/surface/telegram"
	logx "chatrelay/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store // nil when storage is disabled
	sessions *session.Manager
	client   *delivery.Client
	outbox   *outbox.Service
	pprof    *pprof.Service

	surfaces []surface.Surface
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	sessOpts, err := mapSessionOptions(cfg)
	if err != nil {
		return nil, err
	}
	sessions := session.NewManager(sessOpts, store, log.With(logx.String("comp", "session")), bus)

	opts, err := mapDeliveryOptions(cfg)
	if err != nil {
		return nil, err
	}
	client, err := delivery.New(opts, sessions, store, log.With(logx.String("comp", "delivery")), bus)
	if err != nil {
		return nil, err
	}

	ob := outbox.New(mapOutboxConfig(cfg, store != nil), store, client,
		log.With(logx.String("comp", "outbox")), bus)

	pp := pprof.New(mapPprofConfig(cfg), log.With(logx.String("comp", "pprof")))

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		sessions: sessions,
		client:   client,
		outbox:   ob,
		pprof:    pp,
	}

	// Surfaces by config. Console and HTTP construct offline; Telegram dials
	// out, so a bad token degrades to a warning instead of failing boot.
	if cfg.Surfaces.Console.Enabled {
		a.surfaces = append(a.surfaces, console.New(log.With(logx.String("comp", "console"))))
	}
	if cfg.Surfaces.HTTP.Enabled {
		hcfg, err := mapHTTPConfig(cfg)
		if err != nil {
			return nil, err
		}
		a.surfaces = append(a.surfaces,
			httpapi.New(hcfg, store, a.statusSnapshot, log.With(logx.String("comp", "http"))))
	}
	if cfg.Surfaces.Telegram.Enabled {
		tcfg, err := mapTelegramConfig(cfg)
		if err != nil {
			return nil, err
		}
		ts, err := telegram.New(tcfg, log.With(logx.String("comp", "telegram")))
		if err != nil {
			log.Warn("telegram surface unavailable", logx.Err(err))
		} else {
			a.surfaces = append(a.surfaces, ts)
		}
	}

	return a, nil
}

func (a *App) statusSnapshot() httpapi.Status {
	return httpapi.Status{
		Session:   a.sessions.Current(),
		Endpoints: a.client.Endpoints(),
		Storage:   a.store != nil,
		Outbox:    a.outbox.Enabled(),
	}
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
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		if cfg.Outbox != nil && strings.TrimSpace(cfg.Outbox.FlushSchedule) != "" {
			if err := outbox.ValidSchedule(cfg.Outbox.FlushSchedule); err != nil {
				return err
			}
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	if err := a.outbox.Start(a.sup.Context()); err != nil {
		return err
	}

	// Diagnostics are best-effort: a bad pprof bind never blocks boot.
	if err := a.pprof.Apply(a.sup.Context(), mapPprofConfig(a.cfgm.Get())); err != nil {
		a.log.Warn("pprof not started", logx.Err(err))
	}

	ev := surface.Events{
		SendRequested: a.client.Send,
		ResponseReceived: func(rep delivery.Reply) {
			a.log.Debug("reply rendered",
				logx.String("conversation", rep.ConversationID),
				logx.Bool("offline", rep.Offline),
				logx.String("endpoint", rep.Endpoint))
		},
	}
	for _, sf := range a.surfaces {
		sf := sf
		a.sup.GoRestart("surface."+sf.Name(), func(c context.Context) error {
			if err := sf.Start(c, ev); err != nil {
				return err
			}
			<-c.Done()
			return c.Err()
		}, rtsup.WithPublishFirstError(true))
	}

	// Event log for observability/debug (components can also subscribe themselves).
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// Hot reload config fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
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
				newCfg = drainLatest(sub, newCfg)
				sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
				lastApplied = newCfg
				if len(sections) == 0 {
					a.log.Debug("config reload received, but no effective changes detected")
					continue
				}
				a.log.Debug("config change summary",
					append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

				for _, s := range sections {
					switch {
					case s == "storage":
						a.log.Warn("storage config changed; restart required for changes to take effect")
					case s == "session":
						a.log.Warn("session config changed; applies on next start")
					case strings.HasPrefix(s, "surfaces."):
						a.log.Warn("surface config changed; restart required for changes to take effect",
							logx.String("surface", s))
					}
				}

				a.logs.Apply(mapLoggingConfig(newCfg))

				if opts, err := mapDeliveryOptions(newCfg); err != nil {
					a.log.Warn("invalid endpoints config; keeping previous", logx.Err(err))
				} else if err := a.client.Apply(opts); err != nil {
					a.log.Warn("delivery policy not applied", logx.Err(err))
				}

				if err := a.outbox.Apply(mapOutboxConfig(newCfg, a.store != nil)); err != nil {
					a.log.Warn("invalid outbox config; keeping previous", logx.Err(err))
				}

				if err := a.pprof.Apply(c, mapPprofConfig(newCfg)); err != nil {
					a.log.Warn("pprof not reconfigured", logx.Err(err))
				}

				a.log.Info("config reloaded",
					append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Int("surfaces", len(a.surfaces)),
		logx.String("session", a.sessions.Current()))
	return nil
}

// drainLatest empties a burst of queued configs and keeps the newest,
// so one save producing several fs events applies once.
func drainLatest(sub chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer := <-sub:
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Surfaces first (stop intake), then the outbox, then storage.
	for _, sf := range a.surfaces {
		a.stopStep(ctx, "surface."+sf.Name(), 3*time.Second, sf.Stop)
	}
	a.stopStep(ctx, "outbox", 2*time.Second, func(c context.Context) error { a.outbox.Stop(c); return nil })
	a.stopStep(ctx, "pprof", 1*time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	a.stopStep(ctx, "storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, surfaces' restart hosts).
	a.stopStep(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// stopStep runs one shutdown action with a per-step budget so a single
// component cannot stall the whole stop. The budget never extends past
// the caller's deadline. A step that overruns is abandoned; its late
// result is logged if it ever arrives.
func (a *App) stopStep(ctx context.Context, name string, budget time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", budget))

	if dl, ok := ctx.Deadline(); ok {
		budget = min(budget, time.Until(dl))
	}
	stepCtx := ctx
	if budget > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

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
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Warn("stop step finished after deadline",
				logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
		}()
	}
}
