package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"outagewatch/internal/addressbook"
	"outagewatch/internal/artifacts"
	"outagewatch/internal/config"
	"outagewatch/internal/eventbus"
	"outagewatch/internal/fetcher/headless"
	"outagewatch/internal/notifier"
	"outagewatch/internal/observability/debugsrv"
	"outagewatch/internal/observability/metrics"
	rtsup "outagewatch/internal/runtime/supervisor"
	"outagewatch/internal/storage"
	"outagewatch/internal/tracking"
	kit "outagewatch/internal/transport"
	telegram "outagewatch/internal/transport/telegram/adapter"
	"outagewatch/internal/transport/telegram/router"
	logx "outagewatch/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	store   storage.Store
	metrics *metrics.Metrics

	adapter   *telegram.Adapter
	addresses *addressbook.Service
	browser   *headless.Fetcher
	pool      *tracking.FetchPool
	tracking  *tracking.Supervisor
	notif     *notifier.Service
	janitor   *artifacts.Janitor
	debug     *debugsrv.Server

	cmdm *router.CommandManager
	sups *router.SupervisorRegistry

	startedAt time.Time
	updates   chan kit.Update
}

// New loads the config and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// Bootstrap with Telegram logging off so Apply does not warn before the
	// target chat is known.
	logCfg := mapLogging(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, log := logx.New(bootCfg, ad.SendLog)
	if chatID, _ := groupLogChat(cfg); chatID != 0 {
		logSvc.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
	}
	logSvc.Apply(logCfg)
	log = log.With(logx.String("comp", "app"))

	a := &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       eventbus.New(),
		metrics:   metrics.New(),
		adapter:   ad,
		sups:      router.NewSupervisorRegistry(),
		startedAt: time.Now(),
		updates:   make(chan kit.Update, 256),
	}
	if err := a.build(cfg); err != nil {
		a.closePartial()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	st, err := storage.Open(sc, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = st
	a.log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	a.addresses = addressbook.New(st, a.log.With(logx.String("comp", "addressbook")))

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	a.notif = notifier.New(ncfg, a.adapter, a.log.With(logx.String("comp", "notifier")), a.bus, a.metrics)

	fcfg, err := mapFetcherConfig(cfg)
	if err != nil {
		return err
	}
	browser, err := headless.New(fcfg, a.log.With(logx.String("comp", "fetcher")))
	if err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	a.browser = browser

	ts, err := mapTrackingConfig(cfg)
	if err != nil {
		return err
	}
	a.pool = tracking.NewFetchPool(browser, ts.poolSize, a.metrics)
	changeLog, err := storage.NewChangeLog(ts.changeLog)
	if err != nil {
		return fmt.Errorf("change log: %w", err)
	}
	a.tracking = tracking.New(ts.cfg, tracking.Deps{
		Fetcher:   a.pool,
		Sink:      a.notif,
		Addresses: a.addresses,
		Store:     st,
		ChangeLog: changeLog,
		Bus:       a.bus,
		Metrics:   a.metrics,
		Log:       a.log,
	})

	acfg, err := mapArtifactsConfig(cfg, browser.ScreenshotDir())
	if err != nil {
		return err
	}
	a.janitor, err = artifacts.New(acfg, a.log.With(logx.String("comp", "artifacts")))
	if err != nil {
		return err
	}

	a.debug = debugsrv.New(mapDebugConfig(cfg), debugsrv.Sources{
		Metrics: a.metrics.Handler(),
		State:   a.state,
	}, a.log.With(logx.String("comp", "debugsrv")))

	a.cmdm = router.NewCommandManager(a.log.With(logx.String("comp", "commands")), a.adapter, cfg.Telegram.OwnerUserIDs)
	return nil
}

// closePartial releases what build managed to open before failing.
func (a *App) closePartial() {
	if a.browser != nil {
		a.browser.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
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
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.sups.Set("app", a.sup)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	if err := a.addresses.Load(ctx); err != nil {
		return fmt.Errorf("load addresses: %w", err)
	}
	a.tracking.Load(ctx)
	a.sups.Set("tracking", a.tracking.Runtime())

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if sup := a.adapter.Supervisor(); sup != nil {
		a.sups.Set("telegram.adapter", sup)
	}

	a.tracking.RecoverAll(a.sup.Context())

	a.cmdm.SetRuntime(a.sup, a.sups)
	a.cmdm.SetRegistry(router.OutageCommands(&router.Services{
		Addresses:   a.addresses,
		Tracking:    a.tracking,
		Fetcher:     a.pool,
		Pool:        a.pool,
		Notifier:    a.notif,
		Supervisors: a.sups,
		StartedAt:   a.startedAt,
	}))
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	if removed, err := a.janitor.PruneNow(ctx); err != nil {
		a.log.Warn("screenshot prune failed", logx.Err(err))
	} else if removed > 0 {
		a.log.Info("old screenshots removed", logx.Int("count", removed))
	}
	if err := a.janitor.Start(a.sup.Context()); err != nil {
		return err
	}

	a.debug.Start(a.sup.Context())
	if sup := a.debug.Supervisor(); sup != nil {
		a.sups.Set("debugsrv", sup)
	}

	a.logEvents()
	a.watchConfig()

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}
	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	if reason == "" {
		reason = StopUnknown
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
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
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("router", 2*time.Second, func(c context.Context) error {
		sup := a.cmdm.Supervisor()
		if sup == nil {
			return nil
		}
		return sup.Wait(c)
	})
	step("tracking", 4*time.Second, a.tracking.Close)
	step("janitor", 1*time.Second, a.janitor.Stop)
	step("debugsrv", 1*time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("browser", 2*time.Second, func(context.Context) error { a.browser.Close(); return nil })
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })

	// config watch/reload, event log, dispatcher
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
