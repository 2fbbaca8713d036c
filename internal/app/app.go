// Package app assembles the tracking core: configuration, storage, the
// timezone resolver, the dispatch pipeline, the scheduler with its built-in
// jobs, the command router and the health surface.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"

	"worklog/internal/command"
	"worklog/internal/config"
	"worklog/internal/dispatch"
	"worklog/internal/health"
	"worklog/internal/jobs"
	"worklog/internal/ratelimit"
	"worklog/internal/report"
	"worklog/internal/scheduler"
	"worklog/internal/storage"
	"worklog/internal/timezone"
	"worklog/internal/transport"
	"worklog/internal/transport/telegram"
	logx "worklog/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	store      storage.Store
	resolver   *timezone.Resolver
	sink       transport.Sink
	dispatcher *dispatch.Service
	governor   *ratelimit.Governor
	sched      *scheduler.Service
	monitor    *health.Monitor
	router     *command.Router
	tg         *telegram.Adapter

	runCancel context.CancelFunc
	sub       chan *config.Config
}

// New loads the config, applies environment overrides and builds every
// component. Nothing is running yet when New returns.
func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath, logx.NewConsole("info"))
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	// Secrets come from the environment in production; file values are a
	// development convenience.
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}

	logSvc, log := logx.New(cfg.Logging.ToLogx())

	storeCfg, err := cfg.Storage.ToStorage()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storeCfg, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	syncInterval, err := config.ParseDurationField("timezone.sync_interval", cfg.Timezone.SyncInterval)
	if err != nil {
		return nil, err
	}
	tzRetry, err := cfg.Timezone.Retry.ToPolicy("timezone.retry")
	if err != nil {
		return nil, err
	}
	resolver := timezone.NewResolver(
		timezone.NewClient(cfg.Timezone.APIKey, cfg.Timezone.BaseURL, 0),
		timezone.Config{SyncInterval: syncInterval, Retry: tzRetry},
		log,
	)

	var (
		sink transport.Sink
		tg   *telegram.Adapter
	)
	if cfg.Telegram.Token != "" {
		pollTimeout, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
		if err != nil {
			return nil, err
		}
		tg, err = telegram.New(telegram.Config{
			Token:         cfg.Telegram.Token,
			ServiceChatID: cfg.Telegram.ServiceChatID,
			PollTimeout:   pollTimeout,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		sink = tg
	} else {
		log.Warn("no telegram token; events go to the log")
		sink = transport.NewLogSink(log)
	}

	dispatchCfg, err := cfg.Dispatch.ToDispatch()
	if err != nil {
		return nil, err
	}
	dispatcher := dispatch.New(dispatchCfg, sink, log)

	rlCfg, err := cfg.RateLimit.ToRateLimit()
	if err != nil {
		return nil, err
	}
	governor := ratelimit.New(rlCfg)

	schedCfg, err := cfg.Scheduler.ToScheduler()
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(schedCfg, resolver, dispatcher, log)

	aggregator := report.NewAggregator(store)
	if err := jobs.RegisterAll(jobs.Deps{
		Store:    store,
		Events:   dispatcher,
		Reports:  aggregator,
		Zones:    resolver,
		Log:      log,
		Sched:    sched,
		Override: cfg.Jobs,
	}); err != nil {
		return nil, fmt.Errorf("register jobs: %w", err)
	}

	probeTimeout, err := config.ParseDurationField("health.probe_timeout", cfg.Health.ProbeTimeout)
	if err != nil {
		return nil, err
	}
	monitor := health.New(health.Config{
		Addr:         cfg.Health.Addr,
		ProbeTimeout: probeTimeout,
		StaleFactor:  cfg.Health.StaleFactor,
	}, store, sink, sched, log)

	handlers := command.NewHandlers(store, aggregator, resolver, log)
	router := command.NewRouter(command.RouterConfig{}, handlers, governor, log)

	return &App{
		cfgMgr:     mgr,
		logSvc:     logSvc,
		log:        log,
		store:      store,
		resolver:   resolver,
		sink:       sink,
		dispatcher: dispatcher,
		governor:   governor,
		sched:      sched,
		monitor:    monitor,
		router:     router,
		tg:         tg,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.runCancel = cancel

	a.dispatcher.Start(runCtx)
	a.sched.Start(runCtx)
	a.monitor.Serve()
	a.monitor.NotifyReady()
	go a.monitor.WatchdogLoop(runCtx)

	if a.tg != nil {
		a.tg.Listen(runCtx, a.router)
	}

	a.sub = a.cfgMgr.Subscribe(1)
	go func() { _ = a.cfgMgr.Watch(runCtx) }()
	go a.reloadLoop(runCtx)

	a.log.Info("worklog started")
	return nil
}

// reloadLoop applies hot-reloadable sections of a republished config:
// logging level and sinks, rate limits and the dispatch pipeline knobs.
// Storage, scheduler wiring and transport stay fixed until restart.
func (a *App) reloadLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-a.sub:
			if !ok {
				return
			}
			a.logSvc.Apply(cfg.Logging.ToLogx())
			if rl, err := cfg.RateLimit.ToRateLimit(); err == nil {
				a.governor.Apply(rl)
			}
			if dc, err := cfg.Dispatch.ToDispatch(); err == nil {
				a.dispatcher.Apply(dc)
			}
			a.log.Info("runtime config applied")
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.runCancel != nil {
		a.runCancel()
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()

	if err := a.sched.Stop(stopCtx); err != nil {
		a.log.Warn("scheduler stop", logx.Err(err))
	}
	a.dispatcher.Stop(stopCtx)
	if err := a.monitor.Shutdown(stopCtx); err != nil {
		a.log.Warn("health shutdown", logx.Err(err))
	}
	if err := a.sink.Close(); err != nil {
		a.log.Warn("sink close", logx.Err(err))
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close", logx.Err(err))
	}
	a.log.Info("worklog stopped")
	return a.logSvc.Close()
}
