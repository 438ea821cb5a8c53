package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"deferq/internal/config"
	"deferq/internal/eventbus"
	"deferq/internal/local"
	"deferq/internal/metrics"
	"deferq/internal/observability/debug"
	"deferq/internal/storage"
	"deferq/pkg/deferq"
	logx "deferq/pkg/logx"

	rtsup "deferq/internal/runtime/supervisor"
)

type Option func(*options)

type options struct {
	bannerOut io.Writer
	client    []deferq.Option
}

// WithBannerOutput redirects the development banner.
func WithBannerOutput(w io.Writer) Option { return func(o *options) { o.bannerOut = w } }

// WithClientOptions is passed to deferq.Open.
func WithClientOptions(opts ...deferq.Option) Option {
	return func(o *options) { o.client = append(o.client, opts...) }
}

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	rec   *storage.Recorder

	metrics *metrics.MetricsAPI
	client  *deferq.Client
	debug   *debug.Service
}

// New loads the configuration at cfgPath (empty means defaults) with env
// layered on top and builds every component. Nothing runs until Start.
func New(cfgPath string, env config.Env, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath, env)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("component", "app"))

	bus := eventbus.New()

	var (
		store storage.Store
		rec   *storage.Recorder
	)
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return nil, err
		}
		store = st
		rec = storage.NewRecorder(st, bus, 1024, log)
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	timeout, err := config.Duration("backend.timeout", cfg.Backend.Timeout)
	if err != nil {
		return nil, err
	}
	mode := cfg.ResolvedMode()
	dcfg := deferq.Config{
		NoLocalScheduler: true, // started in Start
		NoBanner:         !cfg.Scheduler.BannerEnabled(),
		Debug:            env.Debug,
		TickInterval:     cfg.Scheduler.Tick(),
		Concurrency:      cfg.Concurrency(),
		Timezone:         cfg.Scheduler.Timezone,
		RatePerSec:       cfg.Backend.RatePerSec,
		Timeout:          timeout,
	}
	if mode == config.ModeRemote {
		dcfg.Token = cfg.Backend.Token
		dcfg.Endpoint = cfg.Backend.Endpoint
	}

	// The local backend is not built yet, so the queue source is bound lazily.
	var lb *local.Backend
	mapi, err := metrics.NewMetricsAPI(metrics.Opts{Queue: queueSource(func() *local.Backend { return lb })})
	if err != nil {
		return nil, err
	}

	copts := []deferq.Option{
		deferq.WithLogger(log.With(logx.String("component", "client"))),
		deferq.WithLocalOptions(local.WithBus(bus), local.WithObserver(mapi)),
	}
	if o.bannerOut != nil {
		copts = append(copts, deferq.WithBannerOutput(o.bannerOut))
	}
	client, err := deferq.Open(dcfg, append(copts, o.client...)...)
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}
	lb = client.Local()

	dbgCfg, err := mapDebugConfig(cfg)
	if err != nil {
		return nil, err
	}
	dbg := debug.New(dbgCfg, debug.Deps{
		Metrics:    mapi.Router,
		Executions: client,
		Snapshot: func() any {
			if lb == nil {
				return map[string]string{"mode": config.ModeRemote}
			}
			return lb.Snapshot()
		},
	}, log)

	log.Info("deferq configured", logx.String("mode", mode), logx.String("config", cfgm.Path()))
	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		rec:     rec,
		metrics: mapi,
		client:  client,
		debug:   dbg,
	}, nil
}

// queueSource adapts a late-bound local backend to metrics.QueueSource.
type queueSource func() *local.Backend

func (q queueSource) QueueDepth(ctx context.Context) (int64, error) {
	if b := q(); b != nil {
		return b.QueueDepth(ctx)
	}
	return 0, nil
}

func (a *App) Client() *deferq.Client { return a.client }

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) Config() *config.Config { return a.cfgm.Get() }

// DebugAddr is the bound debug server address, or "" when it is not serving.
func (a *App) DebugAddr() string { return a.debug.Addr() }

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

	a.cfgm.SetLogger(a.log.With(logx.String("component", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapDebugConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	if a.rec != nil {
		a.sup.Go("journal", a.rec.Run)
	}

	cfg := a.cfgm.Get()
	if a.client.Remote() {
		a.log.Info("remote backend in use; local scheduler not started")
	} else if cfg.Scheduler.AutoStartEnabled() {
		if err := a.client.Start(a.sup.Context()); err != nil {
			return err
		}
	} else {
		a.log.Info("local scheduler disabled (DEFER_NO_LOCAL_SCHEDULER or scheduler.auto_start=false)")
	}

	if a.debug.Enabled() {
		// Start logs its own failure; a broken debug server is not fatal.
		_ = a.debug.Start(a.sup.Context())
	}

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
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

// applyConfig applies a reloaded configuration to the running components.
// Backend and storage settings only take effect after a restart.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, fnChanged := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "backend", "storage":
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		case "logging":
			if err := a.logs.Apply(mapLogConfig(newCfg)); err != nil {
				a.log.Warn("logging reconfigure incomplete", logx.Err(err))
			}
		case "scheduler":
			if tr := a.client.Triggers(); tr != nil {
				tr.Apply(newCfg.Scheduler.Timezone)
			}
		case "functions":
			a.applyConcurrency(ctx, newCfg, fnChanged)
		case "debug":
			dc, err := mapDebugConfig(newCfg)
			if err != nil {
				a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
				continue
			}
			_ = a.debug.Reconfigure(ctx, dc)
		}
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) applyConcurrency(ctx context.Context, cfg *config.Config, names []string) {
	lb := a.client.Local()
	if lb == nil {
		return
	}
	for _, name := range names {
		var err error
		if f, ok := cfg.Functions[name]; ok {
			err = lb.SetConcurrency(ctx, name, f.Concurrency)
		} else {
			err = lb.ResetConcurrency(ctx, name)
		}
		if err != nil {
			a.log.Warn("concurrency update failed", logx.String("function", name), logx.Err(err))
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, max(time.Until(dl), 0))
		}
		stepCtx, cancel := context.WithTimeout(ctx, limit)
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// In-flight executions finish first; the journal keeps recording them.
	step("client", 10*time.Second, a.client.Stop)
	step("debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })

	a.sup.Cancel()
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
