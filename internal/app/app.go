// Package app wires the queue registry, worker pool, monitor, event
// publisher, subscription gateway and HTTP server from one config file and
// runs them under a supervisor.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"jobcast/internal/broker"
	"jobcast/internal/config"
	"jobcast/internal/events"
	"jobcast/internal/gateway"
	"jobcast/internal/jobs"
	"jobcast/internal/metrics"
	"jobcast/internal/monitor"
	"jobcast/internal/runtime/supervisor"
	httpserver "jobcast/internal/server/http"
	"jobcast/internal/storage"
	"jobcast/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	cfg  *config.Config
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	metrics *metrics.Metrics
	conns   *broker.Conns
	store   storage.Store
	reg     *jobs.Registry
	pool    *jobs.Pool
	pub     *events.Publisher
	gw      *gateway.Gateway
	mon     *monitor.Monitor
	http    *httpserver.Server

	shutdownTimeout time.Duration
}

// New loads the config and sets up logging. Nothing touches the network
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateComponents(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logSvc, log := logx.New(mapLoggingConfig(cfg))
	return &App{
		cfgm:    cfgm,
		cfg:     cfg,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		metrics: metrics.New(),
	}, nil
}

// validateComponents runs every config mapping so a reload that a component
// would reject is refused before it is committed.
func validateComponents(_ context.Context, cfg *config.Config) error {
	if _, err := mapBrokerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapWorkerOptions(cfg); err != nil {
		return err
	}
	if _, err := mapRegistryOptions(cfg); err != nil {
		return err
	}
	if _, err := mapStepDelay(cfg); err != nil {
		return err
	}
	if _, _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Monitor.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("monitor.timezone: invalid %q: %w", tz, err)
		}
	}
	return nil
}

func (a *App) Config() *config.Config { return a.cfgm.Get() }
func (a *App) Registry() *jobs.Registry { return a.reg }
func (a *App) Publisher() *events.Publisher { return a.pub }
func (a *App) Gateway() *gateway.Gateway { return a.gw }
func (a *App) Metrics() *metrics.Metrics { return a.metrics }
func (a *App) Logger() logx.Logger { return a.log }
func (a *App) HTTPServer() *httpserver.Server { return a.http }

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

// Start connects to the broker and starts components in dependency order:
// gateway, monitor, workers, then the HTTP listener. On error the caller
// should still call Stop to release what was opened.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	run := a.sup.Context()
	cfg := a.cfg

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validateComponents)

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return err
	} else if enabled {
		st, err := storage.Open(sc, a.log.With(logx.String("comp", "storage")))
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	bc, err := mapBrokerConfig(cfg)
	if err != nil {
		return err
	}
	conns, err := broker.Open(run, bc, a.log.With(logx.String("comp", "broker")))
	if err != nil {
		return err
	}
	a.conns = conns

	regOpts, err := mapRegistryOptions(cfg)
	if err != nil {
		return err
	}
	a.reg = jobs.NewRegistry(conns.Queue, a.log, regOpts...)
	a.pub = events.NewPublisher(conns.Publish, a.log.With(logx.String("comp", "events")),
		events.WithObserver(a.metrics.EventPublished))

	gcfg, gopts := mapGatewayConfig(cfg)
	if len(gopts) == 0 {
		a.log.Warn("gateway has no tokens configured; tokens are accepted unverified")
	}
	gwLog := a.log.With(logx.String("comp", "gateway"))
	gopts = append(gopts,
		gateway.WithLogger(gwLog),
		gateway.WithHooks(gateway.LogHooks(gwLog)),
		gateway.WithObserver(a.metrics),
	)
	a.gw = gateway.New(conns.Subscribe, gcfg, gopts...)
	if err := a.gw.Start(run); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	monOpts := []monitor.Option{
		monitor.WithMetrics(a.metrics),
		monitor.WithLogger(a.log),
	}
	if a.store != nil {
		monOpts = append(monOpts, monitor.WithArchive(a.store))
	}
	a.mon = monitor.New(mapMonitorConfig(cfg), a.reg, conns.Subscribe, monOpts...)
	if err := a.mon.Start(run); err != nil {
		return fmt.Errorf("start monitor: %w", err)
	}

	wopts, err := mapWorkerOptions(cfg)
	if err != nil {
		return err
	}
	stepDelay, err := mapStepDelay(cfg)
	if err != nil {
		return err
	}
	handlerLog := a.log.With(logx.String("comp", "handlers"))
	h := &jobs.Handlers{
		Mailer:    jobs.LogMailer{Log: handlerLog},
		Notifier:  jobs.LogNotifier{Log: handlerLog},
		Exporter:  jobs.FileExporter{Dir: exportDir(cfg)},
		Registry:  a.reg,
		StepDelay: stepDelay,
		Log:       handlerLog,
	}
	a.pool = jobs.NewPool(a.reg, h, wopts, a.log)
	if err := a.pool.Start(run); err != nil {
		return err
	}

	hcfg, shutdown, err := mapHTTPConfig(cfg)
	if err != nil {
		return err
	}
	a.shutdownTimeout = shutdown
	deps := httpserver.Deps{
		Registry: a.reg,
		Health:   conns,
		Gateway:  a.gw,
		Metrics:  a.metrics.Handler(),
		Cleaner:  a.mon,
		Log:      a.log,
	}
	if a.store != nil {
		deps.Archive = a.store
	}
	a.http = httpserver.New(hcfg, deps)
	if err := a.http.Start(run); err != nil {
		return err
	}

	a.sup.Go("config.reload", func(c context.Context) error {
		a.reloadLoop(c)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", a.watchdog)

	a.sdNotify(daemon.SdNotifyReady)
	a.log.Info("app started", logx.String("http_addr", a.http.Addr()))
	return nil
}

// reloadLoop applies logging changes live and warns about sections that
// only take effect after a restart.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
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

			changed, restart, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(changed) == 0 {
				a.log.Info("config reloaded (no changes)")
				continue
			}
			a.logs.Apply(mapLoggingConfig(newCfg))
			if len(restart) > 0 {
				a.log.Warn("config sections changed; restart required for changes to take effect",
					logx.String("sections", strings.Join(restart, ",")))
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

// Stop shuts down in reverse start order. The gateway closes before the
// HTTP listener so streaming handlers return and Shutdown does not wait on
// them; workers then drain their active jobs within ctx.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sdNotify(daemon.SdNotifyStopping)

	if a.gw != nil {
		a.step(ctx, "gateway", 2*time.Second, func(context.Context) error { return a.gw.Close() })
	}
	if a.http != nil {
		a.step(ctx, "http", a.shutdownTimeout, a.http.Stop)
	}
	if a.pool != nil {
		// Bounded only by the caller: active jobs are allowed to finish.
		a.step(ctx, "workers", 0, a.pool.Close)
	}
	if a.mon != nil {
		a.step(ctx, "monitor", 2*time.Second, a.mon.Stop)
	}

	a.sup.Cancel()
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	var errs []error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage: %w", err))
		}
	}
	if a.conns != nil {
		if err := a.conns.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close broker: %w", err))
		}
	}
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}
