package app

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"jobcast/internal/broker"
	"jobcast/internal/config"
	"jobcast/internal/gateway"
	"jobcast/internal/jobs"
	"jobcast/internal/monitor"
	"jobcast/internal/queue"
	httpserver "jobcast/internal/server/http"
	"jobcast/internal/storage"
	"jobcast/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapBrokerConfig(cfg *config.Config) (broker.Config, error) {
	b := cfg.Broker
	dial, err := config.ParseDurationField("broker.dial_timeout", b.DialTimeout)
	if err != nil {
		return broker.Config{}, err
	}
	read, err := config.ParseDurationField("broker.read_timeout", b.ReadTimeout)
	if err != nil {
		return broker.Config{}, err
	}
	write, err := config.ParseDurationField("broker.write_timeout", b.WriteTimeout)
	if err != nil {
		return broker.Config{}, err
	}
	return broker.Config{
		Addr:         strings.TrimSpace(b.Addr),
		Username:     b.Username,
		Password:     b.Password,
		DB:           b.DB,
		TLS:          b.TLS,
		DialTimeout:  dial,
		ReadTimeout:  read,
		WriteTimeout: write,
		MaxRetries:   b.MaxRetries,
		PoolSize:     b.PoolSize,
	}, nil
}

// mapWorkerOptions overlays configured fields on the built-in defaults; a
// queue entry that only sets concurrency keeps its default limiter.
func mapWorkerOptions(cfg *config.Config) (map[string]queue.WorkerOptions, error) {
	out := jobs.DefaultWorkerOptions()
	for name, qc := range cfg.Queues {
		o := out[name]
		key := "queues." + name + "."
		if qc.Concurrency > 0 {
			o.Concurrency = qc.Concurrency
		}
		if qc.LimitMax > 0 {
			window, err := config.ParseDurationField(key+"limit_window", qc.LimitWindow)
			if err != nil {
				return nil, err
			}
			o.Limiter = queue.RateLimit{Max: qc.LimitMax, Duration: window}
		}
		var err error
		if o.LockDuration, err = config.ParseDurationOrDefault(key+"lock_duration", qc.LockDuration, o.LockDuration); err != nil {
			return nil, err
		}
		if o.StalledInterval, err = config.ParseDurationOrDefault(key+"stalled_interval", qc.StalledInterval, o.StalledInterval); err != nil {
			return nil, err
		}
		if o.DrainDelay, err = config.ParseDurationOrDefault(key+"drain_delay", qc.DrainDelay, o.DrainDelay); err != nil {
			return nil, err
		}
		if qc.MaxStalledCount > 0 {
			o.MaxStalledCount = qc.MaxStalledCount
		}
		out[name] = o
	}
	return out, nil
}

// mapRegistryOptions turns per-queue job settings and the cleanup section
// into registry options. Backoff is always exponential from the given base.
func mapRegistryOptions(cfg *config.Config) ([]jobs.RegistryOption, error) {
	var opts []jobs.RegistryOption
	for name, qc := range cfg.Queues {
		backoff, err := config.ParseDurationField("queues."+name+".backoff", qc.Backoff)
		if err != nil {
			return nil, err
		}
		o := queue.JobOptions{
			Attempts:         qc.Attempts,
			RemoveOnComplete: queue.KeepJobs{Count: qc.KeepComplete},
			RemoveOnFail:     queue.KeepJobs{Count: qc.KeepFailed},
		}
		if backoff > 0 {
			o.Backoff = queue.Backoff{Type: queue.BackoffExponential, Delay: backoff}
		}
		opts = append(opts, jobs.WithQueueDefaults(name, o))
	}

	p := jobs.DefaultCleanupPolicy()
	c := cfg.Cleanup
	var err error
	if p.CompletedAge, err = config.ParseDurationOrDefault("cleanup.completed_age", c.CompletedAge, p.CompletedAge); err != nil {
		return nil, err
	}
	if p.FailedAge, err = config.ParseDurationOrDefault("cleanup.failed_age", c.FailedAge, p.FailedAge); err != nil {
		return nil, err
	}
	if c.CompletedLimit > 0 {
		p.CompletedLimit = c.CompletedLimit
	}
	if c.FailedLimit > 0 {
		p.FailedLimit = c.FailedLimit
	}
	return append(opts, jobs.WithCleanupPolicy(p)), nil
}

func mapStepDelay(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationField("handlers.step_delay", cfg.Handlers.StepDelay)
}

func exportDir(cfg *config.Config) string {
	if d := strings.TrimSpace(cfg.Handlers.ExportDir); d != "" {
		return d
	}
	return "./exports"
}

func mapGatewayConfig(cfg *config.Config) (gateway.Config, []gateway.Option) {
	g := cfg.Gateway
	gc := gateway.Config{
		Buffer:           g.Buffer,
		MaxSubscriptions: g.MaxSubscriptions,
		SubscribeRate:    rate.Limit(g.SubscribeRate),
		SubscribeBurst:   g.SubscribeBurst,
	}
	var opts []gateway.Option
	if len(g.Tokens) > 0 {
		tokens := make(gateway.StaticTokens, len(g.Tokens))
		for tok, subject := range g.Tokens {
			tokens[tok] = subject
		}
		opts = append(opts, gateway.WithVerifier(tokens))
	}
	return gc, opts
}

func mapMonitorConfig(cfg *config.Config) monitor.Config {
	return monitor.Config{
		CleanupSchedule: strings.TrimSpace(cfg.Cleanup.Schedule),
		StatsSchedule:   strings.TrimSpace(cfg.Monitor.StatsSchedule),
		Timezone:        strings.TrimSpace(cfg.Monitor.Timezone),
	}
}

func mapHTTPConfig(cfg *config.Config) (httpserver.Config, time.Duration, error) {
	h := cfg.HTTP
	read, err := config.ParseDurationField("http.read_timeout", h.ReadTimeout)
	if err != nil {
		return httpserver.Config{}, 0, err
	}
	idle, err := config.ParseDurationField("http.idle_timeout", h.IdleTimeout)
	if err != nil {
		return httpserver.Config{}, 0, err
	}
	shutdown, err := config.ParseDurationOrDefault("http.shutdown_timeout", h.ShutdownTimeout, 5*time.Second)
	if err != nil {
		return httpserver.Config{}, 0, err
	}
	return httpserver.Config{
		Addr:        strings.TrimSpace(h.Addr),
		Production:  h.Production(),
		AdminToken:  h.AdminToken,
		Pprof:       h.Pprof,
		ReadTimeout: read,
		IdleTimeout: idle,
	}, shutdown, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}
