package config

import (
	"errors"
	"fmt"
	"strings"
)

var knownQueues = map[string]bool{
	"email-queue":           true,
	"user-processing-queue": true,
	"notifications-queue":   true,
	"data-export-queue":     true,
}

// Validate checks values that would otherwise fail late (at component
// construction) or silently fall back to a default.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}

	dur("broker.dial_timeout", c.Broker.DialTimeout)
	dur("broker.read_timeout", c.Broker.ReadTimeout)
	dur("broker.write_timeout", c.Broker.WriteTimeout)

	for name, q := range c.Queues {
		p := "queues." + name
		if !knownQueues[name] {
			errs = append(errs, fmt.Errorf("%s: unknown queue", p))
			continue
		}
		if q.Concurrency < 0 || q.Attempts < 0 || q.LimitMax < 0 || q.MaxStalledCount < 0 {
			errs = append(errs, fmt.Errorf("%s: counts must be >= 0", p))
		}
		dur(p+".limit_window", q.LimitWindow)
		dur(p+".lock_duration", q.LockDuration)
		dur(p+".stalled_interval", q.StalledInterval)
		dur(p+".drain_delay", q.DrainDelay)
		dur(p+".backoff", q.Backoff)
		if q.LimitMax > 0 && strings.TrimSpace(q.LimitWindow) == "" {
			errs = append(errs, fmt.Errorf("%s: limit_max requires limit_window", p))
		}
	}

	dur("handlers.step_delay", c.Handlers.StepDelay)
	dur("cleanup.completed_age", c.Cleanup.CompletedAge)
	dur("cleanup.failed_age", c.Cleanup.FailedAge)
	if c.Cleanup.CompletedLimit < 0 || c.Cleanup.FailedLimit < 0 {
		errs = append(errs, errors.New("cleanup: limits must be >= 0"))
	}

	if c.Gateway.Buffer < 0 || c.Gateway.MaxSubscriptions < 0 || c.Gateway.SubscribeRate < 0 || c.Gateway.SubscribeBurst < 0 {
		errs = append(errs, errors.New("gateway: values must be >= 0"))
	}

	switch c.HTTP.Mode {
	case "", ModeDevelopment:
	case ModeProduction:
		if strings.TrimSpace(c.HTTP.AdminToken) == "" {
			errs = append(errs, errors.New("http.admin_token is required in production mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("http.mode: unknown mode %q", c.HTTP.Mode))
	}
	dur("http.read_timeout", c.HTTP.ReadTimeout)
	dur("http.idle_timeout", c.HTTP.IdleTimeout)
	dur("http.shutdown_timeout", c.HTTP.ShutdownTimeout)

	if c.Storage != nil {
		dur("storage.busy_timeout", c.Storage.BusyTimeout)
	}
	return errors.Join(errs...)
}
