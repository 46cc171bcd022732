package config

import (
	"reflect"
	"sort"
	"strings"

	"jobcast/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (broker password, admin token,
// gateway tokens) are reported only as "set" flags.
//
// Only logging is applied live; other sections take effect on restart, so
// the second return lists those the caller should warn about.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, restart []string, attrs []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Broker != newCfg.Broker {
		restart = append(restart, "broker")
		attrs = append(attrs,
			logx.String("broker.addr", strings.TrimSpace(newCfg.Broker.Addr)),
			logx.Int("broker.db", newCfg.Broker.DB),
			logx.Bool("broker.password_set", newCfg.Broker.Password != ""),
		)
	}

	if qs := diffQueues(oldCfg.Queues, newCfg.Queues); len(qs) > 0 {
		restart = append(restart, "queues")
		attrs = append(attrs, logx.String("queues.changed", strings.Join(qs, ",")))
	}
	if oldCfg.Handlers != newCfg.Handlers {
		restart = append(restart, "handlers")
	}
	if oldCfg.Cleanup != newCfg.Cleanup {
		restart = append(restart, "cleanup")
		attrs = append(attrs, logx.String("cleanup.schedule", newCfg.Cleanup.Schedule))
	}
	if !reflect.DeepEqual(oldCfg.Gateway, newCfg.Gateway) {
		restart = append(restart, "gateway")
		attrs = append(attrs, logx.Int("gateway.tokens", len(newCfg.Gateway.Tokens)))
	}
	if oldCfg.HTTP != newCfg.HTTP {
		restart = append(restart, "http")
		attrs = append(attrs,
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.String("http.mode", newCfg.HTTP.Mode),
			logx.Bool("http.admin_token_set", newCfg.HTTP.AdminToken != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		restart = append(restart, "storage")
	}
	if oldCfg.Monitor != newCfg.Monitor {
		restart = append(restart, "monitor")
	}

	changed = append(changed, restart...)
	return changed, restart, attrs
}

func diffQueues(oldM, newM map[string]QueueConfig) []string {
	var out []string
	for name, n := range newM {
		if o, ok := oldM[name]; !ok || o != n {
			out = append(out, name)
		}
	}
	for name := range oldM {
		if _, ok := newM[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
