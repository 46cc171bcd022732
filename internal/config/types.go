package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "30s", "24h"). Omitted or
// zero values fall back to the component defaults.
type Config struct {
	Logging  LoggingConfig          `json:"logging"`
	Broker   BrokerConfig           `json:"broker"`
	Queues   map[string]QueueConfig `json:"queues,omitempty"`
	Handlers HandlersConfig         `json:"handlers,omitempty"`
	Cleanup  CleanupConfig          `json:"cleanup,omitempty"`
	Gateway  GatewayConfig          `json:"gateway,omitempty"`
	HTTP     HTTPConfig             `json:"http"`
	Storage  *StorageConfig         `json:"storage,omitempty"`
	Monitor  MonitorConfig          `json:"monitor,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty"` // "json" or "console"
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// BrokerConfig points at the Redis instance shared by queues and events.
// JOBCAST_REDIS_ADDR overrides Addr.
type BrokerConfig struct {
	Addr         string `json:"addr"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"` // never logged
	DB           int    `json:"db,omitempty"`
	TLS          bool   `json:"tls,omitempty"`
	DialTimeout  string `json:"dial_timeout,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	MaxRetries   int    `json:"max_retries,omitempty"`
	PoolSize     int    `json:"pool_size,omitempty"`
}

// QueueConfig tunes one queue's worker and job defaults. Keys of
// Config.Queues are queue names ("email-queue", ...).
type QueueConfig struct {
	Concurrency int `json:"concurrency,omitempty"`
	// Limiter: at most LimitMax job starts per LimitWindow across all workers.
	LimitMax    int    `json:"limit_max,omitempty"`
	LimitWindow string `json:"limit_window,omitempty"`

	LockDuration    string `json:"lock_duration,omitempty"`
	StalledInterval string `json:"stalled_interval,omitempty"`
	MaxStalledCount int    `json:"max_stalled_count,omitempty"`
	DrainDelay      string `json:"drain_delay,omitempty"`

	Attempts     int    `json:"attempts,omitempty"`
	Backoff      string `json:"backoff,omitempty"` // base delay of the exponential backoff
	KeepComplete int    `json:"keep_complete,omitempty"`
	KeepFailed   int    `json:"keep_failed,omitempty"`
}

type HandlersConfig struct {
	// StepDelay simulates work between progress checkpoints.
	StepDelay string `json:"step_delay,omitempty"`
	ExportDir string `json:"export_dir,omitempty"`
}

type CleanupConfig struct {
	Schedule       string `json:"schedule,omitempty"` // cron spec; "off" disables
	CompletedAge   string `json:"completed_age,omitempty"`
	CompletedLimit int    `json:"completed_limit,omitempty"`
	FailedAge      string `json:"failed_age,omitempty"`
	FailedLimit    int    `json:"failed_limit,omitempty"`
}

// GatewayConfig controls the subscription gateway. When Tokens is empty no
// verifier is installed: clients presenting a token are accepted as
// unverified.
type GatewayConfig struct {
	Buffer           int               `json:"buffer,omitempty"`
	MaxSubscriptions int               `json:"max_subscriptions,omitempty"`
	SubscribeRate    float64           `json:"subscribe_rate,omitempty"` // per second
	SubscribeBurst   int               `json:"subscribe_burst,omitempty"`
	Tokens           map[string]string `json:"tokens,omitempty"` // token -> subject; never logged
}

// HTTPConfig controls the HTTP listener.
//
// Mode "production" requires AdminToken for /admin; "development" leaves
// the admin API open.
type HTTPConfig struct {
	Addr            string `json:"addr"`
	Mode            string `json:"mode,omitempty"`
	AdminToken      string `json:"admin_token,omitempty"` // never logged
	Pprof           bool   `json:"pprof,omitempty"`
	ReadTimeout     string `json:"read_timeout,omitempty"`
	IdleTimeout     string `json:"idle_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

// StorageConfig configures the failed-job archive.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/jobcast.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

type MonitorConfig struct {
	StatsSchedule string `json:"stats_schedule,omitempty"`
	Timezone      string `json:"timezone,omitempty"`
}

const (
	ModeDevelopment = "development"
	ModeProduction  = "production"
)

// Production reports whether the admin API must be gated.
func (h HTTPConfig) Production() bool { return h.Mode == ModeProduction }
