// Package broker owns the Redis connections shared by the job queues and the
// event layer.
//
// There are three roles, each with its own client so lifecycle is explicit:
//   - Queue: job scripts, counts, admin operations, blocking wake-ups
//   - Publish: event PUBLISH
//   - Subscribe: pub/sub readers (gateway, lifecycle monitor)
//
// go-redis reconnects transparently; this package adds role-tagged logging,
// startup pings and a single error classification for "broker unreachable".
package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"jobcast/pkg/logx"
)

// ErrUnavailable marks failures caused by the broker being absent or lost.
var ErrUnavailable = errors.New("broker unavailable")

type Role string

const (
	RoleQueue     Role = "queue"
	RolePublish   Role = "publish"
	RoleSubscribe Role = "subscribe"
)

type Config struct {
	Addr     string
	Username string
	Password string
	DB       int
	TLS      bool

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Reconnect/retry policy for individual commands.
	MaxRetries      int
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration

	PoolSize int
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = "localhost:6379"
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 3 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 3 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.MinRetryBackoff <= 0 {
		c.MinRetryBackoff = 8 * time.Millisecond
	}
	if c.MaxRetryBackoff <= 0 {
		c.MaxRetryBackoff = 512 * time.Millisecond
	}
	return c
}

// Conns holds one client per role.
type Conns struct {
	Queue     *redis.Client
	Publish   *redis.Client
	Subscribe *redis.Client

	log logx.Logger
}

// Open creates the three role clients and pings each of them. Any failure
// closes what was opened and returns an error wrapping ErrUnavailable.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*Conns, error) {
	cfg = cfg.withDefaults()
	c := &Conns{log: log}
	c.Queue = newClient(cfg, RoleQueue, log)
	c.Publish = newClient(cfg, RolePublish, log)
	c.Subscribe = newClient(cfg, RoleSubscribe, log)

	for _, rc := range c.clients() {
		if err := rc.client.Ping(ctx).Err(); err != nil {
			_ = c.Close()
			return nil, Unavailable("ping "+string(rc.role), err)
		}
	}
	log.Info("broker connected", logx.String("addr", cfg.Addr), logx.Int("db", cfg.DB))
	return c, nil
}

func newClient(cfg Config, role Role, log logx.Logger) *redis.Client {
	opt := &redis.Options{
		Addr:            cfg.Addr,
		Username:        cfg.Username,
		Password:        cfg.Password,
		DB:              cfg.DB,
		ClientName:      "jobcast-" + string(role),
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		MaxRetries:      cfg.MaxRetries,
		MinRetryBackoff: cfg.MinRetryBackoff,
		MaxRetryBackoff: cfg.MaxRetryBackoff,
		PoolSize:        cfg.PoolSize,
		OnConnect: func(ctx context.Context, cn *redis.Conn) error {
			log.Debug("broker connection established", logx.String("role", string(role)))
			return nil
		},
	}
	if cfg.TLS {
		opt.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return redis.NewClient(opt)
}

type roleClient struct {
	role   Role
	client *redis.Client
}

func (c *Conns) clients() []roleClient {
	return []roleClient{
		{RoleQueue, c.Queue},
		{RolePublish, c.Publish},
		{RoleSubscribe, c.Subscribe},
	}
}

// Ping checks every role. The result maps role to error (nil when healthy).
func (c *Conns) Ping(ctx context.Context) map[Role]error {
	out := make(map[Role]error, 3)
	for _, rc := range c.clients() {
		if rc.client == nil {
			out[rc.role] = ErrUnavailable
			continue
		}
		if err := rc.client.Ping(ctx).Err(); err != nil {
			out[rc.role] = Unavailable("ping "+string(rc.role), err)
			continue
		}
		out[rc.role] = nil
	}
	return out
}

// Close releases connections in reverse dependency order: subscribers first,
// then publishers, then the queue client workers were draining through.
func (c *Conns) Close() error {
	if c == nil {
		return nil
	}
	var errs []error
	for _, cl := range []*redis.Client{c.Subscribe, c.Publish, c.Queue} {
		if cl == nil {
			continue
		}
		if err := cl.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			errs = append(errs, err)
		}
	}
	c.log.Info("broker connections closed")
	return errors.Join(errs...)
}

// Unavailable wraps err with ErrUnavailable when it looks like a transport
// failure. Other errors (script errors, WRONGTYPE, ...) pass through wrapped
// with op only.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	if IsTransportError(err) {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsTransportError reports whether err came from the connection rather than
// from a command reply.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "connection pool timeout") || strings.Contains(msg, "loading")
}
