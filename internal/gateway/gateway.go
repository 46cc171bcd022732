// Package gateway streams broker topic traffic to connected subscribers.
//
// One broker subscription (on the subscribe-role client) covers every
// topic; a pump goroutine decodes messages and hands them to an in-process
// hub which fans out per subscription, applying each subscription's filter.
//
// A Connection moves through connecting -> open -> closed. Subscriptions
// exist only while their connection is open and start at "now"; there is
// no replay.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"jobcast/internal/broker"
	"jobcast/internal/events"
	"jobcast/internal/runtime/supervisor"
	"jobcast/pkg/logx"
)

type Config struct {
	// Buffer is the per-subscription queue length. A subscriber that falls
	// further behind is terminated with ErrSlowSubscriber.
	Buffer int
	// MaxSubscriptions per connection; 0 means 32.
	MaxSubscriptions int
	// SubscribeRate and SubscribeBurst bound subscribe calls per connection.
	SubscribeRate  rate.Limit
	SubscribeBurst int
}

func (c Config) withDefaults() Config {
	if c.Buffer <= 0 {
		c.Buffer = 64
	}
	if c.MaxSubscriptions <= 0 {
		c.MaxSubscriptions = 32
	}
	if c.SubscribeRate <= 0 {
		c.SubscribeRate = rate.Limit(10)
	}
	if c.SubscribeBurst <= 0 {
		c.SubscribeBurst = 20
	}
	return c
}

// Observer receives gauge updates (metrics).
type Observer interface {
	ConnectionOpened()
	ConnectionClosed()
	SubscriptionStarted(topic events.Topic)
	SubscriptionEnded(topic events.Topic)
	EventDelivered(topic events.Topic)
}

type nopObserver struct{}

func (nopObserver) ConnectionOpened()                {}
func (nopObserver) ConnectionClosed()                {}
func (nopObserver) SubscriptionStarted(events.Topic) {}
func (nopObserver) SubscriptionEnded(events.Topic)   {}
func (nopObserver) EventDelivered(events.Topic)      {}

type Option func(*Gateway)

func WithVerifier(v TokenVerifier) Option { return func(g *Gateway) { g.verifier = v } }
func WithHooks(h Hooks) Option            { return func(g *Gateway) { g.hooks = h } }
func WithLogger(l logx.Logger) Option     { return func(g *Gateway) { g.log = l } }
func WithObserver(o Observer) Option {
	return func(g *Gateway) {
		if o != nil {
			g.obs = o
		}
	}
}

type Gateway struct {
	rdb      *redis.Client
	cfg      Config
	verifier TokenVerifier
	hooks    Hooks
	obs      Observer
	log      logx.Logger
	hub      *hub

	mu      sync.Mutex
	ps      *redis.PubSub
	sup     *supervisor.Supervisor
	conns   map[string]*Connection
	started bool
	closed  bool
}

// New builds a gateway on the subscribe-role client.
func New(rdb *redis.Client, cfg Config, opts ...Option) *Gateway {
	g := &Gateway{
		rdb:   rdb,
		cfg:   cfg.withDefaults(),
		obs:   nopObserver{},
		hub:   newHub(),
		conns: map[string]*Connection{},
	}
	for _, o := range opts {
		o(g)
	}
	g.log = g.log.With(logx.String("comp", "gateway"))
	return g
}

// Start subscribes to every topic and returns once the broker confirmed all
// of them.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrGatewayClosed
	}
	if g.started {
		return nil
	}

	topics := events.Topics()
	channels := make([]string, len(topics))
	for i, t := range topics {
		channels[i] = t.Channel()
	}
	ps := g.rdb.Subscribe(ctx, channels...)
	for confirmed := 0; confirmed < len(channels); {
		msg, err := ps.Receive(ctx)
		if err != nil {
			_ = ps.Close()
			return broker.Unavailable("gateway subscribe", err)
		}
		if _, ok := msg.(*redis.Subscription); ok {
			confirmed++
		}
	}

	g.ps = ps
	g.sup = supervisor.New(context.WithoutCancel(ctx), supervisor.WithLogger(g.log))
	g.sup.Go("gateway:pump", func(ctx context.Context) error { return g.pump(ctx, ps) })
	g.started = true
	g.log.Info("gateway subscribed", logx.Int("topics", len(channels)))
	return nil
}

func (g *Gateway) pump(ctx context.Context, ps *redis.PubSub) error {
	ch := ps.Channel(redis.WithChannelSize(g.cfg.Buffer * 4))
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			topic, err := events.ParseTopic(msg.Channel)
			if err != nil {
				continue
			}
			env, err := events.Decode(topic, []byte(msg.Payload))
			if err != nil {
				g.log.Warn("undecodable event dropped", logx.String("topic", string(topic)), logx.Err(err))
				continue
			}
			g.hub.publish(env)
		}
	}
}

// Connect opens a connection. params are the transport's connection
// parameters (connection_init payload, headers); a bearer credential in them
// is resolved once here.
func (g *Gateway) Connect(ctx context.Context, transport string, params map[string]any) (*Connection, error) {
	c := &Connection{
		id:        uuid.NewString(),
		gw:        g,
		transport: transport,
		state:     StateConnecting,
		opened:    time.Now(),
		subs:      map[string]*Subscription{},
		done:      make(chan struct{}),
		limiter:   rate.NewLimiter(g.cfg.SubscribeRate, g.cfg.SubscribeBurst),
	}

	auth, err := resolveAuth(ctx, g.verifier, params)
	if err != nil {
		g.log.Warn("connection rejected", logx.String("conn_id", c.id), logx.String("transport", transport), logx.Err(err))
		return nil, err
	}
	c.auth = auth

	g.mu.Lock()
	switch {
	case g.closed:
		g.mu.Unlock()
		return nil, ErrGatewayClosed
	case !g.started:
		g.mu.Unlock()
		return nil, ErrGatewayNotStarted
	}
	g.conns[c.id] = c
	c.mu.Lock()
	c.state = StateOpen
	c.mu.Unlock()
	g.mu.Unlock()

	g.obs.ConnectionOpened()
	if g.hooks.OnConnect != nil {
		observe(g.log, "OnConnect", func() { g.hooks.OnConnect(c.Info()) })
	}
	return c, nil
}

// Disconnect closes the connection with the given id.
func (g *Gateway) Disconnect(id string) error {
	g.mu.Lock()
	c, ok := g.conns[id]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("connection %s: %w", id, ErrConnectionClosed)
	}
	c.closeWith(nil)
	return nil
}

func (g *Gateway) forget(c *Connection) {
	g.mu.Lock()
	delete(g.conns, c.id)
	g.mu.Unlock()
}

// Connections returns the number of open connections.
func (g *Gateway) Connections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Close terminates every connection and drops the broker subscription.
// Pending envelopes are discarded.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	conns := make([]*Connection, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	ps, sup := g.ps, g.sup
	g.mu.Unlock()

	for _, c := range conns {
		c.closeWith(ErrGatewayClosed)
	}
	var err error
	if ps != nil {
		if cerr := ps.Close(); cerr != nil && !errors.Is(cerr, redis.ErrClosed) {
			err = cerr
		}
	}
	if sup != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if werr := sup.Stop(ctx); werr != nil && err == nil {
			err = werr
		}
	}
	g.log.Info("gateway closed", logx.Int("connections", len(conns)))
	return err
}
