package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"jobcast/internal/events"
)

type ConnState int

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Connection is one transport session.
type Connection struct {
	id        string
	gw        *Gateway
	transport string
	auth      AuthResult
	opened    time.Time
	limiter   *rate.Limiter

	mu    sync.Mutex
	state ConnState
	subs  map[string]*Subscription
	done  chan struct{}
}

func (c *Connection) ID() string       { return c.id }
func (c *Connection) Auth() AuthResult { return c.auth }

func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) Info() ConnInfo {
	return ConnInfo{ID: c.id, Auth: c.auth, Transport: c.transport, Opened: c.opened}
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Subscribe starts a subscription identified by opID (unique per
// connection). The subscription sees only envelopes published after it was
// created.
func (c *Connection) Subscribe(ctx context.Context, opID string, topic events.Topic, f Filter) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !topic.Valid() {
		return nil, fmt.Errorf("%w: unknown topic %q", ErrInvalidFilter, topic)
	}
	if strings.TrimSpace(opID) == "" {
		return nil, fmt.Errorf("subscribe: empty operation id")
	}
	match, err := f.compile(topic)
	if err != nil {
		return nil, err
	}
	if !c.limiter.Allow() {
		return nil, ErrRateLimited
	}

	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	if _, dup := c.subs[opID]; dup {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateOperation, opID)
	}
	if len(c.subs) >= c.gw.cfg.MaxSubscriptions {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: limit %d", ErrTooManySubscriptions, c.gw.cfg.MaxSubscriptions)
	}
	sub, unsub := c.gw.hub.subscribe(topic, c.gw.cfg.Buffer, match)
	s := &Subscription{
		op:    OperationInfo{ID: opID, Topic: topic, Filter: f},
		conn:  c,
		sub:   sub,
		unsub: unsub,
	}
	c.subs[opID] = s
	c.mu.Unlock()

	c.gw.obs.SubscriptionStarted(topic)
	if h := c.gw.hooks.OnOperationStart; h != nil {
		observe(c.gw.log, "OnOperationStart", func() { h(c.Info(), s.op) })
	}
	return s, nil
}

// Unsubscribe ends the subscription with opID. Unknown ids are ignored.
func (c *Connection) Unsubscribe(opID string) {
	c.mu.Lock()
	s := c.subs[opID]
	c.mu.Unlock()
	if s != nil {
		s.Close()
	}
}

func (c *Connection) Subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (c *Connection) detach(opID string) {
	c.mu.Lock()
	delete(c.subs, opID)
	c.mu.Unlock()
}

// Close tears the connection down. It is safe to call more than once.
func (c *Connection) Close() error {
	c.closeWith(nil)
	return nil
}

func (c *Connection) closeWith(reason error) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	subs := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	close(c.done)
	c.mu.Unlock()

	cause := reason
	if cause == nil {
		cause = ErrConnectionClosed
	}
	for _, s := range subs {
		s.end(cause)
	}
	c.gw.forget(c)
	c.gw.obs.ConnectionClosed()
	if h := c.gw.hooks.OnDisconnect; h != nil {
		observe(c.gw.log, "OnDisconnect", func() { h(c.Info(), reason) })
	}
}
