package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"jobcast/internal/events"
	"jobcast/pkg/logx"
)

type fixture struct {
	gw  *Gateway
	pub *events.Publisher
}

func newFixture(t *testing.T, cfg Config, opts ...Option) fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	subClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	pubClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = subClient.Close()
		_ = pubClient.Close()
	})
	gw := New(subClient, cfg, append([]Option{WithLogger(logx.Nop())}, opts...)...)
	if err := gw.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = gw.Close() })
	return fixture{gw: gw, pub: events.NewPublisher(pubClient, logx.Nop())}
}

func (f fixture) connect(t *testing.T, params map[string]any) *Connection {
	t.Helper()
	c, err := f.gw.Connect(context.Background(), "test", params)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return c
}

func mustSubscribe(t *testing.T, c *Connection, op string, topic events.Topic, f Filter) *Subscription {
	t.Helper()
	s, err := c.Subscribe(context.Background(), op, topic, f)
	if err != nil {
		t.Fatalf("Subscribe(%s): %v", topic, err)
	}
	return s
}

func next(t *testing.T, s *Subscription) events.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	env, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	return env
}

func expectNothing(t *testing.T, s *Subscription) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if env, err := s.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected no envelope, got %+v, %v", env, err)
	}
}

func TestSubscribeBeforePublishDeliversOnce(t *testing.T) {
	f := newFixture(t, Config{})
	c := f.connect(t, nil)
	s := mustSubscribe(t, c, "1", events.UserCreated, Filter{})

	u := events.User{ID: "u1", Email: "u1@x.com", Name: "One"}
	f.pub.PublishUserCreated(context.Background(), u)

	env := next(t, s)
	if env.Topic != events.UserCreated || env.Payload.User == nil || env.Payload.User.ID != u.ID || env.Payload.User.Email != u.Email {
		t.Fatalf("envelope = %+v", env)
	}
	if _, err := env.Payload.Time(); err != nil {
		t.Fatalf("timestamp %q: %v", env.Payload.Timestamp, err)
	}
	expectNothing(t, s)
}

func TestUserIDFilterNeverYieldsOtherIDs(t *testing.T) {
	f := newFixture(t, Config{})
	c := f.connect(t, nil)
	onlyX := mustSubscribe(t, c, "x", events.UserUpdated, Filter{UserID: "X"})
	all := mustSubscribe(t, c, "all", events.UserUpdated, Filter{})

	for _, id := range []string{"Y", "X", "Z", "X"} {
		f.pub.PublishUserUpdated(context.Background(), events.User{ID: id}, nil)
	}
	for i := 0; i < 2; i++ {
		if env := next(t, onlyX); env.Payload.User.ID != "X" {
			t.Fatalf("filtered subscription got user %s", env.Payload.User.ID)
		}
	}
	expectNothing(t, onlyX)

	var seen []string
	for i := 0; i < 4; i++ {
		seen = append(seen, next(t, all).Payload.User.ID)
	}
	if fmt.Sprint(seen) != "[Y X Z X]" {
		t.Fatalf("unfiltered order = %v", seen)
	}
}

func TestUserIDFilterOnlyOnUserTopics(t *testing.T) {
	f := newFixture(t, Config{})
	c := f.connect(t, nil)
	for _, topic := range []events.Topic{events.UserCreated, events.UserDeleted} {
		if _, err := c.Subscribe(context.Background(), string(topic), topic, Filter{UserID: "1"}); !errors.Is(err, ErrInvalidFilter) {
			t.Fatalf("%s with userId: err = %v", topic, err)
		}
	}
	mustSubscribe(t, c, "online", events.UserOnline, Filter{UserID: "1"})
	if _, err := c.Subscribe(context.Background(), "bad", "USER_EXPLODED", Filter{}); !errors.Is(err, ErrInvalidFilter) {
		t.Fatalf("unknown topic err = %v", err)
	}
	if _, err := c.Subscribe(context.Background(), "cel", events.UserCreated, Filter{Expr: "payload.user.id +"}); !errors.Is(err, ErrInvalidFilter) {
		t.Fatalf("bad expr err = %v", err)
	}
}

func TestUserDeletedReachesEachSubscriptionOnce(t *testing.T) {
	f := newFixture(t, Config{})
	subs := []*Subscription{
		mustSubscribe(t, f.connect(t, nil), "a", events.UserDeleted, Filter{}),
		mustSubscribe(t, f.connect(t, nil), "b", events.UserDeleted, Filter{}),
	}
	f.pub.PublishUserDeleted(context.Background(), "42", "a@x.com")

	for _, s := range subs {
		env := next(t, s)
		b, err := json.Marshal(env)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		var wire map[string]map[string]string
		if err := json.Unmarshal(b, &wire); err != nil {
			t.Fatalf("wire %s: %v", b, err)
		}
		got := wire["userDeleted"]
		if got["id"] != "42" || got["email"] != "a@x.com" || got["timestamp"] == "" || len(got) != 3 {
			t.Fatalf("wire = %s", b)
		}
		expectNothing(t, s)
	}
}

func TestCELFilter(t *testing.T) {
	f := newFixture(t, Config{})
	c := f.connect(t, nil)
	s := mustSubscribe(t, c, "1", events.UserCreated, Filter{Expr: `payload.user.email.endsWith("@corp.com") && timestamp > 0`})

	f.pub.PublishUserCreated(context.Background(), events.User{ID: "1", Email: "a@x.com"})
	f.pub.PublishUserCreated(context.Background(), events.User{ID: "2", Email: "b@corp.com"})
	if env := next(t, s); env.Payload.User.ID != "2" {
		t.Fatalf("got user %s", env.Payload.User.ID)
	}
	expectNothing(t, s)
}

func TestConnectAuth(t *testing.T) {
	t.Run("without verifier", func(t *testing.T) {
		f := newFixture(t, Config{})
		anon := f.connect(t, map[string]any{})
		if a := anon.Auth(); a.Authenticated || a.Verified {
			t.Fatalf("anonymous auth = %+v", a)
		}
		withTok := f.connect(t, map[string]any{"Authorization": "Bearer abc"})
		if a := withTok.Auth(); !a.Authenticated || a.Verified || a.Token() != "abc" {
			t.Fatalf("unverified auth = %+v", a)
		}
		if withTok.State() != StateOpen {
			t.Fatalf("state = %s", withTok.State())
		}
	})

	t.Run("with verifier", func(t *testing.T) {
		f := newFixture(t, Config{}, WithVerifier(StaticTokens{"good": "svc-a"}))
		c := f.connect(t, map[string]any{"authToken": "good"})
		if a := c.Auth(); !a.Verified || a.Subject != "svc-a" {
			t.Fatalf("auth = %+v", a)
		}
		if _, err := f.gw.Connect(context.Background(), "test", map[string]any{"token": "bad"}); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("bad token err = %v", err)
		}
		if f.gw.Connections() != 1 {
			t.Fatalf("rejected connection must not be registered")
		}
		if a := f.connect(t, nil).Auth(); a.Authenticated {
			t.Fatalf("missing credential should be anonymous, got %+v", a)
		}
	})
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		params map[string]any
		want   string
	}{
		{nil, ""},
		{map[string]any{"authorization": "Bearer  t1 "}, "t1"},
		{map[string]any{"Authorization": "bearer t2"}, "t2"},
		{map[string]any{"authToken": "t3"}, "t3"},
		{map[string]any{"token": 42, "authToken": "t4"}, "t4"},
		{map[string]any{"authorization": "", "token": "t5"}, "t5"},
	}
	for _, c := range cases {
		if got := BearerToken(c.params); got != c.want {
			t.Fatalf("BearerToken(%v) = %q, want %q", c.params, got, c.want)
		}
	}
}

func TestSlowSubscriberIsTerminated(t *testing.T) {
	f := newFixture(t, Config{Buffer: 2})
	c := f.connect(t, nil)
	s := mustSubscribe(t, c, "1", events.UserOnline, Filter{})

	for i := 0; i < 5; i++ {
		f.pub.PublishUserOnline(context.Background(), events.User{ID: "1"}, i%2 == 0)
	}
	deadline := time.Now().Add(3 * time.Second)
	for s.sub.stopped() == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := s.Next(context.Background()); !errors.Is(err, ErrSlowSubscriber) {
		t.Fatalf("Next err = %v, want ErrSlowSubscriber", err)
	}
	if c.Subscriptions() != 0 {
		t.Fatalf("terminated subscription still attached")
	}
}

func TestSubscriptionLimits(t *testing.T) {
	f := newFixture(t, Config{MaxSubscriptions: 2, SubscribeRate: 1000, SubscribeBurst: 1000})
	c := f.connect(t, nil)
	mustSubscribe(t, c, "1", events.UserCreated, Filter{})
	if _, err := c.Subscribe(context.Background(), "1", events.UserCreated, Filter{}); !errors.Is(err, ErrDuplicateOperation) {
		t.Fatalf("dup err = %v", err)
	}
	mustSubscribe(t, c, "2", events.UserCreated, Filter{})
	if _, err := c.Subscribe(context.Background(), "3", events.UserCreated, Filter{}); !errors.Is(err, ErrTooManySubscriptions) {
		t.Fatalf("limit err = %v", err)
	}
	c.Unsubscribe("1")
	mustSubscribe(t, c, "3", events.UserCreated, Filter{})

	limited := newFixture(t, Config{SubscribeRate: 0.001, SubscribeBurst: 1})
	lc := limited.connect(t, nil)
	mustSubscribe(t, lc, "1", events.UserCreated, Filter{})
	if _, err := lc.Subscribe(context.Background(), "2", events.UserCreated, Filter{}); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("rate err = %v", err)
	}
}

func TestHooksObserveLifecycleAndPanicsAreContained(t *testing.T) {
	var connects, disconnects, starts, completes atomic.Int32
	hooks := Hooks{
		OnConnect:           func(ConnInfo) { connects.Add(1); panic("hook bug") },
		OnDisconnect:        func(ConnInfo, error) { disconnects.Add(1) },
		OnOperationStart:    func(ConnInfo, OperationInfo) { starts.Add(1) },
		OnOperationComplete: func(ConnInfo, OperationInfo, error) { completes.Add(1) },
	}
	f := newFixture(t, Config{}, WithHooks(hooks))
	c := f.connect(t, nil)
	s := mustSubscribe(t, c, "1", events.UserCreated, Filter{})

	f.pub.PublishUserCreated(context.Background(), events.User{ID: "1"})
	next(t, s)

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_ = c.Close()
	if _, err := s.Next(context.Background()); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("Next after close err = %v", err)
	}
	if _, err := c.Subscribe(context.Background(), "2", events.UserCreated, Filter{}); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("Subscribe on closed err = %v", err)
	}
	if connects.Load() != 1 || disconnects.Load() != 1 || starts.Load() != 1 || completes.Load() != 1 {
		t.Fatalf("hooks = %d/%d/%d/%d", connects.Load(), disconnects.Load(), starts.Load(), completes.Load())
	}
	if c.State() != StateClosed || f.gw.Connections() != 0 {
		t.Fatalf("state = %s, conns = %d", c.State(), f.gw.Connections())
	}
}

func TestGatewayCloseEndsEverything(t *testing.T) {
	f := newFixture(t, Config{})
	c := f.connect(t, nil)
	s := mustSubscribe(t, c, "1", events.UserCreated, Filter{})

	var got []events.Envelope
	done := make(chan struct{})
	go func() {
		defer close(done)
		for env := range s.All(context.Background()) {
			got = append(got, env)
		}
	}()
	f.pub.PublishUserCreated(context.Background(), events.User{ID: "1"})
	time.Sleep(100 * time.Millisecond)

	if err := f.gw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("iterator did not stop")
	}
	if len(got) != 1 || !errors.Is(s.Err(), ErrGatewayClosed) {
		t.Fatalf("got %d envelopes, err %v", len(got), s.Err())
	}
	select {
	case <-c.Done():
	default:
		t.Fatalf("connection not closed")
	}
	if _, err := f.gw.Connect(context.Background(), "test", nil); !errors.Is(err, ErrGatewayClosed) {
		t.Fatalf("Connect after close err = %v", err)
	}
}

func TestDisconnectByID(t *testing.T) {
	f := newFixture(t, Config{})
	c := f.connect(t, nil)
	if err := f.gw.Disconnect(c.ID()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if c.State() != StateClosed {
		t.Fatalf("state = %s", c.State())
	}
	if err := f.gw.Disconnect(c.ID()); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("second Disconnect err = %v", err)
	}
}
