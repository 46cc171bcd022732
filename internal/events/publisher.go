package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"jobcast/internal/broker"
	"jobcast/pkg/logx"
)

// Observer is told the outcome of every publish (metrics).
type Observer func(topic Topic, err error)

// Publisher stamps and publishes user events. Publishing is best effort:
// failures are logged and reported to the observer but never returned,
// because the triggering mutation has already committed.
type Publisher struct {
	rdb *redis.Client
	log logx.Logger
	obs Observer
	now func() time.Time

	mu   sync.Mutex
	last time.Time
}

type PublisherOption func(*Publisher)

func WithObserver(o Observer) PublisherOption { return func(p *Publisher) { p.obs = o } }

func WithClock(now func() time.Time) PublisherOption { return func(p *Publisher) { p.now = now } }

func NewPublisher(rdb *redis.Client, log logx.Logger, opts ...PublisherOption) *Publisher {
	p := &Publisher{rdb: rdb, log: log.With(logx.String("comp", "publisher")), now: time.Now}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Publisher) PublishUserCreated(ctx context.Context, u User) {
	p.publish(ctx, UserCreated, Payload{User: &u})
}

// PublishUserUpdated publishes the new snapshot and, when known, the previous one.
func (p *Publisher) PublishUserUpdated(ctx context.Context, u User, prev *User) {
	p.publish(ctx, UserUpdated, Payload{User: &u, Previous: prev})
}

func (p *Publisher) PublishUserDeleted(ctx context.Context, id, email string) {
	p.publish(ctx, UserDeleted, Payload{ID: id, Email: email})
}

func (p *Publisher) PublishUserOnline(ctx context.Context, u User, online bool) {
	u.Online = &online
	p.publish(ctx, UserOnline, Payload{User: &u, IsOnline: &online})
}

// stamp returns a millisecond timestamp that never goes backwards for this
// publisher, even if the wall clock does.
func (p *Publisher) stamp() time.Time {
	now := p.now().UTC().Truncate(time.Millisecond)
	p.mu.Lock()
	defer p.mu.Unlock()
	if now.Before(p.last) {
		now = p.last
	}
	p.last = now
	return now
}

func (p *Publisher) publish(ctx context.Context, topic Topic, payload Payload) {
	payload.Timestamp = p.stamp().Format(TimestampLayout)
	b, err := json.Marshal(Envelope{Topic: topic, Payload: payload})
	if err == nil {
		err = p.rdb.Publish(ctx, topic.Channel(), b).Err()
		err = broker.Unavailable("publish "+string(topic), err)
	}
	if p.obs != nil {
		p.obs(topic, err)
	}
	if err != nil {
		p.log.Error("event publish failed",
			logx.String("topic", string(topic)),
			logx.String("subject_id", payload.SubjectID()),
			logx.String("timestamp", payload.Timestamp),
			logx.Err(err),
		)
		return
	}
	p.log.Debug("event published", logx.String("topic", string(topic)), logx.String("subject_id", payload.SubjectID()))
}
