package gateway

import (
	"context"
	"iter"
	"sync"

	"jobcast/internal/events"
)

// Subscription is a live, connection-scoped stream of envelopes for one
// topic. Envelopes arrive in broker order.
type Subscription struct {
	op    OperationInfo
	conn  *Connection
	sub   *subscriber
	unsub func()

	endOnce sync.Once
	mu      sync.Mutex
	err     error
}

func (s *Subscription) ID() string              { return s.op.ID }
func (s *Subscription) Topic() events.Topic     { return s.op.Topic }
func (s *Subscription) Connection() *Connection { return s.conn }

// Next blocks for the next matching envelope. It returns the terminal error
// once the subscription ends (ErrSubscriptionClosed, ErrConnectionClosed,
// ErrSlowSubscriber, ErrGatewayClosed) or ctx's error.
func (s *Subscription) Next(ctx context.Context) (events.Envelope, error) {
	if err := s.sub.stopped(); err != nil {
		s.end(err)
		return events.Envelope{}, err
	}
	select {
	case <-ctx.Done():
		return events.Envelope{}, ctx.Err()
	case <-s.sub.done:
		err := s.sub.stopped()
		s.end(err)
		return events.Envelope{}, err
	case env := <-s.sub.ch:
		s.conn.gw.obs.EventDelivered(env.Topic)
		return env, nil
	}
}

// All iterates envelopes until the subscription ends or ctx is done; Err
// then reports why.
func (s *Subscription) All(ctx context.Context) iter.Seq[events.Envelope] {
	return func(yield func(events.Envelope) bool) {
		for {
			env, err := s.Next(ctx)
			if err != nil {
				s.setErr(err)
				return
			}
			if !yield(env) {
				return
			}
		}
	}
}

// Err returns the error that stopped the last All iteration.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Close ends the subscription; buffered envelopes are discarded.
func (s *Subscription) Close() {
	s.end(ErrSubscriptionClosed)
}

func (s *Subscription) end(cause error) {
	s.endOnce.Do(func() {
		s.sub.stop(cause)
		s.unsub()
		s.conn.detach(s.op.ID)
		gw := s.conn.gw
		gw.obs.SubscriptionEnded(s.op.Topic)
		if h := gw.hooks.OnOperationComplete; h != nil {
			observe(gw.log, "OnOperationComplete", func() { h(s.conn.Info(), s.op, cause) })
		}
	})
}
