package gateway

import (
	"sync"
	"sync/atomic"

	"jobcast/internal/events"
)

// hub fans envelopes out to in-process subscribers. Publish never blocks:
// a subscriber whose buffer is full is terminated with ErrSlowSubscriber
// instead of silently missing events mid-stream.
type hub struct {
	mu   sync.RWMutex
	subs map[events.Topic]map[uint64]*subscriber
	seq  atomic.Uint64
}

func newHub() *hub {
	return &hub{subs: map[events.Topic]map[uint64]*subscriber{}}
}

type subscriber struct {
	ch    chan events.Envelope
	match func(events.Envelope) bool

	done chan struct{}
	once sync.Once
	err  error
}

func (s *subscriber) stop(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

// stopped reports the terminal error, or nil while the subscriber is live.
func (s *subscriber) stopped() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (h *hub) publish(env events.Envelope) {
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subs[env.Topic]))
	for _, s := range h.subs[env.Topic] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		if s.stopped() != nil {
			continue
		}
		if s.match != nil && !s.match(env) {
			continue
		}
		select {
		case s.ch <- env:
		default:
			s.stop(ErrSlowSubscriber)
		}
	}
}

func (h *hub) subscribe(topic events.Topic, buffer int, match func(events.Envelope) bool) (*subscriber, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	s := &subscriber{ch: make(chan events.Envelope, buffer), match: match, done: make(chan struct{})}
	id := h.seq.Add(1)

	h.mu.Lock()
	m := h.subs[topic]
	if m == nil {
		m = map[uint64]*subscriber{}
		h.subs[topic] = m
	}
	m[id] = s
	h.mu.Unlock()

	var once sync.Once
	return s, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[topic], id)
			h.mu.Unlock()
		})
	}
}

func (h *hub) size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, m := range h.subs {
		n += len(m)
	}
	return n
}
