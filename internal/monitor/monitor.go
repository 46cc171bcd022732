// Package monitor watches queue lifecycle events and runs the periodic
// maintenance the queues need: retention cleanup and gauge refresh.
//
// Lifecycle events arrive on each queue's pub/sub channel. The monitor logs
// them, counts outcomes, and archives jobs that failed for good. Cleanup and
// stats refresh are cron schedules, never triggered per request.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"jobcast/internal/broker"
	"jobcast/internal/jobs"
	"jobcast/internal/metrics"
	"jobcast/internal/queue"
	"jobcast/internal/runtime/supervisor"
	"jobcast/internal/storage"
	"jobcast/pkg/logx"
)

const (
	DefaultCleanupSchedule = "@every 1h"
	DefaultStatsSchedule   = "@every 15s"
)

type Config struct {
	CleanupSchedule string // cron spec or "@every <dur>"; "off" disables
	StatsSchedule   string
	Timezone        string
}

// Metrics is the subset of the metrics collectors the monitor feeds.
type Metrics interface {
	SetQueueCounts(name string, c queue.Counts)
	JobOutcome(name, outcome string)
	JobStalled(name string)
}

type nopMetrics struct{}

func (nopMetrics) SetQueueCounts(string, queue.Counts) {}
func (nopMetrics) JobOutcome(string, string)          {}
func (nopMetrics) JobStalled(string)                  {}

type Option func(*Monitor)

func WithMetrics(m Metrics) Option {
	return func(mo *Monitor) {
		if m != nil {
			mo.metrics = m
		}
	}
}

// WithArchive stores terminal failures in st.
func WithArchive(st storage.Store) Option { return func(m *Monitor) { m.archive = st } }

func WithLogger(log logx.Logger) Option { return func(m *Monitor) { m.log = log } }

type Monitor struct {
	cfg     Config
	reg     *jobs.Registry
	rdb     *redis.Client
	metrics Metrics
	archive storage.Store
	log     logx.Logger
	parser  cron.Parser

	mu      sync.Mutex
	c       *cron.Cron
	ps      *redis.PubSub
	sup     *supervisor.Supervisor
	cleanMu sync.Mutex
	last    map[string]jobs.CleanupResult
}

// New builds a monitor. rdb should be the subscribe-role client; registry
// queries go through the registry's own connection.
func New(cfg Config, reg *jobs.Registry, rdb *redis.Client, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:     cfg,
		reg:     reg,
		rdb:     rdb,
		metrics: nopMetrics{},
		log:     logx.Nop(),
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With(logx.String("comp", "monitor"))
	return m
}

// Start subscribes to every queue's event channel, waits for the broker to
// confirm, and starts the schedules.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c != nil {
		return nil
	}

	c, err := m.buildCron()
	if err != nil {
		return err
	}

	names := jobs.QueueNames()
	channels := make([]string, len(names))
	for i, n := range names {
		channels[i] = queue.EventsChannel(n)
	}
	ps := m.rdb.Subscribe(ctx, channels...)
	for confirmed := 0; confirmed < len(channels); {
		msg, err := ps.Receive(ctx)
		if err != nil {
			_ = ps.Close()
			return broker.Unavailable("monitor subscribe", err)
		}
		if _, ok := msg.(*redis.Subscription); ok {
			confirmed++
		}
	}

	m.ps = ps
	m.sup = supervisor.New(context.WithoutCancel(ctx), supervisor.WithLogger(m.log))
	m.sup.Go("monitor:events", func(ctx context.Context) error { return m.pump(ctx, ps) })
	m.c = c
	c.Start()
	m.log.Info("monitor started", logx.Int("queues", len(names)), logx.Int("schedules", len(c.Entries())))
	return nil
}

func (m *Monitor) buildCron() (*cron.Cron, error) {
	loc := time.Local
	if tz := strings.TrimSpace(m.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("monitor timezone %q: %w", tz, err)
		}
		loc = l
	}
	c := cron.New(cron.WithParser(m.parser), cron.WithLocation(loc))

	add := func(name, spec, def string, fn func(ctx context.Context)) error {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			spec = def
		}
		if strings.EqualFold(spec, "off") {
			return nil
		}
		if _, err := c.AddFunc(spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			fn(ctx)
		}); err != nil {
			return fmt.Errorf("monitor %s schedule %q: %w", name, spec, err)
		}
		return nil
	}
	if err := add("cleanup", m.cfg.CleanupSchedule, DefaultCleanupSchedule, func(ctx context.Context) { _, _ = m.RunCleanup(ctx) }); err != nil {
		return nil, err
	}
	if err := add("stats", m.cfg.StatsSchedule, DefaultStatsSchedule, func(ctx context.Context) { _ = m.RefreshStats(ctx) }); err != nil {
		return nil, err
	}
	return c, nil
}

// Stop halts the schedules, waiting for a running pass within ctx, and
// drops the event subscription.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	c, ps, sup := m.c, m.ps, m.sup
	m.c, m.ps, m.sup = nil, nil, nil
	m.mu.Unlock()
	if c == nil {
		return nil
	}

	var errs []error
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("monitor cron stop: %w", ctx.Err()))
	}
	if err := ps.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, err)
	}
	m.log.Info("monitor stopped")
	return errors.Join(errs...)
}

// RunCleanup runs one retention pass over every queue. Concurrent calls are
// serialized.
func (m *Monitor) RunCleanup(ctx context.Context) (map[string]jobs.CleanupResult, error) {
	m.cleanMu.Lock()
	defer m.cleanMu.Unlock()
	start := time.Now()
	res, err := m.reg.Cleanup(ctx)
	total := 0
	for _, r := range res {
		total += r.RemovedCompleted + r.RemovedFailed
	}
	if err != nil {
		m.log.Warn("cleanup pass incomplete", logx.Err(err), logx.Int("removed", total))
	} else {
		m.log.Debug("cleanup pass", logx.Int("removed", total), logx.Duration("took", time.Since(start)))
	}
	m.last = res
	return res, err
}

// LastCleanup returns the result of the most recent pass, if any.
func (m *Monitor) LastCleanup() map[string]jobs.CleanupResult {
	m.cleanMu.Lock()
	defer m.cleanMu.Unlock()
	return m.last
}

// RefreshStats pushes current queue counts into the gauges. Queues whose
// counts could not be read keep their previous values.
func (m *Monitor) RefreshStats(ctx context.Context) error {
	stats, err := m.reg.Statistics(ctx)
	for name, c := range stats {
		m.metrics.SetQueueCounts(name, c)
	}
	if err != nil {
		m.log.Debug("stats refresh incomplete", logx.Err(err))
	}
	return err
}

func (m *Monitor) pump(ctx context.Context, ps *redis.PubSub) error {
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			ev, err := queue.DecodeEvent([]byte(msg.Payload))
			if err != nil {
				m.log.Debug("undecodable queue event", logx.String("channel", msg.Channel), logx.Err(err))
				continue
			}
			m.handle(ctx, ev)
		}
	}
}

func (m *Monitor) handle(ctx context.Context, ev queue.Event) {
	log := m.log.With(logx.String("queue", ev.Queue), logx.String("job_id", ev.JobID))
	switch ev.Kind {
	case queue.EventCompleted:
		m.metrics.JobOutcome(ev.Queue, metrics.OutcomeCompleted)
		log.Debug("job completed", logx.String("name", ev.Name), logx.Int("attempts", ev.AttemptsMade))
	case queue.EventFailed:
		if !ev.Terminal {
			m.metrics.JobOutcome(ev.Queue, metrics.OutcomeRetried)
			log.Info("job attempt failed, retry scheduled",
				logx.String("name", ev.Name), logx.Int("attempts", ev.AttemptsMade),
				logx.String("reason", ev.FailedReason), logx.Time("retry_at", ev.RetryAt))
			return
		}
		m.metrics.JobOutcome(ev.Queue, metrics.OutcomeFailed)
		log.Error("job failed", logx.String("name", ev.Name), logx.Int("attempts", ev.AttemptsMade), logx.String("reason", ev.FailedReason))
		m.archiveJob(ctx, ev)
	case queue.EventStalled:
		m.metrics.JobStalled(ev.Queue)
		log.Warn("job stalled", logx.Bool("failed", ev.Terminal))
		if ev.Terminal {
			m.metrics.JobOutcome(ev.Queue, metrics.OutcomeFailed)
			m.archiveJob(ctx, ev)
		}
	case queue.EventPaused, queue.EventResumed:
		log.Info("queue " + string(ev.Kind))
	case queue.EventCleaned:
		log.Debug("jobs cleaned", logx.String("state", string(ev.State)), logx.Int("count", ev.Count))
	default:
		if log.Enabled(logx.LevelTrace) {
			log.Trace("queue event", logx.String("kind", string(ev.Kind)), logx.Int("progress", ev.Progress))
		}
	}
}

func (m *Monitor) archiveJob(ctx context.Context, ev queue.Event) {
	if m.archive == nil {
		return
	}
	rec := storage.FailedJob{
		Queue:        ev.Queue,
		JobID:        ev.JobID,
		Name:         ev.Name,
		AttemptsMade: ev.AttemptsMade,
		Reason:       ev.FailedReason,
		FailedAt:     ev.At,
	}
	// The event is thin; the job hash has the payload and, for stalls, the
	// reason the broker recorded.
	if q, ok := m.reg.Queue(ev.Queue); ok {
		if j, err := q.GetJob(ctx, ev.JobID); err == nil {
			rec.Name = j.Name
			rec.Data = j.Data
			rec.AttemptsMade = j.AttemptsMade
			if j.FailedReason != "" {
				rec.Reason = j.FailedReason
			}
			if !j.FinishedAt.IsZero() {
				rec.FailedAt = j.FinishedAt
			}
		}
	}
	if err := m.archive.ArchiveFailure(ctx, rec); err != nil {
		m.log.Warn("archive failed job", logx.String("queue", ev.Queue), logx.String("job_id", ev.JobID), logx.Err(err))
	}
}
