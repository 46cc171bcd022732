package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"jobcast/internal/queue"
	"jobcast/pkg/logx"
)

// DefaultWorkerOptions returns the per-queue worker settings used when the
// config does not say otherwise.
func DefaultWorkerOptions() map[string]queue.WorkerOptions {
	return map[string]queue.WorkerOptions{
		EmailQueue:        {Concurrency: 5, Limiter: queue.RateLimit{Max: 100, Duration: time.Minute}},
		UserQueue:         {Concurrency: 3},
		NotificationQueue: {Concurrency: 10, Limiter: queue.RateLimit{Max: 50, Duration: time.Second}},
		ExportQueue:       {Concurrency: 2, Limiter: queue.RateLimit{Max: 5, Duration: time.Minute}},
	}
}

// Pool runs one worker per registered queue.
type Pool struct {
	reg      *Registry
	handlers *Handlers
	opts     map[string]queue.WorkerOptions
	log      logx.Logger

	mu      sync.Mutex
	workers []*queue.Worker
}

// NewPool builds a pool. opts entries override DefaultWorkerOptions per queue.
func NewPool(reg *Registry, h *Handlers, opts map[string]queue.WorkerOptions, log logx.Logger) *Pool {
	merged := DefaultWorkerOptions()
	for name, o := range opts {
		merged[name] = o
	}
	return &Pool{reg: reg, handlers: h, opts: merged, log: log.With(logx.String("comp", "pool"))}
}

// Start launches every worker. If any worker fails to start, the ones already
// running are closed and the startup error is returned; the pool never runs
// with a subset of its queues.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.workers) > 0 {
		return nil
	}

	var started []*queue.Worker
	abort := func(err error) error {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		for _, w := range started {
			_ = w.Close(closeCtx)
		}
		p.log.Error("worker pool startup aborted", logx.Err(err))
		return err
	}

	for _, name := range QueueNames() {
		q, ok := p.reg.Queue(name)
		if !ok {
			return abort(&queue.StartupError{Queue: name, Err: errors.New("queue not registered")})
		}
		proc, err := p.handlers.Processor(name)
		if err != nil {
			return abort(&queue.StartupError{Queue: name, Err: err})
		}
		o := p.opts[name]
		if o.Logger.IsZero() {
			o.Logger = p.log
		}
		w := queue.NewWorker(q, proc, o)
		if err := w.Start(ctx); err != nil {
			return abort(err)
		}
		started = append(started, w)
	}
	p.workers = started
	p.log.Info("worker pool started", logx.Int("workers", len(started)))
	return nil
}

// Close drains every worker concurrently. ctx bounds the wait.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	workers := p.workers
	p.workers = nil
	p.mu.Unlock()

	errs := make([]error, len(workers))
	var wg sync.WaitGroup
	for i, w := range workers {
		wg.Add(1)
		go func(i int, w *queue.Worker) {
			defer wg.Done()
			errs[i] = w.Close(ctx)
		}(i, w)
	}
	wg.Wait()
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close worker pool: %w", err)
	}
	if len(workers) > 0 {
		p.log.Info("worker pool closed")
	}
	return nil
}

func (p *Pool) Stats() map[string]queue.WorkerStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]queue.WorkerStats, len(p.workers))
	for _, w := range p.workers {
		out[w.Queue().Name()] = w.Stats()
	}
	return out
}
