package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"jobcast/internal/runtime/supervisor"
	"jobcast/pkg/logx"
)

// Processor executes one attempt of a job. The returned value is stored as
// the job's return value on success. Wrap permanent failures with NoRetry.
type Processor func(ctx context.Context, job *Job) (any, error)

type WorkerOptions struct {
	// Concurrency is the maximum number of jobs this worker runs at once.
	Concurrency int
	// Limiter bounds job starts across every worker of the queue.
	Limiter RateLimit

	LockDuration    time.Duration
	LockRenewTime   time.Duration
	StalledInterval time.Duration
	MaxStalledCount int
	// DrainDelay is how long an idle worker blocks waiting for new work.
	DrainDelay time.Duration

	Logger logx.Logger
}

func (o WorkerOptions) withDefaults() WorkerOptions {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.LockDuration <= 0 {
		o.LockDuration = 30 * time.Second
	}
	if o.LockRenewTime <= 0 || o.LockRenewTime >= o.LockDuration {
		o.LockRenewTime = o.LockDuration / 2
	}
	if o.StalledInterval <= 0 {
		o.StalledInterval = 30 * time.Second
	}
	if o.MaxStalledCount <= 0 {
		o.MaxStalledCount = 1
	}
	if o.DrainDelay <= 0 {
		o.DrainDelay = 5 * time.Second
	}
	return o
}

// WorkerStats are best-effort counters since Start.
type WorkerStats struct {
	Active    int64  `json:"active"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Retried   uint64 `json:"retried"`
	Stalled   uint64 `json:"stalled"`
}

// Worker pulls jobs from one queue and runs them through a Processor.
type Worker struct {
	q    *Queue
	proc Processor
	opts WorkerOptions
	log  logx.Logger

	slots chan struct{}
	jobs  sync.WaitGroup

	mu      sync.Mutex
	sup     *supervisor.Supervisor
	baseCtx context.Context
	started bool
	closed  bool

	active    atomic.Int64
	completed atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
	stalled   atomic.Uint64
}

func NewWorker(q *Queue, proc Processor, opts WorkerOptions) *Worker {
	opts = opts.withDefaults()
	log := opts.Logger
	if log.IsZero() {
		log = q.log
	}
	return &Worker{
		q:     q,
		proc:  proc,
		opts:  opts,
		log:   log.With(logx.String("comp", "worker"), logx.String("queue", q.name)),
		slots: make(chan struct{}, opts.Concurrency),
	}
}

func (w *Worker) Queue() *Queue { return w.q }

// Start verifies the broker is reachable and launches the fetch and stall
// loops. Handlers keep ctx's values but are not cancelled with it; use
// Close to stop.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWorkerClosed
	}
	if w.started {
		return nil
	}
	if w.proc == nil {
		return &StartupError{Queue: w.q.name, Err: errors.New("nil processor")}
	}
	if err := w.q.rdb.Ping(ctx).Err(); err != nil {
		w.log.Error("worker startup failed", logx.Err(err))
		return &StartupError{Queue: w.q.name, Err: err}
	}

	w.baseCtx = context.WithoutCancel(ctx)
	w.sup = supervisor.New(ctx, supervisor.WithLogger(w.log))
	w.sup.Go("fetch:"+w.q.name, w.fetchLoop)
	w.sup.GoRestart("stalled:"+w.q.name, w.stallLoop, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	w.started = true
	w.log.Info("worker started",
		logx.Int("concurrency", w.opts.Concurrency),
		logx.Int("limit_max", w.opts.Limiter.Max),
		logx.Duration("limit_window", w.opts.Limiter.Duration),
	)
	return nil
}

// Close stops claiming new jobs and waits for in-flight handlers to return.
// It imposes no timeout of its own; ctx bounds the wait.
func (w *Worker) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed || !w.started {
		w.closed = true
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	sup := w.sup
	w.mu.Unlock()

	sup.Cancel()
	// Unblock our own BLPOP; any other worker woken by it just re-checks.
	w.q.wake(context.Background())
	if err := sup.Wait(ctx); err != nil {
		return fmt.Errorf("close worker %s: %w", w.q.name, err)
	}

	done := make(chan struct{})
	go func() {
		w.jobs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("close worker %s: %d jobs still running: %w", w.q.name, w.active.Load(), ctx.Err())
	}
	w.log.Info("worker closed",
		logx.Uint64("completed", w.completed.Load()),
		logx.Uint64("failed", w.failed.Load()),
	)
	return nil
}

func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		Active:    w.active.Load(),
		Completed: w.completed.Load(),
		Failed:    w.failed.Load(),
		Retried:   w.retried.Load(),
		Stalled:   w.stalled.Load(),
	}
}

func (w *Worker) fetchLoop(ctx context.Context) error {
	const (
		minErrBackoff = 100 * time.Millisecond
		maxErrBackoff = 5 * time.Second
	)
	errBackoff := minErrBackoff
	for {
		select {
		case <-ctx.Done():
			return nil
		case w.slots <- struct{}{}:
		}

		// Claim must not be torn by shutdown: a job popped from wait has to
		// reach active or the stall checker has to find it.
		res, err := w.q.claim(context.WithoutCancel(ctx), uuid.NewString(), w.opts.LockDuration, w.opts.Limiter)
		if err != nil {
			<-w.slots
			w.log.Warn("claim failed", logx.Duration("retry_in", errBackoff), logx.Err(err))
			if !sleep(ctx, errBackoff) {
				return nil
			}
			errBackoff = min(errBackoff*2, maxErrBackoff)
			continue
		}
		errBackoff = minErrBackoff

		if res.job != nil {
			w.dispatch(res.job)
			continue
		}
		<-w.slots

		if res.limited {
			w.log.Trace("rate limited", logx.Duration("retry_in", res.retryIn))
			if !sleep(ctx, res.retryIn) {
				return nil
			}
			continue
		}
		if !w.idle(ctx) {
			return nil
		}
	}
}

// idle waits for a marker, or for the next delayed job when it is due
// sooner than the drain delay. It returns false once ctx is done.
func (w *Worker) idle(ctx context.Context) bool {
	if d, ok, err := w.q.nextDelayed(ctx); err == nil && ok && d < w.opts.DrainDelay {
		return sleep(ctx, max(d, 5*time.Millisecond))
	}
	if _, err := w.q.waitForWork(ctx, w.opts.DrainDelay); err != nil && ctx.Err() == nil {
		w.log.Debug("wait for work failed", logx.Err(err))
		return sleep(ctx, 250*time.Millisecond)
	}
	return ctx.Err() == nil
}

func (w *Worker) dispatch(j *Job) {
	w.jobs.Add(1)
	w.active.Add(1)
	go func() {
		defer w.jobs.Done()
		defer func() { <-w.slots }()
		defer w.active.Add(-1)
		w.process(j)
	}()
}

func (w *Worker) process(j *Job) {
	log := w.log.With(logx.String("job_id", j.ID), logx.String("job", j.Name))
	ctx, cancel := context.WithCancel(w.baseCtx)
	defer cancel()

	w.q.publish(ctx, Event{Kind: EventActive, JobID: j.ID, Name: j.Name, AttemptsMade: j.AttemptsMade})
	log.Debug("job started", logx.Int("attempt", j.AttemptsMade+1))

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.heartbeat(ctx, j, cancel, log)
	}()

	start := time.Now()
	value, err := w.invoke(ctx, j, log)
	cancel()
	<-hbDone

	// Outcome writes use a fresh context; the attempt context is done.
	out := w.baseCtx
	if err == nil {
		if cerr := w.q.complete(out, j, value); cerr != nil {
			log.Warn("job completion not recorded", logx.Err(cerr))
			return
		}
		w.completed.Add(1)
		log.Debug("job completed", logx.Duration("took", time.Since(start)))
		return
	}

	herr := &HandlerError{Queue: w.q.name, JobID: j.ID, Attempt: j.AttemptsMade + 1, Err: err}
	res, ferr := w.q.fail(out, j, err)
	if ferr != nil {
		log.Error("job failure not recorded", logx.Err(herr), logx.Any("record_err", ferr.Error()))
		return
	}
	w.failed.Add(1)
	if res.retry {
		w.retried.Add(1)
		log.Warn("job attempt failed",
			logx.Int("attempts_made", res.attemptsMade),
			logx.Int("max_attempts", j.Opts.Attempts),
			logx.Time("retry_at", res.retryAt),
			logx.Err(herr),
		)
		return
	}
	log.Error("job failed",
		logx.Int("attempts_made", res.attemptsMade),
		logx.Bool("no_retry", IsNoRetry(err)),
		logx.Err(herr),
	)
}

func (w *Worker) invoke(ctx context.Context, j *Job, log logx.Logger) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("job handler panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return w.proc(ctx, j)
}

// heartbeat extends the job lock until ctx is done. Losing the lock cancels
// the attempt.
func (w *Worker) heartbeat(ctx context.Context, j *Job, cancel context.CancelFunc, log logx.Logger) {
	t := time.NewTicker(w.opts.LockRenewTime)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ok, err := w.q.extendLock(ctx, j, w.opts.LockDuration)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn("extend lock failed", logx.Err(err))
				}
				continue
			}
			if !ok {
				log.Warn("job lock lost, cancelling attempt")
				cancel()
				return
			}
		}
	}
}

func (w *Worker) stallLoop(ctx context.Context) error {
	t := time.NewTicker(w.opts.StalledInterval)
	defer t.Stop()
	for {
		stalled, err := w.q.recoverStalled(ctx, w.opts.MaxStalledCount)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, s := range stalled {
			w.stalled.Add(1)
			w.log.Warn("job stalled", logx.String("job_id", s.id), logx.Bool("failed", s.failed))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
