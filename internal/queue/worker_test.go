package queue

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"jobcast/pkg/logx"
)

func startWorker(t *testing.T, q *Queue, proc Processor, opts WorkerOptions) *Worker {
	t.Helper()
	if opts.DrainDelay == 0 {
		opts.DrainDelay = time.Second
	}
	w := NewWorker(q, proc, opts)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = w.Close(ctx)
	})
	return w
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWorkerRespectsConcurrency(t *testing.T) {
	q, _ := newTestQueue(t, "q")
	const limit, total = 3, 12
	for i := 0; i < total; i++ {
		mustAdd(t, q, "x", nil, JobOptions{})
	}

	var cur, peak, done atomic.Int32
	w := startWorker(t, q, func(ctx context.Context, j *Job) (any, error) {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		cur.Add(-1)
		done.Add(1)
		return nil, nil
	}, WorkerOptions{Concurrency: limit})

	waitFor(t, 5*time.Second, "all jobs", func() bool { return done.Load() == total })
	if p := peak.Load(); p > limit || p < 2 {
		t.Fatalf("peak concurrency = %d, want 2..%d", p, limit)
	}
	waitFor(t, 2*time.Second, "completed count", func() bool {
		c, _ := q.Counts(context.Background())
		return c.Completed == total
	})
	if s := w.Stats(); s.Completed != total {
		t.Fatalf("stats = %+v", s)
	}
}

func TestWorkerRetriesUntilTerminal(t *testing.T) {
	q, _ := newTestQueue(t, "q")
	j := mustAdd(t, q, "always-fails", nil, JobOptions{
		Attempts: 3,
		Backoff:  Backoff{Type: BackoffExponential, Delay: 40 * time.Millisecond},
	})

	var mu sync.Mutex
	var calls []time.Time
	startWorker(t, q, func(ctx context.Context, _ *Job) (any, error) {
		mu.Lock()
		calls = append(calls, time.Now())
		mu.Unlock()
		return nil, errors.New("downstream unavailable")
	}, WorkerOptions{Concurrency: 2})

	waitFor(t, 5*time.Second, "terminal failure", func() bool {
		got, err := q.GetJob(context.Background(), j.ID)
		return err == nil && got.Status == StatusFailed
	})
	got, _ := q.GetJob(context.Background(), j.ID)
	if got.AttemptsMade != 3 || got.FailedReason != "downstream unavailable" {
		t.Fatalf("job = %+v", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 3 {
		t.Fatalf("handler ran %d times, want 3", len(calls))
	}
	first, second := calls[1].Sub(calls[0]), calls[2].Sub(calls[1])
	if first < 40*time.Millisecond || second < first {
		t.Fatalf("retry intervals %v, %v not non-decreasing from base delay", first, second)
	}
}

func TestWorkerRateLimitAcrossWindow(t *testing.T) {
	q, _ := newTestQueue(t, "q")
	const max, window, total = 3, 300 * time.Millisecond, 9
	for i := 0; i < total; i++ {
		mustAdd(t, q, "x", nil, JobOptions{})
	}

	var mu sync.Mutex
	var starts []time.Time
	startWorker(t, q, func(ctx context.Context, j *Job) (any, error) {
		mu.Lock()
		starts = append(starts, j.ProcessedAt)
		mu.Unlock()
		return nil, nil
	}, WorkerOptions{Concurrency: 5, Limiter: RateLimit{Max: max, Duration: window}})

	waitFor(t, 10*time.Second, "all jobs", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(starts) == total
	})
	mu.Lock()
	defer mu.Unlock()
	sort.Slice(starts, func(i, k int) bool { return starts[i].Before(starts[k]) })
	for i := 0; i+max < len(starts); i++ {
		if gap := starts[i+max].Sub(starts[i]); gap < window {
			t.Fatalf("%d starts within %v (gap %v)", max+1, window, gap)
		}
	}
}

func TestWorkerCloseWaitsForInflight(t *testing.T) {
	q, _ := newTestQueue(t, "q")
	mustAdd(t, q, "slow", nil, JobOptions{})

	started := make(chan struct{})
	release := make(chan struct{})
	w := NewWorker(q, func(ctx context.Context, j *Job) (any, error) {
		close(started)
		<-release
		return "done", nil
	}, WorkerOptions{DrainDelay: time.Second})
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started

	closed := make(chan error, 1)
	go func() { closed <- w.Close(context.Background()) }()

	select {
	case err := <-closed:
		t.Fatalf("Close returned before handler finished: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	close(release)
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("Close: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Close did not return")
	}
	c, _ := q.Counts(context.Background())
	if c.Completed != 1 {
		t.Fatalf("in-flight job should complete during drain, counts = %+v", c)
	}
	if err := w.Start(context.Background()); !errors.Is(err, ErrWorkerClosed) {
		t.Fatalf("Start after Close err = %v", err)
	}
}

func TestWorkerCloseHonoursCallerDeadline(t *testing.T) {
	q, _ := newTestQueue(t, "q")
	mustAdd(t, q, "stuck", nil, JobOptions{})
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	w := NewWorker(q, func(ctx context.Context, j *Job) (any, error) {
		close(started)
		<-release
		return nil, nil
	}, WorkerOptions{DrainDelay: time.Second})
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := w.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Close err = %v, want deadline exceeded", err)
	}
}

func TestWorkerStartFailsWithoutBroker(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	w := NewWorker(New("q", rdb, logx.Nop()), func(context.Context, *Job) (any, error) { return nil, nil }, WorkerOptions{})
	err := w.Start(context.Background())
	if !errors.Is(err, ErrWorkerStartup) {
		t.Fatalf("Start err = %v, want ErrWorkerStartup", err)
	}
	var se *StartupError
	if !errors.As(err, &se) || se.Queue != "q" {
		t.Fatalf("Start err = %#v", err)
	}
}

func TestWorkerRecoversHandlerPanic(t *testing.T) {
	q, _ := newTestQueue(t, "q")
	j := mustAdd(t, q, "explodes", nil, JobOptions{Attempts: 1})
	startWorker(t, q, func(context.Context, *Job) (any, error) {
		panic("kaboom")
	}, WorkerOptions{})

	waitFor(t, 5*time.Second, "failed job", func() bool {
		got, err := q.GetJob(context.Background(), j.ID)
		return err == nil && got.Status == StatusFailed
	})
	got, _ := q.GetJob(context.Background(), j.ID)
	if !strings.Contains(got.FailedReason, "kaboom") {
		t.Fatalf("failedReason = %q", got.FailedReason)
	}
}

func TestWorkerPublishesLifecycleEvents(t *testing.T) {
	q, _ := newTestQueue(t, "q")
	ctx := context.Background()
	sub := q.rdb.Subscribe(ctx, EventsChannel("q"))
	t.Cleanup(func() { _ = sub.Close() })
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	j := mustAdd(t, q, "x", nil, JobOptions{})
	startWorker(t, q, func(ctx context.Context, j *Job) (any, error) {
		if err := j.UpdateProgress(ctx, 50); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil
	}, WorkerOptions{})

	want := []EventKind{EventWaiting, EventActive, EventProgress, EventCompleted}
	ch := sub.Channel()
	for i, kind := range want {
		select {
		case msg := <-ch:
			e, err := DecodeEvent([]byte(msg.Payload))
			if err != nil {
				t.Fatalf("DecodeEvent: %v", err)
			}
			if e.Kind != kind || e.JobID != j.ID || e.Queue != "q" {
				t.Fatalf("event %d = %+v, want %s", i, e, kind)
			}
			if kind == EventProgress && e.Progress != 50 {
				t.Fatalf("progress = %d", e.Progress)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}
