package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRestartRecoversFromPanicAndError(t *testing.T) {
	sup := New(context.Background())
	var runs atomic.Int32
	done := make(chan struct{})

	sup.GoRestart("flaky", func(ctx context.Context) error {
		switch runs.Add(1) {
		case 1:
			panic("boom")
		case 2:
			return errors.New("transient")
		default:
			close(done)
			return nil
		}
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("restart loop did not reach the third run")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := sup.Counters().Restarts["flaky"]; got != 2 {
		t.Fatalf("restarts = %d, want 2", got)
	}
}

func TestGoRestartGivesUp(t *testing.T) {
	sup := New(context.Background())
	sup.GoRestart("broken", func(ctx context.Context) error {
		return errors.New("always")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := sup.Wait(ctx)
	if err == nil || errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait = %v, want the loop's final error", err)
	}
}

func TestCancelOnError(t *testing.T) {
	sup := New(context.Background(), WithCancelOnError(true))
	sup.Go("fails", func(ctx context.Context) error { return errors.New("fatal") })
	sup.Go("waits", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sup.Wait(ctx); err == nil || err.Error() != "fails: fatal" {
		t.Fatalf("Wait = %v, want fails: fatal", err)
	}
}
