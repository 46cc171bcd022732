package broker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"jobcast/pkg/logx"
)

func TestOpenPingsEveryRole(t *testing.T) {
	mr := miniredis.RunT(t)
	conns, err := Open(context.Background(), Config{Addr: mr.Addr()}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = conns.Close() })

	for role, err := range conns.Ping(context.Background()) {
		if err != nil {
			t.Fatalf("role %s unhealthy: %v", role, err)
		}
	}
	if conns.Queue == conns.Publish || conns.Publish == conns.Subscribe {
		t.Fatal("roles must not share a client")
	}
}

func TestOpenUnreachableIsUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Open(ctx, Config{Addr: addr, DialTimeout: 200 * time.Millisecond, MaxRetries: -1}, logx.Nop())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Open error = %v, want ErrUnavailable", err)
	}
}

func TestUnavailableClassification(t *testing.T) {
	if err := Unavailable("op", nil); err != nil {
		t.Fatalf("nil error should stay nil, got %v", err)
	}
	if err := Unavailable("add", context.DeadlineExceeded); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("deadline should classify as unavailable: %v", err)
	}
	reply := fmt.Errorf("WRONGTYPE Operation against a key holding the wrong kind of value")
	if err := Unavailable("add", reply); errors.Is(err, ErrUnavailable) {
		t.Fatalf("reply errors must not classify as unavailable: %v", err)
	}
	wrapped := Unavailable("claim", Unavailable("ping", context.DeadlineExceeded))
	if !errors.Is(wrapped, ErrUnavailable) {
		t.Fatal("re-wrapping keeps the sentinel")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	mr := miniredis.RunT(t)
	conns, err := Open(context.Background(), Config{Addr: mr.Addr()}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := conns.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := conns.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
