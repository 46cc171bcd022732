package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"jobcast/internal/jobs"
	"jobcast/internal/queue"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := NewRoot()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func testConfig(t *testing.T) string {
	t.Helper()
	mr := miniredis.RunT(t)
	p := filepath.Join(t.TempDir(), "config.yaml")
	body := fmt.Sprintf("broker: {addr: %q}\nhttp: {addr: \"127.0.0.1:0\"}\n", mr.Addr())
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestEnqueueThenStats(t *testing.T) {
	cfg := testConfig(t)

	out, err := run(t, "", "-c", cfg, "enqueue", jobs.NotificationQueue,
		`{"type":"SEND_PUSH_NOTIFICATION","userId":"u1","title":"t","message":"m"}`)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	var h jobs.Handle
	if err := json.Unmarshal([]byte(out), &h); err != nil || h.ID == "" || h.Queue != jobs.NotificationQueue {
		t.Fatalf("handle %q: %+v err=%v", out, h, err)
	}

	// stdin payload
	if _, err := run(t, `{"type":"SEND_PUSH_NOTIFICATION","userId":"u2","title":"t","message":"m"}`,
		"-c", cfg, "enqueue", jobs.NotificationQueue, "-"); err != nil {
		t.Fatalf("enqueue stdin: %v", err)
	}

	out, err = run(t, "", "-c", cfg, "stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	var stats map[string]queue.Counts
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatalf("stats output %q: %v", out, err)
	}
	if len(stats) != len(jobs.QueueNames()) {
		t.Fatalf("stats covers %d queues", len(stats))
	}
	if got := stats[jobs.NotificationQueue].Waiting; got != 2 {
		t.Fatalf("waiting=%d want 2", got)
	}
}

func TestEnqueueRejects(t *testing.T) {
	cfg := testConfig(t)
	cases := map[string][]string{
		"unknown queue": {"enqueue", "nope-queue", `{}`},
		"bad payload":   {"enqueue", jobs.EmailQueue, `{"type":"SEND_WELCOME_EMAIL","to":"not-an-email"}`},
		"unknown field": {"enqueue", jobs.EmailQueue, `{"bogus":1}`},
		"arg count":     {"enqueue", jobs.EmailQueue},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := run(t, "", append([]string{"-c", cfg}, args...)...); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestCleanupPrintsEveryQueue(t *testing.T) {
	cfg := testConfig(t)
	out, err := run(t, "", "-c", cfg, "cleanup")
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	var res map[string]jobs.CleanupResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("cleanup output %q: %v", out, err)
	}
	if len(res) != len(jobs.QueueNames()) {
		t.Fatalf("cleanup covers %d queues", len(res))
	}
}

func TestValidate(t *testing.T) {
	cfg := testConfig(t)
	out, err := run(t, "", "-c", cfg, "validate")
	if err != nil || !strings.Contains(out, "config ok") {
		t.Fatalf("validate: %q err=%v", out, err)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("http: {mode: staging}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, "", "-c", bad, "validate"); err == nil {
		t.Fatalf("expected invalid config error")
	}
}
