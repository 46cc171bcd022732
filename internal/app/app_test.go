package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"jobcast/internal/config"
	"jobcast/internal/jobs"
	"jobcast/internal/queue"
	"jobcast/pkg/logx"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestNewRejectsComponentErrors(t *testing.T) {
	cases := map[string]string{
		"storage driver": "broker: {addr: \"127.0.0.1:1\"}\nhttp: {addr: \":0\"}\nstorage: {driver: bogus, path: x}\n",
		"sqlite path":    "broker: {addr: \"127.0.0.1:1\"}\nhttp: {addr: \":0\"}\nstorage: {driver: sqlite}\n",
		"timezone":       "broker: {addr: \"127.0.0.1:1\"}\nhttp: {addr: \":0\"}\nmonitor: {timezone: Mars/Olympus}\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := New(writeConfig(t, body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestMapWorkerOptionsOverlaysDefaults(t *testing.T) {
	cfg := &config.Config{Queues: map[string]config.QueueConfig{
		jobs.EmailQueue:  {Concurrency: 9},
		jobs.ExportQueue: {LimitMax: 1, LimitWindow: "10s", DrainDelay: "2s"},
	}}
	got, err := mapWorkerOptions(cfg)
	if err != nil {
		t.Fatalf("mapWorkerOptions: %v", err)
	}
	def := jobs.DefaultWorkerOptions()

	if got[jobs.EmailQueue].Concurrency != 9 {
		t.Fatalf("email concurrency: %d", got[jobs.EmailQueue].Concurrency)
	}
	if got[jobs.EmailQueue].Limiter != def[jobs.EmailQueue].Limiter {
		t.Fatalf("email limiter lost: %+v", got[jobs.EmailQueue].Limiter)
	}
	exp := got[jobs.ExportQueue]
	if exp.Limiter != (queue.RateLimit{Max: 1, Duration: 10 * time.Second}) || exp.DrainDelay != 2*time.Second {
		t.Fatalf("export options: %+v", exp)
	}
	if exp.Concurrency != def[jobs.ExportQueue].Concurrency {
		t.Fatalf("export concurrency: %d", exp.Concurrency)
	}
	if u := got[jobs.UserQueue]; u.Concurrency != def[jobs.UserQueue].Concurrency || u.Limiter != def[jobs.UserQueue].Limiter {
		t.Fatalf("unconfigured queue changed: %+v", u)
	}
}

func TestMapRegistryOptions(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := &config.Config{
		Queues:  map[string]config.QueueConfig{jobs.EmailQueue: {Attempts: 7, Backoff: "3s", KeepFailed: 4}},
		Cleanup: config.CleanupConfig{CompletedAge: "1h", FailedLimit: 3},
	}
	opts, err := mapRegistryOptions(cfg)
	if err != nil {
		t.Fatalf("mapRegistryOptions: %v", err)
	}
	reg := jobs.NewRegistry(rdb, logx.Nop(), opts...)

	p := reg.Policy()
	def := jobs.DefaultCleanupPolicy()
	if p.CompletedAge != time.Hour || p.FailedLimit != 3 || p.FailedAge != def.FailedAge || p.CompletedLimit != def.CompletedLimit {
		t.Fatalf("policy: %+v", p)
	}
	o := reg.Email().Options(jobs.EmailJob{Type: jobs.SendWelcomeEmail})
	if o.Attempts != 7 || o.Backoff != (queue.Backoff{Type: queue.BackoffExponential, Delay: 3 * time.Second}) || o.RemoveOnFail.Count != 4 {
		t.Fatalf("email options: %+v", o)
	}
}

func TestMapStorageConfig(t *testing.T) {
	cases := []struct {
		name    string
		st      *config.StorageConfig
		enabled bool
		wantErr bool
		busy    time.Duration
	}{
		{name: "absent"},
		{name: "none", st: &config.StorageConfig{Driver: "none"}},
		{name: "file", st: &config.StorageConfig{Driver: "file", Path: "a.db"}, enabled: true},
		{name: "sqlite default busy", st: &config.StorageConfig{Driver: "SQLite", Path: "a.db"}, enabled: true, busy: time.Second},
		{name: "sqlite busy", st: &config.StorageConfig{Driver: "sqlite3", Path: "a.db", BusyTimeout: "3s"}, enabled: true, busy: 3 * time.Second},
		{name: "sqlite no path", st: &config.StorageConfig{Driver: "sqlite"}, wantErr: true},
		{name: "unknown", st: &config.StorageConfig{Driver: "pebble"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sc, enabled, err := mapStorageConfig(&config.Config{Storage: tc.st})
			if (err != nil) != tc.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tc.wantErr)
			}
			if enabled != tc.enabled {
				t.Fatalf("enabled=%v want %v", enabled, tc.enabled)
			}
			if sc.BusyTimeout != tc.busy {
				t.Fatalf("busy=%v want %v", sc.BusyTimeout, tc.busy)
			}
		})
	}
}

func TestAppRunsJobsAndStops(t *testing.T) {
	mr := miniredis.RunT(t)
	dir := t.TempDir()
	path := writeConfig(t, fmt.Sprintf(`
logging: {level: error, console: false}
broker: {addr: %q}
http: {addr: "127.0.0.1:0"}
handlers: {export_dir: %q}
storage: {driver: file, path: %q}
monitor: {stats_schedule: "off"}
`, mr.Addr(), filepath.Join(dir, "exports"), filepath.Join(dir, "archive.db")))

	a, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), StopFatalError)
		t.Fatalf("Start: %v", err)
	}

	h, err := a.Registry().Email().Enqueue(ctx, jobs.EmailJob{
		Type: jobs.SendWelcomeEmail, To: "ada@example.com", Subject: "hi", Template: "welcome",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	q, _ := a.Registry().Queue(jobs.EmailQueue)
	deadline := time.Now().Add(5 * time.Second)
	for {
		j, err := q.GetJob(ctx, h.ID)
		if err == nil && j.Status == queue.StatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job not completed: %+v err=%v", j, err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	resp, err := http.Get("http://" + a.HTTPServer().Addr() + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("Done not closed after Stop")
	}
	if a.Err() != nil {
		t.Fatalf("unexpected fatal error: %v", a.Err())
	}
}
