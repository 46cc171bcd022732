package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"jobcast/pkg/logx"
)

// fileStore appends JSON Lines:
//   - <prefix>.failures.jsonl
//   - <prefix>.audit.jsonl
type fileStore struct {
	log logx.Logger

	mu           sync.Mutex
	failuresPath string
	failures     *os.File
	audit        *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	failuresPath := prefix + ".failures.jsonl"
	ff, err := os.OpenFile(failuresPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = ff.Close()
		return nil, err
	}
	return &fileStore{log: log, failuresPath: failuresPath, failures: ff, audit: af}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.failures != nil {
		errs = append(errs, s.failures.Close())
		s.failures = nil
	}
	if s.audit != nil {
		errs = append(errs, s.audit.Close())
		s.audit = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) ArchiveFailure(_ context.Context, j FailedJob) error {
	if j.FailedAt.IsZero() {
		j.FailedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures == nil {
		return errors.New("failures file closed")
	}
	return json.NewEncoder(s.failures).Encode(j)
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.audit).Encode(e)
}

// ListFailures scans the whole file; the archive is an operator tool, not a
// hot path.
func (s *fileStore) ListFailures(ctx context.Context, opts ListOptions) ([]FailedJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.failuresPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	limit := opts.limit()
	// Ring of the newest matches.
	ring := make([]FailedJob, 0, limit)
	start := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var j FailedJob
		if err := json.Unmarshal(sc.Bytes(), &j); err != nil {
			s.log.Debug("skipping corrupt archive line", logx.Err(err))
			continue
		}
		if opts.Queue != "" && j.Queue != opts.Queue {
			continue
		}
		if len(ring) < limit {
			ring = append(ring, j)
			continue
		}
		ring[start] = j
		start = (start + 1) % limit
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	out := make([]FailedJob, 0, len(ring))
	for i := len(ring) - 1; i >= 0; i-- {
		out = append(out, ring[(start+i)%len(ring)])
	}
	return out, nil
}
