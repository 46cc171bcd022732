package storage

import (
	"context"
	"errors"
	"strings"

	"jobcast/pkg/logx"
)

// Store is the persistence API used by the monitor and the admin API.
type Store interface {
	ArchiveFailure(ctx context.Context, j FailedJob) error
	// ListFailures returns archived failures, newest first.
	ListFailures(ctx context.Context, opts ListOptions) ([]FailedJob, error)
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
