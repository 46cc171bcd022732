package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"jobcast/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) ArchiveFailure(ctx context.Context, j FailedJob) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if j.FailedAt.IsZero() {
		j.FailedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO failed_jobs(queue, job_id, name, data, attempts_made, reason, failed_at)
		 VALUES(?,?,?,?,?,?,?)`,
		j.Queue, j.JobID, j.Name, nullStr(string(j.Data)), j.AttemptsMade, j.Reason, j.FailedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) ListFailures(ctx context.Context, opts ListOptions) ([]FailedJob, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	q := `SELECT queue, job_id, name, data, attempts_made, reason, failed_at FROM failed_jobs`
	args := []any{}
	if opts.Queue != "" {
		q += ` WHERE queue = ?`
		args = append(args, opts.Queue)
	}
	q += ` ORDER BY failed_at DESC, id DESC LIMIT ?`
	args = append(args, opts.limit())

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FailedJob
	for rows.Next() {
		var (
			j    FailedJob
			data sql.NullString
			at   int64
		)
		if err := rows.Scan(&j.Queue, &j.JobID, &j.Name, &data, &j.AttemptsMade, &j.Reason, &at); err != nil {
			return nil, err
		}
		if data.Valid {
			j.Data = []byte(data.String)
		}
		j.FailedAt = time.UnixMilli(at)
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor, action, queue, job_id, err, took_ms) VALUES(?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), nullStr(e.Actor), e.Action, nullStr(e.Queue), nullStr(e.JobID), nullStr(e.Error), e.TookMS,
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
