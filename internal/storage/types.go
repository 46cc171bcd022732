package storage

import (
	"encoding/json"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// FailedJob is a snapshot of a job at the moment it failed for good.
type FailedJob struct {
	Queue        string          `json:"queue"`
	JobID        string          `json:"jobId"`
	Name         string          `json:"name"`
	Data         json.RawMessage `json:"data,omitempty"`
	AttemptsMade int             `json:"attemptsMade"`
	Reason       string          `json:"reason"`
	FailedAt     time.Time       `json:"failedAt"`
}

// AuditEntry records an operator action.
type AuditEntry struct {
	At     time.Time `json:"at"`
	Actor  string    `json:"actor,omitempty"`
	Action string    `json:"action"`
	Queue  string    `json:"queue,omitempty"`
	JobID  string    `json:"jobId,omitempty"`
	Error  string    `json:"error,omitempty"`
	TookMS int64     `json:"tookMs"`
}

// ListOptions filters ListFailures. Zero Limit means 50.
type ListOptions struct {
	Queue string
	Limit int
}

func (o ListOptions) limit() int {
	if o.Limit <= 0 {
		return 50
	}
	if o.Limit > 1000 {
		return 1000
	}
	return o.Limit
}
