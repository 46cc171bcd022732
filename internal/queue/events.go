package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"jobcast/pkg/logx"
)

type EventKind string

const (
	EventWaiting   EventKind = "waiting"
	EventDelayed   EventKind = "delayed"
	EventActive    EventKind = "active"
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	// EventFailed is emitted for every failed attempt; Terminal tells
	// whether the job will be retried.
	EventFailed  EventKind = "failed"
	EventStalled EventKind = "stalled"
	EventPaused  EventKind = "paused"
	EventResumed EventKind = "resumed"
	EventRemoved EventKind = "removed"
	EventCleaned EventKind = "cleaned"
)

// Event is a lifecycle notification published on EventsChannel(queue).
type Event struct {
	Kind         EventKind       `json:"kind"`
	Queue        string          `json:"queue"`
	JobID        string          `json:"jobId,omitempty"`
	Name         string          `json:"name,omitempty"`
	Progress     int             `json:"progress,omitempty"`
	AttemptsMade int             `json:"attemptsMade,omitempty"`
	FailedReason string          `json:"failedReason,omitempty"`
	ReturnValue  json.RawMessage `json:"returnValue,omitempty"`
	Terminal     bool            `json:"terminal,omitempty"`
	RetryAt      time.Time       `json:"retryAt,omitempty"`
	Count        int             `json:"count,omitempty"`
	State        Status          `json:"state,omitempty"`
	At           time.Time       `json:"at"`
}

func DecodeEvent(b []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return Event{}, fmt.Errorf("decode queue event: %w", err)
	}
	if e.Kind == "" || e.Queue == "" {
		return Event{}, fmt.Errorf("decode queue event: missing kind or queue")
	}
	return e, nil
}

// publish is best effort: the job state is already committed, so a lost
// event only affects observers.
func (q *Queue) publish(ctx context.Context, e Event) {
	e.Queue = q.name
	if e.At.IsZero() {
		e.At = q.now()
	}
	b, err := json.Marshal(e)
	if err != nil {
		q.log.Warn("encode queue event failed", logx.String("kind", string(e.Kind)), logx.Err(err))
		return
	}
	if err := q.rdb.Publish(context.WithoutCancel(ctx), q.keys.events, b).Err(); err != nil {
		q.log.Debug("publish queue event failed",
			logx.String("kind", string(e.Kind)),
			logx.String("job_id", e.JobID),
			logx.Err(err),
		)
	}
}
