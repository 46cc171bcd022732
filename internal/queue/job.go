package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDelayed   Status = "delayed"
)

// Job is a snapshot of one job hash.
type Job struct {
	ID    string          `json:"id"`
	Queue string          `json:"queue"`
	Name  string          `json:"name"`
	Data  json.RawMessage `json:"data"`
	Opts  JobOptions      `json:"opts"`

	Status       Status          `json:"status"`
	Progress     int             `json:"progress"`
	AttemptsMade int             `json:"attemptsMade"`
	StalledCount int             `json:"stalledCount,omitempty"`
	FailedReason string          `json:"failedReason,omitempty"`
	ReturnValue  json.RawMessage `json:"returnValue,omitempty"`

	CreatedAt   time.Time `json:"createdAt"`
	ProcessedAt time.Time `json:"processedAt,omitempty"`
	FinishedAt  time.Time `json:"finishedAt,omitempty"`

	q     *Queue
	token string
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Data, v); err != nil {
		return fmt.Errorf("decode job %s data: %w", j.ID, err)
	}
	return nil
}

// UpdateProgress records progress (clamped to 0..100) and notifies
// observers. Only valid on a job handed to a Processor.
func (j *Job) UpdateProgress(ctx context.Context, progress int) error {
	if j.q == nil {
		return fmt.Errorf("job %s is not bound to a queue", j.ID)
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	if err := j.q.updateProgress(ctx, j, progress); err != nil {
		return err
	}
	j.Progress = progress
	return nil
}

func jobFromHash(q *Queue, id string, h map[string]string) (*Job, error) {
	if len(h) == 0 {
		return nil, ErrJobNotFound
	}
	j := &Job{
		ID:           id,
		Queue:        q.name,
		Name:         h["name"],
		Status:       Status(h["status"]),
		Progress:     atoi(h["progress"]),
		AttemptsMade: atoi(h["attemptsMade"]),
		StalledCount: atoi(h["stalledCounter"]),
		FailedReason: h["failedReason"],
		CreatedAt:    msTime(h["ts"]),
		ProcessedAt:  msTime(h["processedOn"]),
		FinishedAt:   msTime(h["finishedOn"]),
		q:            q,
		token:        h["token"],
	}
	if d := h["data"]; d != "" {
		j.Data = json.RawMessage(d)
	}
	if rv := h["returnvalue"]; rv != "" {
		j.ReturnValue = json.RawMessage(rv)
	}
	if o := h["opts"]; o != "" {
		if err := json.Unmarshal([]byte(o), &j.Opts); err != nil {
			return nil, fmt.Errorf("job %s: decode opts: %w", id, err)
		}
	}
	return j, nil
}

// pairsToMap converts a flat HGETALL reply returned from a script.
func pairsToMap(v any) map[string]string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	m := make(map[string]string, len(arr)/2)
	for i := 0; i+1 < len(arr); i += 2 {
		m[fmt.Sprint(arr[i])] = fmt.Sprint(arr[i+1])
	}
	return m
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func msTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(n)
}
