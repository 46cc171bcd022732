package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"jobcast/internal/queue"
)

// Handle identifies an enqueued job.
type Handle struct {
	ID    string `json:"id"`
	Queue string `json:"queue"`
	Type  string `json:"type"`
}

// Family is the typed enqueue surface of one queue.
type Family[T Payload] struct {
	q        *queue.Queue
	defaults func(T) queue.JobOptions
	// override is applied over the built-in defaults (from config).
	override queue.JobOptions
}

func (f *Family[T]) Queue() *queue.Queue { return f.q }

// Enqueue validates data, merges overrides over the family defaults and adds
// the job. Invalid data never reaches the broker.
func (f *Family[T]) Enqueue(ctx context.Context, data T, overrides ...queue.JobOptions) (Handle, error) {
	if err := data.Validate(); err != nil {
		return Handle{}, err
	}
	opts := f.Options(data)
	for _, o := range overrides {
		opts = opts.Merge(o)
	}
	j, err := f.q.Add(ctx, data.JobType(), data, opts)
	if err != nil {
		return Handle{}, fmt.Errorf("enqueue %s: %w", data.JobType(), err)
	}
	return Handle{ID: j.ID, Queue: f.q.Name(), Type: data.JobType()}, nil
}

// EnqueueJSON decodes raw into the family payload type and enqueues it.
// Unknown fields and malformed JSON are validation errors.
func (f *Family[T]) EnqueueJSON(ctx context.Context, raw []byte, overrides ...queue.JobOptions) (Handle, error) {
	var data T
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&data); err != nil {
		return Handle{}, invalid(f.q.Name(), "payload", err.Error())
	}
	return f.Enqueue(ctx, data, overrides...)
}

// Options returns the effective default options for data.
func (f *Family[T]) Options(data T) queue.JobOptions {
	return f.defaults(data).Merge(f.override)
}

func exp(d time.Duration) queue.Backoff {
	return queue.Backoff{Type: queue.BackoffExponential, Delay: d}
}

func keep(complete, fail int) (queue.KeepJobs, queue.KeepJobs) {
	return queue.KeepJobs{Count: complete}, queue.KeepJobs{Count: fail}
}

func emailDefaults(EmailJob) queue.JobOptions {
	c, f := keep(100, 50)
	return queue.JobOptions{Attempts: 3, Backoff: exp(2 * time.Second), RemoveOnComplete: c, RemoveOnFail: f}
}

func userDefaults(j UserJob) queue.JobOptions {
	c, f := keep(50, 25)
	o := queue.JobOptions{Attempts: 3, Backoff: exp(5 * time.Second), RemoveOnComplete: c, RemoveOnFail: f}
	if j.Type == CleanupUserData {
		o.Attempts = 2
		o.Backoff = exp(10 * time.Second)
	}
	return o
}

func notificationDefaults(NotificationJob) queue.JobOptions {
	c, f := keep(200, 100)
	return queue.JobOptions{Attempts: 5, Backoff: exp(time.Second), RemoveOnComplete: c, RemoveOnFail: f}
}

func exportDefaults(ExportJob) queue.JobOptions {
	c, f := keep(20, 10)
	return queue.JobOptions{Attempts: 2, Backoff: exp(10 * time.Second), RemoveOnComplete: c, RemoveOnFail: f}
}
