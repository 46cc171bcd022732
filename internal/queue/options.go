package queue

import (
	"fmt"
	"time"
)

type BackoffType string

const (
	BackoffExponential BackoffType = "exponential"
	BackoffFixed       BackoffType = "fixed"
)

// Backoff computes the delay before a retry.
type Backoff struct {
	Type  BackoffType   `json:"type,omitempty"`
	Delay time.Duration `json:"delay,omitempty"`
}

// maxBackoffShift caps 2^n growth so the delay can't overflow.
const maxBackoffShift = 30

// Next returns the delay after the attemptsMade-th failed attempt
// (attemptsMade >= 1): Delay * 2^(attemptsMade-1) for exponential,
// Delay for fixed.
func (b Backoff) Next(attemptsMade int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	switch b.Type {
	case BackoffFixed:
		return b.Delay
	default:
		shift := attemptsMade - 1
		if shift > maxBackoffShift {
			shift = maxBackoffShift
		}
		return b.Delay * time.Duration(1<<shift)
	}
}

// KeepJobs bounds how many finished jobs are retained. Count <= 0 and
// Age <= 0 both mean "no bound" on that dimension.
type KeepJobs struct {
	Count int           `json:"count,omitempty"`
	Age   time.Duration `json:"age,omitempty"`
}

// MaxPriority is the largest accepted priority. Lower values run first;
// 0 is the default.
const MaxPriority = 1<<21 - 1

// JobOptions are stored with the job and drive retry and retention.
type JobOptions struct {
	Attempts         int           `json:"attempts,omitempty"`
	Backoff          Backoff       `json:"backoff,omitempty"`
	RemoveOnComplete KeepJobs      `json:"removeOnComplete,omitempty"`
	RemoveOnFail     KeepJobs      `json:"removeOnFail,omitempty"`
	Delay            time.Duration `json:"delay,omitempty"`
	Priority         int           `json:"priority,omitempty"`
}

// Merge returns o with every non-zero field of over applied on top.
func (o JobOptions) Merge(over JobOptions) JobOptions {
	if over.Attempts > 0 {
		o.Attempts = over.Attempts
	}
	if over.Backoff.Type != "" {
		o.Backoff.Type = over.Backoff.Type
	}
	if over.Backoff.Delay > 0 {
		o.Backoff.Delay = over.Backoff.Delay
	}
	if over.RemoveOnComplete.Count > 0 {
		o.RemoveOnComplete.Count = over.RemoveOnComplete.Count
	}
	if over.RemoveOnComplete.Age > 0 {
		o.RemoveOnComplete.Age = over.RemoveOnComplete.Age
	}
	if over.RemoveOnFail.Count > 0 {
		o.RemoveOnFail.Count = over.RemoveOnFail.Count
	}
	if over.RemoveOnFail.Age > 0 {
		o.RemoveOnFail.Age = over.RemoveOnFail.Age
	}
	if over.Delay > 0 {
		o.Delay = over.Delay
	}
	if over.Priority > 0 {
		o.Priority = over.Priority
	}
	return o
}

func (o JobOptions) withDefaults() JobOptions {
	if o.Attempts <= 0 {
		o.Attempts = 1
	}
	if o.Backoff.Type == "" {
		o.Backoff.Type = BackoffExponential
	}
	return o
}

func (o JobOptions) validate() error {
	if o.Priority < 0 || o.Priority > MaxPriority {
		return fmt.Errorf("priority %d out of range [0,%d]", o.Priority, MaxPriority)
	}
	if o.Delay < 0 {
		return fmt.Errorf("delay must be >= 0")
	}
	switch o.Backoff.Type {
	case BackoffExponential, BackoffFixed:
	default:
		return fmt.Errorf("unknown backoff type %q", o.Backoff.Type)
	}
	return nil
}

// RateLimit bounds job starts per sliding window. Max <= 0 disables it.
type RateLimit struct {
	Max      int
	Duration time.Duration
}

func (r RateLimit) enabled() bool { return r.Max > 0 && r.Duration > 0 }
