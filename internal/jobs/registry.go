package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"jobcast/internal/queue"
	"jobcast/pkg/logx"
)

// CleanupPolicy bounds one retention pass. Limits cap how many jobs a single
// pass removes so a large backlog is worked off over several runs.
type CleanupPolicy struct {
	CompletedAge   time.Duration
	CompletedLimit int
	FailedAge      time.Duration
	FailedLimit    int
}

func DefaultCleanupPolicy() CleanupPolicy {
	return CleanupPolicy{
		CompletedAge:   24 * time.Hour,
		CompletedLimit: 50,
		FailedAge:      7 * 24 * time.Hour,
		FailedLimit:    20,
	}
}

type CleanupResult struct {
	RemovedCompleted int `json:"removedCompleted"`
	RemovedFailed    int `json:"removedFailed"`
}

type RegistryOption func(*Registry)

func WithCleanupPolicy(p CleanupPolicy) RegistryOption {
	return func(r *Registry) { r.policy = p }
}

// WithQueueDefaults overrides family defaults for one queue. Zero fields keep
// the built-in value.
func WithQueueDefaults(name string, o queue.JobOptions) RegistryOption {
	return func(r *Registry) { r.overrides[name] = o }
}

// Registry owns one queue handle per family.
type Registry struct {
	email         *Family[EmailJob]
	users         *Family[UserJob]
	notifications *Family[NotificationJob]
	exports       *Family[ExportJob]

	queues    map[string]*queue.Queue
	overrides map[string]queue.JobOptions
	policy    CleanupPolicy
	log       logx.Logger
}

func NewRegistry(rdb *redis.Client, log logx.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		queues:    make(map[string]*queue.Queue, 4),
		overrides: map[string]queue.JobOptions{},
		policy:    DefaultCleanupPolicy(),
		log:       log.With(logx.String("comp", "jobs")),
	}
	for _, o := range opts {
		o(r)
	}
	for _, name := range QueueNames() {
		r.queues[name] = queue.New(name, rdb, log)
	}
	r.email = &Family[EmailJob]{q: r.queues[EmailQueue], defaults: emailDefaults, override: r.overrides[EmailQueue]}
	r.users = &Family[UserJob]{q: r.queues[UserQueue], defaults: userDefaults, override: r.overrides[UserQueue]}
	r.notifications = &Family[NotificationJob]{q: r.queues[NotificationQueue], defaults: notificationDefaults, override: r.overrides[NotificationQueue]}
	r.exports = &Family[ExportJob]{q: r.queues[ExportQueue], defaults: exportDefaults, override: r.overrides[ExportQueue]}
	return r
}

func (r *Registry) Email() *Family[EmailJob]                { return r.email }
func (r *Registry) Users() *Family[UserJob]                 { return r.users }
func (r *Registry) Notifications() *Family[NotificationJob] { return r.notifications }
func (r *Registry) Exports() *Family[ExportJob]             { return r.exports }

func (r *Registry) Queue(name string) (*queue.Queue, bool) {
	q, ok := r.queues[name]
	return q, ok
}

// EnqueueJSON enqueues a raw payload on the named queue's family.
func (r *Registry) EnqueueJSON(ctx context.Context, queueName string, raw []byte) (Handle, error) {
	switch queueName {
	case EmailQueue:
		return r.email.EnqueueJSON(ctx, raw)
	case UserQueue:
		return r.users.EnqueueJSON(ctx, raw)
	case NotificationQueue:
		return r.notifications.EnqueueJSON(ctx, raw)
	case ExportQueue:
		return r.exports.EnqueueJSON(ctx, raw)
	default:
		return Handle{}, fmt.Errorf("%w: %q", ErrUnknownQueue, queueName)
	}
}

func (r *Registry) Policy() CleanupPolicy { return r.policy }

// Statistics returns point-in-time counts per queue. Queues that could not be
// read are missing from the map and reported in the joined error.
func (r *Registry) Statistics(ctx context.Context) (map[string]queue.Counts, error) {
	out := make(map[string]queue.Counts, len(r.queues))
	var errs []error
	for _, name := range QueueNames() {
		c, err := r.queues[name].Counts(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out[name] = c
	}
	return out, errors.Join(errs...)
}

// Cleanup runs one retention pass over every queue.
func (r *Registry) Cleanup(ctx context.Context) (map[string]CleanupResult, error) {
	out := make(map[string]CleanupResult, len(r.queues))
	var errs []error
	for _, name := range QueueNames() {
		q := r.queues[name]
		var res CleanupResult
		done, err := q.Clean(ctx, queue.StatusCompleted, r.policy.CompletedAge, r.policy.CompletedLimit)
		if err != nil {
			errs = append(errs, fmt.Errorf("cleanup %s completed: %w", name, err))
		}
		res.RemovedCompleted = len(done)
		failed, err := q.Clean(ctx, queue.StatusFailed, r.policy.FailedAge, r.policy.FailedLimit)
		if err != nil {
			errs = append(errs, fmt.Errorf("cleanup %s failed: %w", name, err))
		}
		res.RemovedFailed = len(failed)
		out[name] = res
		if res.RemovedCompleted > 0 || res.RemovedFailed > 0 {
			r.log.Info("queue cleaned",
				logx.String("queue", name),
				logx.Int("removed_completed", res.RemovedCompleted),
				logx.Int("removed_failed", res.RemovedFailed),
			)
		}
	}
	return out, errors.Join(errs...)
}
