package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"jobcast/internal/broker"
	"jobcast/pkg/logx"
)

// Queue is a handle on one named queue. It is safe for concurrent use and
// cheap to create; all state lives in the broker.
type Queue struct {
	name string
	rdb  *redis.Client
	keys keys
	log  logx.Logger
	now  func() time.Time
}

func New(name string, rdb *redis.Client, log logx.Logger) *Queue {
	return &Queue{
		name: name,
		rdb:  rdb,
		keys: newKeys(name),
		log:  log.With(logx.String("queue", name)),
		now:  time.Now,
	}
}

func (q *Queue) Name() string { return q.name }

// Add enqueues a job. data is stored as JSON.
func (q *Queue) Add(ctx context.Context, name string, data any, opts JobOptions) (*Job, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("add to %s: job name is empty", q.name)
	}
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("add to %s: %w", q.name, err)
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("add to %s: encode data: %w", q.name, err)
	}
	rawOpts, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("add to %s: encode opts: %w", q.name, err)
	}

	now := q.now()
	id, err := addScript.Run(ctx, q.rdb,
		[]string{q.keys.id, q.keys.wait, q.keys.delayed, q.keys.marker},
		q.keys.jobPrefix, name, payload, rawOpts, now.UnixMilli(), opts.Delay.Milliseconds(), opts.Priority,
	).Text()
	if err != nil {
		return nil, broker.Unavailable("add to "+q.name, err)
	}

	j := &Job{
		ID:        id,
		Queue:     q.name,
		Name:      name,
		Data:      payload,
		Opts:      opts,
		Status:    StatusWaiting,
		CreatedAt: time.UnixMilli(now.UnixMilli()),
		q:         q,
	}
	kind := EventWaiting
	if opts.Delay > 0 {
		j.Status = StatusDelayed
		kind = EventDelayed
	}
	q.publish(ctx, Event{Kind: kind, JobID: id, Name: name})
	return j, nil
}

func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	h, err := q.rdb.HGetAll(ctx, q.keys.job(id)).Result()
	if err != nil {
		return nil, broker.Unavailable("get job", err)
	}
	return jobFromHash(q, id, h)
}

// Counts is a point-in-time view of a queue's sets.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Paused    bool  `json:"paused"`
}

func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	var (
		wait, active, completed, failed, delayed *redis.IntCmd
		paused                                   *redis.IntCmd
	)
	_, err := q.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		wait = p.ZCard(ctx, q.keys.wait)
		active = p.ZCard(ctx, q.keys.active)
		completed = p.ZCard(ctx, q.keys.completed)
		failed = p.ZCard(ctx, q.keys.failed)
		delayed = p.ZCard(ctx, q.keys.delayed)
		paused = p.Exists(ctx, q.keys.paused)
		return nil
	})
	if err != nil {
		return Counts{}, broker.Unavailable("counts "+q.name, err)
	}
	return Counts{
		Waiting:   wait.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
		Paused:    paused.Val() == 1,
	}, nil
}

func (q *Queue) setKey(status Status) (string, error) {
	switch status {
	case StatusWaiting:
		return q.keys.wait, nil
	case StatusActive:
		return q.keys.active, nil
	case StatusCompleted:
		return q.keys.completed, nil
	case StatusFailed:
		return q.keys.failed, nil
	case StatusDelayed:
		return q.keys.delayed, nil
	default:
		return "", fmt.Errorf("unknown job status %q", status)
	}
}

// Jobs lists jobs in one state. Finished states are returned newest first;
// waiting and delayed in processing order. start/stop are inclusive ranks.
func (q *Queue) Jobs(ctx context.Context, status Status, start, stop int64) ([]*Job, error) {
	key, err := q.setKey(status)
	if err != nil {
		return nil, err
	}
	var ids []string
	switch status {
	case StatusCompleted, StatusFailed:
		ids, err = q.rdb.ZRevRange(ctx, key, start, stop).Result()
	default:
		ids, err = q.rdb.ZRange(ctx, key, start, stop).Result()
	}
	if err != nil {
		return nil, broker.Unavailable("list jobs", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = q.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, q.keys.job(id))
		}
		return nil
	})
	if err != nil {
		return nil, broker.Unavailable("list jobs", err)
	}
	out := make([]*Job, 0, len(ids))
	for i, id := range ids {
		j, err := jobFromHash(q, id, cmds[i].Val())
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

// Clean removes at most limit finished jobs (completed or failed) that
// finished more than grace ago. limit <= 0 removes every match. It returns
// the removed ids.
func (q *Queue) Clean(ctx context.Context, status Status, grace time.Duration, limit int) ([]string, error) {
	if status != StatusCompleted && status != StatusFailed {
		return nil, fmt.Errorf("clean %s: only completed or failed jobs can be cleaned", q.name)
	}
	key, _ := q.setKey(status)
	if limit < 0 {
		limit = 0
	}
	cutoff := q.now().Add(-grace).UnixMilli()
	res, err := cleanScript.Run(ctx, q.rdb, []string{key}, q.keys.jobPrefix, cutoff, limit).StringSlice()
	if err != nil {
		return nil, broker.Unavailable("clean "+q.name, err)
	}
	if len(res) > 0 {
		q.publish(ctx, Event{Kind: EventCleaned, Count: len(res), State: status})
	}
	return res, nil
}

func (q *Queue) Pause(ctx context.Context) error {
	if err := q.rdb.Set(ctx, q.keys.paused, "1", 0).Err(); err != nil {
		return broker.Unavailable("pause "+q.name, err)
	}
	q.publish(ctx, Event{Kind: EventPaused})
	return nil
}

func (q *Queue) Resume(ctx context.Context) error {
	if err := q.rdb.Del(ctx, q.keys.paused).Err(); err != nil {
		return broker.Unavailable("resume "+q.name, err)
	}
	q.wake(ctx)
	q.publish(ctx, Event{Kind: EventResumed})
	return nil
}

func (q *Queue) IsPaused(ctx context.Context) (bool, error) {
	n, err := q.rdb.Exists(ctx, q.keys.paused).Result()
	if err != nil {
		return false, broker.Unavailable("paused "+q.name, err)
	}
	return n == 1, nil
}

// RetryJob moves a failed job back to waiting with a fresh attempt budget.
func (q *Queue) RetryJob(ctx context.Context, id string) error {
	n, err := retryScript.Run(ctx, q.rdb,
		[]string{q.keys.failed, q.keys.wait, q.keys.marker},
		q.keys.jobPrefix, id,
	).Int()
	if err != nil {
		return broker.Unavailable("retry job", err)
	}
	switch n {
	case -1:
		return ErrJobNotFound
	case 0:
		return ErrNotFailed
	}
	q.publish(ctx, Event{Kind: EventWaiting, JobID: id})
	return nil
}

// RemoveJob deletes a job that is not currently active.
func (q *Queue) RemoveJob(ctx context.Context, id string) error {
	n, err := removeScript.Run(ctx, q.rdb,
		[]string{q.keys.active, q.keys.wait, q.keys.delayed, q.keys.completed, q.keys.failed},
		q.keys.jobPrefix, id,
	).Int()
	if err != nil {
		return broker.Unavailable("remove job", err)
	}
	switch n {
	case -1:
		return ErrJobNotFound
	case 0:
		return ErrJobActive
	}
	q.publish(ctx, Event{Kind: EventRemoved, JobID: id})
	return nil
}

// --- worker-side operations ---

type claimResult struct {
	job *Job
	// limited is set when the rate limiter refused; retryIn says when the
	// window frees a slot.
	limited bool
	retryIn time.Duration
}

func (q *Queue) claim(ctx context.Context, token string, lock time.Duration, limit RateLimit) (claimResult, error) {
	var max, window int64
	if limit.enabled() {
		max, window = int64(limit.Max), limit.Duration.Milliseconds()
	}
	now := q.now()
	res, err := claimScript.Run(ctx, q.rdb,
		[]string{q.keys.wait, q.keys.active, q.keys.delayed, q.keys.limiter, q.keys.paused},
		q.keys.jobPrefix, now.UnixMilli(), lock.Milliseconds(), max, window, token,
	).Slice()
	if err != nil {
		return claimResult{}, broker.Unavailable("claim "+q.name, err)
	}
	if len(res) == 0 {
		return claimResult{}, nil
	}
	switch toInt64(res[0]) {
	case 1:
		if len(res) > 1 {
			return claimResult{limited: true, retryIn: time.Duration(toInt64(res[1])) * time.Millisecond}, nil
		}
		return claimResult{limited: true, retryIn: time.Millisecond}, nil
	case 2:
		if len(res) < 3 {
			return claimResult{}, fmt.Errorf("claim %s: short reply", q.name)
		}
		id := fmt.Sprint(res[1])
		j, err := jobFromHash(q, id, pairsToMap(res[2]))
		if err != nil {
			return claimResult{}, err
		}
		return claimResult{job: j}, nil
	}
	return claimResult{}, nil
}

func (q *Queue) complete(ctx context.Context, j *Job, value any) error {
	rv, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode return value: %w", err)
	}
	keep := j.Opts.RemoveOnComplete
	now := q.now()
	n, err := completeScript.Run(ctx, q.rdb,
		[]string{q.keys.active, q.keys.completed},
		q.keys.jobPrefix, j.ID, j.token, now.UnixMilli(), rv, keep.Count, keep.Age.Milliseconds(),
	).Int()
	if err != nil {
		return broker.Unavailable("complete job", err)
	}
	switch n {
	case -1:
		return ErrJobNotFound
	case -2:
		return ErrLockLost
	}
	j.Status = StatusCompleted
	j.ReturnValue = rv
	j.FinishedAt = time.UnixMilli(now.UnixMilli())
	q.publish(ctx, Event{Kind: EventCompleted, JobID: j.ID, Name: j.Name, AttemptsMade: j.AttemptsMade, ReturnValue: rv})
	return nil
}

// failOutcome describes what the fail script decided.
type failOutcome struct {
	retry        bool
	retryAt      time.Time
	attemptsMade int
}

func (q *Queue) fail(ctx context.Context, j *Job, cause error) (failOutcome, error) {
	noRetry := "0"
	if IsNoRetry(cause) {
		noRetry = "1"
	}
	// The delay depends on the attempt being recorded now.
	delay := j.Opts.Backoff.Next(j.AttemptsMade + 1)
	keep := j.Opts.RemoveOnFail
	now := q.now()
	res, err := failScript.Run(ctx, q.rdb,
		[]string{q.keys.active, q.keys.wait, q.keys.delayed, q.keys.failed, q.keys.marker},
		q.keys.jobPrefix, j.ID, j.token, now.UnixMilli(), cause.Error(),
		j.Opts.Attempts, delay.Milliseconds(), keep.Count, keep.Age.Milliseconds(), noRetry,
	).Slice()
	if err != nil {
		return failOutcome{}, broker.Unavailable("fail job", err)
	}
	if len(res) == 0 {
		return failOutcome{}, fmt.Errorf("fail %s: empty reply", q.name)
	}
	switch code := toInt64(res[0]); code {
	case -1:
		return failOutcome{}, ErrJobNotFound
	case -2:
		return failOutcome{}, ErrLockLost
	case 1:
		out := failOutcome{retry: true}
		if len(res) > 2 {
			out.attemptsMade = int(toInt64(res[1]))
			out.retryAt = time.UnixMilli(toInt64(res[2]))
		}
		j.AttemptsMade = out.attemptsMade
		j.FailedReason = cause.Error()
		j.Status = StatusDelayed
		if delay <= 0 {
			j.Status = StatusWaiting
		}
		q.publish(ctx, Event{
			Kind: EventFailed, JobID: j.ID, Name: j.Name,
			AttemptsMade: out.attemptsMade, FailedReason: cause.Error(), RetryAt: out.retryAt,
		})
		return out, nil
	default:
		out := failOutcome{}
		if len(res) > 1 {
			out.attemptsMade = int(toInt64(res[1]))
		}
		j.AttemptsMade = out.attemptsMade
		j.FailedReason = cause.Error()
		j.Status = StatusFailed
		j.FinishedAt = time.UnixMilli(now.UnixMilli())
		q.publish(ctx, Event{
			Kind: EventFailed, JobID: j.ID, Name: j.Name,
			AttemptsMade: out.attemptsMade, FailedReason: cause.Error(), Terminal: true,
		})
		return out, nil
	}
}

func (q *Queue) extendLock(ctx context.Context, j *Job, lock time.Duration) (bool, error) {
	deadline := q.now().Add(lock).UnixMilli()
	n, err := extendLockScript.Run(ctx, q.rdb, []string{q.keys.active}, q.keys.jobPrefix, j.ID, j.token, deadline).Int()
	if err != nil {
		return false, broker.Unavailable("extend lock", err)
	}
	return n == 1, nil
}

func (q *Queue) updateProgress(ctx context.Context, j *Job, progress int) error {
	if err := q.rdb.HSet(ctx, q.keys.job(j.ID), "progress", progress).Err(); err != nil {
		return broker.Unavailable("update progress", err)
	}
	q.publish(ctx, Event{Kind: EventProgress, JobID: j.ID, Name: j.Name, Progress: progress})
	return nil
}

type stalledJob struct {
	id     string
	failed bool
}

// recoverStalled returns expired active jobs to waiting, or fails them once
// they stalled more than maxStalled times.
func (q *Queue) recoverStalled(ctx context.Context, maxStalled int) ([]stalledJob, error) {
	res, err := stalledScript.Run(ctx, q.rdb,
		[]string{q.keys.active, q.keys.wait, q.keys.failed, q.keys.marker},
		q.keys.jobPrefix, q.now().UnixMilli(), maxStalled,
	).StringSlice()
	if err != nil {
		return nil, broker.Unavailable("recover stalled", err)
	}
	out := make([]stalledJob, 0, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		sj := stalledJob{id: res[i], failed: res[i+1] == string(StatusFailed)}
		out = append(out, sj)
		q.publish(ctx, Event{Kind: EventStalled, JobID: sj.id, Terminal: sj.failed})
	}
	return out, nil
}

// nextDelayed reports how long until the earliest delayed job is due.
func (q *Queue) nextDelayed(ctx context.Context) (time.Duration, bool, error) {
	zs, err := q.rdb.ZRangeWithScores(ctx, q.keys.delayed, 0, 0).Result()
	if err != nil {
		return 0, false, broker.Unavailable("next delayed", err)
	}
	if len(zs) == 0 {
		return 0, false, nil
	}
	d := time.UnixMilli(int64(zs[0].Score)).Sub(q.now())
	if d < 0 {
		d = 0
	}
	return d, true, nil
}

// waitForWork blocks on the marker list until a producer signals or timeout
// passes. It reports whether it was woken by a marker.
func (q *Queue) waitForWork(ctx context.Context, timeout time.Duration) (bool, error) {
	if timeout < time.Second {
		timeout = time.Second
	}
	_, err := q.rdb.BLPop(ctx, timeout, q.keys.marker).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, broker.Unavailable("wait "+q.name, err)
	}
	return true, nil
}

func (q *Queue) wake(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	_, err := q.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, q.keys.marker, "1")
		p.LTrim(ctx, q.keys.marker, 0, 0)
		return nil
	})
	if err != nil {
		q.log.Debug("wake workers failed", logx.Err(err))
	}
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	case float64:
		return int64(n)
	}
	return 0
}
