// Package queue implements a durable at-least-once job queue on Redis with
// job-id de-duplication, exponential retry backoff and bounded retention of
// finished jobs.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

var (
	ErrLockLost    = errors.New("job lock lost")
	ErrJobNotFound = errors.New("job not found")
)

// Options configure a Queue. Zero values take the defaults below.
type Options struct {
	Prefix        string
	Attempts      int
	Backoff       time.Duration
	KeepCompleted int64
	KeepFailed    int64
	LockDuration  time.Duration
}

const (
	DefaultAttempts     = 5
	DefaultBackoff      = time.Second
	DefaultKeep         = 1000
	DefaultLockDuration = 30 * time.Second
)

func (o *Options) applyDefaults() {
	if o.Prefix == "" {
		o.Prefix = "lims"
	}
	if o.Attempts <= 0 {
		o.Attempts = DefaultAttempts
	}
	if o.Backoff <= 0 {
		o.Backoff = DefaultBackoff
	}
	if o.KeepCompleted <= 0 {
		o.KeepCompleted = DefaultKeep
	}
	if o.KeepFailed <= 0 {
		o.KeepFailed = DefaultKeep
	}
	if o.LockDuration <= 0 {
		o.LockDuration = DefaultLockDuration
	}
}

// Job is a snapshot of a queued job. Token identifies the lock held by the
// consumer that dequeued it.
type Job struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Data         json.RawMessage `json:"data"`
	State        State           `json:"state"`
	Attempts     int             `json:"attempts"`
	AttemptsMade int             `json:"attemptsMade"`
	FailedReason string          `json:"failedReason,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	ProcessedAt  time.Time       `json:"processedAt,omitempty"`
	FinishedAt   time.Time       `json:"finishedAt,omitempty"`

	token string
}

type Queue struct {
	client redis.UniversalClient
	name   string
	opts   Options
	now    func() time.Time
}

func New(client redis.UniversalClient, name string, opts Options) *Queue {
	opts.applyDefaults()
	return &Queue{client: client, name: name, opts: opts, now: time.Now}
}

// SetClock replaces the time source. Used by tests to step past backoff delays.
func (q *Queue) SetClock(now func() time.Time) { q.now = now }

func (q *Queue) Name() string { return q.name }
func (q *Queue) Options() Options { return q.opts }

func (q *Queue) prefix() string { return fmt.Sprintf("%s:queue:%s:", q.opts.Prefix, q.name) }
func (q *Queue) key(part string) string { return q.prefix() + part }
func (q *Queue) jobKey(id string) string { return q.prefix() + "job:" + id }

func ms(t time.Time) int64 { return t.UnixMilli() }

// Enqueue adds a job unless one with the same id is waiting, delayed or
// active. A finished job with the same id is replaced. It reports whether a
// new job was created.
func (q *Queue) Enqueue(ctx context.Context, id, name string, data []byte) (bool, error) {
	if id == "" {
		return false, fmt.Errorf("enqueue: job id is required")
	}
	res, err := enqueueScript.Run(ctx, q.client,
		[]string{q.jobKey(id), q.key("wait"), q.key("completed"), q.key("failed")},
		id, name, string(data), q.opts.Attempts, q.opts.Backoff.Milliseconds(), ms(q.now()),
	).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", id, err)
	}
	return res == 1, nil
}

// Dequeue promotes due delayed jobs and claims the oldest waiting job. It
// returns (nil, nil) when nothing is ready.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	now := q.now()
	token := uuid.NewString()
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.key("wait"), q.key("delayed"), q.key("active")},
		q.prefix(), ms(now), ms(now.Add(q.opts.LockDuration)), token,
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	fields, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("dequeue: unexpected reply %T", res)
	}
	job, err := parseJob(pairs(fields))
	if err != nil {
		return nil, err
	}
	job.token = token
	return job, nil
}

// ExtendLock keeps an active job from being treated as stalled.
func (q *Queue) ExtendLock(ctx context.Context, job *Job) error {
	res, err := extendLockScript.Run(ctx, q.client,
		[]string{q.jobKey(job.ID), q.key("active")},
		job.ID, job.token, ms(q.now().Add(q.opts.LockDuration)),
	).Int()
	if err != nil {
		return fmt.Errorf("extend lock %s: %w", job.ID, err)
	}
	if res == 0 {
		return ErrLockLost
	}
	return nil
}

// Complete marks the job completed and prunes completed jobs beyond retention.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	res, err := completeScript.Run(ctx, q.client,
		[]string{q.jobKey(job.ID), q.key("active"), q.key("completed")},
		job.ID, job.token, ms(q.now()), q.opts.KeepCompleted, q.prefix(),
	).Int()
	if err != nil {
		return fmt.Errorf("complete %s: %w", job.ID, err)
	}
	if res == 0 {
		return ErrLockLost
	}
	return nil
}

// BackoffFor returns the delay before retrying after the given attempt
// (1-based): base * 2^(attempt-1).
func (q *Queue) BackoffFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(q.opts.Backoff) * math.Pow(2, float64(attempt-1)))
}

// Fail records the failure. The job is scheduled again after its backoff
// while attempts remain and cause is not Unrecoverable; otherwise it moves to
// the failed set. It reports whether a retry was scheduled.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) (bool, error) {
	now := q.now()
	retry := !IsUnrecoverable(cause) && job.AttemptsMade < job.Attempts
	readyAt := now.Add(q.BackoffFor(job.AttemptsMade))

	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	retryFlag := "0"
	if retry {
		retryFlag = "1"
	}

	res, err := failScript.Run(ctx, q.client,
		[]string{q.jobKey(job.ID), q.key("active"), q.key("delayed"), q.key("failed")},
		job.ID, job.token, ms(now), reason, retryFlag, ms(readyAt), q.opts.KeepFailed, q.prefix(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("fail %s: %w", job.ID, err)
	}
	if res == 0 {
		return false, ErrLockLost
	}
	return res == 1, nil
}

// StalledJobReason is the failedReason of a job that stalled on its last attempt.
const StalledJobReason = "job stalled after its last attempt"

// RecoverStalled returns active jobs whose lock expired to the wait list.
// Jobs that stalled on their last attempt move to the failed set instead and
// are returned so the caller can record the failure; failed-set retention
// applies to them as it does in Fail.
func (q *Queue) RecoverStalled(ctx context.Context) (int, []*Job, error) {
	now := q.now()
	res, err := recoverStalledScript.Run(ctx, q.client,
		[]string{q.key("active"), q.key("wait"), q.key("failed")},
		q.prefix(), ms(now), q.opts.KeepFailed,
	).Slice()
	if err != nil {
		return 0, nil, fmt.Errorf("recover stalled: %w", err)
	}
	if len(res) == 0 {
		return 0, nil, nil
	}
	requeued, _ := res[0].(int64)

	var exhausted []*Job
	for i := 1; i+1 < len(res); i += 2 {
		id, _ := res[i].(string)
		data, _ := res[i+1].(string)
		exhausted = append(exhausted, &Job{
			ID:           id,
			Data:         json.RawMessage(data),
			State:        StateFailed,
			FailedReason: StalledJobReason,
			FinishedAt:   time.UnixMilli(ms(now)),
		})
	}
	return int(requeued), exhausted, nil
}

// Counts returns the number of jobs per state.
func (q *Queue) Counts(ctx context.Context) (map[State]int64, error) {
	pipe := q.client.Pipeline()
	wait := pipe.LLen(ctx, q.key("wait"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	active := pipe.ZCard(ctx, q.key("active"))
	completed := pipe.ZCard(ctx, q.key("completed"))
	failed := pipe.ZCard(ctx, q.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue counts: %w", err)
	}
	return map[State]int64{
		StateWaiting:   wait.Val(),
		StateDelayed:   delayed.Val(),
		StateActive:    active.Val(),
		StateCompleted: completed.Val(),
		StateFailed:    failed.Val(),
	}, nil
}

// Jobs lists up to limit jobs in a state, newest finished first for the
// completed and failed sets and queue order otherwise.
func (q *Queue) Jobs(ctx context.Context, state State, limit int64) ([]*Job, error) {
	if limit <= 0 {
		limit = 20
	}
	var ids []string
	var err error
	switch state {
	case StateWaiting:
		ids, err = q.client.LRange(ctx, q.key("wait"), 0, limit-1).Result()
	case StateDelayed, StateActive:
		ids, err = q.client.ZRange(ctx, q.key(string(state)), 0, limit-1).Result()
	case StateCompleted, StateFailed:
		ids, err = q.client.ZRevRange(ctx, q.key(string(state)), 0, limit-1).Result()
	default:
		return nil, fmt.Errorf("unknown job state %q", state)
	}
	if err != nil {
		return nil, fmt.Errorf("list %s jobs: %w", state, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.Pipeline()
	cmds := make([]*redis.StringStringMapCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, q.jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load %s jobs: %w", state, err)
	}

	jobs := make([]*Job, 0, len(ids))
	for _, cmd := range cmds {
		if len(cmd.Val()) == 0 {
			continue
		}
		job, err := parseJob(cmd.Val())
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	return parseJob(fields)
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func pairs(flat []interface{}) map[string]string {
	m := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		k, _ := flat[i].(string)
		v, _ := flat[i+1].(string)
		m[k] = v
	}
	return m
}

func parseJob(f map[string]string) (*Job, error) {
	job := &Job{
		ID:           f["id"],
		Name:         f["name"],
		State:        State(f["state"]),
		FailedReason: f["failedReason"],
	}
	if d := f["data"]; d != "" {
		job.Data = json.RawMessage(d)
	}
	var err error
	if job.Attempts, err = atoiField(f, "attempts"); err != nil {
		return nil, err
	}
	if job.AttemptsMade, err = atoiField(f, "attemptsMade"); err != nil {
		return nil, err
	}
	job.CreatedAt = msField(f, "createdAt")
	job.ProcessedAt = msField(f, "processedAt")
	job.FinishedAt = msField(f, "finishedAt")
	return job, nil
}

func atoiField(f map[string]string, name string) (int, error) {
	v, ok := f[name]
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("job %s: field %s: %w", f["id"], name, err)
	}
	return n, nil
}

func msField(f map[string]string, name string) time.Time {
	n, err := strconv.ParseInt(f[name], 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.UnixMilli(n).UTC()
}
