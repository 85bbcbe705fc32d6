// Package queue implements the durable background job queue on Redis.
//
// Storage layout:
//   - queue:pending    LIST of ready job ids, RPUSH on submit, BLPOP on pull
//   - queue:scheduled  ZSET of delayed and retrying job ids scored by ready time
//   - queue:leases     ZSET of in-flight job ids scored by lease deadline
//   - queue:dead       ZSET of dead job ids scored by finish time
//   - queue:job:<id>   JSON job record
//   - queue:idem:<key> idempotency key -> job id, 24h TTL
//   - task_status:<id> caller-visible progress extras, short TTL
//
// Jobs are persisted before they become visible, so dispatch is
// at-least-once: a worker crash returns the job to the queue via lease
// expiry and the next attempt re-runs the handler.
//
// Lifecycle: queued -> in_flight -> succeeded, or on handler error
// -> failed -> retry_scheduled (backoff grows base*2^(attempt-1), capped)
// until attempts exceed max_retries, then -> dead. Dead jobs are retained
// for inspection and purged by the janitor.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pulseframe/pulseframe/internal/config"
)

const (
	pendingKey      = "queue:pending"
	scheduledKey    = "queue:scheduled"
	leasesKey       = "queue:leases"
	deadKey         = "queue:dead"
	jobKeyPrefix    = "queue:job:"
	idemKeyPrefix   = "queue:idem:"
	statusKeyPrefix = "task_status:"

	idemTTL = 24 * time.Hour
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusQueued         Status = "queued"
	StatusInFlight       Status = "in_flight"
	StatusSucceeded      Status = "succeeded"
	StatusFailed         Status = "failed"
	StatusRetryScheduled Status = "retry_scheduled"
	StatusDead           Status = "dead"
)

// Terminal reports whether the status ends the job's lifecycle.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusDead
}

// ErrNotFound reports an unknown job id.
var ErrNotFound = errors.New("job not found")

// ErrNotCancelable reports a cancel attempt on a job that already left the
// queued state.
var ErrNotCancelable = errors.New("job is not cancelable")

// Job is the persisted record of one submission.
type Job struct {
	ID             string          `json:"id"`
	Function       string          `json:"function"`
	Args           json.RawMessage `json:"args"`
	Status         Status          `json:"status"`
	Attempt        int             `json:"attempt"`
	MaxRetries     int             `json:"max_retries"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	EnqueueTime    time.Time       `json:"enqueue_time"`
	ScheduledTime  time.Time       `json:"scheduled_time"`
	Deadline       *time.Time      `json:"deadline,omitempty"`
	StartTime      *time.Time      `json:"start_time,omitempty"`
	FinishTime     *time.Time      `json:"finish_time,omitempty"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// DecodeArgs unmarshals the job's argument payload into dest.
func (j *Job) DecodeArgs(dest any) error {
	if err := json.Unmarshal(j.Args, dest); err != nil {
		return fmt.Errorf("decode args for %s job %s: %w", j.Function, j.ID, err)
	}
	return nil
}

// Options tunes one submission.
type Options struct {
	// Delay postpones the first attempt.
	Delay time.Duration

	// Deadline, if set, expires the job: a worker that picks it up after
	// this instant marks it dead without running the handler.
	Deadline time.Time

	// IdempotencyKey deduplicates submissions: while a job with an equal
	// key is still pending, resubmission returns the existing job.
	IdempotencyKey string

	// MaxRetries overrides the configured retry budget. Nil means use the
	// default; a pointer to zero disables queue-level retries.
	MaxRetries *int
}

// StatusReport is the caller-visible merge of the job record and any
// progress extras the handler published.
type StatusReport struct {
	TaskID      string          `json:"task_id"`
	Status      Status          `json:"status"`
	Function    string          `json:"function"`
	Attempt     int             `json:"attempt"`
	EnqueueTime time.Time       `json:"enqueue_time"`
	StartTime   *time.Time      `json:"start_time,omitempty"`
	FinishTime  *time.Time      `json:"finish_time,omitempty"`
	NextRetryAt *time.Time      `json:"next_retry_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Progress    json.RawMessage `json:"progress,omitempty"`
}

// Client submits jobs and inspects their state. It is shared by the HTTP
// server (submission, status, cancel) and the worker (storage operations).
type Client struct {
	rdb *redis.Client
	cfg config.QueueSettings
	log zerolog.Logger
	now func() time.Time
}

// NewClient builds a queue client.
func NewClient(rdb *redis.Client, cfg config.QueueSettings, log zerolog.Logger) *Client {
	return &Client{
		rdb: rdb,
		cfg: cfg,
		log: log.With().Str("subsystem", "queue").Logger(),
		now: time.Now,
	}
}

func jobKey(id string) string    { return jobKeyPrefix + id }
func idemKey(key string) string  { return idemKeyPrefix + key }
func statusKey(id string) string { return statusKeyPrefix + id }

// Enqueue persists a job and makes it visible after opts.Delay. It returns
// the stored job, which may be a previously submitted one when an
// idempotency key matches a still-pending job.
func (c *Client) Enqueue(ctx context.Context, function string, args any, opts Options) (*Job, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode args for %s: %w", function, err)
	}

	now := c.now().UTC()
	job := &Job{
		ID:             uuid.NewString(),
		Function:       function,
		Args:           raw,
		Status:         StatusQueued,
		MaxRetries:     c.cfg.MaxRetries,
		IdempotencyKey: opts.IdempotencyKey,
		EnqueueTime:    now,
		ScheduledTime:  now.Add(opts.Delay),
	}
	if opts.MaxRetries != nil {
		job.MaxRetries = *opts.MaxRetries
	}
	if !opts.Deadline.IsZero() {
		d := opts.Deadline.UTC()
		job.Deadline = &d
	}

	if opts.IdempotencyKey != "" {
		existing, err := c.claimIdempotencyKey(ctx, opts.IdempotencyKey, job.ID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	if err := c.saveJob(ctx, job, 0); err != nil {
		return nil, err
	}
	if err := c.makeVisible(ctx, job); err != nil {
		return nil, err
	}

	c.log.Info().
		Str("job_id", job.ID).
		Str("function", function).
		Dur("delay", opts.Delay).
		Msg("job enqueued")
	return job, nil
}

// claimIdempotencyKey reserves key for jobID. It returns the existing job
// when the key is already held by a still-pending one.
func (c *Client) claimIdempotencyKey(ctx context.Context, key, jobID string) (*Job, error) {
	set, err := c.rdb.SetNX(ctx, idemKey(key), jobID, idemTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("claim idempotency key: %w", err)
	}
	if set {
		return nil, nil
	}
	existingID, err := c.rdb.Get(ctx, idemKey(key)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("read idempotency key: %w", err)
	}
	if existingID != "" {
		existing, err := c.Job(ctx, existingID)
		if err == nil && !existing.Status.Terminal() {
			return existing, nil
		}
	}
	// Stale key: the previous job finished or vanished. Take it over.
	if err := c.rdb.Set(ctx, idemKey(key), jobID, idemTTL).Err(); err != nil {
		return nil, fmt.Errorf("replace idempotency key: %w", err)
	}
	return nil, nil
}

// makeVisible places the job where workers will find it.
func (c *Client) makeVisible(ctx context.Context, job *Job) error {
	if job.ScheduledTime.After(c.now().UTC()) {
		err := c.rdb.ZAdd(ctx, scheduledKey, redis.Z{
			Score:  float64(job.ScheduledTime.Unix()),
			Member: job.ID,
		}).Err()
		if err != nil {
			return fmt.Errorf("schedule job %s: %w", job.ID, err)
		}
		return nil
	}
	if err := c.rdb.RPush(ctx, pendingKey, job.ID).Err(); err != nil {
		return fmt.Errorf("push job %s: %w", job.ID, err)
	}
	return nil
}

// saveJob persists the record, with an optional TTL for terminal jobs.
func (c *Client) saveJob(ctx context.Context, job *Job, ttl time.Duration) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	if err := c.rdb.Set(ctx, jobKey(job.ID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

// Job loads one job record.
func (c *Client) Job(ctx context.Context, id string) (*Job, error) {
	raw, err := c.rdb.Get(ctx, jobKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

// Status merges the job record with any published progress extras.
func (c *Client) Status(ctx context.Context, id string) (*StatusReport, error) {
	job, err := c.Job(ctx, id)
	if err != nil {
		return nil, err
	}
	report := &StatusReport{
		TaskID:      job.ID,
		Status:      job.Status,
		Function:    job.Function,
		Attempt:     job.Attempt,
		EnqueueTime: job.EnqueueTime,
		StartTime:   job.StartTime,
		FinishTime:  job.FinishTime,
		NextRetryAt: job.NextRetryAt,
		Result:      job.Result,
		Error:       job.Error,
	}
	progress, err := c.rdb.Get(ctx, statusKey(id)).Bytes()
	if err == nil {
		report.Progress = progress
	} else if err != redis.Nil {
		c.log.Warn().Err(err).Str("job_id", id).Msg("progress read failed")
	}
	return report, nil
}

// SetProgress publishes caller-visible progress extras for a running job.
// Entries expire with the configured result retention.
func (c *Client) SetProgress(ctx context.Context, id string, progress any) error {
	raw, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("encode progress for %s: %w", id, err)
	}
	ttl := time.Duration(c.cfg.KeepResult) * time.Second
	if err := c.rdb.Set(ctx, statusKey(id), raw, ttl).Err(); err != nil {
		return fmt.Errorf("save progress for %s: %w", id, err)
	}
	return nil
}

// Cancel removes a job that has not been leased yet. Cancelled jobs keep
// their record, marked dead, for the retention window.
func (c *Client) Cancel(ctx context.Context, id string) error {
	job, err := c.Job(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != StatusQueued && job.Status != StatusRetryScheduled {
		return ErrNotCancelable
	}

	removedList, err := c.rdb.LRem(ctx, pendingKey, 0, id).Result()
	if err != nil {
		return fmt.Errorf("cancel job %s: %w", id, err)
	}
	removedZSet, err := c.rdb.ZRem(ctx, scheduledKey, id).Result()
	if err != nil {
		return fmt.Errorf("cancel job %s: %w", id, err)
	}
	if removedList == 0 && removedZSet == 0 {
		// A worker got to it first.
		return ErrNotCancelable
	}

	now := c.now().UTC()
	job.Status = StatusDead
	job.Error = "cancelled before execution"
	job.FinishTime = &now
	if err := c.markDead(ctx, job); err != nil {
		return err
	}
	c.log.Info().Str("job_id", id).Msg("job cancelled")
	return nil
}

// markDead persists a terminal dead job and indexes it for the janitor.
func (c *Client) markDead(ctx context.Context, job *Job) error {
	if err := c.saveJob(ctx, job, 0); err != nil {
		return err
	}
	score := float64(c.now().UTC().Unix())
	if job.FinishTime != nil {
		score = float64(job.FinishTime.Unix())
	}
	if err := c.rdb.ZAdd(ctx, deadKey, redis.Z{Score: score, Member: job.ID}).Err(); err != nil {
		return fmt.Errorf("index dead job %s: %w", job.ID, err)
	}
	return nil
}

// PromoteScheduled moves jobs whose ready time has passed onto the pending
// list. Safe to call from many workers: ZRem decides a single winner per id.
func (c *Client) PromoteScheduled(ctx context.Context) (int, error) {
	now := c.now().UTC()
	ids, err := c.rdb.ZRangeByScore(ctx, scheduledKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.Unix()),
		Count: 100,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan scheduled jobs: %w", err)
	}
	promoted := 0
	for _, id := range ids {
		removed, err := c.rdb.ZRem(ctx, scheduledKey, id).Result()
		if err != nil {
			return promoted, fmt.Errorf("promote job %s: %w", id, err)
		}
		if removed == 0 {
			continue
		}
		job, err := c.Job(ctx, id)
		if err == nil {
			job.Status = StatusQueued
			if err := c.saveJob(ctx, job, 0); err != nil {
				c.log.Warn().Err(err).Str("job_id", id).Msg("promotion status write failed")
			}
		}
		if err := c.rdb.RPush(ctx, pendingKey, id).Err(); err != nil {
			return promoted, fmt.Errorf("promote job %s: %w", id, err)
		}
		promoted++
	}
	return promoted, nil
}

// ReapExpiredLeases returns jobs whose worker stopped heartbeating to the
// pending list for another attempt, or kills them when the retry budget is
// already spent.
func (c *Client) ReapExpiredLeases(ctx context.Context) (int, error) {
	now := c.now().UTC()
	ids, err := c.rdb.ZRangeByScore(ctx, leasesKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.Unix()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan expired leases: %w", err)
	}
	reaped := 0
	for _, id := range ids {
		removed, err := c.rdb.ZRem(ctx, leasesKey, id).Result()
		if err != nil {
			return reaped, fmt.Errorf("reap lease %s: %w", id, err)
		}
		if removed == 0 {
			continue
		}
		job, err := c.Job(ctx, id)
		if err != nil {
			c.log.Warn().Err(err).Str("job_id", id).Msg("leased job record missing")
			continue
		}
		if job.Status != StatusInFlight {
			continue
		}
		if job.Attempt > job.MaxRetries {
			finish := now
			job.Status = StatusDead
			job.Error = "lease expired after final attempt"
			job.FinishTime = &finish
			if err := c.markDead(ctx, job); err != nil {
				return reaped, err
			}
			c.log.Warn().Str("job_id", id).Int("attempt", job.Attempt).Msg("expired lease, job dead")
			continue
		}
		job.Status = StatusQueued
		if err := c.saveJob(ctx, job, 0); err != nil {
			return reaped, err
		}
		if err := c.rdb.RPush(ctx, pendingKey, id).Err(); err != nil {
			return reaped, fmt.Errorf("requeue job %s: %w", id, err)
		}
		reaped++
		c.log.Warn().Str("job_id", id).Int("attempt", job.Attempt).Msg("expired lease, job requeued")
	}
	return reaped, nil
}

// PurgeDead deletes dead job records older than the retention window.
func (c *Client) PurgeDead(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := c.now().UTC().Add(-olderThan)
	ids, err := c.rdb.ZRangeByScore(ctx, deadKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff.Unix()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan dead jobs: %w", err)
	}
	purged := 0
	for _, id := range ids {
		if err := c.rdb.Del(ctx, jobKey(id)).Err(); err != nil {
			return purged, fmt.Errorf("purge job %s: %w", id, err)
		}
		if err := c.rdb.ZRem(ctx, deadKey, id).Err(); err != nil {
			return purged, fmt.Errorf("purge job %s: %w", id, err)
		}
		purged++
	}
	if purged > 0 {
		c.log.Info().Int("purged", purged).Msg("dead jobs purged")
	}
	return purged, nil
}
