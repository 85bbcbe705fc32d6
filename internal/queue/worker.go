package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// HandlerFunc executes one attempt of a job. The returned value is stored
// as the job result; a non-nil error routes the job through the retry
// machinery.
type HandlerFunc func(ctx context.Context, job *Job) (any, error)

// EventSink receives task lifecycle events for webhook fan-out.
type EventSink interface {
	Trigger(ctx context.Context, event string, data any)
}

// Notifier pushes task lifecycle frames to websocket subscribers.
type Notifier interface {
	TaskEvent(ctx context.Context, event, jobID string, data any)
}

// Worker pulls jobs from the queue and runs registered handlers. Each of
// its goroutines holds at most one leased job at a time and heartbeats the
// lease while the handler runs.
type Worker struct {
	client      *Client
	handlers    map[string]HandlerFunc
	events      EventSink
	notifier    Notifier
	concurrency int
	popTimeout  time.Duration
	log         zerolog.Logger

	// OnResult, when set before Run starts, observes every finished attempt
	// with the job's function name and outcome (succeeded, retry_scheduled
	// or dead).
	OnResult func(function string, status Status)
}

// NewWorker builds a worker. events and notifier may be nil when lifecycle
// fan-out is not wanted.
func NewWorker(client *Client, events EventSink, notifier Notifier, log zerolog.Logger) *Worker {
	concurrency := client.cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		client:      client,
		handlers:    make(map[string]HandlerFunc),
		events:      events,
		notifier:    notifier,
		concurrency: concurrency,
		popTimeout:  2 * time.Second,
		log:         log.With().Str("subsystem", "worker").Logger(),
	}
}

// Register maps a function name to its handler. Not safe to call after Run.
func (w *Worker) Register(function string, handler HandlerFunc) {
	w.handlers[function] = handler
}

// Run processes jobs until ctx is cancelled, then waits for in-flight
// handlers to finish.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info().Int("concurrency", w.concurrency).Msg("worker started")
	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				if err := w.processOne(ctx); err != nil && ctx.Err() == nil {
					w.log.Error().Err(err).Msg("queue poll failed")
					select {
					case <-time.After(time.Second):
					case <-ctx.Done():
					}
				}
			}
		}()
	}
	wg.Wait()
	w.log.Info().Msg("worker stopped")
}

// processOne promotes due scheduled jobs, pulls one pending job, and runs
// it to a terminal or retry-scheduled state.
func (w *Worker) processOne(ctx context.Context) error {
	if _, err := w.client.PromoteScheduled(ctx); err != nil {
		return err
	}

	res, err := w.client.rdb.BLPop(ctx, w.popTimeout, pendingKey).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("pop pending job: %w", err)
	}

	// Once popped the job must reach a stored outcome even if the worker
	// is shutting down, so everything below uses a detached context.
	detached := context.WithoutCancel(ctx)
	job, err := w.lease(detached, res[1])
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}
	w.execute(detached, job)
	return nil
}

// lease claims a popped job: bumps the attempt counter, marks it in flight,
// and registers a lease deadline for the reaper. It returns nil without
// error when the job should be skipped.
func (w *Worker) lease(ctx context.Context, id string) (*Job, error) {
	job, err := w.client.Job(ctx, id)
	if err == ErrNotFound {
		w.log.Warn().Str("job_id", id).Msg("popped job has no record")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := w.client.now().UTC()
	if job.Deadline != nil && now.After(*job.Deadline) {
		job.Status = StatusDead
		job.Error = "deadline expired before execution"
		job.FinishTime = &now
		if err := w.client.markDead(ctx, job); err != nil {
			return nil, err
		}
		w.log.Warn().Str("job_id", id).Str("function", job.Function).Msg("job expired before execution")
		return nil, nil
	}

	job.Attempt++
	job.Status = StatusInFlight
	job.StartTime = &now
	job.NextRetryAt = nil
	if err := w.client.saveJob(ctx, job, 0); err != nil {
		return nil, err
	}
	deadline := now.Add(time.Duration(w.client.cfg.LeaseTTL) * time.Second)
	err = w.client.rdb.ZAdd(ctx, leasesKey, redis.Z{Score: float64(deadline.Unix()), Member: id}).Err()
	if err != nil {
		return nil, fmt.Errorf("lease job %s: %w", id, err)
	}
	return job, nil
}

func (w *Worker) execute(ctx context.Context, job *Job) {
	w.log.Info().
		Str("job_id", job.ID).
		Str("function", job.Function).
		Int("attempt", job.Attempt).
		Msg("job started")
	w.notifyTask(ctx, "task_started", job, map[string]any{
		"function": job.Function,
		"attempt":  job.Attempt,
	})
	w.triggerEvent(ctx, "task.started", map[string]any{
		"task_id":  job.ID,
		"function": job.Function,
		"attempt":  job.Attempt,
	})

	handler, ok := w.handlers[job.Function]
	var result any
	var err error
	if !ok {
		err = fmt.Errorf("no handler registered for %q", job.Function)
	} else {
		stop := w.heartbeat(ctx, job.ID)
		// The handler runs under the job timeout, not the worker's
		// context: shutdown must let in-flight jobs finish.
		jobCtx, cancel := context.WithTimeout(ctx, time.Duration(w.client.cfg.JobTimeout)*time.Second)
		result, err = w.runHandler(jobCtx, handler, job)
		cancel()
		stop()
	}

	if err != nil {
		w.finalizeFailure(ctx, job, err)
		return
	}
	w.finalizeSuccess(ctx, job, result)
}

// runHandler isolates handler panics into ordinary errors so one bad job
// cannot take the worker goroutine down.
func (w *Worker) runHandler(ctx context.Context, handler HandlerFunc, job *Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

// heartbeat extends the job's lease while the handler runs. The returned
// stop function must be called exactly once.
func (w *Worker) heartbeat(ctx context.Context, id string) (stop func()) {
	done := make(chan struct{})
	leaseTTL := time.Duration(w.client.cfg.LeaseTTL) * time.Second
	interval := leaseTTL / 3
	if interval < time.Second {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				deadline := w.client.now().UTC().Add(leaseTTL)
				err := w.client.rdb.ZAdd(ctx, leasesKey, redis.Z{
					Score:  float64(deadline.Unix()),
					Member: id,
				}).Err()
				if err != nil {
					w.log.Warn().Err(err).Str("job_id", id).Msg("lease heartbeat failed")
				}
			}
		}
	}()
	return func() { close(done) }
}

func (w *Worker) finalizeSuccess(ctx context.Context, job *Job, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		w.log.Warn().Err(err).Str("job_id", job.ID).Msg("job result not serializable")
		raw = nil
	}
	now := w.client.now().UTC()
	job.Status = StatusSucceeded
	job.Result = raw
	job.FinishTime = &now
	job.Error = ""
	ttl := time.Duration(w.client.cfg.KeepResult) * time.Second
	if err := w.client.saveJob(ctx, job, ttl); err != nil {
		w.log.Error().Err(err).Str("job_id", job.ID).Msg("job finalize failed")
	}
	w.releaseLease(ctx, job.ID)
	w.observe(job.Function, StatusSucceeded)

	w.log.Info().
		Str("job_id", job.ID).
		Str("function", job.Function).
		Int("attempt", job.Attempt).
		Msg("job succeeded")
	w.notifyTask(ctx, "task_completed", job, map[string]any{
		"function": job.Function,
		"result":   result,
	})
	w.triggerEvent(ctx, "task.completed", map[string]any{
		"task_id":  job.ID,
		"function": job.Function,
		"attempt":  job.Attempt,
		"result":   result,
	})
}

func (w *Worker) finalizeFailure(ctx context.Context, job *Job, jobErr error) {
	// The failed state is written out before the retry decision so status
	// readers observe the real transition.
	job.Status = StatusFailed
	job.Error = jobErr.Error()
	if err := w.client.saveJob(ctx, job, 0); err != nil {
		w.log.Error().Err(err).Str("job_id", job.ID).Msg("job finalize failed")
	}
	w.releaseLease(ctx, job.ID)

	if job.Attempt > job.MaxRetries {
		now := w.client.now().UTC()
		job.Status = StatusDead
		job.FinishTime = &now
		if err := w.client.markDead(ctx, job); err != nil {
			w.log.Error().Err(err).Str("job_id", job.ID).Msg("job finalize failed")
		}
		w.observe(job.Function, StatusDead)
		w.log.Error().
			Err(jobErr).
			Str("job_id", job.ID).
			Str("function", job.Function).
			Int("attempt", job.Attempt).
			Msg("job dead, retries exhausted")
		w.notifyTask(ctx, "task_failed", job, map[string]any{
			"function": job.Function,
			"error":    job.Error,
		})
		w.triggerEvent(ctx, "task.failed", map[string]any{
			"task_id":  job.ID,
			"function": job.Function,
			"attempts": job.Attempt,
			"error":    job.Error,
		})
		return
	}

	delay := w.client.retryDelay(job.Attempt)
	next := w.client.now().UTC().Add(delay)
	job.Status = StatusRetryScheduled
	job.NextRetryAt = &next
	if err := w.client.saveJob(ctx, job, 0); err != nil {
		w.log.Error().Err(err).Str("job_id", job.ID).Msg("job finalize failed")
	}
	err := w.client.rdb.ZAdd(ctx, scheduledKey, redis.Z{
		Score:  float64(next.Unix()),
		Member: job.ID,
	}).Err()
	if err != nil {
		w.log.Error().Err(err).Str("job_id", job.ID).Msg("retry scheduling failed")
	}
	w.observe(job.Function, StatusRetryScheduled)
	w.log.Warn().
		Err(jobErr).
		Str("job_id", job.ID).
		Str("function", job.Function).
		Int("attempt", job.Attempt).
		Dur("retry_in", delay).
		Msg("job failed, retry scheduled")
}

func (w *Worker) observe(function string, status Status) {
	if w.OnResult != nil {
		w.OnResult(function, status)
	}
}

func (w *Worker) releaseLease(ctx context.Context, id string) {
	if err := w.client.rdb.ZRem(ctx, leasesKey, id).Err(); err != nil {
		w.log.Warn().Err(err).Str("job_id", id).Msg("lease release failed")
	}
}

func (w *Worker) notifyTask(ctx context.Context, event string, job *Job, data any) {
	if w.notifier == nil {
		return
	}
	w.notifier.TaskEvent(ctx, event, job.ID, data)
}

func (w *Worker) triggerEvent(ctx context.Context, event string, data any) {
	if w.events == nil {
		return
	}
	w.events.Trigger(ctx, event, data)
}

// retryDelay doubles the base backoff per completed attempt, capped at the
// configured ceiling.
func (c *Client) retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := time.Duration(c.cfg.BackoffBase) * time.Second
	ceiling := time.Duration(c.cfg.BackoffCeiling) * time.Second
	delay := base
	for i := 1; i < attempt && delay < ceiling; i++ {
		delay *= 2
	}
	if delay > ceiling {
		delay = ceiling
	}
	return delay
}
