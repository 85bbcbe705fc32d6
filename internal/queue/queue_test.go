package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseframe/pulseframe/internal/config"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func defaultTestSettings() config.QueueSettings {
	return config.QueueSettings{
		Concurrency:    1,
		MaxRetries:     3,
		JobTimeout:     5,
		KeepResult:     3600,
		LeaseTTL:       60,
		BackoffBase:    1,
		BackoffCeiling: 3600,
	}
}

func newTestQueue(t *testing.T, cfg config.QueueSettings) (*Client, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clk := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	c := NewClient(rdb, cfg, zerolog.Nop())
	c.now = clk.Now
	return c, clk
}

func newTestWorker(c *Client) *Worker {
	w := NewWorker(c, nil, nil, zerolog.Nop())
	w.popTimeout = 100 * time.Millisecond
	return w
}

func intPtr(v int) *int { return &v }

func TestEnqueueFIFOOrder(t *testing.T) {
	c, _ := newTestQueue(t, defaultTestSettings())
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		job, err := c.Enqueue(ctx, "noop", map[string]any{"n": i}, Options{})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	var ran []string
	w := newTestWorker(c)
	w.Register("noop", func(ctx context.Context, job *Job) (any, error) {
		ran = append(ran, job.ID)
		return nil, nil
	})
	for i := 0; i < 3; i++ {
		require.NoError(t, w.processOne(ctx))
	}
	assert.Equal(t, ids, ran)
}

func TestEnqueueStoresArgsAndDefaults(t *testing.T) {
	c, clk := newTestQueue(t, defaultTestSettings())
	ctx := context.Background()

	job, err := c.Enqueue(ctx, "send_single_email", map[string]any{"to_email": "a@example.com"}, Options{})
	require.NoError(t, err)

	stored, err := c.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, stored.Status)
	assert.Equal(t, 3, stored.MaxRetries)
	assert.Equal(t, 0, stored.Attempt)
	assert.True(t, stored.EnqueueTime.Equal(clk.Now()))

	var args map[string]any
	require.NoError(t, stored.DecodeArgs(&args))
	assert.Equal(t, "a@example.com", args["to_email"])
}

func TestDelayedJobInvisibleUntilDue(t *testing.T) {
	c, clk := newTestQueue(t, defaultTestSettings())
	ctx := context.Background()

	job, err := c.Enqueue(ctx, "noop", nil, Options{Delay: time.Hour})
	require.NoError(t, err)

	ran := false
	w := newTestWorker(c)
	w.Register("noop", func(ctx context.Context, job *Job) (any, error) {
		ran = true
		return nil, nil
	})

	require.NoError(t, w.processOne(ctx))
	assert.False(t, ran, "delayed job must stay invisible")

	clk.Advance(time.Hour + time.Second)
	require.NoError(t, w.processOne(ctx))
	assert.True(t, ran)

	stored, err := c.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, stored.Status)
}

func TestIdempotencyKeyDeduplicates(t *testing.T) {
	c, _ := newTestQueue(t, defaultTestSettings())
	ctx := context.Background()

	first, err := c.Enqueue(ctx, "noop", nil, Options{IdempotencyKey: "media-7-process"})
	require.NoError(t, err)

	dup, err := c.Enqueue(ctx, "noop", nil, Options{IdempotencyKey: "media-7-process"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, dup.ID, "pending job must be reused")

	pending, err := c.rdb.LRange(ctx, pendingKey, 0, -1).Result()
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	w := newTestWorker(c)
	w.Register("noop", func(ctx context.Context, job *Job) (any, error) { return nil, nil })
	require.NoError(t, w.processOne(ctx))

	fresh, err := c.Enqueue(ctx, "noop", nil, Options{IdempotencyKey: "media-7-process"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, fresh.ID, "terminal job must release its key")
}

func TestRetryBackoffDoublesPerAttempt(t *testing.T) {
	c, clk := newTestQueue(t, defaultTestSettings())
	ctx := context.Background()
	start := clk.Now().UTC()

	job, err := c.Enqueue(ctx, "flaky", nil, Options{})
	require.NoError(t, err)

	w := newTestWorker(c)
	w.Register("flaky", func(ctx context.Context, job *Job) (any, error) {
		return nil, errors.New("kaboom")
	})

	// Attempts land at t+0, t+1, t+3 and t+7 with a one second base.
	waits := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, wait := range waits {
		require.NoError(t, w.processOne(ctx))

		stored, err := c.Job(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusRetryScheduled, stored.Status)
		assert.Equal(t, i+1, stored.Attempt)
		assert.Equal(t, "kaboom", stored.Error)
		require.NotNil(t, stored.NextRetryAt)
		assert.True(t, stored.NextRetryAt.Equal(clk.Now().Add(wait)))

		score, err := c.rdb.ZScore(ctx, scheduledKey, job.ID).Result()
		require.NoError(t, err)
		assert.Equal(t, float64(stored.NextRetryAt.Unix()), score)

		clk.Advance(wait)
	}

	// Fourth attempt exhausts the budget of three retries.
	require.NoError(t, w.processOne(ctx))
	stored, err := c.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDead, stored.Status)
	assert.Equal(t, 4, stored.Attempt)
	require.NotNil(t, stored.FinishTime)
	assert.True(t, stored.FinishTime.Equal(start.Add(7*time.Second)))

	n, err := c.rdb.ZCard(ctx, deadKey).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	n, err = c.rdb.ZCard(ctx, leasesKey).Result()
	require.NoError(t, err)
	assert.Zero(t, n, "dead job must not hold a lease")
}

func TestMaxRetriesOverrideZeroDisablesRetries(t *testing.T) {
	c, _ := newTestQueue(t, defaultTestSettings())
	ctx := context.Background()

	job, err := c.Enqueue(ctx, "flaky", nil, Options{MaxRetries: intPtr(0)})
	require.NoError(t, err)

	w := newTestWorker(c)
	w.Register("flaky", func(ctx context.Context, job *Job) (any, error) {
		return nil, errors.New("kaboom")
	})
	require.NoError(t, w.processOne(ctx))

	stored, err := c.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDead, stored.Status)
	assert.Equal(t, 1, stored.Attempt)
}

func TestUnknownFunctionFailsAttempt(t *testing.T) {
	c, _ := newTestQueue(t, defaultTestSettings())
	ctx := context.Background()

	job, err := c.Enqueue(ctx, "nope", nil, Options{MaxRetries: intPtr(0)})
	require.NoError(t, err)

	w := newTestWorker(c)
	require.NoError(t, w.processOne(ctx))

	stored, err := c.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDead, stored.Status)
	assert.Contains(t, stored.Error, "no handler registered")
}

func TestHandlerPanicBecomesFailure(t *testing.T) {
	c, _ := newTestQueue(t, defaultTestSettings())
	ctx := context.Background()

	job, err := c.Enqueue(ctx, "panicky", nil, Options{MaxRetries: intPtr(0)})
	require.NoError(t, err)

	w := newTestWorker(c)
	w.Register("panicky", func(ctx context.Context, job *Job) (any, error) {
		panic("boom")
	})
	require.NoError(t, w.processOne(ctx))

	stored, err := c.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDead, stored.Status)
	assert.Contains(t, stored.Error, "handler panic: boom")
}

func TestSuccessStoresResultWithRetention(t *testing.T) {
	c, _ := newTestQueue(t, defaultTestSettings())
	ctx := context.Background()

	job, err := c.Enqueue(ctx, "sum", nil, Options{})
	require.NoError(t, err)

	w := newTestWorker(c)
	w.Register("sum", func(ctx context.Context, job *Job) (any, error) {
		return map[string]any{"total": 10, "sent": 9, "failed": 1}, nil
	})
	require.NoError(t, w.processOne(ctx))

	stored, err := c.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, stored.Status)

	var result map[string]any
	require.NoError(t, json.Unmarshal(stored.Result, &result))
	assert.Equal(t, float64(9), result["sent"])

	ttl, err := c.rdb.TTL(ctx, jobKey(job.ID)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0), "finished job must expire")
}

func TestCancelQueuedJob(t *testing.T) {
	c, _ := newTestQueue(t, defaultTestSettings())
	ctx := context.Background()

	job, err := c.Enqueue(ctx, "noop", nil, Options{})
	require.NoError(t, err)
	require.NoError(t, c.Cancel(ctx, job.ID))

	stored, err := c.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDead, stored.Status)
	assert.Equal(t, "cancelled before execution", stored.Error)

	n, err := c.rdb.LLen(ctx, pendingKey).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCancelScheduledJob(t *testing.T) {
	c, _ := newTestQueue(t, defaultTestSettings())
	ctx := context.Background()

	job, err := c.Enqueue(ctx, "noop", nil, Options{Delay: time.Hour})
	require.NoError(t, err)
	require.NoError(t, c.Cancel(ctx, job.ID))

	n, err := c.rdb.ZCard(ctx, scheduledKey).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCancelLeasedJobRejected(t *testing.T) {
	c, _ := newTestQueue(t, defaultTestSettings())
	ctx := context.Background()

	job, err := c.Enqueue(ctx, "noop", nil, Options{})
	require.NoError(t, err)

	w := newTestWorker(c)
	id, err := c.rdb.LPop(ctx, pendingKey).Result()
	require.NoError(t, err)
	_, err = w.lease(ctx, id)
	require.NoError(t, err)

	assert.ErrorIs(t, c.Cancel(ctx, job.ID), ErrNotCancelable)
}

func TestCancelFinishedJobRejected(t *testing.T) {
	c, _ := newTestQueue(t, defaultTestSettings())
	ctx := context.Background()

	job, err := c.Enqueue(ctx, "noop", nil, Options{})
	require.NoError(t, err)

	w := newTestWorker(c)
	w.Register("noop", func(ctx context.Context, job *Job) (any, error) { return nil, nil })
	require.NoError(t, w.processOne(ctx))

	assert.ErrorIs(t, c.Cancel(ctx, job.ID), ErrNotCancelable)
}

func TestCancelUnknownJob(t *testing.T) {
	c, _ := newTestQueue(t, defaultTestSettings())
	assert.ErrorIs(t, c.Cancel(context.Background(), "missing"), ErrNotFound)
}

func TestDeadlineExpiredBeforeExecution(t *testing.T) {
	c, clk := newTestQueue(t, defaultTestSettings())
	ctx := context.Background()

	job, err := c.Enqueue(ctx, "noop", nil, Options{Deadline: clk.Now().Add(time.Minute)})
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)

	ran := false
	w := newTestWorker(c)
	w.Register("noop", func(ctx context.Context, job *Job) (any, error) {
		ran = true
		return nil, nil
	})
	require.NoError(t, w.processOne(ctx))

	assert.False(t, ran, "expired job must not run")
	stored, err := c.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDead, stored.Status)
	assert.Equal(t, "deadline expired before execution", stored.Error)
}

func TestReapExpiredLeaseRequeues(t *testing.T) {
	c, clk := newTestQueue(t, defaultTestSettings())
	ctx := context.Background()

	job, err := c.Enqueue(ctx, "noop", nil, Options{})
	require.NoError(t, err)

	w := newTestWorker(c)
	id, err := c.rdb.LPop(ctx, pendingKey).Result()
	require.NoError(t, err)
	leased, err := w.lease(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusInFlight, leased.Status)

	// No heartbeat arrives before the lease deadline passes.
	clk.Advance(61 * time.Second)
	reaped, err := c.ReapExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	stored, err := c.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, stored.Status)
	assert.Equal(t, 1, stored.Attempt, "attempt already spent stays counted")

	pending, err := c.rdb.LRange(ctx, pendingKey, 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, pending)
}

func TestReapExpiredLeaseKillsExhaustedJob(t *testing.T) {
	c, clk := newTestQueue(t, defaultTestSettings())
	ctx := context.Background()

	now := clk.Now().UTC()
	job := &Job{
		ID:          "stuck-1",
		Function:    "noop",
		Args:        json.RawMessage(`null`),
		Status:      StatusInFlight,
		Attempt:     4,
		MaxRetries:  3,
		EnqueueTime: now,
		StartTime:   &now,
	}
	require.NoError(t, c.saveJob(ctx, job, 0))
	require.NoError(t, c.rdb.ZAdd(ctx, leasesKey, redis.Z{
		Score:  float64(now.Add(-time.Minute).Unix()),
		Member: job.ID,
	}).Err())

	reaped, err := c.ReapExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Zero(t, reaped, "killed jobs are not requeued")

	stored, err := c.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDead, stored.Status)
	assert.Contains(t, stored.Error, "lease expired")
}

func TestHeartbeatExtendsLease(t *testing.T) {
	cfg := defaultTestSettings()
	c, clk := newTestQueue(t, cfg)
	ctx := context.Background()

	_, err := c.Enqueue(ctx, "slow", nil, Options{})
	require.NoError(t, err)

	w := newTestWorker(c)
	id, err := c.rdb.LPop(ctx, pendingKey).Result()
	require.NoError(t, err)
	_, err = w.lease(ctx, id)
	require.NoError(t, err)

	before, err := c.rdb.ZScore(ctx, leasesKey, id).Result()
	require.NoError(t, err)

	clk.Advance(30 * time.Second)
	stop := w.heartbeat(ctx, id)
	defer stop()

	require.Eventually(t, func() bool {
		after, err := c.rdb.ZScore(ctx, leasesKey, id).Result()
		return err == nil && after > before
	}, 3*time.Second, 50*time.Millisecond, "heartbeat must push the deadline forward")
}

func TestStatusMergesProgress(t *testing.T) {
	c, _ := newTestQueue(t, defaultTestSettings())
	ctx := context.Background()

	job, err := c.Enqueue(ctx, "process_media", map[string]any{"media_id": 7}, Options{})
	require.NoError(t, err)
	require.NoError(t, c.SetProgress(ctx, job.ID, map[string]any{"progress": 50, "step": "optimizing"}))

	report, err := c.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, report.TaskID)
	assert.Equal(t, StatusQueued, report.Status)
	assert.Equal(t, "process_media", report.Function)

	var progress map[string]any
	require.NoError(t, json.Unmarshal(report.Progress, &progress))
	assert.Equal(t, float64(50), progress["progress"])
	assert.Equal(t, "optimizing", progress["step"])
}

func TestStatusUnknownJob(t *testing.T) {
	c, _ := newTestQueue(t, defaultTestSettings())
	_, err := c.Status(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingSink) Trigger(ctx context.Context, event string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
	jobIDs []string
}

func (r *recordingNotifier) TaskEvent(ctx context.Context, event, jobID string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	r.jobIDs = append(r.jobIDs, jobID)
}

func TestWorkerEmitsLifecycleEvents(t *testing.T) {
	c, _ := newTestQueue(t, defaultTestSettings())
	ctx := context.Background()

	sink := &recordingSink{}
	notifier := &recordingNotifier{}
	w := NewWorker(c, sink, notifier, zerolog.Nop())
	w.popTimeout = 100 * time.Millisecond
	w.Register("noop", func(ctx context.Context, job *Job) (any, error) { return "ok", nil })

	job, err := c.Enqueue(ctx, "noop", nil, Options{})
	require.NoError(t, err)
	require.NoError(t, w.processOne(ctx))

	assert.Equal(t, []string{"task.started", "task.completed"}, sink.events)
	assert.Equal(t, []string{"task_started", "task_completed"}, notifier.events)
	assert.Equal(t, []string{job.ID, job.ID}, notifier.jobIDs)
}

func TestWorkerEmitsFailureEvent(t *testing.T) {
	c, _ := newTestQueue(t, defaultTestSettings())
	ctx := context.Background()

	sink := &recordingSink{}
	w := NewWorker(c, sink, nil, zerolog.Nop())
	w.popTimeout = 100 * time.Millisecond
	w.Register("flaky", func(ctx context.Context, job *Job) (any, error) {
		return nil, errors.New("kaboom")
	})

	_, err := c.Enqueue(ctx, "flaky", nil, Options{MaxRetries: intPtr(0)})
	require.NoError(t, err)
	require.NoError(t, w.processOne(ctx))

	assert.Equal(t, []string{"task.started", "task.failed"}, sink.events)
}

func TestPurgeDeadRespectsRetention(t *testing.T) {
	c, clk := newTestQueue(t, defaultTestSettings())
	ctx := context.Background()

	job, err := c.Enqueue(ctx, "noop", nil, Options{})
	require.NoError(t, err)
	require.NoError(t, c.Cancel(ctx, job.ID))

	purged, err := c.PurgeDead(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, purged, "fresh dead jobs stay inside the window")

	clk.Advance(8 * 24 * time.Hour)
	purged, err = c.PurgeDead(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, err = c.Job(ctx, job.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRunDrainsOnShutdown(t *testing.T) {
	cfg := defaultTestSettings()
	cfg.Concurrency = 2
	c, _ := newTestQueue(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	w := newTestWorker(c)
	w.Register("noop", func(ctx context.Context, job *Job) (any, error) { return nil, nil })
	go func() {
		w.Run(ctx)
		close(done)
	}()

	job, err := c.Enqueue(context.Background(), "noop", nil, Options{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stored, err := c.Job(context.Background(), job.ID)
		return err == nil && stored.Status == StatusSucceeded
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}
