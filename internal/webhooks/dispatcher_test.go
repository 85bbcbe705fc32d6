package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseframe/pulseframe/internal/database"
	"github.com/pulseframe/pulseframe/internal/queue"
)

var subCols = []string{
	"id", "name", "description", "url", "secret", "events", "filters", "headers",
	"active", "max_retries", "retry_backoff", "timeout_seconds",
	"total_deliveries", "successful_deliveries", "failed_deliveries",
	"last_delivery_at", "last_success_at", "last_failure_at", "created_at", "updated_at",
}

type subSeed struct {
	id         int64
	url        string
	secret     string
	events     string
	filters    []byte
	headers    []byte
	active     bool
	maxRetries int
	backoff    int
	timeout    int
}

func newSubSeed(id int64, url string) subSeed {
	return subSeed{
		id:         id,
		url:        url,
		secret:     "0123456789abcdef",
		events:     "{user.created}",
		active:     true,
		maxRetries: 3,
		backoff:    60,
		timeout:    10,
	}
}

func subRows(seeds ...subSeed) *sqlmock.Rows {
	rows := sqlmock.NewRows(subCols)
	now := time.Now()
	for _, s := range seeds {
		rows.AddRow(s.id, "hook", nil, s.url, s.secret, s.events, s.filters, s.headers,
			s.active, s.maxRetries, s.backoff, s.timeout, 0, 0, 0, nil, nil, nil, now, now)
	}
	return rows
}

func newWebhookMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(database.Wrap(db, zerolog.Nop())), mock
}

type enqueueCall struct {
	function string
	args     DeliveryArgs
	opts     queue.Options
}

type fakeQueue struct {
	mu    sync.Mutex
	calls []enqueueCall
	err   error
}

func (f *fakeQueue) Enqueue(ctx context.Context, function string, args any, opts queue.Options) (*queue.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	da, _ := args.(DeliveryArgs)
	f.calls = append(f.calls, enqueueCall{function: function, args: da, opts: opts})
	return &queue.Job{ID: fmt.Sprintf("job-%d", len(f.calls))}, nil
}

func (f *fakeQueue) snapshot() []enqueueCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]enqueueCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func expectActiveForEvent(mock sqlmock.Sqlmock, event string, rows *sqlmock.Rows) {
	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT "+subscriptionColumns+" FROM webhook_subscriptions WHERE active AND $1 = ANY(events) ORDER BY id ASC",
	)).WithArgs(event).WillReturnRows(rows)
}

func TestDispatchEnqueuesPerMatchingSubscription(t *testing.T) {
	store, mock := newWebhookMock(t)
	q := &fakeQueue{}
	d := NewDispatcher(store, q, "pulseframe-test", zerolog.Nop())

	expectActiveForEvent(mock, "user.created", subRows(
		newSubSeed(1, "https://a.example.com/hook"),
		newSubSeed(2, "https://b.example.com/hook"),
	))

	n, err := d.dispatch(context.Background(), "user.created", map[string]any{"user_id": 7})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	calls := q.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, DeliverFunction, calls[0].function)
	assert.Equal(t, int64(1), calls[0].args.SubscriptionID)
	assert.Equal(t, int64(2), calls[1].args.SubscriptionID)
	assert.Equal(t, 1, calls[0].args.Attempt)
	assert.Equal(t, calls[0].args.Payload, calls[1].args.Payload,
		"all matches receive the same event payload bytes")

	var payload map[string]any
	require.NoError(t, json.Unmarshal(calls[0].args.Payload, &payload))
	assert.Equal(t, "user.created", payload["event_type"])
	assert.Equal(t, "1.0", payload["version"])
	assert.Equal(t, "pulseframe-test", payload["source"])
	_, err = uuid.Parse(payload["event_id"].(string))
	assert.NoError(t, err, "event_id must be a uuid")
	_, err = time.Parse(time.RFC3339, payload["timestamp"].(string))
	assert.NoError(t, err)
	data := payload["data"].(map[string]any)
	assert.Equal(t, float64(7), data["user_id"])

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatchAppliesSubscriptionFilters(t *testing.T) {
	store, mock := newWebhookMock(t)
	q := &fakeQueue{}
	d := NewDispatcher(store, q, "pulseframe-test", zerolog.Nop())

	matching := newSubSeed(1, "https://a.example.com/hook")
	matching.filters = []byte(`{"user_id": 7}`)
	mismatched := newSubSeed(2, "https://b.example.com/hook")
	mismatched.filters = []byte(`{"user_id": 8}`)
	expectActiveForEvent(mock, "user.created", subRows(matching, mismatched))

	n, err := d.dispatch(context.Background(), "user.created", map[string]any{"user_id": 7, "email": "a@example.com"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	calls := q.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, int64(1), calls[0].args.SubscriptionID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatchNonObjectDataOnlyMatchesUnfiltered(t *testing.T) {
	store, mock := newWebhookMock(t)
	q := &fakeQueue{}
	d := NewDispatcher(store, q, "pulseframe-test", zerolog.Nop())

	filtered := newSubSeed(1, "https://a.example.com/hook")
	filtered.filters = []byte(`{"kind": "x"}`)
	open := newSubSeed(2, "https://b.example.com/hook")
	expectActiveForEvent(mock, "user.login", subRows(filtered, open))

	n, err := d.dispatch(context.Background(), "user.login", "plain string payload")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	calls := q.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, int64(2), calls[0].args.SubscriptionID)
}

func TestDispatchNoSubscriptions(t *testing.T) {
	store, mock := newWebhookMock(t)
	q := &fakeQueue{}
	d := NewDispatcher(store, q, "pulseframe-test", zerolog.Nop())

	expectActiveForEvent(mock, "role.created", subRows())

	n, err := d.dispatch(context.Background(), "role.created", map[string]any{"role": "admin"})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, q.snapshot())
}

func TestDispatchEnqueueFailureSkipsSubscription(t *testing.T) {
	store, mock := newWebhookMock(t)
	q := &fakeQueue{err: errors.New("redis down")}
	d := NewDispatcher(store, q, "pulseframe-test", zerolog.Nop())

	expectActiveForEvent(mock, "user.created", subRows(newSubSeed(1, "https://a.example.com/hook")))

	n, err := d.dispatch(context.Background(), "user.created", map[string]any{"user_id": 7})
	require.NoError(t, err, "enqueue failures must not fail the trigger")
	assert.Zero(t, n)
}

func TestTriggerSwallowsStoreErrors(t *testing.T) {
	store, mock := newWebhookMock(t)
	q := &fakeQueue{}
	d := NewDispatcher(store, q, "pulseframe-test", zerolog.Nop())

	mock.ExpectQuery("SELECT").WillReturnError(errors.New("db down"))

	d.Trigger(context.Background(), "user.created", map[string]any{"user_id": 7})
	assert.Empty(t, q.snapshot())
}

func TestMatchesFilters(t *testing.T) {
	data := map[string]any{"user_id": float64(7), "email": "a@example.com", "deleted": nil}

	assert.True(t, matchesFilters(data, nil))
	assert.True(t, matchesFilters(data, map[string]any{}))
	assert.True(t, matchesFilters(data, map[string]any{"user_id": 7}))
	assert.True(t, matchesFilters(data, map[string]any{"user_id": float64(7), "email": "a@example.com"}))
	assert.True(t, matchesFilters(data, map[string]any{"deleted": nil}), "null matches null")
	assert.True(t, matchesFilters(data, map[string]any{"missing": nil}), "absent key reads as null")

	assert.False(t, matchesFilters(data, map[string]any{"user_id": 8}))
	assert.False(t, matchesFilters(data, map[string]any{"missing": "x"}))
	assert.False(t, matchesFilters(nil, map[string]any{"user_id": 7}))
}
