package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseframe/pulseframe/internal/config"
	"github.com/pulseframe/pulseframe/internal/handlers"
	"github.com/pulseframe/pulseframe/internal/metrics"
	"github.com/pulseframe/pulseframe/internal/queue"
	"github.com/pulseframe/pulseframe/internal/ratelimit"
	"github.com/pulseframe/pulseframe/internal/websocket"
)

// newTestServer assembles a server with the real middleware chain and route
// table. The users, media and webhooks handlers are constructed over nil
// collaborators; these tests exercise routing and middleware, never those
// endpoints' bodies.
func newTestServer(t *testing.T, mutate ...func(*config.Settings)) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Defaults()
	cfg.DatabaseURL = "postgres://test"
	for _, fn := range mutate {
		fn(&cfg)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	hub := websocket.NewHub(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	q := queue.NewClient(rdb, cfg.Queue, zerolog.Nop())
	m := metrics.New(nil)
	rl := ratelimit.NewMiddleware(ratelimit.NewLimiter(rdb, zerolog.Nop()), cfg.RateLimit, nil, zerolog.Nop())

	h := Handlers{
		System:   handlers.NewSystem(cfg),
		Users:    handlers.NewUsers(nil, nil, zerolog.Nop()),
		Media:    handlers.NewMedia(nil, nil, nil, nil, cfg.MaxFileSize, zerolog.Nop()),
		Tasks:    handlers.NewTasks(q, zerolog.Nop()),
		Webhooks: handlers.NewWebhooks(nil, nil, zerolog.Nop()),
		WS:       handlers.NewWS(hub, []string{"users", "media", "tasks"}, cfg.WS.AllowedOrigins, zerolog.Nop()),
	}
	return New(cfg, h, m, rl, hub, zerolog.Nop())
}

func perform(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func TestRequestIDGenerated(t *testing.T) {
	srv := newTestServer(t)

	w := perform(srv, http.MethodGet, "/", "")

	require.Equal(t, http.StatusOK, w.Code)
	id := w.Header().Get("X-Request-ID")
	require.NotEmpty(t, id)
	_, err := uuid.Parse(id)
	assert.NoError(t, err, "generated request id should be a UUID")
}

func TestRequestIDEchoed(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "trace-abc-123")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "trace-abc-123", w.Header().Get("X-Request-ID"))
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/users/", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestCORSRestrictedOrigins(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Settings) {
		cfg.CORS.Origins = []string{"https://trusted.example.com"}
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	// Disallowed origins are rejected outright, not just left unadorned.
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://trusted.example.com")
	w = httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	assert.Equal(t, "https://trusted.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouteTable(t *testing.T) {
	srv := newTestServer(t)

	registered := make(map[string]bool)
	for _, route := range srv.Router().Routes() {
		registered[route.Method+" "+route.Path] = true
	}

	want := []string{
		"GET /",
		"GET /health",
		"GET /metrics",

		"GET /users/",
		"POST /users/",
		"GET /users/paginated/list",
		"GET /users/email/:email",
		"GET /users/:id",
		"PATCH /users/:id",
		"DELETE /users/:id",
		"POST /users/filter",
		"POST /users/filter/paginated",

		"POST /media/upload",
		"GET /media/",
		"POST /media/",
		"GET /media/stats/info",
		"GET /media/public/list",
		"GET /media/user/:user_id",
		"GET /media/type/:file_type",
		"GET /media/:id",
		"GET /media/:id/download",
		"PATCH /media/:id",
		"DELETE /media/:id",
		"POST /media/filter",
		"POST /media/filter/paginated",

		"POST /tasks/media/process",
		"POST /tasks/media/thumbnail",
		"POST /tasks/media/optimize",
		"POST /tasks/email/send",
		"POST /tasks/email/bulk",
		"GET /tasks/:id/status",
		"DELETE /tasks/:id",

		"POST /webhooks/subscriptions",
		"GET /webhooks/subscriptions",
		"GET /webhooks/subscriptions/:id",
		"PATCH /webhooks/subscriptions/:id",
		"DELETE /webhooks/subscriptions/:id",
		"GET /webhooks/subscriptions/:id/stats",
		"GET /webhooks/deliveries",
		"POST /webhooks/test",
		"GET /webhooks/events",

		"GET /ws/:channel",
	}
	for _, route := range want {
		assert.True(t, registered[route], "missing route %s", route)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	// One request through the chain gives the request counter a series.
	require.Equal(t, http.StatusOK, perform(srv, http.MethodGet, "/", "").Code)

	w := perform(srv, http.MethodGet, "/metrics", "")

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "http_requests_total")
	assert.Contains(t, body, "websocket_connections")
}

func TestBulkEmailRouteRateLimited(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Settings) {
		cfg.RateLimit.Paths["/tasks/email/bulk"] = config.RateLimitRule{Limit: 1, Window: 60}
	})

	// Admission happens before binding, so an invalid body still consumes
	// the single slot.
	first := perform(srv, http.MethodPost, "/tasks/email/bulk", `{}`)
	require.Equal(t, http.StatusUnprocessableEntity, first.Code)
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Limit"))

	second := perform(srv, http.MethodPost, "/tasks/email/bulk", `{}`)
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
	assert.Contains(t, second.Body.String(), "rate_limited")
}

func TestExcludedPathsBypassLimiter(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Settings) {
		cfg.RateLimit.Default = 1
		cfg.RateLimit.Window = 60
	})

	for i := 0; i < 5; i++ {
		w := perform(srv, http.MethodGet, "/health", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Settings) {
		cfg.HTTPAddr = "127.0.0.1:0"
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after context cancel")
	}
}

func TestRunReportsBindError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	srv := newTestServer(t, func(cfg *config.Settings) {
		cfg.HTTPAddr = ln.Addr().String()
	})

	err = srv.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bind")
}
