// Package server assembles the HTTP surface: the middleware chain, the
// full route table, and the listener lifecycle with graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/pulseframe/pulseframe/internal/config"
	"github.com/pulseframe/pulseframe/internal/handlers"
	"github.com/pulseframe/pulseframe/internal/metrics"
	"github.com/pulseframe/pulseframe/internal/ratelimit"
	"github.com/pulseframe/pulseframe/internal/websocket"
)

// shutdownGrace bounds how long in-flight requests may keep running after
// the stop signal before the listener is torn down.
const shutdownGrace = 10 * time.Second

// Handlers bundles the endpoint handlers the router mounts.
type Handlers struct {
	System   *handlers.System
	Users    *handlers.Users
	Media    *handlers.Media
	Tasks    *handlers.Tasks
	Webhooks *handlers.Webhooks
	WS       *handlers.WS
}

// Server owns the router, the listener, and graceful shutdown. The metrics
// and rate limiting collaborators may be nil to disable those concerns; hub
// may be nil when no fabric runs in-process.
type Server struct {
	cfg config.Settings
	eng *gin.Engine
	srv *http.Server
	hub *websocket.Hub
	log zerolog.Logger
}

// New builds the router and the listener around it. Middleware runs in a
// fixed order: request id, request log, CORS, metrics, rate limiting. The
// server does not start listening until Run.
func New(cfg config.Settings, h Handlers, m *metrics.Metrics, rl *ratelimit.Middleware, hub *websocket.Hub, log zerolog.Logger) *Server {
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{
		cfg: cfg,
		hub: hub,
		log: log.With().Str("subsystem", "server").Logger(),
	}
	s.eng = s.buildRouter(h, m, rl)
	s.srv = &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: s.eng,
		// Blanket read/write timeouts would kill long uploads and upgraded
		// websocket connections, so only the header and idle phases are
		// bounded here.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Router exposes the engine for tests and embedding.
func (s *Server) Router() *gin.Engine { return s.eng }

func (s *Server) buildRouter(h Handlers, m *metrics.Metrics, rl *ratelimit.Middleware) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(RequestLogger(s.log))
	r.Use(cors.New(corsPolicy(s.cfg.CORS)))
	if m != nil {
		r.Use(m.Middleware())
	}
	if rl != nil {
		r.Use(rl.Handler())
	}

	r.GET("/", h.System.Welcome)
	r.GET("/health", h.System.Health)
	if m != nil {
		r.GET("/metrics", gin.WrapH(m.Handler()))
	}

	users := r.Group("/users")
	{
		users.GET("/", h.Users.List)
		users.POST("/", h.Users.Create)
		users.GET("/paginated/list", h.Users.PaginatedList)
		users.GET("/email/:email", h.Users.GetByEmail)
		users.GET("/:id", h.Users.Get)
		users.PATCH("/:id", h.Users.Update)
		users.DELETE("/:id", h.Users.Delete)
		users.POST("/filter", h.Users.Filter)
		users.POST("/filter/paginated", h.Users.FilterPaginated)
	}

	media := r.Group("/media")
	{
		media.POST("/upload", h.Media.Upload)
		media.GET("/", h.Media.List)
		media.POST("/", h.Media.Create)
		media.GET("/stats/info", h.Media.StorageInfo)
		media.GET("/public/list", h.Media.Public)
		media.GET("/user/:user_id", h.Media.ByUser)
		media.GET("/type/:file_type", h.Media.ByType)
		media.GET("/:id", h.Media.Get)
		media.GET("/:id/download", h.Media.Download)
		media.PATCH("/:id", h.Media.Update)
		media.DELETE("/:id", h.Media.Delete)
		media.POST("/filter", h.Media.Filter)
		media.POST("/filter/paginated", h.Media.FilterPaginated)
	}

	tasks := r.Group("/tasks")
	{
		tasks.POST("/media/process", h.Tasks.ProcessMedia)
		tasks.POST("/media/thumbnail", h.Tasks.GenerateThumbnail)
		tasks.POST("/media/optimize", h.Tasks.OptimizeImage)
		tasks.POST("/email/send", h.Tasks.SendEmail)
		if rl != nil {
			rule, ok := s.cfg.RateLimit.Paths["/tasks/email/bulk"]
			if !ok {
				rule = config.RateLimitRule{Limit: 5, Window: 3600}
			}
			tasks.POST("/email/bulk",
				rl.PerRoute("/tasks/email/bulk", rule.Limit, rule.Window),
				h.Tasks.SendBulkEmails)
		} else {
			tasks.POST("/email/bulk", h.Tasks.SendBulkEmails)
		}
		tasks.GET("/:id/status", h.Tasks.Status)
		tasks.DELETE("/:id", h.Tasks.Cancel)
	}

	wh := r.Group("/webhooks")
	{
		wh.POST("/subscriptions", h.Webhooks.Create)
		wh.GET("/subscriptions", h.Webhooks.List)
		wh.GET("/subscriptions/:id", h.Webhooks.Get)
		wh.PATCH("/subscriptions/:id", h.Webhooks.Update)
		wh.DELETE("/subscriptions/:id", h.Webhooks.Delete)
		wh.GET("/subscriptions/:id/stats", h.Webhooks.Stats)
		wh.GET("/deliveries", h.Webhooks.Deliveries)
		wh.POST("/test", h.Webhooks.Test)
		wh.GET("/events", h.Webhooks.Events)
	}

	// The stats pseudo-channel is served by the same handler.
	r.GET("/ws/:channel", h.WS.Channel)

	return r
}

// Run binds the listener and serves until ctx is cancelled, then drains.
// Connected websocket clients get a shutdown notice before the fabric goes
// away; in-flight requests get shutdownGrace to finish. A bind failure or a
// serve error is returned so the caller can exit non-zero.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.srv.Addr, err)
	}
	s.log.Info().Str("addr", ln.Addr().String()).Msg("http server listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	if s.hub != nil {
		s.hub.BroadcastAll(websocket.Envelope{
			Type:    websocket.TypeShutdown,
			Message: "Server shutting down",
		})
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := s.srv.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	s.log.Info().Msg("http server stopped")
	return nil
}

// corsPolicy translates the configured CORS settings into the middleware's
// config. An empty or wildcard origin list allows every origin.
func corsPolicy(cfg config.CORSSettings) cors.Config {
	policy := cors.Config{
		AllowMethods:     cfg.Methods,
		AllowHeaders:     cfg.Headers,
		AllowCredentials: cfg.Credentials,
		MaxAge:           12 * time.Hour,
	}
	allowAll := len(cfg.Origins) == 0
	for _, origin := range cfg.Origins {
		if origin == "*" {
			allowAll = true
		}
	}
	if allowAll {
		policy.AllowAllOrigins = true
	} else {
		policy.AllowOrigins = cfg.Origins
	}
	return policy
}
