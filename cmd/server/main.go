// The pulseframe API server. It owns the HTTP surface and the websocket
// fabric, and bridges notifications published by worker processes back to
// connected clients. Background jobs execute in the companion worker
// command.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/pulseframe/pulseframe/internal/cache"
	"github.com/pulseframe/pulseframe/internal/config"
	"github.com/pulseframe/pulseframe/internal/database"
	"github.com/pulseframe/pulseframe/internal/handlers"
	"github.com/pulseframe/pulseframe/internal/logging"
	"github.com/pulseframe/pulseframe/internal/metrics"
	"github.com/pulseframe/pulseframe/internal/models"
	"github.com/pulseframe/pulseframe/internal/notify"
	"github.com/pulseframe/pulseframe/internal/queue"
	"github.com/pulseframe/pulseframe/internal/ratelimit"
	"github.com/pulseframe/pulseframe/internal/resource"
	"github.com/pulseframe/pulseframe/internal/server"
	"github.com/pulseframe/pulseframe/internal/storage"
	"github.com/pulseframe/pulseframe/internal/webhooks"
	"github.com/pulseframe/pulseframe/internal/websocket"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "pulseframe-server:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Log)
	logger.Info().
		Str("version", cfg.Version).
		Str("environment", cfg.Environment).
		Msg("starting pulseframe server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		// The client reconnects on its own and every Redis-backed feature
		// tolerates outages, so a late Redis does not block startup.
		logger.Warn().Err(err).Str("addr", cfg.Redis.Addr()).Msg("redis unreachable at startup")
	}

	m := metrics.New(prometheus.NewRegistry())

	hub := websocket.NewHub(logger)
	hub.OnCount = func(total int) { m.WSConnections.Set(float64(total)) }

	// The fabric outlives the signal context: the server broadcasts its
	// shutdown notice and drains before the hub and the Redis bridge stop.
	fabricCtx, stopFabric := context.WithCancel(context.Background())
	fabricDone := make(chan struct{})
	go func() {
		hub.Run(fabricCtx)
		close(fabricDone)
	}()

	listener := notify.NewListener(rdb, hub, logger)
	listenerDone := make(chan struct{})
	go func() {
		listener.Run(fabricCtx)
		close(listenerDone)
	}()
	defer func() {
		stopFabric()
		<-fabricDone
		<-listenerDone
	}()

	queueClient := queue.NewClient(rdb, cfg.Queue, logger)
	cacheStore := cache.New(rdb, time.Duration(cfg.CacheTTL)*time.Second, cfg.CacheEnabled, logger)

	whStore := webhooks.NewStore(db)
	whService := webhooks.NewService(whStore, cfg.Webhook, cfg.Production(), logger)
	dispatcher := webhooks.NewDispatcher(whStore, queueClient, cfg.AppName, logger)
	deliverer := webhooks.NewDeliverer(whStore, queueClient, cfg.AppName, logger)

	blobs, err := storage.NewStore(cfg, logger)
	if err != nil {
		return err
	}

	usersRepo := database.NewUsersRepo(db, logger)
	mediaRepo := database.NewMediaRepo(db, logger)

	usersSvc := resource.NewService(resource.Config[models.User, models.UserCreate, models.UserUpdate, models.UserOut]{
		Kind:        "users",
		EventPrefix: "user",
		Repo:        usersRepo,
		Project:     models.ToUserOut,
		ID:          func(u models.User) int64 { return u.ID },
		Channel:     hub.Channel("users"),
		Events:      dispatcher,
		Cache:       cacheStore,
		Logger:      logger,
	})
	mediaSvc := resource.NewService(resource.Config[models.Media, models.MediaCreate, models.MediaUpdate, models.MediaOut]{
		Kind:        "media",
		EventPrefix: "media",
		Repo:        mediaRepo,
		Project:     models.ToMediaOut,
		ID:          func(row models.Media) int64 { return row.ID },
		Channel:     hub.Channel("media"),
		Events:      dispatcher,
		Cache:       cacheStore,
		Logger:      logger,
	})

	rl := ratelimit.NewMiddleware(ratelimit.NewLimiter(rdb, logger), cfg.RateLimit, nil, logger)
	rl.Denied = m.RateLimitDenials.Inc

	h := server.Handlers{
		System:   handlers.NewSystem(cfg),
		Users:    handlers.NewUsers(usersSvc, usersRepo, logger),
		Media:    handlers.NewMedia(mediaSvc, mediaRepo, blobs, queueClient, cfg.MaxFileSize, logger),
		Tasks:    handlers.NewTasks(queueClient, logger),
		Webhooks: handlers.NewWebhooks(whService, deliverer, logger),
		WS:       handlers.NewWS(hub, []string{"users", "media", "tasks"}, cfg.WS.AllowedOrigins, logger),
	}

	srv := server.New(cfg, h, m, rl, hub, logger)
	return srv.Run(ctx)
}
