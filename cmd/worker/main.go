// The pulseframe background worker. It leases jobs from the Redis queue
// (media processing, email, webhook delivery), publishes progress over the
// notification bridge, and runs the periodic queue and webhook maintenance.
// The HTTP surface lives in the companion server command; the worker only
// exposes its own health and metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/pulseframe/pulseframe/internal/cache"
	"github.com/pulseframe/pulseframe/internal/config"
	"github.com/pulseframe/pulseframe/internal/database"
	"github.com/pulseframe/pulseframe/internal/logging"
	"github.com/pulseframe/pulseframe/internal/metrics"
	"github.com/pulseframe/pulseframe/internal/models"
	"github.com/pulseframe/pulseframe/internal/notify"
	"github.com/pulseframe/pulseframe/internal/queue"
	"github.com/pulseframe/pulseframe/internal/resource"
	"github.com/pulseframe/pulseframe/internal/storage"
	"github.com/pulseframe/pulseframe/internal/tasks"
	"github.com/pulseframe/pulseframe/internal/webhooks"
)

// deadJobRetention is how long failed-for-good jobs stay inspectable before
// the daily purge removes them.
const deadJobRetention = 7 * 24 * time.Hour

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "pulseframe-worker:", err)
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
		Msg("starting pulseframe worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	// The queue lives in Redis; a worker without it has nothing to do.
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr(), err)
	}

	blobs, err := storage.NewStore(cfg, logger)
	if err != nil {
		return err
	}

	publisher := notify.NewPublisher(rdb, logger)
	cacheStore := cache.New(rdb, time.Duration(cfg.CacheTTL)*time.Second, cfg.CacheEnabled, logger)
	queueClient := queue.NewClient(rdb, cfg.Queue, logger)

	whStore := webhooks.NewStore(db)
	whService := webhooks.NewService(whStore, cfg.Webhook, cfg.Production(), logger)
	dispatcher := webhooks.NewDispatcher(whStore, queueClient, cfg.AppName, logger)

	// Media rows updated here must reach the server processes: broadcasts
	// travel over the notification bridge and cache entries are invalidated
	// in the shared Redis.
	mediaRepo := database.NewMediaRepo(db, logger)
	mediaSvc := resource.NewService(resource.Config[models.Media, models.MediaCreate, models.MediaUpdate, models.MediaOut]{
		Kind:        "media",
		EventPrefix: "media",
		Repo:        mediaRepo,
		Project:     models.ToMediaOut,
		ID:          func(row models.Media) int64 { return row.ID },
		Channel:     notify.NewRemoteBroadcaster(publisher, "media"),
		Events:      dispatcher,
		Cache:       cacheStore,
		Logger:      logger,
	})

	m := metrics.New(prometheus.NewRegistry())
	serveMetrics(cfg.HTTPAddr, m, logger)

	worker := queue.NewWorker(queueClient, dispatcher, publisher, logger)
	worker.OnResult = func(function string, status queue.Status) {
		m.ObserveJob(function, string(status))
	}

	tasks.NewMediaProcessor(blobs, mediaSvc, publisher, queueClient, dispatcher, logger).Register(worker)
	tasks.NewMailer(cfg.SMTP, publisher, queueClient, dispatcher, logger).Register(worker)

	deliverer := webhooks.NewDeliverer(whStore, queueClient, cfg.AppName, logger)
	deliverer.OnAttempt = m.ObserveDelivery
	worker.Register(webhooks.DeliverFunction, deliverer.HandleDelivery)

	cr := cron.New()
	if _, err := cr.AddFunc("@every 30s", func() {
		tick, cancel := context.WithTimeout(ctx, 25*time.Second)
		defer cancel()
		if n, err := queueClient.PromoteScheduled(tick); err != nil {
			logger.Warn().Err(err).Msg("promote scheduled jobs failed")
		} else if n > 0 {
			logger.Debug().Int("promoted", n).Msg("scheduled jobs promoted")
		}
		if n, err := queueClient.ReapExpiredLeases(tick); err != nil {
			logger.Warn().Err(err).Msg("reap expired leases failed")
		} else if n > 0 {
			logger.Warn().Int("reaped", n).Msg("expired leases requeued")
		}
	}); err != nil {
		return err
	}
	if _, err := cr.AddFunc("0 3 * * *", func() {
		tick, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()
		if n, err := queueClient.PurgeDead(tick, deadJobRetention); err != nil {
			logger.Warn().Err(err).Msg("purge dead jobs failed")
		} else if n > 0 {
			logger.Info().Int("purged", n).Msg("dead jobs purged")
		}
		retention := time.Duration(cfg.Webhook.DeliveryRetention) * 24 * time.Hour
		if n, err := whService.Prune(tick, retention); err != nil {
			logger.Warn().Err(err).Msg("prune webhook deliveries failed")
		} else if n > 0 {
			logger.Info().Int64("pruned", n).Msg("webhook deliveries pruned")
		}
	}); err != nil {
		return err
	}
	cr.Start()
	defer cr.Stop()

	worker.Run(ctx)
	logger.Info().Msg("worker stopped")
	return nil
}

// serveMetrics exposes health and Prometheus endpoints for the worker
// process. Deployments give each process its own HTTP_ADDR; when the port
// is taken the worker keeps running without exposition.
func serveMetrics(addr string, m *metrics.Metrics, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn().Err(err).Str("addr", addr).Msg("worker metrics listener unavailable")
		}
	}()
}
