package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/sharevault/trading-engine/internal/config"
	"github.com/sharevault/trading-engine/internal/events"
	"github.com/sharevault/trading-engine/internal/lock"
	"github.com/sharevault/trading-engine/internal/logging"
	"github.com/sharevault/trading-engine/internal/metrics"
	"github.com/sharevault/trading-engine/internal/store"
	"github.com/sharevault/trading-engine/internal/trade"
)

func main() {
	logging.Setup()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// Redis backs both the read-through cache and the cross-instance locks.
	var locker lock.Locker = lock.NewLocal()
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.RedisCacheTTL)
		locker = lock.NewRedis(rdb, cfg.LockTTL)
		slog.Info("Redis cache and locks enabled", "cache_ttl", cfg.RedisCacheTTL)
	} else {
		slog.Warn("REDIS_URL not set, locks are process-local")
	}

	// --- Settlement events ---
	var pub events.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		pub = events.NewKafkaPublisher(events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaSettlementTopic))
		slog.Info("publishing settlements to Kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaSettlementTopic)
	} else {
		slog.Warn("KAFKA_BROKERS not set, settlement events stay in memory")
		pub = events.NewMemoryPublisher()
	}
	cleanup = append(cleanup, func() {
		if err := pub.Close(); err != nil {
			slog.Error("publisher close failed", "err", err)
		}
	})

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run(ctx)

	// --- Trade service ---
	svc := trade.NewService(st, locker, pub, wsHub, trade.Options{
		PricingWorkers:   cfg.PricingWorkers,
		OrderTTL:         cfg.OrderTTL,
		SubmitRatePerSec: cfg.SubmitRatePerSec,
		SubmitBurst:      cfg.SubmitBurst,
	})
	go trade.NewScheduler(svc, cfg.PricingTick, cfg.SettlementTick).Run(ctx)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"trading-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket feed of price updates and settlements.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			svc.RegisterRoutes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("trading-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down trading-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	slog.Info("trading-engine stopped")
}
