package main

import (
	"context"
	"errors"
	"fmt"
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
	"github.com/rs/cors"

	"github.com/atmx/paper-exchange/internal/api"
	"github.com/atmx/paper-exchange/internal/config"
	"github.com/atmx/paper-exchange/internal/correlation"
	"github.com/atmx/paper-exchange/internal/escrow"
	"github.com/atmx/paper-exchange/internal/events"
	"github.com/atmx/paper-exchange/internal/fill"
	"github.com/atmx/paper-exchange/internal/market"
	"github.com/atmx/paper-exchange/internal/metrics"
	"github.com/atmx/paper-exchange/internal/pricefeed"
	"github.com/atmx/paper-exchange/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load("")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	st, rdb, err := openStore(ctx, cfg.Storage, &cleanup)
	if err != nil {
		slog.Error("store init failed", "err", err)
		os.Exit(1)
	}

	// --- Event fan-out ---
	wsHub := api.NewWSHub(logger)
	go wsHub.Run(ctx)

	publishers := events.Multi{wsHub}
	if len(cfg.Kafka.Brokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		cleanup = append(cleanup, func() {
			if err := kp.Close(); err != nil {
				slog.Error("kafka close failed", "err", err)
			}
		})
		publishers = append(publishers, kp)
		slog.Info("kafka publisher enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	// --- Price feed ---
	var feed pricefeed.Feed = pricefeed.NewGamma(cfg.Prices.GammaURL, cfg.Prices.EventSlugs, logger)
	if rdb != nil {
		feed = pricefeed.NewCached(feed, rdb, cfg.Prices.CacheTTL, logger)
	}

	// --- Engine ---
	limiter := correlation.NewPositionLimiter(cfg.Limits.MaxPerTarget, cfg.Limits.MaxCorrelated)

	engine := fill.New(st,
		fill.WithWorkers(cfg.Engine.Workers),
		fill.WithPublisher(publishers),
		fill.WithLogger(logger),
	)
	poller := fill.NewPoller(engine, feed, cfg.Engine.PollInterval, logger)
	if err := poller.Start(ctx); err != nil {
		slog.Error("poller start failed", "err", err)
		os.Exit(1)
	}

	escrowMgr := escrow.New(st,
		escrow.WithLimiter(limiter),
		escrow.WithPublisher(publishers),
		escrow.WithLogger(logger),
	)
	executor := market.NewExecutor(st, feed,
		market.WithLimiter(limiter),
		market.WithTrigger(poller),
		market.WithPublisher(publishers),
		market.WithLogger(logger),
	)

	svc := api.NewService(api.Deps{
		Store:    st,
		Escrow:   escrowMgr,
		Engine:   engine,
		Executor: executor,
		Feed:     feed,
		Trigger:  poller,
		Logger:   logger,
	})

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"paper-exchange"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for order lifecycle events.
		r.Get("/ws", wsHub.HandleWS)
		svc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("paper-exchange listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down paper-exchange...")
	poller.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("paper-exchange stopped")
}

// openStore picks the ledger backend from cfg. The returned redis client
// is nil unless REDIS_URL is set; it also backs the price snapshot cache.
func openStore(ctx context.Context, cfg config.Storage, cleanup *[]func()) (store.Store, redis.UniversalClient, error) {
	var st store.Store

	switch {
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection: %w", err)
		}
		*cleanup = append(*cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

	case cfg.PebblePath != "":
		pb, err := store.NewPebbleStore(cfg.PebblePath, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("open pebble: %w", err)
		}
		*cleanup = append(*cleanup, func() {
			if err := pb.Close(); err != nil {
				slog.Error("pebble close failed", "err", err)
			}
		})
		st = pb
		slog.Info("opened pebble store", "path", cfg.PebblePath)

	default:
		slog.Warn("DATABASE_URL and PEBBLE_PATH not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	if cfg.RedisURL == "" {
		return st, nil, nil
	}
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opt)
	*cleanup = append(*cleanup, func() { rdb.Close() })
	if _, ok := st.(*store.MemoryStore); !ok {
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		slog.Info("Redis cache enabled")
	}
	return st, rdb, nil
}
