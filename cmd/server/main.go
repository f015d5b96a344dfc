package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"mapserver/internal/api"
	"mapserver/internal/gateway"
	"mapserver/internal/hub"
	"mapserver/internal/jobs"
	"mapserver/internal/metrics"
	"mapserver/internal/relay"
	"mapserver/internal/routers"
	"mapserver/internal/store"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	heartbeat := time.Duration(envInt("HEARTBEAT_SECONDS", 15)) * time.Second
	queueSize := envInt("SUB_QUEUE_SIZE", hub.DefaultQueueSize)

	// a subscriber silent for three heartbeats is presumed dead
	broadcastHub := hub.NewHub(queueSize, 3*heartbeat, logger)
	defer broadcastHub.Stop()

	var (
		st  store.Store
		pub gateway.Publisher = broadcastHub
		rel *relay.Relay
	)
	switch backend := envOr("STORE_BACKEND", "memory"); backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: envOr("REDIS_ADDR", "localhost:6379")})
		st = store.NewRedisStore(rdb)
		// replicas sharing Redis also share commit events
		rel = relay.New(rdb, broadcastHub, logger)
		pub = rel
		logger.Info("using redis store", zap.String("addr", envOr("REDIS_ADDR", "localhost:6379")))
	case "postgres":
		db, err := gorm.Open(postgres.Open(os.Getenv("DATABASE_URL")), &gorm.Config{})
		if err != nil {
			logger.Fatal("open postgres", zap.Error(err))
		}
		pgStore, err := store.NewPostgresStore(db)
		if err != nil {
			logger.Fatal("init postgres store", zap.Error(err))
		}
		st = pgStore
		logger.Info("using postgres store")
	default:
		st = store.NewMemoryStore()
		logger.Info("using in-memory store")
	}
	defer st.Close()
	if rel != nil {
		defer rel.Stop()
	}

	if sweepable, ok := st.(store.IdleSweeper); ok {
		sweeper := jobs.NewSweeper(sweepable, jobs.SweeperConfig{
			Schedule: envOr("SWEEP_SCHEDULE", "@hourly"),
			MaxIdle:  time.Duration(envInt("SESSION_MAX_IDLE_HOURS", 168)) * time.Hour,
		}, logger)
		if err := sweeper.Start(); err != nil {
			logger.Fatal("start session sweeper", zap.Error(err))
		}
		defer sweeper.Stop()
	}

	gw := gateway.New(st, pub, logger)
	handlers := api.NewHandlers(logger, gw, broadcastHub, st, heartbeat)

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{envOr("CORS_ORIGIN", "*")},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))
	r.Use(metrics.Middleware)

	r.Get("/healthz", handlers.Health)
	r.Get("/readyz", handlers.Ready)
	r.Handle("/metrics", metrics.Handler())
	r.Mount("/", routers.New(handlers))

	addr := ":" + envOr("PORT", "8080")
	server := &http.Server{
		Addr:        addr,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("map-svc listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)
	<-shutdownChan

	logger.Info("map service shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}

	logger.Info("map service exited")
}
