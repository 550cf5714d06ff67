package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/invoiceflow/mailtrack/internal/config"
	"github.com/invoiceflow/mailtrack/internal/engage"
	"github.com/invoiceflow/mailtrack/internal/metrics"
	"github.com/invoiceflow/mailtrack/internal/pkg/distlock"
	"github.com/invoiceflow/mailtrack/internal/pkg/logger"
	"github.com/invoiceflow/mailtrack/internal/tracking"
)

func main() {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.LoadFromEnv(cfgPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	if cfg.Log.RedactPII != nil {
		logger.SetRedactPII(*cfg.Log.RedactPII)
	}

	if cfg.Database.URL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		logger.Error("ping database", "error", err)
		os.Exit(1)
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis unreachable, falling back to pg advisory locks", "error", err)
			redisClient = nil
		}
	}

	store := engage.NewStore(db)
	recorder := engage.NewRecorder(store, cfg.Tracking.OpenDedupWindow(), cfg.Tracking.ClickDedupWindow())
	if cfg.Tracking.SerializeRecording {
		lockTTL := cfg.Tracking.LockTTL()
		recorder.SetLockFactory(func(token string) engage.TokenLock {
			return distlock.New(redisClient, db, "track:"+token, lockTTL)
		})
	}
	analytics := engage.NewAnalytics(store)

	m := metrics.New()
	handler := tracking.NewHandler(recorder, analytics, m, cfg.Tracking.FallbackURL)

	srv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      handler.Routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("tracking service listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down tracking service")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}
