package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	api "inactive-user-deauth/internal/api"
	"inactive-user-deauth/internal/audit"
	"inactive-user-deauth/internal/config"
	"inactive-user-deauth/internal/job"
	"inactive-user-deauth/internal/lock"
	"inactive-user-deauth/internal/ratelimit"
	"inactive-user-deauth/internal/report"
	"inactive-user-deauth/internal/store"
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.WithError(err).Fatal("migrations")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewLimiter(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill)
	jobLock := lock.New(redisClient, cfg.LockTTL)

	adapter := audit.NewQueryAdapter(st, st, st.IsAuthorized, st.IsDeauthorized, log)
	orchestrator := job.NewOrchestrator(cfg, adapter, st, st, st, jobLock, log)

	exporter, err := report.New(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("init report exporter")
	}
	if exporter != nil {
		orchestrator.WithReporter(exporter)
	}

	server := api.New(cfg, orchestrator, limiter, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.WithField("port", cfg.HTTPPort).Info("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func newLogger(cfg config.Config) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}
	return log
}
