package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"inactive-user-deauth/internal/audit"
	"inactive-user-deauth/internal/config"
	"inactive-user-deauth/internal/job"
	"inactive-user-deauth/internal/lock"
	"inactive-user-deauth/internal/report"
	"inactive-user-deauth/internal/store"
	"inactive-user-deauth/internal/telemetry"
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
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

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	log.WithFields(logrus.Fields{
		"interval":  cfg.ScheduleInterval,
		"look_back": string(cfg.Job.LookBackMode),
	}).Info("scheduler started")

	ticker := time.NewTicker(cfg.ScheduleInterval)
	defer ticker.Stop()
	for {
		orchestrator.RunScheduled(ctx)
		select {
		case <-ctx.Done():
			log.Info("scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

func newLogger(cfg config.Config) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}
	return log
}
