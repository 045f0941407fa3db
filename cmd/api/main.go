package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"research-job-service/internal/api"
	"research-job-service/internal/audit"
	"research-job-service/internal/config"
	"research-job-service/internal/export"
	"research-job-service/internal/logging"
	"research-job-service/internal/ratelimit"
	"research-job-service/internal/registry"
	"research-job-service/internal/runner"
	"research-job-service/internal/workflow"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	reg := registry.New(cfg.MaxRetries)
	sink := audit.NewSink(cfg.AuditDir, logger)

	if cfg.PostgresDSN != "" {
		archiver, err := audit.NewPostgresArchiver(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("connect postgres", zap.Error(err))
		}
		defer archiver.Close()
		if err := archiver.Migrate(ctx); err != nil {
			logger.Fatal("migrate audit table", zap.Error(err))
		}
		sink.SetArchiver(archiver)
	}

	var exporter export.Uploader
	if cfg.ExportS3Bucket != "" {
		exporter, err = export.NewS3(ctx, export.S3Options{
			Bucket:    cfg.ExportS3Bucket,
			Region:    cfg.ExportS3Region,
			Endpoint:  cfg.ExportS3Endpoint,
			PathStyle: cfg.ExportS3PathStyle,
		})
		if err != nil {
			logger.Fatal("init s3 exporter", zap.Error(err))
		}
	} else {
		exporter = export.NewLocal(cfg.ExportDir)
	}

	agent := workflow.NewSimulatedAgent(sink, logger)
	run := runner.New(cfg, reg, sink, agent, exporter, logger)

	var limiter *ratelimit.TokenBucket
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		limiter = ratelimit.NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	schedule := func(jobID string) {
		go func() {
			if err := run.Execute(ctx, jobID); err != nil {
				logger.Warn("job execution ended with error", zap.String("job_id", jobID), zap.Error(err))
			}
		}()
	}

	go func() {
		t := time.NewTicker(cfg.CleanupInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := reg.CleanupExpired(cfg.JobTTL); n > 0 {
					logger.Info("expired jobs removed", zap.Int("count", n))
				}
			}
		}
	}()

	server := api.New(cfg, reg, sink, limiter, schedule, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", zap.String("port", cfg.HTTPPort))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
