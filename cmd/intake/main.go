package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/feichai0017/docflow/api/handlers"
	"github.com/feichai0017/docflow/api/routes"
	"github.com/feichai0017/docflow/config"
	"github.com/feichai0017/docflow/internal/intake"
	"github.com/feichai0017/docflow/internal/metadata"
	"github.com/feichai0017/docflow/pkg/logger"
	"github.com/feichai0017/docflow/pkg/queue"
	"github.com/feichai0017/docflow/pkg/storage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	log, err := logger.NewLogger(
		logger.WithLevel(cfg.Logging.Level),
		logger.WithEncoding(cfg.Logging.Encoding),
		logger.WithOutputPaths(cfg.Logging.OutputPaths),
	)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log = log.Named("intake")

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	q, err := queue.NewRedisQueue(rdb, queue.Options{
		Name:             cfg.Queue.Name,
		LockDuration:     cfg.Queue.LockDuration.D(),
		MaxDeliveryCount: cfg.Queue.MaxDeliveryCount,
	})
	if err != nil {
		log.Fatal("Failed to create queue", logger.Error(err))
	}

	store, err := storage.NewStorage(cfg.Storage, log)
	if err != nil {
		log.Fatal("Failed to create storage", logger.Error(err))
	}

	meta, err := metadata.Open(cfg.Metadata.SQLitePath)
	if err != nil {
		log.Fatal("Failed to open metadata store", logger.Error(err))
	}
	defer meta.Close()

	svc := intake.NewService(q, cfg.Intake, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The bucket listener is an alternative to the webhook: backends
	// that can push notifications directly skip the HTTP hop.
	if cfg.Intake.ListenBucket {
		if l, ok := store.(intake.BucketListener); ok {
			go func() {
				if err := svc.Listen(ctx, l); err != nil && !errors.Is(err, context.Canceled) {
					log.Error("Bucket listener stopped", logger.Error(err))
				}
			}()
			log.Info("Bucket listener started",
				logger.String("prefix", cfg.Intake.SubjectBeginsWith))
		} else {
			log.Warn("Storage backend cannot listen for bucket events")
		}
	}

	h := handlers.NewHandlers(svc, store, meta, q, cfg, log)
	r := gin.New()
	r.Use(gin.Recovery())
	routes.SetupRoutes(r, h)

	srv := &http.Server{
		Addr:    cfg.Intake.ListenAddr,
		Handler: r,
	}

	go func() {
		log.Info("Intake server starting", logger.String("addr", cfg.Intake.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server error", logger.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down intake server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", logger.Error(err))
	}
}
