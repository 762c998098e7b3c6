package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/feichai0017/docflow/config"
	"github.com/feichai0017/docflow/internal/gateway"
	"github.com/feichai0017/docflow/internal/index"
	"github.com/feichai0017/docflow/internal/metadata"
	"github.com/feichai0017/docflow/internal/pipeline"
	"github.com/feichai0017/docflow/internal/renderer"
	"github.com/feichai0017/docflow/internal/stages"
	"github.com/feichai0017/docflow/pkg/logger"
	"github.com/feichai0017/docflow/pkg/queue"
	"github.com/feichai0017/docflow/pkg/storage"
	"github.com/feichai0017/docflow/pkg/worker"
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
	log = log.Named("worker")

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

	gw, err := gateway.New(cfg.Gateway, log)
	if err != nil {
		log.Fatal("Failed to create model gateway", logger.Error(err))
	}

	orchestrator := pipeline.NewOrchestrator(
		pipeline.Config{
			OutputPrefix:    cfg.Storage.OutputPrefix,
			PageConcurrency: cfg.Worker.PageConcurrency,
			Stages:          cfg.Stages,
		},
		store,
		renderer.New(cfg.Renderer, log),
		stages.NewRunners(gw, log),
		meta,
		index.New(rdb, cfg.Index.KeyPrefix),
		log,
	)

	pool, err := worker.NewPool(q, orchestrator, worker.Config{
		MaxExecutions:   cfg.Worker.MaxExecutions,
		PollingInterval: cfg.Worker.PollingInterval.D(),
		JobTimeout:      cfg.Worker.DocumentTimeout.D(),
		RenewInterval:   cfg.Queue.LockDuration.D() / 3,
	}, log)
	if err != nil {
		log.Fatal("Failed to create worker pool", logger.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()
	log.Info("Worker started",
		logger.String("queue", cfg.Queue.Name),
		logger.Int("maxExecutions", cfg.Worker.MaxExecutions),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		log.Info("Shutting down worker...")
		cancel()
		<-done
	case err := <-done:
		if err != nil {
			log.Error("Worker stopped with error", logger.Error(err))
			os.Exit(1)
		}
	}
	log.Info("Worker stopped")
}
