package main

import (
	"context"
	"os/signal"
	"strings"
	"syscall"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"leadpipe/internal/cache"
	"leadpipe/internal/database"
	"leadpipe/internal/leads"
	"leadpipe/internal/queue"
	"leadpipe/internal/status"
	"leadpipe/internal/storage"
	"leadpipe/internal/store"
	"leadpipe/worker/config"
	"leadpipe/worker/pipeline"
	"leadpipe/worker/standardize"
	"leadpipe/worker/sweeper"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := config.Load()
	logger.Info("worker starting",
		zap.String("group_id", cfg.KafkaGroupID),
		zap.Int("batch_size", cfg.BatchSize),
		zap.Int("worker_count", cfg.WorkerCount),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("postgres connection failed", zap.Error(err))
	}
	defer db.Close()

	statusStore := store.NewPostgresStore(db.Pool)
	if err := statusStore.EnsureSchema(ctx); err != nil {
		logger.Fatal("status schema migration failed", zap.Error(err))
	}
	leadRepo := leads.NewPostgresRepo(db.Pool)
	if err := leadRepo.EnsureSchema(ctx); err != nil {
		logger.Fatal("leads schema migration failed", zap.Error(err))
	}

	redisCache, err := database.ConnectCache(cfg.RedisAddr)
	if err != nil {
		logger.Fatal("redis connection failed", zap.Error(err))
	}
	defer redisCache.Close()

	objects, err := storage.NewObjectStore(ctx, storage.Config{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	})
	if err != nil {
		logger.Fatal("object store connection failed", zap.Error(err))
	}

	producer, err := queue.NewProducer(strings.Split(cfg.KafkaBrokers, ","))
	if err != nil {
		logger.Fatal("kafka producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	consumer, err := queue.NewConsumer(strings.Split(cfg.KafkaBrokers, ","), cfg.KafkaGroupID, logger)
	if err != nil {
		logger.Fatal("kafka consumer creation failed", zap.Error(err))
	}
	defer consumer.Close()

	statusSvc := status.NewService(statusStore, logger, cfg.StatusTTL)
	statusCache := cache.NewStatusCache(redisCache)
	standardizer := standardize.NewClient(cfg.StandardizerURL)

	ingestor := pipeline.NewIngestor(statusSvc, objects, producer, storage.BatchObjectKey, cfg.BatchSize, logger)
	processor := pipeline.NewBatchProcessor(statusSvc, objects, standardizer, leadRepo, statusCache, logger)

	pool, err := ants.NewPool(cfg.WorkerCount)
	if err != nil {
		logger.Fatal("worker pool creation failed", zap.Error(err))
	}
	defer pool.Release()

	sw := sweeper.New(statusStore, statusSvc, logger)
	if err := sw.Start(cfg.SweepSchedule); err != nil {
		logger.Fatal("sweeper start failed", zap.Error(err))
	}
	defer sw.Stop()

	// Batch work goes through the pool so concurrent partitions share a
	// bounded set of workers. The offset is only marked after the task
	// finishes, so the handler waits for its own submission.
	batchHandler := func(ctx context.Context, msg *queue.BatchMessage) error {
		done := make(chan error, 1)
		if err := pool.Submit(func() {
			done <- processor.HandleBatch(ctx, msg)
		}); err != nil {
			return err
		}
		return <-done
	}

	logger.Info("consuming",
		zap.String("topics", queue.TopicFiles+","+queue.TopicBatches),
	)
	if err := consumer.Consume(ctx, ingestor.HandleFile, batchHandler); err != nil && ctx.Err() == nil {
		logger.Fatal("consumer failed", zap.Error(err))
	}

	logger.Info("worker shutting down")
}
