package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"leadpipe/api/config"
	"leadpipe/api/handlers"
	"leadpipe/api/middleware"
	"leadpipe/api/service"
	"leadpipe/internal/cache"
	"leadpipe/internal/database"
	"leadpipe/internal/leads"
	"leadpipe/internal/queue"
	"leadpipe/internal/status"
	"leadpipe/internal/storage"
	"leadpipe/internal/store"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := config.Load()
	logger.Info("api service starting", zap.String("port", cfg.Port), zap.String("env", cfg.Env))

	ctx := context.Background()

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

	statusSvc := status.NewService(statusStore, logger, cfg.StatusTTL)
	statusCache := cache.NewStatusCache(redisCache)
	uploadSvc := service.NewUploadService(statusSvc, statusCache, objects, producer, leadRepo, logger)
	handler := handlers.NewUploadHandler(uploadSvc, logger, cfg.MaxFileSize)

	router := chi.NewRouter()
	router.Use(middleware.TraceID)
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.Logging(logger))

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	router.Route("/api/uploads", func(r chi.Router) {
		r.Post("/", handler.Upload)
		r.Post("/presign", handler.Presign)
		r.Get("/{uploadID}/status", handler.Status)
		r.Post("/{uploadID}/retry", handler.Retry)
		r.Post("/{uploadID}/cancel", handler.Cancel)
		r.Get("/{uploadID}/leads", handler.ListLeads)
		r.Get("/{uploadID}/leads/export", handler.ExportLeads)
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("server started", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", zap.Error(err))
	}
}
