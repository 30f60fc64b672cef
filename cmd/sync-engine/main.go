package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/voxnote-ai/engine/pkg/cache"
	"github.com/voxnote-ai/engine/pkg/common/config"
	"github.com/voxnote-ai/engine/pkg/common/database"
	"github.com/voxnote-ai/engine/pkg/common/feed"
	"github.com/voxnote-ai/engine/pkg/common/logger"
	"github.com/voxnote-ai/engine/pkg/enqueue"
	"github.com/voxnote-ai/engine/pkg/library"
	"github.com/voxnote-ai/engine/pkg/objectstore"
	"github.com/voxnote-ai/engine/pkg/observability/metrics"
	"github.com/voxnote-ai/engine/pkg/pipeline"
	"github.com/voxnote-ai/engine/pkg/propagation"
	"github.com/voxnote-ai/engine/pkg/recording"
	"github.com/voxnote-ai/engine/pkg/transcribe"
	"github.com/voxnote-ai/engine/pkg/webhook"
)

func main() {
	logger.Init()
	cfg := config.Load()

	db, err := database.GetPostgres()
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to postgres")
	}

	producer := feed.NewProducer(cfg.ChangeFeedTopic)
	defer producer.Close()

	repo := recording.NewRepository(db, producer)
	if err := repo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate recordings table")
	}

	backoff := recording.BackoffPolicy{Base: cfg.BackoffBase, Cap: cfg.BackoffCap}
	authority := recording.NewAuthority(repo, backoff)

	localStore := cache.NewStore(database.GetRedis(), cfg.CacheTTL)
	admitter := enqueue.NewAdmitter(localStore, repo)

	objects := objectstore.NewClient(cfg.ObjectStoreBaseURL, cfg.ObjectStoreBucket, cfg.UploadTimeout)
	stt := transcribe.NewClient(cfg.TranscribeBaseURL, cfg.TranscribeAPIKey, cfg.TranscribeModel, cfg.TranscribeTimeout)

	hook := webhook.NewSender(cfg.WebhookEndpoint, cfg.WebhookTimeout)
	if cfg.WebhookTokenURL != "" {
		hook = hook.WithClientCredentials(cfg.WebhookTokenURL, cfg.WebhookClientID, cfg.WebhookClientSecret)
	}

	driver := pipeline.NewDriver(
		repo, authority, localStore, objects, stt, hook, admitter,
		pipeline.ReadFile, cfg.UserID,
		pipeline.Options{
			TickInterval:      cfg.TickInterval,
			BatchSize:         cfg.TickBatchSize,
			MaxRetry:          cfg.MaxRetry,
			UploadTimeout:     cfg.UploadTimeout,
			TranscribeTimeout: cfg.TranscribeTimeout,
			WebhookTimeout:    cfg.WebhookTimeout,
		},
	)

	pushSource := propagation.NewPushSource(cfg.KafkaBrokers, cfg.ChangeFeedTopic, cfg.KafkaGroupID, cfg.UserID)
	poller := propagation.NewPoller(repo, cfg.UserID)
	supervisor := propagation.NewSupervisor(pushSource, poller, propagation.Options{
		SubscribeTimeout: cfg.SubscribeTimeout,
		PollInterval:     cfg.PollInterval,
		ReconnectBackoff: recording.BackoffPolicy{Base: cfg.ReconnectBase, Cap: cfg.ReconnectCap},
		ReconnectBudget:  cfg.ReconnectAttempts,
	})

	service := library.NewService(repo, localStore, authority, admitter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := service.Initialize(ctx, cfg.UserID); err != nil {
		logger.Log.WithError(err).Fatal("failed to initialize recording service")
	}
	poller.Seed(service.SyncedRecordings())

	go supervisor.Run(ctx)
	go service.Run(ctx, supervisor)
	go driver.Run(ctx)

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}).Methods(http.MethodGet)

	router.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w)
	}).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	library.NewHTTPHandler(service, cfg.MaxRequestBody).Register(api)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host": cfg.ServerHost,
			"port": cfg.ServerPort,
		}).Info("Sync Engine started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Sync Engine...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	database.CloseRedis()
	database.ClosePostgres()
	logger.Log.Info("Sync Engine stopped")
}
