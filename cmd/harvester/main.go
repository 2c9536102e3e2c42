package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/counterhive/harvester/pkg/common/config"
	"github.com/counterhive/harvester/pkg/common/database"
	"github.com/counterhive/harvester/pkg/common/kafka"
	"github.com/counterhive/harvester/pkg/common/logger"
	"github.com/counterhive/harvester/pkg/counter"
	"github.com/counterhive/harvester/pkg/harvest"
	"github.com/counterhive/harvester/pkg/search"
	"github.com/counterhive/harvester/pkg/sushi"
)

func main() {
	logger.Init()
	cfg := config.Load()

	db, err := database.GetPostgres()
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to connect to database")
	}
	defer database.ClosePostgres()

	repo := harvest.NewRepository(db)
	if err := repo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("Failed to run migrations")
	}

	redisClient := database.GetRedis()
	defer database.CloseRedis()

	searchClient, err := search.NewClient(cfg.ElasticAddresses, cfg.ElasticUsername, cfg.ElasticPassword, cfg.DeletePollInterval)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to connect to elasticsearch")
	}

	jobEvents := kafka.NewProducer(cfg.JobEventsTopic)
	defer jobEvents.Close()
	notifier := kafka.NewProducer(cfg.NotifyTopic)
	defer notifier.Close()
	jobConsumer := kafka.NewConsumer(cfg.JobEventsTopic, cfg.KafkaGroupID)
	defer jobConsumer.Close()

	cache := sushi.NewCache(cfg.ReportCacheDir, cfg.ReportCacheTTL)
	sushiClient := sushi.NewClient(cache, sushi.NewInflightRegistry(), cfg.SushiTimeout)
	validator := counter.NewValidator()

	queue := harvest.NewQueue(redisClient, cfg.LockTTL)
	pipeline := harvest.NewPipeline(repo, queue, sushiClient, cache, validator, searchClient, jobEvents, harvest.PipelineConfig{
		MaxDeferrals:     cfg.MaxDeferrals,
		DeferralBackoff:  cfg.DeferralBackoff,
		BusyCooldown:     cfg.BusyCooldown,
		BulkBatchSize:    cfg.BulkBatchSize,
		ProgressInterval: cfg.ProgressInterval,
		DefaultTimeout:   cfg.JobTimeout,
	})
	pool := harvest.NewPool(queue, repo, pipeline, cfg.HarvestConcurrency, cfg.QueuePollInterval)
	scheduler := harvest.NewScheduler(repo, queue, notifier, cfg.DefaultReportTypes, cfg.JobTimeout, cfg.SchedulerBatchSize, cfg.SchedulerBatchPause)
	aggregator := harvest.NewAggregator(repo, notifier)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		pool.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := aggregator.Run(ctx, jobConsumer); err != nil && ctx.Err() == nil {
			logger.Log.WithError(err).Fatal("Aggregator error")
		}
	}()

	router := mux.NewRouter()
	router.HandleFunc("/health", healthCheck).Methods("GET")
	router.HandleFunc("/ready", readyCheck(queue)).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()
	harvest.NewHandler(scheduler, repo, queue).Register(api)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host": cfg.ServerHost,
			"port": cfg.ServerPort,
		}).Info("Harvester started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Harvester...")
	cancel()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(ctxShutdown); err != nil {
		logger.Log.WithError(err).Error("Server forced to shutdown")
	}

	wg.Wait()
	logger.Log.Info("Harvester stopped")
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}

func readyCheck(queue *harvest.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if _, err := queue.Size(ctx); err != nil {
			http.Error(w, `{"status":"unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}
}
