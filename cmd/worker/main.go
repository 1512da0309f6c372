package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hibiken/asynq"

	kafkaClient "pulse-server/internal/clients/kafka"
	"pulse-server/internal/config"
	"pulse-server/internal/events"
	"pulse-server/internal/jobs"
	"pulse-server/internal/jobs/workers"
	"pulse-server/internal/observability"
	"pulse-server/internal/store"
)

// The worker binary runs everything the request path defers: counter-cache
// deltas and answer writes from the asynq queues, and tracked events from
// Kafka.
func main() {
	logger := observability.NewLogger()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal(ctx, "failed to load configuration", err)
	}

	logger.Info(ctx, "Starting background worker server...")

	dataStore, err := store.New(cfg.Database.ConnectionString(), logger)
	if err != nil {
		logger.Fatal(ctx, "failed to initialize store", err)
	}

	// The answer worker enqueues the first-answer submission credit, so it
	// needs a job client of its own.
	jobClient := jobs.NewClient(cfg.Redis.Addr, logger)
	defer jobClient.Close()

	cacheWorker := workers.NewCacheWorker(&dataStore, logger)
	answerWorker := workers.NewAnswerWorker(&dataStore, jobClient, logger)

	srv := asynq.NewServer(
		asynq.RedisClientOpt{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB},
		asynq.Config{
			Concurrency: cfg.WorkerPool.JobWorkers,
			Queues: map[string]int{
				jobs.QueueHigh:    6,
				jobs.QueueDefault: 4,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error(ctx, fmt.Sprintf("task %s failed", task.Type()), err)
			}),
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(jobs.TypeCacheDelta, cacheWorker.ProcessCacheDeltaTask)
	mux.HandleFunc(jobs.TypeAnswerCreate, answerWorker.ProcessAnswerTask)

	consumer := kafkaClient.NewConsumer(kafkaClient.ConsumerConfig{
		Brokers: strings.Split(cfg.Kafka.Brokers, ","),
		Topic:   cfg.Kafka.Topic,
		GroupID: cfg.Kafka.ConsumerGroup,
	}, logger)
	defer consumer.Close()

	eventConsumer := events.NewTrackedEventConsumer(consumer, &dataStore, cfg.WorkerPool.EventWorkers, logger)
	go eventConsumer.Start(ctx)

	go func() {
		if err := srv.Run(mux); err != nil {
			logger.Fatal(ctx, "asynq server stopped", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info(ctx, "Shutting down worker server...")
	cancel()
	srv.Shutdown()
	logger.Info(ctx, "Worker server exited")
}
