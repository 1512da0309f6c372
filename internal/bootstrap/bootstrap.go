package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"pulse-server/internal/auth"
	kafkaClient "pulse-server/internal/clients/kafka"
	redisClient "pulse-server/internal/clients/redis"
	"pulse-server/internal/config"
	"pulse-server/internal/events"
	identityProcessor "pulse-server/internal/identity/processor"
	"pulse-server/internal/jobs"
	"pulse-server/internal/observability"
	serveHandler "pulse-server/internal/serve/handler"
	serveProcessor "pulse-server/internal/serve/processor"
	"pulse-server/internal/store"
	submissionsHandler "pulse-server/internal/submissions/handler"
	submissionsProcessor "pulse-server/internal/submissions/processor"
	"pulse-server/internal/throttle"
)

// Dependencies holds all initialized application dependencies
type Dependencies struct {
	// Core
	Store  store.Store
	Logger *observability.Logger

	// Handlers
	ServeHandler       serveHandler.Handler
	SubmissionsHandler submissionsHandler.Handler
	AuthService        *auth.Service

	// Clients (for cleanup)
	Redis         *redisClient.Client
	Jobs          *jobs.Client
	KafkaProducer *kafkaClient.Producer
}

// Initialize sets up all application dependencies for the API server.
func Initialize(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Logger: logger,
	}

	var err error
	deps.Store, err = store.New(cfg.Database.ConnectionString(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := deps.Store.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	deps.Redis, err = redisClient.NewClient(cfg.Redis, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	deps.Jobs = jobs.NewClient(cfg.Redis.Addr, logger)

	deps.KafkaProducer = kafkaClient.NewProducer(kafkaClient.ProducerConfig{
		Brokers: strings.Split(cfg.Kafka.Brokers, ","),
		Topic:   cfg.Kafka.Topic,
	}, logger)
	publisher := events.NewPublisher(deps.KafkaProducer, logger)

	deps.AuthService = auth.NewService(cfg.Auth.AdminJWTSecret, logger)
	throttleService := throttle.NewService(deps.Redis, logger)

	identityProc := identityProcessor.New(&deps.Store, logger)
	serveProc := serveProcessor.New(&deps.Store, logger)
	submissionsProc := submissionsProcessor.New(&deps.Store, deps.Jobs, logger)

	deps.ServeHandler = serveHandler.New(identityProc, serveProc, submissionsProc, throttleService, logger)
	deps.SubmissionsHandler = submissionsHandler.New(identityProc, submissionsProc, publisher, logger)

	return deps, nil
}

// Close releases the external connections held by the dependency graph.
func (d *Dependencies) Close(ctx context.Context) {
	if d.Jobs != nil {
		if err := d.Jobs.Close(); err != nil {
			d.Logger.Error(ctx, "failed to close job client", err)
		}
	}
	if d.KafkaProducer != nil {
		if err := d.KafkaProducer.Close(); err != nil {
			d.Logger.Error(ctx, "failed to close kafka producer", err)
		}
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			d.Logger.Error(ctx, "failed to close redis client", err)
		}
	}
}
