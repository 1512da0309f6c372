package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"pulse-server/internal/observability"
)

// Client handles enqueueing background jobs
type Client struct {
	client *asynq.Client
	logger *observability.Logger
}

// NewClient creates a new job client
func NewClient(redisAddr string, logger *observability.Logger) *Client {
	client := asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr})
	return &Client{
		client: client,
		logger: logger,
	}
}

// Close closes the client connection
func (c *Client) Close() error {
	return c.client.Close()
}

// EnqueueCacheDelta enqueues a counter-cache adjustment. A replay of the
// same (submission, kind) pair is dropped by the task ID conflict and is
// not an error.
func (c *Client) EnqueueCacheDelta(ctx context.Context, payload CacheDeltaJobPayload) error {
	task, err := NewCacheDeltaTask(payload)
	if err != nil {
		c.logger.Error(ctx, "failed to create cache delta task", err)
		return fmt.Errorf("failed to create cache delta task: %w", err)
	}

	info, err := c.client.EnqueueContext(ctx, task)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		c.logger.Error(ctx, "failed to enqueue cache delta task", err)
		return fmt.Errorf("failed to enqueue cache delta task: %w", err)
	}

	c.logger.Debug(ctx, fmt.Sprintf("enqueued cache delta task: %s (queue: %s)", info.ID, info.Queue))
	return nil
}

// EnqueueAnswer enqueues an answer write.
func (c *Client) EnqueueAnswer(ctx context.Context, payload AnswerJobPayload) error {
	task, err := NewAnswerTask(payload)
	if err != nil {
		c.logger.Error(ctx, "failed to create answer task", err)
		return fmt.Errorf("failed to create answer task: %w", err)
	}

	info, err := c.client.EnqueueContext(ctx, task)
	if err != nil {
		c.logger.Error(ctx, "failed to enqueue answer task", err)
		return fmt.Errorf("failed to enqueue answer task: %w", err)
	}

	c.logger.Debug(ctx, fmt.Sprintf("enqueued answer task: %s (queue: %s)", info.ID, info.Queue))
	return nil
}
