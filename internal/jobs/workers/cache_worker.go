package workers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"pulse-server/internal/jobs"
	"pulse-server/internal/observability"
)

// CacheWorker applies counter-cache deltas produced by the serving path.
type CacheWorker struct {
	store  Store
	logger *observability.Logger
}

// NewCacheWorker creates a new cache worker
func NewCacheWorker(store Store, logger *observability.Logger) *CacheWorker {
	return &CacheWorker{
		store:  store,
		logger: logger,
	}
}

// ProcessCacheDeltaTask applies one delta to the (survey, date) cache row.
// The increment is atomic in the database, so concurrent workers for the
// same survey and day do not lose updates.
func (w *CacheWorker) ProcessCacheDeltaTask(ctx context.Context, task *asynq.Task) error {
	var payload jobs.CacheDeltaJobPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		w.logger.Error(ctx, "failed to unmarshal cache delta payload", err)
		return fmt.Errorf("failed to unmarshal cache delta payload: %w", err)
	}
	if payload.Delta.IsZero() {
		return nil
	}

	ctx = observability.WithFields(ctx,
		observability.Field{Key: "survey_id", Value: payload.SurveyID},
		observability.Field{Key: "submission_udid", Value: payload.SubmissionUDID.String()},
		observability.Field{Key: "delta_kind", Value: string(payload.Kind)},
	)

	if err := w.store.ApplyCacheDelta(ctx, payload.SurveyID, payload.Date, payload.Delta); err != nil {
		w.logger.Error(ctx, "failed to apply cache delta", err)
		return fmt.Errorf("failed to apply cache delta: %w", err)
	}
	return nil
}
