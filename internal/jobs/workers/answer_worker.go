package workers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"pulse-server/internal/jobs"
	"pulse-server/internal/observability"
	"pulse-server/internal/store"
)

// AnswerWorker persists answers deferred off the request path. Delivery is
// at-least-once, so the worker leans on the answers table's uniqueness
// indexes to make redelivery harmless.
type AnswerWorker struct {
	store  Store
	jobs   JobClient
	logger *observability.Logger
}

// NewAnswerWorker creates a new answer worker
func NewAnswerWorker(store Store, jobsClient JobClient, logger *observability.Logger) *AnswerWorker {
	return &AnswerWorker{
		store:  store,
		jobs:   jobsClient,
		logger: logger,
	}
}

// ProcessAnswerTask writes one answer with its counter bump in a single
// transaction, and on the submission's first answer credits the survey's
// daily submission count. A redelivery hits the duplicate guard, gets the
// committed counter back, and retries only the credit enqueue, which the
// delta's task ID keeps single.
func (w *AnswerWorker) ProcessAnswerTask(ctx context.Context, task *asynq.Task) error {
	var payload jobs.AnswerJobPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		w.logger.Error(ctx, "failed to unmarshal answer payload", err)
		return fmt.Errorf("failed to unmarshal answer payload: %w", err)
	}

	ctx = observability.WithFields(ctx,
		observability.Field{Key: "submission_udid", Value: payload.SubmissionUDID.String()},
		observability.Field{Key: "question_id", Value: payload.QuestionID},
	)

	count, created, err := w.store.CreateAnswerWithCount(ctx, store.CreateAnswerParams{
		SubmissionID:     payload.SubmissionID,
		QuestionID:       payload.QuestionID,
		QuestionType:     payload.QuestionType,
		PossibleAnswerID: payload.PossibleAnswerID,
		TextAnswer:       payload.TextAnswer,
	})
	if err != nil {
		w.logger.Error(ctx, "failed to create answer", err)
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if !created {
		w.logger.Debug(ctx, "duplicate answer, write already applied")
	}

	// The first answer is what turns an impression into a submission for
	// reporting purposes.
	if count == 1 {
		answeredAt := payload.AnsweredAt
		return w.jobs.EnqueueCacheDelta(ctx, jobs.CacheDeltaJobPayload{
			SubmissionUDID: payload.SubmissionUDID,
			Kind:           jobs.CacheDeltaAnswered,
			SurveyID:       payload.SurveyID,
			Date:           answeredAt,
			Delta: store.CacheDelta{
				Submissions:      1,
				LastSubmissionAt: &answeredAt,
			},
		})
	}
	return nil
}
