package processor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"pulse-server/internal/jobs"
	"pulse-server/internal/store"
)

//go:generate mockgen -source=interfaces.go -destination=mocks/store_mock.go -package=mocks

// Store defines the database operations required by SubmissionProcessor
type Store interface {
	CreateSubmission(ctx context.Context, params store.CreateSubmissionParams) (store.Submission, error)
	GetSubmissionByUDID(ctx context.Context, udid uuid.UUID) (store.Submission, error)
	GetRecentSubmission(ctx context.Context, deviceID uuid.UUID, surveyID int64, since time.Time) (store.Submission, error)
	MarkSubmissionClosed(ctx context.Context, udid uuid.UUID) (store.Submission, error)
	SetSubmissionViewedAt(ctx context.Context, udid uuid.UUID, viewedAt time.Time) (store.Submission, bool, error)
	DeleteSubmission(ctx context.Context, udid uuid.UUID) (store.Submission, error)
	GetQuestionByID(ctx context.Context, questionID int64) (store.Question, error)
	GetSurveyByID(ctx context.Context, surveyID int64) (store.Survey, error)
	GetAnswerCounts(ctx context.Context, surveyID int64) ([]store.PossibleAnswerCount, error)
}

// JobClient defines the async work the processor hands off the request path.
type JobClient interface {
	EnqueueCacheDelta(ctx context.Context, payload jobs.CacheDeltaJobPayload) error
	EnqueueAnswer(ctx context.Context, payload jobs.AnswerJobPayload) error
}
