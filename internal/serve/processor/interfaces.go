package processor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"pulse-server/internal/store"
)

//go:generate mockgen -source=interfaces.go -destination=mocks/store_mock.go -package=mocks

// Store defines the database operations required by ServeProcessor
type Store interface {
	ListSurveysForServing(ctx context.Context, accountID uuid.UUID) ([]store.Survey, error)
	GetSurveyByID(ctx context.Context, surveyID int64) (store.Survey, error)
	LoadSurveyContent(ctx context.Context, survey *store.Survey) error
	CountSubmissionsSince(ctx context.Context, deviceIDs []uuid.UUID, surveyID int64, since time.Time) (int, error)
	LatestSubmissionAt(ctx context.Context, deviceIDs []uuid.UUID, surveyID int64) (*time.Time, error)
	HasClosedWithoutAnswer(ctx context.Context, deviceID uuid.UUID, surveyID int64) (bool, error)
	HasAnsweredViaClientKey(ctx context.Context, clientKey string, surveyID int64) (bool, error)
	ListAnsweredPossibleAnswerIDs(ctx context.Context, deviceIDs []uuid.UUID) (map[int64]bool, error)
}
