package workers

import (
	"context"
	"time"

	"pulse-server/internal/jobs"
	"pulse-server/internal/store"
)

//go:generate mockgen -source=interfaces.go -destination=mocks/store_mock.go -package=mocks

// Store defines the database operations the background workers need.
type Store interface {
	ApplyCacheDelta(ctx context.Context, surveyID int64, date time.Time, delta store.CacheDelta) error
	CreateAnswerWithCount(ctx context.Context, params store.CreateAnswerParams) (int, bool, error)
}

// JobClient lets the answer worker hand follow-up deltas back to the queue.
type JobClient interface {
	EnqueueCacheDelta(ctx context.Context, payload jobs.CacheDeltaJobPayload) error
}
