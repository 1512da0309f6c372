package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// CacheDelta describes an atomic adjustment to a survey's daily cache row.
// Counts may be negative (submission destroy). Timestamps only ever move
// forward.
type CacheDelta struct {
	Impressions       int
	ViewedImpressions int
	Submissions       int
	LastImpressionAt  *time.Time
	LastSubmissionAt  *time.Time
}

// IsZero reports whether applying the delta would be a no-op.
func (d CacheDelta) IsZero() bool {
	return d.Impressions == 0 && d.ViewedImpressions == 0 && d.Submissions == 0 &&
		d.LastImpressionAt == nil && d.LastSubmissionAt == nil
}

const sqlApplyCacheDelta = `
INSERT INTO survey_submission_caches
    (survey_id, date, impression_count, viewed_impression_count, submission_count,
     last_impression_at, last_submission_at)
VALUES ($1, $2, GREATEST($3, 0), GREATEST($4, 0), GREATEST($5, 0), $6, $7)
ON CONFLICT (survey_id, date) DO UPDATE SET
    impression_count        = GREATEST(survey_submission_caches.impression_count + $3, 0),
    viewed_impression_count = GREATEST(survey_submission_caches.viewed_impression_count + $4, 0),
    submission_count        = GREATEST(survey_submission_caches.submission_count + $5, 0),
    last_impression_at      = GREATEST(survey_submission_caches.last_impression_at, $6),
    last_submission_at      = GREATEST(survey_submission_caches.last_submission_at, $7)
`

const sqlSweepEmptyCacheRow = `
DELETE FROM survey_submission_caches
WHERE survey_id = $1 AND date = $2
  AND impression_count <= 0 AND viewed_impression_count <= 0 AND submission_count <= 0
`

// ApplyCacheDelta upserts the (survey, date) cache row with an atomic
// in-database increment, then removes the row if every counter reached
// zero. Safe to call concurrently and to replay (deltas are deduplicated
// upstream by task ID).
func (s *Store) ApplyCacheDelta(ctx context.Context, surveyID int64, date time.Time, delta CacheDelta) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin cache delta tx: %w", err)
	}
	defer tx.Rollback()

	if err := applyCacheDelta(ctx, tx, surveyID, date, delta); err != nil {
		s.logger.Error(ctx, "failed to apply cache delta", err)
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cache delta: %w", err)
	}
	return nil
}

// applyCacheDelta runs the upsert and sweep inside the caller's transaction.
func applyCacheDelta(ctx context.Context, q sqlx.ExtContext, surveyID int64, date time.Time, delta CacheDelta) error {
	day := date.UTC().Truncate(24 * time.Hour)
	_, err := q.ExecContext(ctx, sqlApplyCacheDelta,
		surveyID, day,
		delta.Impressions, delta.ViewedImpressions, delta.Submissions,
		delta.LastImpressionAt, delta.LastSubmissionAt)
	if err != nil {
		return fmt.Errorf("failed to apply cache delta: %w", err)
	}

	if delta.Impressions < 0 || delta.ViewedImpressions < 0 || delta.Submissions < 0 {
		if _, err := q.ExecContext(ctx, sqlSweepEmptyCacheRow, surveyID, day); err != nil {
			return fmt.Errorf("failed to sweep empty cache row: %w", err)
		}
	}
	return nil
}

const sqlGetSubmissionCache = `
SELECT survey_id, date, impression_count, viewed_impression_count, submission_count,
       last_impression_at, last_submission_at
FROM survey_submission_caches
WHERE survey_id = $1 AND date = $2
`

// GetSubmissionCache retrieves the daily cache row for a survey.
func (s *Store) GetSubmissionCache(ctx context.Context, surveyID int64, date time.Time) (SurveySubmissionCache, error) {
	var cache SurveySubmissionCache
	day := date.UTC().Truncate(24 * time.Hour)
	err := s.db.GetContext(ctx, &cache, sqlGetSubmissionCache, surveyID, day)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SurveySubmissionCache{}, ErrNotFound
		}
		s.logger.Error(ctx, "failed to get submission cache", err)
		return SurveySubmissionCache{}, fmt.Errorf("failed to get submission cache: %w", err)
	}
	return cache, nil
}
