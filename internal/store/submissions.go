package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const submissionColumns = `
id, udid, account_id, device_id, survey_id, client_key, device_type, url,
visit_count, pageview_count, answers_count, closed_by_user, viewed_at, created_at`

// CreateSubmissionParams represents parameters for recording an impression.
type CreateSubmissionParams struct {
	UDID          uuid.UUID
	AccountID     uuid.UUID
	DeviceID      uuid.UUID
	SurveyID      int64
	ClientKey     *string
	DeviceType    string
	URL           *string
	VisitCount    *int
	PageviewCount *int
}

const sqlCreateSubmission = `
INSERT INTO submissions
    (udid, account_id, device_id, survey_id, client_key, device_type, url, visit_count, pageview_count)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING ` + submissionColumns

// CreateSubmission inserts a submission row for an impression.
func (s *Store) CreateSubmission(ctx context.Context, params CreateSubmissionParams) (Submission, error) {
	var submission Submission
	err := s.db.GetContext(ctx, &submission, sqlCreateSubmission,
		params.UDID, params.AccountID, params.DeviceID, params.SurveyID,
		params.ClientKey, params.DeviceType, params.URL, params.VisitCount, params.PageviewCount)
	if err != nil {
		if isUniqueViolation(err) {
			return Submission{}, ErrDuplicate
		}
		s.logger.Error(ctx, "failed to create submission", err)
		return Submission{}, fmt.Errorf("failed to create submission: %w", err)
	}
	return submission, nil
}

const sqlGetSubmissionByUDID = `SELECT ` + submissionColumns + ` FROM submissions WHERE udid = $1`

// GetSubmissionByUDID retrieves a submission by its client-visible token.
func (s *Store) GetSubmissionByUDID(ctx context.Context, udid uuid.UUID) (Submission, error) {
	var submission Submission
	err := s.db.GetContext(ctx, &submission, sqlGetSubmissionByUDID, udid)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Submission{}, ErrNotFound
		}
		s.logger.Error(ctx, "failed to get submission by udid", err)
		return Submission{}, fmt.Errorf("failed to get submission by udid: %w", err)
	}
	return submission, nil
}

const sqlGetRecentSubmission = `
SELECT ` + submissionColumns + `
FROM submissions
WHERE device_id = $1 AND survey_id = $2 AND created_at >= $3
ORDER BY created_at DESC
LIMIT 1
`

// GetRecentSubmission returns the newest submission for (device, survey)
// created at or after since, or ErrNotFound. Used for idempotent worker
// replay of impression recording.
func (s *Store) GetRecentSubmission(ctx context.Context, deviceID uuid.UUID, surveyID int64, since time.Time) (Submission, error) {
	var submission Submission
	err := s.db.GetContext(ctx, &submission, sqlGetRecentSubmission, deviceID, surveyID, since)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Submission{}, ErrNotFound
		}
		s.logger.Error(ctx, "failed to get recent submission", err)
		return Submission{}, fmt.Errorf("failed to get recent submission: %w", err)
	}
	return submission, nil
}

const sqlCountSubmissionsSince = `
SELECT COUNT(*) FROM submissions
WHERE device_id IN (?) AND survey_id = ? AND created_at >= ?
`

// CountSubmissionsSince counts submissions against a survey from any of the
// given devices within the window. Feeds the frequency-cap filter.
func (s *Store) CountSubmissionsSince(ctx context.Context, deviceIDs []uuid.UUID, surveyID int64, since time.Time) (int, error) {
	if len(deviceIDs) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(sqlCountSubmissionsSince, deviceIDs, surveyID, since)
	if err != nil {
		return 0, fmt.Errorf("failed to build submissions count query: %w", err)
	}
	query = s.db.Rebind(query)

	var count int
	if err := s.db.GetContext(ctx, &count, query, args...); err != nil {
		s.logger.Error(ctx, "failed to count submissions", err)
		return 0, fmt.Errorf("failed to count submissions: %w", err)
	}
	return count, nil
}

const sqlLatestSubmissionAt = `
SELECT MAX(created_at) FROM submissions
WHERE device_id IN (?) AND survey_id = ?
`

// LatestSubmissionAt returns the most recent submission time against a
// survey across the given devices, or nil when none exists. Feeds the
// refire filter.
func (s *Store) LatestSubmissionAt(ctx context.Context, deviceIDs []uuid.UUID, surveyID int64) (*time.Time, error) {
	if len(deviceIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(sqlLatestSubmissionAt, deviceIDs, surveyID)
	if err != nil {
		return nil, fmt.Errorf("failed to build latest submission query: %w", err)
	}
	query = s.db.Rebind(query)

	var latest *time.Time
	if err := s.db.GetContext(ctx, &latest, query, args...); err != nil {
		s.logger.Error(ctx, "failed to get latest submission time", err)
		return nil, fmt.Errorf("failed to get latest submission time: %w", err)
	}
	return latest, nil
}

const sqlHasClosedWithoutAnswer = `
SELECT EXISTS (
    SELECT 1 FROM submissions
    WHERE device_id = $1 AND survey_id = $2
      AND closed_by_user = TRUE AND answers_count = 0
)
`

// HasClosedWithoutAnswer reports whether this exact device previously closed
// the survey widget without answering. Deliberately device-scoped, not
// client-key-scoped.
func (s *Store) HasClosedWithoutAnswer(ctx context.Context, deviceID uuid.UUID, surveyID int64) (bool, error) {
	var exists bool
	if err := s.db.GetContext(ctx, &exists, sqlHasClosedWithoutAnswer, deviceID, surveyID); err != nil {
		s.logger.Error(ctx, "failed to check closed-without-answer", err)
		return false, fmt.Errorf("failed to check closed-without-answer: %w", err)
	}
	return exists, nil
}

const sqlHasAnsweredViaClientKey = `
SELECT EXISTS (
    SELECT 1 FROM submissions
    WHERE client_key = $1 AND survey_id = $2 AND answers_count > 0
)
`

// HasAnsweredViaClientKey reports whether any submission linked by client
// key already carries answers for the survey.
func (s *Store) HasAnsweredViaClientKey(ctx context.Context, clientKey string, surveyID int64) (bool, error) {
	var exists bool
	if err := s.db.GetContext(ctx, &exists, sqlHasAnsweredViaClientKey, clientKey, surveyID); err != nil {
		s.logger.Error(ctx, "failed to check answered via client key", err)
		return false, fmt.Errorf("failed to check answered via client key: %w", err)
	}
	return exists, nil
}

const sqlMarkSubmissionClosed = `
UPDATE submissions SET closed_by_user = TRUE WHERE udid = $1
RETURNING ` + submissionColumns

// MarkSubmissionClosed flags a submission as closed by the user.
func (s *Store) MarkSubmissionClosed(ctx context.Context, udid uuid.UUID) (Submission, error) {
	var submission Submission
	err := s.db.GetContext(ctx, &submission, sqlMarkSubmissionClosed, udid)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Submission{}, ErrNotFound
		}
		s.logger.Error(ctx, "failed to mark submission closed", err)
		return Submission{}, fmt.Errorf("failed to mark submission closed: %w", err)
	}
	return submission, nil
}

const sqlSetSubmissionViewedAt = `
UPDATE submissions SET viewed_at = $2 WHERE udid = $1 AND viewed_at IS NULL
RETURNING ` + submissionColumns

// SetSubmissionViewedAt records when the widget became visible. The update
// applies only once; replays return the stored row with updated=false.
func (s *Store) SetSubmissionViewedAt(ctx context.Context, udid uuid.UUID, viewedAt time.Time) (Submission, bool, error) {
	var submission Submission
	err := s.db.GetContext(ctx, &submission, sqlSetSubmissionViewedAt, udid, viewedAt)
	if err == nil {
		return submission, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		s.logger.Error(ctx, "failed to set submission viewed_at", err)
		return Submission{}, false, fmt.Errorf("failed to set submission viewed_at: %w", err)
	}

	// Either the submission does not exist or viewed_at was already set.
	submission, getErr := s.GetSubmissionByUDID(ctx, udid)
	if getErr != nil {
		return Submission{}, false, getErr
	}
	return submission, false, nil
}

const sqlDeleteSubmission = `
DELETE FROM submissions WHERE udid = $1
RETURNING ` + submissionColumns

// DeleteSubmission removes a submission and decrements its daily cache row
// in the same transaction, deleting the cache row when every counter
// reaches zero.
func (s *Store) DeleteSubmission(ctx context.Context, udid uuid.UUID) (Submission, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Submission{}, fmt.Errorf("failed to begin delete submission tx: %w", err)
	}
	defer tx.Rollback()

	var submission Submission
	if err := tx.GetContext(ctx, &submission, sqlDeleteSubmission, udid); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Submission{}, ErrNotFound
		}
		s.logger.Error(ctx, "failed to delete submission", err)
		return Submission{}, fmt.Errorf("failed to delete submission: %w", err)
	}

	delta := CacheDelta{Impressions: -1}
	if submission.ViewedAt != nil {
		delta.ViewedImpressions = -1
	}
	if submission.AnswersCount > 0 {
		delta.Submissions = -1
	}
	if err := applyCacheDelta(ctx, tx, submission.SurveyID, submission.CreatedAt, delta); err != nil {
		s.logger.Error(ctx, "failed to decrement submission cache", err)
		return Submission{}, err
	}

	if err := tx.Commit(); err != nil {
		return Submission{}, fmt.Errorf("failed to commit delete submission: %w", err)
	}
	return submission, nil
}
