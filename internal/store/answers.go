package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// CreateAnswerParams represents parameters for storing one answer.
type CreateAnswerParams struct {
	SubmissionID     int64
	QuestionID       int64
	QuestionType     QuestionType
	PossibleAnswerID *int64
	TextAnswer       *string
}

const sqlCreateAnswer = `
INSERT INTO answers (submission_id, question_id, question_type, possible_answer_id, text_answer)
VALUES ($1, $2, $3, $4, $5)
RETURNING id, submission_id, question_id, question_type, possible_answer_id, text_answer, created_at
`

const sqlIncrementAnswersCount = `
UPDATE submissions SET answers_count = answers_count + 1 WHERE id = $1
RETURNING answers_count
`

const sqlGetAnswersCount = `
SELECT answers_count FROM submissions WHERE id = $1
`

// CreateAnswerWithCount inserts an answer and bumps the submission's
// denormalized answer counter in the same transaction, so a crash between
// the two can never strand the counter. The uniqueness invariants live in
// the database (partial unique indexes on answers); a duplicate insert
// means an earlier delivery already committed both writes, so the current
// counter is returned with created=false.
func (s *Store) CreateAnswerWithCount(ctx context.Context, params CreateAnswerParams) (int, bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("failed to begin answer tx: %w", err)
	}
	defer tx.Rollback()

	var answer Answer
	err = tx.GetContext(ctx, &answer, sqlCreateAnswer,
		params.SubmissionID, params.QuestionID, params.QuestionType,
		params.PossibleAnswerID, params.TextAnswer)
	if err != nil {
		if isUniqueViolation(err) {
			var count int
			if err := s.db.GetContext(ctx, &count, sqlGetAnswersCount, params.SubmissionID); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return 0, false, ErrNotFound
				}
				s.logger.Error(ctx, "failed to read answers count", err)
				return 0, false, fmt.Errorf("failed to read answers count: %w", err)
			}
			return count, false, nil
		}
		s.logger.Error(ctx, "failed to create answer", err)
		return 0, false, fmt.Errorf("failed to create answer: %w", err)
	}

	var count int
	if err := tx.GetContext(ctx, &count, sqlIncrementAnswersCount, params.SubmissionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, ErrNotFound
		}
		s.logger.Error(ctx, "failed to increment answers count", err)
		return 0, false, fmt.Errorf("failed to increment answers count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("failed to commit answer tx: %w", err)
	}
	return count, true, nil
}

// PossibleAnswerCount is one row of poll results.
type PossibleAnswerCount struct {
	QuestionID       int64 `db:"question_id" json:"question_id"`
	PossibleAnswerID int64 `db:"possible_answer_id" json:"possible_answer_id"`
	Count            int   `db:"count" json:"count"`
}

const sqlGetAnswerCounts = `
SELECT a.question_id, a.possible_answer_id, COUNT(*)::int AS count
FROM answers a
JOIN questions q ON q.id = a.question_id
WHERE q.survey_id = $1 AND a.possible_answer_id IS NOT NULL
GROUP BY a.question_id, a.possible_answer_id
ORDER BY a.question_id, a.possible_answer_id
`

// GetAnswerCounts returns per-possible-answer tallies for a survey's poll
// display.
func (s *Store) GetAnswerCounts(ctx context.Context, surveyID int64) ([]PossibleAnswerCount, error) {
	var counts []PossibleAnswerCount
	if err := s.db.SelectContext(ctx, &counts, sqlGetAnswerCounts, surveyID); err != nil {
		s.logger.Error(ctx, "failed to get answer counts", err)
		return nil, fmt.Errorf("failed to get answer counts: %w", err)
	}
	return counts, nil
}

const sqlListAnsweredPossibleAnswerIDs = `
SELECT DISTINCT a.possible_answer_id
FROM answers a
JOIN submissions sub ON sub.id = a.submission_id
WHERE sub.device_id IN (?) AND a.possible_answer_id IS NOT NULL
`

// ListAnsweredPossibleAnswerIDs returns the set of possible answers the
// visitor's devices have ever chosen. Feeds previous-answer triggers.
func (s *Store) ListAnsweredPossibleAnswerIDs(ctx context.Context, deviceIDs []uuid.UUID) (map[int64]bool, error) {
	if len(deviceIDs) == 0 {
		return map[int64]bool{}, nil
	}
	query, args, err := sqlx.In(sqlListAnsweredPossibleAnswerIDs, deviceIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build answered possible answers query: %w", err)
	}
	query = s.db.Rebind(query)

	var ids []int64
	if err := s.db.SelectContext(ctx, &ids, query, args...); err != nil {
		s.logger.Error(ctx, "failed to list answered possible answers", err)
		return nil, fmt.Errorf("failed to list answered possible answers: %w", err)
	}

	answered := make(map[int64]bool, len(ids))
	for _, id := range ids {
		answered[id] = true
	}
	return answered, nil
}
