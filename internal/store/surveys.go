package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const surveyColumns = `
id, account_id, name, status, starts_at, ends_at, sample_rate,
refire_enabled, refire_time, refire_time_period,
stop_showing_without_answer, display_all_questions,
desktop_enabled, mobile_enabled, tablet_enabled, ios_enabled, android_enabled,
email_enabled, native_enabled, invitation, thank_you, created_at, updated_at`

const sqlListSurveysByAccount = `
SELECT ` + surveyColumns + `
FROM surveys
WHERE account_id = $1 AND status <> 'archived'
ORDER BY id ASC
`

// ListSurveysForServing returns the account's non-archived surveys in
// creation order with triggers attached. Status filtering beyond "archived"
// belongs to the eligibility chain (preview mode serves drafts).
func (s *Store) ListSurveysForServing(ctx context.Context, accountID uuid.UUID) ([]Survey, error) {
	var surveys []Survey
	err := s.db.SelectContext(ctx, &surveys, sqlListSurveysByAccount, accountID)
	if err != nil {
		s.logger.Error(ctx, "failed to list surveys for account", err)
		return nil, fmt.Errorf("failed to list surveys for account: %w", err)
	}
	if len(surveys) == 0 {
		return surveys, nil
	}

	ids := make([]int64, 0, len(surveys))
	for _, sv := range surveys {
		ids = append(ids, sv.ID)
	}
	triggersBySurvey, err := s.listTriggersBySurveyIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range surveys {
		surveys[i].Triggers = triggersBySurvey[surveys[i].ID]
	}
	return surveys, nil
}

const sqlGetSurveyByID = `SELECT ` + surveyColumns + ` FROM surveys WHERE id = $1`

// GetSurveyByID retrieves a survey with its triggers.
func (s *Store) GetSurveyByID(ctx context.Context, surveyID int64) (Survey, error) {
	var survey Survey
	err := s.db.GetContext(ctx, &survey, sqlGetSurveyByID, surveyID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Survey{}, ErrNotFound
		}
		s.logger.Error(ctx, "failed to get survey by id", err)
		return Survey{}, fmt.Errorf("failed to get survey by id: %w", err)
	}

	triggersBySurvey, err := s.listTriggersBySurveyIDs(ctx, []int64{survey.ID})
	if err != nil {
		return Survey{}, err
	}
	survey.Triggers = triggersBySurvey[survey.ID]
	return survey, nil
}

const sqlListTriggers = `
SELECT id, survey_id, kind, excluded, mandatory, match_type, value, data_key, threshold, created_at
FROM triggers
WHERE survey_id IN (?)
ORDER BY survey_id, id
`

func (s *Store) listTriggersBySurveyIDs(ctx context.Context, surveyIDs []int64) (map[int64][]Trigger, error) {
	query, args, err := sqlx.In(sqlListTriggers, surveyIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build triggers query: %w", err)
	}
	query = s.db.Rebind(query)

	var triggers []Trigger
	if err := s.db.SelectContext(ctx, &triggers, query, args...); err != nil {
		s.logger.Error(ctx, "failed to list triggers", err)
		return nil, fmt.Errorf("failed to list triggers: %w", err)
	}

	bySurvey := make(map[int64][]Trigger, len(surveyIDs))
	for _, t := range triggers {
		bySurvey[t.SurveyID] = append(bySurvey[t.SurveyID], t)
	}
	return bySurvey, nil
}

const sqlListQuestions = `
SELECT id, survey_id, question_type, content, position,
       next_question_id, free_text_next_question_id, created_at
FROM questions
WHERE survey_id = $1
ORDER BY position ASC
`

const sqlListPossibleAnswers = `
SELECT pa.id, pa.question_id, pa.content, pa.position, pa.next_question_id, pa.created_at
FROM possible_answers pa
JOIN questions q ON q.id = pa.question_id
WHERE q.survey_id = $1
ORDER BY pa.question_id, pa.position ASC
`

// LoadSurveyContent attaches the survey's ordered questions and their
// possible answers.
func (s *Store) LoadSurveyContent(ctx context.Context, survey *Survey) error {
	var questions []Question
	if err := s.db.SelectContext(ctx, &questions, sqlListQuestions, survey.ID); err != nil {
		s.logger.Error(ctx, "failed to list questions", err)
		return fmt.Errorf("failed to list questions: %w", err)
	}

	var possibleAnswers []PossibleAnswer
	if err := s.db.SelectContext(ctx, &possibleAnswers, sqlListPossibleAnswers, survey.ID); err != nil {
		s.logger.Error(ctx, "failed to list possible answers", err)
		return fmt.Errorf("failed to list possible answers: %w", err)
	}

	byQuestion := make(map[int64][]PossibleAnswer)
	for _, pa := range possibleAnswers {
		byQuestion[pa.QuestionID] = append(byQuestion[pa.QuestionID], pa)
	}
	for i := range questions {
		questions[i].PossibleAnswers = byQuestion[questions[i].ID]
	}
	survey.Questions = questions
	return nil
}

const sqlGetQuestion = `
SELECT id, survey_id, question_type, content, position,
       next_question_id, free_text_next_question_id, created_at
FROM questions
WHERE id = $1
`

// GetQuestionByID retrieves a question with its possible answers.
func (s *Store) GetQuestionByID(ctx context.Context, questionID int64) (Question, error) {
	var question Question
	err := s.db.GetContext(ctx, &question, sqlGetQuestion, questionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Question{}, ErrNotFound
		}
		s.logger.Error(ctx, "failed to get question by id", err)
		return Question{}, fmt.Errorf("failed to get question by id: %w", err)
	}

	const sqlPAs = `
SELECT id, question_id, content, position, next_question_id, created_at
FROM possible_answers WHERE question_id = $1 ORDER BY position ASC`
	if err := s.db.SelectContext(ctx, &question.PossibleAnswers, sqlPAs, questionID); err != nil {
		s.logger.Error(ctx, "failed to list possible answers for question", err)
		return Question{}, fmt.Errorf("failed to list possible answers for question: %w", err)
	}
	return question, nil
}
