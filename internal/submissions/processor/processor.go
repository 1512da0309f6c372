package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pulse-server/internal/jobs"
	"pulse-server/internal/observability"
	"pulse-server/internal/store"
)

var (
	// ErrSubmissionNotFound is returned for an unknown submission udid.
	ErrSubmissionNotFound = errors.New("submission not found")
	// ErrQuestionNotFound is returned for an unknown question id.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrSurveyNotFound is returned for an unknown or foreign survey id.
	ErrSurveyNotFound = errors.New("survey not found")
	// ErrAnswerMismatch is returned when the possible answer does not belong
	// to the question.
	ErrAnswerMismatch = errors.New("possible answer does not belong to question")
	// ErrEmptyAnswer is returned when neither a possible answer nor text was
	// supplied.
	ErrEmptyAnswer = errors.New("answer requires a possible answer or text")
)

// replayWindow bounds how far back the recorder looks for an existing
// submission when a delivery is replayed.
const replayWindow = 10 * time.Second

// SubmissionProcessor records impressions and answers, keeping the daily
// counter cache eventually consistent through the job queue.
type SubmissionProcessor struct {
	store  Store
	jobs   JobClient
	logger *observability.Logger
}

// New creates a new SubmissionProcessor.
func New(store Store, jobClient JobClient, logger *observability.Logger) *SubmissionProcessor {
	return &SubmissionProcessor{store: store, jobs: jobClient, logger: logger}
}

// RecordImpressionParams carries the request context persisted with an
// impression.
type RecordImpressionParams struct {
	Account       store.Account
	Device        store.Device
	SurveyID      int64
	ClientKey     *string
	DeviceType    string
	URL           *string
	VisitCount    *int
	PageviewCount *int
}

// RecordImpression writes the submission row synchronously so its udid can
// go back to the tag, then defers the counter-cache increment to the job
// queue. A replay within the window finds the existing row instead of
// double-counting.
func (p *SubmissionProcessor) RecordImpression(ctx context.Context, params RecordImpressionParams) (store.Submission, error) {
	if existing, err := p.store.GetRecentSubmission(ctx, params.Device.ID, params.SurveyID, time.Now().Add(-replayWindow)); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.Submission{}, err
	}

	submission, err := p.store.CreateSubmission(ctx, store.CreateSubmissionParams{
		UDID:          uuid.New(),
		AccountID:     params.Account.ID,
		DeviceID:      params.Device.ID,
		SurveyID:      params.SurveyID,
		ClientKey:     params.ClientKey,
		DeviceType:    params.DeviceType,
		URL:           params.URL,
		VisitCount:    params.VisitCount,
		PageviewCount: params.PageviewCount,
	})
	if err != nil {
		return store.Submission{}, fmt.Errorf("failed to record impression: %w", err)
	}

	createdAt := submission.CreatedAt
	if err := p.jobs.EnqueueCacheDelta(ctx, jobs.CacheDeltaJobPayload{
		SubmissionUDID: submission.UDID,
		Kind:           jobs.CacheDeltaImpression,
		SurveyID:       submission.SurveyID,
		Date:           createdAt,
		Delta: store.CacheDelta{
			Impressions:      1,
			LastImpressionAt: &createdAt,
		},
	}); err != nil {
		// The impression itself is durable; the cache catches up on the
		// next delta for this survey. Log and keep serving.
		p.logger.Error(ctx, "failed to enqueue impression cache delta", err)
	}
	return submission, nil
}

// AnswerParams is one answer to record against a submission.
type AnswerParams struct {
	QuestionID       int64
	PossibleAnswerID *int64
	TextAnswer       *string
}

// AnswerReceipt echoes routing back to the widget so it can advance before
// the asynchronous write lands.
type AnswerReceipt struct {
	QuestionID     int64
	NextQuestionID *int64
}

// RecordAnswer validates the answer against the question definition and
// enqueues the write. The database's uniqueness indexes are the final
// duplicate guard once the worker runs.
func (p *SubmissionProcessor) RecordAnswer(ctx context.Context, submissionUDID uuid.UUID, params AnswerParams) (AnswerReceipt, error) {
	submission, err := p.getSubmission(ctx, submissionUDID)
	if err != nil {
		return AnswerReceipt{}, err
	}

	question, err := p.store.GetQuestionByID(ctx, params.QuestionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return AnswerReceipt{}, ErrQuestionNotFound
		}
		return AnswerReceipt{}, err
	}
	if question.SurveyID != submission.SurveyID {
		return AnswerReceipt{}, ErrQuestionNotFound
	}

	hasText := params.TextAnswer != nil && *params.TextAnswer != ""
	if params.PossibleAnswerID == nil && !hasText {
		return AnswerReceipt{}, ErrEmptyAnswer
	}

	next := question.NextQuestionID
	if params.PossibleAnswerID != nil {
		pa, ok := findPossibleAnswer(question, *params.PossibleAnswerID)
		if !ok {
			return AnswerReceipt{}, ErrAnswerMismatch
		}
		if pa.NextQuestionID != nil {
			next = pa.NextQuestionID
		}
	} else if question.QuestionType == store.QuestionTypeFreeText && question.FreeTextNextQuestionID != nil {
		next = question.FreeTextNextQuestionID
	}

	if err := p.jobs.EnqueueAnswer(ctx, jobs.AnswerJobPayload{
		SubmissionID:     submission.ID,
		SubmissionUDID:   submission.UDID,
		SurveyID:         submission.SurveyID,
		QuestionID:       question.ID,
		QuestionType:     question.QuestionType,
		PossibleAnswerID: params.PossibleAnswerID,
		TextAnswer:       params.TextAnswer,
		AnsweredAt:       time.Now(),
	}); err != nil {
		return AnswerReceipt{}, fmt.Errorf("failed to enqueue answer: %w", err)
	}
	return AnswerReceipt{QuestionID: question.ID, NextQuestionID: next}, nil
}

// RecordAllAnswers records a batch submitted by all-at-once surveys. Each
// answer validates and enqueues in order and a bad answer stops the batch;
// the duplicate guard makes retrying the whole batch safe.
func (p *SubmissionProcessor) RecordAllAnswers(ctx context.Context, submissionUDID uuid.UUID, answers []AnswerParams) ([]AnswerReceipt, error) {
	receipts := make([]AnswerReceipt, 0, len(answers))
	for _, a := range answers {
		receipt, err := p.RecordAnswer(ctx, submissionUDID, a)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, receipt)
	}
	return receipts, nil
}

// RecordLinkClick records a click on a custom-content question's link as an
// answer. Double clicks collapse into one row under the duplicate guard.
func (p *SubmissionProcessor) RecordLinkClick(ctx context.Context, submissionUDID uuid.UUID, questionID int64, linkURL string) error {
	submission, err := p.getSubmission(ctx, submissionUDID)
	if err != nil {
		return err
	}
	question, err := p.store.GetQuestionByID(ctx, questionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrQuestionNotFound
		}
		return err
	}
	if question.SurveyID != submission.SurveyID {
		return ErrQuestionNotFound
	}

	return p.jobs.EnqueueAnswer(ctx, jobs.AnswerJobPayload{
		SubmissionID:   submission.ID,
		SubmissionUDID: submission.UDID,
		SurveyID:       submission.SurveyID,
		QuestionID:     question.ID,
		QuestionType:   question.QuestionType,
		TextAnswer:     &linkURL,
		AnsweredAt:     time.Now(),
	})
}

// Close flags the submission as closed by the user.
func (p *SubmissionProcessor) Close(ctx context.Context, submissionUDID uuid.UUID) (store.Submission, error) {
	submission, err := p.store.MarkSubmissionClosed(ctx, submissionUDID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Submission{}, ErrSubmissionNotFound
		}
		return store.Submission{}, err
	}
	return submission, nil
}

// MarkViewed stamps viewed_at the first time the widget reports visibility
// and credits the viewed-impression counter. Replays return the stored row
// without enqueueing another delta.
func (p *SubmissionProcessor) MarkViewed(ctx context.Context, submissionUDID uuid.UUID) (store.Submission, error) {
	viewedAt := time.Now()
	submission, updated, err := p.store.SetSubmissionViewedAt(ctx, submissionUDID, viewedAt)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Submission{}, ErrSubmissionNotFound
		}
		return store.Submission{}, err
	}
	if !updated {
		return submission, nil
	}

	if err := p.jobs.EnqueueCacheDelta(ctx, jobs.CacheDeltaJobPayload{
		SubmissionUDID: submission.UDID,
		Kind:           jobs.CacheDeltaViewed,
		SurveyID:       submission.SurveyID,
		Date:           submission.CreatedAt,
		Delta: store.CacheDelta{
			ViewedImpressions: 1,
			LastImpressionAt:  &viewedAt,
		},
	}); err != nil {
		p.logger.Error(ctx, "failed to enqueue viewed cache delta", err)
	}
	return submission, nil
}

// Destroy removes a submission. The cache decrement runs in the same
// transaction as the delete, so the daily row never drifts and disappears
// once its last submission for the day is gone.
func (p *SubmissionProcessor) Destroy(ctx context.Context, submissionUDID uuid.UUID) error {
	_, err := p.store.DeleteSubmission(ctx, submissionUDID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrSubmissionNotFound
		}
		return err
	}
	return nil
}

// PollResults returns per-possible-answer tallies for the widget's poll
// display mode.
func (p *SubmissionProcessor) PollResults(ctx context.Context, accountID uuid.UUID, surveyID int64) ([]store.PossibleAnswerCount, error) {
	survey, err := p.store.GetSurveyByID(ctx, surveyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSurveyNotFound
		}
		return nil, err
	}
	if survey.AccountID != accountID {
		return nil, ErrSurveyNotFound
	}
	return p.store.GetAnswerCounts(ctx, surveyID)
}

// RecordDirectSubmission handles the one-tap answer link (question + chosen
// answer in the URL, typically from an e-mail). It creates the submission
// and the answer in one step; eligibility gates and frequency caps do not
// apply on this path.
func (p *SubmissionProcessor) RecordDirectSubmission(ctx context.Context, account store.Account, device store.Device, questionID, possibleAnswerID int64) (store.Submission, error) {
	question, err := p.store.GetQuestionByID(ctx, questionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Submission{}, ErrQuestionNotFound
		}
		return store.Submission{}, err
	}
	if _, ok := findPossibleAnswer(question, possibleAnswerID); !ok {
		return store.Submission{}, ErrAnswerMismatch
	}

	survey, err := p.store.GetSurveyByID(ctx, question.SurveyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Submission{}, ErrSurveyNotFound
		}
		return store.Submission{}, err
	}
	if survey.AccountID != account.ID {
		return store.Submission{}, ErrSurveyNotFound
	}

	submission, err := p.RecordImpression(ctx, RecordImpressionParams{
		Account:    account,
		Device:     device,
		SurveyID:   survey.ID,
		ClientKey:  device.ClientKey,
		DeviceType: string(store.DeviceTypeEmail),
	})
	if err != nil {
		return store.Submission{}, err
	}

	if err := p.jobs.EnqueueAnswer(ctx, jobs.AnswerJobPayload{
		SubmissionID:     submission.ID,
		SubmissionUDID:   submission.UDID,
		SurveyID:         submission.SurveyID,
		QuestionID:       question.ID,
		QuestionType:     question.QuestionType,
		PossibleAnswerID: &possibleAnswerID,
		AnsweredAt:       time.Now(),
	}); err != nil {
		return store.Submission{}, fmt.Errorf("failed to enqueue direct answer: %w", err)
	}
	return submission, nil
}

func (p *SubmissionProcessor) getSubmission(ctx context.Context, udid uuid.UUID) (store.Submission, error) {
	submission, err := p.store.GetSubmissionByUDID(ctx, udid)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Submission{}, ErrSubmissionNotFound
		}
		return store.Submission{}, err
	}
	return submission, nil
}

func findPossibleAnswer(q store.Question, id int64) (store.PossibleAnswer, bool) {
	for _, pa := range q.PossibleAnswers {
		if pa.ID == id {
			return pa, true
		}
	}
	return store.PossibleAnswer{}, false
}
