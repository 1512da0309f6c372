package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"pulse-server/internal/store"
)

// Job type constants
const (
	// High priority queue: counters feeding live dashboards.
	TypeCacheDelta = "cache:apply_delta"

	// Default queue: answer writes deferred off the request path.
	TypeAnswerCreate = "answer:create"
)

// Queue names
const (
	QueueHigh    = "high"
	QueueDefault = "default"
)

// CacheDeltaKind labels which submission lifecycle step produced a delta.
// It feeds the task ID so replays of the same step deduplicate.
type CacheDeltaKind string

const (
	CacheDeltaImpression CacheDeltaKind = "impression"
	CacheDeltaViewed     CacheDeltaKind = "viewed"
	CacheDeltaAnswered   CacheDeltaKind = "answered"
)

// CacheDeltaJobPayload adjusts a survey's daily counter-cache row. Delivery
// is at-least-once; the task ID derived from (submission, kind) makes the
// enqueue side effectively once per lifecycle step.
type CacheDeltaJobPayload struct {
	SubmissionUDID uuid.UUID        `json:"submission_udid"`
	Kind           CacheDeltaKind   `json:"kind"`
	SurveyID       int64            `json:"survey_id"`
	Date           time.Time        `json:"date"`
	Delta          store.CacheDelta `json:"delta"`
}

// NewCacheDeltaTask creates a cache delta task with a deduplicating ID.
// Completed tasks are retained so the ID keeps rejecting replays of the
// same lifecycle step after the delta has been applied.
func NewCacheDeltaTask(payload CacheDeltaJobPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	taskID := fmt.Sprintf("cache:%s:%s", payload.SubmissionUDID, payload.Kind)
	return asynq.NewTask(TypeCacheDelta, data,
		asynq.Queue(QueueHigh), asynq.MaxRetry(10), asynq.TaskID(taskID),
		asynq.Retention(24*time.Hour)), nil
}

// AnswerJobPayload carries one answer write deferred off the request path.
// The worker treats a uniqueness violation as already-applied.
type AnswerJobPayload struct {
	SubmissionID     int64              `json:"submission_id"`
	SubmissionUDID   uuid.UUID          `json:"submission_udid"`
	SurveyID         int64              `json:"survey_id"`
	QuestionID       int64              `json:"question_id"`
	QuestionType     store.QuestionType `json:"question_type"`
	PossibleAnswerID *int64             `json:"possible_answer_id,omitempty"`
	TextAnswer       *string            `json:"text_answer,omitempty"`
	AnsweredAt       time.Time          `json:"answered_at"`
}

// NewAnswerTask creates an answer persistence task.
func NewAnswerTask(payload AnswerJobPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeAnswerCreate, data,
		asynq.Queue(QueueDefault), asynq.MaxRetry(10)), nil
}
