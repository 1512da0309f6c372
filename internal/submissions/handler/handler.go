package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"pulse-server/internal/apierrors"
	"pulse-server/internal/events"
	identity "pulse-server/internal/identity/processor"
	"pulse-server/internal/observability"
	"pulse-server/internal/store"
	submissions "pulse-server/internal/submissions/processor"
)

// Handler serves the tag-facing submission endpoints. Answers are accepted
// both as form posts and as query strings since parts of the installed tag
// base still send beacon-style GETs.
type Handler struct {
	identity    *identity.IdentityProcessor
	submissions *submissions.SubmissionProcessor
	events      *events.Publisher
	logger      *observability.Logger
}

// New creates a new submissions handler.
func New(identityProcessor *identity.IdentityProcessor, submissionProcessor *submissions.SubmissionProcessor,
	publisher *events.Publisher, logger *observability.Logger) Handler {
	return Handler{
		identity:    identityProcessor,
		submissions: submissionProcessor,
		events:      publisher,
		logger:      logger,
	}
}

// answerBody is one answer as the tag sends it.
type answerBody struct {
	QuestionID       int64   `json:"question_id"`
	PossibleAnswerID *int64  `json:"possible_answer_id,omitempty"`
	TextAnswer       *string `json:"text_answer,omitempty"`
}

// HandleAnswer handles POST /submissions/:udid/answer. The response echoes
// the routing decision so the widget advances without waiting on the
// asynchronous write.
func (h *Handler) HandleAnswer(c *gin.Context) {
	submissionUDID, ok := parseSubmissionUDID(c)
	if !ok {
		return
	}
	questionID, err := strconv.ParseInt(param(c, "question_id"), 10, 64)
	if err != nil {
		apierrors.InvalidParam(c, "question_id")
		return
	}

	params := submissions.AnswerParams{QuestionID: questionID}
	if raw := param(c, "answer_id"); raw != "" {
		answerID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			apierrors.InvalidParam(c, "answer_id")
			return
		}
		params.PossibleAnswerID = &answerID
	}
	if text := param(c, "text_answer"); text != "" {
		params.TextAnswer = &text
	}

	receipt, err := h.submissions.RecordAnswer(c.Request.Context(), submissionUDID, params)
	if err != nil {
		h.writeSubmissionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"question_id":      receipt.QuestionID,
		"next_question_id": receipt.NextQuestionID,
	})
}

// HandleAllAnswers handles POST /submissions/:udid/all_answers, the
// display-all-questions submit. The batch validates as a unit; one bad
// answer rejects the whole post.
func (h *Handler) HandleAllAnswers(c *gin.Context) {
	submissionUDID, ok := parseSubmissionUDID(c)
	if !ok {
		return
	}

	var bodies []answerBody
	raw := param(c, "answers")
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &bodies); err != nil {
			apierrors.InvalidParam(c, "answers")
			return
		}
	} else if err := c.ShouldBindJSON(&bodies); err != nil {
		apierrors.InvalidParam(c, "answers")
		return
	}
	if len(bodies) == 0 {
		apierrors.MissingParam(c, "answers")
		return
	}

	batch := make([]submissions.AnswerParams, 0, len(bodies))
	for _, b := range bodies {
		batch = append(batch, submissions.AnswerParams{
			QuestionID:       b.QuestionID,
			PossibleAnswerID: b.PossibleAnswerID,
			TextAnswer:       b.TextAnswer,
		})
	}

	receipts, err := h.submissions.RecordAllAnswers(c.Request.Context(), submissionUDID, batch)
	if err != nil {
		h.writeSubmissionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"answers_count": len(receipts)})
}

// HandleClose handles POST /submissions/:udid/close, sent when the visitor
// dismisses the widget without answering.
func (h *Handler) HandleClose(c *gin.Context) {
	submissionUDID, ok := parseSubmissionUDID(c)
	if !ok {
		return
	}
	submission, err := h.submissions.Close(c.Request.Context(), submissionUDID)
	if err != nil {
		h.writeSubmissionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"udid": submission.UDID, "closed_by_user": true})
}

// HandleViewedAt handles POST /submissions/:udid/viewed_at, the widget's
// visibility beacon. Replays return the stored timestamp.
func (h *Handler) HandleViewedAt(c *gin.Context) {
	submissionUDID, ok := parseSubmissionUDID(c)
	if !ok {
		return
	}
	submission, err := h.submissions.MarkViewed(c.Request.Context(), submissionUDID)
	if err != nil {
		h.writeSubmissionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"udid": submission.UDID, "viewed_at": submission.ViewedAt})
}

// HandleLinkClick handles POST /custom_content_link_click. A click on a
// custom-content question's link counts as that question's answer.
func (h *Handler) HandleLinkClick(c *gin.Context) {
	raw := param(c, "submission_udid")
	if raw == "" {
		apierrors.MissingParam(c, "submission_udid")
		return
	}
	submissionUDID, err := uuid.Parse(raw)
	if err != nil {
		apierrors.InvalidParam(c, "submission_udid")
		return
	}
	questionID, err := strconv.ParseInt(param(c, "question_id"), 10, 64)
	if err != nil {
		apierrors.InvalidParam(c, "question_id")
		return
	}
	linkURL := param(c, "url")
	if linkURL == "" {
		apierrors.MissingParam(c, "url")
		return
	}

	if err := h.submissions.RecordLinkClick(c.Request.Context(), submissionUDID, questionID, linkURL); err != nil {
		h.writeSubmissionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleTrackEvent handles POST /track_event. The event goes to Kafka and is
// persisted by the analytics worker, so this path only validates and hands
// off.
func (h *Handler) HandleTrackEvent(c *gin.Context) {
	identifier := param(c, "identifier")
	if identifier == "" {
		apierrors.MissingParam(c, "identifier")
		return
	}
	eventName := param(c, "event")
	if eventName == "" {
		apierrors.MissingParam(c, "event")
		return
	}

	var properties store.JSONB
	if raw := param(c, "properties"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &properties); err != nil {
			apierrors.InvalidParam(c, "properties")
			return
		}
	}

	account, err := h.identity.ResolveAccount(c.Request.Context(), identifier)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrAccountNotFound):
			apierrors.InvalidParam(c, "identifier")
		case errors.Is(err, identity.ErrAccountDisabled):
			// Deactivated accounts keep their analytics quiet too.
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		default:
			apierrors.InternalError(c, err)
		}
		return
	}

	var device *store.Device
	if udid := param(c, "udid"); udid != "" {
		ident, err := h.identity.Resolve(c.Request.Context(), identity.ResolveParams{
			Identifier: identifier,
			UDID:       udid,
		})
		if err != nil {
			if errors.Is(err, identity.ErrInvalidDevice) {
				apierrors.InvalidParam(c, "udid")
				return
			}
			apierrors.InternalError(c, err)
			return
		}
		device = &ident.Device
	}

	if err := h.events.PublishTrackedEvent(c.Request.Context(), account, device, eventName, properties); err != nil {
		apierrors.InternalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleDestroy handles DELETE /admin/submissions/:udid behind the admin
// token middleware. The daily counters are decremented in the same
// transaction as the delete.
func (h *Handler) HandleDestroy(c *gin.Context) {
	submissionUDID, ok := parseSubmissionUDID(c)
	if !ok {
		return
	}
	if err := h.submissions.Destroy(c.Request.Context(), submissionUDID); err != nil {
		h.writeSubmissionError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) writeSubmissionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, submissions.ErrSubmissionNotFound):
		apierrors.NotFound(c, "submission not found")
	case errors.Is(err, submissions.ErrQuestionNotFound):
		apierrors.InvalidParam(c, "question_id")
	case errors.Is(err, submissions.ErrAnswerMismatch):
		apierrors.InvalidParam(c, "answer_id")
	case errors.Is(err, submissions.ErrEmptyAnswer):
		apierrors.MissingParam(c, "answer")
	default:
		apierrors.InternalError(c, err)
	}
}

func parseSubmissionUDID(c *gin.Context) (uuid.UUID, bool) {
	submissionUDID, err := uuid.Parse(c.Param("udid"))
	if err != nil {
		apierrors.InvalidParam(c, "udid")
		return uuid.UUID{}, false
	}
	return submissionUDID, true
}

// param reads a request parameter from the query string or the posted form,
// in that order.
func param(c *gin.Context, name string) string {
	if v := c.Query(name); v != "" {
		return v
	}
	return c.PostForm(name)
}
