package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"pulse-server/internal/apierrors"
	identity "pulse-server/internal/identity/processor"
	"pulse-server/internal/observability"
	serve "pulse-server/internal/serve/processor"
	"pulse-server/internal/store"
	submissions "pulse-server/internal/submissions/processor"
	"pulse-server/internal/throttle"
)

// Handler serves the tag-facing survey delivery endpoints.
type Handler struct {
	identity    *identity.IdentityProcessor
	serve       *serve.ServeProcessor
	submissions *submissions.SubmissionProcessor
	throttle    *throttle.Service
	logger      *observability.Logger
}

// New creates a new serving handler.
func New(identityProcessor *identity.IdentityProcessor, serveProcessor *serve.ServeProcessor,
	submissionProcessor *submissions.SubmissionProcessor, throttleService *throttle.Service,
	logger *observability.Logger) Handler {
	return Handler{
		identity:    identityProcessor,
		serve:       serveProcessor,
		submissions: submissionProcessor,
		throttle:    throttleService,
		logger:      logger,
	}
}

// HandleServe handles GET /serve, the tag's pageview poll. It resolves
// identity, runs the filter chain and returns the winning survey with a fresh
// submission udid, or an empty object when nothing qualifies.
func (h *Handler) HandleServe(c *gin.Context) {
	req, ok := parseServeRequest(c)
	if !ok {
		return
	}
	ident, ok := h.resolveIdentity(c, req)
	if !ok {
		return
	}
	if !h.allowRequest(c, req, ident.Account) {
		return
	}

	survey, err := h.serve.Serve(c.Request.Context(), h.serveParams(c, req, ident))
	if err != nil {
		apierrors.InternalError(c, err)
		return
	}
	h.renderSurvey(c, req, ident, survey)
}

// HandleDirectServe handles GET /direct_serve. The tag names the survey, so
// targeting triggers are skipped while the remaining gates still apply.
func (h *Handler) HandleDirectServe(c *gin.Context) {
	req, ok := parseServeRequest(c)
	if !ok {
		return
	}
	surveyID, err := strconv.ParseInt(c.Query("survey_id"), 10, 64)
	if err != nil {
		apierrors.InvalidParam(c, "survey_id")
		return
	}
	h.serveByID(c, req, surveyID)
}

// HandleServeSurvey handles GET /surveys/:id. A numeric id is a direct serve;
// anything else is treated as a pseudo-event name and only surveys with a
// matching event trigger are considered.
func (h *Handler) HandleServeSurvey(c *gin.Context) {
	req, ok := parseServeRequest(c)
	if !ok {
		return
	}
	raw := c.Param("id")
	if surveyID, err := strconv.ParseInt(raw, 10, 64); err == nil {
		h.serveByID(c, req, surveyID)
		return
	}

	ident, ok := h.resolveIdentity(c, req)
	if !ok {
		return
	}
	if !h.allowRequest(c, req, ident.Account) {
		return
	}
	survey, err := h.serve.ServeForEvent(c.Request.Context(), h.serveParams(c, req, ident), raw)
	if err != nil {
		apierrors.InternalError(c, err)
		return
	}
	h.renderSurvey(c, req, ident, survey)
}

func (h *Handler) serveByID(c *gin.Context, req serveRequest, surveyID int64) {
	ident, ok := h.resolveIdentity(c, req)
	if !ok {
		return
	}
	if !h.allowRequest(c, req, ident.Account) {
		return
	}
	survey, err := h.serve.ServeSurveyByID(c.Request.Context(), h.serveParams(c, req, ident), surveyID)
	if err != nil {
		if errors.Is(err, serve.ErrSurveyNotFound) {
			apierrors.NotFound(c, "survey not found")
			return
		}
		apierrors.InternalError(c, err)
		return
	}
	h.renderSurvey(c, req, ident, survey)
}

// HandlePoll handles GET /surveys/:id/poll, the aggregate answer counts the
// widget shows after a poll-style question is answered.
func (h *Handler) HandlePoll(c *gin.Context) {
	identifier := c.Query("identifier")
	if identifier == "" {
		apierrors.MissingParam(c, "identifier")
		return
	}
	callback := c.Query("callback")
	if callback != "" && !jsonpCallbackPattern.MatchString(callback) {
		apierrors.InvalidParam(c, "callback")
		return
	}
	surveyID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		apierrors.InvalidParam(c, "id")
		return
	}

	account, err := h.identity.ResolveAccount(c.Request.Context(), identifier)
	if err != nil && !errors.Is(err, identity.ErrAccountDisabled) {
		if errors.Is(err, identity.ErrAccountNotFound) {
			apierrors.InvalidParam(c, "identifier")
			return
		}
		apierrors.InternalError(c, err)
		return
	}

	counts, err := h.submissions.PollResults(c.Request.Context(), account.ID, surveyID)
	if err != nil {
		if errors.Is(err, submissions.ErrSurveyNotFound) {
			apierrors.NotFound(c, "survey not found")
			return
		}
		apierrors.InternalError(c, err)
		return
	}
	render(c, callback, gin.H{"results": counts})
}

// HandleDirectSubmission handles GET /q/:question_id/a/:answer_id, the
// one-tap answer link embedded in e-mails. It creates the submission and the
// answer in one request, skipping targeting and frequency gates.
func (h *Handler) HandleDirectSubmission(c *gin.Context) {
	req, ok := parseServeRequest(c)
	if !ok {
		return
	}
	questionID, err := strconv.ParseInt(c.Param("question_id"), 10, 64)
	if err != nil {
		apierrors.InvalidParam(c, "question_id")
		return
	}
	answerID, err := strconv.ParseInt(c.Param("answer_id"), 10, 64)
	if err != nil {
		apierrors.InvalidParam(c, "answer_id")
		return
	}

	ident, ok := h.resolveIdentity(c, req)
	if !ok {
		return
	}
	if !h.allowRequest(c, req, ident.Account) {
		return
	}

	submission, err := h.submissions.RecordDirectSubmission(c.Request.Context(), ident.Account, ident.Device, questionID, answerID)
	if err != nil {
		switch {
		case errors.Is(err, submissions.ErrQuestionNotFound), errors.Is(err, submissions.ErrSurveyNotFound):
			apierrors.NotFound(c, "question not found")
		case errors.Is(err, submissions.ErrAnswerMismatch):
			apierrors.InvalidParam(c, "answer_id")
		default:
			apierrors.InternalError(c, err)
		}
		return
	}
	render(c, req.Callback, gin.H{
		"submission": gin.H{"udid": submission.UDID},
		"device":     gin.H{"udid": ident.Device.UDID},
	})
}

// resolveIdentity resolves the account and device, writing the response
// itself on any terminal condition. A deactivated account is a 200 with the
// account's message so the tag can stop polling cleanly.
func (h *Handler) resolveIdentity(c *gin.Context, req serveRequest) (identity.Identity, bool) {
	var clientKey *string
	if req.ClientKey != "" {
		clientKey = &req.ClientKey
	}
	ident, err := h.identity.Resolve(c.Request.Context(), identity.ResolveParams{
		Identifier: req.Identifier,
		UDID:       req.UDID,
		ClientKey:  clientKey,
		DeviceData: req.CustomData,
		VisitCount: req.VisitCount,
	})
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrAccountDisabled):
			message := ""
			if ident.Account.DeactivationMessage != nil {
				message = *ident.Account.DeactivationMessage
			}
			render(c, req.Callback, gin.H{"deactivated": true, "message": message})
		case errors.Is(err, identity.ErrAccountNotFound):
			apierrors.InvalidParam(c, "identifier")
		case errors.Is(err, identity.ErrInvalidDevice):
			apierrors.InvalidParam(c, "udid")
		default:
			apierrors.InternalError(c, err)
		}
		return identity.Identity{}, false
	}
	return ident, true
}

// allowRequest applies the account's IP blocklist and the shared rate
// limiter. The limiter fails open; the blocklist does not.
func (h *Handler) allowRequest(c *gin.Context, req serveRequest, account store.Account) bool {
	ip := observability.GetRealClientIP(c)
	if blocked := throttle.CheckBlocklist(account.IPBlocklist, ip, req.PreviewMode); blocked != nil && *blocked {
		apierrors.Forbidden(c)
		return false
	}
	if !h.throttle.Allow(c.Request.Context(), account.Identifier, ip, account.RateLimitRPM) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
		return false
	}
	return true
}

func (h *Handler) serveParams(c *gin.Context, req serveRequest, ident identity.Identity) serve.ServeParams {
	return serve.ServeParams{
		Account:       ident.Account,
		Device:        ident.Device,
		LinkedDevices: ident.Linked,
		DeviceType:    req.DeviceType,
		URL:           req.URL,
		ClientKey:     req.ClientKey,
		VisitCount:    req.VisitCount,
		PageviewCount: req.PageviewCount,
		CustomData:    req.CustomData,
		Geo:           observability.GetViewerGeo(c),
		LaunchTimes:   req.LaunchTimes,
		InstallDays:   req.InstallDays,
		PreviewMode:   req.PreviewMode,
	}
}

// renderSurvey records the impression and writes the serving payload. Preview
// requests never write submissions, so designers can reload without skewing
// counts.
func (h *Handler) renderSurvey(c *gin.Context, req serveRequest, ident identity.Identity, survey *store.Survey) {
	if survey == nil {
		render(c, req.Callback, gin.H{})
		return
	}
	payload := gin.H{
		"survey": survey,
		"device": gin.H{"udid": ident.Device.UDID},
	}
	if !req.PreviewMode {
		var clientKey *string
		if req.ClientKey != "" {
			clientKey = &req.ClientKey
		}
		var url *string
		if req.URL != "" {
			url = &req.URL
		}
		submission, err := h.submissions.RecordImpression(c.Request.Context(), submissions.RecordImpressionParams{
			Account:       ident.Account,
			Device:        ident.Device,
			SurveyID:      survey.ID,
			ClientKey:     clientKey,
			DeviceType:    string(req.DeviceType),
			URL:           url,
			VisitCount:    req.VisitCount,
			PageviewCount: req.PageviewCount,
		})
		if err != nil {
			apierrors.InternalError(c, err)
			return
		}
		payload["submission"] = gin.H{"udid": submission.UDID}
	}
	render(c, req.Callback, payload)
}
