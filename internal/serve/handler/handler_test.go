package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	identity "pulse-server/internal/identity/processor"
	"pulse-server/internal/jobs"
	"pulse-server/internal/observability"
	serve "pulse-server/internal/serve/processor"
	"pulse-server/internal/store"
	submissions "pulse-server/internal/submissions/processor"
	"pulse-server/internal/throttle"
)

type fakeStore struct {
	accounts    map[string]store.Account
	devices     map[string]store.Device
	surveys     map[int64]store.Survey
	questions   map[int64]store.Question
	submissions []store.Submission
	answeredPAs map[int64]bool
	nextID      int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts:  make(map[string]store.Account),
		devices:   make(map[string]store.Device),
		surveys:   make(map[int64]store.Survey),
		questions: make(map[int64]store.Question),
	}
}

func (f *fakeStore) GetAccountByIdentifier(_ context.Context, identifier string) (store.Account, error) {
	account, ok := f.accounts[identifier]
	if !ok {
		return store.Account{}, store.ErrNotFound
	}
	return account, nil
}

func (f *fakeStore) UpsertDevice(_ context.Context, params store.UpsertDeviceParams) (store.Device, error) {
	device, ok := f.devices[params.UDID]
	if !ok {
		device = store.Device{ID: uuid.New(), UDID: params.UDID}
	}
	if params.ClientKey != nil {
		device.ClientKey = params.ClientKey
	}
	if params.VisitCount != nil {
		device.VisitCount = params.VisitCount
	}
	if len(params.Data) > 0 {
		device.Data = params.Data
	}
	f.devices[params.UDID] = device
	return device, nil
}

func (f *fakeStore) GetDeviceWithRetry(_ context.Context, udid string) (store.Device, error) {
	device, ok := f.devices[udid]
	if !ok {
		return store.Device{}, store.ErrNotFound
	}
	return device, nil
}

func (f *fakeStore) GetLinkedDevices(_ context.Context, device store.Device) ([]store.Device, error) {
	return []store.Device{device}, nil
}

func (f *fakeStore) ListSurveysForServing(_ context.Context, accountID uuid.UUID) ([]store.Survey, error) {
	var out []store.Survey
	for _, s := range f.surveys {
		if s.AccountID == accountID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) GetSurveyByID(_ context.Context, surveyID int64) (store.Survey, error) {
	s, ok := f.surveys[surveyID]
	if !ok {
		return store.Survey{}, store.ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) LoadSurveyContent(_ context.Context, survey *store.Survey) error {
	for _, q := range f.questions {
		if q.SurveyID == survey.ID {
			survey.Questions = append(survey.Questions, q)
		}
	}
	return nil
}

func (f *fakeStore) CountSubmissionsSince(_ context.Context, deviceIDs []uuid.UUID, surveyID int64, since time.Time) (int, error) {
	count := 0
	for _, s := range f.submissions {
		if s.SurveyID == surveyID && containsID(deviceIDs, s.DeviceID) && s.CreatedAt.After(since) {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) LatestSubmissionAt(_ context.Context, deviceIDs []uuid.UUID, surveyID int64) (*time.Time, error) {
	var latest *time.Time
	for _, s := range f.submissions {
		if s.SurveyID == surveyID && containsID(deviceIDs, s.DeviceID) {
			if latest == nil || s.CreatedAt.After(*latest) {
				t := s.CreatedAt
				latest = &t
			}
		}
	}
	return latest, nil
}

func (f *fakeStore) HasClosedWithoutAnswer(_ context.Context, _ uuid.UUID, _ int64) (bool, error) {
	return false, nil
}

func (f *fakeStore) HasAnsweredViaClientKey(_ context.Context, _ string, _ int64) (bool, error) {
	return false, nil
}

func (f *fakeStore) ListAnsweredPossibleAnswerIDs(_ context.Context, _ []uuid.UUID) (map[int64]bool, error) {
	return f.answeredPAs, nil
}

func (f *fakeStore) CreateSubmission(_ context.Context, params store.CreateSubmissionParams) (store.Submission, error) {
	f.nextID++
	submission := store.Submission{
		ID:         f.nextID,
		UDID:       params.UDID,
		AccountID:  params.AccountID,
		DeviceID:   params.DeviceID,
		SurveyID:   params.SurveyID,
		ClientKey:  params.ClientKey,
		DeviceType: params.DeviceType,
		URL:        params.URL,
		CreatedAt:  time.Now(),
	}
	f.submissions = append(f.submissions, submission)
	return submission, nil
}

func (f *fakeStore) GetSubmissionByUDID(_ context.Context, udid uuid.UUID) (store.Submission, error) {
	for _, s := range f.submissions {
		if s.UDID == udid {
			return s, nil
		}
	}
	return store.Submission{}, store.ErrNotFound
}

func (f *fakeStore) GetRecentSubmission(_ context.Context, deviceID uuid.UUID, surveyID int64, since time.Time) (store.Submission, error) {
	for i := len(f.submissions) - 1; i >= 0; i-- {
		s := f.submissions[i]
		if s.DeviceID == deviceID && s.SurveyID == surveyID && s.CreatedAt.After(since) {
			return s, nil
		}
	}
	return store.Submission{}, store.ErrNotFound
}

func (f *fakeStore) MarkSubmissionClosed(_ context.Context, udid uuid.UUID) (store.Submission, error) {
	return store.Submission{}, store.ErrNotFound
}

func (f *fakeStore) SetSubmissionViewedAt(_ context.Context, udid uuid.UUID, _ time.Time) (store.Submission, bool, error) {
	return store.Submission{}, false, store.ErrNotFound
}

func (f *fakeStore) DeleteSubmission(_ context.Context, udid uuid.UUID) (store.Submission, error) {
	return store.Submission{}, store.ErrNotFound
}

func (f *fakeStore) GetQuestionByID(_ context.Context, questionID int64) (store.Question, error) {
	q, ok := f.questions[questionID]
	if !ok {
		return store.Question{}, store.ErrNotFound
	}
	return q, nil
}

func (f *fakeStore) GetAnswerCounts(_ context.Context, surveyID int64) ([]store.PossibleAnswerCount, error) {
	return []store.PossibleAnswerCount{{QuestionID: 10, PossibleAnswerID: 100, Count: 7}}, nil
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

type fakeJobs struct {
	deltas  []jobs.CacheDeltaJobPayload
	answers []jobs.AnswerJobPayload
}

func (f *fakeJobs) EnqueueCacheDelta(_ context.Context, payload jobs.CacheDeltaJobPayload) error {
	f.deltas = append(f.deltas, payload)
	return nil
}

func (f *fakeJobs) EnqueueAnswer(_ context.Context, payload jobs.AnswerJobPayload) error {
	f.answers = append(f.answers, payload)
	return nil
}

const (
	testIdentifier = "PI-ABCD1234"
	testUDID       = "0b8f9f62-9f0e-4f4e-9a6f-0f2f0c5b1a01"
	testCallback   = "window.PulseInsightsObject.jsonpCallbacks.request_1"
)

func newServeTest(t *testing.T) (*fakeStore, *fakeJobs, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fs := newFakeStore()
	fs.accounts[testIdentifier] = store.Account{
		ID:         uuid.New(),
		Identifier: testIdentifier,
		Enabled:    true,
	}
	fj := &fakeJobs{}

	logger := observability.NewLogger()
	h := New(
		identity.New(fs, logger),
		serve.New(fs, logger),
		submissions.New(fs, fj, logger),
		throttle.NewService(nil, logger),
		logger,
	)

	router := gin.New()
	router.GET("/serve", h.HandleServe)
	router.GET("/direct_serve", h.HandleDirectServe)
	router.GET("/surveys/:id", h.HandleServeSurvey)
	router.GET("/surveys/:id/poll", h.HandlePoll)
	router.GET("/q/:question_id/a/:answer_id", h.HandleDirectSubmission)
	return fs, fj, router
}

func (f *fakeStore) addLiveSurvey(id int64, triggers ...store.Trigger) {
	f.surveys[id] = store.Survey{
		ID:             id,
		AccountID:      f.accounts[testIdentifier].ID,
		Name:           fmt.Sprintf("survey %d", id),
		Status:         store.SurveyStatusLive,
		SampleRate:     100,
		DesktopEnabled: true,
		EmailEnabled:   true,
		Triggers:       triggers,
	}
}

func doGet(router *gin.Engine, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func servePath(extra string) string {
	return "/serve?identifier=" + testIdentifier + "&udid=" + testUDID + "&device_type=desktop" + extra
}

func TestHandleServe_JSONP(t *testing.T) {
	fs, _, router := newServeTest(t)
	fs.addLiveSurvey(1)

	w := doGet(router, servePath("&callback="+testCallback), nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/javascript") {
		t.Errorf("content type = %q", ct)
	}
	body := w.Body.String()
	if !strings.HasPrefix(body, testCallback+"(") || !strings.HasSuffix(body, ")") {
		t.Errorf("body not wrapped in callback: %s", body)
	}
	if !strings.Contains(body, `"survey"`) || !strings.Contains(body, `"submission"`) {
		t.Errorf("body missing survey or submission: %s", body)
	}
	if len(fs.submissions) != 1 {
		t.Errorf("submissions recorded = %d, want 1", len(fs.submissions))
	}
}

func TestHandleServe_MissingIdentifier(t *testing.T) {
	_, _, router := newServeTest(t)

	w := doGet(router, "/serve?udid="+testUDID+"&device_type=desktop", nil)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	var messages []string
	if err := json.Unmarshal(w.Body.Bytes(), &messages); err != nil {
		t.Fatalf("body is not a JSON array: %s", w.Body.String())
	}
	if len(messages) != 1 || messages[0] != "'identifier' missing" {
		t.Errorf("messages = %v", messages)
	}
}

func TestHandleServe_RejectsForeignCallback(t *testing.T) {
	_, _, router := newServeTest(t)

	w := doGet(router, servePath("&callback=alert(1)"), nil)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHandleServe_DisabledAccount(t *testing.T) {
	fs, _, router := newServeTest(t)
	message := "This account is no longer active."
	fs.accounts[testIdentifier] = store.Account{
		ID:                  uuid.New(),
		Identifier:          testIdentifier,
		Enabled:             false,
		DeactivationMessage: &message,
	}

	w := doGet(router, servePath(""), nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), message) {
		t.Errorf("body missing deactivation message: %s", w.Body.String())
	}
	if len(fs.devices) != 0 {
		t.Errorf("device was created for a deactivated account")
	}
}

func TestHandleServe_BlockedIP(t *testing.T) {
	fs, _, router := newServeTest(t)
	blocklist := "10.1.2.*"
	account := fs.accounts[testIdentifier]
	account.IPBlocklist = &blocklist
	fs.accounts[testIdentifier] = account
	fs.addLiveSurvey(1)

	headers := map[string]string{"CloudFront-Viewer-Address": "10.1.2.3:52104"}

	w := doGet(router, servePath(""), headers)
	if w.Code != http.StatusForbidden || w.Body.String() != "Forbidden" {
		t.Errorf("status = %d, body = %q, want 403 Forbidden", w.Code, w.Body.String())
	}

	// Preview requests skip the blocklist so account staff can test on
	// internal networks.
	w = doGet(router, servePath("&preview_mode=true"), headers)
	if w.Code != http.StatusOK {
		t.Errorf("preview status = %d, want 200", w.Code)
	}
}

func TestHandleServe_NoEligibleSurvey(t *testing.T) {
	_, _, router := newServeTest(t)

	w := doGet(router, servePath(""), nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if strings.TrimSpace(w.Body.String()) != "{}" {
		t.Errorf("body = %s, want {}", w.Body.String())
	}
}

func TestHandleServe_PreviewRecordsNoImpression(t *testing.T) {
	fs, fj, router := newServeTest(t)
	fs.addLiveSurvey(1)

	w := doGet(router, servePath("&preview_mode=true"), nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"survey"`) {
		t.Errorf("preview did not return the survey: %s", w.Body.String())
	}
	if strings.Contains(w.Body.String(), `"submission"`) {
		t.Errorf("preview returned a submission: %s", w.Body.String())
	}
	if len(fs.submissions) != 0 || len(fj.deltas) != 0 {
		t.Errorf("preview wrote submissions=%d deltas=%d", len(fs.submissions), len(fj.deltas))
	}
}

func TestHandleServeSurvey_PseudoEvent(t *testing.T) {
	fs, _, router := newServeTest(t)
	eventName := "exit_intent"
	fs.addLiveSurvey(1, store.Trigger{Kind: store.TriggerKindPseudoEvent, Value: &eventName})

	// The pageview poll must never pick an event-gated survey.
	w := doGet(router, servePath(""), nil)
	if strings.Contains(w.Body.String(), `"survey"`) {
		t.Errorf("pageview serve returned an event-gated survey: %s", w.Body.String())
	}

	w = doGet(router, "/surveys/exit_intent?identifier="+testIdentifier+"&udid="+testUDID+"&device_type=desktop", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"survey"`) {
		t.Errorf("event serve returned nothing: %s", w.Body.String())
	}
}

func TestHandleServeSurvey_DirectByID(t *testing.T) {
	fs, _, router := newServeTest(t)
	value := "/checkout"
	matchType := "contains"
	fs.addLiveSurvey(3, store.Trigger{Kind: store.TriggerKindURL, MatchType: &matchType, Value: &value})

	// Direct serve ignores targeting, so no url parameter is needed.
	w := doGet(router, "/surveys/3?identifier="+testIdentifier+"&udid="+testUDID+"&device_type=desktop", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"survey"`) {
		t.Errorf("direct serve returned nothing: %s", w.Body.String())
	}

	w = doGet(router, "/surveys/99?identifier="+testIdentifier+"&udid="+testUDID+"&device_type=desktop", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown survey status = %d, want 404", w.Code)
	}
}

func TestHandlePoll(t *testing.T) {
	fs, _, router := newServeTest(t)
	fs.addLiveSurvey(5)

	w := doGet(router, "/surveys/5/poll?identifier="+testIdentifier, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"count":7`) {
		t.Errorf("body missing counts: %s", w.Body.String())
	}
}

func TestHandleDirectSubmission(t *testing.T) {
	fs, fj, router := newServeTest(t)
	fs.addLiveSurvey(7)
	fs.questions[10] = store.Question{
		ID:           10,
		SurveyID:     7,
		QuestionType: store.QuestionTypeSingleChoice,
		PossibleAnswers: []store.PossibleAnswer{
			{ID: 100, QuestionID: 10},
		},
	}

	w := doGet(router, "/q/10/a/100?identifier="+testIdentifier+"&udid="+testUDID+"&device_type=email", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if len(fs.submissions) != 1 {
		t.Fatalf("submissions = %d, want 1", len(fs.submissions))
	}
	if fs.submissions[0].DeviceType != string(store.DeviceTypeEmail) {
		t.Errorf("device type = %q", fs.submissions[0].DeviceType)
	}
	if len(fj.answers) != 1 || fj.answers[0].PossibleAnswerID == nil || *fj.answers[0].PossibleAnswerID != 100 {
		t.Fatalf("answer payloads = %+v", fj.answers)
	}

	w = doGet(router, "/q/10/a/999?identifier="+testIdentifier+"&udid="+testUDID+"&device_type=email", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("foreign answer status = %d, want 400", w.Code)
	}
}
