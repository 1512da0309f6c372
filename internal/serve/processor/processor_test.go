package processor

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"pulse-server/internal/observability"
	"pulse-server/internal/store"
)

type fakeStore struct {
	surveys []store.Survey

	submissionCounts map[int64]int
	latest           map[int64]time.Time
	closedNoAnswer   map[uuid.UUID]map[int64]bool
	answeredByKey    map[string]map[int64]bool
	answeredPAs      map[int64]bool
}

func (f *fakeStore) ListSurveysForServing(ctx context.Context, accountID uuid.UUID) ([]store.Survey, error) {
	return f.surveys, nil
}

func (f *fakeStore) GetSurveyByID(ctx context.Context, surveyID int64) (store.Survey, error) {
	for _, s := range f.surveys {
		if s.ID == surveyID {
			return s, nil
		}
	}
	return store.Survey{}, store.ErrNotFound
}

func (f *fakeStore) LoadSurveyContent(ctx context.Context, survey *store.Survey) error {
	survey.Questions = []store.Question{{ID: 1, SurveyID: survey.ID, Position: 0}}
	return nil
}

func (f *fakeStore) CountSubmissionsSince(ctx context.Context, deviceIDs []uuid.UUID, surveyID int64, since time.Time) (int, error) {
	if latest, ok := f.latest[surveyID]; ok && latest.Before(since) {
		return 0, nil
	}
	return f.submissionCounts[surveyID], nil
}

func (f *fakeStore) LatestSubmissionAt(ctx context.Context, deviceIDs []uuid.UUID, surveyID int64) (*time.Time, error) {
	if latest, ok := f.latest[surveyID]; ok {
		return &latest, nil
	}
	return nil, nil
}

func (f *fakeStore) HasClosedWithoutAnswer(ctx context.Context, deviceID uuid.UUID, surveyID int64) (bool, error) {
	return f.closedNoAnswer[deviceID][surveyID], nil
}

func (f *fakeStore) HasAnsweredViaClientKey(ctx context.Context, clientKey string, surveyID int64) (bool, error) {
	return f.answeredByKey[clientKey][surveyID], nil
}

func (f *fakeStore) ListAnsweredPossibleAnswerIDs(ctx context.Context, deviceIDs []uuid.UUID) (map[int64]bool, error) {
	if f.answeredPAs == nil {
		return map[int64]bool{}, nil
	}
	return f.answeredPAs, nil
}

func liveSurvey(id int64, accountID uuid.UUID) store.Survey {
	return store.Survey{
		ID:             id,
		AccountID:      accountID,
		Status:         store.SurveyStatusLive,
		SampleRate:     100,
		DesktopEnabled: true,
	}
}

func testParams(account store.Account, device store.Device) ServeParams {
	return ServeParams{
		Account:       account,
		Device:        device,
		LinkedDevices: []store.Device{device},
		DeviceType:    store.DeviceTypeDesktop,
		URL:           "https://www.example.com/pricing",
	}
}

func newServeTest(fs *fakeStore) *ServeProcessor {
	return New(fs, observability.NewLogger())
}

func TestServe_PicksFirstEligibleByID(t *testing.T) {
	account := store.Account{ID: uuid.New(), Enabled: true}
	device := store.Device{ID: uuid.New(), UDID: uuid.New().String()}

	paused := liveSurvey(10, account.ID)
	paused.Status = store.SurveyStatusPaused
	fs := &fakeStore{surveys: []store.Survey{paused, liveSurvey(20, account.ID), liveSurvey(30, account.ID)}}
	p := newServeTest(fs)

	survey, err := p.Serve(context.Background(), testParams(account, device))
	if err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if survey == nil || survey.ID != 20 {
		t.Fatalf("expected survey 20, got %+v", survey)
	}
	if len(survey.Questions) == 0 {
		t.Errorf("selected survey should have content loaded")
	}
}

func TestServe_NoEligibleSurveyIsNotAnError(t *testing.T) {
	account := store.Account{ID: uuid.New(), Enabled: true}
	device := store.Device{ID: uuid.New(), UDID: uuid.New().String()}

	draft := liveSurvey(10, account.ID)
	draft.Status = store.SurveyStatusDraft
	p := newServeTest(&fakeStore{surveys: []store.Survey{draft}})

	survey, err := p.Serve(context.Background(), testParams(account, device))
	if err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if survey != nil {
		t.Errorf("expected no survey, got %d", survey.ID)
	}
}

func TestServe_PreviewModeBypassesLifecycleGates(t *testing.T) {
	account := store.Account{ID: uuid.New(), Enabled: true}
	device := store.Device{ID: uuid.New(), UDID: uuid.New().String()}

	past := time.Now().Add(-48 * time.Hour)
	draft := liveSurvey(10, account.ID)
	draft.Status = store.SurveyStatusDraft
	draft.EndsAt = &past
	draft.SampleRate = 0
	fs := &fakeStore{surveys: []store.Survey{draft}}
	p := newServeTest(fs)

	params := testParams(account, device)
	params.PreviewMode = true
	survey, err := p.Serve(context.Background(), params)
	if err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if survey == nil {
		t.Fatal("preview mode should serve a draft, ended, sampled-out survey")
	}
}

func TestServe_DeviceTypeMustBeEnabled(t *testing.T) {
	account := store.Account{ID: uuid.New(), Enabled: true}
	device := store.Device{ID: uuid.New(), UDID: uuid.New().String()}

	s := liveSurvey(10, account.ID)
	s.DesktopEnabled = false
	s.MobileEnabled = true
	p := newServeTest(&fakeStore{surveys: []store.Survey{s}})

	params := testParams(account, device)
	survey, err := p.Serve(context.Background(), params)
	if err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if survey != nil {
		t.Errorf("desktop request should not get a mobile-only survey")
	}

	params.DeviceType = store.DeviceTypeMobile
	survey, err = p.Serve(context.Background(), params)
	if err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if survey == nil {
		t.Errorf("mobile request should get the mobile-only survey")
	}
}

func TestServe_FrequencyCap(t *testing.T) {
	account := store.Account{
		ID:                   uuid.New(),
		Enabled:              true,
		FrequencyCapEnabled:  true,
		FrequencyCapType:     "hours",
		FrequencyCapLimit:    1,
		FrequencyCapDuration: 2,
	}
	device := store.Device{ID: uuid.New(), UDID: uuid.New().String()}

	// One submission 30 minutes ago: capped.
	fs := &fakeStore{
		surveys:          []store.Survey{liveSurvey(10, account.ID)},
		submissionCounts: map[int64]int{10: 1},
		latest:           map[int64]time.Time{10: time.Now().Add(-30 * time.Minute)},
	}
	p := newServeTest(fs)
	survey, err := p.Serve(context.Background(), testParams(account, device))
	if err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if survey != nil {
		t.Errorf("submission 30m ago with limit 1 per 2h should deny a new impression")
	}

	// Last submission 3 hours ago: outside the window, allowed.
	fs.latest[10] = time.Now().Add(-3 * time.Hour)
	survey, err = p.Serve(context.Background(), testParams(account, device))
	if err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if survey == nil {
		t.Errorf("submission 3h ago should be outside a 2h cap window")
	}
}

func TestServe_RefireWindow(t *testing.T) {
	account := store.Account{ID: uuid.New(), Enabled: true}
	device := store.Device{ID: uuid.New(), UDID: uuid.New().String()}

	s := liveSurvey(10, account.ID)
	s.RefireEnabled = true
	s.RefireTime = 1
	s.RefireTimePeriod = "hours"

	fs := &fakeStore{
		surveys: []store.Survey{s},
		latest:  map[int64]time.Time{10: time.Now().Add(-59 * time.Minute)},
	}
	p := newServeTest(fs)

	survey, err := p.Serve(context.Background(), testParams(account, device))
	if err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if survey != nil {
		t.Errorf("last submission 59m ago should be inside a 1h refire window")
	}

	fs.latest[10] = time.Now().Add(-61 * time.Minute)
	survey, err = p.Serve(context.Background(), testParams(account, device))
	if err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if survey == nil {
		t.Errorf("last submission 61m ago should be past a 1h refire window")
	}
}

func TestServe_ClientKeyAlreadyAnswered(t *testing.T) {
	account := store.Account{ID: uuid.New(), Enabled: true}
	device := store.Device{ID: uuid.New(), UDID: uuid.New().String()}

	fs := &fakeStore{
		surveys:       []store.Survey{liveSurvey(10, account.ID)},
		answeredByKey: map[string]map[int64]bool{"person-1": {10: true}},
	}
	p := newServeTest(fs)

	params := testParams(account, device)
	params.ClientKey = "person-1"
	survey, err := p.Serve(context.Background(), params)
	if err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if survey != nil {
		t.Errorf("a visitor who answered on a linked device should not be served again")
	}

	params.ClientKey = "person-2"
	survey, err = p.Serve(context.Background(), params)
	if err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if survey == nil {
		t.Errorf("a different client key should still be served")
	}
}

func TestServe_StopShowingWithoutAnswerIsDeviceScoped(t *testing.T) {
	account := store.Account{ID: uuid.New(), Enabled: true}
	closer := store.Device{ID: uuid.New(), UDID: uuid.New().String()}
	other := store.Device{ID: uuid.New(), UDID: uuid.New().String()}

	s := liveSurvey(10, account.ID)
	s.StopShowingWithoutAnswer = true
	fs := &fakeStore{
		surveys:        []store.Survey{s},
		closedNoAnswer: map[uuid.UUID]map[int64]bool{closer.ID: {10: true}},
	}
	p := newServeTest(fs)

	survey, err := p.Serve(context.Background(), testParams(account, closer))
	if err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if survey != nil {
		t.Errorf("the closing device should not be served again")
	}

	survey, err = p.Serve(context.Background(), testParams(account, other))
	if err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if survey == nil {
		t.Errorf("a different device should still be served")
	}

	params := testParams(account, closer)
	params.PreviewMode = true
	survey, err = p.Serve(context.Background(), params)
	if err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if survey == nil {
		t.Errorf("preview mode should always serve")
	}
}

func TestServe_SampleRollIsStableWithinTheHour(t *testing.T) {
	now := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	first := sampleRoll("4f3c2f3e-0000-0000-0000-000000000001", 42, now)
	for i := 0; i < 10; i++ {
		if sampleRoll("4f3c2f3e-0000-0000-0000-000000000001", 42, now.Add(time.Duration(i)*time.Second)) != first {
			t.Fatal("roll must not change across quick reloads")
		}
	}
	if roll := sampleRoll("4f3c2f3e-0000-0000-0000-000000000001", 42, now); roll < 0 || roll > 99 {
		t.Fatalf("roll out of range: %d", roll)
	}
}

func TestServeForEvent_OnlyMatchingEventSurveys(t *testing.T) {
	account := store.Account{
		ID:                   uuid.New(),
		Enabled:              true,
		FrequencyCapEnabled:  true,
		FrequencyCapType:     "hours",
		FrequencyCapLimit:    1,
		FrequencyCapDuration: 2,
	}
	device := store.Device{ID: uuid.New(), UDID: uuid.New().String()}

	eventName := "cart_abandoned"
	bound := liveSurvey(10, account.ID)
	bound.Triggers = []store.Trigger{{Kind: store.TriggerKindPseudoEvent, Value: &eventName}}
	plain := liveSurvey(20, account.ID)

	fs := &fakeStore{
		surveys: []store.Survey{bound, plain},
		// The visitor is at the frequency cap; the event path ignores it.
		submissionCounts: map[int64]int{10: 5},
		latest:           map[int64]time.Time{10: time.Now().Add(-5 * time.Minute)},
	}
	p := newServeTest(fs)

	survey, err := p.ServeForEvent(context.Background(), testParams(account, device), "cart_abandoned")
	if err != nil {
		t.Fatalf("ServeForEvent() error = %v", err)
	}
	if survey == nil || survey.ID != 10 {
		t.Fatalf("expected event-bound survey 10 despite the frequency cap, got %+v", survey)
	}

	survey, err = p.ServeForEvent(context.Background(), testParams(account, device), "unknown_event")
	if err != nil {
		t.Fatalf("ServeForEvent() error = %v", err)
	}
	if survey != nil {
		t.Errorf("unknown event should serve nothing")
	}
}

func TestServeSurveyByID_SkipsTriggersButNotOwnership(t *testing.T) {
	account := store.Account{ID: uuid.New(), Enabled: true}
	device := store.Device{ID: uuid.New(), UDID: uuid.New().String()}

	value := "/never-matching-path"
	s := liveSurvey(10, account.ID)
	s.Triggers = []store.Trigger{{Kind: store.TriggerKindURL, Mandatory: true, Value: &value}}
	p := newServeTest(&fakeStore{surveys: []store.Survey{s}})

	survey, err := p.ServeSurveyByID(context.Background(), testParams(account, device), 10)
	if err != nil {
		t.Fatalf("ServeSurveyByID() error = %v", err)
	}
	if survey == nil {
		t.Fatal("direct serve should skip targeting triggers")
	}

	stranger := store.Account{ID: uuid.New(), Enabled: true}
	_, err = p.ServeSurveyByID(context.Background(), testParams(stranger, device), 10)
	if err != ErrSurveyNotFound {
		t.Errorf("expected ErrSurveyNotFound for another account's survey, got %v", err)
	}
}
