package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pulse-server/internal/observability"
	"pulse-server/internal/store"
	"pulse-server/internal/triggers"
)

// ErrSurveyNotFound is returned when a directly requested survey does not
// exist or belongs to another account.
var ErrSurveyNotFound = errors.New("survey not found")

// ServeProcessor runs the eligibility filter chain over an account's surveys
// and picks the one to display.
type ServeProcessor struct {
	store  Store
	logger *observability.Logger
}

// New creates a new ServeProcessor.
func New(store Store, logger *observability.Logger) *ServeProcessor {
	return &ServeProcessor{store: store, logger: logger}
}

// ServeParams carries the resolved identity plus the request context a
// serving decision runs against.
type ServeParams struct {
	Account       store.Account
	Device        store.Device
	LinkedDevices []store.Device
	DeviceType    store.DeviceType

	URL           string
	ClientKey     string
	VisitCount    *int
	PageviewCount *int
	CustomData    store.JSONB
	Geo           observability.GeoInfo
	LaunchTimes   *int
	InstallDays   *int

	PreviewMode bool
}

// buildEvalContext assembles the filter-chain input. Previous-answer trigger
// data is only fetched when at least one candidate survey carries an answer
// trigger, since that costs a query against the answers table.
func (p *ServeProcessor) buildEvalContext(ctx context.Context, params ServeParams, surveys []store.Survey) (EvalContext, error) {
	ec := EvalContext{
		Account:     params.Account,
		Device:      params.Device,
		LinkedIDs:   store.DeviceIDs(params.LinkedDevices),
		DeviceType:  params.DeviceType,
		PreviewMode: params.PreviewMode,
		Now:         time.Now(),
	}

	deviceData := params.Device.Data
	if len(params.CustomData) > 0 {
		merged := make(store.JSONB, len(deviceData)+len(params.CustomData))
		for k, v := range deviceData {
			merged[k] = v
		}
		for k, v := range params.CustomData {
			merged[k] = v
		}
		deviceData = merged
	}

	ec.Trigger = triggers.Context{
		URL:                 params.URL,
		DeviceType:          params.DeviceType,
		VisitCount:          params.VisitCount,
		PageviewCount:       params.PageviewCount,
		ClientKey:           params.ClientKey,
		DeviceData:          deviceData,
		CountryCode:         params.Geo.CountryCode,
		Region:              params.Geo.Region,
		City:                params.Geo.City,
		LaunchTimes:         params.LaunchTimes,
		InstallDays:         params.InstallDays,
		MaxLinkedVisitCount: maxVisitCount(params.LinkedDevices),
	}

	if hasAnswerTrigger(surveys) {
		answered, err := p.store.ListAnsweredPossibleAnswerIDs(ctx, ec.LinkedIDs)
		if err != nil {
			return EvalContext{}, err
		}
		ec.Trigger.AnsweredPossibleAnswerIDs = answered
	}
	return ec, nil
}

// Serve picks the first eligible survey for the request, in survey id order,
// or nil when none qualifies. The returned survey has its questions loaded.
func (p *ServeProcessor) Serve(ctx context.Context, params ServeParams) (*store.Survey, error) {
	return p.serve(ctx, params, "")
}

// ServeForEvent is the pseudo-event path: only surveys carrying a matching
// event trigger are considered, and the frequency cap does not apply.
func (p *ServeProcessor) ServeForEvent(ctx context.Context, params ServeParams, eventName string) (*store.Survey, error) {
	return p.serve(ctx, params, eventName)
}

func (p *ServeProcessor) serve(ctx context.Context, params ServeParams, eventName string) (*store.Survey, error) {
	surveys, err := p.store.ListSurveysForServing(ctx, params.Account.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidate surveys: %w", err)
	}

	ec, err := p.buildEvalContext(ctx, params, surveys)
	if err != nil {
		return nil, err
	}
	ec.Trigger.EventName = eventName
	ec.SkipFrequencyCap = eventName != ""

	for _, survey := range surveys {
		result, err := p.evaluateSurvey(ctx, survey, ec)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate survey %d: %w", survey.ID, err)
		}
		if !result.Eligible {
			p.logger.Debug(ctx, "survey filtered out",
				observability.Field{Key: "survey_id", Value: survey.ID},
				observability.Field{Key: "reason", Value: result.Reason},
			)
			continue
		}
		selected := survey
		if err := p.store.LoadSurveyContent(ctx, &selected); err != nil {
			return nil, err
		}
		return &selected, nil
	}
	return nil, nil
}

// ServeSurveyByID is the direct-serve path: the caller names the survey, so
// targeting triggers are skipped while the remaining filters still apply.
func (p *ServeProcessor) ServeSurveyByID(ctx context.Context, params ServeParams, surveyID int64) (*store.Survey, error) {
	survey, err := p.store.GetSurveyByID(ctx, surveyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSurveyNotFound
		}
		return nil, err
	}
	if survey.AccountID != params.Account.ID {
		return nil, ErrSurveyNotFound
	}

	ec, err := p.buildEvalContext(ctx, params, []store.Survey{survey})
	if err != nil {
		return nil, err
	}
	ec.SkipTriggers = true

	result, err := p.evaluateSurvey(ctx, survey, ec)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate survey %d: %w", survey.ID, err)
	}
	if !result.Eligible {
		p.logger.Debug(ctx, "direct survey filtered out",
			observability.Field{Key: "survey_id", Value: survey.ID},
			observability.Field{Key: "reason", Value: result.Reason},
		)
		return nil, nil
	}
	if err := p.store.LoadSurveyContent(ctx, &survey); err != nil {
		return nil, err
	}
	return &survey, nil
}

// GetSurveyForSubmission loads a survey owned by the account without running
// the filter chain. The direct-submission path uses it after the question
// lookup has already pinned the survey.
func (p *ServeProcessor) GetSurveyForSubmission(ctx context.Context, params ServeParams, surveyID int64) (*store.Survey, error) {
	survey, err := p.store.GetSurveyByID(ctx, surveyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSurveyNotFound
		}
		return nil, err
	}
	if survey.AccountID != params.Account.ID {
		return nil, ErrSurveyNotFound
	}
	return &survey, nil
}

func maxVisitCount(devices []store.Device) *int {
	var max *int
	for _, d := range devices {
		if d.VisitCount == nil {
			continue
		}
		if max == nil || *d.VisitCount > *max {
			v := *d.VisitCount
			max = &v
		}
	}
	return max
}

func hasAnswerTrigger(surveys []store.Survey) bool {
	for _, s := range surveys {
		for _, t := range s.Triggers {
			if t.Kind == store.TriggerKindAnswer {
				return true
			}
		}
	}
	return false
}
