package processor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"pulse-server/internal/store"
	"pulse-server/internal/triggers"
)

// Filter reason codes, reported when a survey is passed over.
const (
	ReasonStatusNotLive       = "status_not_live"
	ReasonOutsideWindow       = "outside_window"
	ReasonDeviceTypeDisabled  = "device_type_disabled"
	ReasonSampledOut          = "sampled_out"
	ReasonFrequencyCapped     = "frequency_capped"
	ReasonRefireWindowActive  = "refire_window_active"
	ReasonClosedWithoutAnswer = "closed_without_answer"
	ReasonAlreadyAnswered     = "already_answered"
	ReasonTriggersNotMatched  = "triggers_not_matched"
)

// FilterResult is the outcome of running one survey through the chain.
type FilterResult struct {
	Eligible bool
	Reason   string
}

func pass() FilterResult              { return FilterResult{Eligible: true} }
func fail(reason string) FilterResult { return FilterResult{Reason: reason} }

// EvalContext is the per-request state the filter chain evaluates surveys
// against. LinkedIDs is the client-key-linked device set including the
// requesting device itself.
type EvalContext struct {
	Account    store.Account
	Device     store.Device
	LinkedIDs  []uuid.UUID
	DeviceType store.DeviceType
	Trigger    triggers.Context

	// PreviewMode bypasses the status, window, sample-rate, refire and
	// closed-without-answer filters so authors can always see their survey.
	PreviewMode bool

	// SkipFrequencyCap is set on the pseudo-event and direct-submission
	// paths, which are exempt from the account frequency cap.
	SkipFrequencyCap bool

	// SkipTriggers is set on the direct-serve path, where the caller names
	// the survey explicitly instead of relying on targeting rules.
	SkipTriggers bool

	Now time.Time
}

// evaluateSurvey runs one survey through the filter chain. Filters are
// AND-combined and short-circuit on the first failure; the cheap in-memory
// checks run before anything that touches the database.
func (p *ServeProcessor) evaluateSurvey(ctx context.Context, survey store.Survey, ec EvalContext) (FilterResult, error) {
	if !ec.PreviewMode {
		if survey.Status != store.SurveyStatusLive {
			return fail(ReasonStatusNotLive), nil
		}
		if r := withinWindow(survey, ec.Now); !r.Eligible {
			return r, nil
		}
	}

	if !survey.EnabledForDeviceType(ec.DeviceType) {
		return fail(ReasonDeviceTypeDisabled), nil
	}

	if !ec.PreviewMode && survey.SampleRate < 100 {
		if sampleRoll(ec.Device.UDID, survey.ID, ec.Now) >= survey.SampleRate {
			return fail(ReasonSampledOut), nil
		}
	}

	if !ec.SkipFrequencyCap {
		if r, err := p.frequencyCapOK(ctx, survey, ec); err != nil || !r.Eligible {
			return r, err
		}
	}

	if !ec.PreviewMode {
		if r, err := p.refireOK(ctx, survey, ec); err != nil || !r.Eligible {
			return r, err
		}
		if r, err := p.notClosedWithoutAnswer(ctx, survey, ec); err != nil || !r.Eligible {
			return r, err
		}
	}

	if r, err := p.clientKeyNotAlreadyAnswered(ctx, survey, ec); err != nil || !r.Eligible {
		return r, err
	}

	if !ec.SkipTriggers {
		if !triggers.Evaluate(survey.Triggers, ec.Trigger) {
			return fail(ReasonTriggersNotMatched), nil
		}
	}
	return pass(), nil
}

func withinWindow(survey store.Survey, now time.Time) FilterResult {
	if survey.StartsAt != nil && now.Before(*survey.StartsAt) {
		return fail(ReasonOutsideWindow)
	}
	if survey.EndsAt != nil && now.After(*survey.EndsAt) {
		return fail(ReasonOutsideWindow)
	}
	return pass()
}

// frequencyCapOK enforces the account-level impression cap. Prior
// submissions from any client-key-linked device count against the cap.
func (p *ServeProcessor) frequencyCapOK(ctx context.Context, survey store.Survey, ec EvalContext) (FilterResult, error) {
	window := ec.Account.FrequencyCapWindow()
	if window == 0 {
		return pass(), nil
	}
	count, err := p.store.CountSubmissionsSince(ctx, ec.LinkedIDs, survey.ID, ec.Now.Add(-window))
	if err != nil {
		return FilterResult{}, err
	}
	if count >= ec.Account.FrequencyCapLimit {
		return fail(ReasonFrequencyCapped), nil
	}
	return pass(), nil
}

// refireOK checks the cooldown since the visitor's latest submission against
// the survey, again across the linked device set.
func (p *ServeProcessor) refireOK(ctx context.Context, survey store.Survey, ec EvalContext) (FilterResult, error) {
	window := survey.RefireWindow()
	if window == 0 {
		// Refire disabled or misconfigured: the filter does not apply.
		return pass(), nil
	}
	latest, err := p.store.LatestSubmissionAt(ctx, ec.LinkedIDs, survey.ID)
	if err != nil {
		return FilterResult{}, err
	}
	if latest == nil {
		return pass(), nil
	}
	if latest.Add(window).After(ec.Now) {
		return fail(ReasonRefireWindowActive), nil
	}
	return pass(), nil
}

// notClosedWithoutAnswer is deliberately scoped to the exact requesting
// device, not the linked set.
func (p *ServeProcessor) notClosedWithoutAnswer(ctx context.Context, survey store.Survey, ec EvalContext) (FilterResult, error) {
	if !survey.StopShowingWithoutAnswer {
		return pass(), nil
	}
	closed, err := p.store.HasClosedWithoutAnswer(ctx, ec.Device.ID, survey.ID)
	if err != nil {
		return FilterResult{}, err
	}
	if closed {
		return fail(ReasonClosedWithoutAnswer), nil
	}
	return pass(), nil
}

func (p *ServeProcessor) clientKeyNotAlreadyAnswered(ctx context.Context, survey store.Survey, ec EvalContext) (FilterResult, error) {
	if ec.Trigger.ClientKey == "" {
		return pass(), nil
	}
	answered, err := p.store.HasAnsweredViaClientKey(ctx, ec.Trigger.ClientKey, survey.ID)
	if err != nil {
		return FilterResult{}, err
	}
	if answered {
		return fail(ReasonAlreadyAnswered), nil
	}
	return pass(), nil
}
