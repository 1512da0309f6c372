// Package triggers implements the serve-time rule matching engine. A
// survey's triggers partition into suppressers (excluded=true) and
// requirers; suppressers short-circuit, mandatory requirers AND together,
// and non-mandatory requirers OR together.
package triggers

import (
	"regexp"
	"strconv"
	"strings"

	"pulse-server/internal/store"
)

// Context is the per-request evaluation input. Nil numeric fields mean the
// caller did not report a value, which only satisfies a threshold of zero.
type Context struct {
	URL           string
	DeviceType    store.DeviceType
	VisitCount    *int
	PageviewCount *int
	ClientKey     string
	DeviceData    store.JSONB
	CountryCode   string
	Region        string
	City          string
	EventName     string
	LaunchTimes   *int
	InstallDays   *int

	// MaxLinkedVisitCount is the highest visit count across the visitor's
	// client-key-linked devices; repeat-visitor triggers consult it.
	MaxLinkedVisitCount *int

	// AnsweredPossibleAnswerIDs holds every possible answer the visitor's
	// devices have previously chosen, for previous-answer triggers.
	AnsweredPossibleAnswerIDs map[int64]bool
}

// Evaluate decides whether a survey's trigger set admits the context.
//
// Pseudo-event triggers gate which serving path a survey belongs to: a
// survey carrying one only serves on a matching present-event request, and
// a present-event request only serves surveys naming that event. The
// remaining triggers follow suppresser/mandatory/optional semantics. A
// survey with no triggers at all is eligible by default.
func Evaluate(ts []store.Trigger, ctx Context) bool {
	var pseudoRequirers []store.Trigger
	var suppressers []store.Trigger
	var mandatory []store.Trigger
	var optional []store.Trigger

	for _, t := range ts {
		switch {
		case t.Excluded:
			suppressers = append(suppressers, t)
		case t.Kind == store.TriggerKindPseudoEvent:
			pseudoRequirers = append(pseudoRequirers, t)
		case t.Mandatory:
			mandatory = append(mandatory, t)
		default:
			optional = append(optional, t)
		}
	}

	if ctx.EventName != "" {
		matched := false
		for _, t := range pseudoRequirers {
			if Matches(t, ctx) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	} else if len(pseudoRequirers) > 0 {
		// Event-bound surveys never serve on the generic path.
		return false
	}

	for _, t := range suppressers {
		if Matches(t, ctx) {
			return false
		}
	}

	for _, t := range mandatory {
		if !Matches(t, ctx) {
			return false
		}
	}

	if len(optional) > 0 {
		for _, t := range optional {
			if Matches(t, ctx) {
				return true
			}
		}
		return false
	}
	return true
}

// Matches evaluates a single trigger against the context. Client-side
// display triggers (scroll, exit intent, text on page, element clicked,
// time on page) always match here; the tag enforces them in the browser
// using the configuration echoed in the serve payload.
func Matches(t store.Trigger, ctx Context) bool {
	switch t.Kind {
	case store.TriggerKindURL:
		return matchURL(t, ctx.URL)
	case store.TriggerKindPageview, store.TriggerKindMobilePageview:
		return countOrZero(ctx.PageviewCount) >= thresholdOrZero(t)
	case store.TriggerKindVisit:
		return matchVisit(t, ctx)
	case store.TriggerKindDeviceData:
		return matchDeviceData(t, ctx.DeviceData)
	case store.TriggerKindGeo:
		return matchGeo(t, ctx)
	case store.TriggerKindClientKey:
		if t.Value != nil && *t.Value != "" {
			return ctx.ClientKey == *t.Value
		}
		return ctx.ClientKey != ""
	case store.TriggerKindAnswer:
		return matchPreviousAnswer(t, ctx)
	case store.TriggerKindPseudoEvent:
		return t.Value != nil && *t.Value == ctx.EventName
	case store.TriggerKindMobileLaunch:
		return countOrZero(ctx.LaunchTimes) >= thresholdOrZero(t)
	case store.TriggerKindMobileInstall:
		return countOrZero(ctx.InstallDays) >= thresholdOrZero(t)
	case store.TriggerKindPageScroll, store.TriggerKindPageIntentExit,
		store.TriggerKindTextOnPage, store.TriggerKindPageElementClicked,
		store.TriggerKindPageAfterSeconds:
		return true
	}
	return false
}

// Visit trigger visitor classes.
const (
	VisitAllVisitors       = "all_visitors"
	VisitFirstTimeVisitors = "first_time_visitors"
	VisitRepeatVisitors    = "repeat_visitors"
)

func matchVisit(t store.Trigger, ctx Context) bool {
	matchType := ""
	if t.MatchType != nil {
		matchType = *t.MatchType
	}
	switch matchType {
	case VisitFirstTimeVisitors:
		return ctx.VisitCount == nil || *ctx.VisitCount <= 1
	case VisitRepeatVisitors:
		// A missing threshold means any returning visitor, so the floor is
		// a second visit. Zero would match first-timers too.
		threshold := 2
		if t.Threshold != nil {
			threshold = *t.Threshold
		}
		if countOrZero(ctx.VisitCount) >= threshold {
			return true
		}
		// Any linked device qualifying counts as the same repeat visitor.
		return ctx.MaxLinkedVisitCount != nil && *ctx.MaxLinkedVisitCount >= threshold
	default: // all_visitors
		return true
	}
}

func matchURL(t store.Trigger, url string) bool {
	if t.Value == nil || *t.Value == "" {
		return false
	}
	normalized := NormalizeURL(url)
	matchType := "contains"
	if t.MatchType != nil && *t.MatchType != "" {
		matchType = *t.MatchType
	}
	switch matchType {
	case "regex":
		re, err := regexp.Compile(*t.Value)
		if err != nil {
			return false
		}
		return re.MatchString(normalized)
	default:
		return strings.Contains(normalized, NormalizeURL(*t.Value))
	}
}

func matchDeviceData(t store.Trigger, data store.JSONB) bool {
	if t.DataKey == nil || t.Value == nil {
		return false
	}
	raw, ok := data[*t.DataKey]
	if !ok {
		return false
	}
	value := stringify(raw)

	matchType := "equals"
	if t.MatchType != nil && *t.MatchType != "" {
		matchType = *t.MatchType
	}
	switch matchType {
	case "contains":
		return strings.Contains(value, *t.Value)
	case "regex":
		re, err := regexp.Compile(*t.Value)
		if err != nil {
			return false
		}
		return re.MatchString(value)
	default:
		return value == *t.Value
	}
}

func matchGeo(t store.Trigger, ctx Context) bool {
	if t.Value == nil || *t.Value == "" {
		return false
	}
	field := "country"
	if t.MatchType != nil && *t.MatchType != "" {
		field = *t.MatchType
	}
	var actual string
	switch field {
	case "region":
		actual = ctx.Region
	case "city":
		actual = ctx.City
	default:
		actual = ctx.CountryCode
	}
	return actual != "" && strings.EqualFold(actual, *t.Value)
}

func matchPreviousAnswer(t store.Trigger, ctx Context) bool {
	if t.Value == nil {
		return false
	}
	id, err := strconv.ParseInt(*t.Value, 10, 64)
	if err != nil {
		return false
	}
	return ctx.AnsweredPossibleAnswerIDs[id]
}

func countOrZero(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}

func thresholdOrZero(t store.Trigger) int {
	if t.Threshold == nil {
		return 0
	}
	return *t.Threshold
}

func stringify(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	case nil:
		return ""
	}
	return ""
}

// NormalizeURL strips the protocol, a leading "www." and any port from a
// URL so trigger values written with or without them compare equal. The
// path and query are preserved.
func NormalizeURL(raw string) string {
	url := strings.TrimSpace(raw)
	lower := strings.ToLower(url)
	switch {
	case strings.HasPrefix(lower, "https://"):
		url = url[len("https://"):]
	case strings.HasPrefix(lower, "http://"):
		url = url[len("http://"):]
	case strings.HasPrefix(lower, "//"):
		url = url[len("//"):]
	}

	host := url
	rest := ""
	if idx := strings.IndexAny(url, "/?"); idx >= 0 {
		host, rest = url[:idx], url[idx:]
	}

	host = strings.ToLower(host)
	host = strings.TrimPrefix(host, "www.")
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		host = host[:idx]
	}
	return host + rest
}
