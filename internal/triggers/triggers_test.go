package triggers

import (
	"testing"

	"pulse-server/internal/store"
)

func strPtr(s string) *string { return &s }
func intPtr(v int) *int       { return &v }

func urlTrigger(matchType, value string, excluded, mandatory bool) store.Trigger {
	return store.Trigger{
		Kind:      store.TriggerKindURL,
		Excluded:  excluded,
		Mandatory: mandatory,
		MatchType: strPtr(matchType),
		Value:     strPtr(value),
	}
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"https with www", "https://www.example.com/pricing", "example.com/pricing"},
		{"http with port", "http://example.com:8080/pricing?plan=pro", "example.com/pricing?plan=pro"},
		{"protocol relative", "//www.example.com/", "example.com/"},
		{"bare host", "example.com", "example.com"},
		{"host case folded, path preserved", "HTTPS://WWW.Example.COM/Docs/API", "example.com/Docs/API"},
		{"query preserved", "https://example.com/?q=1&r=2", "example.com/?q=1&r=2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeURL(tt.in); got != tt.want {
				t.Errorf("NormalizeURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestMatches_URL(t *testing.T) {
	tests := []struct {
		name    string
		trigger store.Trigger
		url     string
		want    bool
	}{
		{"contains hit", urlTrigger("contains", "/pricing", false, false), "https://www.example.com/pricing?ref=nav", true},
		{"contains miss", urlTrigger("contains", "/checkout", false, false), "https://example.com/pricing", false},
		{"contains ignores protocol in value", urlTrigger("contains", "https://www.example.com/pricing", false, false), "http://example.com/pricing", true},
		{"regex hit", urlTrigger("regex", `^example\.com/docs/\d+$`, false, false), "https://www.example.com/docs/42", true},
		{"regex miss", urlTrigger("regex", `^example\.com/docs/\d+$`, false, false), "https://example.com/docs/latest", false},
		{"invalid regex never matches", urlTrigger("regex", `[`, false, false), "https://example.com/", false},
		{"empty value never matches", urlTrigger("contains", "", false, false), "https://example.com/", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Matches(tt.trigger, Context{URL: tt.url}); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatches_Visit(t *testing.T) {
	trigger := func(matchType string, threshold int) store.Trigger {
		return store.Trigger{
			Kind:      store.TriggerKindVisit,
			MatchType: strPtr(matchType),
			Threshold: intPtr(threshold),
		}
	}

	tests := []struct {
		name string
		t    store.Trigger
		ctx  Context
		want bool
	}{
		{"all visitors", trigger(VisitAllVisitors, 0), Context{}, true},
		{"first time nil count", trigger(VisitFirstTimeVisitors, 0), Context{}, true},
		{"first time count 1", trigger(VisitFirstTimeVisitors, 0), Context{VisitCount: intPtr(1)}, true},
		{"first time count 0", trigger(VisitFirstTimeVisitors, 0), Context{VisitCount: intPtr(0)}, true},
		{"first time count 2", trigger(VisitFirstTimeVisitors, 0), Context{VisitCount: intPtr(2)}, false},
		{"repeat below threshold", trigger(VisitRepeatVisitors, 3), Context{VisitCount: intPtr(2)}, false},
		{"repeat at threshold", trigger(VisitRepeatVisitors, 3), Context{VisitCount: intPtr(3)}, true},
		{"repeat via linked device", trigger(VisitRepeatVisitors, 3), Context{VisitCount: intPtr(1), MaxLinkedVisitCount: intPtr(5)}, true},
		{"repeat nil counts", trigger(VisitRepeatVisitors, 3), Context{}, false},
		{"repeat nil threshold first visit", store.Trigger{Kind: store.TriggerKindVisit, MatchType: strPtr(VisitRepeatVisitors)}, Context{VisitCount: intPtr(1)}, false},
		{"repeat nil threshold second visit", store.Trigger{Kind: store.TriggerKindVisit, MatchType: strPtr(VisitRepeatVisitors)}, Context{VisitCount: intPtr(2)}, true},
		{"repeat nil threshold nil count", store.Trigger{Kind: store.TriggerKindVisit, MatchType: strPtr(VisitRepeatVisitors)}, Context{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Matches(tt.t, tt.ctx); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatches_Pageview(t *testing.T) {
	trigger := store.Trigger{Kind: store.TriggerKindPageview, Threshold: intPtr(3)}

	if Matches(trigger, Context{PageviewCount: intPtr(2)}) {
		t.Error("pageview count below threshold should not match")
	}
	if !Matches(trigger, Context{PageviewCount: intPtr(3)}) {
		t.Error("pageview count at threshold should match")
	}
	// nil only satisfies a zero threshold
	if Matches(trigger, Context{}) {
		t.Error("nil pageview count should not satisfy threshold 3")
	}
	zero := store.Trigger{Kind: store.TriggerKindPageview, Threshold: intPtr(0)}
	if !Matches(zero, Context{}) {
		t.Error("nil pageview count should satisfy threshold 0")
	}
}

func TestMatches_DeviceData(t *testing.T) {
	data := store.JSONB{"plan": "enterprise", "seats": float64(40)}

	trigger := func(matchType, key, value string) store.Trigger {
		return store.Trigger{
			Kind:      store.TriggerKindDeviceData,
			MatchType: strPtr(matchType),
			DataKey:   strPtr(key),
			Value:     strPtr(value),
		}
	}

	tests := []struct {
		name string
		t    store.Trigger
		want bool
	}{
		{"equals hit", trigger("equals", "plan", "enterprise"), true},
		{"equals miss", trigger("equals", "plan", "starter"), false},
		{"contains hit", trigger("contains", "plan", "enter"), true},
		{"regex hit", trigger("regex", "plan", "^enter"), true},
		{"numeric value stringified", trigger("equals", "seats", "40"), true},
		{"missing key", trigger("equals", "tier", "gold"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Matches(tt.t, Context{DeviceData: data}); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatches_Geo(t *testing.T) {
	ctx := Context{CountryCode: "US", Region: "California", City: "San Francisco"}

	country := store.Trigger{Kind: store.TriggerKindGeo, Value: strPtr("us")}
	if !Matches(country, ctx) {
		t.Error("country match should be case-insensitive")
	}
	region := store.Trigger{Kind: store.TriggerKindGeo, MatchType: strPtr("region"), Value: strPtr("california")}
	if !Matches(region, ctx) {
		t.Error("region should match")
	}
	if Matches(country, Context{}) {
		t.Error("missing geo headers should not match")
	}
}

func TestMatches_ClientKey(t *testing.T) {
	presence := store.Trigger{Kind: store.TriggerKindClientKey}
	if !Matches(presence, Context{ClientKey: "user-77"}) {
		t.Error("presence trigger should match when client key supplied")
	}
	if Matches(presence, Context{}) {
		t.Error("presence trigger should not match without client key")
	}

	exact := store.Trigger{Kind: store.TriggerKindClientKey, Value: strPtr("user-77")}
	if !Matches(exact, Context{ClientKey: "user-77"}) {
		t.Error("exact trigger should match same client key")
	}
	if Matches(exact, Context{ClientKey: "user-78"}) {
		t.Error("exact trigger should not match different client key")
	}
}

func TestMatches_MobileThresholds(t *testing.T) {
	launch := store.Trigger{Kind: store.TriggerKindMobileLaunch, Threshold: intPtr(5)}
	if Matches(launch, Context{LaunchTimes: intPtr(4)}) {
		t.Error("launch count below threshold should not match")
	}
	if !Matches(launch, Context{LaunchTimes: intPtr(5)}) {
		t.Error("launch count at threshold should match")
	}
	if Matches(launch, Context{}) {
		t.Error("absent launch count should only satisfy threshold 0")
	}

	install := store.Trigger{Kind: store.TriggerKindMobileInstall, Threshold: intPtr(0)}
	if !Matches(install, Context{}) {
		t.Error("absent install days should satisfy threshold 0")
	}
}

func TestMatches_PreviousAnswer(t *testing.T) {
	trigger := store.Trigger{Kind: store.TriggerKindAnswer, Value: strPtr("321")}
	answered := map[int64]bool{321: true}

	if !Matches(trigger, Context{AnsweredPossibleAnswerIDs: answered}) {
		t.Error("previously chosen possible answer should match")
	}
	if Matches(trigger, Context{AnsweredPossibleAnswerIDs: map[int64]bool{99: true}}) {
		t.Error("unchosen possible answer should not match")
	}
}

func TestEvaluate_SuppresserShortCircuits(t *testing.T) {
	ts := []store.Trigger{
		urlTrigger("contains", "/pricing", false, true),
		urlTrigger("contains", "/pricing/internal", true, false),
	}
	ctx := Context{URL: "https://example.com/pricing/internal/plans"}
	if Evaluate(ts, ctx) {
		t.Error("matching suppresser must make the survey ineligible even when requirers match")
	}

	ctx = Context{URL: "https://example.com/pricing/plans"}
	if !Evaluate(ts, ctx) {
		t.Error("non-matching suppresser with matching mandatory requirer should be eligible")
	}
}

func TestEvaluate_MandatoryAndOptionalSemantics(t *testing.T) {
	mandatoryURL := urlTrigger("contains", "/docs", false, true)
	optionalA := urlTrigger("contains", "/docs/api", false, false)
	optionalB := urlTrigger("contains", "/docs/sdk", false, false)

	ts := []store.Trigger{mandatoryURL, optionalA, optionalB}

	if !Evaluate(ts, Context{URL: "https://example.com/docs/api/v2"}) {
		t.Error("mandatory plus one optional matching should be eligible")
	}
	if Evaluate(ts, Context{URL: "https://example.com/docs/guides"}) {
		t.Error("no optional matching should be ineligible")
	}
	if Evaluate(ts, Context{URL: "https://example.com/blog/docs-api"}) {
		// mandatory matches via substring, but optionals do not
		t.Error("optionals unmatched should be ineligible")
	}

	// With zero optionals the OR clause is vacuously true.
	if !Evaluate([]store.Trigger{mandatoryURL}, Context{URL: "https://example.com/docs"}) {
		t.Error("mandatory-only set should be eligible when it matches")
	}
	if Evaluate([]store.Trigger{mandatoryURL}, Context{URL: "https://example.com/"}) {
		t.Error("failing mandatory trigger should be ineligible")
	}
}

func TestEvaluate_NoTriggersIsPermissive(t *testing.T) {
	if !Evaluate(nil, Context{URL: "https://example.com/"}) {
		t.Error("a survey with no triggers should be eligible")
	}
}

func TestEvaluate_PseudoEventPartitioning(t *testing.T) {
	eventTrigger := store.Trigger{Kind: store.TriggerKindPseudoEvent, Value: strPtr("cart_abandoned")}

	// Event-bound surveys only serve on the matching event.
	if Evaluate([]store.Trigger{eventTrigger}, Context{}) {
		t.Error("event-bound survey should not serve on the generic path")
	}
	if !Evaluate([]store.Trigger{eventTrigger}, Context{EventName: "cart_abandoned"}) {
		t.Error("event-bound survey should serve on its event")
	}
	if Evaluate([]store.Trigger{eventTrigger}, Context{EventName: "checkout_done"}) {
		t.Error("event-bound survey should not serve on a different event")
	}

	// Surveys without pseudo-event triggers never serve on an event request.
	if Evaluate(nil, Context{EventName: "cart_abandoned"}) {
		t.Error("survey without event trigger should not serve on an event request")
	}
}

func TestEvaluate_ClientSideTriggersPassThrough(t *testing.T) {
	ts := []store.Trigger{
		{Kind: store.TriggerKindPageScroll, Threshold: intPtr(50)},
		{Kind: store.TriggerKindPageAfterSeconds, Threshold: intPtr(10)},
	}
	if !Evaluate(ts, Context{URL: "https://example.com/"}) {
		t.Error("client-side display triggers are enforced by the tag, not at serve time")
	}
}
