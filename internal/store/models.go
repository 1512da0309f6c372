package store

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// JSONB is a custom type for JSONB fields
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface for JSONB
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface for JSONB
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return errors.New("incompatible type for JSONB")
	}

	if len(bytes) == 0 || string(bytes) == "null" {
		*j = make(JSONB)
		return nil
	}

	result := make(JSONB)
	err := json.Unmarshal(bytes, &result)
	if err != nil {
		return err
	}
	*j = result
	return nil
}

// ============================================================================
// Enums
// ============================================================================

// SurveyStatus represents the lifecycle state of a survey
type SurveyStatus string

const (
	SurveyStatusDraft    SurveyStatus = "draft"
	SurveyStatusLive     SurveyStatus = "live"
	SurveyStatusPaused   SurveyStatus = "paused"
	SurveyStatusComplete SurveyStatus = "complete"
	SurveyStatusArchived SurveyStatus = "archived"
)

// DeviceType is the requesting device class sent by the tag or SDK
type DeviceType string

const (
	DeviceTypeDesktop DeviceType = "desktop"
	DeviceTypeMobile  DeviceType = "mobile"
	DeviceTypeTablet  DeviceType = "tablet"
	DeviceTypeIOS     DeviceType = "ios"
	DeviceTypeAndroid DeviceType = "android"
	DeviceTypeEmail   DeviceType = "email"
	DeviceTypeNative  DeviceType = "native_mobile"
)

// ValidDeviceType reports whether s is a recognized device type value.
func ValidDeviceType(s string) bool {
	switch DeviceType(s) {
	case DeviceTypeDesktop, DeviceTypeMobile, DeviceTypeTablet,
		DeviceTypeIOS, DeviceTypeAndroid, DeviceTypeEmail, DeviceTypeNative:
		return true
	}
	return false
}

// QuestionType represents question rendering/answering behavior
type QuestionType string

const (
	QuestionTypeSingleChoice    QuestionType = "single_choice_question"
	QuestionTypeMultipleChoices QuestionType = "multiple_choices_question"
	QuestionTypeSlider          QuestionType = "slider_question"
	QuestionTypeFreeText        QuestionType = "free_text_question"
	QuestionTypeCustomContent   QuestionType = "custom_content_question"
	QuestionTypeNPS             QuestionType = "net_promoter_score"
)

// TriggerKind identifies the matcher variant of a trigger row
type TriggerKind string

const (
	TriggerKindURL                TriggerKind = "url"
	TriggerKindPageview           TriggerKind = "pageview"
	TriggerKindMobilePageview     TriggerKind = "mobile_pageview"
	TriggerKindVisit              TriggerKind = "visit"
	TriggerKindDeviceData         TriggerKind = "device_data"
	TriggerKindGeo                TriggerKind = "geo"
	TriggerKindClientKey          TriggerKind = "client_key"
	TriggerKindAnswer             TriggerKind = "answer"
	TriggerKindPageScroll         TriggerKind = "page_scroll"
	TriggerKindPageIntentExit     TriggerKind = "page_intent_exit"
	TriggerKindTextOnPage         TriggerKind = "text_on_page"
	TriggerKindPageElementClicked TriggerKind = "page_element_clicked"
	TriggerKindPageAfterSeconds   TriggerKind = "page_after_seconds"
	TriggerKindPseudoEvent        TriggerKind = "pseudo_event"
	TriggerKindMobileLaunch       TriggerKind = "mobile_launch"
	TriggerKindMobileInstall      TriggerKind = "mobile_install"
)

// ============================================================================
// Entities
// ============================================================================

// Account is a tenant. The identifier is the stable external key embedded in
// the customer's tag ("PI-" + 8 alphanumeric characters).
type Account struct {
	ID                         uuid.UUID  `db:"id" json:"id"`
	Identifier                 string     `db:"identifier" json:"identifier"`
	Name                       string     `db:"name" json:"name"`
	Enabled                    bool       `db:"enabled" json:"enabled"`
	DeactivationMessage        *string    `db:"deactivation_message" json:"deactivation_message,omitempty"`
	FrequencyCapEnabled        bool       `db:"frequency_cap_enabled" json:"frequency_cap_enabled"`
	FrequencyCapType           string     `db:"frequency_cap_type" json:"frequency_cap_type"`
	FrequencyCapLimit          int        `db:"frequency_cap_limit" json:"frequency_cap_limit"`
	FrequencyCapDuration       int        `db:"frequency_cap_duration" json:"frequency_cap_duration"`
	IPBlocklist                *string    `db:"ip_blocklist" json:"-"`
	RateLimitRPM               int        `db:"rate_limit_rpm" json:"-"`
	ViewedImpressionsEnabledAt *time.Time `db:"viewed_impressions_enabled_at" json:"viewed_impressions_enabled_at,omitempty"`
	CreatedAt                  time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt                  time.Time  `db:"updated_at" json:"updated_at"`
}

// FrequencyCapWindow returns the duration of the account's frequency cap
// window. Zero when the cap is disabled or misconfigured.
func (a *Account) FrequencyCapWindow() time.Duration {
	if !a.FrequencyCapEnabled || a.FrequencyCapDuration <= 0 {
		return 0
	}
	switch a.FrequencyCapType {
	case "hours":
		return time.Duration(a.FrequencyCapDuration) * time.Hour
	case "days":
		return time.Duration(a.FrequencyCapDuration) * 24 * time.Hour
	}
	return 0
}

// Survey is a questionnaire definition owned by an account.
type Survey struct {
	ID                       int64        `db:"id" json:"id"`
	AccountID                uuid.UUID    `db:"account_id" json:"account_id"`
	Name                     string       `db:"name" json:"name"`
	Status                   SurveyStatus `db:"status" json:"status"`
	StartsAt                 *time.Time   `db:"starts_at" json:"starts_at,omitempty"`
	EndsAt                   *time.Time   `db:"ends_at" json:"ends_at,omitempty"`
	SampleRate               int          `db:"sample_rate" json:"sample_rate"`
	RefireEnabled            bool         `db:"refire_enabled" json:"refire_enabled"`
	RefireTime               int          `db:"refire_time" json:"refire_time"`
	RefireTimePeriod         string       `db:"refire_time_period" json:"refire_time_period"`
	StopShowingWithoutAnswer bool         `db:"stop_showing_without_answer" json:"stop_showing_without_answer"`
	DisplayAllQuestions      bool         `db:"display_all_questions" json:"display_all_questions"`
	DesktopEnabled           bool         `db:"desktop_enabled" json:"desktop_enabled"`
	MobileEnabled            bool         `db:"mobile_enabled" json:"mobile_enabled"`
	TabletEnabled            bool         `db:"tablet_enabled" json:"tablet_enabled"`
	IOSEnabled               bool         `db:"ios_enabled" json:"ios_enabled"`
	AndroidEnabled           bool         `db:"android_enabled" json:"android_enabled"`
	EmailEnabled             bool         `db:"email_enabled" json:"email_enabled"`
	NativeEnabled            bool         `db:"native_enabled" json:"native_enabled"`
	Invitation               *string      `db:"invitation" json:"invitation,omitempty"`
	ThankYou                 *string      `db:"thank_you" json:"thank_you,omitempty"`
	CreatedAt                time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt                time.Time    `db:"updated_at" json:"updated_at"`

	// Loaded separately, not survey table columns.
	Questions []Question `db:"-" json:"questions,omitempty"`
	Triggers  []Trigger  `db:"-" json:"-"`
}

// RefireWindow returns the cooldown duration after which a survey may be
// re-served to the same visitor. Zero when refire is disabled.
func (s *Survey) RefireWindow() time.Duration {
	if !s.RefireEnabled || s.RefireTime <= 0 {
		return 0
	}
	day := 24 * time.Hour
	switch s.RefireTimePeriod {
	case "minutes":
		return time.Duration(s.RefireTime) * time.Minute
	case "hours":
		return time.Duration(s.RefireTime) * time.Hour
	case "days":
		return time.Duration(s.RefireTime) * day
	case "weeks":
		return time.Duration(s.RefireTime) * 7 * day
	case "months":
		return time.Duration(s.RefireTime) * 30 * day
	}
	return 0
}

// EnabledForDeviceType reports whether the survey is enabled for the given
// requesting device type.
func (s *Survey) EnabledForDeviceType(dt DeviceType) bool {
	switch dt {
	case DeviceTypeDesktop:
		return s.DesktopEnabled
	case DeviceTypeMobile:
		return s.MobileEnabled
	case DeviceTypeTablet:
		return s.TabletEnabled
	case DeviceTypeIOS:
		return s.IOSEnabled
	case DeviceTypeAndroid:
		return s.AndroidEnabled
	case DeviceTypeEmail:
		return s.EmailEnabled
	case DeviceTypeNative:
		return s.NativeEnabled
	}
	return false
}

// Question belongs to a survey and is ordered by position (0-based,
// contiguous, unique).
type Question struct {
	ID                     int64        `db:"id" json:"id"`
	SurveyID               int64        `db:"survey_id" json:"survey_id"`
	QuestionType           QuestionType `db:"question_type" json:"question_type"`
	Content                string       `db:"content" json:"content"`
	Position               int          `db:"position" json:"position"`
	NextQuestionID         *int64       `db:"next_question_id" json:"next_question_id,omitempty"`
	FreeTextNextQuestionID *int64       `db:"free_text_next_question_id" json:"free_text_next_question_id,omitempty"`
	CreatedAt              time.Time    `db:"created_at" json:"-"`

	PossibleAnswers []PossibleAnswer `db:"-" json:"possible_answers,omitempty"`
}

// PossibleAnswer belongs to a question; only the last one of a multi-choice
// question may carry routing.
type PossibleAnswer struct {
	ID             int64     `db:"id" json:"id"`
	QuestionID     int64     `db:"question_id" json:"question_id"`
	Content        string    `db:"content" json:"content"`
	Position       int       `db:"position" json:"position"`
	NextQuestionID *int64    `db:"next_question_id" json:"next_question_id,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"-"`
}

// Trigger is one serving rule attached to a survey. The kind selects which
// of the matcher columns are meaningful.
type Trigger struct {
	ID        int64       `db:"id" json:"id"`
	SurveyID  int64       `db:"survey_id" json:"survey_id"`
	Kind      TriggerKind `db:"kind" json:"kind"`
	Excluded  bool        `db:"excluded" json:"excluded"`
	Mandatory bool        `db:"mandatory" json:"mandatory"`
	MatchType *string     `db:"match_type" json:"match_type,omitempty"`
	Value     *string     `db:"value" json:"value,omitempty"`
	DataKey   *string     `db:"data_key" json:"data_key,omitempty"`
	Threshold *int        `db:"threshold" json:"threshold,omitempty"`
	CreatedAt time.Time   `db:"created_at" json:"-"`
}

// Device is a browser/app install identified by UDID. client_key links
// devices belonging to the same logical visitor.
type Device struct {
	ID         uuid.UUID `db:"id" json:"-"`
	UDID       string    `db:"udid" json:"udid"`
	ClientKey  *string   `db:"client_key" json:"client_key,omitempty"`
	Data       JSONB     `db:"data" json:"data,omitempty"`
	VisitCount *int      `db:"visit_count" json:"visit_count,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"-"`
	UpdatedAt  time.Time `db:"updated_at" json:"-"`
}

// Submission is one impression/response event for a (survey, device) pair.
type Submission struct {
	ID            int64      `db:"id" json:"-"`
	UDID          uuid.UUID  `db:"udid" json:"udid"`
	AccountID     uuid.UUID  `db:"account_id" json:"-"`
	DeviceID      uuid.UUID  `db:"device_id" json:"-"`
	SurveyID      int64      `db:"survey_id" json:"survey_id"`
	ClientKey     *string    `db:"client_key" json:"-"`
	DeviceType    string     `db:"device_type" json:"device_type"`
	URL           *string    `db:"url" json:"-"`
	VisitCount    *int       `db:"visit_count" json:"-"`
	PageviewCount *int       `db:"pageview_count" json:"-"`
	AnswersCount  int        `db:"answers_count" json:"answers_count"`
	ClosedByUser  bool       `db:"closed_by_user" json:"closed_by_user"`
	ViewedAt      *time.Time `db:"viewed_at" json:"viewed_at,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
}

// Answer belongs to a submission and question, holding a chosen possible
// answer and/or free text. question_type is denormalized so the uniqueness
// indexes can distinguish multi-choice questions.
type Answer struct {
	ID               int64     `db:"id" json:"id"`
	SubmissionID     int64     `db:"submission_id" json:"-"`
	QuestionID       int64     `db:"question_id" json:"question_id"`
	QuestionType     string    `db:"question_type" json:"-"`
	PossibleAnswerID *int64    `db:"possible_answer_id" json:"possible_answer_id,omitempty"`
	TextAnswer       *string   `db:"text_answer" json:"text_answer,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// SurveySubmissionCache is the per (survey, date) pre-aggregated counter row.
type SurveySubmissionCache struct {
	SurveyID              int64      `db:"survey_id" json:"survey_id"`
	Date                  time.Time  `db:"date" json:"date"`
	ImpressionCount       int        `db:"impression_count" json:"impression_count"`
	ViewedImpressionCount int        `db:"viewed_impression_count" json:"viewed_impression_count"`
	SubmissionCount       int        `db:"submission_count" json:"submission_count"`
	LastImpressionAt      *time.Time `db:"last_impression_at" json:"last_impression_at,omitempty"`
	LastSubmissionAt      *time.Time `db:"last_submission_at" json:"last_submission_at,omitempty"`
}

// TrackedEvent is a named analytics event recorded for a device.
type TrackedEvent struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	AccountID  uuid.UUID  `db:"account_id" json:"account_id"`
	DeviceID   *uuid.UUID `db:"device_id" json:"device_id,omitempty"`
	Name       string     `db:"name" json:"name"`
	Properties JSONB      `db:"properties" json:"properties,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
}
