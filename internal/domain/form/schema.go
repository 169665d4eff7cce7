package form

import (
	"fmt"
	"strconv"
	"strings"
)

// ============================================================================
// Form schema
// ============================================================================

// Form is a declarative clinical form: pages of sections of questions.
type Form struct {
	UUID          string  `json:"uuid"`
	Name          string  `json:"name"`
	Version       string  `json:"version,omitempty"`
	EncounterType string  `json:"encounterType,omitempty"`
	Published     bool    `json:"published,omitempty"`
	Pages         []*Page `json:"pages"`
}

// Page groups sections. Readonly and InlineRendering are inherited by every
// question on the page unless the question overrides them.
type Page struct {
	Label           string     `json:"label"`
	Hide            *Hide      `json:"hide,omitempty"`
	Readonly        Flag       `json:"readonly,omitempty"`
	InlineRendering string     `json:"inlineRendering,omitempty"`
	Sections        []*Section `json:"sections"`
}

// Section groups questions.
type Section struct {
	Label           string      `json:"label"`
	IsExpanded      Flag        `json:"isExpanded,omitempty"`
	Hide            *Hide       `json:"hide,omitempty"`
	Readonly        Flag        `json:"readonly,omitempty"`
	InlineRendering string      `json:"inlineRendering,omitempty"`
	Questions       []*Question `json:"questions"`
}

// Question is one schema node. Group questions carry their members in
// Questions.
type Question struct {
	ID                   string          `json:"id"`
	Type                 string          `json:"type"`
	Label                string          `json:"label,omitempty"`
	Required             Flag            `json:"required,omitempty"`
	RequiredExpression   string          `json:"requiredExpression,omitempty"`
	Hide                 *Hide           `json:"hide,omitempty"`
	Disabled             *Disable        `json:"disabled,omitempty"`
	Readonly             Flag            `json:"readonly,omitempty"`
	InlineRendering      string          `json:"inlineRendering,omitempty"`
	IsTransient          Flag            `json:"isTransient,omitempty"`
	Default              interface{}     `json:"default,omitempty"`
	HistoricalExpression string          `json:"historicalExpression,omitempty"`
	Validators           []*Validator    `json:"validators,omitempty"`
	QuestionOptions      QuestionOptions `json:"questionOptions"`
	Questions            []*Question     `json:"questions,omitempty"`
}

// QuestionOptions configures rendering and binding.
type QuestionOptions struct {
	Rendering        string         `json:"rendering"`
	Concept          string         `json:"concept,omitempty"`
	Answers          []*Answer      `json:"answers,omitempty"`
	DatePickerFormat string         `json:"datePickerFormat,omitempty"`
	Min              *float64       `json:"min,omitempty"`
	Max              *float64       `json:"max,omitempty"`
	MinLength        *int           `json:"minLength,omitempty"`
	MaxLength        *int           `json:"maxLength,omitempty"`
	OrderType        string         `json:"orderType,omitempty"`
	OrderSettingUUID string         `json:"orderSettingUuid,omitempty"`
	ProgramUUID      string         `json:"programUuid,omitempty"`
	WorkflowUUID     string         `json:"workflowUuid,omitempty"`
	IdentifierType   string         `json:"identifierType,omitempty"`
	AttributeType    string         `json:"attributeType,omitempty"`
	Calculate        *Calculate     `json:"calculate,omitempty"`
	RepeatOptions    *RepeatOptions `json:"repeatOptions,omitempty"`
}

// Answer is a selectable coded answer. Answers can be hidden or disabled
// individually.
type Answer struct {
	Concept               string `json:"concept"`
	Label                 string `json:"label,omitempty"`
	HideWhenExpression    string `json:"hideWhenExpression,omitempty"`
	DisableWhenExpression string `json:"disableWhenExpression,omitempty"`
}

type Hide struct {
	HideWhenExpression string `json:"hideWhenExpression"`
}

type Disable struct {
	DisableWhenExpression string `json:"disableWhenExpression"`
}

type Calculate struct {
	CalculateExpression string `json:"calculateExpression"`
}

type RepeatOptions struct {
	Limit   int    `json:"limit,omitempty"`
	AddText string `json:"addText,omitempty"`
}

// Validator is a declarative validation rule.
type Validator struct {
	Type                string `json:"type"`
	FailsWhenExpression string `json:"failsWhenExpression,omitempty"`
	Message             string `json:"message,omitempty"`
	ErrorType           string `json:"errorType,omitempty"` // "error" (default) or "warning"
	AllowFutureDates    Flag   `json:"allowFutureDates,omitempty"`
}

// Flag is a boolean that also accepts the strings "true" and "false", which
// hand-written schemas use interchangeably with JSON booleans.
type Flag bool

func (f *Flag) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		*f = false
		return nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return fmt.Errorf("invalid boolean flag %s", data)
	}
	*f = Flag(b)
	return nil
}
