package form

import "reflect"

// Kind selects the adapter that binds a field to the clinical record.
type Kind string

const (
	KindObs               Kind = "obs"
	KindObsGroup          Kind = "obsGroup"
	KindTestOrder         Kind = "testOrder"
	KindProgramState      Kind = "programState"
	KindPatientIdentifier Kind = "patientIdentifier"
	KindPersonAttribute   Kind = "personAttribute"
	KindEncounterDatetime Kind = "encounterDatetime"
	KindEncounterLocation Kind = "encounterLocation"
	KindEncounterProvider Kind = "encounterProvider"
	KindEncounterRole     Kind = "encounterRole"

	// display-only kinds, never bound
	KindMarkdown Kind = "markdown"
	KindControl  Kind = "control"
)

var displayKinds = map[Kind]bool{KindMarkdown: true, KindControl: true}

// IsDisplayOnly reports whether fields of kind k carry no data.
func (k Kind) IsDisplayOnly() bool { return displayKinds[k] }

// Renderings with special handling.
const (
	RenderingGroup        = "group"
	RenderingRepeating    = "repeating"
	RenderingCheckbox     = "checkbox"
	RenderingMultiCheck   = "multiCheckbox"
	RenderingToggle       = "toggle"
	RenderingDate         = "date"
	RenderingDatetime     = "datetime"
	RenderingNumber       = "number"
	RenderingFixedValue   = "fixed-value"
	RenderingMarkdown     = "markdown"
	RenderingSelectExtend = "ui-select-extended"
)

// InitialValue records what a field was bound to at load time.
type InitialValue struct {
	// DomainObject is the bound record fragment: *encounter.Obs,
	// []*encounter.Obs for multi-select, *encounter.Order, and so on.
	DomainObject interface{} `json:"-"`
	RefinedValue interface{} `json:"refinedValue,omitempty"`
}

// PreviousValue is a value taken from a previous episode's record.
type PreviousValue struct {
	Value   interface{} `json:"value"`
	Display string      `json:"display"`
}

// ValidationResult is one validation failure.
type ValidationResult struct {
	ResultType string `json:"resultType"` // "error" or "warning"
	ErrCode    string `json:"errCode,omitempty"`
	Message    string `json:"message"`
}

// Submission is the pending change-set of one field. NewValue and
// VoidedValue hold a single fragment or a slice of fragments.
type Submission struct {
	NewValue    interface{}        `json:"newValue,omitempty"`
	VoidedValue interface{}        `json:"voidedValue,omitempty"`
	Unspecified bool               `json:"unspecified,omitempty"`
	Errors      []ValidationResult `json:"errors,omitempty"`
	Warnings    []ValidationResult `json:"warnings,omitempty"`
}

// Empty reports whether the submission carries no data operation.
func (s *Submission) Empty() bool {
	return isNilish(s.NewValue) && isNilish(s.VoidedValue)
}

// ClearData drops pending operations and keeps validation results.
func (s *Submission) ClearData() {
	s.NewValue = nil
	s.VoidedValue = nil
}

func isNilish(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map:
		return rv.Len() == 0
	case reflect.Ptr, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// Meta is the mutable binding state of a field.
type Meta struct {
	InitialValue  InitialValue   `json:"initialValue"`
	PreviousValue *PreviousValue `json:"previousValue,omitempty"`
	Submission    Submission     `json:"submission"`
	// Bound reports whether InitialValue.DomainObject was set by the binding
	// pass, as opposed to being empty.
	Bound bool `json:"bound"`
}

// Field is a flattened question plus its runtime state.
type Field struct {
	ID       string    `json:"id"`
	Kind     Kind      `json:"type"`
	Question *Question `json:"-"`
	Adapter  Adapter   `json:"-"`

	Page    string `json:"page"`
	Section string `json:"section"`

	// Parent is the enclosing group field, Children the member field ids.
	Parent   string   `json:"parent,omitempty"`
	Children []string `json:"children,omitempty"`

	Readonly        bool   `json:"readonly,omitempty"`
	InlineRendering string `json:"inlineRendering,omitempty"`

	// CloneOf names the field a repeat instance was cloned from.
	CloneOf     string `json:"cloneOf,omitempty"`
	RepeatIndex int    `json:"repeatIndex,omitempty"`

	Value    interface{} `json:"value"`
	Hidden   bool        `json:"hidden"`
	Disabled bool        `json:"disabled"`
	Required bool        `json:"required"`

	HiddenAnswers   map[string]bool `json:"hiddenAnswers,omitempty"`
	DisabledAnswers map[string]bool `json:"disabledAnswers,omitempty"`

	Meta Meta `json:"meta"`
}

func (f *Field) Rendering() string { return f.Question.QuestionOptions.Rendering }
func (f *Field) Concept() string   { return f.Question.QuestionOptions.Concept }

// IsGroup reports whether the field folds its children into one group
// fragment.
func (f *Field) IsGroup() bool {
	return f.Kind == KindObsGroup
}

// IsRepeating reports whether the user can add instances of this group.
func (f *Field) IsRepeating() bool {
	return f.IsGroup() && f.Rendering() == RenderingRepeating
}

// IsMultiSelect reports whether the value is a set of coded answers.
func (f *Field) IsMultiSelect() bool {
	r := f.Rendering()
	return r == RenderingCheckbox || r == RenderingMultiCheck
}

// IsTransient reports whether the field is excluded from change-sets.
func (f *Field) IsTransient() bool {
	return bool(f.Question.IsTransient) || f.Kind.IsDisplayOnly() || f.Rendering() == RenderingMarkdown
}

// Origin returns the id of the field this one was cloned from, or its own
// id.
func (f *Field) Origin() string {
	if f.CloneOf != "" {
		return f.CloneOf
	}
	return f.ID
}

// Clone deep-copies the question tree.
func (q *Question) Clone() *Question {
	out := *q
	if q.Hide != nil {
		h := *q.Hide
		out.Hide = &h
	}
	if q.Disabled != nil {
		d := *q.Disabled
		out.Disabled = &d
	}
	out.Validators = make([]*Validator, len(q.Validators))
	for i, v := range q.Validators {
		cp := *v
		out.Validators[i] = &cp
	}
	opts := q.QuestionOptions
	opts.Answers = make([]*Answer, len(q.QuestionOptions.Answers))
	for i, a := range q.QuestionOptions.Answers {
		cp := *a
		opts.Answers[i] = &cp
	}
	if c := q.QuestionOptions.Calculate; c != nil {
		cp := *c
		opts.Calculate = &cp
	}
	out.QuestionOptions = opts
	out.Questions = make([]*Question, len(q.Questions))
	for i, child := range q.Questions {
		out.Questions[i] = child.Clone()
	}
	return &out
}
