package adapters

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/formengine/internal/domain/encounter"
	"github.com/ehr/formengine/internal/domain/form"
	"github.com/ehr/formengine/internal/platform/expr"
)

// ErrInvalidValue is returned by Transform for a value the field cannot
// hold, such as text in a number field.
var ErrInvalidValue = errors.New("invalid value")

// Date picker formats.
const (
	PickerCalendar = "calendar"
	PickerTimer    = "timer"
	PickerBoth     = "both"
)

// Toggle fields store these coded answers.
const (
	ConceptTrue  = "1065AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	ConceptFalse = "1066AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
)

const (
	layoutDate     = "2006-01-02"
	layoutTime     = "15:04"
	displayDate    = "02-Jan-2006"
	displayDateTim = "02-Jan-2006 15:04"
)

var codedRenderings = map[string]bool{
	"radio":                    true,
	"select":                   true,
	form.RenderingSelectExtend: true,
	"content-switcher":         true,
	form.RenderingCheckbox:     true,
	form.RenderingMultiCheck:   true,
}

// pickerFormat returns the date picker format of f, or "" for non-date
// fields.
func pickerFormat(f *form.Field) string {
	switch p := f.Question.QuestionOptions.DatePickerFormat; p {
	case PickerCalendar, PickerTimer, PickerBoth:
		return p
	}
	switch f.Rendering() {
	case form.RenderingDate:
		return PickerCalendar
	case form.RenderingDatetime:
		return PickerBoth
	}
	return ""
}

func isToggle(f *form.Field) bool { return f.Rendering() == form.RenderingToggle }

func isCoded(f *form.Field) bool {
	return !isToggle(f) && (codedRenderings[f.Rendering()] || len(f.Question.QuestionOptions.Answers) > 0)
}

func isNumber(f *form.Field) bool { return f.Rendering() == form.RenderingNumber }

// isEmptyValue reports whether v means "no answer". false and 0 are answers.
func isEmptyValue(v interface{}) bool { return expr.IsEmpty(v) }

func parseTime(v interface{}) (time.Time, bool) {
	if s, ok := v.(string); ok {
		if t, err := time.Parse(layoutTime, strings.TrimSpace(s)); err == nil {
			return t, true
		}
	}
	return expr.ToTime(v)
}

// formatDate renders t in the storage layout of a picker format. Date+time
// values are truncated to the minute and stored in UTC.
func formatDate(t time.Time, picker string) string {
	switch picker {
	case PickerCalendar:
		return t.Format(layoutDate)
	case PickerTimer:
		return t.Format(layoutTime)
	}
	return t.UTC().Truncate(time.Minute).Format(time.RFC3339)
}

func toggleConcept(v interface{}) string {
	switch t := v.(type) {
	case bool:
		if t {
			return ConceptTrue
		}
		return ConceptFalse
	case string:
		if b, err := strconv.ParseBool(t); err == nil {
			return toggleConcept(b)
		}
		return t
	}
	return encounter.CodedUUID(v)
}

// toRecordValue converts a UI value into the value stored on a fragment.
func toRecordValue(f *form.Field, v interface{}) (interface{}, error) {
	switch {
	case isToggle(f):
		return toggleConcept(v), nil
	case isCoded(f):
		return encounter.CodedUUID(v), nil
	case pickerFormat(f) != "":
		t, ok := parseTime(v)
		if !ok {
			return nil, fmt.Errorf("%w: %v is not a date", ErrInvalidValue, v)
		}
		return formatDate(t, pickerFormat(f)), nil
	case isNumber(f):
		n, ok := expr.ToNumber(v)
		if !ok {
			return nil, fmt.Errorf("%w: %v is not a number", ErrInvalidValue, v)
		}
		return n, nil
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	return fmt.Sprint(v), nil
}

// fromRecordValue converts a stored value into the field's UI value.
func fromRecordValue(f *form.Field, v interface{}) interface{} {
	if v == nil {
		return nil
	}
	switch {
	case isToggle(f):
		if b, ok := v.(bool); ok {
			return b
		}
		switch encounter.CodedUUID(v) {
		case ConceptTrue:
			return true
		case ConceptFalse:
			return false
		}
		return nil
	case isCoded(f):
		return encounter.CodedUUID(v)
	case pickerFormat(f) != "":
		if t, ok := parseTime(v); ok {
			return formatDate(t, pickerFormat(f))
		}
		return nil
	case isNumber(f):
		if n, ok := expr.ToNumber(v); ok {
			return n
		}
		return nil
	}
	if c, ok := v.(encounter.Concept); ok {
		return c.UUID
	}
	return v
}

// sameValue compares a stored value with a UI value: coded values by uuid,
// dates by day, date+time and time values by minute, toggles against the
// true/false answer.
func sameValue(f *form.Field, stored, ui interface{}) bool {
	switch {
	case isToggle(f):
		return encounter.CodedUUID(stored) == toggleConcept(ui) ||
			(isBool(stored) && toggleConcept(stored) == toggleConcept(ui))
	case isCoded(f):
		return encounter.CodedUUID(stored) == encounter.CodedUUID(ui)
	case pickerFormat(f) != "":
		a, okA := parseTime(stored)
		b, okB := parseTime(ui)
		if !okA || !okB {
			return okA == okB
		}
		switch pickerFormat(f) {
		case PickerCalendar:
			return a.Format(layoutDate) == b.Format(layoutDate)
		case PickerTimer:
			return a.Format(layoutTime) == b.Format(layoutTime)
		}
		return a.Truncate(time.Minute).Equal(b.Truncate(time.Minute))
	case isNumber(f):
		a, okA := expr.ToNumber(stored)
		b, okB := expr.ToNumber(ui)
		return okA && okB && a == b
	}
	return fmt.Sprint(fromRecordValue(f, stored)) == fmt.Sprint(ui)
}

func isBool(v interface{}) bool {
	_, ok := v.(bool)
	return ok
}

// answerLabel returns the label of a coded answer, falling back to its uuid.
func answerLabel(f *form.Field, uuid string) string {
	for _, a := range f.Question.QuestionOptions.Answers {
		if a.Concept == uuid {
			if a.Label != "" {
				return a.Label
			}
			break
		}
	}
	return uuid
}

// displayValue renders a UI value for read-only display.
func displayValue(f *form.Field, v interface{}) string {
	if isEmptyValue(v) {
		return ""
	}
	switch {
	case isToggle(f):
		switch toggleConcept(v) {
		case ConceptTrue:
			return "Yes"
		case ConceptFalse:
			return "No"
		}
	case f.IsMultiSelect():
		keys := selectedKeys(v)
		labels := make([]string, len(keys))
		for i, k := range keys {
			labels[i] = answerLabel(f, k)
		}
		return strings.Join(labels, ", ")
	case isCoded(f):
		return answerLabel(f, encounter.CodedUUID(v))
	case pickerFormat(f) != "":
		t, ok := parseTime(v)
		if !ok {
			break
		}
		switch pickerFormat(f) {
		case PickerCalendar:
			return t.Format(displayDate)
		case PickerTimer:
			return t.Format(layoutTime)
		}
		return t.Format(displayDateTim)
	}
	if n, ok := v.(float64); ok {
		return strconv.FormatFloat(n, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

// selectedKeys normalizes a multi-select value into concept uuids, dropping
// duplicates and blanks.
func selectedKeys(v interface{}) []string {
	var raw []interface{}
	switch t := v.(type) {
	case nil:
		return nil
	case []interface{}:
		raw = t
	case []string:
		for _, s := range t {
			raw = append(raw, s)
		}
	default:
		raw = []interface{}{t}
	}
	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		k := strings.TrimSpace(encounter.CodedUUID(item))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}
