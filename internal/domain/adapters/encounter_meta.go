package adapters

import (
	"fmt"
	"time"

	"github.com/ehr/formengine/internal/domain/encounter"
	"github.com/ehr/formengine/internal/domain/form"
)

// encounterMetaAdapter binds the encounter header: datetime, location,
// provider and role. A new encounter starts from the session defaults
// without binding, so the first commit constructs the header value.
type encounterMetaAdapter struct {
	kind form.Kind
}

func headerValue(kind form.Kind, rec *encounter.Encounter) interface{} {
	switch kind {
	case form.KindEncounterDatetime:
		if rec.EncounterDatetime != nil {
			return formatDate(*rec.EncounterDatetime, PickerBoth)
		}
	case form.KindEncounterLocation:
		return rec.Location
	case form.KindEncounterProvider:
		if len(rec.EncounterProviders) > 0 {
			return rec.EncounterProviders[0].Provider
		}
	case form.KindEncounterRole:
		if len(rec.EncounterProviders) > 0 {
			return rec.EncounterProviders[0].EncounterRole
		}
	}
	return nil
}

func (a encounterMetaAdapter) defaultValue(c *form.Context) interface{} {
	switch a.kind {
	case form.KindEncounterDatetime:
		t := c.SessionDate
		if t.IsZero() {
			t = time.Now()
		}
		return formatDate(t, PickerBoth)
	case form.KindEncounterLocation:
		return c.Location
	case form.KindEncounterProvider:
		return c.Provider
	}
	return nil
}

func (a encounterMetaAdapter) InitialValue(f *form.Field, rec *encounter.Encounter, c *form.Context) (interface{}, error) {
	resetBinding(f)
	if rec == nil || rec.UUID == "" {
		v := a.defaultValue(c)
		if isEmptyValue(v) {
			return nil, nil
		}
		return v, nil
	}
	v := headerValue(a.kind, rec)
	if isEmptyValue(v) {
		v = nil
	}
	bind(f, rec, v)
	return v, nil
}

func (encounterMetaAdapter) PreviousValue(*form.Field, *encounter.Encounter, *form.Context) (*form.PreviousValue, error) {
	return nil, nil
}

// Transform returns a time.Time for the datetime field and a uuid string
// for the others, or nil when the header is unchanged. Clearing a header
// value never voids the encounter.
func (a encounterMetaAdapter) Transform(f *form.Field, value interface{}, _ *form.Context) (interface{}, error) {
	if !beginTransform(f) || isEmptyValue(value) {
		return nil, nil
	}
	prev := f.Meta.InitialValue.RefinedValue

	if a.kind == form.KindEncounterDatetime {
		t, ok := parseTime(value)
		if !ok {
			return nil, fmt.Errorf("field %s: %w: %v is not a date", f.ID, ErrInvalidValue, value)
		}
		t = t.UTC().Truncate(time.Minute)
		if p, ok := parseTime(prev); ok && f.Meta.Bound && p.UTC().Truncate(time.Minute).Equal(t) {
			return nil, nil
		}
		f.Meta.Submission.NewValue = t
		return t, nil
	}

	s := encounter.CodedUUID(value)
	if s == "" {
		s = textValue(value)
	}
	if f.Meta.Bound && s == textValue(prev) {
		return nil, nil
	}
	f.Meta.Submission.NewValue = s
	return s, nil
}

func (a encounterMetaAdapter) DisplayValue(f *form.Field, value interface{}) string {
	if isEmptyValue(value) {
		return ""
	}
	if a.kind == form.KindEncounterDatetime {
		if t, ok := parseTime(value); ok {
			return t.Format(displayDateTim)
		}
	}
	if len(f.Question.QuestionOptions.Answers) > 0 {
		return answerLabel(f, encounter.CodedUUID(value))
	}
	return textValue(value)
}

func (encounterMetaAdapter) TearDown(*form.Context) {}
