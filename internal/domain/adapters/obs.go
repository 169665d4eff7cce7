package adapters

import (
	"fmt"
	"strings"

	"github.com/ehr/formengine/internal/domain/encounter"
	"github.com/ehr/formengine/internal/domain/form"
)

// obsAdapter binds a field to one obs, or to a set of coded obs for
// multi-select renderings.
type obsAdapter struct{}

func (obsAdapter) InitialValue(f *form.Field, rec *encounter.Encounter, c *form.Context) (interface{}, error) {
	if f.Concept() == "" {
		return nil, fmt.Errorf("%w: obs field %s has no concept", form.ErrMisconfigured, f.ID)
	}
	resetBinding(f)

	matches := matchObs(f, searchTree(f, rec, c), c, true, false)
	if len(matches) == 0 {
		return nil, nil
	}
	claims := c.Claims()

	if f.IsMultiSelect() {
		values := make([]interface{}, 0, len(matches))
		for _, o := range matches {
			claims.ClaimObs(o.UUID, f.ID)
			values = append(values, encounter.CodedUUID(o.Value))
		}
		bind(f, matches, values)
		return values, nil
	}

	o := matches[0]
	claims.ClaimObs(o.UUID, f.ID)
	v := fromRecordValue(f, o.Value)
	bind(f, o, v)
	return v, nil
}

func (obsAdapter) PreviousValue(f *form.Field, rec *encounter.Encounter, c *form.Context) (*form.PreviousValue, error) {
	if rec == nil || f.Concept() == "" {
		return nil, nil
	}
	matches := matchObs(f, allObs(rec.Obs), c, false, false)
	if len(matches) == 0 {
		return nil, nil
	}
	if f.IsMultiSelect() {
		values := make([]interface{}, len(matches))
		for i, o := range matches {
			values[i] = encounter.CodedUUID(o.Value)
		}
		return &form.PreviousValue{Value: values, Display: displayValue(f, values)}, nil
	}
	v := fromRecordValue(f, matches[0].Value)
	if v == nil {
		return nil, nil
	}
	return &form.PreviousValue{Value: v, Display: displayValue(f, v)}, nil
}

// Transform reconciles value against the bound obs:
//
//	bound, value empty       -> void the bound obs
//	bound, value differs     -> edit the bound obs in place
//	not bound, value present -> construct a new obs
//	otherwise                -> no-op
//
// Multi-select fields diff the selected answers against the bound obs set.
func (obsAdapter) Transform(f *form.Field, value interface{}, c *form.Context) (interface{}, error) {
	if !beginTransform(f) {
		return nil, nil
	}
	if f.IsMultiSelect() {
		return transformMulti(f, value)
	}

	bound, _ := f.Meta.InitialValue.DomainObject.(*encounter.Obs)
	empty := isEmptyValue(value)

	switch {
	case bound != nil && empty:
		void := voidObsFragment(bound)
		f.Meta.Submission.VoidedValue = void
		return void, nil

	case bound != nil && !sameValue(f, bound.Value, value):
		v, err := toRecordValue(f, value)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.ID, err)
		}
		edit := newObsFragment(f, v)
		edit.UUID = bound.UUID
		edit.FormFieldPath = bound.FormFieldPath
		if edit.FormFieldPath == "" {
			edit.FormFieldPath = FieldPath(f.ID)
		}
		f.Meta.Submission.NewValue = edit
		return edit, nil

	case bound == nil && !empty:
		v, err := toRecordValue(f, value)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.ID, err)
		}
		obs := newObsFragment(f, v)
		f.Meta.Submission.NewValue = obs
		return obs, nil
	}
	return nil, nil
}

// transformMulti computes the three-way diff between the bound obs and the
// selected answers: unselected answers are voided, newly selected answers
// are constructed and answers in both are left alone.
func transformMulti(f *form.Field, value interface{}) (interface{}, error) {
	bound, _ := f.Meta.InitialValue.DomainObject.([]*encounter.Obs)
	selected := selectedKeys(value)

	keep := make(map[string]bool, len(selected))
	for _, k := range selected {
		keep[k] = true
	}
	have := make(map[string]bool, len(bound))
	var voids []*encounter.Obs
	for _, o := range bound {
		k := encounter.CodedUUID(o.Value)
		have[k] = true
		if !keep[k] {
			voids = append(voids, voidObsFragment(o))
		}
	}
	var creates []*encounter.Obs
	for _, k := range selected {
		if !have[k] {
			creates = append(creates, newObsFragment(f, k))
		}
	}

	if len(creates) > 0 {
		f.Meta.Submission.NewValue = creates
	}
	if len(voids) > 0 {
		f.Meta.Submission.VoidedValue = voids
	}
	ops := make([]*encounter.Obs, 0, len(creates)+len(voids))
	ops = append(append(ops, creates...), voids...)
	if len(ops) == 0 {
		return nil, nil
	}
	return ops, nil
}

// Void retracts every obs the field is bound to.
func (obsAdapter) Void(f *form.Field, _ *form.Context) interface{} {
	switch b := f.Meta.InitialValue.DomainObject.(type) {
	case *encounter.Obs:
		if b != nil {
			return voidObsFragment(b)
		}
	case []*encounter.Obs:
		voids := make([]*encounter.Obs, 0, len(b))
		for _, o := range b {
			voids = append(voids, voidObsFragment(o))
		}
		if len(voids) > 0 {
			return voids
		}
	}
	return nil
}

func (obsAdapter) DisplayValue(f *form.Field, value interface{}) string {
	return strings.TrimSpace(displayValue(f, value))
}

func (obsAdapter) TearDown(c *form.Context) { c.Claims().ResetObs() }
