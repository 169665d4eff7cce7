package adapters

import (
	"fmt"

	"github.com/ehr/formengine/internal/domain/encounter"
	"github.com/ehr/formengine/internal/domain/form"
)

// groupAdapter binds a group field to a group obs and folds the fragments
// of its member fields into groupMembers.
type groupAdapter struct{}

func (groupAdapter) InitialValue(f *form.Field, rec *encounter.Encounter, c *form.Context) (interface{}, error) {
	if f.Concept() == "" {
		return nil, fmt.Errorf("%w: group %s has no concept", form.ErrMisconfigured, f.ID)
	}
	resetBinding(f)

	matches := matchObs(f, searchTree(f, rec, c), c, true, true)
	if len(matches) == 0 {
		return nil, nil
	}
	g := matches[0]
	c.Claims().ClaimObs(g.UUID, f.ID)
	bind(f, g, nil)
	return nil, nil
}

func (groupAdapter) PreviousValue(*form.Field, *encounter.Encounter, *form.Context) (*form.PreviousValue, error) {
	return nil, nil
}

// Transform reconciles every member field and wraps the surviving fragments
// in the group obs. A bound group keeps its uuid, so the result is an edit;
// an unbound group is constructed. Hidden members that were bound are
// voided. A group with no member operations resolves to nil.
func (groupAdapter) Transform(f *form.Field, _ interface{}, c *form.Context) (interface{}, error) {
	if !beginTransform(f) {
		return nil, nil
	}

	var members []*encounter.Obs
	for _, child := range c.Children(f) {
		if child.Adapter == nil || child.IsTransient() {
			continue
		}
		if child.Hidden {
			if v, ok := child.Adapter.(form.Voider); ok && child.Meta.Bound {
				members = appendObsFragments(members, v.Void(child, c))
			}
			continue
		}
		frag, err := child.Adapter.Transform(child, child.Value, c)
		if err != nil {
			return nil, fmt.Errorf("group %s: %w", f.ID, err)
		}
		members = appendObsFragments(members, frag)
	}
	if len(members) == 0 {
		return nil, nil
	}

	g := newObsFragment(f, nil)
	g.GroupMembers = members
	if bound, _ := f.Meta.InitialValue.DomainObject.(*encounter.Obs); bound != nil {
		g.UUID = bound.UUID
		if bound.FormFieldPath != "" {
			g.FormFieldPath = bound.FormFieldPath
		}
	}
	f.Meta.Submission.NewValue = g
	return g, nil
}

// Void retracts the whole group obs.
func (groupAdapter) Void(f *form.Field, _ *form.Context) interface{} {
	if bound, _ := f.Meta.InitialValue.DomainObject.(*encounter.Obs); bound != nil {
		return voidObsFragment(bound)
	}
	return nil
}

func (groupAdapter) DisplayValue(*form.Field, interface{}) string { return "" }

func (groupAdapter) TearDown(c *form.Context) { c.Claims().ResetObs() }
