// Package adapters binds form fields to the clinical record. There is one
// adapter per field kind; each converts between the field's UI value and its
// record fragment and reconciles edits into create, edit and void
// operations.
package adapters

import (
	"strings"

	"github.com/ehr/formengine/internal/domain/encounter"
	"github.com/ehr/formengine/internal/domain/form"
)

// Namespace is written to formFieldNamespace on every obs and order this
// engine creates.
const Namespace = "rfe-forms"

// FieldPath is the formFieldPath that ties a record fragment to a field.
func FieldPath(fieldID string) string { return Namespace + "-" + fieldID }

func fieldIDFromPath(path string) (string, bool) {
	return strings.CutPrefix(path, Namespace+"-")
}

// NewRegistry returns a registry with every adapter of this package.
func NewRegistry() *form.Registry {
	r := form.NewRegistry()
	r.Register(form.KindObs, obsAdapter{})
	r.Register(form.KindObsGroup, groupAdapter{})
	r.Register(form.KindTestOrder, orderAdapter{})
	r.Register(form.KindProgramState, programStateAdapter{})
	r.Register(form.KindPatientIdentifier, identifierAdapter{})
	r.Register(form.KindPersonAttribute, attributeAdapter{})
	for _, k := range []form.Kind{
		form.KindEncounterDatetime,
		form.KindEncounterLocation,
		form.KindEncounterProvider,
		form.KindEncounterRole,
	} {
		r.Register(k, encounterMetaAdapter{kind: k})
	}
	return r
}

// TearDown calls TearDown once on every adapter in reg.
func TearDown(reg *form.Registry, c *form.Context) {
	for _, k := range reg.Kinds() {
		if a, err := reg.Resolve(k); err == nil && a != nil {
			a.TearDown(c)
		}
	}
}

// searchTree returns the obs a field may bind to: the members of the parent
// group's bound obs, or the record's top-level obs.
func searchTree(f *form.Field, rec *encounter.Encounter, c *form.Context) []*encounter.Obs {
	if f.Parent != "" {
		parent, ok := c.Field(f.Parent)
		if !ok {
			return nil
		}
		group, _ := parent.Meta.InitialValue.DomainObject.(*encounter.Obs)
		if group == nil {
			return nil
		}
		return group.GroupMembers
	}
	if rec == nil {
		return nil
	}
	return rec.Obs
}

// allObs flattens an obs tree depth first.
func allObs(tree []*encounter.Obs) []*encounter.Obs {
	var out []*encounter.Obs
	for _, o := range tree {
		out = append(out, o)
		out = append(out, allObs(o.GroupMembers)...)
	}
	return out
}

// matchObs returns the obs in tree that f binds to. Obs whose formFieldPath
// names f win. Otherwise obs of f's concept are used, skipping obs reserved
// for another field by their path. With claimed set, obs owned by another
// field are skipped. Voided obs never match.
func matchObs(f *form.Field, tree []*encounter.Obs, c *form.Context, claimed, group bool) []*encounter.Obs {
	path := FieldPath(f.ID)
	var byPath, byConcept []*encounter.Obs
	for _, o := range tree {
		if o.Voided || o.IsGroup() != group {
			continue
		}
		if claimed && !c.Claims().ObsAvailable(o.UUID, f.ID) {
			continue
		}
		if o.FormFieldPath == path {
			byPath = append(byPath, o)
			continue
		}
		if o.Concept != f.Concept() {
			continue
		}
		if reservedFor(f, o.FormFieldPath, c, claimed) {
			continue
		}
		byConcept = append(byConcept, o)
	}
	if len(byPath) > 0 {
		return byPath
	}
	return byConcept
}

// reservedFor reports whether a leaf written under path belongs to another
// field of the form, keeping it out of f's concept fallback. Repeat instances
// may take leaves written under their origin's path. While binding, a path
// owner that has already bound leaves its remaining leaves to the claim set.
func reservedFor(f *form.Field, path string, c *form.Context, claimed bool) bool {
	other, ok := fieldIDFromPath(path)
	if !ok || other == f.ID || other == f.Origin() {
		return false
	}
	owner, known := c.Field(other)
	if !known {
		return false
	}
	return !claimed || !owner.Meta.Bound
}

func newObsFragment(f *form.Field, value interface{}) *encounter.Obs {
	return &encounter.Obs{
		Concept:            f.Concept(),
		Value:              value,
		FormFieldNamespace: Namespace,
		FormFieldPath:      FieldPath(f.ID),
	}
}

func voidObsFragment(o *encounter.Obs) *encounter.Obs {
	return &encounter.Obs{
		UUID:               o.UUID,
		Concept:            o.Concept,
		FormFieldNamespace: o.FormFieldNamespace,
		FormFieldPath:      o.FormFieldPath,
		Voided:             true,
	}
}

// appendObsFragments appends a Transform or Void result to list.
func appendObsFragments(list []*encounter.Obs, frag interface{}) []*encounter.Obs {
	switch t := frag.(type) {
	case *encounter.Obs:
		if t != nil {
			list = append(list, t)
		}
	case []*encounter.Obs:
		list = append(list, t...)
	}
	return list
}

func resetBinding(f *form.Field) {
	f.Meta.InitialValue = form.InitialValue{}
	f.Meta.Bound = false
}

func bind(f *form.Field, domain, refined interface{}) {
	f.Meta.InitialValue = form.InitialValue{DomainObject: domain, RefinedValue: refined}
	f.Meta.Bound = true
}

// beginTransform clears the previous submission. It reports false when the
// field was marked unspecified, which resolves the change trivially.
func beginTransform(f *form.Field) bool {
	f.Meta.Submission.ClearData()
	if f.Meta.Submission.Unspecified {
		f.Meta.Submission.Unspecified = false
		return false
	}
	return true
}
