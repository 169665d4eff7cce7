// Package changeset assembles the pending submissions of a form session into
// the payload handed to the record store.
package changeset

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/formengine/internal/domain/encounter"
	"github.com/ehr/formengine/internal/domain/form"
)

// Assembler builds encounter payloads from field submissions.
type Assembler struct {
	logger zerolog.Logger
}

func NewAssembler(logger zerolog.Logger) *Assembler {
	return &Assembler{logger: logger}
}

// Assemble walks the fields of c once, in flattened order. Transient fields
// contribute nothing. Group members are folded into their group's fragment
// by the group adapter and never emitted on their own. A hidden field that
// was bound is voided even if the user never touched it, so hiding a branch
// retracts its data. Groups without surviving members are dropped.
func (a *Assembler) Assemble(c *form.Context) (*encounter.Payload, error) {
	p := &encounter.Payload{
		Obs:    []*encounter.Obs{},
		Orders: []*encounter.Order{},
	}
	a.header(c, p)

	for _, f := range c.Fields() {
		if f.Adapter == nil || f.IsTransient() || f.Parent != "" {
			continue
		}
		if isHeader(f.Kind) {
			a.applyHeader(f, p)
			continue
		}

		if f.Hidden {
			if !f.Meta.Bound {
				continue
			}
			v, ok := f.Adapter.(form.Voider)
			if !ok {
				continue
			}
			if frag := v.Void(f, c); frag != nil {
				route(p, frag)
			}
			continue
		}

		if f.IsGroup() {
			frag, err := f.Adapter.Transform(f, nil, c)
			if err != nil {
				return nil, fmt.Errorf("assemble group %s: %w", f.ID, err)
			}
			if g, ok := frag.(*encounter.Obs); ok && g != nil && len(g.GroupMembers) > 0 {
				p.Obs = append(p.Obs, g)
			}
			continue
		}

		route(p, f.Meta.Submission.NewValue)
		route(p, f.Meta.Submission.VoidedValue)
	}

	a.logger.Debug().
		Int("obs", len(p.Obs)).
		Int("orders", len(p.Orders)).
		Int("identifiers", len(p.Identifiers)).
		Int("programs", len(p.Programs)).
		Msg("change-set assembled")
	return p, nil
}

// route appends a fragment, or a slice of fragments, to the payload list of
// its type. Nil fragments are ignored.
func route(p *encounter.Payload, frag interface{}) {
	switch t := frag.(type) {
	case *encounter.Obs:
		if t != nil {
			p.Obs = append(p.Obs, t)
		}
	case []*encounter.Obs:
		p.Obs = append(p.Obs, t...)
	case *encounter.Order:
		if t != nil {
			p.Orders = append(p.Orders, t)
		}
	case []*encounter.Order:
		p.Orders = append(p.Orders, t...)
	case *encounter.PatientIdentifier:
		if t != nil {
			p.Identifiers = append(p.Identifiers, t)
		}
	case *encounter.PersonAttribute:
		if t != nil {
			p.Attributes = append(p.Attributes, t)
		}
	case *encounter.PatientProgram:
		if t != nil {
			addProgram(p, t)
		}
	}
}

// addProgram folds frag into the payload's fragment for the same enrollment,
// so several workflow fields of one program submit a single enrollment with
// every state change. Enrollments match by uuid, new ones by program. The
// adapter's fragment is copied, never mutated.
func addProgram(p *encounter.Payload, frag *encounter.PatientProgram) {
	for _, cur := range p.Programs {
		if !sameEnrollment(cur, frag) {
			continue
		}
		cur.States = append(cur.States, frag.States...)
		if cur.DateCompleted == "" {
			cur.DateCompleted = frag.DateCompleted
		}
		return
	}
	cp := *frag
	cp.States = append([]*encounter.ProgramState(nil), frag.States...)
	p.Programs = append(p.Programs, &cp)
}

func sameEnrollment(a, b *encounter.PatientProgram) bool {
	if a.UUID != "" || b.UUID != "" {
		return a.UUID == b.UUID
	}
	return a.Program == b.Program
}

// ============================================================================
// Encounter header
// ============================================================================

func isHeader(k form.Kind) bool {
	switch k {
	case form.KindEncounterDatetime, form.KindEncounterLocation, form.KindEncounterProvider, form.KindEncounterRole:
		return true
	}
	return false
}

// header fills the payload header from the edited record, falling back to
// the session defaults for a new encounter.
func (a *Assembler) header(c *form.Context, p *encounter.Payload) {
	if c.Patient != nil {
		p.Patient = c.Patient.UUID
	}
	if c.Visit != nil {
		p.Visit = c.Visit.UUID
	}
	if c.Form != nil {
		p.Form = c.Form.UUID
		p.EncounterType = c.Form.EncounterType
	}

	if rec := c.Encounter; rec != nil && rec.UUID != "" {
		p.UUID = rec.UUID
		if rec.EncounterType != "" {
			p.EncounterType = rec.EncounterType
		}
		return
	}

	t := c.SessionDate
	if t.IsZero() {
		t = time.Now().UTC()
	}
	p.EncounterDatetime = &t
	p.Location = c.Location
	if c.Provider != "" {
		p.EncounterProviders = []*encounter.EncounterProvider{{Provider: c.Provider}}
	}
}

// applyHeader copies a header field's pending value onto the payload.
func (a *Assembler) applyHeader(f *form.Field, p *encounter.Payload) {
	v := f.Meta.Submission.NewValue
	if v == nil {
		return
	}
	switch f.Kind {
	case form.KindEncounterDatetime:
		if t, ok := v.(time.Time); ok {
			p.EncounterDatetime = &t
		}
	case form.KindEncounterLocation:
		if s, ok := v.(string); ok {
			p.Location = s
		}
	case form.KindEncounterProvider:
		if s, ok := v.(string); ok {
			provider(p).Provider = s
		}
	case form.KindEncounterRole:
		if s, ok := v.(string); ok {
			provider(p).EncounterRole = s
		}
	}
}

func provider(p *encounter.Payload) *encounter.EncounterProvider {
	if len(p.EncounterProviders) == 0 {
		p.EncounterProviders = []*encounter.EncounterProvider{{}}
	}
	return p.EncounterProviders[0]
}
