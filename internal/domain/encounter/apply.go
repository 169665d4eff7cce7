package encounter

// Applying a change-set to a stored record. Fragments without a uuid are
// creates, fragments with a uuid are edits, and voided fragments retract the
// record they name. newID supplies uuids for created records.

// Apply merges the encounter part of p into e.
func (e *Encounter) Apply(p *Payload, newID func() string) {
	if e.UUID == "" {
		e.UUID = newID()
	}
	if p.EncounterType != "" {
		e.EncounterType = p.EncounterType
	}
	if p.EncounterDatetime != nil {
		e.EncounterDatetime = p.EncounterDatetime
	}
	if p.Patient != "" {
		e.Patient = p.Patient
	}
	if p.Location != "" {
		e.Location = p.Location
	}
	if p.Visit != "" {
		e.Visit = p.Visit
	}
	if p.Form != "" {
		e.Form = p.Form
	}
	if len(p.EncounterProviders) > 0 {
		e.EncounterProviders = mergeProviders(e.EncounterProviders, p.EncounterProviders, newID)
	}
	e.Obs = applyObs(e.Obs, p.Obs, newID)
	e.Orders = applyOrders(e.Orders, p.Orders, newID)
}

func applyObs(existing, fragments []*Obs, newID func() string) []*Obs {
	for _, frag := range fragments {
		if frag.UUID == "" {
			existing = append(existing, construct(frag, newID))
			continue
		}
		target := FindObs(existing, frag.UUID)
		if target == nil {
			continue
		}
		if frag.Voided {
			voidObs(target)
			continue
		}
		if frag.Value != nil {
			target.Value = frag.Value
		}
		if frag.ObsDatetime != nil {
			target.ObsDatetime = frag.ObsDatetime
		}
		if len(frag.GroupMembers) > 0 {
			target.GroupMembers = applyObs(target.GroupMembers, frag.GroupMembers, newID)
		}
	}
	return existing
}

func construct(frag *Obs, newID func() string) *Obs {
	o := *frag
	o.UUID = newID()
	o.GroupMembers = nil
	for _, m := range frag.GroupMembers {
		o.GroupMembers = append(o.GroupMembers, construct(m, newID))
	}
	return &o
}

func voidObs(o *Obs) {
	o.Voided = true
	for _, m := range o.GroupMembers {
		voidObs(m)
	}
}

// FindObs searches the obs tree for uuid, including voided nodes.
func FindObs(tree []*Obs, uuid string) *Obs {
	for _, o := range tree {
		if o.UUID == uuid {
			return o
		}
		if found := FindObs(o.GroupMembers, uuid); found != nil {
			return found
		}
	}
	return nil
}

// ActiveObs returns the non-voided members of tree. Group members are not
// filtered.
func ActiveObs(tree []*Obs) []*Obs {
	out := make([]*Obs, 0, len(tree))
	for _, o := range tree {
		if !o.Voided {
			out = append(out, o)
		}
	}
	return out
}

func applyOrders(existing, fragments []*Order, newID func() string) []*Order {
	for _, frag := range fragments {
		if frag.UUID == "" {
			o := *frag
			o.UUID = newID()
			if o.Action == "" {
				o.Action = OrderActionNew
			}
			existing = append(existing, &o)
			continue
		}
		for _, o := range existing {
			if o.UUID == frag.UUID && frag.Voided {
				o.Voided = true
			}
		}
	}
	return existing
}

func mergeProviders(existing, incoming []*EncounterProvider, newID func() string) []*EncounterProvider {
	for _, in := range incoming {
		replaced := false
		for _, ep := range existing {
			if (in.UUID != "" && ep.UUID == in.UUID) || (in.UUID == "" && ep.EncounterRole == in.EncounterRole) {
				ep.Provider = in.Provider
				ep.EncounterRole = in.EncounterRole
				replaced = true
				break
			}
		}
		if !replaced {
			ep := *in
			if ep.UUID == "" {
				ep.UUID = newID()
			}
			existing = append(existing, &ep)
		}
	}
	return existing
}

// ApplyIdentifiers merges identifier fragments into the patient. An edit
// replaces the identifier value in place.
func (pt *Patient) ApplyIdentifiers(fragments []*PatientIdentifier, newID func() string) {
	for _, frag := range fragments {
		var target *PatientIdentifier
		for _, id := range pt.Identifiers {
			if frag.UUID != "" && id.UUID == frag.UUID {
				target = id
				break
			}
		}
		if target == nil {
			id := *frag
			id.UUID = newID()
			pt.Identifiers = append(pt.Identifiers, &id)
			continue
		}
		if frag.Voided {
			target.Voided = true
			continue
		}
		target.Identifier = frag.Identifier
		if frag.Location != "" {
			target.Location = frag.Location
		}
	}
}

// ApplyAttributes merges person attribute fragments into the patient. A
// non-voided fragment for an attribute type the patient already has replaces
// the old value.
func (pt *Patient) ApplyAttributes(fragments []*PersonAttribute, newID func() string) {
	for _, frag := range fragments {
		var target *PersonAttribute
		for _, a := range pt.Attributes {
			if a.Voided {
				continue
			}
			if (frag.UUID != "" && a.UUID == frag.UUID) || (frag.UUID == "" && a.AttributeType == frag.AttributeType) {
				target = a
				break
			}
		}
		switch {
		case target == nil && !frag.Voided:
			a := *frag
			a.UUID = newID()
			pt.Attributes = append(pt.Attributes, &a)
		case target != nil && frag.Voided:
			target.Voided = true
		case target != nil:
			target.Value = frag.Value
		}
	}
}

// MergeProgram applies an enrollment fragment to a patient's programs and
// returns the affected program. Entering a new state closes the open state
// of the same workflow.
func MergeProgram(programs []*PatientProgram, frag *PatientProgram, newID func() string) ([]*PatientProgram, *PatientProgram) {
	var target *PatientProgram
	for _, p := range programs {
		if (frag.UUID != "" && p.UUID == frag.UUID) || (frag.UUID == "" && p.Program == frag.Program && p.DateCompleted == "") {
			target = p
			break
		}
	}
	if target == nil {
		target = &PatientProgram{
			UUID:         newID(),
			Patient:      frag.Patient,
			Program:      frag.Program,
			DateEnrolled: frag.DateEnrolled,
			Location:     frag.Location,
		}
		programs = append(programs, target)
	}
	if frag.DateCompleted != "" {
		target.DateCompleted = frag.DateCompleted
	}
	for _, s := range frag.States {
		if cur := target.CurrentState(s.Workflow); cur != nil {
			if cur.State == s.State {
				continue
			}
			cur.EndDate = s.StartDate
		}
		st := *s
		if st.UUID == "" {
			st.UUID = newID()
		}
		target.States = append(target.States, &st)
	}
	return programs, target
}
