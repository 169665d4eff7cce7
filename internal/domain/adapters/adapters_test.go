package adapters

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ehr/formengine/internal/domain/encounter"
	"github.com/ehr/formengine/internal/domain/form"
)

// ============================================================================
// Helpers
// ============================================================================

var sessionDay = time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)

func newSession(t *testing.T, questions ...*form.Question) *form.Context {
	t.Helper()
	frm := &form.Form{UUID: "form-1", Pages: []*form.Page{{
		Label:    "Page",
		Sections: []*form.Section{{Label: "Section", Questions: questions}},
	}}}
	fields, err := form.Flatten(frm, NewRegistry())
	if err != nil {
		t.Fatalf("Flatten: %v", err)
	}
	c := &form.Context{
		Mode:        form.ModeEdit,
		Form:        frm,
		Patient:     &encounter.Patient{UUID: "patient-1"},
		SessionDate: sessionDay,
		Location:    "location-1",
		Provider:    "provider-1",
	}
	c.SetFields(fields)
	return c
}

func field(t *testing.T, c *form.Context, id string) *form.Field {
	t.Helper()
	f, ok := c.Field(id)
	if !ok {
		t.Fatalf("field %s not found", id)
	}
	return f
}

func obsQ(id, rendering, concept string, answers ...string) *form.Question {
	q := &form.Question{ID: id, Type: string(form.KindObs), QuestionOptions: form.QuestionOptions{
		Rendering: rendering,
		Concept:   concept,
	}}
	for _, a := range answers {
		q.QuestionOptions.Answers = append(q.QuestionOptions.Answers, &form.Answer{Concept: a, Label: "label-" + a})
	}
	return q
}

func groupQ(id, concept string, members ...*form.Question) *form.Question {
	return &form.Question{ID: id, Type: string(form.KindObsGroup), Questions: members,
		QuestionOptions: form.QuestionOptions{Rendering: form.RenderingGroup, Concept: concept}}
}

func bindAll(t *testing.T, c *form.Context, rec *encounter.Encounter) {
	t.Helper()
	for _, f := range c.Fields() {
		if f.Adapter == nil {
			continue
		}
		v, err := f.Adapter.InitialValue(f, rec, c)
		if err != nil {
			t.Fatalf("InitialValue(%s): %v", f.ID, err)
		}
		f.Value = v
	}
}

func asObs(t *testing.T, v interface{}) *encounter.Obs {
	t.Helper()
	o, ok := v.(*encounter.Obs)
	if !ok || o == nil {
		t.Fatalf("expected *encounter.Obs, got %T", v)
	}
	return o
}

// ============================================================================
// Obs reconciliation
// ============================================================================

func TestObsTransform_ConstructIsIdempotent(t *testing.T) {
	c := newSession(t, obsQ("weight", "number", "5089AAAA"))
	f := field(t, c, "weight")
	bindAll(t, c, &encounter.Encounter{UUID: "enc-1"})

	for i := 0; i < 2; i++ {
		if _, err := f.Adapter.Transform(f, "70.5", c); err != nil {
			t.Fatalf("Transform: %v", err)
		}
	}
	o := asObs(t, f.Meta.Submission.NewValue)
	if o.UUID != "" {
		t.Errorf("construct should carry no uuid, got %q", o.UUID)
	}
	if o.Value != 70.5 {
		t.Errorf("value = %v, want 70.5", o.Value)
	}
	if o.FormFieldPath != "rfe-forms-weight" || o.FormFieldNamespace != Namespace {
		t.Errorf("unexpected path %s/%s", o.FormFieldNamespace, o.FormFieldPath)
	}
	if f.Meta.Submission.VoidedValue != nil {
		t.Errorf("unexpected void %v", f.Meta.Submission.VoidedValue)
	}
}

func TestObsTransform_RoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		q         *form.Question
		value     interface{}
		wantValue interface{}
	}{
		{"text", obsQ("note", "textarea", "c-note"), "stable", "stable"},
		{"number", obsQ("temp", "number", "c-temp"), 37.2, 37.2},
		{"coded", obsQ("answer", "radio", "c-coded", "yes", "no"), "no", "no"},
		{"toggle", obsQ("smoker", form.RenderingToggle, "c-smoker"), true, true},
		{"calendar", obsQ("visit", form.RenderingDate, "c-date"), "2024-03-05T18:45:00Z", "2024-03-05"},
		{"datetime", obsQ("taken", form.RenderingDatetime, "c-dt"), "2024-03-05T10:30:45Z", "2024-03-05T10:30:00Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newSession(t, tt.q)
			f := field(t, c, tt.q.ID)
			frag, err := f.Adapter.Transform(f, tt.value, c)
			if err != nil {
				t.Fatalf("Transform: %v", err)
			}
			o := asObs(t, frag)
			o.UUID = "obs-1"

			reload := newSession(t, tt.q)
			rf := field(t, reload, tt.q.ID)
			got, err := rf.Adapter.InitialValue(rf, &encounter.Encounter{UUID: "enc-1", Obs: []*encounter.Obs{o}}, reload)
			if err != nil {
				t.Fatalf("InitialValue: %v", err)
			}
			if got != tt.wantValue {
				t.Errorf("round trip = %v (%T), want %v", got, got, tt.wantValue)
			}
			if !rf.Meta.Bound {
				t.Error("field should be bound after reload")
			}
		})
	}
}

func TestObsTransform_MultiSelectDiff(t *testing.T) {
	c := newSession(t, obsQ("symptoms", form.RenderingCheckbox, "c-sym", "A", "B", "C"))
	f := field(t, c, "symptoms")
	rec := &encounter.Encounter{UUID: "enc-1", Obs: []*encounter.Obs{
		{UUID: "obs-a", Concept: "c-sym", Value: encounter.Concept{UUID: "A"}, FormFieldPath: "rfe-forms-symptoms"},
		{UUID: "obs-b", Concept: "c-sym", Value: encounter.Concept{UUID: "B"}, FormFieldPath: "rfe-forms-symptoms"},
	}}
	bindAll(t, c, rec)

	if _, err := f.Adapter.Transform(f, []interface{}{"B", "C"}, c); err != nil {
		t.Fatalf("Transform: %v", err)
	}
	creates, _ := f.Meta.Submission.NewValue.([]*encounter.Obs)
	voids, _ := f.Meta.Submission.VoidedValue.([]*encounter.Obs)
	if len(creates) != 1 || creates[0].Value != "C" || creates[0].UUID != "" {
		t.Errorf("creates = %+v, want one construct of C", creates)
	}
	if len(voids) != 1 || voids[0].UUID != "obs-a" || !voids[0].Voided {
		t.Errorf("voids = %+v, want one void of obs-a", voids)
	}
}

func TestObsTransform_MultiSelectWithoutBinding(t *testing.T) {
	c := newSession(t, obsQ("symptoms", form.RenderingMultiCheck, "c-sym", "A", "B"))
	f := field(t, c, "symptoms")

	frag, err := f.Adapter.Transform(f, []string{"A", "B", "A"}, c)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	ops := frag.([]*encounter.Obs)
	if len(ops) != 2 {
		t.Fatalf("got %d ops, want 2", len(ops))
	}
	if f.Meta.Submission.VoidedValue != nil {
		t.Error("no void expected without a binding")
	}
}

func TestObsTransform_VoidOnClear(t *testing.T) {
	c := newSession(t, obsQ("weight", "number", "5089AAAA"))
	f := field(t, c, "weight")
	bindAll(t, c, &encounter.Encounter{UUID: "enc-1", Obs: []*encounter.Obs{
		{UUID: "obs-1", Concept: "5089AAAA", Value: 70.0},
	}})

	if _, err := f.Adapter.Transform(f, "", c); err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if f.Meta.Submission.NewValue != nil {
		t.Errorf("unexpected new value %v", f.Meta.Submission.NewValue)
	}
	v := asObs(t, f.Meta.Submission.VoidedValue)
	if v.UUID != "obs-1" || !v.Voided {
		t.Errorf("void = %+v", v)
	}
}

func TestObsTransform_EditKeepsUUID(t *testing.T) {
	c := newSession(t, obsQ("weight", "number", "5089AAAA"))
	f := field(t, c, "weight")
	bindAll(t, c, &encounter.Encounter{UUID: "enc-1", Obs: []*encounter.Obs{
		{UUID: "obs-1", Concept: "5089AAAA", Value: 70.0},
	}})
	if f.Value != 70.0 {
		t.Fatalf("initial value = %v", f.Value)
	}

	frag, err := f.Adapter.Transform(f, 72, c)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	o := asObs(t, frag)
	if o.UUID != "obs-1" || o.Value != 72.0 {
		t.Errorf("edit = %+v", o)
	}
	if o.FormFieldPath != "rfe-forms-weight" {
		t.Errorf("edit should gain the field path, got %q", o.FormFieldPath)
	}

	frag, err = f.Adapter.Transform(f, "70", c)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if frag != nil || !f.Meta.Submission.Empty() {
		t.Errorf("unchanged value should be a no-op, got %v", frag)
	}
}

func TestObsTransform_SemanticCompare(t *testing.T) {
	tests := []struct {
		name   string
		q      *form.Question
		stored interface{}
		value  interface{}
	}{
		{"toggle true", obsQ("t", form.RenderingToggle, "c"), encounter.Concept{UUID: ConceptTrue}, true},
		{"toggle false string", obsQ("t", form.RenderingToggle, "c"), encounter.Concept{UUID: ConceptFalse}, "false"},
		{"coded by uuid", obsQ("t", "select", "c", "x"), encounter.Concept{UUID: "x", Display: "X"}, map[string]interface{}{"uuid": "x"}},
		{"date by day", obsQ("t", form.RenderingDate, "c"), "2024-03-05", "2024-03-05T23:10:00"},
		{"datetime by minute", obsQ("t", form.RenderingDatetime, "c"), "2024-03-05T10:30:00Z", "2024-03-05T10:30:59Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newSession(t, tt.q)
			f := field(t, c, "t")
			bindAll(t, c, &encounter.Encounter{UUID: "enc", Obs: []*encounter.Obs{{UUID: "o", Concept: "c", Value: tt.stored}}})
			frag, err := f.Adapter.Transform(f, tt.value, c)
			if err != nil {
				t.Fatalf("Transform: %v", err)
			}
			if frag != nil {
				t.Errorf("expected no-op, got %+v", frag)
			}
		})
	}
}

func TestObsTransform_Unspecified(t *testing.T) {
	c := newSession(t, obsQ("weight", "number", "5089AAAA"))
	f := field(t, c, "weight")
	f.Meta.Submission.Unspecified = true

	frag, err := f.Adapter.Transform(f, 70, c)
	if err != nil || frag != nil {
		t.Fatalf("Transform = %v, %v; want nil, nil", frag, err)
	}
	if f.Meta.Submission.Unspecified {
		t.Error("unspecified flag should be cleared")
	}
}

func TestObsTransform_InvalidNumber(t *testing.T) {
	c := newSession(t, obsQ("weight", "number", "5089AAAA"))
	f := field(t, c, "weight")
	if _, err := f.Adapter.Transform(f, "heavy", c); !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("err = %v, want ErrInvalidValue", err)
	}
}

func TestObsInitialValue_MissingConcept(t *testing.T) {
	c := newSession(t, obsQ("weight", "number", ""))
	f := field(t, c, "weight")
	if _, err := f.Adapter.InitialValue(f, nil, c); !errors.Is(err, form.ErrMisconfigured) {
		t.Fatalf("err = %v, want ErrMisconfigured", err)
	}
}

// ============================================================================
// Claims
// ============================================================================

func TestObsInitialValue_SameConceptDoesNotDoubleBind(t *testing.T) {
	c := newSession(t, obsQ("first", "text", "c-x"), obsQ("second", "text", "c-x"))
	rec := &encounter.Encounter{UUID: "enc", Obs: []*encounter.Obs{
		{UUID: "o1", Concept: "c-x", Value: "one"},
		{UUID: "o2", Concept: "c-x", Value: "two"},
	}}
	bindAll(t, c, rec)

	if v := field(t, c, "first").Value; v != "one" {
		t.Errorf("first = %v, want one", v)
	}
	if v := field(t, c, "second").Value; v != "two" {
		t.Errorf("second = %v, want two", v)
	}
	if obs, _ := c.Claims().Len(); obs != 2 {
		t.Errorf("claimed %d obs, want 2", obs)
	}
}

func TestObsInitialValue_PathWinsOverConcept(t *testing.T) {
	c := newSession(t, obsQ("first", "text", "c-x"), obsQ("second", "text", "c-x"))
	rec := &encounter.Encounter{UUID: "enc", Obs: []*encounter.Obs{
		{UUID: "o1", Concept: "c-x", Value: "for-second", FormFieldPath: "rfe-forms-second"},
		{UUID: "o2", Concept: "c-x", Value: "for-first", FormFieldPath: "rfe-forms-first"},
	}}
	bindAll(t, c, rec)

	if v := field(t, c, "first").Value; v != "for-first" {
		t.Errorf("first = %v", v)
	}
	if v := field(t, c, "second").Value; v != "for-second" {
		t.Errorf("second = %v", v)
	}
}

func TestObsInitialValue_Idempotent(t *testing.T) {
	c := newSession(t, obsQ("weight", "number", "5089AAAA"))
	f := field(t, c, "weight")
	rec := &encounter.Encounter{UUID: "enc", Obs: []*encounter.Obs{{UUID: "o1", Concept: "5089AAAA", Value: 60.0}}}

	for i := 0; i < 3; i++ {
		v, err := f.Adapter.InitialValue(f, rec, c)
		if err != nil || v != 60.0 {
			t.Fatalf("call %d: InitialValue = %v, %v", i, v, err)
		}
	}
	if obs, _ := c.Claims().Len(); obs != 1 {
		t.Errorf("claimed %d obs, want 1", obs)
	}

	TearDown(NewRegistry(), c)
	if obs, orders := c.Claims().Len(); obs != 0 || orders != 0 {
		t.Errorf("claims survive teardown: %d obs, %d orders", obs, orders)
	}
}

func TestObsPreviousValue(t *testing.T) {
	c := newSession(t, obsQ("answer", "radio", "c-q", "yes", "no"))
	f := field(t, c, "answer")
	prev := &encounter.Encounter{UUID: "old", Obs: []*encounter.Obs{
		{UUID: "p1", Concept: "c-q", Value: encounter.Concept{UUID: "yes"}},
	}}

	pv, err := f.Adapter.PreviousValue(f, prev, c)
	if err != nil {
		t.Fatalf("PreviousValue: %v", err)
	}
	if pv == nil || pv.Value != "yes" || pv.Display != "label-yes" {
		t.Fatalf("previous = %+v", pv)
	}
	if f.Meta.Bound || !f.Meta.Submission.Empty() {
		t.Error("PreviousValue must not bind or submit")
	}
	if obs, _ := c.Claims().Len(); obs != 0 {
		t.Error("PreviousValue must not claim")
	}
}

// ============================================================================
// Groups
// ============================================================================

func TestGroupTransform_HiddenChildIsVoided(t *testing.T) {
	c := newSession(t, groupQ("bp", "c-bp",
		obsQ("systolic", "number", "c-sys"),
		obsQ("diastolic", "number", "c-dia"),
	))
	rec := &encounter.Encounter{UUID: "enc", Obs: []*encounter.Obs{{
		UUID: "g1", Concept: "c-bp", FormFieldPath: "rfe-forms-bp",
		GroupMembers: []*encounter.Obs{
			{UUID: "s1", Concept: "c-sys", Value: 120.0},
			{UUID: "d1", Concept: "c-dia", Value: 80.0},
		},
	}}}
	bindAll(t, c, rec)

	sys := field(t, c, "systolic")
	dia := field(t, c, "diastolic")
	if sys.Value != 120.0 || dia.Value != 80.0 {
		t.Fatalf("members bound to %v/%v", sys.Value, dia.Value)
	}
	sys.Value = 130
	dia.Hidden = true

	g := field(t, c, "bp")
	frag, err := g.Adapter.Transform(g, nil, c)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	o := asObs(t, frag)
	if o.UUID != "g1" {
		t.Errorf("group uuid = %q, want g1", o.UUID)
	}
	if len(o.GroupMembers) != 2 {
		t.Fatalf("members = %+v", o.GroupMembers)
	}
	if m := o.GroupMembers[0]; m.UUID != "s1" || m.Value != 130.0 {
		t.Errorf("systolic edit = %+v", m)
	}
	if m := o.GroupMembers[1]; m.UUID != "d1" || !m.Voided {
		t.Errorf("diastolic void = %+v", m)
	}
}

func TestGroupTransform_NoMembersIsNil(t *testing.T) {
	c := newSession(t, groupQ("bp", "c-bp", obsQ("systolic", "number", "c-sys")))
	g := field(t, c, "bp")
	frag, err := g.Adapter.Transform(g, nil, c)
	if err != nil || frag != nil {
		t.Fatalf("Transform = %v, %v; want nil", frag, err)
	}
}

func TestGroupTransform_Construct(t *testing.T) {
	c := newSession(t, groupQ("bp", "c-bp", obsQ("systolic", "number", "c-sys")))
	field(t, c, "systolic").Value = 110
	g := field(t, c, "bp")

	frag, err := g.Adapter.Transform(g, nil, c)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	o := asObs(t, frag)
	if o.UUID != "" || o.Concept != "c-bp" || len(o.GroupMembers) != 1 {
		t.Errorf("group = %+v", o)
	}
}

// ============================================================================
// Orders
// ============================================================================

func orderQ(id string, tests ...string) *form.Question {
	q := obsQ(id, "select", "", tests...)
	q.Type = string(form.KindTestOrder)
	return q
}

func TestOrderTransform_Supersede(t *testing.T) {
	c := newSession(t, orderQ("lab", "cd4", "viral-load"))
	f := field(t, c, "lab")
	bindAll(t, c, &encounter.Encounter{UUID: "enc", Orders: []*encounter.Order{
		{UUID: "ord-1", Concept: "cd4", Type: encounter.OrderTypeTest, FormFieldPath: "rfe-forms-lab"},
	}})
	if f.Value != "cd4" {
		t.Fatalf("initial = %v", f.Value)
	}

	frag, err := f.Adapter.Transform(f, "viral-load", c)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	ops := frag.([]*encounter.Order)
	if len(ops) != 2 {
		t.Fatalf("ops = %+v", ops)
	}
	n := ops[0]
	if n.Action != encounter.OrderActionNew || n.Concept != "viral-load" || n.UUID != "" {
		t.Errorf("new order = %+v", n)
	}
	if n.CareSetting != OutpatientCareSetting || n.Orderer != "provider-1" {
		t.Errorf("care setting/orderer = %s/%s", n.CareSetting, n.Orderer)
	}
	if v := ops[1]; v.UUID != "ord-1" || !v.Voided {
		t.Errorf("void = %+v", v)
	}
}

func TestOrderTransform_ClearAndUnchanged(t *testing.T) {
	c := newSession(t, orderQ("lab", "cd4"))
	f := field(t, c, "lab")
	bindAll(t, c, &encounter.Encounter{UUID: "enc", Orders: []*encounter.Order{
		{UUID: "ord-1", Concept: "cd4", Type: encounter.OrderTypeTest},
	}})

	if frag, _ := f.Adapter.Transform(f, "cd4", c); frag != nil {
		t.Errorf("unchanged order should be a no-op, got %+v", frag)
	}
	if _, err := f.Adapter.Transform(f, nil, c); err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if f.Meta.Submission.NewValue != nil {
		t.Error("clearing must not create an order")
	}
	if v, _ := f.Meta.Submission.VoidedValue.(*encounter.Order); v == nil || v.UUID != "ord-1" {
		t.Errorf("void = %+v", f.Meta.Submission.VoidedValue)
	}
}

func TestOrderTransform_RejectsUnknownTest(t *testing.T) {
	c := newSession(t, orderQ("lab", "cd4"))
	f := field(t, c, "lab")
	if _, err := f.Adapter.Transform(f, "x-ray", c); !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("err = %v", err)
	}
}

// ============================================================================
// Program state
// ============================================================================

type fakePrograms struct {
	programs []*encounter.PatientProgram
	calls    int
}

func (f *fakePrograms) ListPrograms(_ context.Context, _ string) ([]*encounter.PatientProgram, error) {
	f.calls++
	return f.programs, nil
}

func programQ(id string) *form.Question {
	q := obsQ(id, "select", "", "state-1", "state-2")
	q.Type = string(form.KindProgramState)
	q.QuestionOptions.ProgramUUID = "hiv-program"
	q.QuestionOptions.WorkflowUUID = "treatment"
	return q
}

func TestProgramState_EnrolledTransition(t *testing.T) {
	c := newSession(t, programQ("stage"))
	src := &fakePrograms{programs: []*encounter.PatientProgram{{
		UUID: "pp-1", Program: "hiv-program",
		States: []*encounter.ProgramState{{Workflow: "treatment", State: "state-1", StartDate: "2024-01-01"}},
	}}}
	c.Programs = src
	f := field(t, c, "stage")

	pf := f.Adapter.(form.Prefetcher)
	for i := 0; i < 2; i++ {
		if err := pf.Prefetch(context.Background(), f, c); err != nil {
			t.Fatalf("Prefetch: %v", err)
		}
	}
	if src.calls != 1 {
		t.Errorf("programs loaded %d times, want 1", src.calls)
	}

	v, err := f.Adapter.InitialValue(f, nil, c)
	if err != nil || v != "state-1" {
		t.Fatalf("InitialValue = %v, %v", v, err)
	}
	if frag, _ := f.Adapter.Transform(f, "state-1", c); frag != nil {
		t.Errorf("same state should be a no-op, got %+v", frag)
	}

	frag, err := f.Adapter.Transform(f, "state-2", c)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	p := frag.(*encounter.PatientProgram)
	if p.UUID != "pp-1" || p.DateEnrolled != "" {
		t.Errorf("enrollment = %+v", p)
	}
	if len(p.States) != 1 || p.States[0].State != "state-2" || p.States[0].StartDate != "2024-03-05" {
		t.Errorf("states = %+v", p.States)
	}

	TearDown(NewRegistry(), c)
	if c.CachedPrograms() != nil {
		t.Error("program cache survives teardown")
	}
}

func TestProgramState_NewEnrollment(t *testing.T) {
	c := newSession(t, programQ("stage"))
	c.Programs = &fakePrograms{}
	f := field(t, c, "stage")
	if v, err := f.Adapter.InitialValue(f, nil, c); v != nil || err != nil {
		t.Fatalf("InitialValue = %v, %v", v, err)
	}

	frag, err := f.Adapter.Transform(f, "state-1", c)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	p := frag.(*encounter.PatientProgram)
	if p.UUID != "" || p.Patient != "patient-1" || p.DateEnrolled != "2024-03-05" || p.Location != "location-1" {
		t.Errorf("new enrollment = %+v", p)
	}
	if frag, _ := f.Adapter.Transform(f, "", c); frag != nil {
		t.Error("clearing a program state must not un-enroll")
	}
}

func TestProgramState_Misconfigured(t *testing.T) {
	q := programQ("stage")
	q.QuestionOptions.ProgramUUID = ""
	c := newSession(t, q)
	f := field(t, c, "stage")
	if _, err := f.Adapter.InitialValue(f, nil, c); !errors.Is(err, form.ErrMisconfigured) {
		t.Fatalf("err = %v", err)
	}
}

// ============================================================================
// Patient identifiers and attributes
// ============================================================================

func identifierQ(id, idType string) *form.Question {
	q := obsQ(id, "text", "")
	q.Type = string(form.KindPatientIdentifier)
	q.QuestionOptions.IdentifierType = idType
	return q
}

func TestIdentifier_Lifecycle(t *testing.T) {
	c := newSession(t, identifierQ("art", "art-number"))
	c.Patient.Identifiers = []*encounter.PatientIdentifier{
		{UUID: "old", Identifier: "X-1", IdentifierType: "art-number", Voided: true},
		{UUID: "pi-1", Identifier: "ART-100", IdentifierType: "art-number"},
	}
	f := field(t, c, "art")
	v, err := f.Adapter.InitialValue(f, nil, c)
	if err != nil || v != "ART-100" {
		t.Fatalf("InitialValue = %v, %v", v, err)
	}

	frag, _ := f.Adapter.Transform(f, " ART-200 ", c)
	edit := frag.(*encounter.PatientIdentifier)
	if edit.UUID != "pi-1" || edit.Identifier != "ART-200" || edit.Location != "location-1" {
		t.Errorf("edit = %+v", edit)
	}

	frag, _ = f.Adapter.Transform(f, "", c)
	void := frag.(*encounter.PatientIdentifier)
	if void.UUID != "pi-1" || !void.Voided {
		t.Errorf("void = %+v", void)
	}
}

func TestIdentifier_New(t *testing.T) {
	c := newSession(t, identifierQ("art", "art-number"))
	f := field(t, c, "art")
	bindAll(t, c, nil)
	frag, err := f.Adapter.Transform(f, "ART-1", c)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	id := frag.(*encounter.PatientIdentifier)
	if id.UUID != "" || id.IdentifierType != "art-number" {
		t.Errorf("identifier = %+v", id)
	}
}

func TestAttribute_Edit(t *testing.T) {
	q := obsQ("phone", "text", "")
	q.Type = string(form.KindPersonAttribute)
	q.QuestionOptions.AttributeType = "telephone"
	c := newSession(t, q)
	c.Patient.Attributes = []*encounter.PersonAttribute{{UUID: "pa-1", AttributeType: "telephone", Value: "555"}}
	f := field(t, c, "phone")
	bindAll(t, c, nil)
	if f.Value != "555" {
		t.Fatalf("initial = %v", f.Value)
	}

	frag, _ := f.Adapter.Transform(f, "556", c)
	a := frag.(*encounter.PersonAttribute)
	if a.UUID != "pa-1" || a.Value != "556" {
		t.Errorf("edit = %+v", a)
	}
	if frag, _ := f.Adapter.Transform(f, "555", c); frag != nil {
		t.Error("unchanged attribute should be a no-op")
	}
}

// ============================================================================
// Encounter header
// ============================================================================

func metaQ(id string, kind form.Kind) *form.Question {
	q := obsQ(id, "text", "")
	q.Type = string(kind)
	return q
}

func TestEncounterMeta_DefaultsForNewEncounter(t *testing.T) {
	c := newSession(t, metaQ("when", form.KindEncounterDatetime), metaQ("where", form.KindEncounterLocation))
	bindAll(t, c, nil)

	when := field(t, c, "when")
	if when.Value != "2024-03-05T09:00:00Z" || when.Meta.Bound {
		t.Fatalf("datetime = %v (bound %v)", when.Value, when.Meta.Bound)
	}
	frag, err := when.Adapter.Transform(when, when.Value, c)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if ts, ok := frag.(time.Time); !ok || !ts.Equal(sessionDay) {
		t.Errorf("datetime fragment = %v", frag)
	}

	where := field(t, c, "where")
	if where.Value != "location-1" {
		t.Errorf("location = %v", where.Value)
	}
}

func TestEncounterMeta_EditComparesByMinute(t *testing.T) {
	at := time.Date(2024, 2, 1, 8, 15, 0, 0, time.UTC)
	c := newSession(t, metaQ("when", form.KindEncounterDatetime), metaQ("who", form.KindEncounterProvider))
	bindAll(t, c, &encounter.Encounter{UUID: "enc", EncounterDatetime: &at,
		EncounterProviders: []*encounter.EncounterProvider{{Provider: "dr-a"}}})

	when := field(t, c, "when")
	if frag, _ := when.Adapter.Transform(when, "2024-02-01T08:15:42Z", c); frag != nil {
		t.Errorf("same minute should be a no-op, got %v", frag)
	}
	who := field(t, c, "who")
	if who.Value != "dr-a" {
		t.Fatalf("provider = %v", who.Value)
	}
	if frag, _ := who.Adapter.Transform(who, "dr-b", c); frag != "dr-b" {
		t.Errorf("provider change = %v", frag)
	}
}

// ============================================================================
// Display values
// ============================================================================

func TestDisplayValue(t *testing.T) {
	tests := []struct {
		name  string
		q     *form.Question
		value interface{}
		want  string
	}{
		{"toggle", obsQ("f", form.RenderingToggle, "c"), true, "Yes"},
		{"coded", obsQ("f", "radio", "c", "a"), "a", "label-a"},
		{"unknown answer", obsQ("f", "radio", "c", "a"), "zzz", "zzz"},
		{"multi", obsQ("f", form.RenderingCheckbox, "c", "a", "b"), []interface{}{"a", "b"}, "label-a, label-b"},
		{"date", obsQ("f", form.RenderingDate, "c"), "2024-03-05", "05-Mar-2024"},
		{"number", obsQ("f", "number", "c"), 36.6, "36.6"},
		{"empty", obsQ("f", "text", "c"), "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newSession(t, tt.q)
			f := field(t, c, "f")
			if got := f.Adapter.DisplayValue(f, tt.value); got != tt.want {
				t.Errorf("DisplayValue = %q, want %q", got, tt.want)
			}
		})
	}
}
