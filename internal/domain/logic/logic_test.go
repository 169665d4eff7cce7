package logic

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/formengine/internal/domain/adapters"
	"github.com/ehr/formengine/internal/domain/encounter"
	"github.com/ehr/formengine/internal/domain/form"
	"github.com/ehr/formengine/internal/platform/expr"
)

func obs(id, rendering string) *form.Question {
	return &form.Question{ID: id, Type: "obs", QuestionOptions: form.QuestionOptions{Rendering: rendering, Concept: "c-" + id}}
}

func calculated(id, src string) *form.Question {
	q := obs(id, "number")
	q.QuestionOptions.Calculate = &form.Calculate{CalculateExpression: src}
	return q
}

func singleSection(questions ...*form.Question) *form.Form {
	return &form.Form{UUID: "f", Pages: []*form.Page{{Label: "P", Sections: []*form.Section{{Label: "S", Questions: questions}}}}}
}

func newEngine(t *testing.T, f *form.Form, mode form.Mode, opts ...Option) (*Engine, *form.Context) {
	t.Helper()
	fields, err := form.Flatten(f, adapters.NewRegistry())
	if err != nil {
		t.Fatalf("Flatten: %v", err)
	}
	c := &form.Context{
		Mode:        mode,
		Form:        f,
		Patient:     &encounter.Patient{UUID: "patient-1", Gender: "M", Birthdate: "1990-01-01"},
		SessionDate: time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC),
	}
	c.SetFields(fields)
	opts = append([]Option{WithClock(func() time.Time { return c.SessionDate })}, opts...)
	e := NewEngine(c, zerolog.Nop(), opts...)
	e.EvaluateAll()
	return e, c
}

func field(t *testing.T, c *form.Context, id string) *form.Field {
	t.Helper()
	f, ok := c.Field(id)
	if !ok {
		t.Fatalf("field %s missing", id)
	}
	return f
}

func number(t *testing.T, v interface{}) float64 {
	t.Helper()
	n, ok := expr.ToNumber(v)
	if !ok {
		t.Fatalf("%v (%T) is not a number", v, v)
	}
	return n
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestSetValue_HideCascade(t *testing.T) {
	b := obs("b", "text")
	b.Hide = &form.Hide{HideWhenExpression: "a == 'yes'"}
	e, c := newEngine(t, singleSection(obs("a", "text"), b), form.ModeEnter)

	if field(t, c, "b").Hidden {
		t.Fatal("b hidden before any answer")
	}
	ch, err := e.SetValue(context.Background(), "a", "yes")
	if err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	if !field(t, c, "b").Hidden {
		t.Error("b should be hidden")
	}
	if !contains(ch.Fields, "a") || !contains(ch.Fields, "b") {
		t.Errorf("change = %v", ch.Fields)
	}

	if _, err := e.SetValue(context.Background(), "a", "no"); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	if field(t, c, "b").Hidden {
		t.Error("b should be visible again")
	}
}

func TestSetValue_HiddenGroupHidesMembers(t *testing.T) {
	group := &form.Question{
		ID: "grp", Type: "obsGroup",
		Hide:            &form.Hide{HideWhenExpression: "a == 'skip'"},
		QuestionOptions: form.QuestionOptions{Rendering: "group", Concept: "c-grp"},
		Questions:       []*form.Question{obs("member", "text")},
	}
	e, c := newEngine(t, singleSection(obs("a", "text"), group), form.ModeEnter)

	ch, err := e.SetValue(context.Background(), "a", "skip")
	if err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	if !field(t, c, "member").Hidden {
		t.Error("member of hidden group should be hidden")
	}
	if !contains(ch.Fields, "member") {
		t.Errorf("change = %v, want member", ch.Fields)
	}
}

func TestSetValue_SectionHide(t *testing.T) {
	f := &form.Form{UUID: "f", Pages: []*form.Page{{Label: "P", Sections: []*form.Section{
		{Label: "Main", Questions: []*form.Question{obs("a", "text")}},
		{Label: "Extra", Hide: &form.Hide{HideWhenExpression: "a == 'hide'"}, Questions: []*form.Question{obs("x", "text")}},
	}}}}
	e, c := newEngine(t, f, form.ModeEnter)

	ch, err := e.SetValue(context.Background(), "a", "hide")
	if err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	id := SectionID("P", "Extra")
	if !contains(ch.Sections, id) {
		t.Errorf("sections = %v, want %s", ch.Sections, id)
	}
	if !field(t, c, "x").Hidden {
		t.Error("field in hidden section should be hidden")
	}
	for _, s := range e.Sections() {
		if s.ID == id && !s.Hidden {
			t.Error("section state not hidden")
		}
	}
}

func TestInitializeCalculatedValues_TopologicalOrder(t *testing.T) {
	// c reads b which reads a; document order is the reverse.
	e, c := newEngine(t, singleSection(
		calculated("c", "isEmpty(b) ? null : b + 1"),
		calculated("b", "isEmpty(a) ? null : a * 2"),
		obs("a", "number"),
	), form.ModeEnter)
	field(t, c, "a").Value = 10.0

	report, err := e.InitializeCalculatedValues(context.Background())
	if err != nil {
		t.Fatalf("InitializeCalculatedValues: %v", err)
	}
	if got := number(t, field(t, c, "c").Value); got != 21 {
		t.Errorf("c = %v, want 21", got)
	}
	if len(report.Order) != 2 || report.Order[0] != "b" || report.Order[1] != "c" {
		t.Errorf("order = %v", report.Order)
	}
	if len(report.Warnings) != 0 {
		t.Errorf("warnings = %v", report.Warnings)
	}
	if field(t, c, "c").Meta.Submission.NewValue == nil {
		t.Error("calculated value should be reconciled into the submission")
	}
}

func TestInitializeCalculatedValues_CycleTolerated(t *testing.T) {
	e, c := newEngine(t, singleSection(
		calculated("x", "isEmpty(y) ? 1 : y + 1"),
		calculated("y", "isEmpty(x) ? 1 : x + 1"),
	), form.ModeEnter)

	report, err := e.InitializeCalculatedValues(context.Background())
	if err != nil {
		t.Fatalf("InitializeCalculatedValues: %v", err)
	}
	if len(report.Cycles) != 1 || len(report.Warnings) != 1 {
		t.Fatalf("cycles = %v warnings = %v", report.Cycles, report.Warnings)
	}
	for _, id := range []string{"x", "y"} {
		if field(t, c, id).Value == nil {
			t.Errorf("%s has no value", id)
		}
	}
}

func TestInitializeCalculatedValues_UnguardedCycleStaysEmpty(t *testing.T) {
	e, c := newEngine(t, singleSection(
		calculated("p", "q + 1"),
		calculated("q", "p + 1"),
	), form.ModeEnter)

	report, err := e.InitializeCalculatedValues(context.Background())
	if err != nil {
		t.Fatalf("InitializeCalculatedValues: %v", err)
	}
	if len(report.Cycles) != 1 || len(report.Warnings) != 1 {
		t.Fatalf("cycles = %v warnings = %v", report.Cycles, report.Warnings)
	}
	for _, id := range []string{"p", "q"} {
		f := field(t, c, id)
		if f.Value != nil || f.Meta.Submission.NewValue != nil {
			t.Errorf("%s = %v, submission %v", id, f.Value, f.Meta.Submission.NewValue)
		}
	}
}

func TestInitializeCalculatedValues_AsyncHelper(t *testing.T) {
	calls := 0
	latest := func(ctx context.Context, env *expr.Env, args []interface{}) (interface{}, error) {
		calls++
		if len(args) != 1 || args[0] != "c-weight" {
			t.Errorf("args = %v", args)
		}
		return 70.0, nil
	}
	e, c := newEngine(t, singleSection(calculated("weight", "latestObs('c-weight')")), form.ModeEnter,
		WithAsyncFuncs(map[string]expr.AsyncFunc{"latestObs": latest}))

	if _, err := e.InitializeCalculatedValues(context.Background()); err != nil {
		t.Fatalf("InitializeCalculatedValues: %v", err)
	}
	if got := number(t, field(t, c, "weight").Value); got != 70 {
		t.Errorf("weight = %v", got)
	}
	if calls != 1 {
		t.Errorf("calls = %d", calls)
	}
}

func TestInitializeCalculatedValues_CancelledContext(t *testing.T) {
	block := func(ctx context.Context, env *expr.Env, args []interface{}) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	e, _ := newEngine(t, singleSection(calculated("slow", "wait()")), form.ModeEnter,
		WithAsyncFuncs(map[string]expr.AsyncFunc{"wait": block}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.InitializeCalculatedValues(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestSetValue_CalculatedChain(t *testing.T) {
	e, c := newEngine(t, singleSection(
		obs("a", "number"),
		calculated("b", "isEmpty(a) ? null : a * 2"),
		calculated("c", "isEmpty(b) ? null : b + 1"),
	), form.ModeEnter)

	ch, err := e.SetValue(context.Background(), "a", 10.0)
	if err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	if got := number(t, field(t, c, "b").Value); got != 20 {
		t.Errorf("b = %v", got)
	}
	if got := number(t, field(t, c, "c").Value); got != 21 {
		t.Errorf("c = %v", got)
	}
	for _, id := range []string{"a", "b", "c"} {
		if !contains(ch.Fields, id) {
			t.Errorf("change %v missing %s", ch.Fields, id)
		}
	}
}

func TestEvaluate_AnswerLevelHide(t *testing.T) {
	q := obs("reason", "select")
	q.QuestionOptions.Answers = []*form.Answer{
		{Concept: "c-pregnancy", Label: "Pregnancy", HideWhenExpression: "sex == 'M'"},
		{Concept: "c-fever", Label: "Fever"},
		{Concept: "c-adult", Label: "Adult only", DisableWhenExpression: "age < 18"},
	}
	_, c := newEngine(t, singleSection(q), form.ModeEnter)

	f := field(t, c, "reason")
	if !f.HiddenAnswers["c-pregnancy"] || f.HiddenAnswers["c-fever"] {
		t.Errorf("hidden answers = %v", f.HiddenAnswers)
	}
	if f.DisabledAnswers["c-adult"] {
		t.Errorf("disabled answers = %v", f.DisabledAnswers)
	}
}

func TestValidateAll_RequiredExpression(t *testing.T) {
	detail := obs("detail", "text")
	detail.RequiredExpression = "a == 'yes'"
	e, c := newEngine(t, singleSection(obs("a", "text"), detail), form.ModeEnter)

	if !e.ValidateAll() {
		t.Fatal("form should be valid before a is answered")
	}
	if _, err := e.SetValue(context.Background(), "a", "yes"); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	if !field(t, c, "detail").Required {
		t.Fatal("detail should be required")
	}
	if e.ValidateAll() {
		t.Fatal("ValidateAll should fail")
	}
	errs := field(t, c, "detail").Meta.Submission.Errors
	if len(errs) != 1 || errs[0].Message != MessageMandatory {
		t.Errorf("errors = %v", errs)
	}

	if _, err := e.SetValue(context.Background(), "detail", "because"); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	if !e.ValidateAll() {
		t.Error("form should be valid once detail is answered")
	}
}

func TestValidate_HiddenRequiredFieldPasses(t *testing.T) {
	q := obs("q", "text")
	q.Required = true
	q.Hide = &form.Hide{HideWhenExpression: "true"}
	e, _ := newEngine(t, singleSection(q), form.ModeEnter)
	if !e.ValidateAll() {
		t.Error("hidden required field must not fail validation")
	}
}

func TestEvaluate_BrokenExpressionsUseDefaults(t *testing.T) {
	parse := obs("parse", "text")
	parse.Hide = &form.Hide{HideWhenExpression: "a =="}
	call := obs("call", "text")
	call.Hide = &form.Hide{HideWhenExpression: "noSuchHelper(a)"}
	call.RequiredExpression = "noSuchHelper(a)"
	_, c := newEngine(t, singleSection(obs("a", "text"), parse, call), form.ModeEnter)

	for _, id := range []string{"parse", "call"} {
		if field(t, c, id).Hidden {
			t.Errorf("%s should fall back to visible", id)
		}
	}
	if field(t, c, "call").Required {
		t.Error("call should fall back to not required")
	}
}

func TestValidate_Validators(t *testing.T) {
	lo, hi := 0.0, 10.0
	score := obs("score", "number")
	score.QuestionOptions.Min, score.QuestionOptions.Max = &lo, &hi

	visit := obs("visitDate", "date")
	visit.Validators = []*form.Validator{{Type: ValidatorDate}}

	pulse := obs("pulse", "number")
	pulse.Validators = []*form.Validator{{Type: ValidatorExpression, FailsWhenExpression: "myValue > 120", Message: "High pulse", ErrorType: ResultWarning}}

	maxLen := 3
	code := obs("code", "text")
	code.QuestionOptions.MaxLength = &maxLen

	e, c := newEngine(t, singleSection(score, visit, pulse, code), form.ModeEnter)

	tests := []struct {
		id       string
		value    interface{}
		errors   int
		warnings int
		message  string
	}{
		{"score", 11.0, 1, 0, "Value must be between 0 and 10"},
		{"score", 5.0, 0, 0, ""},
		{"visitDate", "2024-03-10", 1, 0, MessageFutureDate},
		{"visitDate", "2024-03-05", 0, 0, ""},
		{"pulse", 130.0, 0, 1, "High pulse"},
		{"pulse", 80.0, 0, 0, ""},
		{"code", "ABCD", 1, 0, "Maximum length is 3 characters"},
	}
	for _, tt := range tests {
		f := field(t, c, tt.id)
		f.Value = tt.value
		results := e.Validate(f)
		sub := f.Meta.Submission
		if len(sub.Errors) != tt.errors || len(sub.Warnings) != tt.warnings {
			t.Errorf("%s=%v: errors=%v warnings=%v", tt.id, tt.value, sub.Errors, sub.Warnings)
			continue
		}
		if tt.message != "" && (len(results) == 0 || results[0].Message != tt.message) {
			t.Errorf("%s=%v: results = %v, want %q", tt.id, tt.value, results, tt.message)
		}
	}
}

func TestSetValue_ReadOnly(t *testing.T) {
	e, _ := newEngine(t, singleSection(obs("a", "text")), form.ModeView)
	if _, err := e.SetValue(context.Background(), "a", "x"); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("err = %v, want ErrReadOnly", err)
	}

	locked := obs("locked", "text")
	locked.Readonly = true
	e, _ = newEngine(t, singleSection(locked), form.ModeEdit)
	if _, err := e.SetValue(context.Background(), "locked", "x"); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("err = %v, want ErrReadOnly", err)
	}
	if _, err := e.SetValue(context.Background(), "missing", "x"); !errors.Is(err, form.ErrFieldNotFound) {
		t.Fatalf("err = %v, want ErrFieldNotFound", err)
	}
}

func TestSetValue_InvalidValueRejected(t *testing.T) {
	e, _ := newEngine(t, singleSection(obs("n", "number")), form.ModeEnter)
	if _, err := e.SetValue(context.Background(), "n", "not a number"); !errors.Is(err, adapters.ErrInvalidValue) {
		t.Fatalf("err = %v, want ErrInvalidValue", err)
	}
}

func TestEvaluator_RuntimeReferencesJoinGraph(t *testing.T) {
	b := obs("b", "text")
	b.Hide = &form.Hide{HideWhenExpression: "useFieldValue('a') == 'x'"}
	e, _ := newEngine(t, singleSection(obs("a", "text"), b), form.ModeEnter)

	found := false
	for _, n := range e.Graph().Dependents("a") {
		if n.ID == "b" {
			found = true
		}
	}
	if !found {
		t.Error("b should depend on a")
	}
}
