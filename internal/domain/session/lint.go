package session

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/formengine/internal/domain/form"
	"github.com/ehr/formengine/internal/domain/graph"
	"github.com/ehr/formengine/internal/domain/logic"
	"github.com/ehr/formengine/internal/platform/expr"
)

// LintIssue is an expression that does not compile.
type LintIssue struct {
	Field      string `json:"field,omitempty"`
	Container  string `json:"container,omitempty"`
	Property   string `json:"property"`
	Expression string `json:"expression"`
	Message    string `json:"message"`
}

// LintReport summarizes a static check of a schema.
type LintReport struct {
	Fields   int         `json:"fields"`
	Issues   []LintIssue `json:"issues,omitempty"`
	Order    []string    `json:"computeOrder,omitempty"`
	Cycles   []string    `json:"cycles,omitempty"`
	Unknowns []string    `json:"unknownReferences,omitempty"`
}

// OK reports whether every expression compiled.
func (r *LintReport) OK() bool { return len(r.Issues) == 0 }

// Lint flattens f, compiles every expression it carries and computes the
// order calculated values would be initialized in. A schema that fails to
// flatten is an error; expressions that fail to compile are issues.
func Lint(f *form.Form, reg *form.Registry) (*LintReport, error) {
	fields, err := form.Flatten(f, reg)
	if err != nil {
		return nil, err
	}
	c := &form.Context{Mode: form.ModeEnter, Form: f}
	c.SetFields(fields)

	report := &LintReport{Fields: len(fields)}
	compiler := expr.Shared()
	check := func(field, container, property, src string) {
		if src == "" {
			return
		}
		prog, err := compiler.Compile(src)
		if err != nil {
			report.Issues = append(report.Issues, LintIssue{
				Field: field, Container: container, Property: property, Expression: src, Message: err.Error(),
			})
			return
		}
		for _, ref := range prog.References() {
			if _, ok := c.Field(ref); ok || isBuiltinIdent(ref) {
				continue
			}
			report.Unknowns = append(report.Unknowns, fmt.Sprintf("%s reads %q", firstNonEmpty(field, container), ref))
		}
	}

	for _, p := range f.Pages {
		if p.Hide != nil {
			check("", p.Label, "hideWhenExpression", p.Hide.HideWhenExpression)
		}
		for _, s := range p.Sections {
			if s.Hide != nil {
				check("", logic.SectionID(p.Label, s.Label), "hideWhenExpression", s.Hide.HideWhenExpression)
			}
		}
	}
	for _, fld := range fields {
		q := fld.Question
		if q.Hide != nil {
			check(fld.ID, "", "hideWhenExpression", q.Hide.HideWhenExpression)
		}
		if q.Disabled != nil {
			check(fld.ID, "", "disableWhenExpression", q.Disabled.DisableWhenExpression)
		}
		check(fld.ID, "", "requiredExpression", q.RequiredExpression)
		check(fld.ID, "", "historicalExpression", q.HistoricalExpression)
		if calc := q.QuestionOptions.Calculate; calc != nil {
			check(fld.ID, "", "calculateExpression", calc.CalculateExpression)
		}
		for _, a := range q.QuestionOptions.Answers {
			check(fld.ID, "", "answers."+a.Concept+".hideWhenExpression", a.HideWhenExpression)
			check(fld.ID, "", "answers."+a.Concept+".disableWhenExpression", a.DisableWhenExpression)
		}
		for _, v := range q.Validators {
			check(fld.ID, "", "validators."+v.Type, v.FailsWhenExpression)
		}
	}

	plan, _, _ := logic.NewEngine(c, zerolog.Nop()).CalculationPlan()
	report.Order = plan.Order
	for _, cycle := range plan.Cycles {
		report.Cycles = append(report.Cycles, graph.CycleString(cycle))
	}
	return report, nil
}

// identifiers bound in every evaluation, plus the host helper namespace
var builtinIdents = map[string]bool{
	"myValue": true, "mode": true, "patient": true, "visit": true, "sex": true, "age": true,
	"api": true,
}

func isBuiltinIdent(name string) bool { return builtinIdents[name] }

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
