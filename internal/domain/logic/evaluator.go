// Package logic evaluates the expressions attached to fields, sections and
// pages: visibility, required-ness, enablement, answer-level hide/disable,
// calculated values and validators. Every evaluation registers the fields it
// reads in the session's dependency graph, and field changes cascade through
// that graph.
package logic

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/formengine/internal/domain/form"
	"github.com/ehr/formengine/internal/domain/graph"
	"github.com/ehr/formengine/internal/platform/expr"
)

// Evaluator compiles and runs expressions against one form session.
// Expression failures are logged and resolve to the caller's default.
type Evaluator struct {
	compiler *expr.Compiler
	graph    *graph.Graph
	ctx      *form.Context
	logger   zerolog.Logger

	funcs      map[string]expr.Func
	asyncFuncs map[string]expr.AsyncFunc
	now        func() time.Time
}

func newEvaluator(c *form.Context, g *graph.Graph, logger zerolog.Logger) *Evaluator {
	return &Evaluator{
		compiler: expr.Shared(),
		graph:    g,
		ctx:      c,
		logger:   logger,
		now:      time.Now,
	}
}

// compile returns the program for src and records an edge from every field
// it references to node. Parse errors are logged and yield nil.
func (e *Evaluator) compile(src string, node graph.Node) *expr.Program {
	prog, err := e.compiler.Compile(src)
	if err != nil {
		e.logger.Warn().Err(err).
			Str("expression", src).
			Str("node", string(node.Kind)+":"+node.ID).
			Msg("expression does not compile")
		return nil
	}
	for _, ref := range prog.References() {
		if _, ok := e.ctx.Field(ref); ok && !(node.Kind == graph.KindField && node.ID == ref) {
			e.graph.AddEdge(ref, node)
		}
	}
	return prog
}

// References returns the ids of real fields that src reads.
func (e *Evaluator) References(src string) []string {
	prog, err := e.compiler.Compile(src)
	if err != nil {
		return nil
	}
	var out []string
	for _, ref := range prog.References() {
		if _, ok := e.ctx.Field(ref); ok {
			out = append(out, ref)
		}
	}
	return out
}

// env assembles the evaluation context. values overrides the session's
// current field values when non-nil.
func (e *Evaluator) env(node graph.Node, self *form.Field, values map[string]interface{}) *expr.Env {
	if values == nil {
		values = e.ctx.Values()
	}
	vars := map[string]interface{}{
		"mode": string(e.ctx.Mode),
	}
	if self != nil {
		vars["myValue"] = self.Value
	} else {
		vars["myValue"] = nil
	}
	if p := e.ctx.Patient; p != nil {
		patient := map[string]interface{}{
			"uuid":      p.UUID,
			"sex":       p.Gender,
			"birthDate": p.Birthdate,
		}
		vars["sex"] = p.Gender
		if dob, ok := expr.ToTime(p.Birthdate); ok {
			age := float64(expr.AgeAt(dob, e.now()))
			patient["age"] = age
			vars["age"] = age
		} else {
			vars["age"] = nil
		}
		vars["patient"] = patient
	} else {
		vars["patient"], vars["sex"], vars["age"] = nil, nil, nil
	}
	if v := e.ctx.Visit; v != nil {
		visit := map[string]interface{}{"uuid": v.UUID, "visitType": v.VisitType, "location": v.Location}
		if v.StartDatetime != nil {
			visit["startDatetime"] = *v.StartDatetime
		}
		vars["visit"] = visit
	} else {
		vars["visit"] = nil
	}

	return &expr.Env{
		Values:     values,
		Vars:       vars,
		Funcs:      e.funcs,
		AsyncFuncs: e.asyncFuncs,
		Now:        e.now,
		OnReference: func(id string) {
			if _, ok := e.ctx.Field(id); ok && id != node.ID {
				e.graph.AddEdge(id, node)
			}
		},
	}
}

func (e *Evaluator) logEvalError(err error, src string, node graph.Node) {
	e.logger.Warn().Err(err).
		Str("expression", src).
		Str("node", string(node.Kind)+":"+node.ID).
		Msg("expression evaluation failed")
}

// Bool evaluates src as a condition. An empty expression, a parse failure or
// an evaluation failure yields def.
func (e *Evaluator) Bool(src string, node graph.Node, self *form.Field, def bool) bool {
	if src == "" {
		return def
	}
	prog := e.compile(src, node)
	if prog == nil {
		return def
	}
	v, err := prog.Eval(e.env(node, self, nil))
	if err != nil {
		e.logEvalError(err, src, node)
		return def
	}
	return expr.Truthy(v)
}

// Value evaluates src synchronously. Failures yield (nil, false).
func (e *Evaluator) Value(src string, node graph.Node, self *form.Field) (interface{}, bool) {
	prog := e.compile(src, node)
	if prog == nil {
		return nil, false
	}
	v, err := prog.Eval(e.env(node, self, nil))
	if err != nil {
		e.logEvalError(err, src, node)
		return nil, false
	}
	return v, true
}

// ValueAsync evaluates src with async helpers enabled against values, or the
// session's current values when values is nil. Failures other than context
// cancellation are logged and yield (nil, false, nil).
func (e *Evaluator) ValueAsync(ctx context.Context, src string, node graph.Node, self *form.Field, values map[string]interface{}) (interface{}, bool, error) {
	prog := e.compile(src, node)
	if prog == nil {
		return nil, false, nil
	}
	v, err := prog.EvalAsync(ctx, e.env(node, self, values))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, false, ctxErr
		}
		e.logEvalError(err, src, node)
		return nil, false, nil
	}
	return v, true, nil
}
