package logic

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/ehr/formengine/internal/domain/form"
	"github.com/ehr/formengine/internal/domain/graph"
	"github.com/ehr/formengine/internal/platform/expr"
)

// CalcReport describes one run of InitializeCalculatedValues.
type CalcReport struct {
	Order    []string   `json:"order"`
	Cycles   [][]string `json:"cycles,omitempty"`
	Warnings []string   `json:"warnings,omitempty"`
}

type calcResult struct {
	id    string
	value interface{}
}

// CalculationPlan orders the calculated fields so that each comes after the
// calculated fields it reads. It also returns each field's expression and
// its field references.
func (e *Engine) CalculationPlan() (graph.Plan, map[string]string, map[string][]string) {
	var ids []string
	srcs := make(map[string]string)
	deps := make(map[string][]string)
	for _, f := range e.c.Fields() {
		calc := f.Question.QuestionOptions.Calculate
		if calc == nil || calc.CalculateExpression == "" {
			continue
		}
		ids = append(ids, f.ID)
		srcs[f.ID] = calc.CalculateExpression
		deps[f.ID] = e.ev.References(calc.CalculateExpression)
	}
	return graph.TopoOrder(ids, deps), srcs, deps
}

// InitializeCalculatedValues computes the starting value of every calculated
// field in dependency order. Independent fields of the same depth are
// evaluated concurrently. Members of a cycle are evaluated once each, in
// document order, against the values available at that point, and every
// cycle is reported as a warning.
func (e *Engine) InitializeCalculatedValues(ctx context.Context) (*CalcReport, error) {
	plan, srcs, deps := e.CalculationPlan()
	report := &CalcReport{Order: plan.Order, Cycles: plan.Cycles}
	for _, cycle := range plan.Cycles {
		desc := graph.CycleString(cycle)
		e.logger.Warn().Str("cycle", desc).Msg("calculated values depend on each other")
		report.Warnings = append(report.Warnings, "calculated value cycle: "+desc)
	}

	for _, wave := range calcWaves(plan, deps) {
		snapshot := e.c.Values()
		results := make([][]calcResult, len(wave))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.concurrency)
		for i, unit := range wave {
			i, unit := i, unit
			g.Go(func() error {
				values := snapshot
				if len(unit) > 1 {
					values = make(map[string]interface{}, len(snapshot))
					for k, v := range snapshot {
						values[k] = v
					}
				}
				for _, id := range unit {
					f, _ := e.c.Field(id)
					v, ok, err := e.ev.ValueAsync(gctx, srcs[id], graph.FieldNode(id), f, values)
					if err != nil {
						return err
					}
					if !ok {
						continue
					}
					if len(unit) > 1 {
						values[id] = v
					}
					results[i] = append(results[i], calcResult{id: id, value: v})
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return report, err
		}

		for _, unit := range results {
			for _, r := range unit {
				f, _ := e.c.Field(r.id)
				e.applyCalculated(f, r.value)
			}
		}
	}
	return report, nil
}

func (e *Engine) applyCalculated(f *form.Field, v interface{}) {
	if expr.StrictEqual(v, f.Value) {
		return
	}
	f.Value = v
	if f.Adapter == nil || f.IsTransient() {
		return
	}
	if _, err := f.Adapter.Transform(f, v, e.c); err != nil {
		e.logger.Warn().Err(err).Str("field_id", f.ID).Msg("calculated value rejected")
	}
}

// calcWaves groups the plan into waves: every unit of a wave depends only on
// units of earlier waves. A unit is a single field or a whole cycle.
func calcWaves(plan graph.Plan, deps map[string][]string) [][][]string {
	cycleOf := make(map[string]int)
	for i, cycle := range plan.Cycles {
		for _, id := range cycle {
			cycleOf[id] = i + 1
		}
	}

	level := make(map[string]int, len(plan.Order))
	emitted := make(map[int]bool)
	var waves [][][]string
	for _, id := range plan.Order {
		unit := []string{id}
		if ci := cycleOf[id]; ci > 0 {
			if emitted[ci] {
				continue
			}
			emitted[ci] = true
			unit = plan.Cycles[ci-1]
		}

		lvl := 0
		for _, member := range unit {
			for _, dep := range deps[member] {
				if l, ok := level[dep]; ok && l+1 > lvl {
					lvl = l + 1
				}
			}
		}
		for _, member := range unit {
			level[member] = lvl
		}
		for len(waves) <= lvl {
			waves = append(waves, nil)
		}
		waves[lvl] = append(waves[lvl], unit)
	}
	return waves
}
