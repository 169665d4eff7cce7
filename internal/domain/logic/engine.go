package logic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/formengine/internal/domain/form"
	"github.com/ehr/formengine/internal/domain/graph"
	"github.com/ehr/formengine/internal/platform/expr"
)

// ErrReadOnly is returned when a change is committed in a read-only mode or
// to a read-only field.
var ErrReadOnly = errors.New("field is read-only")

// SectionState is the evaluated state of a section.
type SectionState struct {
	ID     string `json:"id"`
	Page   string `json:"page"`
	Label  string `json:"label"`
	Hidden bool   `json:"hidden"`
}

// PageState is the evaluated state of a page.
type PageState struct {
	Label  string `json:"label"`
	Hidden bool   `json:"hidden"`
}

// SectionID is the graph node id of a section.
func SectionID(page, section string) string { return page + "/" + section }

// Change is the outcome of one committed field change: every field, section
// and page whose state was re-evaluated, in evaluation order.
type Change struct {
	Fields   []string `json:"fields"`
	Sections []string `json:"sections,omitempty"`
	Pages    []string `json:"pages,omitempty"`
}

func (ch *Change) addField(id string) {
	for _, f := range ch.Fields {
		if f == id {
			return
		}
	}
	ch.Fields = append(ch.Fields, id)
}

// Option configures an Engine.
type Option func(*Engine)

// WithAsyncFuncs registers session-scoped async helpers such as
// api.getLatestObs.
func WithAsyncFuncs(funcs map[string]expr.AsyncFunc) Option {
	return func(e *Engine) { e.ev.asyncFuncs = funcs }
}

// WithFuncs registers extra synchronous helpers.
func WithFuncs(funcs map[string]expr.Func) Option {
	return func(e *Engine) { e.ev.funcs = funcs }
}

// WithClock overrides the clock used by date helpers and validators.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.ev.now = now }
}

// WithConcurrency bounds the number of calculated values evaluated at once
// during InitializeCalculatedValues.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// Engine runs field logic for one form session. It is not safe for
// concurrent use; the session serializes calls.
type Engine struct {
	c           *form.Context
	graph       *graph.Graph
	ev          *Evaluator
	logger      zerolog.Logger
	concurrency int

	ownHidden map[string]bool
	sections  map[string]*SectionState
	pages     map[string]*PageState
	order     []string // section ids in document order
}

// NewEngine creates the logic engine of a session whose fields are already
// installed in c.
func NewEngine(c *form.Context, logger zerolog.Logger, opts ...Option) *Engine {
	g := graph.New()
	e := &Engine{
		c:           c,
		graph:       g,
		ev:          newEvaluator(c, g, logger),
		logger:      logger,
		concurrency: 4,
		ownHidden:   make(map[string]bool),
		sections:    make(map[string]*SectionState),
		pages:       make(map[string]*PageState),
	}
	for _, o := range opts {
		o(e)
	}
	if c.Form != nil {
		for _, p := range c.Form.Pages {
			e.pages[p.Label] = &PageState{Label: p.Label}
			for _, s := range p.Sections {
				id := SectionID(p.Label, s.Label)
				e.sections[id] = &SectionState{ID: id, Page: p.Label, Label: s.Label}
				e.order = append(e.order, id)
			}
		}
	}
	return e
}

func (e *Engine) Graph() *graph.Graph { return e.graph }

func (e *Engine) Evaluator() *Evaluator { return e.ev }

// Now returns the engine clock.
func (e *Engine) Now() time.Time { return e.ev.now() }

// Sections returns section states in document order.
func (e *Engine) Sections() []*SectionState {
	out := make([]*SectionState, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.sections[id])
	}
	return out
}

// Pages returns page states in document order.
func (e *Engine) Pages() []*PageState {
	var out []*PageState
	if e.c.Form == nil {
		return out
	}
	for _, p := range e.c.Form.Pages {
		out = append(out, e.pages[p.Label])
	}
	return out
}

// ============================================================================
// Evaluation
// ============================================================================

// EvaluateAll evaluates every page, section and field expression once, in
// document order, which also builds the dependency graph.
func (e *Engine) EvaluateAll() {
	e.evaluateContainers()
	for _, f := range e.c.Fields() {
		e.evaluateField(f)
	}
}

// Register evaluates newly added fields, such as repeat instances, so their
// expressions join the dependency graph.
func (e *Engine) Register(fields []*form.Field) {
	for _, f := range fields {
		e.evaluateField(f)
	}
}

func (e *Engine) evaluateContainers() {
	if e.c.Form == nil {
		return
	}
	for _, p := range e.c.Form.Pages {
		e.evaluatePage(p)
		for _, s := range p.Sections {
			e.evaluateSection(p, s)
		}
	}
}

func (e *Engine) evaluatePage(p *form.Page) bool {
	st := e.pages[p.Label]
	if st == nil || p.Hide == nil {
		return false
	}
	hidden := e.ev.Bool(p.Hide.HideWhenExpression, graph.Node{Kind: graph.KindPage, ID: p.Label}, nil, false)
	changed := hidden != st.Hidden
	st.Hidden = hidden
	return changed
}

func (e *Engine) evaluateSection(p *form.Page, s *form.Section) bool {
	id := SectionID(p.Label, s.Label)
	st := e.sections[id]
	if st == nil || s.Hide == nil {
		return false
	}
	hidden := e.ev.Bool(s.Hide.HideWhenExpression, graph.Node{Kind: graph.KindSection, ID: id}, nil, false)
	changed := hidden != st.Hidden
	st.Hidden = hidden
	return changed
}

// containerHidden reports whether f sits on a hidden page or section or in a
// hidden group.
func (e *Engine) containerHidden(f *form.Field) bool {
	if p := e.pages[f.Page]; p != nil && p.Hidden {
		return true
	}
	if s := e.sections[SectionID(f.Page, f.Section)]; s != nil && s.Hidden {
		return true
	}
	if f.Parent != "" {
		if parent, ok := e.c.Field(f.Parent); ok && parent.Hidden {
			return true
		}
	}
	return false
}

// evaluateField recomputes hide, disable, required and the answer-level
// flags of f. It reports whether f.Hidden changed.
func (e *Engine) evaluateField(f *form.Field) bool {
	q := f.Question
	node := graph.FieldNode(f.ID)

	if q.Hide != nil {
		e.ownHidden[f.ID] = e.ev.Bool(q.Hide.HideWhenExpression, node, f, false)
	}
	hidden := e.ownHidden[f.ID] || e.containerHidden(f)
	changed := hidden != f.Hidden
	f.Hidden = hidden

	f.Disabled = f.Readonly
	if q.Disabled != nil && e.ev.Bool(q.Disabled.DisableWhenExpression, node, f, false) {
		f.Disabled = true
	}

	f.Required = bool(q.Required)
	if q.RequiredExpression != "" {
		f.Required = e.ev.Bool(q.RequiredExpression, node, f, false)
	}

	f.HiddenAnswers, f.DisabledAnswers = nil, nil
	for _, a := range q.QuestionOptions.Answers {
		if a.HideWhenExpression != "" && e.ev.Bool(a.HideWhenExpression, node, f, false) {
			if f.HiddenAnswers == nil {
				f.HiddenAnswers = make(map[string]bool)
			}
			f.HiddenAnswers[a.Concept] = true
		}
		if a.DisableWhenExpression != "" && e.ev.Bool(a.DisableWhenExpression, node, f, false) {
			if f.DisabledAnswers == nil {
				f.DisabledAnswers = make(map[string]bool)
			}
			f.DisabledAnswers[a.Concept] = true
		}
	}

	// validator conditions read other fields too
	for _, v := range q.Validators {
		if v.FailsWhenExpression != "" {
			e.ev.compile(v.FailsWhenExpression, node)
		}
	}
	if calc := q.QuestionOptions.Calculate; calc != nil && calc.CalculateExpression != "" {
		e.ev.compile(calc.CalculateExpression, node)
	}

	if changed {
		e.propagateHidden(f)
	}
	return changed
}

// propagateHidden re-derives the hidden flag of f's descendants.
func (e *Engine) propagateHidden(f *form.Field) {
	for _, child := range e.c.Children(f) {
		hidden := e.ownHidden[child.ID] || e.containerHidden(child)
		if hidden != child.Hidden {
			child.Hidden = hidden
			e.propagateHidden(child)
		}
	}
}

func (e *Engine) descendants(f *form.Field) []*form.Field {
	var out []*form.Field
	for _, child := range e.c.Children(f) {
		out = append(out, child)
		out = append(out, e.descendants(child)...)
	}
	return out
}

func (e *Engine) rederiveContainer(match func(*form.Field) bool, ch *Change) {
	for _, f := range e.c.Fields() {
		if !match(f) {
			continue
		}
		hidden := e.ownHidden[f.ID] || e.containerHidden(f)
		if hidden != f.Hidden {
			f.Hidden = hidden
			ch.addField(f.ID)
		}
	}
}

// ============================================================================
// Changes
// ============================================================================

// SetValue commits value to field id: the field's adapter reconciles it
// into the pending submission, the field is validated and its dependents
// are re-evaluated.
//
// The cascade is one hop: each direct dependent is re-evaluated once. A
// calculated dependent whose value changes commits its new value, which
// cascades in turn; a node is re-evaluated at most once per call.
func (e *Engine) SetValue(ctx context.Context, id string, value interface{}) (*Change, error) {
	f, ok := e.c.Field(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", form.ErrFieldNotFound, id)
	}
	if e.c.Mode.ReadOnly() || f.Readonly || f.Disabled {
		return nil, fmt.Errorf("%w: %s", ErrReadOnly, id)
	}

	ch := &Change{}
	visited := map[graph.Node]bool{graph.FieldNode(id): true}
	if err := e.commit(ctx, f, value, ch, visited); err != nil {
		return nil, err
	}
	return ch, nil
}

func (e *Engine) commit(ctx context.Context, f *form.Field, value interface{}, ch *Change, visited map[graph.Node]bool) error {
	f.Value = value
	if f.Adapter != nil && !f.IsTransient() {
		if _, err := f.Adapter.Transform(f, value, e.c); err != nil {
			return fmt.Errorf("field %s: %w", f.ID, err)
		}
	}
	e.Validate(f)
	ch.addField(f.ID)
	return e.cascade(ctx, f.ID, ch, visited)
}

func (e *Engine) cascade(ctx context.Context, id string, ch *Change, visited map[graph.Node]bool) error {
	return e.graph.Walk(id, visited, func(n graph.Node) error {
		switch n.Kind {
		case graph.KindPage:
			if p := e.findPage(n.ID); p != nil && e.evaluatePage(p) {
				ch.Pages = append(ch.Pages, n.ID)
				e.rederiveContainer(func(f *form.Field) bool { return f.Page == n.ID }, ch)
			}
		case graph.KindSection:
			if p, s := e.findSection(n.ID); s != nil && e.evaluateSection(p, s) {
				ch.Sections = append(ch.Sections, n.ID)
				e.rederiveContainer(func(f *form.Field) bool { return SectionID(f.Page, f.Section) == n.ID }, ch)
			}
		case graph.KindField:
			dep, ok := e.c.Field(n.ID)
			if !ok {
				return nil
			}
			ch.addField(dep.ID)
			if e.evaluateField(dep) {
				for _, d := range e.descendants(dep) {
					ch.addField(d.ID)
				}
			}
			if err := e.recalculate(ctx, dep, ch, visited); err != nil {
				return err
			}
			if len(dep.Meta.Submission.Errors)+len(dep.Meta.Submission.Warnings) > 0 {
				e.Validate(dep)
			}
		}
		return nil
	})
}

// recalculate re-evaluates the calculate expression of dep and commits the
// result when it differs from the current value.
func (e *Engine) recalculate(ctx context.Context, dep *form.Field, ch *Change, visited map[graph.Node]bool) error {
	calc := dep.Question.QuestionOptions.Calculate
	if calc == nil || calc.CalculateExpression == "" {
		return nil
	}
	v, ok, err := e.ev.ValueAsync(ctx, calc.CalculateExpression, graph.FieldNode(dep.ID), dep, nil)
	if err != nil {
		return err
	}
	if !ok || expr.StrictEqual(v, dep.Value) {
		return nil
	}
	if err := e.commit(ctx, dep, v, ch, visited); err != nil {
		if ctx.Err() != nil {
			return err
		}
		e.logger.Warn().Err(err).Str("field_id", dep.ID).Msg("calculated value rejected")
	}
	return nil
}

func (e *Engine) findPage(label string) *form.Page {
	if e.c.Form == nil {
		return nil
	}
	for _, p := range e.c.Form.Pages {
		if p.Label == label {
			return p
		}
	}
	return nil
}

func (e *Engine) findSection(id string) (*form.Page, *form.Section) {
	if e.c.Form == nil {
		return nil, nil
	}
	for _, p := range e.c.Form.Pages {
		for _, s := range p.Sections {
			if SectionID(p.Label, s.Label) == id {
				return p, s
			}
		}
	}
	return nil, nil
}
