// Package session runs form sessions: it loads a schema, binds it to the
// clinical record, applies field changes through the logic engine and
// submits the assembled change-set.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/ehr/formengine/internal/domain/form"
	"github.com/ehr/formengine/internal/domain/logic"
)

// Session is one open form. All access goes through mu: the engine and the
// field state are not safe for concurrent use.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu      sync.Mutex
	ctx     *form.Context
	engine  *logic.Engine
	report  *logic.CalcReport
	touched time.Time
	closed  bool
}

func (s *Session) touch(now time.Time) { s.touched = now }

func (s *Session) expired(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && now.Sub(s.touched) > ttl
}

// ============================================================================
// Views
// ============================================================================

// FieldState is the externally visible state of one field.
type FieldState struct {
	ID              string                  `json:"id"`
	Type            form.Kind               `json:"type"`
	Rendering       string                  `json:"rendering"`
	Label           string                  `json:"label,omitempty"`
	Page            string                  `json:"page"`
	Section         string                  `json:"section"`
	Parent          string                  `json:"parent,omitempty"`
	CloneOf         string                  `json:"cloneOf,omitempty"`
	RepeatIndex     int                     `json:"repeatIndex,omitempty"`
	Value           interface{}             `json:"value"`
	Display         string                  `json:"display,omitempty"`
	Hidden          bool                    `json:"hidden"`
	Disabled        bool                    `json:"disabled"`
	Required        bool                    `json:"required"`
	Readonly        bool                    `json:"readonly,omitempty"`
	HiddenAnswers   []string                `json:"hiddenAnswers,omitempty"`
	DisabledAnswers []string                `json:"disabledAnswers,omitempty"`
	PreviousValue   *form.PreviousValue     `json:"previousValue,omitempty"`
	Errors          []form.ValidationResult `json:"errors,omitempty"`
	Warnings        []form.ValidationResult `json:"warnings,omitempty"`
}

// State is a full snapshot of a session.
type State struct {
	ID       string                `json:"id"`
	Mode     form.Mode             `json:"mode"`
	Form     string                `json:"form"`
	Patient  string                `json:"patient"`
	Fields   []*FieldState         `json:"fields"`
	Sections []*logic.SectionState `json:"sections"`
	Pages    []*logic.PageState    `json:"pages"`
	Warnings []string              `json:"warnings,omitempty"`
}

// ChangeResult is the cascade caused by one committed change.
type ChangeResult struct {
	Fields   []*FieldState         `json:"fields"`
	Sections []*logic.SectionState `json:"sections,omitempty"`
	Pages    []*logic.PageState    `json:"pages,omitempty"`
}

func fieldState(f *form.Field) *FieldState {
	fs := &FieldState{
		ID:              f.ID,
		Type:            f.Kind,
		Rendering:       f.Rendering(),
		Label:           f.Question.Label,
		Page:            f.Page,
		Section:         f.Section,
		Parent:          f.Parent,
		CloneOf:         f.CloneOf,
		RepeatIndex:     f.RepeatIndex,
		Value:           f.Value,
		Hidden:          f.Hidden,
		Disabled:        f.Disabled,
		Required:        f.Required,
		Readonly:        f.Readonly,
		HiddenAnswers:   keys(f.HiddenAnswers),
		DisabledAnswers: keys(f.DisabledAnswers),
		PreviousValue:   f.Meta.PreviousValue,
		Errors:          f.Meta.Submission.Errors,
		Warnings:        f.Meta.Submission.Warnings,
	}
	if f.Adapter != nil && f.Value != nil {
		fs.Display = f.Adapter.DisplayValue(f, f.Value)
	}
	return fs
}

// keys returns the members of a set, sorted.
func keys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k, on := range m {
		if on {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Session) state() *State {
	st := &State{
		ID:       s.ID,
		Mode:     s.ctx.Mode,
		Sections: s.engine.Sections(),
		Pages:    s.engine.Pages(),
	}
	if s.ctx.Form != nil {
		st.Form = s.ctx.Form.UUID
	}
	if s.ctx.Patient != nil {
		st.Patient = s.ctx.Patient.UUID
	}
	if s.report != nil {
		st.Warnings = s.report.Warnings
	}
	for _, f := range s.ctx.Fields() {
		st.Fields = append(st.Fields, fieldState(f))
	}
	return st
}

func (s *Session) changeResult(ch *logic.Change) *ChangeResult {
	out := &ChangeResult{}
	for _, id := range ch.Fields {
		if f, ok := s.ctx.Field(id); ok {
			out.Fields = append(out.Fields, fieldState(f))
		}
	}
	if len(ch.Sections) > 0 {
		want := make(map[string]bool, len(ch.Sections))
		for _, id := range ch.Sections {
			want[id] = true
		}
		for _, sec := range s.engine.Sections() {
			if want[sec.ID] {
				out.Sections = append(out.Sections, sec)
			}
		}
	}
	if len(ch.Pages) > 0 {
		want := make(map[string]bool, len(ch.Pages))
		for _, label := range ch.Pages {
			want[label] = true
		}
		for _, p := range s.engine.Pages() {
			if want[p.Label] {
				out.Pages = append(out.Pages, p)
			}
		}
	}
	return out
}
