package form

import (
	"fmt"
	"strings"
)

// Flatten walks pages, sections and questions once and returns the field
// list in document order: a group is followed by its members. Readonly and
// inline rendering are inherited from the enclosing page, section and
// group. Adapters are resolved here, so a form with an unknown question type
// fails to flatten.
//
// Fields reference the form's questions; callers that share a Form between
// sessions should flatten a copy.
func Flatten(form *Form, reg *Registry) ([]*Field, error) {
	fl := &flattener{reg: reg, seen: make(map[string]bool)}
	for _, page := range form.Pages {
		for _, section := range page.Sections {
			scope := inherited{
				page:     page.Label,
				section:  section.Label,
				readonly: bool(page.Readonly) || bool(section.Readonly),
				inline:   firstNonEmpty(section.InlineRendering, page.InlineRendering),
			}
			for _, q := range section.Questions {
				if _, err := fl.add(q, scope, ""); err != nil {
					return nil, err
				}
			}
		}
	}
	return fl.fields, nil
}

type inherited struct {
	page, section string
	readonly      bool
	inline        string
}

type flattener struct {
	reg     *Registry
	fields  []*Field
	seen    map[string]bool
	anonSeq int
}

func (fl *flattener) add(q *Question, scope inherited, parent string) (*Field, error) {
	kind := Kind(q.Type)
	if kind == "" && q.QuestionOptions.Rendering == RenderingMarkdown {
		kind = KindMarkdown
	}

	id := strings.TrimSpace(q.ID)
	if id == "" {
		if !kind.IsDisplayOnly() {
			return nil, fmt.Errorf("%w: question %q has no id", ErrMisconfigured, q.Label)
		}
		fl.anonSeq++
		id = fmt.Sprintf("%s_%d", kind, fl.anonSeq)
		q.ID = id
	}
	if fl.seen[id] {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateField, id)
	}
	fl.seen[id] = true

	adapter, err := fl.reg.Resolve(kind)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", id, err)
	}

	f := &Field{
		ID:              id,
		Kind:            kind,
		Question:        q,
		Adapter:         adapter,
		Page:            scope.page,
		Section:         scope.section,
		Parent:          parent,
		Readonly:        scope.readonly || bool(q.Readonly),
		InlineRendering: firstNonEmpty(q.InlineRendering, scope.inline),
	}
	fl.fields = append(fl.fields, f)

	if len(q.Questions) > 0 {
		childScope := scope
		childScope.readonly = f.Readonly
		childScope.inline = f.InlineRendering
		for _, child := range q.Questions {
			c, err := fl.add(child, childScope, id)
			if err != nil {
				return nil, err
			}
			f.Children = append(f.Children, c.ID)
		}
	}
	return f, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
