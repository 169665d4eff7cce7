// Package repeat creates additional instances of repeating groups.
package repeat

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ehr/formengine/internal/domain/form"
)

var (
	ErrNotRepeating = errors.New("field is not a repeating group")
	ErrLimitReached = errors.New("repeat limit reached")
)

// Clone copies origin and its member fields into instance index. Every id in
// the subtree gets the suffix _<index> and every expression in the copy is
// rewritten to reference the suffixed ids. Clones start unbound with an
// empty submission. The returned fields are in flattened order, root first;
// they are not added to c.
func Clone(c *form.Context, origin *form.Field, index int) ([]*form.Field, error) {
	if !origin.IsRepeating() {
		return nil, fmt.Errorf("%w: %s", ErrNotRepeating, origin.ID)
	}
	if origin.CloneOf != "" {
		return nil, fmt.Errorf("%w: %s is itself an instance of %s", ErrNotRepeating, origin.ID, origin.CloneOf)
	}

	subtree := collect(c, origin)
	rename := make(map[string]string, len(subtree))
	for _, f := range subtree {
		rename[f.ID] = Suffix(f.ID, index)
	}

	q := origin.Question.Clone()
	rewriteQuestion(q, rename)

	out := make([]*form.Field, 0, len(subtree))
	var build func(orig *form.Field, q *form.Question, parent string)
	build = func(orig *form.Field, q *form.Question, parent string) {
		f := &form.Field{
			ID:              q.ID,
			Kind:            orig.Kind,
			Question:        q,
			Adapter:         orig.Adapter,
			Page:            orig.Page,
			Section:         orig.Section,
			Parent:          parent,
			Readonly:        orig.Readonly,
			InlineRendering: orig.InlineRendering,
			CloneOf:         orig.ID,
			RepeatIndex:     index,
		}
		out = append(out, f)
		children := c.Children(orig)
		for i, child := range children {
			if i >= len(q.Questions) {
				break
			}
			f.Children = append(f.Children, q.Questions[i].ID)
			build(child, q.Questions[i], f.ID)
		}
	}
	build(origin, q, origin.Parent)
	return out, nil
}

// Suffix returns the id of instance index of id.
func Suffix(id string, index int) string { return fmt.Sprintf("%s_%d", id, index) }

func collect(c *form.Context, root *form.Field) []*form.Field {
	out := []*form.Field{root}
	for _, child := range c.Children(root) {
		out = append(out, collect(c, child)...)
	}
	return out
}

func rewriteQuestion(q *form.Question, rename map[string]string) {
	if id, ok := rename[q.ID]; ok {
		q.ID = id
	}
	q.RequiredExpression = RewriteIdentifiers(q.RequiredExpression, rename)
	q.HistoricalExpression = RewriteIdentifiers(q.HistoricalExpression, rename)
	if q.Hide != nil {
		q.Hide.HideWhenExpression = RewriteIdentifiers(q.Hide.HideWhenExpression, rename)
	}
	if q.Disabled != nil {
		q.Disabled.DisableWhenExpression = RewriteIdentifiers(q.Disabled.DisableWhenExpression, rename)
	}
	for _, v := range q.Validators {
		v.FailsWhenExpression = RewriteIdentifiers(v.FailsWhenExpression, rename)
	}
	if calc := q.QuestionOptions.Calculate; calc != nil {
		calc.CalculateExpression = RewriteIdentifiers(calc.CalculateExpression, rename)
	}
	for _, a := range q.QuestionOptions.Answers {
		a.HideWhenExpression = RewriteIdentifiers(a.HideWhenExpression, rename)
		a.DisableWhenExpression = RewriteIdentifiers(a.DisableWhenExpression, rename)
	}
	for _, child := range q.Questions {
		rewriteQuestion(child, rename)
	}
}

// RewriteIdentifiers replaces every whole identifier token of src found in
// rename. Tokens are maximal runs of letters, digits, '_' and '$', so an id
// that merely occurs inside a longer word is left alone. Quoted field ids,
// as in useFieldValue('bar'), are rewritten too.
func RewriteIdentifiers(src string, rename map[string]string) string {
	if src == "" || len(rename) == 0 {
		return src
	}
	var b strings.Builder
	b.Grow(len(src))
	for i := 0; i < len(src); {
		if !isIdentByte(src[i]) {
			b.WriteByte(src[i])
			i++
			continue
		}
		j := i
		for j < len(src) && isIdentByte(src[j]) {
			j++
		}
		tok := src[i:j]
		if to, ok := rename[tok]; ok {
			b.WriteString(to)
		} else {
			b.WriteString(tok)
		}
		i = j
	}
	return b.String()
}

func isIdentByte(ch byte) bool {
	return ch == '_' || ch == '$' ||
		('a' <= ch && ch <= 'z') || ('A' <= ch && ch <= 'Z') || ('0' <= ch && ch <= '9')
}
