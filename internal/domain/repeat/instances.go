package repeat

import (
	"fmt"
	"sort"

	"github.com/ehr/formengine/internal/domain/form"
)

// Instances returns the root fields of every instance of the repeating group
// origin, origin first, ordered by repeat index.
func Instances(c *form.Context, origin *form.Field) []*form.Field {
	out := []*form.Field{origin}
	for _, f := range c.Fields() {
		if f.CloneOf == origin.ID && f.Parent == origin.Parent {
			out = append(out, f)
		}
	}
	clones := out[1:]
	sort.SliceStable(clones, func(i, j int) bool { return clones[i].RepeatIndex < clones[j].RepeatIndex })
	return out
}

func nextIndex(instances []*form.Field) int {
	next := 1
	for _, f := range instances {
		if f.RepeatIndex >= next {
			next = f.RepeatIndex + 1
		}
	}
	return next
}

func checkLimit(origin *form.Field, count int) error {
	if ro := origin.Question.QuestionOptions.RepeatOptions; ro != nil && ro.Limit > 0 && count >= ro.Limit {
		return fmt.Errorf("%w: %s allows %d instances", ErrLimitReached, origin.ID, ro.Limit)
	}
	return nil
}

// Add appends a user-created instance of the repeating group originID after
// the last existing instance and returns the new fields, root first.
func Add(c *form.Context, originID string) ([]*form.Field, error) {
	origin, ok := c.Field(originID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", form.ErrFieldNotFound, originID)
	}
	if origin.CloneOf != "" {
		if origin, ok = c.Field(origin.CloneOf); !ok {
			return nil, fmt.Errorf("%w: %s", form.ErrFieldNotFound, originID)
		}
	}
	instances := Instances(c, origin)
	if err := checkLimit(origin, len(instances)); err != nil {
		return nil, err
	}

	clones, err := Clone(c, origin, nextIndex(instances))
	if err != nil {
		return nil, err
	}
	if err := c.InsertAfter(instances[len(instances)-1].ID, clones...); err != nil {
		return nil, fmt.Errorf("add instance of %s: %w", origin.ID, err)
	}
	return clones, nil
}

// BindFunc binds one field to the record, setting its value and meta.
type BindFunc func(f *form.Field)

// Hydrate discovers the instances of origin already present in the record.
// origin must be bound. Each round clones origin, binds the clone's root
// and keeps the clone only when the root found an unclaimed group obs; the
// members are bound after the clone is added to c. Hydrate stops at the
// first unbound clone or at the repeat limit and returns the added fields.
func Hydrate(c *form.Context, origin *form.Field, bind BindFunc) ([]*form.Field, error) {
	if !origin.IsRepeating() || !origin.Meta.Bound {
		return nil, nil
	}
	var added []*form.Field
	for {
		instances := Instances(c, origin)
		if checkLimit(origin, len(instances)) != nil {
			return added, nil
		}
		clones, err := Clone(c, origin, nextIndex(instances))
		if err != nil {
			return added, err
		}
		root := clones[0]
		bind(root)
		if !root.Meta.Bound {
			return added, nil
		}
		if err := c.InsertAfter(instances[len(instances)-1].ID, clones...); err != nil {
			return added, fmt.Errorf("hydrate %s: %w", origin.ID, err)
		}
		for _, f := range clones[1:] {
			bind(f)
		}
		added = append(added, clones...)
	}
}
