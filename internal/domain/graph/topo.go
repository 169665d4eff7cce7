package graph

import (
	"fmt"
	"strings"
)

// Plan is an evaluation order for a set of interdependent computations.
type Plan struct {
	// Order lists every id exactly once; an id appears after all ids it
	// depends on, except where both belong to the same cycle.
	Order []string
	// Cycles lists the strongly connected groups (and self-references) found.
	// Members keep discovery order.
	Cycles [][]string
}

// CycleString renders a cycle for logs and warnings: "a -> b -> a".
func CycleString(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(append(append([]string{}, cycle...), cycle[0]), " -> ")
}

// Error describes the cycles in a plan, or returns nil when there are none.
func (p Plan) Error() error {
	if len(p.Cycles) == 0 {
		return nil
	}
	parts := make([]string, len(p.Cycles))
	for i, c := range p.Cycles {
		parts[i] = CycleString(c)
	}
	return fmt.Errorf("cycle detected: %s", strings.Join(parts, "; "))
}

// TopoOrder orders ids so that each comes after the ids it depends on.
// deps maps an id to the ids it reads; references to ids outside the set are
// ignored. Cycles do not fail the ordering: members of a strongly connected
// component are emitted together, in discovery order, once all of the
// component's outside dependencies have been emitted.
func TopoOrder(ids []string, deps map[string][]string) Plan {
	index := make(map[string]int, len(ids))
	for i, id := range ids {
		if _, dup := index[id]; !dup {
			index[id] = i
		}
	}

	t := &tarjan{
		deps:    deps,
		index:   index,
		low:     make(map[string]int, len(ids)),
		order:   make(map[string]int, len(ids)),
		onStack: make(map[string]bool, len(ids)),
	}
	for _, id := range ids {
		if _, visited := t.order[id]; !visited {
			t.strongConnect(id)
		}
	}
	return t.plan
}

// tarjan emits strongly connected components in dependency-first order: a
// component is complete only after every component it reaches has been
// emitted.
type tarjan struct {
	deps    map[string][]string
	index   map[string]int
	low     map[string]int
	order   map[string]int
	onStack map[string]bool
	stack   []string
	counter int
	plan    Plan
}

func (t *tarjan) strongConnect(id string) {
	t.order[id] = t.counter
	t.low[id] = t.counter
	t.counter++
	t.stack = append(t.stack, id)
	t.onStack[id] = true

	selfLoop := false
	for _, dep := range t.deps[id] {
		if _, known := t.index[dep]; !known {
			continue
		}
		if dep == id {
			selfLoop = true
			continue
		}
		if _, visited := t.order[dep]; !visited {
			t.strongConnect(dep)
			t.low[id] = min(t.low[id], t.low[dep])
		} else if t.onStack[dep] {
			t.low[id] = min(t.low[id], t.order[dep])
		}
	}

	if t.low[id] != t.order[id] {
		return
	}

	var component []string
	for {
		n := len(t.stack) - 1
		top := t.stack[n]
		t.stack = t.stack[:n]
		t.onStack[top] = false
		component = append(component, top)
		if top == id {
			break
		}
	}

	// restore discovery order inside the component
	for i := 1; i < len(component); i++ {
		for j := i; j > 0 && t.index[component[j]] < t.index[component[j-1]]; j-- {
			component[j], component[j-1] = component[j-1], component[j]
		}
	}

	t.plan.Order = append(t.plan.Order, component...)
	if len(component) > 1 || selfLoop {
		t.plan.Cycles = append(t.plan.Cycles, component)
	}
}
