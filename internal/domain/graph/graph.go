// Package graph records "recompute on change" edges between form fields and
// the fields, sections and pages whose expressions read them.
//
// Edges are append-only for the lifetime of a form session: an expression
// that stops referencing a field keeps its edge, so the graph is always a
// superset of the true dependencies.
package graph

import (
	"sort"
	"sync"
)

// Kind distinguishes the node types that can own an expression.
type Kind string

const (
	KindField   Kind = "field"
	KindSection Kind = "section"
	KindPage    Kind = "page"
)

// Node identifies an expression owner.
type Node struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

// FieldNode is shorthand for a field node.
func FieldNode(id string) Node { return Node{Kind: KindField, ID: id} }

// Graph is a directed graph from a referenced field id to the nodes that
// must be re-evaluated when that field changes.
type Graph struct {
	mu    sync.RWMutex
	edges map[string]map[Node]struct{}
	count int
}

// New creates an empty dependency graph.
func New() *Graph {
	return &Graph{edges: make(map[string]map[Node]struct{})}
}

// AddEdge records that dependent must be recomputed when field changes. It
// reports whether the edge is new.
func (g *Graph) AddEdge(field string, dependent Node) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	set, ok := g.edges[field]
	if !ok {
		set = make(map[Node]struct{})
		g.edges[field] = set
	}
	if _, exists := set[dependent]; exists {
		return false
	}
	set[dependent] = struct{}{}
	g.count++
	return true
}

// Dependents returns the direct dependents of field in a stable order:
// fields first, then sections, then pages, each sorted by id.
func (g *Graph) Dependents(field string) []Node {
	g.mu.RLock()
	set := g.edges[field]
	out := make([]Node, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	g.mu.RUnlock()

	sortNodes(out)
	return out
}

// HasEdge reports whether the edge field → dependent exists.
func (g *Graph) HasEdge(field string, dependent Node) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.edges[field][dependent]
	return ok
}

// Len returns the number of edges.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.count
}

// Walk visits the direct dependents of field in Dependents order, skipping
// nodes already in seen and adding the rest to it before visiting. It stops
// at the first error from visit. A visit that continues through a dependent
// walks again from it with the same seen set, so each node is visited at
// most once per traversal even when the graph has cycles.
func (g *Graph) Walk(field string, seen map[Node]bool, visit func(Node) error) error {
	for _, n := range g.Dependents(field) {
		if seen[n] {
			continue
		}
		seen[n] = true
		if err := visit(n); err != nil {
			return err
		}
	}
	return nil
}

var kindRank = map[Kind]int{KindField: 0, KindSection: 1, KindPage: 2}

func sortNodes(nodes []Node) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Kind != nodes[j].Kind {
			return kindRank[nodes[i].Kind] < kindRank[nodes[j].Kind]
		}
		return nodes[i].ID < nodes[j].ID
	})
}
