package form

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ehr/formengine/internal/domain/encounter"
)

var (
	ErrUnknownFieldType = errors.New("unknown field type")
	ErrFieldNotFound    = errors.New("field not found")
	ErrDuplicateField   = errors.New("duplicate field id")
	// ErrMisconfigured marks a field whose schema lacks configuration its
	// adapter requires, such as an obs question without a concept.
	ErrMisconfigured = errors.New("field misconfigured")
)

// Adapter converts between a field's UI value and its record fragment.
// Adapters are stateless; per-session state lives in Context.
type Adapter interface {
	// InitialValue derives the starting UI value from rec, records the bound
	// fragment in f.Meta.InitialValue and claims the records it consumed.
	// "No data" is (nil, nil). Calling it again with an unchanged record
	// yields the same result.
	InitialValue(f *Field, rec *encounter.Encounter, c *Context) (interface{}, error)
	// PreviousValue derives a value from a previous episode's record. It
	// never touches submission state.
	PreviousValue(f *Field, rec *encounter.Encounter, c *Context) (*PreviousValue, error)
	// Transform reconciles value against the bound fragment, replaces
	// f.Meta.Submission and returns the new fragment, or nil for a no-op.
	Transform(f *Field, value interface{}, c *Context) (interface{}, error)
	// DisplayValue renders value for read-only display.
	DisplayValue(f *Field, value interface{}) string
	// TearDown releases the session-scoped state the adapter kept in c.
	TearDown(c *Context)
}

// Prefetcher is implemented by adapters that load remote data before
// binding. Prefetch calls for different fields may run concurrently;
// InitialValue calls never do.
type Prefetcher interface {
	Prefetch(ctx context.Context, f *Field, c *Context) error
}

// Voider is implemented by adapters that can retract whatever a field is
// bound to. The result is a void fragment, or nil when nothing is bound.
// Hidden fields are retracted this way.
type Voider interface {
	Void(f *Field, c *Context) interface{}
}

// Registry maps field kinds to adapters. Lookups happen once per field, when
// the schema is flattened.
type Registry struct {
	adapters map[Kind]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[Kind]Adapter)}
}

// Register binds kind to a. Registering a kind twice replaces the adapter.
func (r *Registry) Register(kind Kind, a Adapter) {
	r.adapters[kind] = a
}

// Resolve returns the adapter for kind. Display-only kinds resolve to nil.
func (r *Registry) Resolve(kind Kind) (Adapter, error) {
	if kind.IsDisplayOnly() {
		return nil, nil
	}
	a, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFieldType, kind)
	}
	return a, nil
}

// Kinds lists the registered kinds, sorted.
func (r *Registry) Kinds() []Kind {
	out := make([]Kind, 0, len(r.adapters))
	for k := range r.adapters {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
