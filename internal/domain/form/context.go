package form

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ehr/formengine/internal/domain/encounter"
)

// Mode is the session mode.
type Mode string

const (
	ModeEnter        Mode = "enter"
	ModeEdit         Mode = "edit"
	ModeView         Mode = "view"
	ModeEmbeddedView Mode = "embedded-view"
)

// ParseMode validates a mode string. The empty string means enter.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModeEnter, nil
	case ModeEnter, ModeEdit, ModeView, ModeEmbeddedView:
		return Mode(s), nil
	}
	return "", fmt.Errorf("invalid mode %q", s)
}

// ReadOnly reports whether the mode rejects changes.
func (m Mode) ReadOnly() bool { return m == ModeView || m == ModeEmbeddedView }

// ProgramSource loads a patient's program enrollments.
type ProgramSource interface {
	ListPrograms(ctx context.Context, patientUUID string) ([]*encounter.PatientProgram, error)
}

// Context is the state shared by every adapter call of one form session.
// Field state is only touched from the session's event loop; claims and the
// program cache are safe for concurrent prefetches.
type Context struct {
	Mode        Mode
	Form        *Form
	Patient     *encounter.Patient
	Visit       *encounter.Visit
	Encounter   *encounter.Encounter // record being edited, empty in enter mode
	Previous    *encounter.Encounter // previous episode, may be nil
	SessionDate time.Time
	Location    string
	Provider    string
	Programs    ProgramSource

	claims Claims

	programsMu     sync.Mutex
	programs       []*encounter.PatientProgram
	programsLoaded bool

	fields []*Field
	index  map[string]*Field
}

// Claims returns the session's claim set.
func (c *Context) Claims() *Claims { return &c.claims }

// SetFields installs the flattened field list.
func (c *Context) SetFields(fields []*Field) {
	c.fields = fields
	c.index = make(map[string]*Field, len(fields))
	for _, f := range fields {
		c.index[f.ID] = f
	}
}

// Fields returns the fields in flattened order.
func (c *Context) Fields() []*Field { return c.fields }

// Field looks up a field by id.
func (c *Context) Field(id string) (*Field, bool) {
	f, ok := c.index[id]
	return f, ok
}

// Children returns the member fields of a group, in order.
func (c *Context) Children(f *Field) []*Field {
	out := make([]*Field, 0, len(f.Children))
	for _, id := range f.Children {
		if child, ok := c.index[id]; ok {
			out = append(out, child)
		}
	}
	return out
}

// InsertAfter splices fields into the list right after the field anchor and
// its descendants.
func (c *Context) InsertAfter(anchor string, fields ...*Field) error {
	pos := -1
	for i, f := range c.fields {
		if f.ID == anchor {
			pos = i
			break
		}
	}
	if pos < 0 {
		return fmt.Errorf("%w: %s", ErrFieldNotFound, anchor)
	}
	for _, f := range fields {
		if _, dup := c.index[f.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateField, f.ID)
		}
	}
	end := pos + 1
	for end < len(c.fields) && c.isDescendant(c.fields[end], anchor) {
		end++
	}

	out := make([]*Field, 0, len(c.fields)+len(fields))
	out = append(out, c.fields[:end]...)
	out = append(out, fields...)
	out = append(out, c.fields[end:]...)
	c.fields = out
	for _, f := range fields {
		c.index[f.ID] = f
	}
	return nil
}

func (c *Context) isDescendant(f *Field, ancestor string) bool {
	for f.Parent != "" {
		if f.Parent == ancestor {
			return true
		}
		parent, ok := c.index[f.Parent]
		if !ok {
			return false
		}
		f = parent
	}
	return false
}

// Values returns the current value of every field keyed by id.
func (c *Context) Values() map[string]interface{} {
	out := make(map[string]interface{}, len(c.fields))
	for _, f := range c.fields {
		out[f.ID] = f.Value
	}
	return out
}

// Value returns the current value of field id, or nil.
func (c *Context) Value(id string) interface{} {
	if f, ok := c.index[id]; ok {
		return f.Value
	}
	return nil
}

// PatientPrograms returns the patient's enrollments, loading them once per
// session.
func (c *Context) PatientPrograms(ctx context.Context) ([]*encounter.PatientProgram, error) {
	c.programsMu.Lock()
	defer c.programsMu.Unlock()
	if c.programsLoaded {
		return c.programs, nil
	}
	if c.Programs == nil || c.Patient == nil {
		c.programsLoaded = true
		return nil, nil
	}
	programs, err := c.Programs.ListPrograms(ctx, c.Patient.UUID)
	if err != nil {
		return nil, fmt.Errorf("load programs: %w", err)
	}
	c.programs, c.programsLoaded = programs, true
	return programs, nil
}

// CachedPrograms returns enrollments loaded by an earlier PatientPrograms
// call without loading.
func (c *Context) CachedPrograms() []*encounter.PatientProgram {
	c.programsMu.Lock()
	defer c.programsMu.Unlock()
	return c.programs
}

// ResetPrograms drops the program cache.
func (c *Context) ResetPrograms() {
	c.programsMu.Lock()
	c.programs, c.programsLoaded = nil, false
	c.programsMu.Unlock()
}

// ============================================================================
// Claims
// ============================================================================

// Claims records which record fragments have been bound to which field, so
// that two fields mapped to the same concept never bind the same obs.
type Claims struct {
	mu     sync.Mutex
	obs    map[string]string
	orders map[string]string
}

// ClaimObs assigns obs uuid to fieldID. It succeeds when the obs is free or
// already owned by fieldID.
func (cl *Claims) ClaimObs(uuid, fieldID string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.obs == nil {
		cl.obs = make(map[string]string)
	}
	return claim(cl.obs, uuid, fieldID)
}

// ObsAvailable reports whether fieldID may claim obs uuid.
func (cl *Claims) ObsAvailable(uuid, fieldID string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	owner, taken := cl.obs[uuid]
	return !taken || owner == fieldID
}

// ClaimOrder assigns order uuid to fieldID.
func (cl *Claims) ClaimOrder(uuid, fieldID string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.orders == nil {
		cl.orders = make(map[string]string)
	}
	return claim(cl.orders, uuid, fieldID)
}

// OrderAvailable reports whether fieldID may claim order uuid.
func (cl *Claims) OrderAvailable(uuid, fieldID string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	owner, taken := cl.orders[uuid]
	return !taken || owner == fieldID
}

// Len returns the number of claimed obs and orders.
func (cl *Claims) Len() (obs, orders int) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.obs), len(cl.orders)
}

// ResetObs forgets all obs claims.
func (cl *Claims) ResetObs() {
	cl.mu.Lock()
	cl.obs = nil
	cl.mu.Unlock()
}

// ResetOrders forgets all order claims.
func (cl *Claims) ResetOrders() {
	cl.mu.Lock()
	cl.orders = nil
	cl.mu.Unlock()
}

func claim(set map[string]string, uuid, fieldID string) bool {
	if owner, taken := set[uuid]; taken {
		return owner == fieldID
	}
	set[uuid] = fieldID
	return true
}
