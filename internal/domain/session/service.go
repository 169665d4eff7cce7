package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/formengine/internal/domain/adapters"
	"github.com/ehr/formengine/internal/domain/changeset"
	"github.com/ehr/formengine/internal/domain/encounter"
	"github.com/ehr/formengine/internal/domain/form"
	"github.com/ehr/formengine/internal/domain/logic"
	"github.com/ehr/formengine/internal/domain/repeat"
	"github.com/ehr/formengine/internal/platform/auth"
	"github.com/ehr/formengine/internal/platform/recordstore"
)

var (
	ErrSessionNotFound = errors.New("form session not found")
	ErrSessionExpired  = errors.New("form session expired")
	ErrInvalidRequest  = errors.New("invalid request")
)

// ValidationError lists the fields that failed validation at submission.
type ValidationError struct {
	Fields map[string][]form.ValidationResult
}

func (e *ValidationError) Error() string {
	ids := e.FieldIDs()
	return fmt.Sprintf("%d field(s) failed validation: %s", len(ids), strings.Join(ids, ", "))
}

// FieldIDs returns the invalid field ids, sorted.
func (e *ValidationError) FieldIDs() []string {
	ids := make([]string, 0, len(e.Fields))
	for id := range e.Fields {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Options tunes the service. Zero values select the defaults.
type Options struct {
	BindingConcurrency int
	SessionTTL         time.Duration
	SubmitTimeout      time.Duration
	Metrics            Metrics
}

const (
	defaultBindingConcurrency = 8
	defaultSessionTTL         = 2 * time.Hour
	defaultSubmitTimeout      = 30 * time.Second
)

// Service owns the open form sessions. Sessions live in memory and are
// dropped after SessionTTL without activity.
type Service struct {
	forms     FormRepository
	records   encounter.Repository
	store     recordstore.Submitter
	reg       *form.Registry
	assembler *changeset.Assembler
	logger    zerolog.Logger
	opts      Options
	now       func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewService(forms FormRepository, records encounter.Repository, store recordstore.Submitter, reg *form.Registry, logger zerolog.Logger, opts Options) *Service {
	if opts.BindingConcurrency <= 0 {
		opts.BindingConcurrency = defaultBindingConcurrency
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = defaultSessionTTL
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = defaultSubmitTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	return &Service{
		forms:     forms,
		records:   records,
		store:     store,
		reg:       reg,
		assembler: changeset.NewAssembler(logger),
		logger:    logger,
		opts:      opts,
		now:       time.Now,
		sessions:  make(map[string]*Session),
	}
}

// SetClock overrides the service clock.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// ============================================================================
// Form schemas
// ============================================================================

func (s *Service) GetForm(ctx context.Context, id string) (*form.Form, error) {
	return s.forms.Get(ctx, id)
}

func (s *Service) ListForms(ctx context.Context, limit, offset int) ([]*FormSummary, int, error) {
	return s.forms.List(ctx, limit, offset)
}

// SaveForm stores f after checking that it flattens and that every
// expression compiles.
func (s *Service) SaveForm(ctx context.Context, f *form.Form) (*LintReport, error) {
	if f.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidRequest)
	}
	if len(f.Pages) == 0 {
		return nil, fmt.Errorf("%w: form has no pages", ErrInvalidRequest)
	}
	report, err := Lint(f, s.reg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if !report.OK() {
		return report, fmt.Errorf("%w: %d expression(s) do not compile", ErrInvalidRequest, len(report.Issues))
	}
	if err := s.forms.Save(ctx, f); err != nil {
		return nil, err
	}
	return report, nil
}

// ============================================================================
// Session lifecycle
// ============================================================================

// CreateRequest opens a session. Form takes precedence over FormUUID.
type CreateRequest struct {
	FormUUID      string     `json:"formUuid"`
	Form          *form.Form `json:"form,omitempty"`
	Patient       string     `json:"patient"`
	EncounterUUID string     `json:"encounterUuid,omitempty"`
	Mode          string     `json:"mode"`
	Visit         string     `json:"visit,omitempty"`
}

// Create loads the schema and the record, runs the binding pass and opens a
// session. Provider and location default from the caller's identity.
func (s *Service) Create(ctx context.Context, req *CreateRequest) (*State, error) {
	mode, err := form.ParseMode(req.Mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.Patient == "" {
		return nil, fmt.Errorf("%w: patient is required", ErrInvalidRequest)
	}
	if mode != form.ModeEnter && req.EncounterUUID == "" {
		return nil, fmt.Errorf("%w: encounterUuid is required in %s mode", ErrInvalidRequest, mode)
	}

	schema := req.Form
	if schema == nil {
		if req.FormUUID == "" {
			return nil, fmt.Errorf("%w: form or formUuid is required", ErrInvalidRequest)
		}
		if schema, err = s.forms.Get(ctx, req.FormUUID); err != nil {
			return nil, err
		}
	}

	patient, err := s.records.GetPatient(ctx, req.Patient)
	if err != nil {
		return nil, err
	}

	now := s.now()
	sessionDate := now
	var rec *encounter.Encounter
	if req.EncounterUUID != "" {
		if rec, err = s.records.GetEncounter(ctx, req.EncounterUUID); err != nil {
			return nil, err
		}
		if rec.Patient != "" && rec.Patient != patient.UUID {
			return nil, fmt.Errorf("%w: encounter %s belongs to another patient", ErrInvalidRequest, rec.UUID)
		}
		if rec.EncounterDatetime != nil {
			sessionDate = *rec.EncounterDatetime
		}
	}

	var previous *encounter.Encounter
	if schema.EncounterType != "" {
		previous, err = s.records.PreviousEncounter(ctx, patient.UUID, schema.EncounterType, sessionDate)
		if err != nil {
			if !errors.Is(err, encounter.ErrNotFound) {
				s.logger.Warn().Err(err).Str("patient", patient.UUID).Msg("previous encounter unavailable")
			}
			previous = nil
		}
	}

	fields, err := form.Flatten(schema, s.reg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	c := &form.Context{
		Mode:        mode,
		Form:        schema,
		Patient:     patient,
		Encounter:   rec,
		Previous:    previous,
		SessionDate: sessionDate,
		Location:    auth.LocationFromContext(ctx),
		Provider:    auth.ProviderFromContext(ctx),
		Programs:    s.records,
	}
	if req.Visit != "" {
		c.Visit = &encounter.Visit{UUID: req.Visit}
	}
	c.SetFields(fields)

	logger := s.logger.With().Str("form", schema.UUID).Str("patient", patient.UUID).Logger()
	b := &binder{c: c, logger: logger, concurrency: s.opts.BindingConcurrency}
	if err := b.run(ctx); err != nil {
		return nil, err
	}
	engine, report, err := newEngine(ctx, c, logger, s.opts.BindingConcurrency, s.now)
	if err != nil {
		return nil, err
	}

	sess := &Session{ID: uuid.New().String(), CreatedAt: now, ctx: c, engine: engine, report: report}
	sess.touch(now)

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	s.opts.Metrics.SessionOpened(string(mode))

	logger.Info().Str("session", sess.ID).Str("mode", string(mode)).Int("fields", len(c.Fields())).
		Msg("form session opened")
	return sess.state(), nil
}

func (s *Service) lookup(id string) (*Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// with runs fn while holding the session lock, after checking that the
// session is still open.
func (s *Service) with(id string, fn func(*Session) error) error {
	sess, err := s.lookup(id)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	now := s.now()
	if sess.expired(now, s.opts.SessionTTL) {
		s.closeLocked(sess, closeExpired)
		return fmt.Errorf("%w: %s", ErrSessionExpired, id)
	}
	sess.touch(now)
	return fn(sess)
}

const (
	closeSubmitted = "submitted"
	closeDiscarded = "discarded"
	closeExpired   = "expired"
)

// closeLocked tears the session down. The caller holds sess.mu.
func (s *Service) closeLocked(sess *Session, reason string) {
	if sess.closed {
		return
	}
	adapters.TearDown(s.reg, sess.ctx)
	sess.closed = true
	s.mu.Lock()
	delete(s.sessions, sess.ID)
	s.mu.Unlock()
	s.opts.Metrics.SessionClosed(reason)
}

func (s *Service) Get(ctx context.Context, id string) (*State, error) {
	var st *State
	err := s.with(id, func(sess *Session) error {
		st = sess.state()
		return nil
	})
	return st, err
}

// Change commits value to a field and returns everything the change
// re-evaluated.
func (s *Service) Change(ctx context.Context, id, fieldID string, value interface{}) (*ChangeResult, error) {
	var out *ChangeResult
	err := s.with(id, func(sess *Session) error {
		start := time.Now()
		ch, err := sess.engine.SetValue(ctx, fieldID, value)
		if err != nil {
			return err
		}
		s.opts.Metrics.FieldChanged(time.Since(start))
		out = sess.changeResult(ch)
		return nil
	})
	return out, err
}

// AddRepeat appends an instance to a repeating group and returns the new
// fields.
func (s *Service) AddRepeat(ctx context.Context, id, fieldID string) (*ChangeResult, error) {
	var out *ChangeResult
	err := s.with(id, func(sess *Session) error {
		if sess.ctx.Mode.ReadOnly() {
			return fmt.Errorf("%w: %s", logic.ErrReadOnly, fieldID)
		}
		clones, err := repeat.Add(sess.ctx, fieldID)
		if err != nil {
			return err
		}
		sess.engine.Register(clones)
		ch := &logic.Change{}
		for _, f := range clones {
			ch.Fields = append(ch.Fields, f.ID)
		}
		out = sess.changeResult(ch)
		return nil
	})
	return out, err
}

// ChangeSet assembles the payload the session would submit now.
func (s *Service) ChangeSet(ctx context.Context, id string) (*encounter.Payload, error) {
	var p *encounter.Payload
	err := s.with(id, func(sess *Session) error {
		var err error
		p, err = s.assembler.Assemble(sess.ctx)
		return err
	})
	return p, err
}

// SubmitResult is a successful submission.
type SubmitResult struct {
	Encounter *encounter.Encounter               `json:"encounter"`
	Warnings  map[string][]form.ValidationResult `json:"warnings,omitempty"`
}

// Submit validates every field, assembles the change-set and hands it to
// the record store under a per-attempt deadline. Failures leave the session
// open so the caller can fix the form or retry; success closes it.
func (s *Service) Submit(ctx context.Context, id string) (*SubmitResult, error) {
	var out *SubmitResult
	err := s.with(id, func(sess *Session) error {
		if sess.ctx.Mode.ReadOnly() {
			return fmt.Errorf("%w: session is %s", logic.ErrReadOnly, sess.ctx.Mode)
		}
		if !sess.engine.ValidateAll() {
			verr := &ValidationError{Fields: make(map[string][]form.ValidationResult)}
			for _, f := range sess.ctx.Fields() {
				if errs := f.Meta.Submission.Errors; len(errs) > 0 {
					verr.Fields[f.ID] = errs
				}
			}
			s.opts.Metrics.Submitted(submitInvalid, 0)
			return verr
		}

		p, err := s.assembler.Assemble(sess.ctx)
		if err != nil {
			return err
		}

		attempt, cancel := context.WithTimeout(ctx, s.opts.SubmitTimeout)
		defer cancel()
		start := time.Now()
		rec, err := s.store.Submit(attempt, p)
		if err != nil {
			s.opts.Metrics.Submitted(submitFailed, time.Since(start))
			s.logger.Warn().Err(err).Str("session", sess.ID).Msg("submission failed")
			return err
		}
		s.opts.Metrics.Submitted(submitOK, time.Since(start))

		res := &SubmitResult{Encounter: rec}
		for _, f := range sess.ctx.Fields() {
			if w := f.Meta.Submission.Warnings; len(w) > 0 {
				if res.Warnings == nil {
					res.Warnings = make(map[string][]form.ValidationResult)
				}
				res.Warnings[f.ID] = w
			}
		}
		s.logger.Info().Str("session", sess.ID).Str("encounter", rec.UUID).
			Int("obs", len(p.Obs)).Int("orders", len(p.Orders)).Msg("form submitted")
		s.closeLocked(sess, closeSubmitted)
		out = res
		return nil
	})
	return out, err
}

// Close tears a session down.
func (s *Service) Close(ctx context.Context, id string) error {
	sess, err := s.lookup(id)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	s.closeLocked(sess, closeDiscarded)
	s.logger.Info().Str("session", id).Msg("form session closed")
	return nil
}

// Len returns the number of open sessions.
func (s *Service) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sweep closes every session idle for longer than SessionTTL and returns
// how many were closed.
func (s *Service) Sweep() int {
	now := s.now()
	s.mu.RLock()
	candidates := make([]*Session, 0)
	for _, sess := range s.sessions {
		candidates = append(candidates, sess)
	}
	s.mu.RUnlock()

	closed := 0
	for _, sess := range candidates {
		sess.mu.Lock()
		if !sess.closed && sess.expired(now, s.opts.SessionTTL) {
			s.closeLocked(sess, closeExpired)
			closed++
		}
		sess.mu.Unlock()
	}
	if closed > 0 {
		s.logger.Info().Int("closed", closed).Msg("expired form sessions swept")
	}
	return closed
}

// Run sweeps expired sessions until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	interval := s.opts.SessionTTL / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep()
		}
	}
}
