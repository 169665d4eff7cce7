package session

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/formengine/internal/domain/encounter"
	"github.com/ehr/formengine/internal/domain/form"
	"github.com/ehr/formengine/internal/domain/logic"
	"github.com/ehr/formengine/internal/domain/repeat"
	"github.com/ehr/formengine/internal/platform/expr"
)

// binder runs the binding pass of one session: remote data is prefetched
// concurrently, then every field is bound to the record in document order.
// Claims are only taken inside InitialValue, so binding itself stays
// sequential.
type binder struct {
	c           *form.Context
	logger      zerolog.Logger
	concurrency int
}

func (b *binder) prefetch(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if b.concurrency > 0 {
		g.SetLimit(b.concurrency)
	}
	for _, f := range b.c.Fields() {
		p, ok := f.Adapter.(form.Prefetcher)
		if !ok {
			continue
		}
		f := f
		g.Go(func() error {
			if err := p.Prefetch(gctx, f, b.c); err != nil {
				b.logger.Warn().Err(err).Str("field_id", f.ID).Str("field_type", string(f.Kind)).
					Msg("prefetch failed")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// bind sets f's value from the record being edited and its previous value
// from the previous episode. Errors leave the field empty.
func (b *binder) bind(f *form.Field) {
	if f.Adapter == nil {
		return
	}
	v, err := f.Adapter.InitialValue(f, b.c.Encounter, b.c)
	if err != nil {
		b.logger.Warn().Err(err).Str("field_id", f.ID).Str("field_type", string(f.Kind)).
			Msg("binding failed")
		v = nil
	}
	f.Value = v

	if b.c.Previous == nil {
		return
	}
	prev, err := f.Adapter.PreviousValue(f, b.c.Previous, b.c)
	if err != nil {
		b.logger.Warn().Err(err).Str("field_id", f.ID).Str("field_type", string(f.Kind)).
			Msg("previous value failed")
		return
	}
	f.Meta.PreviousValue = prev
}

// applyDefault seeds an unbound field with its schema default and stages it
// for submission.
func (b *binder) applyDefault(f *form.Field) {
	def := f.Question.Default
	if def == nil || f.Adapter == nil || f.Meta.Bound || !expr.IsEmpty(f.Value) {
		return
	}
	f.Value = def
	if _, err := f.Adapter.Transform(f, def, b.c); err != nil {
		b.logger.Warn().Err(err).Str("field_id", f.ID).Str("field_type", string(f.Kind)).
			Msg("default value rejected")
		f.Value = nil
	}
}

// run binds every field, hydrates the repeat instances found in the record
// and applies defaults in enter mode.
func (b *binder) run(ctx context.Context) error {
	if err := b.prefetch(ctx); err != nil {
		return fmt.Errorf("prefetch: %w", err)
	}

	fields := append([]*form.Field(nil), b.c.Fields()...)
	for _, f := range fields {
		b.bind(f)
	}
	for _, f := range fields {
		if !f.IsRepeating() || f.CloneOf != "" {
			continue
		}
		added, err := repeat.Hydrate(b.c, f, b.bind)
		if err != nil {
			b.logger.Warn().Err(err).Str("field_id", f.ID).Msg("repeat hydration stopped")
		}
		if len(added) > 0 {
			b.logger.Debug().Str("field_id", f.ID).Int("fields", len(added)).Msg("repeat instances restored")
		}
	}

	if b.c.Mode == form.ModeEnter {
		for _, f := range b.c.Fields() {
			b.applyDefault(f)
		}
	}
	return nil
}

// ----------------------------------------------------------------------------
// Session-scoped expression helpers
// ----------------------------------------------------------------------------

// latestObsFunc implements api.getLatestObs(concept): the most recent value
// recorded for concept in the record being edited or the previous episode.
// The result is the obs value, with coded values reduced to their uuid.
func latestObsFunc(c *form.Context) expr.AsyncFunc {
	return func(ctx context.Context, _ *expr.Env, args []interface{}) (interface{}, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(args) < 1 {
			return nil, fmt.Errorf("api.getLatestObs: concept argument required")
		}
		concept, _ := args[0].(string)
		if concept == "" {
			return nil, nil
		}
		var latest *encounter.Obs
		var latestAt time.Time
		for _, rec := range []*encounter.Encounter{c.Encounter, c.Previous} {
			if rec == nil {
				continue
			}
			at := time.Time{}
			if rec.EncounterDatetime != nil {
				at = *rec.EncounterDatetime
			}
			for _, o := range flattenObs(rec.Obs) {
				if o.Voided || o.Concept != concept || o.Value == nil {
					continue
				}
				when := at
				if o.ObsDatetime != nil {
					when = *o.ObsDatetime
				}
				if latest == nil || when.After(latestAt) {
					latest, latestAt = o, when
				}
			}
		}
		if latest == nil {
			return nil, nil
		}
		if coded, ok := latest.Value.(encounter.Concept); ok {
			return coded.UUID, nil
		}
		return latest.Value, nil
	}
}

func flattenObs(tree []*encounter.Obs) []*encounter.Obs {
	var out []*encounter.Obs
	for _, o := range tree {
		out = append(out, o)
		out = append(out, flattenObs(o.GroupMembers)...)
	}
	return out
}

// newEngine builds the logic engine of a bound session and computes the
// initial derived state.
func newEngine(ctx context.Context, c *form.Context, logger zerolog.Logger, concurrency int, now func() time.Time) (*logic.Engine, *logic.CalcReport, error) {
	e := logic.NewEngine(c, logger,
		logic.WithAsyncFuncs(map[string]expr.AsyncFunc{"api.getLatestObs": latestObsFunc(c)}),
		logic.WithConcurrency(concurrency),
		logic.WithClock(now),
	)
	e.EvaluateAll()
	report, err := e.InitializeCalculatedValues(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("calculated values: %w", err)
	}
	e.EvaluateAll()
	return e, report, nil
}
