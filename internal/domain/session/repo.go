package session

import (
	"context"
	"errors"

	"github.com/ehr/formengine/internal/domain/form"
)

// ErrFormNotFound is returned when no schema with the requested uuid exists.
var ErrFormNotFound = errors.New("form not found")

// FormSummary is a row of the schema listing.
type FormSummary struct {
	UUID          string `json:"uuid"`
	Name          string `json:"name"`
	Version       string `json:"version"`
	EncounterType string `json:"encounterType,omitempty"`
	Published     bool   `json:"published"`
}

// FormRepository stores form schemas.
type FormRepository interface {
	Get(ctx context.Context, uuid string) (*form.Form, error)
	List(ctx context.Context, limit, offset int) ([]*FormSummary, int, error)
	// Save inserts f or replaces the stored schema with the same uuid.
	Save(ctx context.Context, f *form.Form) error
}
