package encounter

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Repository is the local clinical record store read by the binding pass and
// written when no remote record store is configured.
type Repository interface {
	GetEncounter(ctx context.Context, uuid string) (*Encounter, error)
	// PreviousEncounter returns the patient's latest encounter of the given
	// type that started before the given time; used for previous-value
	// prompts.
	PreviousEncounter(ctx context.Context, patientUUID, encounterType string, before time.Time) (*Encounter, error)
	GetPatient(ctx context.Context, uuid string) (*Patient, error)
	ListPrograms(ctx context.Context, patientUUID string) ([]*PatientProgram, error)
	// ApplyChangeSet applies p atomically and returns the resulting encounter.
	ApplyChangeSet(ctx context.Context, p *Payload) (*Encounter, error)
}
