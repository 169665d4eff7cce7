package encounter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/formengine/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

// NewRepo returns a Postgres repository storing records as JSONB documents.
func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func scanDocument(row pgx.Row, dst interface{}) error {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return json.Unmarshal(doc, dst)
}

func (r *repoPG) GetEncounter(ctx context.Context, id string) (*Encounter, error) {
	var enc Encounter
	if err := scanDocument(r.conn(ctx).QueryRow(ctx,
		`SELECT document FROM encounter_record WHERE uuid = $1`, id), &enc); err != nil {
		return nil, fmt.Errorf("get encounter %s: %w", id, err)
	}
	return &enc, nil
}

func (r *repoPG) PreviousEncounter(ctx context.Context, patientUUID, encounterType string, before time.Time) (*Encounter, error) {
	var enc Encounter
	err := scanDocument(r.conn(ctx).QueryRow(ctx, `
		SELECT document FROM encounter_record
		WHERE patient_uuid = $1 AND encounter_type = $2 AND encounter_datetime < $3
		ORDER BY encounter_datetime DESC
		LIMIT 1`, patientUUID, encounterType, before), &enc)
	if err != nil {
		return nil, fmt.Errorf("previous encounter for %s: %w", patientUUID, err)
	}
	return &enc, nil
}

func (r *repoPG) GetPatient(ctx context.Context, id string) (*Patient, error) {
	var p Patient
	if err := scanDocument(r.conn(ctx).QueryRow(ctx,
		`SELECT document FROM patient_record WHERE uuid = $1`, id), &p); err != nil {
		return nil, fmt.Errorf("get patient %s: %w", id, err)
	}
	return &p, nil
}

func (r *repoPG) ListPrograms(ctx context.Context, patientUUID string) ([]*PatientProgram, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT document FROM patient_program WHERE patient_uuid = $1 ORDER BY updated_at`, patientUUID)
	if err != nil {
		return nil, fmt.Errorf("list programs: %w", err)
	}
	defer rows.Close()

	var programs []*PatientProgram
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var p PatientProgram
		if err := json.Unmarshal(doc, &p); err != nil {
			return nil, fmt.Errorf("decode program: %w", err)
		}
		programs = append(programs, &p)
	}
	return programs, rows.Err()
}

func (r *repoPG) ApplyChangeSet(ctx context.Context, p *Payload) (*Encounter, error) {
	if p.Patient == "" {
		return nil, fmt.Errorf("change-set has no patient")
	}
	newID := uuid.NewString

	var result *Encounter
	err := db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		enc := &Encounter{}
		if p.UUID != "" {
			var err error
			enc, err = r.lockEncounter(ctx, p.UUID)
			if err != nil {
				return err
			}
		}
		enc.Apply(p, newID)
		if err := r.saveEncounter(ctx, enc); err != nil {
			return err
		}

		if len(p.Identifiers) > 0 || len(p.Attributes) > 0 {
			patient, err := r.GetPatient(ctx, p.Patient)
			if errors.Is(err, ErrNotFound) {
				patient, err = &Patient{UUID: p.Patient}, nil
			}
			if err != nil {
				return err
			}
			patient.ApplyIdentifiers(p.Identifiers, newID)
			patient.ApplyAttributes(p.Attributes, newID)
			if err := r.savePatient(ctx, patient); err != nil {
				return err
			}
		}

		if len(p.Programs) > 0 {
			programs, err := r.ListPrograms(ctx, p.Patient)
			if err != nil {
				return err
			}
			for _, frag := range p.Programs {
				var changed *PatientProgram
				programs, changed = MergeProgram(programs, frag, newID)
				if changed.Patient == "" {
					changed.Patient = p.Patient
				}
				if err := r.saveProgram(ctx, changed); err != nil {
					return err
				}
			}
		}

		result = enc
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("apply change-set: %w", err)
	}
	return result, nil
}

func (r *repoPG) lockEncounter(ctx context.Context, id string) (*Encounter, error) {
	var enc Encounter
	if err := scanDocument(r.conn(ctx).QueryRow(ctx,
		`SELECT document FROM encounter_record WHERE uuid = $1 FOR UPDATE`, id), &enc); err != nil {
		return nil, fmt.Errorf("lock encounter %s: %w", id, err)
	}
	return &enc, nil
}

func (r *repoPG) saveEncounter(ctx context.Context, enc *Encounter) error {
	doc, err := json.Marshal(enc)
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO encounter_record (uuid, patient_uuid, encounter_type, form_uuid, encounter_datetime, document)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (uuid) DO UPDATE SET
			encounter_type = EXCLUDED.encounter_type,
			encounter_datetime = EXCLUDED.encounter_datetime,
			document = EXCLUDED.document,
			updated_at = NOW()`,
		enc.UUID, enc.Patient, enc.EncounterType, enc.Form, enc.EncounterDatetime, doc)
	return err
}

func (r *repoPG) savePatient(ctx context.Context, p *Patient) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO patient_record (uuid, document) VALUES ($1,$2)
		ON CONFLICT (uuid) DO UPDATE SET document = EXCLUDED.document, updated_at = NOW()`,
		p.UUID, doc)
	return err
}

func (r *repoPG) saveProgram(ctx context.Context, p *PatientProgram) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO patient_program (uuid, patient_uuid, program, document) VALUES ($1,$2,$3,$4)
		ON CONFLICT (uuid) DO UPDATE SET document = EXCLUDED.document, updated_at = NOW()`,
		p.UUID, p.Patient, p.Program, doc)
	return err
}
