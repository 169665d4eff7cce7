package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/formengine/internal/domain/form"
	"github.com/ehr/formengine/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type formRepoPG struct{ pool *pgxpool.Pool }

func NewFormRepoPG(pool *pgxpool.Pool) FormRepository {
	return &formRepoPG{pool: pool}
}

func (r *formRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *formRepoPG) Get(ctx context.Context, id string) (*form.Form, error) {
	var doc []byte
	err := r.conn(ctx).QueryRow(ctx, `SELECT document FROM form_schema WHERE uuid = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrFormNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get form %s: %w", id, err)
	}
	var f form.Form
	if err := json.Unmarshal(doc, &f); err != nil {
		return nil, fmt.Errorf("decode form %s: %w", id, err)
	}
	return &f, nil
}

func (r *formRepoPG) List(ctx context.Context, limit, offset int) ([]*FormSummary, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM form_schema`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT uuid, name, version, COALESCE(encounter_type, ''), published
		FROM form_schema ORDER BY name, version DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*FormSummary
	for rows.Next() {
		var s FormSummary
		if err := rows.Scan(&s.UUID, &s.Name, &s.Version, &s.EncounterType, &s.Published); err != nil {
			return nil, 0, err
		}
		items = append(items, &s)
	}
	return items, total, rows.Err()
}

func (r *formRepoPG) Save(ctx context.Context, f *form.Form) error {
	if f.UUID == "" {
		f.UUID = uuid.New().String()
	}
	if f.Version == "" {
		f.Version = "1"
	}
	doc, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode form %s: %w", f.UUID, err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO form_schema (uuid, name, version, encounter_type, published, document)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)
		ON CONFLICT (uuid) DO UPDATE SET
			name = EXCLUDED.name, version = EXCLUDED.version,
			encounter_type = EXCLUDED.encounter_type, published = EXCLUDED.published,
			document = EXCLUDED.document, updated_at = NOW()`,
		f.UUID, f.Name, f.Version, f.EncounterType, f.Published, doc)
	return err
}
