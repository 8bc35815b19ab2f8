package consultation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/dentalchart/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type consultationRepoPG struct{ pool *pgxpool.Pool }

func NewConsultationRepoPG(pool *pgxpool.Pool) ConsultationRepository {
	return &consultationRepoPG{pool: pool}
}

func (r *consultationRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const consultationCols = `id, patient_id, status, sections, created_at, updated_at, completed_at`

func (r *consultationRepoPG) scanRow(row pgx.Row) (*Consultation, error) {
	var (
		c      Consultation
		status string
		raw    []byte
	)
	err := row.Scan(&c.ID, &c.PatientID, &status, &raw, &c.CreatedAt, &c.UpdatedAt, &c.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.Status = Status(status)
	c.Sections = Sections{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &c.Sections); err != nil {
			return nil, fmt.Errorf("decode sections of consultation %s: %w", c.ID, err)
		}
	}
	return &c, nil
}

func (r *consultationRepoPG) Create(ctx context.Context, c *Consultation) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = StatusDraft
	}
	if c.Sections == nil {
		c.Sections = Sections{}
	}
	raw, err := json.Marshal(c.Sections)
	if err != nil {
		return err
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO consultation (id, patient_id, status, sections)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`,
		c.ID, c.PatientID, string(c.Status), raw).Scan(&c.CreatedAt, &c.UpdatedAt)
}

func (r *consultationRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+consultationCols+` FROM consultation WHERE id = $1`, id))
}

func (r *consultationRepoPG) UpdateSection(ctx context.Context, id uuid.UUID, section SectionID, raw json.RawMessage) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE consultation
		SET sections = sections || jsonb_build_object($2::text, $3::jsonb), updated_at = NOW()
		WHERE id = $1 AND status = 'draft'`,
		id, string(section), []byte(raw))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrCompleted(ctx, id)
	}
	return nil
}

func (r *consultationRepoPG) missingOrCompleted(ctx context.Context, id uuid.UUID) error {
	var status string
	err := r.conn(ctx).QueryRow(ctx, `SELECT status FROM consultation WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrCompleted
}

func (r *consultationRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Consultation, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM consultation WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+consultationCols+` FROM consultation
		WHERE patient_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Consultation
	for rows.Next() {
		c, err := r.scanRow(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}

func (r *consultationRepoPG) LatestDraft(ctx context.Context, patientID uuid.UUID) (*Consultation, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+consultationCols+` FROM consultation
		WHERE patient_id = $1 AND status = 'draft'
		ORDER BY updated_at DESC LIMIT 1`, patientID))
}

func (r *consultationRepoPG) Complete(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	c, err := r.scanRow(r.conn(ctx).QueryRow(ctx, `
		UPDATE consultation SET status = 'completed', completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'draft'
		RETURNING `+consultationCols, id))
	if errors.Is(err, ErrNotFound) {
		return nil, r.missingOrCompleted(ctx, id)
	}
	return c, err
}
