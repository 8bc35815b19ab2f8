package dentalchart

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/dentalchart/internal/platform/db"
)

// ErrNotFound is returned when a tooth row does not exist.
var ErrNotFound = errors.New("tooth record not found")

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type toothRepoPG struct{ pool *pgxpool.Pool }

// NewToothRecordRepoPG creates a PostgreSQL-backed tooth record repository.
func NewToothRecordRepoPG(pool *pgxpool.Pool) ToothRecordRepository {
	return &toothRepoPG{pool: pool}
}

func (r *toothRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const toothCols = `id, patient_id, consultation_id, tooth_number, status, diagnoses,
	treatments, priority, notes, examination_date, updated_at`

func scanTooth(row pgx.Row) (*ToothRecord, error) {
	var (
		r        ToothRecord
		tooth    int
		status   string
		priority string
	)
	err := row.Scan(&r.ID, &r.PatientID, &r.ConsultationID, &tooth, &status,
		&r.Diagnoses, &r.Treatments, &priority, &r.Notes, &r.ExaminationDate, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r.Tooth = Tooth(tooth)
	r.Status = Status(status)
	r.Priority = Priority(priority)
	r.Color = r.Status.Color()
	r.Origin = OriginPersisted
	return &r, nil
}

func (r *toothRepoPG) Upsert(ctx context.Context, rec *ToothRecord) error {
	if rec.Diagnoses == nil {
		rec.Diagnoses = []string{}
	}
	if rec.Treatments == nil {
		rec.Treatments = []string{}
	}
	row := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO tooth_record (id, patient_id, consultation_id, tooth_number, status,
			diagnoses, treatments, priority, notes, examination_date)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (patient_id, tooth_number, consultation_id) DO UPDATE SET
			status = EXCLUDED.status,
			diagnoses = EXCLUDED.diagnoses,
			treatments = EXCLUDED.treatments,
			priority = EXCLUDED.priority,
			notes = EXCLUDED.notes,
			examination_date = EXCLUDED.examination_date,
			updated_at = clock_timestamp()
		RETURNING id, updated_at`,
		uuid.New(), rec.PatientID, rec.ConsultationID, int(rec.Tooth), string(rec.Status),
		rec.Diagnoses, rec.Treatments, string(rec.Priority), rec.Notes, rec.ExaminationDate)
	if err := row.Scan(&rec.ID, &rec.UpdatedAt); err != nil {
		return fmt.Errorf("upsert tooth %d: %w", rec.Tooth, err)
	}
	return nil
}

func (r *toothRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*ToothRecord, error) {
	return scanTooth(r.conn(ctx).QueryRow(ctx, `SELECT `+toothCols+` FROM tooth_record WHERE id = $1`, id))
}

func (r *toothRepoPG) LatestPerTooth(ctx context.Context, patientID uuid.UUID) ([]ToothRecord, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT DISTINCT ON (tooth_number) `+toothCols+`
		FROM tooth_record
		WHERE patient_id = $1
		ORDER BY tooth_number, updated_at DESC, id`, patientID)
	if err != nil {
		return nil, fmt.Errorf("query latest tooth rows: %w", err)
	}
	defer rows.Close()
	var items []ToothRecord
	for rows.Next() {
		rec, err := scanTooth(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *rec)
	}
	return items, rows.Err()
}

func (r *toothRepoPG) History(ctx context.Context, patientID uuid.UUID, tooth Tooth, limit int) ([]ToothRecord, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+toothCols+` FROM tooth_record
		WHERE patient_id = $1 AND tooth_number = $2
		ORDER BY updated_at DESC LIMIT $3`, patientID, int(tooth), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []ToothRecord
	for rows.Next() {
		rec, err := scanTooth(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *rec)
	}
	return items, rows.Err()
}
