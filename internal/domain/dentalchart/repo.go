package dentalchart

import (
	"context"

	"github.com/google/uuid"
)

// ToothRecordRepository defines the data access interface for tooth rows.
type ToothRecordRepository interface {
	// Upsert inserts or updates the row for (patient, tooth, consultation),
	// assigning ID and UpdatedAt.
	Upsert(ctx context.Context, r *ToothRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*ToothRecord, error)
	// LatestPerTooth returns, for each tooth of the patient, the row with the
	// greatest update timestamp.
	LatestPerTooth(ctx context.Context, patientID uuid.UUID) ([]ToothRecord, error)
	History(ctx context.Context, patientID uuid.UUID, tooth Tooth, limit int) ([]ToothRecord, error)
}
