package consultation

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound  = errors.New("consultation not found")
	ErrCompleted = errors.New("consultation is completed")
)

type ConsultationRepository interface {
	Create(ctx context.Context, c *Consultation) error
	GetByID(ctx context.Context, id uuid.UUID) (*Consultation, error)
	// UpdateSection replaces one section document of a draft consultation.
	UpdateSection(ctx context.Context, id uuid.UUID, section SectionID, raw json.RawMessage) error
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Consultation, int, error)
	LatestDraft(ctx context.Context, patientID uuid.UUID) (*Consultation, error)
	Complete(ctx context.Context, id uuid.UUID) (*Consultation, error)
}
