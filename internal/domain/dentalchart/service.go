package dentalchart

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/dentalchart/internal/platform/realtime"
)

// Service provides the tooth-record operations used by chart sessions.
type Service struct {
	repo      ToothRecordRepository
	publisher realtime.Publisher
	logger    zerolog.Logger
}

// NewService creates a new tooth record service. publisher may be nil when
// the store emits its own change notifications.
func NewService(repo ToothRecordRepository, publisher realtime.Publisher, logger zerolog.Logger) *Service {
	if publisher == nil {
		publisher = realtime.NopPublisher{}
	}
	return &Service{
		repo:      repo,
		publisher: publisher,
		logger:    logger.With().Str("component", "dentalchart").Logger(),
	}
}

// SaveTooth validates and persists a tooth record. On success rec carries
// its persisted identity and origin.
func (s *Service) SaveTooth(ctx context.Context, rec *ToothRecord) error {
	if rec.PatientID == uuid.Nil {
		return fmt.Errorf("patient_id is required")
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	if err := s.repo.Upsert(ctx, rec); err != nil {
		return err
	}
	rec.Origin = OriginPersisted
	rec.Color = rec.Status.Color()

	change := realtime.Change{
		Table:     realtime.TableToothRecords,
		Op:        realtime.OpUpdate,
		PatientID: rec.PatientID.String(),
		At:        time.Now().UTC(),
	}
	if err := s.publisher.PublishChange(ctx, change); err != nil {
		// The write already succeeded; the next reload picks it up anyway.
		s.logger.Warn().Err(err).Str("patient_id", change.PatientID).Msg("publish tooth change failed")
	}
	return nil
}

// LatestPerTooth returns the canonical latest row for each of the patient's teeth.
func (s *Service) LatestPerTooth(ctx context.Context, patientID uuid.UUID) ([]ToothRecord, error) {
	return s.repo.LatestPerTooth(ctx, patientID)
}

// History returns the stored rows for one tooth, newest first.
func (s *Service) History(ctx context.Context, patientID uuid.UUID, tooth Tooth, limit int) ([]ToothRecord, error) {
	if !tooth.Valid() {
		return nil, fmt.Errorf("invalid tooth identifier %d", tooth)
	}
	if limit <= 0 {
		limit = 20
	}
	return s.repo.History(ctx, patientID, tooth, limit)
}
