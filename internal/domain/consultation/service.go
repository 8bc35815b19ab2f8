package consultation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNoActivePatient is returned when a save has no patient to attach to.
var ErrNoActivePatient = errors.New("no active patient")

// CompletionNotifier hands a finalized consultation to the follow-up workflow.
type CompletionNotifier interface {
	ConsultationCompleted(ctx context.Context, c *Consultation) error
}

type Service struct {
	repo     ConsultationRepository
	notifier CompletionNotifier
	logger   zerolog.Logger
}

func NewService(repo ConsultationRepository, logger zerolog.Logger) *Service {
	return &Service{repo: repo, logger: logger.With().Str("component", "consultation").Logger()}
}

// SetCompletionNotifier registers the downstream follow-up workflow.
func (s *Service) SetCompletionNotifier(n CompletionNotifier) { s.notifier = n }

// SaveSection persists one section. With a nil consultationID a new draft is
// created holding only this section and OutcomeCreated is returned with the
// new identity.
func (s *Service) SaveSection(ctx context.Context, patientID, consultationID uuid.UUID, p Payload) (WriteResult, error) {
	if patientID == uuid.Nil {
		return WriteResult{}, ErrNoActivePatient
	}
	if isNil(p) {
		return WriteResult{}, fmt.Errorf("section payload is required")
	}
	id := p.Section()
	d, ok := Describe(id)
	if !ok {
		return WriteResult{}, fmt.Errorf("%w: %q", ErrUnknownSection, id)
	}
	if d.Overview {
		return WriteResult{}, fmt.Errorf("%w: %s", ErrReadOnlySection, id)
	}

	if consultationID == uuid.Nil {
		c := &Consultation{
			PatientID: patientID,
			Status:    StatusDraft,
			Sections:  Sections{id: ClonePayload(p)},
		}
		if err := s.repo.Create(ctx, c); err != nil {
			return WriteResult{}, fmt.Errorf("create consultation: %w", err)
		}
		s.logger.Debug().Str("consultation_id", c.ID.String()).Str("section", string(id)).Msg("consultation created")
		return WriteResult{Outcome: OutcomeCreated, ConsultationID: c.ID}, nil
	}

	raw, err := EncodePayload(p)
	if err != nil {
		return WriteResult{}, err
	}
	if err := s.repo.UpdateSection(ctx, consultationID, id, raw); err != nil {
		return WriteResult{}, fmt.Errorf("update section %s: %w", id, err)
	}
	return WriteResult{Outcome: OutcomeUpdated, ConsultationID: consultationID}, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Consultation, int, error) {
	return s.repo.ListByPatient(ctx, patientID, limit, offset)
}

// ResumeDraft returns the patient's most recent draft, or nil when there is none.
func (s *Service) ResumeDraft(ctx context.Context, patientID uuid.UUID) (*Consultation, error) {
	c, err := s.repo.LatestDraft(ctx, patientID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return c, err
}

// Complete finalizes the consultation and notifies the follow-up workflow.
// A notification failure is logged; the consultation stays completed.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	c, err := s.repo.Complete(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.notifier != nil {
		if err := s.notifier.ConsultationCompleted(ctx, c); err != nil {
			s.logger.Error().Err(err).Str("consultation_id", id.String()).Msg("follow-up notification failed")
		}
	}
	return c, nil
}
