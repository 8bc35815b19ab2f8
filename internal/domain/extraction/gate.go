package extraction

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/dentalchart/internal/domain/consultation"
	"github.com/ehr/dentalchart/internal/domain/dentalchart"
)

// DefaultMinConfidence is the lowest confidence accepted by default.
const DefaultMinConfidence = 60

var (
	ErrLowConfidence     = errors.New("extraction confidence below threshold")
	ErrInvalidConfidence = errors.New("extraction confidence out of range")
)

// Gate decides whether an extraction payload may be applied and splits an
// accepted payload into section payloads and voice-pending overlays. A
// payload is accepted or rejected as a whole.
type Gate struct {
	MinConfidence int
	// NoEvidencePenalty is subtracted from suggestions that carry no evidence.
	NoEvidencePenalty int
}

func NewGate(minConfidence int) *Gate {
	if minConfidence <= 0 || minConfidence > 100 {
		minConfidence = DefaultMinConfidence
	}
	return &Gate{MinConfidence: minConfidence, NoEvidencePenalty: DefaultNoEvidencePenalty}
}

// Distribute validates p for patientID. Any invalid part rejects the whole
// payload and nothing is returned.
func (g *Gate) Distribute(p Payload, patientID uuid.UUID, now time.Time) (Distribution, error) {
	if p.Confidence < 0 || p.Confidence > 100 {
		return Distribution{}, fmt.Errorf("%w: %d", ErrInvalidConfidence, p.Confidence)
	}
	if p.Confidence < g.MinConfidence {
		return Distribution{}, fmt.Errorf("%w: %d < %d", ErrLowConfidence, p.Confidence, g.MinConfidence)
	}

	var d Distribution
	ids := make([]consultation.SectionID, 0, len(p.Sections))
	for id := range p.Sections {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		desc, ok := consultation.Describe(id)
		if !ok {
			return Distribution{}, fmt.Errorf("%w: %q", consultation.ErrUnknownSection, id)
		}
		if desc.Overview {
			return Distribution{}, fmt.Errorf("%w: %s", consultation.ErrReadOnlySection, id)
		}
		payload, err := consultation.DecodePayload(id, p.Sections[id])
		if err != nil {
			return Distribution{}, err
		}
		d.Sections = append(d.Sections, payload)
	}

	for _, f := range p.Teeth {
		rec := dentalchart.ToothRecord{
			PatientID:  patientID,
			Tooth:      dentalchart.Tooth(f.Tooth),
			Status:     dentalchart.Status(f.Status),
			Diagnoses:  append([]string(nil), f.Diagnoses...),
			Treatments: append([]string(nil), f.Treatments...),
			Priority:   dentalchart.Priority(f.Priority),
			Notes:      f.Notes,
		}
		if err := rec.Validate(); err != nil {
			return Distribution{}, fmt.Errorf("tooth finding %d: %w", f.Tooth, err)
		}
		rec.Origin = dentalchart.OriginVoicePending
		rec.Color = rec.Status.Color()
		d.Overlays = append(d.Overlays, dentalchart.Overlay{
			Kind:      dentalchart.OriginVoicePending,
			Record:    rec,
			CreatedAt: now,
		})
	}
	d.Suggestions = scoreSuggestions(p.Suggestions, g.NoEvidencePenalty)
	return d, nil
}
