package consultation

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a consultation.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusCompleted Status = "completed"
)

// Consultation maps to the consultation table. Each section is stored as
// one JSON document inside the sections column.
type Consultation struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	PatientID   uuid.UUID  `db:"patient_id" json:"patient_id"`
	Status      Status     `db:"status" json:"status"`
	Sections    Sections   `db:"sections" json:"sections"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// IsCompleted reports whether the consultation has been finalized.
func (c *Consultation) IsCompleted() bool { return c.Status == StatusCompleted }

// WriteOutcome tells the caller whether a section save created the
// consultation or updated an existing one.
type WriteOutcome string

const (
	OutcomeCreated WriteOutcome = "created"
	OutcomeUpdated WriteOutcome = "updated"
)

// WriteResult is returned by a section save. On OutcomeCreated the caller
// must capture ConsultationID and pass it to every later save.
type WriteResult struct {
	Outcome        WriteOutcome `json:"outcome"`
	ConsultationID uuid.UUID    `json:"consultation_id"`
}

// SectionView is the presentation of one section with its derived status.
type SectionView struct {
	ID       SectionID       `json:"id"`
	Label    string          `json:"label"`
	Overview bool            `json:"overview"`
	Status   SectionStatus   `json:"status"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// View is a consultation with every section's derived status.
type View struct {
	ID        uuid.UUID     `json:"id"`
	PatientID uuid.UUID     `json:"patient_id"`
	Status    Status        `json:"status"`
	Sections  []SectionView `json:"sections"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// BuildSectionViews classifies every known section in descriptor order.
// Statuses are computed on every call and never stored.
func BuildSectionViews(sections Sections) []SectionView {
	out := make([]SectionView, 0, len(descriptors))
	for _, d := range descriptors {
		sv := SectionView{ID: d.ID, Label: d.Label, Overview: d.Overview, Status: SectionEmpty}
		if p, ok := sections[d.ID]; ok && p != nil {
			sv.Status = Classify(d.ID, p)
			if raw, err := EncodePayload(p); err == nil {
				sv.Payload = raw
			}
		}
		out = append(out, sv)
	}
	return out
}

// NewView builds the presentation of c.
func NewView(c *Consultation) View {
	return View{
		ID:        c.ID,
		PatientID: c.PatientID,
		Status:    c.Status,
		Sections:  BuildSectionViews(c.Sections),
		UpdatedAt: c.UpdatedAt,
	}
}
