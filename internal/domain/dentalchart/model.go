package dentalchart

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Tooth is an FDI two-digit tooth identifier: quadrant 1-4, position 1-8.
type Tooth int

// ParseTooth parses and validates an FDI tooth identifier such as "16".
func ParseTooth(s string) (Tooth, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid tooth identifier %q", s)
	}
	t := Tooth(n)
	if !t.Valid() {
		return 0, fmt.Errorf("invalid tooth identifier %q: quadrant must be 1-4 and position 1-8", s)
	}
	return t, nil
}

// Valid reports whether t is a permanent-dentition FDI identifier.
func (t Tooth) Valid() bool {
	q, p := t.Quadrant(), t.Position()
	return q >= 1 && q <= 4 && p >= 1 && p <= 8
}

func (t Tooth) Quadrant() int { return int(t) / 10 }

func (t Tooth) Position() int { return int(t) % 10 }

func (t Tooth) String() string { return strconv.Itoa(int(t)) }

// AllTeeth returns the 32 permanent teeth in chart order.
func AllTeeth() []Tooth {
	out := make([]Tooth, 0, 32)
	for q := 1; q <= 4; q++ {
		for p := 1; p <= 8; p++ {
			out = append(out, Tooth(q*10+p))
		}
	}
	return out
}

// Status is the charted condition of a tooth.
type Status string

const (
	StatusHealthy          Status = "healthy"
	StatusCaries           Status = "caries"
	StatusFilled           Status = "filled"
	StatusCrown            Status = "crown"
	StatusMissing          Status = "missing"
	StatusAttention        Status = "attention"
	StatusRootCanal        Status = "root_canal"
	StatusExtractionNeeded Status = "extraction_needed"
	StatusImplant          Status = "implant"
)

var statusColors = map[Status]string{
	StatusHealthy:          "#22c55e",
	StatusCaries:           "#ef4444",
	StatusFilled:           "#3b82f6",
	StatusCrown:            "#a855f7",
	StatusMissing:          "#6b7280",
	StatusAttention:        "#f59e0b",
	StatusRootCanal:        "#ec4899",
	StatusExtractionNeeded: "#b91c1c",
	StatusImplant:          "#14b8a6",
}

func (s Status) Valid() bool {
	_, ok := statusColors[s]
	return ok
}

// Color returns the chart color code for s. Unknown statuses render grey.
func (s Status) Color() string {
	if c, ok := statusColors[s]; ok {
		return c
	}
	return "#9ca3af"
}

// Priority ranks how urgently a tooth needs treatment.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Origin labels which source currently governs a record's value.
type Origin string

const (
	OriginPersisted    Origin = "persisted"
	OriginRealtime     Origin = "realtime-refreshed"
	OriginVoicePending Origin = "voice-pending"
	OriginLocalEdit    Origin = "local-edit"
)

// ToothRecord maps to the tooth_record table. One row exists per
// (patient, tooth, consultation); the chart exposes one record per tooth.
type ToothRecord struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	PatientID       uuid.UUID  `db:"patient_id" json:"patient_id"`
	ConsultationID  *uuid.UUID `db:"consultation_id" json:"consultation_id,omitempty"`
	Tooth           Tooth      `db:"tooth_number" json:"tooth"`
	Status          Status     `db:"status" json:"status"`
	Diagnoses       []string   `db:"diagnoses" json:"diagnoses"`
	Treatments      []string   `db:"treatments" json:"treatments"`
	Priority        Priority   `db:"priority" json:"priority"`
	Notes           string     `db:"notes" json:"notes"`
	ExaminationDate *time.Time `db:"examination_date" json:"examination_date,omitempty"`
	Color           string     `json:"color"`
	Origin          Origin     `json:"origin"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// HasIdentity reports whether the record has been persisted.
func (r ToothRecord) HasIdentity() bool { return r.ID != uuid.Nil }

// Validate checks the fields a caller may set.
func (r *ToothRecord) Validate() error {
	if !r.Tooth.Valid() {
		return fmt.Errorf("invalid tooth identifier %d", r.Tooth)
	}
	if r.Status == "" {
		r.Status = StatusHealthy
	}
	if !r.Status.Valid() {
		return fmt.Errorf("invalid tooth status %q", r.Status)
	}
	if r.Priority == "" {
		r.Priority = PriorityLow
	}
	if !r.Priority.Valid() {
		return fmt.Errorf("invalid priority %q", r.Priority)
	}
	return nil
}

// Clone returns a deep copy so callers never share slices with the aggregate.
func (r ToothRecord) Clone() ToothRecord {
	out := r
	out.Diagnoses = append([]string(nil), r.Diagnoses...)
	out.Treatments = append([]string(nil), r.Treatments...)
	if r.ConsultationID != nil {
		id := *r.ConsultationID
		out.ConsultationID = &id
	}
	if r.ExaminationDate != nil {
		d := *r.ExaminationDate
		out.ExaminationDate = &d
	}
	return out
}

// Aggregate holds exactly one record per tooth. It is replaced wholesale on
// every reconciliation and never patched in place.
type Aggregate map[Tooth]ToothRecord

// Clone returns a deep copy of the aggregate.
func (a Aggregate) Clone() Aggregate {
	out := make(Aggregate, len(a))
	for t, r := range a {
		out[t] = r.Clone()
	}
	return out
}

// Teeth returns the charted tooth identifiers in ascending order.
func (a Aggregate) Teeth() []Tooth {
	out := make([]Tooth, 0, len(a))
	for t := range a {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Records returns the records sorted by tooth.
func (a Aggregate) Records() []ToothRecord {
	teeth := a.Teeth()
	out := make([]ToothRecord, len(teeth))
	for i, t := range teeth {
		out[i] = a[t].Clone()
	}
	return out
}

// Snapshot converts the aggregate back into a snapshot taken at takenAt.
// Reconciling an aggregate against its own snapshot yields the same aggregate.
func (a Aggregate) Snapshot(takenAt time.Time) Snapshot {
	return Snapshot{Rows: a.Records(), TakenAt: takenAt}
}

// Snapshot is a full read of the latest row per tooth, stamped with the time
// the read started. Rows carry the origin of the reload that fetched them.
type Snapshot struct {
	Rows    []ToothRecord `json:"rows"`
	TakenAt time.Time     `json:"taken_at"`
}

// Overlay is a locally held, not yet persisted record: either an in-progress
// edit (OriginLocalEdit) or an AI-extracted tentative entry (OriginVoicePending).
type Overlay struct {
	Kind      Origin      `json:"kind"`
	Record    ToothRecord `json:"record"`
	CreatedAt time.Time   `json:"created_at"`
}
