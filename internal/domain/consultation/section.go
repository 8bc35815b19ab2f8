package consultation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// SectionID names one independently saved division of a consultation.
type SectionID string

const (
	SectionChiefComplaint      SectionID = "chief-complaint"
	SectionPresentIllness      SectionID = "history-of-present-illness"
	SectionMedicalHistory      SectionID = "medical-history"
	SectionPersonalHistory     SectionID = "personal-history"
	SectionClinicalExamination SectionID = "clinical-examination"
	SectionInvestigations      SectionID = "investigations"
	SectionClinicalDiagnosis   SectionID = "clinical-diagnosis"
	SectionTreatmentPlan       SectionID = "treatment-plan"
	SectionPrescription        SectionID = "prescription"
	SectionFollowUp            SectionID = "follow-up"
	SectionChartOverview       SectionID = "chart-overview"
	SectionDiagnosisOverview   SectionID = "diagnosis-overview"
)

var (
	ErrUnknownSection  = errors.New("unknown consultation section")
	ErrReadOnlySection = errors.New("section is read-only")
)

// Descriptor describes a section. Overview sections are derived, read-only
// views and are never saved.
type Descriptor struct {
	ID       SectionID `json:"id"`
	Label    string    `json:"label"`
	Overview bool      `json:"overview"`
}

var descriptors = []Descriptor{
	{ID: SectionChiefComplaint, Label: "Chief Complaint"},
	{ID: SectionPresentIllness, Label: "History of Present Illness"},
	{ID: SectionMedicalHistory, Label: "Medical History"},
	{ID: SectionPersonalHistory, Label: "Personal History"},
	{ID: SectionClinicalExamination, Label: "Clinical Examination"},
	{ID: SectionChartOverview, Label: "Dental Chart Overview", Overview: true},
	{ID: SectionInvestigations, Label: "Investigations"},
	{ID: SectionClinicalDiagnosis, Label: "Clinical Diagnosis"},
	{ID: SectionDiagnosisOverview, Label: "Diagnosis Overview", Overview: true},
	{ID: SectionTreatmentPlan, Label: "Treatment Plan"},
	{ID: SectionPrescription, Label: "Prescription"},
	{ID: SectionFollowUp, Label: "Follow-up"},
}

// Descriptors returns all section descriptors in display order.
func Descriptors() []Descriptor {
	return append([]Descriptor(nil), descriptors...)
}

// Describe looks up the descriptor for id.
func Describe(id SectionID) (Descriptor, bool) {
	for _, d := range descriptors {
		if d.ID == id {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Payload is the typed content of one section. Each SectionID has exactly
// one concrete payload type.
type Payload interface {
	Section() SectionID
}

type ChiefComplaint struct {
	Complaint string `json:"complaint"`
	Duration  string `json:"duration"`
	Severity  string `json:"severity"`
}

type PresentIllness struct {
	Onset              string `json:"onset"`
	Progression        string `json:"progression"`
	AssociatedSymptoms string `json:"associated_symptoms"`
}

type MedicalHistory struct {
	Conditions  []string `json:"conditions"`
	Allergies   []string `json:"allergies"`
	Medications []string `json:"medications"`
	Notes       string   `json:"notes"`
}

// PersonalHistory defaults: smoking and alcohol "never", brushing "twice-daily".
type PersonalHistory struct {
	Smoking           string   `json:"smoking"`
	Alcohol           string   `json:"alcohol"`
	BrushingFrequency string   `json:"brushing_frequency"`
	Diet              string   `json:"diet"`
	Habits            []string `json:"habits"`
}

type ClinicalExamination struct {
	ExtraOral   string `json:"extra_oral"`
	IntraOral   string `json:"intra_oral"`
	Periodontal string `json:"periodontal"`
}

type Investigations struct {
	Radiographs string `json:"radiographs"`
	LabTests    string `json:"lab_tests"`
	Findings    string `json:"findings"`
}

type ClinicalDiagnosis struct {
	Diagnoses    []string `json:"diagnoses"`
	Differential []string `json:"differential"`
	Notes        string   `json:"notes"`
}

type TreatmentPlan struct {
	Procedures      []string `json:"procedures"`
	PlanNotes       string   `json:"plan_notes"`
	EstimatedVisits int      `json:"estimated_visits,omitempty"`
}

type PrescriptionItem struct {
	Drug         string `json:"drug"`
	Dose         string `json:"dose"`
	Frequency    string `json:"frequency"`
	Duration     string `json:"duration"`
	Instructions string `json:"instructions,omitempty"`
}

type Prescription struct {
	Items []PrescriptionItem `json:"items"`
}

type FollowUp struct {
	Date         string `json:"date"`
	Instructions string `json:"instructions"`
}

type OverviewTooth struct {
	Tooth  int    `json:"tooth"`
	Status string `json:"status"`
	Color  string `json:"color"`
	Origin string `json:"origin"`
}

type ChartOverview struct {
	Teeth []OverviewTooth `json:"teeth"`
}

type DiagnosisOverview struct {
	Diagnoses  []string `json:"diagnoses"`
	Treatments []string `json:"treatments"`
}

func (*ChiefComplaint) Section() SectionID      { return SectionChiefComplaint }
func (*PresentIllness) Section() SectionID      { return SectionPresentIllness }
func (*MedicalHistory) Section() SectionID      { return SectionMedicalHistory }
func (*PersonalHistory) Section() SectionID     { return SectionPersonalHistory }
func (*ClinicalExamination) Section() SectionID { return SectionClinicalExamination }
func (*Investigations) Section() SectionID      { return SectionInvestigations }
func (*ClinicalDiagnosis) Section() SectionID   { return SectionClinicalDiagnosis }
func (*TreatmentPlan) Section() SectionID       { return SectionTreatmentPlan }
func (*Prescription) Section() SectionID        { return SectionPrescription }
func (*FollowUp) Section() SectionID            { return SectionFollowUp }
func (*ChartOverview) Section() SectionID       { return SectionChartOverview }
func (*DiagnosisOverview) Section() SectionID   { return SectionDiagnosisOverview }

var factories = map[SectionID]func() Payload{
	SectionChiefComplaint:      func() Payload { return &ChiefComplaint{} },
	SectionPresentIllness:      func() Payload { return &PresentIllness{} },
	SectionMedicalHistory:      func() Payload { return &MedicalHistory{} },
	SectionPersonalHistory:     func() Payload { return &PersonalHistory{} },
	SectionClinicalExamination: func() Payload { return &ClinicalExamination{} },
	SectionInvestigations:      func() Payload { return &Investigations{} },
	SectionClinicalDiagnosis:   func() Payload { return &ClinicalDiagnosis{} },
	SectionTreatmentPlan:       func() Payload { return &TreatmentPlan{} },
	SectionPrescription:        func() Payload { return &Prescription{} },
	SectionFollowUp:            func() Payload { return &FollowUp{} },
	SectionChartOverview:       func() Payload { return &ChartOverview{} },
	SectionDiagnosisOverview:   func() Payload { return &DiagnosisOverview{} },
}

// NewPayload returns the zero payload for id.
func NewPayload(id SectionID) (Payload, error) {
	f, ok := factories[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSection, id)
	}
	return f(), nil
}

// DecodePayload decodes raw into the concrete payload type registered for id.
// Empty or null input decodes to the zero payload.
func DecodePayload(id SectionID, raw json.RawMessage) (Payload, error) {
	p, err := NewPayload(id)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return p, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", id, err)
	}
	return p, nil
}

// EncodePayload marshals p to JSON.
func EncodePayload(p Payload) (json.RawMessage, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.Section(), err)
	}
	return raw, nil
}

// ClonePayload returns an independent copy of p.
func ClonePayload(p Payload) Payload {
	if p == nil {
		return nil
	}
	raw, err := EncodePayload(p)
	if err != nil {
		return p
	}
	out, err := DecodePayload(p.Section(), raw)
	if err != nil {
		return p
	}
	return out
}

// Sections maps each section to its payload.
type Sections map[SectionID]Payload

// Clone returns a deep copy.
func (s Sections) Clone() Sections {
	out := make(Sections, len(s))
	for id, p := range s {
		out[id] = ClonePayload(p)
	}
	return out
}

func (s Sections) MarshalJSON() ([]byte, error) {
	m := make(map[SectionID]json.RawMessage, len(s))
	for id, p := range s {
		if p == nil {
			continue
		}
		raw, err := EncodePayload(p)
		if err != nil {
			return nil, err
		}
		m[id] = raw
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes each section through the payload registry. Unknown
// sections are rejected.
func (s *Sections) UnmarshalJSON(data []byte) error {
	var m map[SectionID]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	out := make(Sections, len(m))
	for id, raw := range m {
		p, err := DecodePayload(id, raw)
		if err != nil {
			return err
		}
		out[id] = p
	}
	*s = out
	return nil
}
