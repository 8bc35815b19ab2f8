package consultation

import (
	"encoding/json"
	"reflect"
	"strings"
)

// SectionStatus is the derived completion state of a section.
type SectionStatus string

const (
	SectionEmpty    SectionStatus = "empty"
	SectionPartial  SectionStatus = "partial"
	SectionComplete SectionStatus = "complete"
)

var personalHistoryDefaults = PersonalHistory{
	Smoking:           "never",
	Alcohol:           "never",
	BrushingFrequency: "twice-daily",
}

// Classify computes the status of a section from its payload alone. A nil
// payload, or one that belongs to a different section, is empty.
func Classify(id SectionID, p Payload) SectionStatus {
	if isNil(p) || p.Section() != id {
		return SectionEmpty
	}
	switch v := p.(type) {
	case *ChiefComplaint:
		return byFields(v.Complaint, v.Duration, v.Severity)
	case *PresentIllness:
		return byFields(v.Onset, v.Progression, v.AssociatedSymptoms)
	case *ClinicalExamination:
		return byFields(v.ExtraOral, v.IntraOral, v.Periodontal)
	case *Investigations:
		return byFields(v.Radiographs, v.LabTests, v.Findings)
	case *FollowUp:
		return byFields(v.Date, v.Instructions)
	case *MedicalHistory:
		return byLists(len(v.Conditions), len(v.Allergies))
	case *ClinicalDiagnosis:
		return byLists(len(v.Diagnoses), len(v.Differential))
	case *TreatmentPlan:
		return byPresence(len(nonBlank(v.Procedures)) > 0, !blank(v.PlanNotes))
	case *PersonalHistory:
		if personalHistorySet(v) {
			return SectionComplete
		}
		return SectionEmpty
	case *Prescription:
		return presenceOnly(len(v.Items))
	case *ChartOverview:
		return presenceOnly(len(v.Teeth))
	case *DiagnosisOverview:
		return presenceOnly(len(v.Diagnoses))
	}
	return SectionEmpty
}

// ClassifyRaw decodes raw for id and classifies it.
func ClassifyRaw(id SectionID, raw json.RawMessage) (SectionStatus, error) {
	p, err := DecodePayload(id, raw)
	if err != nil {
		return SectionEmpty, err
	}
	return Classify(id, p), nil
}

// byFields: empty if every field is blank, complete if none is, else partial.
func byFields(fields ...string) SectionStatus {
	filled := 0
	for _, f := range fields {
		if !blank(f) {
			filled++
		}
	}
	return tally(filled, len(fields))
}

// byLists: empty if every list is empty, complete if none is, else partial.
func byLists(lengths ...int) SectionStatus {
	filled := 0
	for _, n := range lengths {
		if n > 0 {
			filled++
		}
	}
	return tally(filled, len(lengths))
}

func byPresence(present ...bool) SectionStatus {
	filled := 0
	for _, p := range present {
		if p {
			filled++
		}
	}
	return tally(filled, len(present))
}

func presenceOnly(n int) SectionStatus {
	if n > 0 {
		return SectionComplete
	}
	return SectionEmpty
}

func tally(filled, total int) SectionStatus {
	switch {
	case filled == 0:
		return SectionEmpty
	case filled == total:
		return SectionComplete
	default:
		return SectionPartial
	}
}

func personalHistorySet(v *PersonalHistory) bool {
	d := personalHistoryDefaults
	return changed(v.Smoking, d.Smoking) ||
		changed(v.Alcohol, d.Alcohol) ||
		changed(v.BrushingFrequency, d.BrushingFrequency) ||
		!blank(v.Diet) ||
		len(nonBlank(v.Habits)) > 0
}

func changed(v, def string) bool {
	v = strings.TrimSpace(v)
	return v != "" && !strings.EqualFold(v, def)
}

func blank(s string) bool { return strings.TrimSpace(s) == "" }

func nonBlank(list []string) []string {
	var out []string
	for _, s := range list {
		if !blank(s) {
			out = append(out, s)
		}
	}
	return out
}

func isNil(p Payload) bool {
	if p == nil {
		return true
	}
	v := reflect.ValueOf(p)
	return v.Kind() == reflect.Ptr && v.IsNil()
}
