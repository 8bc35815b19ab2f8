package consultation

import (
	"sort"
	"strings"
)

// Merge overlays incoming onto base and returns a new payload. Non-blank
// scalar fields in incoming replace those in base; lists are unioned in
// order without duplicates. Neither argument is modified.
func Merge(base, incoming Payload) Payload {
	if isNil(incoming) {
		return ClonePayload(base)
	}
	if isNil(base) || base.Section() != incoming.Section() {
		return ClonePayload(incoming)
	}
	out := ClonePayload(base)
	switch dst := out.(type) {
	case *ChiefComplaint:
		src := incoming.(*ChiefComplaint)
		setStr(&dst.Complaint, src.Complaint)
		setStr(&dst.Duration, src.Duration)
		setStr(&dst.Severity, src.Severity)
	case *PresentIllness:
		src := incoming.(*PresentIllness)
		setStr(&dst.Onset, src.Onset)
		setStr(&dst.Progression, src.Progression)
		setStr(&dst.AssociatedSymptoms, src.AssociatedSymptoms)
	case *MedicalHistory:
		src := incoming.(*MedicalHistory)
		dst.Conditions = union(dst.Conditions, src.Conditions)
		dst.Allergies = union(dst.Allergies, src.Allergies)
		dst.Medications = union(dst.Medications, src.Medications)
		setStr(&dst.Notes, src.Notes)
	case *PersonalHistory:
		src := incoming.(*PersonalHistory)
		setStr(&dst.Smoking, src.Smoking)
		setStr(&dst.Alcohol, src.Alcohol)
		setStr(&dst.BrushingFrequency, src.BrushingFrequency)
		setStr(&dst.Diet, src.Diet)
		dst.Habits = union(dst.Habits, src.Habits)
	case *ClinicalExamination:
		src := incoming.(*ClinicalExamination)
		setStr(&dst.ExtraOral, src.ExtraOral)
		setStr(&dst.IntraOral, src.IntraOral)
		setStr(&dst.Periodontal, src.Periodontal)
	case *Investigations:
		src := incoming.(*Investigations)
		setStr(&dst.Radiographs, src.Radiographs)
		setStr(&dst.LabTests, src.LabTests)
		setStr(&dst.Findings, src.Findings)
	case *ClinicalDiagnosis:
		src := incoming.(*ClinicalDiagnosis)
		dst.Diagnoses = union(dst.Diagnoses, src.Diagnoses)
		dst.Differential = union(dst.Differential, src.Differential)
		setStr(&dst.Notes, src.Notes)
	case *TreatmentPlan:
		src := incoming.(*TreatmentPlan)
		dst.Procedures = union(dst.Procedures, src.Procedures)
		setStr(&dst.PlanNotes, src.PlanNotes)
		if src.EstimatedVisits > 0 {
			dst.EstimatedVisits = src.EstimatedVisits
		}
	case *Prescription:
		src := incoming.(*Prescription)
		seen := make(map[string]struct{}, len(dst.Items))
		for _, it := range dst.Items {
			seen[strings.ToLower(strings.TrimSpace(it.Drug))] = struct{}{}
		}
		for _, it := range src.Items {
			key := strings.ToLower(strings.TrimSpace(it.Drug))
			if _, ok := seen[key]; ok || key == "" {
				continue
			}
			seen[key] = struct{}{}
			dst.Items = append(dst.Items, it)
		}
	case *FollowUp:
		src := incoming.(*FollowUp)
		setStr(&dst.Date, src.Date)
		setStr(&dst.Instructions, src.Instructions)
	default:
		return ClonePayload(incoming)
	}
	return out
}

// ApplyChartSummary writes the chart-wide diagnosis and treatment lists into
// the clinical-diagnosis and treatment-plan sections, replacing their
// payloads only when the sorted lists differ. It returns the sections that
// changed so the caller can autosave exactly those.
func ApplyChartSummary(sections Sections, diagnoses, treatments []string) []SectionID {
	var changed []SectionID

	cd, _ := sections[SectionClinicalDiagnosis].(*ClinicalDiagnosis)
	if cd == nil {
		cd = &ClinicalDiagnosis{}
	}
	if !sameSorted(cd.Diagnoses, diagnoses) {
		next := ClonePayload(cd).(*ClinicalDiagnosis)
		next.Diagnoses = append([]string{}, diagnoses...)
		sections[SectionClinicalDiagnosis] = next
		changed = append(changed, SectionClinicalDiagnosis)
	}

	tp, _ := sections[SectionTreatmentPlan].(*TreatmentPlan)
	if tp == nil {
		tp = &TreatmentPlan{}
	}
	if !sameSorted(tp.Procedures, treatments) {
		next := ClonePayload(tp).(*TreatmentPlan)
		next.Procedures = append([]string{}, treatments...)
		sections[SectionTreatmentPlan] = next
		changed = append(changed, SectionTreatmentPlan)
	}
	return changed
}

func sameSorted(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func setStr(dst *string, src string) {
	if s := strings.TrimSpace(src); s != "" {
		*dst = s
	}
}

func union(base, extra []string) []string {
	out := append([]string(nil), base...)
	seen := make(map[string]struct{}, len(base)+len(extra))
	for _, s := range base {
		seen[strings.ToLower(strings.TrimSpace(s))] = struct{}{}
	}
	for _, s := range extra {
		s = strings.TrimSpace(s)
		key := strings.ToLower(s)
		if _, ok := seen[key]; ok || s == "" {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}
