package consultation

import (
	"encoding/json"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		id   SectionID
		p    Payload
		want SectionStatus
	}{
		{"nil payload", SectionChiefComplaint, nil, SectionEmpty},
		{"typed nil", SectionChiefComplaint, (*ChiefComplaint)(nil), SectionEmpty},
		{"wrong section", SectionFollowUp, &ChiefComplaint{Complaint: "pain"}, SectionEmpty},
		{"chief complaint blank", SectionChiefComplaint, &ChiefComplaint{Complaint: "  "}, SectionEmpty},
		{"chief complaint partial", SectionChiefComplaint, &ChiefComplaint{Complaint: "pain"}, SectionPartial},
		{"chief complaint complete", SectionChiefComplaint, &ChiefComplaint{Complaint: "pain", Duration: "3d", Severity: "high"}, SectionComplete},
		{"follow-up complete", SectionFollowUp, &FollowUp{Date: "2026-11-01", Instructions: "review"}, SectionComplete},
		{"medical history empty", SectionMedicalHistory, &MedicalHistory{Medications: []string{"x"}}, SectionEmpty},
		{"medical history partial", SectionMedicalHistory, &MedicalHistory{Conditions: []string{"diabetes"}}, SectionPartial},
		{"medical history complete", SectionMedicalHistory, &MedicalHistory{Conditions: []string{"diabetes"}, Allergies: []string{"penicillin"}}, SectionComplete},
		{"diagnosis partial", SectionClinicalDiagnosis, &ClinicalDiagnosis{Diagnoses: []string{"caries"}}, SectionPartial},
		{"treatment plan empty", SectionTreatmentPlan, &TreatmentPlan{}, SectionEmpty},
		{"treatment plan partial", SectionTreatmentPlan, &TreatmentPlan{Procedures: []string{"Filling"}}, SectionPartial},
		{"treatment plan complete", SectionTreatmentPlan, &TreatmentPlan{Procedures: []string{"Filling"}, PlanNotes: "two visits"}, SectionComplete},
		{"personal history defaults", SectionPersonalHistory, &PersonalHistory{Smoking: "never", Alcohol: "Never", BrushingFrequency: "twice-daily"}, SectionEmpty},
		{"personal history changed", SectionPersonalHistory, &PersonalHistory{Smoking: "daily"}, SectionComplete},
		{"personal history habit", SectionPersonalHistory, &PersonalHistory{Habits: []string{"bruxism"}}, SectionComplete},
		{"prescription empty", SectionPrescription, &Prescription{}, SectionEmpty},
		{"prescription complete", SectionPrescription, &Prescription{Items: []PrescriptionItem{{Drug: "amoxicillin"}}}, SectionComplete},
		{"chart overview", SectionChartOverview, &ChartOverview{Teeth: []OverviewTooth{{Tooth: 16}}}, SectionComplete},
		{"diagnosis overview empty", SectionDiagnosisOverview, &DiagnosisOverview{Treatments: []string{"Filling"}}, SectionEmpty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.id, tt.p); got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestClassifyRaw(t *testing.T) {
	got, err := ClassifyRaw(SectionInvestigations, json.RawMessage(`{"radiographs":"OPG","lab_tests":"CBC","findings":"none"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != SectionComplete {
		t.Errorf("expected complete, got %s", got)
	}

	if _, err := ClassifyRaw("unknown", nil); err == nil {
		t.Error("expected error for unknown section")
	}
	if _, err := ClassifyRaw(SectionFollowUp, json.RawMessage(`{"bogus":1}`)); err == nil {
		t.Error("expected error for unknown field")
	}
}

func TestBuildSectionViews_DescriptorOrder(t *testing.T) {
	views := BuildSectionViews(Sections{SectionFollowUp: &FollowUp{Date: "x"}})
	if len(views) != len(Descriptors()) {
		t.Fatalf("expected %d views, got %d", len(Descriptors()), len(views))
	}
	for i, d := range Descriptors() {
		if views[i].ID != d.ID || views[i].Overview != d.Overview {
			t.Errorf("view %d: got %s, want %s", i, views[i].ID, d.ID)
		}
	}
	last := views[len(views)-1]
	if last.ID != SectionFollowUp || last.Status != SectionPartial {
		t.Errorf("expected partial follow-up last, got %+v", last)
	}
}

func TestSections_JSONRoundTrip(t *testing.T) {
	in := Sections{
		SectionChiefComplaint: &ChiefComplaint{Complaint: "pain"},
		SectionPrescription:   &Prescription{Items: []PrescriptionItem{{Drug: "ibuprofen", Dose: "400mg"}}},
	}
	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Sections
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	rx, ok := out[SectionPrescription].(*Prescription)
	if !ok || len(rx.Items) != 1 || rx.Items[0].Dose != "400mg" {
		t.Errorf("unexpected prescription: %#v", out[SectionPrescription])
	}
	if err := json.Unmarshal([]byte(`{"nope":{}}`), &out); err == nil {
		t.Error("expected error for unknown section key")
	}
}
