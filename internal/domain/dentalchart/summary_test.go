package dentalchart

import (
	"reflect"
	"testing"
)

func TestNormalizeTreatment(t *testing.T) {
	tests := map[string]string{
		"RCT":                    "Root Canal Treatment",
		"root canal therapy":     "Root Canal Treatment",
		"Endodontic retreatment": "Root Canal Treatment",
		"surgical extraction":    "Extraction",
		"composite filling":      "Filling",
		"Restoration":            "Filling",
		"scaling and polishing":  "Scaling",
		"  Orthodontic braces  ": "Orthodontic braces",
		"PFM crown":              "Crown",
	}
	for in, want := range tests {
		if got := NormalizeTreatment(in); got != want {
			t.Errorf("NormalizeTreatment(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSummarize(t *testing.T) {
	agg := Aggregate{
		16: {Tooth: 16, Diagnoses: []string{"Dental caries", " "}, Treatments: []string{"composite filling"}},
		26: {Tooth: 26, Diagnoses: []string{"Dental caries", "Pulpitis"}, Treatments: []string{"RCT", "Filling"}},
		41: {Tooth: 41, Diagnoses: nil, Treatments: []string{""}},
	}
	got := Summarize(agg)
	want := Summary{
		Diagnoses:  []string{"Dental caries", "Pulpitis"},
		Treatments: []string{"Filling", "Root Canal Treatment"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Summarize() = %+v, want %+v", got, want)
	}
}

func TestSummarize_StableAcrossReloads(t *testing.T) {
	agg := Aggregate{
		16: {Tooth: 16, Diagnoses: []string{"b", "a"}, Treatments: []string{"crown"}},
		11: {Tooth: 11, Diagnoses: []string{"a"}},
	}
	first := Summarize(agg)
	for i := 0; i < 10; i++ {
		if !Summarize(agg.Clone()).Equal(first) {
			t.Fatal("summary changed for the same aggregate")
		}
	}
	if Summarize(Aggregate{}).Equal(first) {
		t.Error("empty aggregate should summarize differently")
	}
}
