package dentalchart

import (
	"sort"
	"strings"
)

// Summary holds the chart-wide diagnosis and treatment lists derived from an
// aggregate. Both lists are deduplicated and sorted.
type Summary struct {
	Diagnoses  []string `json:"diagnoses"`
	Treatments []string `json:"treatments"`
}

// Equal compares two summaries by value.
func (s Summary) Equal(o Summary) bool {
	return equalStrings(s.Diagnoses, o.Diagnoses) && equalStrings(s.Treatments, o.Treatments)
}

// treatmentVocabulary maps free-text keywords to canonical treatment names.
// Order matters: the first matching keyword wins.
var treatmentVocabulary = []struct {
	keyword   string
	canonical string
}{
	{"root canal", "Root Canal Treatment"},
	{"rct", "Root Canal Treatment"},
	{"endodont", "Root Canal Treatment"},
	{"extract", "Extraction"},
	{"implant", "Implant"},
	{"crown", "Crown"},
	{"bridge", "Bridge"},
	{"veneer", "Veneer"},
	{"fill", "Filling"},
	{"restor", "Filling"},
	{"scal", "Scaling"},
	{"clean", "Scaling"},
	{"whiten", "Whitening"},
	{"sealant", "Sealant"},
	{"denture", "Denture"},
}

// NormalizeTreatment maps a free-text treatment to the canonical vocabulary
// by case-insensitive substring match. Unmapped values pass through trimmed.
func NormalizeTreatment(name string) string {
	name = strings.TrimSpace(name)
	lower := strings.ToLower(name)
	for _, v := range treatmentVocabulary {
		if strings.Contains(lower, v.keyword) {
			return v.canonical
		}
	}
	return name
}

// Summarize collects every non-empty diagnosis and treatment across the
// aggregate. The output depends only on the aggregate's contents.
func Summarize(agg Aggregate) Summary {
	diagnoses := make(map[string]struct{})
	treatments := make(map[string]struct{})
	for _, r := range agg {
		for _, d := range r.Diagnoses {
			if d = strings.TrimSpace(d); d != "" {
				diagnoses[d] = struct{}{}
			}
		}
		for _, t := range r.Treatments {
			if t = NormalizeTreatment(t); t != "" {
				treatments[t] = struct{}{}
			}
		}
	}
	return Summary{
		Diagnoses:  sortedKeys(diagnoses),
		Treatments: sortedKeys(treatments),
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
