package extraction

import (
	"encoding/json"

	"github.com/ehr/dentalchart/internal/domain/consultation"
	"github.com/ehr/dentalchart/internal/domain/dentalchart"
)

// Payload is one result of the voice extraction pipeline: a confidence
// score, structured content per clinical area and tentative tooth findings.
type Payload struct {
	Confidence  int                                        `json:"confidence"`
	Sections    map[consultation.SectionID]json.RawMessage `json:"sections,omitempty"`
	Teeth       []ToothFinding                             `json:"teeth,omitempty"`
	Suggestions []Suggestion                               `json:"suggestions,omitempty"`
}

// ToothFinding is a tentative per-tooth entry heard in the recording.
type ToothFinding struct {
	Tooth      int      `json:"tooth"`
	Status     string   `json:"status"`
	Diagnoses  []string `json:"diagnoses,omitempty"`
	Treatments []string `json:"treatments,omitempty"`
	Priority   string   `json:"priority,omitempty"`
	Notes      string   `json:"notes,omitempty"`
}

// Distribution is an accepted payload split into its destinations. Sections
// are merged into the consultation; Overlays join the chart as voice-pending.
type Distribution struct {
	Sections    []consultation.Payload
	Overlays    []dentalchart.Overlay
	Suggestions []Suggestion
}
