package extraction

import "strings"

// DefaultNoEvidencePenalty is subtracted from a suggestion's confidence when
// it was produced without supporting evidence.
const DefaultNoEvidencePenalty = 15

// ScoreSuggestion returns the displayed confidence of a diagnosis or
// treatment suggestion, clamped to 0..100.
func ScoreSuggestion(confidence int, hasEvidence bool, penalty int) int {
	if !hasEvidence && penalty > 0 {
		confidence -= penalty
	}
	switch {
	case confidence < 0:
		return 0
	case confidence > 100:
		return 100
	}
	return confidence
}

// Suggestion is a diagnosis or treatment proposed alongside the transcript.
// Kind is "diagnosis" or "treatment".
type Suggestion struct {
	Kind       string   `json:"kind"`
	Text       string   `json:"text"`
	Tooth      int      `json:"tooth,omitempty"`
	Confidence int      `json:"confidence"`
	Evidence   []string `json:"evidence,omitempty"`
}

func scoreSuggestions(in []Suggestion, penalty int) []Suggestion {
	if len(in) == 0 {
		return nil
	}
	out := make([]Suggestion, 0, len(in))
	for _, sg := range in {
		if strings.TrimSpace(sg.Text) == "" {
			continue
		}
		sg.Evidence = append([]string(nil), sg.Evidence...)
		sg.Confidence = ScoreSuggestion(sg.Confidence, len(sg.Evidence) > 0, penalty)
		out = append(out, sg)
	}
	return out
}
