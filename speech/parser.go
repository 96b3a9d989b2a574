package speech

import (
	"encoding/json"
	"fmt"

	"audia/core"
)

type rawTranscription struct {
	Duration                  string `json:"duration"`
	CombinedRecognizedPhrases []struct {
		Display string `json:"display"`
	} `json:"combinedRecognizedPhrases"`
	RecognizedPhrases []struct {
		Speaker  int    `json:"speaker"`
		Offset   string `json:"offset"`
		Duration string `json:"duration"`
		NBest    []struct {
			Display    string  `json:"display"`
			Confidence float64 `json:"confidence"`
		} `json:"nBest"`
	} `json:"recognizedPhrases"`
}

// ParseTranscription turns the raw diarized result document into the domain
// model. Full text comes from the first combined phrase; per-phrase entries
// use the top recognition hypothesis only, and phrases with no hypotheses are
// skipped. Speakers keep first-appearance order.
func ParseTranscription(raw []byte) (*core.DiarizedResult, error) {
	var doc rawTranscription
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse transcription: %w", err)
	}

	result := &core.DiarizedResult{
		DurationSeconds: core.ParseDuration(doc.Duration),
	}
	if len(doc.CombinedRecognizedPhrases) > 0 {
		result.FullText = doc.CombinedRecognizedPhrases[0].Display
	}

	speakerIdx := map[int]int{}
	for _, p := range doc.RecognizedPhrases {
		if len(p.NBest) == 0 {
			continue
		}
		best := p.NBest[0]
		offset := core.ParseDuration(p.Offset)
		dur := core.ParseDuration(p.Duration)

		result.Phrases = append(result.Phrases, core.Phrase{
			Speaker:    p.Speaker,
			Text:       best.Display,
			Start:      offset,
			End:        offset + dur,
			Duration:   dur,
			Confidence: best.Confidence,
		})

		idx, seen := speakerIdx[p.Speaker]
		if !seen {
			idx = len(result.Speakers)
			speakerIdx[p.Speaker] = idx
			result.Speakers = append(result.Speakers, core.SpeakerAggregate{
				SpeakerID: p.Speaker,
			})
		}
		result.Speakers[idx].Texts = append(result.Speakers[idx].Texts, best.Display)
	}

	return result, nil
}
