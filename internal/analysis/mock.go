package analysis

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"
)

var fillerWords = []string{
	"эм", "ээ", "ну", "вот", "типа", "короче", "значит",
	"um", "uh", "like", "basically", "actually",
}

// Mock scores transcripts with a filler word count. It never calls out.
type Mock struct{}

func NewMock() *Mock { return &Mock{} }

func (m *Mock) Analyze(ctx context.Context, transcript string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	words := strings.FieldsFunc(strings.ToLower(transcript), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
	counts := map[string]int{}
	for _, w := range words {
		for _, f := range fillerWords {
			if w == f {
				counts[w]++
			}
		}
	}
	total := 0
	parts := make([]string, 0, len(counts))
	for w, n := range counts {
		total += n
		parts = append(parts, fmt.Sprintf("%s (%d)", w, n))
	}
	sort.Strings(parts)

	clarity := 90 - 5*total
	if len(words) < 5 {
		clarity -= 20
	}
	fillers := strings.Join(parts, ", ")
	if fillers == "" {
		fillers = "-"
	}
	tone := "confident"
	if total > 3 {
		tone = "nervous"
	}
	return Clamp(Result{
		ClarityScore: clarity,
		FillerWords:  fillers,
		Tone:         tone,
		Confidence:   clarity - 5,
		Highlights:   []string{fmt.Sprintf("%d words, %d fillers", len(words), total)},
		Narrative:    "Automatic assessment based on filler word frequency.",
	}), nil
}
