package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loqalabs/orator/internal/config"
)

var ErrAnalysisDegraded = errors.New("analysis degraded")

// Result is the scored assessment of one transcript.
type Result struct {
	ClarityScore int      `json:"clarity_score"`
	FillerWords  string   `json:"filler_words"`
	Tone         string   `json:"tone"`
	Confidence   int      `json:"confidence"`
	Highlights   []string `json:"highlights"`
	Narrative    string   `json:"text"`
}

// Analyzer scores a transcript. Implementations may fail; callers fall back
// to Default.
type Analyzer interface {
	Analyze(ctx context.Context, transcript string) (Result, error)
}

// Default is the conservative result used when scoring fails.
func Default(language string) Result {
	if language == "ru" {
		return Result{
			ClarityScore: 50,
			FillerWords:  "Не удалось определить",
			Tone:         "neutral",
			Confidence:   50,
			Highlights:   []string{"Анализ не удался, попробуйте снова"},
			Narrative:    "К сожалению, не удалось проанализировать вашу речь. Пожалуйста, попробуйте снова.",
		}
	}
	return Result{
		ClarityScore: 50,
		FillerWords:  "Could not be determined",
		Tone:         "neutral",
		Confidence:   50,
		Highlights:   []string{"Analysis failed, please try again"},
		Narrative:    "Unfortunately the speech could not be analyzed. Please try again.",
	}
}

// Parse decodes model output and checks the required shape. Scores are
// clamped to [0, 100].
func Parse(content string) (Result, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)
	if content == "" {
		return Result{}, errors.New("empty analysis output")
	}

	var raw struct {
		ClarityScore *float64 `json:"clarity_score"`
		FillerWords  *string  `json:"filler_words"`
		Tone         *string  `json:"tone"`
		Confidence   *float64 `json:"confidence"`
		Highlights   []string `json:"highlights"`
		Narrative    *string  `json:"text"`
	}
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return Result{}, fmt.Errorf("decode analysis: %w", err)
	}
	if raw.ClarityScore == nil || raw.FillerWords == nil || raw.Tone == nil ||
		raw.Confidence == nil || raw.Highlights == nil || raw.Narrative == nil {
		return Result{}, errors.New("analysis output is missing required fields")
	}
	return Result{
		ClarityScore: clamp(*raw.ClarityScore),
		FillerWords:  *raw.FillerWords,
		Tone:         *raw.Tone,
		Confidence:   clamp(*raw.Confidence),
		Highlights:   raw.Highlights,
		Narrative:    *raw.Narrative,
	}, nil
}

// Clamp bounds both scores of r to [0, 100].
func Clamp(r Result) Result {
	r.ClarityScore = clamp(float64(r.ClarityScore))
	r.Confidence = clamp(float64(r.Confidence))
	return r
}

func clamp(v float64) int {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return int(v + 0.5)
}

// New builds the analyzer selected by cfg.Mode.
func New(cfg config.AnalysisConfig, log *slog.Logger) (Analyzer, error) {
	switch cfg.Mode {
	case "mock":
		return NewMock(), nil
	case "openai":
		return NewOpenAI(cfg, nil, log), nil
	case "ollama":
		return NewOllama(cfg, nil, log), nil
	case "exec":
		g, err := NewExec(cfg)
		if err != nil {
			return nil, err
		}
		return g, nil
	}
	return nil, fmt.Errorf("unsupported analysis mode %q", cfg.Mode)
}
