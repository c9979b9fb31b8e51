package analysis

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/orator/internal/config"
)

// Ollama scores transcripts with a local Ollama model.
type Ollama struct {
	endpoint    string
	model       string
	language    string
	temperature float64
	maxTokens   int
	client      *http.Client
	log         *slog.Logger
}

func NewOllama(cfg config.AnalysisConfig, client *http.Client, log *slog.Logger) *Ollama {
	if client == nil {
		client = http.DefaultClient
	}
	model := cfg.Model
	if model == "" || strings.HasPrefix(model, "gpt-") {
		model = "llama3.2:latest"
	}
	return &Ollama{
		endpoint:    strings.TrimRight(cfg.Endpoint, "/"),
		model:       model,
		language:    cfg.Language,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		client:      client,
		log:         log.With(slog.String("component", "analysis-ollama")),
	}
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Stream  bool          `json:"stream"`
	Format  string        `json:"format,omitempty"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaStreamResponse struct {
	Response  string `json:"response"`
	Done      bool   `json:"done"`
	EvalCount int    `json:"eval_count,omitempty"`
}

func (g *Ollama) Analyze(ctx context.Context, transcript string) (Result, error) {
	system, user := Prompt(g.language, transcript)
	body, err := json.Marshal(ollamaRequest{
		Model:  g.model,
		Prompt: user,
		System: system,
		Stream: true,
		Format: "json",
		Options: ollamaOptions{
			Temperature: g.temperature,
			NumPredict:  g.maxTokens,
		},
	})
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("ollama returned status %s", resp.Status)
	}

	start := time.Now()
	var accumulated strings.Builder
	var completionTokens int
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaStreamResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return Result{}, err
		}
		accumulated.WriteString(chunk.Response)
		if chunk.EvalCount > 0 {
			completionTokens = chunk.EvalCount
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return Result{}, err
	}
	g.log.Debug("analysis complete", slog.Int("completion_tokens", completionTokens), slog.Duration("latency", time.Since(start)))
	return Parse(accumulated.String())
}
