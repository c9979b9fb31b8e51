package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/loqalabs/orator/internal/config"
)

// OpenAI scores transcripts with an OpenAI compatible chat completion.
type OpenAI struct {
	cfg    config.AnalysisConfig
	client *http.Client
	log    *slog.Logger
}

func NewOpenAI(cfg config.AnalysisConfig, client *http.Client, log *slog.Logger) *OpenAI {
	if client == nil {
		client = http.DefaultClient
	}
	return &OpenAI{cfg: cfg, client: client, log: log.With(slog.String("component", "analysis-openai"))}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	ResponseFormat map[string]string `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (o *OpenAI) Analyze(ctx context.Context, transcript string) (Result, error) {
	if o.cfg.APIKey == "" {
		return Result{}, errors.New("analysis api key is not configured")
	}
	system, user := Prompt(o.cfg.Language, transcript)
	body, err := json.Marshal(chatRequest{
		Model:          o.cfg.Model,
		Messages:       []chatMessage{{Role: "system", Content: system}, {Role: "user", Content: user}},
		Temperature:    o.cfg.Temperature,
		MaxTokens:      o.cfg.MaxTokens,
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return Result{}, err
	}

	endpoint := strings.TrimRight(o.cfg.Endpoint, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Result{}, err
	}
	if resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("chat completion returned status %s", resp.Status)
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Result{}, fmt.Errorf("decode chat completion: %w", err)
	}
	if len(out.Choices) == 0 {
		return Result{}, errors.New("chat completion has no choices")
	}
	o.log.Debug("analysis complete",
		slog.Int("prompt_tokens", out.Usage.PromptTokens),
		slog.Int("completion_tokens", out.Usage.CompletionTokens))
	return Parse(out.Choices[0].Message.Content)
}
