package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/loqalabs/orator/internal/config"
	"github.com/mattn/go-shellwords"
)

// Exec pipes the prompt as JSON to a local command and reads the analysis
// JSON from its stdout, either bare or wrapped in {"content": ...}.
type Exec struct {
	cmd []string
	cfg config.AnalysisConfig
}

func NewExec(cfg config.AnalysisConfig) (*Exec, error) {
	args, err := shellwords.NewParser().Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse analysis command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("analysis command empty")
	}
	return &Exec{cmd: args, cfg: cfg}, nil
}

func (g *Exec) Analyze(ctx context.Context, transcript string) (Result, error) {
	system, user := Prompt(g.cfg.Language, transcript)
	input, err := json.Marshal(map[string]any{
		"prompt":      user,
		"system":      system,
		"transcript":  transcript,
		"max_tokens":  g.cfg.MaxTokens,
		"temperature": g.cfg.Temperature,
	})
	if err != nil {
		return Result{}, err
	}

	cmd := exec.CommandContext(ctx, g.cmd[0], g.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	output, err := cmd.Output()
	if err != nil {
		return Result{}, fmt.Errorf("analysis command failed: %w", err)
	}

	var wrapped struct {
		Content string `json:"content"`
	}
	if json.Unmarshal(output, &wrapped) == nil && wrapped.Content != "" {
		return Parse(wrapped.Content)
	}
	return Parse(string(output))
}
