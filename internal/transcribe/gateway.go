package transcribe

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/loqalabs/orator/internal/audio"
	"github.com/loqalabs/orator/internal/config"
)

// Gateway selects the backend bound to a session's model and applies the
// transcription deadline to every call.
type Gateway struct {
	batch        Backend
	streaming    Streaming
	defaultModel Model
	timeout      time.Duration
	log          *slog.Logger
}

// NewGateway builds the configured drivers for both model families.
func NewGateway(cfg config.TranscriptionConfig, conv *audio.Converter, log *slog.Logger) (*Gateway, error) {
	client := &http.Client{}
	g := &Gateway{
		timeout: time.Duration(cfg.Timeout) * time.Millisecond,
		log:     log.With(slog.String("component", "transcribe")),
	}
	def, err := ParseModel(cfg.DefaultModel)
	if err != nil {
		return nil, err
	}
	g.defaultModel = def

	switch cfg.Batch.Driver {
	case "openai", "":
		g.batch = NewOpenAI(cfg.Batch, cfg.Language, conv, client, log)
	case "exec":
		backend, err := NewExec(cfg.Batch.Command, cfg.Language, conv, log)
		if err != nil {
			return nil, err
		}
		g.batch = backend
	case "mock":
		g.batch = NewMock(ModelBatch)
	default:
		return nil, fmt.Errorf("unsupported batch driver %q", cfg.Batch.Driver)
	}

	switch cfg.Streaming.Driver {
	case "elevenlabs", "":
		g.streaming = NewElevenLabs(cfg.Streaming, cfg.Language, conv, client, log)
	case "mock":
		g.streaming = NewMock(ModelStreaming)
	default:
		return nil, fmt.Errorf("unsupported streaming driver %q", cfg.Streaming.Driver)
	}
	return g, nil
}

// NewGatewayWith assembles a gateway from ready-made backends.
func NewGatewayWith(batch Backend, streaming Streaming, defaultModel Model, timeout time.Duration, log *slog.Logger) *Gateway {
	return &Gateway{
		batch:        batch,
		streaming:    streaming,
		defaultModel: defaultModel,
		timeout:      timeout,
		log:          log.With(slog.String("component", "transcribe")),
	}
}

func (g *Gateway) DefaultModel() Model { return g.defaultModel }

// For returns the backend for model wrapped with the gateway deadline.
func (g *Gateway) For(model Model) (Backend, error) {
	var b Backend
	switch model {
	case ModelBatch:
		if g.batch != nil {
			b = g.batch
		}
	case ModelStreaming:
		if g.streaming != nil {
			b = g.streaming
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidModel, model)
	}
	if b == nil {
		return nil, fmt.Errorf("%w: no %s backend configured", ErrBackendUnavailable, model)
	}
	return &timed{Backend: b, timeout: g.timeout}, nil
}

// Streaming returns the live-capable backend used by the relay.
func (g *Gateway) Streaming() (Streaming, error) {
	if g.streaming == nil {
		return nil, fmt.Errorf("%w: no streaming backend configured", ErrBackendUnavailable)
	}
	if err := g.streaming.Ready(); err != nil {
		return nil, err
	}
	return g.streaming, nil
}

// ModelInfo describes a model for clients choosing one at start.
type ModelInfo struct {
	ID                Model    `json:"id"`
	Name              string   `json:"name"`
	Description       string   `json:"description"`
	Available         bool     `json:"available"`
	SupportsStreaming bool     `json:"supportsStreaming"`
	Features          []string `json:"features"`
}

func (g *Gateway) Models() []ModelInfo {
	ready := func(b Backend) bool { return b != nil && b.Ready() == nil }
	return []ModelInfo{
		{
			ID:          ModelBatch,
			Name:        "Batch transcription",
			Description: "Whole-file transcription after the call ends",
			Available:   ready(g.batch),
			Features:    []string{"Multilingual", "Word-level timestamps", "High accuracy"},
		},
		{
			ID:                ModelStreaming,
			Name:              "Streaming transcription",
			Description:       "Realtime transcription with low latency",
			Available:         g.streaming != nil && g.streaming.Ready() == nil,
			SupportsStreaming: true,
			Features:          []string{"Real-time", "Low latency", "WebSocket streaming"},
		},
	}
}

type timed struct {
	Backend
	timeout time.Duration
}

func (t *timed) Transcribe(ctx context.Context, path string) (Result, error) {
	if err := t.Backend.Ready(); err != nil {
		return Result{}, err
	}
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	res, err := t.Backend.Transcribe(ctx, path)
	return res, classify(ctx, err)
}
