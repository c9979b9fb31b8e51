package transcribe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/loqalabs/orator/internal/audio"
	"github.com/loqalabs/orator/internal/config"
	"nhooyr.io/websocket"
)

var (
	ErrBackendUnavailable   = errors.New("transcription backend unavailable")
	ErrAudioUnreadable      = errors.New("audio unreadable")
	ErrTranscriptionTimeout = errors.New("transcription timed out")
	ErrInvalidModel         = errors.New("invalid transcription model")
)

// Model names the backend family a session is bound to at start.
type Model string

const (
	ModelBatch     Model = config.ModelBatch
	ModelStreaming Model = config.ModelStreaming
)

// ParseModel accepts the canonical names and the legacy whisper/scribe aliases.
func ParseModel(s string) (Model, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "batch", "whisper":
		return ModelBatch, nil
	case "streaming", "scribe":
		return ModelStreaming, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidModel, s)
}

// Word is a timed token of a transcript.
type Word struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Result is the normalized output of either backend family.
type Result struct {
	Text            string
	Words           []Word
	Language        string
	DurationSeconds float64
}

// Backend transcribes a complete recording.
type Backend interface {
	Model() Model
	// Ready reports configuration problems without touching the network.
	Ready() error
	Transcribe(ctx context.Context, path string) (Result, error)
}

// TokenIssuer mints short-lived credentials for live sessions.
type TokenIssuer interface {
	IssueToken(ctx context.Context) (string, error)
}

// LiveDialer opens a duplex upstream connection with a token.
type LiveDialer interface {
	OpenLive(ctx context.Context, token string) (*websocket.Conn, error)
}

// Streaming is a backend that also supports live relay sessions.
type Streaming interface {
	Backend
	TokenIssuer
	LiveDialer
}

// classify maps lower level failures onto the gateway error taxonomy.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrBackendUnavailable),
		errors.Is(err, ErrAudioUnreadable),
		errors.Is(err, ErrTranscriptionTimeout),
		errors.Is(err, audio.ErrConversionFailed):
		return err
	case errors.Is(err, audio.ErrEmptyAudio):
		return fmt.Errorf("%w: %v", ErrAudioUnreadable, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTranscriptionTimeout, err)
	}
	return err
}
