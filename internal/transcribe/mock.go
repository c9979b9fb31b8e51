package transcribe

import (
	"context"
	"fmt"
	"os"

	"nhooyr.io/websocket"
)

// Mock produces a deterministic transcript from the file size. It is meant
// for development without vendor credentials.
type Mock struct {
	model Model
}

func NewMock(model Model) *Mock {
	return &Mock{model: model}
}

func (m *Mock) Model() Model { return m.model }

func (m *Mock) Ready() error { return nil }

func (m *Mock) Transcribe(ctx context.Context, path string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, classify(ctx, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrAudioUnreadable, err)
	}
	if info.Size() == 0 {
		return Result{}, fmt.Errorf("%w: empty file", ErrAudioUnreadable)
	}
	return Result{
		Text: fmt.Sprintf("[mock %s transcript bytes=%d]", m.model, info.Size()),
	}, nil
}

func (m *Mock) IssueToken(context.Context) (string, error) {
	return "mock-token", nil
}

func (m *Mock) OpenLive(context.Context, string) (*websocket.Conn, error) {
	return nil, fmt.Errorf("%w: mock driver has no live mode", ErrBackendUnavailable)
}
