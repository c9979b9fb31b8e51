package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/orator/internal/audio"
	"github.com/loqalabs/orator/internal/config"
	"github.com/loqalabs/orator/internal/protocol"
	"github.com/loqalabs/orator/internal/transcript"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

var errUpstreamFrame = errors.New("upstream error")

// ElevenLabs is the realtime streaming backend. Files are streamed through
// the same websocket protocol the relay uses for live sessions.
type ElevenLabs struct {
	apiBase    string
	wsURL      string
	apiKey     string
	language   string
	sampleRate int
	chunkBytes int
	commitIdle time.Duration
	conv       *audio.Converter
	client     *http.Client
	log        *slog.Logger
}

func NewElevenLabs(cfg config.StreamingConfig, language string, conv *audio.Converter, client *http.Client, log *slog.Logger) *ElevenLabs {
	if client == nil {
		client = http.DefaultClient
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	return &ElevenLabs{
		apiBase:    strings.TrimRight(cfg.APIBase, "/"),
		wsURL:      cfg.WSURL,
		apiKey:     cfg.APIKey,
		language:   language,
		sampleRate: rate,
		chunkBytes: cfg.ChunkBytes,
		commitIdle: time.Duration(cfg.CommitIdle) * time.Millisecond,
		conv:       conv,
		client:     client,
		log:        log.With(slog.String("component", "transcribe-elevenlabs")),
	}
}

func (e *ElevenLabs) Model() Model { return ModelStreaming }

func (e *ElevenLabs) Ready() error {
	if e.apiKey == "" {
		return fmt.Errorf("%w: streaming api key is not configured", ErrBackendUnavailable)
	}
	if e.apiBase == "" || e.wsURL == "" {
		return fmt.Errorf("%w: streaming endpoints are not configured", ErrBackendUnavailable)
	}
	return nil
}

// IssueToken requests a single-use realtime token.
func (e *ElevenLabs) IssueToken(ctx context.Context) (string, error) {
	if err := e.Ready(); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.apiBase+"/v1/single-use-token/realtime_scribe", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("xi-api-key", e.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", classify(ctx, fmt.Errorf("token request: %w", err))
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("%w: token request status %d: %s", ErrBackendUnavailable, resp.StatusCode, snippet(raw))
	case resp.StatusCode >= 300:
		return "", fmt.Errorf("token request status %d: %s", resp.StatusCode, snippet(raw))
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if body.Token == "" {
		return "", errors.New("no token in response")
	}
	return body.Token, nil
}

// LiveURL is the upstream websocket address for a live session.
func (e *ElevenLabs) LiveURL() (string, error) {
	u, err := url.Parse(e.wsURL)
	if err != nil {
		return "", fmt.Errorf("%w: ws url: %v", ErrBackendUnavailable, err)
	}
	q := u.Query()
	q.Set("audio_format", "pcm_"+strconv.Itoa(e.sampleRate))
	if e.language != "" {
		q.Set("language_code", e.language)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// OpenLive dials the upstream realtime endpoint authenticated by token.
func (e *ElevenLabs) OpenLive(ctx context.Context, token string) (*websocket.Conn, error) {
	endpoint, err := e.LiveURL()
	if err != nil {
		return nil, err
	}
	headers := http.Header{}
	headers.Set("xi-api-key", token)
	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{HTTPHeader: headers, HTTPClient: e.client})
	if err != nil {
		return nil, classify(ctx, fmt.Errorf("dial upstream: %w", err))
	}
	return conn, nil
}

// Transcribe streams a recording and collects committed segments. Partial
// segments are ignored.
func (e *ElevenLabs) Transcribe(ctx context.Context, path string) (Result, error) {
	if err := e.Ready(); err != nil {
		return Result{}, err
	}
	if e.conv == nil {
		return Result{}, fmt.Errorf("%w: no audio converter", ErrBackendUnavailable)
	}
	pcm, err := e.conv.ReadPCM(ctx, path)
	if err != nil {
		return Result{}, classify(ctx, err)
	}

	token, err := e.IssueToken(ctx)
	if err != nil {
		return Result{}, err
	}
	conn, err := e.OpenLive(ctx, token)
	if err != nil {
		return Result{}, err
	}
	defer conn.CloseNow()

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var acc transcript.Accumulator
	activity := make(chan struct{}, 1)
	recvDone := make(chan error, 1)
	go func() {
		recvDone <- e.receive(streamCtx, conn, &acc, activity)
	}()

	for _, chunk := range audio.Chunk(pcm, e.chunkBytes) {
		if err := wsjson.Write(streamCtx, conn, protocol.NewAudioChunk(chunk, e.sampleRate, false)); err != nil {
			return Result{}, e.streamError(ctx, recvDone, err)
		}
	}
	if err := wsjson.Write(streamCtx, conn, protocol.NewAudioChunk(nil, e.sampleRate, true)); err != nil {
		return Result{}, e.streamError(ctx, recvDone, err)
	}

	if err := e.awaitCommit(ctx, &acc, activity, recvDone); err != nil {
		return Result{}, err
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")

	text := acc.Committed()
	if text == "" {
		return Result{}, fmt.Errorf("%w: no transcription received", ErrAudioUnreadable)
	}
	var words []Word
	for _, w := range acc.Words() {
		words = append(words, Word{Word: w.Text, Start: w.Start, End: w.End})
	}
	return Result{
		Text:            text,
		Words:           words,
		Language:        e.language,
		DurationSeconds: audio.PCMDuration(int64(len(pcm)), e.sampleRate),
	}, nil
}

// receive reads frames until the upstream closes or sends an error frame.
func (e *ElevenLabs) receive(ctx context.Context, conn *websocket.Conn, acc *transcript.Accumulator, activity chan<- struct{}) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return nil
			}
			return err
		}
		var frame protocol.ServerFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			e.log.Debug("ignoring undecodable frame", slog.String("error", err.Error()))
			continue
		}
		if frame.MessageType == protocol.TypeError {
			return fmt.Errorf("%w: %s", errUpstreamFrame, frame.ErrorMessage())
		}
		if frame.IsCommitted() {
			acc.Commit(frame.Content(), frame.Words...)
		}
		select {
		case activity <- struct{}{}:
		default:
		}
	}
}

// awaitCommit waits for the upstream to finish after the final commit: either
// it closes, or it stays quiet for commitIdle once committed text arrived.
func (e *ElevenLabs) awaitCommit(ctx context.Context, acc *transcript.Accumulator, activity <-chan struct{}, recvDone <-chan error) error {
	idle := e.commitIdle
	if idle <= 0 {
		idle = 1500 * time.Millisecond
	}
	timer := time.NewTimer(idle)
	defer timer.Stop()
	for {
		select {
		case err := <-recvDone:
			if errors.Is(err, errUpstreamFrame) || (err != nil && acc.Committed() == "") {
				return classify(ctx, err)
			}
			if err != nil {
				e.log.Warn("upstream ended with error after commit", slog.String("error", err.Error()))
			}
			return nil
		case <-activity:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(idle)
		case <-timer.C:
			if acc.Committed() != "" {
				return nil
			}
			timer.Reset(idle)
		case <-ctx.Done():
			return classify(ctx, ctx.Err())
		}
	}
}

func (e *ElevenLabs) streamError(ctx context.Context, recvDone <-chan error, sendErr error) error {
	select {
	case err := <-recvDone:
		if err != nil {
			return classify(ctx, err)
		}
	case <-time.After(100 * time.Millisecond):
	}
	return classify(ctx, fmt.Errorf("send audio: %w", sendErr))
}
