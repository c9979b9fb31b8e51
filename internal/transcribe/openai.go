package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/loqalabs/orator/internal/audio"
	"github.com/loqalabs/orator/internal/config"
)

// errWordTimestamps marks a 400 answer to a request with word granularity.
var errWordTimestamps = errors.New("word timestamps rejected")

var openAIFormats = map[string]bool{
	".flac": true, ".mp3": true, ".mp4": true, ".mpeg": true, ".mpga": true,
	".m4a": true, ".ogg": true, ".wav": true, ".webm": true,
}

// OpenAI talks to an OpenAI compatible /audio/transcriptions endpoint.
type OpenAI struct {
	endpoint string
	apiKey   string
	model    string
	language string
	conv     *audio.Converter
	client   *http.Client
	log      *slog.Logger
}

func NewOpenAI(cfg config.BatchConfig, language string, conv *audio.Converter, client *http.Client, log *slog.Logger) *OpenAI {
	if client == nil {
		client = http.DefaultClient
	}
	model := cfg.Model
	if model == "" {
		model = "whisper-1"
	}
	return &OpenAI{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		model:    model,
		language: language,
		conv:     conv,
		client:   client,
		log:      log.With(slog.String("component", "transcribe-openai")),
	}
}

func (o *OpenAI) Model() Model { return ModelBatch }

func (o *OpenAI) Ready() error {
	if o.apiKey == "" {
		return fmt.Errorf("%w: batch api key is not configured", ErrBackendUnavailable)
	}
	if o.endpoint == "" {
		return fmt.Errorf("%w: batch endpoint is not configured", ErrBackendUnavailable)
	}
	return nil
}

type verboseTranscription struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Words    []Word  `json:"words"`
}

func (o *OpenAI) Transcribe(ctx context.Context, path string) (Result, error) {
	if err := o.Ready(); err != nil {
		return Result{}, err
	}
	name, data, err := o.payload(ctx, path)
	if err != nil {
		return Result{}, err
	}

	resp, err := o.send(ctx, name, data, true)
	if errors.Is(err, errWordTimestamps) {
		o.log.Warn("word-level timestamps not supported, retrying without")
		resp, err = o.send(ctx, name, data, false)
	}
	if err != nil {
		return Result{}, err
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return Result{}, fmt.Errorf("%w: no speech recognized", ErrAudioUnreadable)
	}
	return Result{
		Text:            text,
		Words:           resp.Words,
		Language:        resp.Language,
		DurationSeconds: resp.Duration,
	}, nil
}

// payload returns the file to upload. Containers the endpoint does not
// accept are normalized to PCM and wrapped as WAV.
func (o *OpenAI) payload(ctx context.Context, path string) (string, []byte, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if openAIFormats[ext] {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrAudioUnreadable, err)
		}
		if len(data) == 0 {
			return "", nil, fmt.Errorf("%w: empty file", ErrAudioUnreadable)
		}
		return filepath.Base(path), data, nil
	}
	if o.conv == nil {
		return "", nil, fmt.Errorf("%w: unsupported format %s", ErrAudioUnreadable, ext)
	}
	pcm, err := o.conv.ReadPCM(ctx, path)
	if err != nil {
		return "", nil, err
	}
	data, err := pcmToWAVBytes(pcm, o.conv.SampleRate())
	if err != nil {
		return "", nil, err
	}
	return strings.TrimSuffix(filepath.Base(path), ext) + ".wav", data, nil
}

func (o *OpenAI) send(ctx context.Context, name string, data []byte, words bool) (verboseTranscription, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", name)
	if err != nil {
		return verboseTranscription{}, err
	}
	if _, err := part.Write(data); err != nil {
		return verboseTranscription{}, err
	}
	_ = writer.WriteField("model", o.model)
	_ = writer.WriteField("response_format", "verbose_json")
	if o.language != "" {
		_ = writer.WriteField("language", o.language)
	}
	if words {
		_ = writer.WriteField("timestamp_granularities[]", "word")
	}
	if err := writer.Close(); err != nil {
		return verboseTranscription{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint+"/audio/transcriptions", &body)
	if err != nil {
		return verboseTranscription{}, err
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := o.client.Do(req)
	if err != nil {
		return verboseTranscription{}, classify(ctx, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return verboseTranscription{}, classify(ctx, err)
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest && words:
		return verboseTranscription{}, errWordTimestamps
	case resp.StatusCode == http.StatusBadRequest:
		return verboseTranscription{}, fmt.Errorf("%w: %s", ErrAudioUnreadable, snippet(raw))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return verboseTranscription{}, fmt.Errorf("%w: status %d: %s", ErrBackendUnavailable, resp.StatusCode, snippet(raw))
	case resp.StatusCode >= 300:
		return verboseTranscription{}, fmt.Errorf("transcription api error %d: %s", resp.StatusCode, snippet(raw))
	}

	var out verboseTranscription
	if err := json.Unmarshal(raw, &out); err != nil {
		return verboseTranscription{}, fmt.Errorf("decode transcription response: %w", err)
	}
	return out, nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 256 {
		s = s[:256] + "..."
	}
	return s
}
