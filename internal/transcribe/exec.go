package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/loqalabs/orator/internal/audio"
	"github.com/mattn/go-shellwords"
)

// Exec runs a local recognizer command against a WAV rendition of the
// recording. The command receives --audio <file> and --language <code> and
// prints {"text": ..., "duration": ...} on stdout.
type Exec struct {
	cmd      []string
	language string
	conv     *audio.Converter
	log      *slog.Logger
}

type execResult struct {
	Text     string  `json:"text"`
	Language string  `json:"language,omitempty"`
	Duration float64 `json:"duration,omitempty"`
	Words    []Word  `json:"words,omitempty"`
}

func NewExec(command, language string, conv *audio.Converter, log *slog.Logger) (*Exec, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse transcription command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("transcription command is empty")
	}
	if conv == nil {
		return nil, fmt.Errorf("exec transcription requires an audio converter")
	}
	return &Exec{cmd: args, language: language, conv: conv, log: log.With(slog.String("component", "transcribe-exec"))}, nil
}

func (e *Exec) Model() Model { return ModelBatch }

func (e *Exec) Ready() error { return nil }

func (e *Exec) Transcribe(ctx context.Context, path string) (Result, error) {
	pcm, err := e.conv.ReadPCM(ctx, path)
	if err != nil {
		return Result{}, classify(ctx, err)
	}

	file, err := os.CreateTemp("", "orator_stt_*.wav")
	if err != nil {
		return Result{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := audio.WritePCMToWAV(file, pcm, e.conv.SampleRate(), 1); err != nil {
		return Result{}, err
	}

	args := append([]string{}, e.cmd[1:]...)
	args = append(args, "--audio", file.Name())
	if e.language != "" {
		args = append(args, "--language", e.language)
	}
	command := exec.CommandContext(ctx, e.cmd[0], args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return Result{}, classify(ctx, fmt.Errorf("transcription command failed: %w: %s", err, strings.TrimSpace(stderr.String())))
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Result{}, fmt.Errorf("decode transcription output: %w", err)
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return Result{}, fmt.Errorf("%w: no speech recognized", ErrAudioUnreadable)
	}
	duration := resp.Duration
	if duration <= 0 {
		duration = audio.PCMDuration(int64(len(pcm)), e.conv.SampleRate())
	}
	return Result{Text: text, Words: resp.Words, Language: resp.Language, DurationSeconds: duration}, nil
}

// pcmToWAVBytes renders PCM as an in-memory WAV file. The encoder needs a
// seekable writer, so it goes through a temporary file.
func pcmToWAVBytes(pcm []byte, sampleRate int) ([]byte, error) {
	file, err := os.CreateTemp("", "orator_upload_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()
	if err := audio.WritePCMToWAV(file, pcm, sampleRate, 1); err != nil {
		return nil, err
	}
	return os.ReadFile(file.Name())
}
