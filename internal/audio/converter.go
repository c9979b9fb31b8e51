package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/loqalabs/orator/internal/config"
	"github.com/mattn/go-shellwords"
)

var (
	ErrConversionFailed = errors.New("audio conversion failed")
	ErrEmptyAudio       = errors.New("audio is empty")
)

// Converter normalizes recordings to mono signed 16-bit little-endian PCM at
// a fixed sample rate. Outputs are written next to the input as <stem>.pcm
// and reused when present.
type Converter struct {
	ffmpeg     []string
	sampleRate int
	log        *slog.Logger
}

func NewConverter(cfg config.AudioConfig, log *slog.Logger) (*Converter, error) {
	args, err := shellwords.NewParser().Parse(cfg.FFmpegCommand)
	if err != nil {
		return nil, fmt.Errorf("parse ffmpeg command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("ffmpeg command is empty")
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	return &Converter{
		ffmpeg:     args,
		sampleRate: rate,
		log:        log.With(slog.String("component", "audio")),
	}, nil
}

func (c *Converter) SampleRate() int { return c.sampleRate }

// PCMPath returns where the converted artifact for input lives.
func PCMPath(input string) string {
	ext := filepath.Ext(input)
	return strings.TrimSuffix(input, ext) + ".pcm"
}

func isRawPCM(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pcm", ".raw":
		return true
	}
	return false
}

// ToPCM returns the path of a PCM rendition of input, converting only when
// no rendition exists yet. Raw PCM inputs are returned unchanged.
func (c *Converter) ToPCM(ctx context.Context, input string) (string, error) {
	info, err := os.Stat(input)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrConversionFailed, err)
	}
	if info.Size() == 0 {
		return "", ErrEmptyAudio
	}
	if isRawPCM(input) {
		return input, nil
	}

	output := PCMPath(input)
	if out, err := os.Stat(output); err == nil && out.Size() > 0 {
		c.log.Debug("pcm rendition cached", slog.String("path", output))
		return output, nil
	}

	if strings.EqualFold(filepath.Ext(input), ".wav") {
		if err := c.convertWAV(input, output); err == nil {
			return output, nil
		} else if errors.Is(err, ErrEmptyAudio) {
			return "", err
		} else {
			c.log.Debug("native wav decode failed, falling back to ffmpeg", slog.String("error", err.Error()))
		}
	}

	if err := c.convertFFmpeg(ctx, input, output); err != nil {
		return "", err
	}
	return output, nil
}

func (c *Converter) convertWAV(input, output string) error {
	f, err := os.Open(input)
	if err != nil {
		return err
	}
	defer f.Close()

	pcm, err := DecodeWAVMono(f, c.sampleRate)
	if err != nil {
		return err
	}
	if len(pcm) == 0 {
		return ErrEmptyAudio
	}
	return writeAtomic(output, pcm)
}

func (c *Converter) convertFFmpeg(ctx context.Context, input, output string) error {
	tmp := output + ".part"
	args := append([]string{}, c.ffmpeg[1:]...)
	args = append(args,
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", input,
		"-ac", "1",
		"-ar", strconv.Itoa(c.sampleRate),
		"-f", "s16le",
		tmp,
	)
	cmd := exec.CommandContext(ctx, c.ffmpeg[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	c.log.Info("converting recording", slog.String("input", input), slog.Int("sample_rate", c.sampleRate))
	if err := cmd.Run(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: %v: %s", ErrConversionFailed, err, strings.TrimSpace(stderr.String()))
	}
	info, err := os.Stat(tmp)
	if err != nil {
		return fmt.Errorf("%w: output missing: %v", ErrConversionFailed, err)
	}
	if info.Size() == 0 {
		_ = os.Remove(tmp)
		return ErrEmptyAudio
	}
	if err := os.Rename(tmp, output); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrConversionFailed, err)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// CleanupReport describes a best-effort artifact cleanup.
type CleanupReport struct {
	Attempted bool
	Removed   []string
	Err       error
}

// Cleanup removes the PCM rendition created for input. Inputs that already
// were raw PCM are never deleted since the converter does not own them.
func (c *Converter) Cleanup(input string) CleanupReport {
	if input == "" || isRawPCM(input) {
		return CleanupReport{}
	}
	report := CleanupReport{Attempted: true}
	artifact := PCMPath(input)
	if err := os.Remove(artifact); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			report.Err = err
			c.log.Warn("pcm cleanup failed", slog.String("path", artifact), slog.String("error", err.Error()))
		}
		return report
	}
	report.Removed = append(report.Removed, artifact)
	return report
}

// ReadPCM converts input and loads the resulting samples.
func (c *Converter) ReadPCM(ctx context.Context, input string) ([]byte, error) {
	path, err := c.ToPCM(ctx, input)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConversionFailed, err)
	}
	if len(data) < 2 {
		return nil, ErrEmptyAudio
	}
	return data[:len(data)-len(data)%2], nil
}
