package evaluation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/orator/internal/analysis"
	"github.com/loqalabs/orator/internal/audio"
	"github.com/loqalabs/orator/internal/config"
	"github.com/loqalabs/orator/internal/storage"
	"github.com/loqalabs/orator/internal/store"
	"github.com/loqalabs/orator/internal/transcribe"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeBackend struct {
	model transcribe.Model
	res   transcribe.Result
	err   error
	calls atomic.Int32
}

func (f *fakeBackend) Model() transcribe.Model { return f.model }
func (f *fakeBackend) Ready() error            { return nil }
func (f *fakeBackend) Transcribe(ctx context.Context, path string) (transcribe.Result, error) {
	f.calls.Add(1)
	return f.res, f.err
}

type fakeGateway struct{ backend *fakeBackend }

func (g fakeGateway) For(model transcribe.Model) (transcribe.Backend, error) {
	return g.backend, nil
}

type fakeCleaner struct{ calls atomic.Int32 }

func (c *fakeCleaner) Cleanup(path string) audio.CleanupReport {
	c.calls.Add(1)
	return audio.CleanupReport{Attempted: true, Removed: []string{audio.PCMPath(path)}}
}

type fixedAnalyzer struct {
	res analysis.Result
	err error
}

func (a fixedAnalyzer) Analyze(ctx context.Context, transcript string) (analysis.Result, error) {
	return a.res, a.err
}

type fixture struct {
	store    *store.Store
	files    *storage.Local
	backend  *fakeBackend
	cleaner  *fakeCleaner
	pipeline *Pipeline
}

func newFixture(t *testing.T, analyzer analysis.Analyzer) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	st, err := store.Open(ctx, config.StoreConfig{Path: filepath.Join(dir, "orator.db")}, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.EnsureUser(ctx, 1, "u@example.com", 5); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	files, err := storage.NewLocal(filepath.Join(dir, "uploads"), 1<<20, newLogger())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	f := &fixture{
		store:   st,
		files:   files,
		backend: &fakeBackend{model: transcribe.ModelBatch, res: transcribe.Result{Text: "hello there"}},
		cleaner: &fakeCleaner{},
	}
	f.pipeline = New(st, files, fakeGateway{backend: f.backend}, analyzer, f.cleaner,
		Options{Language: "en", AnalysisTimeout: time.Second, BytesPerSecond: 2500}, newLogger())
	return f
}

// session creates a session and, when size > 0, binds a recording of size bytes.
func (f *fixture) session(t *testing.T, id string, size int) string {
	t.Helper()
	ctx := context.Background()
	if _, _, err := f.store.CreateSession(ctx, store.NewSession{
		SessionID:          id,
		UserID:             1,
		ChallengeID:        1,
		TranscriptionModel: string(transcribe.ModelBatch),
	}, 1); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if size == 0 {
		return ""
	}
	path := f.files.PathFor(id, "call.webm")
	if _, err := f.files.Write(strings.NewReader(strings.Repeat("x", size)), path); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	if err := f.store.SetAudioPath(ctx, id, path); err != nil {
		t.Fatalf("set audio: %v", err)
	}
	return path
}

func TestRunPersistsBoundedFeedback(t *testing.T) {
	f := newFixture(t, fixedAnalyzer{res: analysis.Result{
		ClarityScore: 180, Confidence: -5, Tone: "calm", FillerWords: "-", Highlights: []string{"pace"}, Narrative: "ok",
	}})
	f.session(t, "s1", 5000)

	out, err := f.pipeline.Run(context.Background(), "s1", "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Feedback.ClarityScore != 100 || out.Feedback.Confidence != 0 {
		t.Fatalf("scores not clamped: %+v", out.Feedback)
	}
	if out.Feedback.DurationSeconds != 2 || !out.Feedback.DurationEstimated {
		t.Fatalf("expected estimated 2s duration, got %+v", out.Feedback)
	}
	if !out.Cleanup.Attempted || f.cleaner.calls.Load() != 1 {
		t.Fatalf("expected cleanup to run once")
	}

	stored, err := f.store.GetFeedback(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get feedback: %v", err)
	}
	if stored.Transcript != "hello there" || stored.TranscriptionModel != "batch" {
		t.Fatalf("unexpected stored feedback %+v", stored)
	}
}

func TestRunUsesReportedDuration(t *testing.T) {
	f := newFixture(t, analysis.NewMock())
	f.backend.res.DurationSeconds = 12.5
	f.session(t, "s1", 100)

	out, err := f.pipeline.Run(context.Background(), "s1", "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Feedback.DurationSeconds != 12.5 || out.Feedback.DurationEstimated {
		t.Fatalf("unexpected duration %+v", out.Feedback)
	}
}

func TestShortRecordingEstimatesOneSecond(t *testing.T) {
	f := newFixture(t, analysis.NewMock())
	f.session(t, "s1", 10)
	out, err := f.pipeline.Run(context.Background(), "s1", "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Feedback.DurationSeconds != 1 {
		t.Fatalf("expected 1s floor, got %v", out.Feedback.DurationSeconds)
	}
}

func TestRealtimeTranscriptSkipsBackend(t *testing.T) {
	f := newFixture(t, analysis.NewMock())
	f.session(t, "s1", 3000)

	out, err := f.pipeline.Run(context.Background(), "s1", "  live words here  ")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if f.backend.calls.Load() != 0 {
		t.Fatalf("backend must not be called when a realtime transcript is supplied")
	}
	if out.Feedback.Transcript != "live words here" {
		t.Fatalf("unexpected transcript %q", out.Feedback.Transcript)
	}
}

func TestAnalysisFailureDegrades(t *testing.T) {
	f := newFixture(t, fixedAnalyzer{err: errors.New("model offline")})
	f.session(t, "s1", 3000)

	out, err := f.pipeline.Run(context.Background(), "s1", "")
	if err != nil {
		t.Fatalf("run must not fail on analysis errors: %v", err)
	}
	if !errors.Is(out.AnalysisErr, analysis.ErrAnalysisDegraded) {
		t.Fatalf("expected degraded note, got %v", out.AnalysisErr)
	}
	want := analysis.Default("en")
	if out.Feedback.ClarityScore != want.ClarityScore || out.Feedback.Tone != want.Tone || !out.Feedback.AnalysisDegraded {
		t.Fatalf("expected default result, got %+v", out.Feedback)
	}
}

func TestRunPreconditions(t *testing.T) {
	f := newFixture(t, analysis.NewMock())
	ctx := context.Background()

	if _, err := f.pipeline.Run(ctx, "missing", ""); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	f.session(t, "no-audio", 0)
	if _, err := f.pipeline.Run(ctx, "no-audio", ""); !errors.Is(err, ErrAudioNotUploaded) {
		t.Fatalf("expected ErrAudioNotUploaded, got %v", err)
	}

	path := f.session(t, "gone", 100)
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := f.pipeline.Run(ctx, "gone", ""); !errors.Is(err, ErrAudioMissing) {
		t.Fatalf("expected ErrAudioMissing, got %v", err)
	}
	if f.cleaner.calls.Load() != 0 {
		t.Fatalf("cleanup must not run before the recording is located")
	}
}

func TestTranscriptionFailureIsRetryable(t *testing.T) {
	f := newFixture(t, analysis.NewMock())
	f.backend.err = transcribe.ErrTranscriptionTimeout
	f.session(t, "s1", 3000)

	out, err := f.pipeline.Run(context.Background(), "s1", "")
	if !errors.Is(err, transcribe.ErrTranscriptionTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if !out.Cleanup.Attempted {
		t.Fatalf("cleanup must run after a failed transcription")
	}
	if _, err := f.store.GetFeedback(context.Background(), "s1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("no feedback expected, got %v", err)
	}

	f.backend.err = nil
	if _, err := f.pipeline.Run(context.Background(), "s1", ""); err != nil {
		t.Fatalf("retry: %v", err)
	}
}
