package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/orator/internal/analysis"
	"github.com/loqalabs/orator/internal/audio"
	"github.com/loqalabs/orator/internal/config"
	"github.com/loqalabs/orator/internal/evaluation"
	"github.com/loqalabs/orator/internal/protocol"
	"github.com/loqalabs/orator/internal/storage"
	"github.com/loqalabs/orator/internal/store"
	"github.com/loqalabs/orator/internal/telemetry"
	"github.com/loqalabs/orator/internal/transcribe"
	"github.com/stretchr/testify/require"
)

type stubBackend struct {
	mu    sync.Mutex
	err   error
	calls atomic.Int32
}

func (b *stubBackend) Model() transcribe.Model { return transcribe.ModelBatch }
func (b *stubBackend) Ready() error            { return nil }
func (b *stubBackend) Transcribe(ctx context.Context, path string) (transcribe.Result, error) {
	b.calls.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return transcribe.Result{}, b.err
	}
	return transcribe.Result{Text: "ну вот мой ответ на вопрос", DurationSeconds: 4}, nil
}

func (b *stubBackend) fail(err error) {
	b.mu.Lock()
	b.err = err
	b.mu.Unlock()
}

type stubGateway struct{ b *stubBackend }

func (g stubGateway) For(transcribe.Model) (transcribe.Backend, error) { return g.b, nil }

type nopCleaner struct{}

func (nopCleaner) Cleanup(string) audio.CleanupReport { return audio.CleanupReport{} }

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *recordingPublisher) Publish(name string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, name)
	return nil
}

func (p *recordingPublisher) seen() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.subjects...)
}

type harness struct {
	ctl     *Controller
	store   *store.Store
	backend *stubBackend
	events  *recordingPublisher
}

func newHarness(t *testing.T, credits int) *harness {
	t.Helper()
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()

	st, err := store.Open(ctx, config.StoreConfig{Path: filepath.Join(dir, "orator.db")}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.EnsureUser(ctx, 1, "caller@example.com", credits))

	files, err := storage.NewLocal(filepath.Join(dir, "sessions"), 1<<20, log)
	require.NoError(t, err)

	backend := &stubBackend{}
	pipeline := evaluation.New(st, files, stubGateway{b: backend}, analysis.NewMock(), nopCleaner{},
		evaluation.Options{Language: "ru", AnalysisTimeout: time.Second}, log)
	events := &recordingPublisher{}
	ctl := NewController(Deps{
		Store:     st,
		Files:     files,
		Evaluator: pipeline,
		Cleaner:   nopCleaner{},
		Events:    events,
		Recorder:  telemetry.NewRecorder(st, log),
		Logger:    log,
	})
	return &harness{ctl: ctl, store: st, backend: backend, events: events}
}

func (h *harness) startAndUpload(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	res, err := h.ctl.Start(ctx, 1, 1, "batch")
	require.NoError(t, err)
	_, err = h.ctl.RecordUpload(ctx, res.SessionID, "answer.webm", strings.NewReader(strings.Repeat("a", 4000)))
	require.NoError(t, err)
	return res.SessionID
}

func TestCallScenarioEndToEnd(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	h.ctl.newID = func() string { return "s1" }

	started, err := h.ctl.Start(ctx, 1, 1, "batch")
	require.NoError(t, err)
	require.Equal(t, "s1", started.SessionID)
	require.Equal(t, 0, started.CreditsRemaining)

	up, err := h.ctl.RecordUpload(ctx, "s1", "recording.webm", strings.NewReader("fake-webm-bytes"))
	require.NoError(t, err)
	require.Equal(t, ".webm", filepath.Ext(up.Path))

	info, err := h.ctl.Info(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, up.Path, info.AudioPath)

	ended, err := h.ctl.End(ctx, "s1", "")
	require.NoError(t, err)
	require.Empty(t, ended.Warning)
	require.NotNil(t, ended.Feedback)
	require.GreaterOrEqual(t, ended.Feedback.ClarityScore, 0)
	require.LessOrEqual(t, ended.Feedback.ClarityScore, 100)

	view, err := h.ctl.GetFeedback(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, StatusReady, view.Status)
	require.Equal(t, ended.Feedback.Transcript, view.Feedback.Transcript)
	require.Equal(t, ended.Feedback.ClarityScore, view.Feedback.ClarityScore)

	_, err = h.ctl.Start(ctx, 1, 1, "batch")
	require.ErrorIs(t, err, ErrInsufficientCredit)

	require.Equal(t, []string{
		protocol.SubjectSessionStarted,
		protocol.SubjectSessionUploaded,
		protocol.SubjectSessionEnded,
		protocol.SubjectFeedbackReady,
	}, h.events.seen())
}

func TestEndWithoutAudioNeverMutates(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	res, err := h.ctl.Start(ctx, 1, 1, "")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = h.ctl.End(ctx, res.SessionID, "")
		require.ErrorIs(t, err, ErrAudioNotUploaded)
	}
	sess, err := h.store.GetSession(ctx, res.SessionID)
	require.NoError(t, err)
	require.Nil(t, sess.EndedAt)

	view, err := h.ctl.GetFeedback(ctx, res.SessionID)
	require.NoError(t, err)
	require.Equal(t, StatusRecording, view.Status)
}

func TestEndIsIdempotent(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	id := h.startAndUpload(t)

	first, err := h.ctl.End(ctx, id, "")
	require.NoError(t, err)
	sess, err := h.store.GetSession(ctx, id)
	require.NoError(t, err)
	endedAt := *sess.EndedAt

	second, err := h.ctl.End(ctx, id, "")
	require.NoError(t, err)
	require.True(t, second.AlreadyEnded)
	require.Equal(t, first.Feedback.Transcript, second.Feedback.Transcript)
	require.EqualValues(t, 1, h.backend.calls.Load())

	sess, err = h.store.GetSession(ctx, id)
	require.NoError(t, err)
	require.True(t, endedAt.Equal(*sess.EndedAt))

	balance, err := h.store.Balance(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 2, balance)
}

func TestEvaluationFailureKeepsSessionRetryable(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	id := h.startAndUpload(t)
	h.backend.fail(transcribe.ErrTranscriptionTimeout)

	res, err := h.ctl.End(ctx, id, "")
	require.NoError(t, err)
	require.Equal(t, EvaluationWarning, res.Warning)
	require.True(t, res.CanRetry)
	require.Nil(t, res.Feedback)

	sess, err := h.store.GetSession(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, sess.EndedAt)

	view, err := h.ctl.GetFeedback(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusEvaluationFailed, view.Status)
	require.True(t, view.CanRetry)

	h.backend.fail(nil)
	fb, err := h.ctl.RetryEvaluation(ctx, id)
	require.NoError(t, err)
	require.NotEmpty(t, fb.Transcript)

	_, err = h.ctl.RetryEvaluation(ctx, id)
	require.NoError(t, err)

	balance, err := h.store.Balance(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 0, balance)
	require.Contains(t, h.events.seen(), protocol.SubjectFeedbackFailed)
}

func TestSecondEndAfterFailureEvaluatesAgain(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	id := h.startAndUpload(t)
	h.backend.fail(errors.New("connection reset"))

	_, err := h.ctl.End(ctx, id, "")
	require.NoError(t, err)

	h.backend.fail(nil)
	res, err := h.ctl.End(ctx, id, "")
	require.NoError(t, err)
	require.True(t, res.AlreadyEnded)
	require.NotNil(t, res.Feedback)
	require.EqualValues(t, 2, h.backend.calls.Load())
}

func TestRealtimeTranscriptIsUsedOnEnd(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	res, err := h.ctl.Start(ctx, 1, 1, "scribe")
	require.NoError(t, err)
	require.Equal(t, transcribe.ModelStreaming, res.TranscriptionModel)
	_, err = h.ctl.RecordUpload(ctx, res.SessionID, "live.webm", strings.NewReader("bytes"))
	require.NoError(t, err)

	ended, err := h.ctl.End(ctx, res.SessionID, "живая расшифровка")
	require.NoError(t, err)
	require.Equal(t, "живая расшифровка", ended.Feedback.Transcript)
	require.EqualValues(t, 0, h.backend.calls.Load())
}

func TestUploadRules(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	_, err := h.ctl.RecordUpload(ctx, "nope", "a.webm", strings.NewReader("x"))
	require.ErrorIs(t, err, ErrSessionNotFound)

	id := h.startAndUpload(t)
	again, err := h.ctl.RecordUpload(ctx, id, "retake.wav", strings.NewReader("second take"))
	require.NoError(t, err)
	sess, err := h.store.GetSession(ctx, id)
	require.NoError(t, err)
	require.Equal(t, again.Path, sess.AudioPath)

	_, err = h.ctl.End(ctx, id, "")
	require.NoError(t, err)
	_, err = h.ctl.RecordUpload(ctx, id, "late.webm", strings.NewReader("too late"))
	require.ErrorIs(t, err, ErrSessionEnded)
}

func TestStartValidation(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	_, err := h.ctl.Start(ctx, 1, 1, "telepathy")
	require.ErrorIs(t, err, ErrInvalidModel)

	_, err = h.ctl.Start(ctx, 42, 1, "batch")
	require.ErrorIs(t, err, ErrUserNotFound)

	balance, err := h.store.Balance(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, balance)
}

func TestRetryRequiresEndedSession(t *testing.T) {
	h := newHarness(t, 1)
	id := h.startAndUpload(t)
	_, err := h.ctl.RetryEvaluation(context.Background(), id)
	require.ErrorIs(t, err, ErrSessionNotEnded)
}

// brokenFiles stores nothing; every write fails with err.
type brokenFiles struct {
	Files
	err error
}

func (f brokenFiles) Write(io.Reader, string) (int64, error) { return 0, f.err }

func TestUploadWriteFailureKeepsRecording(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	id := h.startAndUpload(t)
	before, err := h.store.GetSession(ctx, id)
	require.NoError(t, err)

	h.ctl.files = brokenFiles{Files: h.ctl.files, err: errors.New("no space left on device")}

	_, err = h.ctl.RecordUpload(ctx, id, "retake.webm", strings.NewReader("second take"))
	require.ErrorIs(t, err, ErrUploadIO)
	after, err := h.store.GetSession(ctx, id)
	require.NoError(t, err)
	require.Equal(t, before.AudioPath, after.AudioPath)
	require.True(t, h.ctl.files.Exists(before.AudioPath))

	res, err := h.ctl.Start(ctx, 1, 1, "")
	require.NoError(t, err)
	_, err = h.ctl.RecordUpload(ctx, res.SessionID, "answer.webm", strings.NewReader("bytes"))
	require.ErrorIs(t, err, ErrUploadIO)
	fresh, err := h.store.GetSession(ctx, res.SessionID)
	require.NoError(t, err)
	require.Empty(t, fresh.AudioPath)

	_, err = h.ctl.End(ctx, res.SessionID, "")
	require.ErrorIs(t, err, ErrAudioNotUploaded)
}

func TestRetryIsRefusedBeforeEnd(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	res, err := h.ctl.Start(ctx, 1, 1, "")
	require.NoError(t, err)

	_, err = h.ctl.RetryEvaluation(ctx, res.SessionID)
	require.ErrorIs(t, err, ErrSessionNotEnded)
	require.EqualValues(t, 0, h.backend.calls.Load())
	require.Equal(t, []string{protocol.SubjectSessionStarted}, h.events.seen())
}
