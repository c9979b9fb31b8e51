// Package lifecycle drives a call session from start through evaluation.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/orator/internal/evaluation"
	"github.com/loqalabs/orator/internal/protocol"
	"github.com/loqalabs/orator/internal/store"
	"github.com/loqalabs/orator/internal/telemetry"
	"github.com/loqalabs/orator/internal/transcribe"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrInsufficientCredit = store.ErrInsufficientCredit
	ErrSessionNotFound    = evaluation.ErrSessionNotFound
	ErrAudioNotUploaded   = evaluation.ErrAudioNotUploaded
	ErrAudioMissing       = evaluation.ErrAudioMissing
	ErrInvalidModel       = transcribe.ErrInvalidModel
	ErrUserNotFound       = errors.New("user not found")
	ErrUploadIO           = errors.New("upload failed")
	ErrSessionEnded       = errors.New("session already ended")
	ErrSessionNotEnded    = errors.New("session not ended")
)

// EvaluationWarning is returned to callers of End when the recording was kept
// but could not be scored.
const EvaluationWarning = "Session saved but analysis failed. Please try again later."

// Feedback statuses reported when no feedback row exists.
const (
	StatusReady            = "ready"
	StatusRecording        = "recording"
	StatusNoAudio          = "no_audio"
	StatusEvaluationFailed = "evaluation_failed"
)

// CreditCost is charged once per started session.
const CreditCost = 1

type Store interface {
	CreateSession(ctx context.Context, in store.NewSession, cost int) (store.Session, int, error)
	GetSession(ctx context.Context, sessionID string) (store.Session, error)
	SetAudioPath(ctx context.Context, sessionID, path string) error
	MarkEnded(ctx context.Context, sessionID string, at time.Time) (bool, error)
	GetFeedback(ctx context.Context, sessionID string) (store.Feedback, error)
}

type Files interface {
	PathFor(sessionID, filename string) string
	Write(r io.Reader, path string) (int64, error)
	Exists(path string) bool
	Delete(path string) error
}

type Evaluator interface {
	Run(ctx context.Context, sessionID, realtimeTranscript string) (evaluation.Outcome, error)
}

// Publisher emits lifecycle events. Failures are logged only.
type Publisher interface {
	Publish(name string, v any) error
}

type noopPublisher struct{}

func (noopPublisher) Publish(string, any) error { return nil }

type Deps struct {
	Store        Store
	Files        Files
	Evaluator    Evaluator
	Cleaner      evaluation.Cleaner
	Events       Publisher
	Recorder     *telemetry.Recorder
	DefaultModel transcribe.Model
	Logger       *slog.Logger
}

// Controller implements the session lifecycle operations.
type Controller struct {
	store     Store
	files     Files
	evaluator Evaluator
	cleaner   evaluation.Cleaner
	events    Publisher
	recorder  *telemetry.Recorder
	model     transcribe.Model
	log       *slog.Logger
	clock     func() time.Time
	newID     func() string

	started metric.Int64Counter
	denied  metric.Int64Counter
}

func NewController(d Deps) *Controller {
	if d.Events == nil {
		d.Events = noopPublisher{}
	}
	if d.DefaultModel == "" {
		d.DefaultModel = transcribe.ModelBatch
	}
	c := &Controller{
		store:     d.Store,
		files:     d.Files,
		evaluator: d.Evaluator,
		cleaner:   d.Cleaner,
		events:    d.Events,
		recorder:  d.Recorder,
		model:     d.DefaultModel,
		log:       d.Logger.With(slog.String("component", "lifecycle")),
		clock:     time.Now,
		newID:     uuid.NewString,
	}
	meter := otel.Meter("github.com/loqalabs/orator/lifecycle")
	var err error
	if c.started, err = meter.Int64Counter("orator.sessions.started", metric.WithDescription("Sessions started")); err != nil {
		c.log.Warn("failed to create counter", slog.String("error", err.Error()))
	}
	if c.denied, err = meter.Int64Counter("orator.sessions.denied", metric.WithDescription("Starts refused for lack of credit")); err != nil {
		c.log.Warn("failed to create counter", slog.String("error", err.Error()))
	}
	return c
}

type StartResult struct {
	SessionID          string           `json:"sessionId"`
	CreditsRemaining   int              `json:"creditsRemaining"`
	TranscriptionModel transcribe.Model `json:"transcriptionModel"`
}

// Start charges one credit and opens a session bound to model. An empty
// model selects the configured default.
func (c *Controller) Start(ctx context.Context, userID, challengeID int64, model string) (StartResult, error) {
	begin := c.clock()
	m := c.model
	if model != "" {
		parsed, err := transcribe.ParseModel(model)
		if err != nil {
			return StartResult{}, err
		}
		m = parsed
	}

	sess, remaining, err := c.store.CreateSession(ctx, store.NewSession{
		SessionID:          c.newID(),
		UserID:             userID,
		ChallengeID:        challengeID,
		TranscriptionModel: string(m),
	}, CreditCost)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrInsufficientCredit):
			c.add(ctx, c.denied)
			c.record(ctx, telemetry.Event{Level: slog.LevelWarn, Category: telemetry.CategoryUser, Action: "call_start_denied", UserID: userID})
			return StartResult{}, ErrInsufficientCredit
		case errors.Is(err, store.ErrNotFound):
			return StartResult{}, fmt.Errorf("%w: %d", ErrUserNotFound, userID)
		}
		return StartResult{}, fmt.Errorf("start session: %w", err)
	}

	c.add(ctx, c.started, attribute.String("model", string(m)))
	c.record(ctx, telemetry.Event{
		Level:     slog.LevelInfo,
		Category:  telemetry.CategoryUser,
		Action:    "call_started",
		UserID:    userID,
		SessionID: sess.SessionID,
		Metadata:  map[string]any{"challenge_id": challengeID, "model": string(m), "credits_remaining": remaining},
		Duration:  c.clock().Sub(begin),
	})
	c.publish(protocol.SubjectSessionStarted, protocol.SessionEvent{
		SessionID:          sess.SessionID,
		UserID:             userID,
		TranscriptionModel: string(m),
		CreditsRemaining:   &remaining,
		Timestamp:          sess.StartedAt,
	})
	return StartResult{SessionID: sess.SessionID, CreditsRemaining: remaining, TranscriptionModel: m}, nil
}

type UploadResult struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Bytes     int64  `json:"bytes"`
}

// RecordUpload stores the recording for a session that has not ended.
// Uploading again before End replaces the previous recording.
func (c *Controller) RecordUpload(ctx context.Context, sessionID, filename string, r io.Reader) (UploadResult, error) {
	sess, err := c.load(ctx, sessionID)
	if err != nil {
		return UploadResult{}, err
	}
	if _, err := Transition(stateOf(sess.Ended(), sess.HasAudio(), false), EventUpload); err != nil {
		return UploadResult{}, fmt.Errorf("%w: %s", ErrSessionEnded, sessionID)
	}

	path := c.files.PathFor(sessionID, filename)
	if sess.HasAudio() && c.cleaner != nil {
		// A conversion of the previous recording must not be reused.
		c.cleaner.Cleanup(sess.AudioPath)
	}
	n, err := c.files.Write(r, path)
	if err != nil {
		c.record(ctx, telemetry.Event{Category: telemetry.CategoryAPI, Action: "upload_failed", UserID: sess.UserID, SessionID: sessionID, Err: err})
		return UploadResult{}, fmt.Errorf("%w: %w", ErrUploadIO, err)
	}
	if err := c.store.SetAudioPath(ctx, sessionID, path); err != nil {
		if errors.Is(err, store.ErrSessionClosed) {
			if path != sess.AudioPath {
				_ = c.files.Delete(path)
			}
			return UploadResult{}, fmt.Errorf("%w: %s", ErrSessionEnded, sessionID)
		}
		return UploadResult{}, fmt.Errorf("%w: %w", ErrUploadIO, err)
	}
	if sess.HasAudio() && sess.AudioPath != path {
		if err := c.files.Delete(sess.AudioPath); err != nil {
			c.log.Warn("remove replaced recording failed", slog.String("path", sess.AudioPath), slog.String("error", err.Error()))
		}
	}

	c.record(ctx, telemetry.Event{
		Level:     slog.LevelInfo,
		Category:  telemetry.CategoryUser,
		Action:    "audio_uploaded",
		UserID:    sess.UserID,
		SessionID: sessionID,
		Metadata:  map[string]any{"bytes": n, "filename": filename},
	})
	c.publish(protocol.SubjectSessionUploaded, protocol.SessionEvent{
		SessionID:  sessionID,
		UserID:     sess.UserID,
		AudioBytes: n,
		Timestamp:  c.clock().UTC(),
	})
	return UploadResult{SessionID: sessionID, Path: path, Bytes: n}, nil
}

type EndResult struct {
	SessionID    string          `json:"sessionId"`
	Feedback     *store.Feedback `json:"feedback,omitempty"`
	Warning      string          `json:"warning,omitempty"`
	CanRetry     bool            `json:"canRetry,omitempty"`
	AlreadyEnded bool            `json:"alreadyEnded,omitempty"`
}

// End closes the session and evaluates it. An evaluation failure keeps the
// session ended and is reported through Warning. Ending twice never changes
// endedAt; it returns stored feedback or evaluates again.
func (c *Controller) End(ctx context.Context, sessionID, realtimeTranscript string) (EndResult, error) {
	sess, err := c.load(ctx, sessionID)
	if err != nil {
		return EndResult{}, err
	}
	stored, err := c.storedFeedback(ctx, sessionID)
	if err != nil {
		return EndResult{}, err
	}
	state := stateOf(sess.Ended(), sess.HasAudio(), stored != nil)
	next, err := Transition(state, EventEnd)
	if err != nil {
		return EndResult{}, fmt.Errorf("%w: %s", ErrAudioNotUploaded, sessionID)
	}

	res := EndResult{SessionID: sessionID, AlreadyEnded: state != StateUploaded}
	if next == StateEvaluated {
		res.Feedback = stored
		return res, nil
	}

	if state == StateUploaded {
		changed, err := c.store.MarkEnded(ctx, sessionID, c.clock().UTC())
		if err != nil {
			return EndResult{}, fmt.Errorf("end session: %w", err)
		}
		if !changed {
			// Another End won the race; its feedback may already be stored.
			res.AlreadyEnded = true
			fb, err := c.storedFeedback(ctx, sessionID)
			if err != nil {
				return EndResult{}, err
			}
			if fb != nil {
				res.Feedback = fb
				return res, nil
			}
		} else {
			c.record(ctx, telemetry.Event{Level: slog.LevelInfo, Category: telemetry.CategoryUser, Action: "call_ended", UserID: sess.UserID, SessionID: sessionID})
			c.publish(protocol.SubjectSessionEnded, protocol.SessionEvent{
				SessionID:          sessionID,
				UserID:             sess.UserID,
				TranscriptionModel: sess.TranscriptionModel,
				Timestamp:          c.clock().UTC(),
			})
		}
	}

	fb, err := c.evaluate(ctx, sess, realtimeTranscript)
	if err != nil {
		res.Warning = EvaluationWarning
		res.CanRetry = retryable(err)
		return res, nil
	}
	res.Feedback = &fb
	return res, nil
}

// storedFeedback returns the persisted feedback, or nil when there is none.
func (c *Controller) storedFeedback(ctx context.Context, sessionID string) (*store.Feedback, error) {
	fb, err := c.store.GetFeedback(ctx, sessionID)
	switch {
	case err == nil:
		return &fb, nil
	case errors.Is(err, store.ErrNotFound):
		return nil, nil
	}
	return nil, fmt.Errorf("load feedback: %w", err)
}

type FeedbackView struct {
	Status   string          `json:"status"`
	Feedback *store.Feedback `json:"feedback,omitempty"`
	CanRetry bool            `json:"canRetry"`
}

// GetFeedback returns stored feedback or the reason it is absent.
func (c *Controller) GetFeedback(ctx context.Context, sessionID string) (FeedbackView, error) {
	sess, err := c.load(ctx, sessionID)
	if err != nil {
		return FeedbackView{}, err
	}
	fb, err := c.store.GetFeedback(ctx, sessionID)
	switch {
	case err == nil:
		return FeedbackView{Status: StatusReady, Feedback: &fb}, nil
	case !errors.Is(err, store.ErrNotFound):
		return FeedbackView{}, fmt.Errorf("load feedback: %w", err)
	}

	switch {
	case !sess.Ended():
		return FeedbackView{Status: StatusRecording}, nil
	case !sess.HasAudio() || !c.files.Exists(sess.AudioPath):
		return FeedbackView{Status: StatusNoAudio}, nil
	}
	return FeedbackView{Status: StatusEvaluationFailed, CanRetry: true}, nil
}

// RetryEvaluation re-runs evaluation for an ended session. It never touches
// credits and may be called any number of times.
func (c *Controller) RetryEvaluation(ctx context.Context, sessionID string) (store.Feedback, error) {
	sess, err := c.load(ctx, sessionID)
	if err != nil {
		return store.Feedback{}, err
	}
	stored, err := c.storedFeedback(ctx, sessionID)
	if err != nil {
		return store.Feedback{}, err
	}
	if _, err := Transition(stateOf(sess.Ended(), sess.HasAudio(), stored != nil), EventRetry); err != nil {
		return store.Feedback{}, fmt.Errorf("%w: %s", ErrSessionNotEnded, sessionID)
	}
	c.record(ctx, telemetry.Event{Level: slog.LevelInfo, Category: telemetry.CategoryUser, Action: "evaluation_retry", UserID: sess.UserID, SessionID: sessionID})
	return c.evaluate(ctx, sess, "")
}

// Info returns the persisted session record.
func (c *Controller) Info(ctx context.Context, sessionID string) (store.Session, error) {
	return c.load(ctx, sessionID)
}

// evaluate runs the pipeline for an ended session and reports the outcome.
func (c *Controller) evaluate(ctx context.Context, sess store.Session, realtimeTranscript string) (store.Feedback, error) {
	// Callers have moved the session to StateEnded before evaluating.
	state := StateEnded
	begin := c.clock()
	out, err := c.evaluator.Run(ctx, sess.SessionID, realtimeTranscript)
	if err != nil {
		state, _ = Transition(state, EventFail)
		c.log.Warn("evaluation failed",
			slog.String("session_id", sess.SessionID),
			slog.String("state", string(state)),
			slog.String("error", err.Error()))
		c.record(ctx, telemetry.Event{
			Category:  telemetry.CategoryExternal,
			Action:    "evaluation_failed",
			UserID:    sess.UserID,
			SessionID: sess.SessionID,
			Duration:  c.clock().Sub(begin),
			Err:       err,
		})
		c.publish(protocol.SubjectFeedbackFailed, protocol.FeedbackEvent{
			SessionID: sess.SessionID,
			Error:     err.Error(),
			CanRetry:  retryable(err),
			Timestamp: c.clock().UTC(),
		})
		return store.Feedback{}, err
	}
	state, _ = Transition(state, EventEvaluated)

	meta := map[string]any{
		"clarity_score":      out.Feedback.ClarityScore,
		"duration_seconds":   out.Feedback.DurationSeconds,
		"duration_estimated": out.Feedback.DurationEstimated,
		"cleanup_removed":    len(out.Cleanup.Removed),
		"state":              string(state),
	}
	if out.Cleanup.Err != nil {
		meta["cleanup_error"] = out.Cleanup.Err.Error()
	}
	if out.AnalysisErr != nil {
		meta["analysis_error"] = out.AnalysisErr.Error()
	}
	c.record(ctx, telemetry.Event{
		Level:     slog.LevelInfo,
		Category:  telemetry.CategoryExternal,
		Action:    "evaluation_complete",
		UserID:    sess.UserID,
		SessionID: sess.SessionID,
		Metadata:  meta,
		Duration:  c.clock().Sub(begin),
	})
	c.publish(protocol.SubjectFeedbackReady, protocol.FeedbackEvent{
		SessionID:        sess.SessionID,
		ClarityScore:     out.Feedback.ClarityScore,
		Confidence:       out.Feedback.Confidence,
		AnalysisDegraded: out.Feedback.AnalysisDegraded,
		Timestamp:        c.clock().UTC(),
	})
	return out.Feedback, nil
}

func (c *Controller) load(ctx context.Context, sessionID string) (store.Session, error) {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return store.Session{}, fmt.Errorf("load session: %w", err)
	}
	return sess, nil
}

func (c *Controller) publish(name string, v any) {
	if err := c.events.Publish(name, v); err != nil {
		c.log.Warn("publish event failed", slog.String("subject", name), slog.String("error", err.Error()))
	}
}

func (c *Controller) record(ctx context.Context, e telemetry.Event) {
	c.recorder.Record(ctx, e)
}

func (c *Controller) add(ctx context.Context, counter metric.Int64Counter, attrs ...attribute.KeyValue) {
	if counter != nil {
		counter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// retryable reports whether evaluating again could succeed without a new
// recording.
func retryable(err error) bool {
	return !errors.Is(err, ErrAudioMissing) && !errors.Is(err, transcribe.ErrAudioUnreadable)
}
