package evaluation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/orator/internal/analysis"
	"github.com/loqalabs/orator/internal/audio"
	"github.com/loqalabs/orator/internal/store"
	"github.com/loqalabs/orator/internal/transcribe"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrAudioNotUploaded = errors.New("audio not uploaded")
	ErrAudioMissing     = errors.New("audio file missing")
)

// Sessions is the slice of the store the pipeline reads and writes.
type Sessions interface {
	GetSession(ctx context.Context, sessionID string) (store.Session, error)
	UpsertFeedback(ctx context.Context, fb store.Feedback) error
}

// Files answers questions about stored recordings.
type Files interface {
	Exists(path string) bool
	Size(path string) (int64, error)
}

// Transcribers resolves the backend bound to a session.
type Transcribers interface {
	For(model transcribe.Model) (transcribe.Backend, error)
}

// Cleaner releases conversion artifacts derived from a recording.
type Cleaner interface {
	Cleanup(path string) audio.CleanupReport
}

type Options struct {
	Language        string
	AnalysisTimeout time.Duration
	BytesPerSecond  int
}

// Outcome is the result of one run. Cleanup is reported separately and is
// filled even when the run fails after the recording was located.
type Outcome struct {
	Feedback    store.Feedback
	AnalysisErr error
	Cleanup     audio.CleanupReport
}

// Pipeline turns an ended session's recording into persisted feedback.
type Pipeline struct {
	sessions Sessions
	files    Files
	gateway  Transcribers
	analyzer analysis.Analyzer
	cleaner  Cleaner
	opts     Options
	log      *slog.Logger
	tracer   trace.Tracer
	runs     metric.Int64Counter
	clock    func() time.Time
}

func New(sessions Sessions, files Files, gateway Transcribers, analyzer analysis.Analyzer, cleaner Cleaner, opts Options, log *slog.Logger) *Pipeline {
	if opts.BytesPerSecond <= 0 {
		opts.BytesPerSecond = 2500
	}
	p := &Pipeline{
		sessions: sessions,
		files:    files,
		gateway:  gateway,
		analyzer: analyzer,
		cleaner:  cleaner,
		opts:     opts,
		log:      log.With(slog.String("component", "evaluation")),
		tracer:   otel.Tracer("github.com/loqalabs/orator/evaluation"),
		clock:    time.Now,
	}
	runs, err := otel.Meter("github.com/loqalabs/orator/evaluation").Int64Counter("orator.evaluations",
		metric.WithDescription("Evaluation runs by outcome"))
	if err != nil {
		p.log.Warn("failed to create evaluation counter", slog.String("error", err.Error()))
	}
	p.runs = runs
	return p
}

// Run evaluates sessionID. A non-empty realtimeTranscript is used verbatim
// instead of transcribing the recording. Loading, locating and transcribing
// the recording are fatal; analysis failures degrade to the default result.
func (p *Pipeline) Run(ctx context.Context, sessionID, realtimeTranscript string) (out Outcome, err error) {
	ctx, span := p.tracer.Start(ctx, "evaluation.run", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer func() {
		result := "ok"
		switch {
		case err != nil:
			result = "failed"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case out.Feedback.AnalysisDegraded:
			result = "degraded"
		}
		if p.runs != nil {
			p.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", result)))
		}
		span.End()
	}()

	sess, err := p.sessions.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return out, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return out, fmt.Errorf("load session: %w", err)
	}
	if !sess.HasAudio() {
		return out, fmt.Errorf("%w: %s", ErrAudioNotUploaded, sessionID)
	}
	if !p.files.Exists(sess.AudioPath) {
		return out, fmt.Errorf("%w: %s", ErrAudioMissing, sess.AudioPath)
	}
	span.AddEvent("session.loaded", trace.WithAttributes(attribute.String("model", sess.TranscriptionModel)))

	defer func() {
		out.Cleanup = p.cleaner.Cleanup(sess.AudioPath)
		span.AddEvent("artifacts.released", trace.WithAttributes(attribute.Int("removed", len(out.Cleanup.Removed))))
	}()

	var tr transcribe.Result
	if text := strings.TrimSpace(realtimeTranscript); text != "" {
		tr.Text = text
		span.AddEvent("transcript.realtime")
	} else {
		model, err := transcribe.ParseModel(sess.TranscriptionModel)
		if err != nil {
			return out, err
		}
		backend, err := p.gateway.For(model)
		if err != nil {
			return out, err
		}
		start := p.clock()
		tr, err = backend.Transcribe(ctx, sess.AudioPath)
		if err != nil {
			return out, fmt.Errorf("transcribe: %w", err)
		}
		span.AddEvent("transcript.done", trace.WithAttributes(
			attribute.Int("chars", len(tr.Text)),
			attribute.Int64("latency_ms", p.clock().Sub(start).Milliseconds())))
	}

	result, aerr := p.analyze(ctx, tr.Text)
	if aerr != nil {
		out.AnalysisErr = fmt.Errorf("%w: %v", analysis.ErrAnalysisDegraded, aerr)
		p.log.Warn("analysis degraded", slog.String("session_id", sessionID), slog.String("error", aerr.Error()))
		span.AddEvent("analysis.degraded")
	} else {
		span.AddEvent("analysis.done")
	}

	duration, estimated := tr.DurationSeconds, false
	if duration <= 0 {
		duration, estimated = p.estimateDuration(sess.AudioPath), true
	}

	fb := store.Feedback{
		SessionID:          sessionID,
		ClarityScore:       result.ClarityScore,
		FillerWords:        result.FillerWords,
		Tone:               result.Tone,
		Confidence:         result.Confidence,
		Highlights:         result.Highlights,
		Narrative:          result.Narrative,
		Transcript:         tr.Text,
		DurationSeconds:    duration,
		DurationEstimated:  estimated,
		TranscriptionModel: sess.TranscriptionModel,
		AnalysisDegraded:   aerr != nil,
	}
	if err := p.sessions.UpsertFeedback(ctx, fb); err != nil {
		return out, fmt.Errorf("persist feedback: %w", err)
	}
	span.AddEvent("feedback.persisted")
	out.Feedback = fb

	p.log.Info("evaluation complete",
		slog.String("session_id", sessionID),
		slog.Int("clarity", fb.ClarityScore),
		slog.Float64("duration_s", fb.DurationSeconds),
		slog.Bool("degraded", fb.AnalysisDegraded))
	return out, nil
}

func (p *Pipeline) analyze(ctx context.Context, transcript string) (analysis.Result, error) {
	if p.analyzer == nil {
		return analysis.Default(p.opts.Language), errors.New("no analyzer configured")
	}
	if p.opts.AnalysisTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.AnalysisTimeout)
		defer cancel()
	}
	res, err := p.analyzer.Analyze(ctx, transcript)
	if err != nil {
		return analysis.Default(p.opts.Language), err
	}
	return analysis.Clamp(res), nil
}

// estimateDuration derives whole seconds from the recording size, never less
// than one.
func (p *Pipeline) estimateDuration(path string) float64 {
	size, err := p.files.Size(path)
	if err != nil {
		p.log.Warn("stat recording failed", slog.String("path", path), slog.String("error", err.Error()))
		return 1
	}
	secs := size / int64(p.opts.BytesPerSecond)
	if secs < 1 {
		secs = 1
	}
	return float64(secs)
}
