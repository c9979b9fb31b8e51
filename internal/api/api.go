// Package api exposes the call lifecycle and its supporting reads over HTTP.
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loqalabs/orator/internal/activity"
	"github.com/loqalabs/orator/internal/lifecycle"
	"github.com/loqalabs/orator/internal/storage"
	"github.com/loqalabs/orator/internal/store"
	"github.com/loqalabs/orator/internal/telemetry"
	"github.com/loqalabs/orator/internal/transcribe"
)

// Calls is the lifecycle surface served under /api/call.
type Calls interface {
	Start(ctx context.Context, userID, challengeID int64, model string) (lifecycle.StartResult, error)
	RecordUpload(ctx context.Context, sessionID, filename string, r io.Reader) (lifecycle.UploadResult, error)
	End(ctx context.Context, sessionID, realtimeTranscript string) (lifecycle.EndResult, error)
	GetFeedback(ctx context.Context, sessionID string) (lifecycle.FeedbackView, error)
	RetryEvaluation(ctx context.Context, sessionID string) (store.Feedback, error)
	Info(ctx context.Context, sessionID string) (store.Session, error)
}

// Catalog serves the read-only account and challenge data.
type Catalog interface {
	User(ctx context.Context, id int64) (store.User, error)
	History(ctx context.Context, userID int64, limit int) ([]store.HistoryEntry, error)
	Challenges(ctx context.Context) ([]store.Challenge, error)
	Challenge(ctx context.Context, id int64) (store.Challenge, error)
	ListTelemetry(ctx context.Context, f store.TelemetryFilter) ([]store.TelemetryRow, error)
}

// Transcription lists models and mints tokens for direct browser streaming.
type Transcription interface {
	Models() []transcribe.ModelInfo
	Streaming() (transcribe.Streaming, error)
}

// Activity reports sessions seen on the event bus.
type Activity interface {
	Query(filter func(activity.SessionInfo) bool) []activity.SessionInfo
	Counts() map[activity.Phase]int64
}

const (
	userKey    = "orator.user_id"
	sessionKey = "orator.session_id"
)

type Options struct {
	UserHeader     string
	DefaultUserID  int64
	MaxUploadBytes int64
	TokenTimeout   time.Duration
	HistoryLimit   int
}

type Handler struct {
	calls    Calls
	catalog  Catalog
	tr       Transcription
	recorder *telemetry.Recorder
	activity Activity
	opts     Options
	log      *slog.Logger
}

func New(calls Calls, catalog Catalog, tr Transcription, recorder *telemetry.Recorder, opts Options, log *slog.Logger) *Handler {
	if opts.UserHeader == "" {
		opts.UserHeader = "X-User-ID"
	}
	if opts.TokenTimeout <= 0 {
		opts.TokenTimeout = 10 * time.Second
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	return &Handler{
		calls:    calls,
		catalog:  catalog,
		tr:       tr,
		recorder: recorder,
		opts:     opts,
		log:      log.With(slog.String("component", "api")),
	}
}

// WithActivity enables GET /api/admin/activity. Call before Register.
func (h *Handler) WithActivity(a Activity) *Handler {
	h.activity = a
	return h
}

// Register mounts every route under /api on r.
func (h *Handler) Register(r gin.IRouter) {
	g := r.Group("/api")
	g.Use(h.requestLogger())

	call := g.Group("/call")
	call.POST("/start", h.handleStart)
	call.POST("/upload", h.handleUpload)
	call.POST("/end", h.handleEnd)
	call.GET("/feedback", h.handleFeedback)
	call.POST("/retry", h.handleRetry)
	call.GET("/info", h.handleInfo)

	g.GET("/credits", h.handleCredits)
	g.GET("/history", h.handleHistory)
	g.GET("/challenges", h.handleChallenges)
	g.GET("/challenges/:id", h.handleChallenge)
	g.GET("/transcription/models", h.handleModels)
	g.POST("/transcription/token", h.handleToken)
	g.GET("/admin/telemetry", h.handleTelemetry)
	if h.activity != nil {
		g.GET("/admin/activity", h.handleActivity)
	}
}

// userID identifies the caller from the configured header, falling back to
// the default user. Authentication is handled outside this service.
func (h *Handler) userID(c *gin.Context) (int64, bool) {
	raw := strings.TrimSpace(c.GetHeader(h.opts.UserHeader))
	if raw == "" {
		c.Set(userKey, h.opts.DefaultUserID)
		return h.opts.DefaultUserID, true
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		errorResponse(c, http.StatusBadRequest, "invalid "+h.opts.UserHeader+" header")
		return 0, false
	}
	c.Set(userKey, id)
	return id, true
}

func errorResponse(c *gin.Context, code int, message string) {
	c.AbortWithStatusJSON(code, gin.H{"error": message})
}

// fail maps a domain error onto its HTTP status and writes it.
func (h *Handler) fail(c *gin.Context, err error) {
	code := statusOf(err)
	if code >= http.StatusInternalServerError {
		h.log.Error("request failed",
			slog.String("path", c.FullPath()),
			slog.Int("status", code),
			slog.String("error", err.Error()))
	}
	c.Error(err)
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrInsufficientCredit):
		return http.StatusPaymentRequired
	case errors.Is(err, lifecycle.ErrSessionNotFound),
		errors.Is(err, lifecycle.ErrUserNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrSessionEnded),
		errors.Is(err, lifecycle.ErrSessionNotEnded):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrAudioNotUploaded),
		errors.Is(err, lifecycle.ErrInvalidModel):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, transcribe.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, transcribe.ErrTranscriptionTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// requestLogger logs each request and records it as an api telemetry event.
func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		} else if status >= http.StatusBadRequest {
			level = slog.LevelWarn
		}
		h.log.LogAttrs(c.Request.Context(), slog.LevelDebug, "http_request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", status),
			slog.Int64("latency_ms", time.Since(start).Milliseconds()),
			slog.String("client_ip", c.ClientIP()),
		)

		var lastErr error
		if e := c.Errors.Last(); e != nil && status >= http.StatusInternalServerError {
			lastErr = e.Err
		}
		action := strings.TrimPrefix(c.FullPath(), "/api/")
		if action == "" {
			action = "unmatched"
		}
		h.recorder.Record(c.Request.Context(), telemetry.Event{
			Level:     level,
			Category:  telemetry.CategoryAPI,
			Action:    action,
			UserID:    c.GetInt64(userKey),
			SessionID: c.GetString(sessionKey),
			Metadata: map[string]any{
				"method":      c.Request.Method,
				"status_code": status,
				"user_agent":  c.Request.UserAgent(),
			},
			Duration: time.Since(start),
			Err:      lastErr,
		})
	}
}
