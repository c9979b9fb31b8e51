package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/orator/internal/config"
)

func testRuntime(t *testing.T, mutate ...func(*config.Config)) (*Runtime, http.Handler) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(dir, "orator.db")
	cfg.Storage.UploadDir = filepath.Join(dir, "sessions")
	cfg.Transcription.Batch.Driver = "mock"
	cfg.Transcription.Streaming.Driver = "mock"
	cfg.Analysis.Mode = "mock"
	cfg.Auth.SeedCredits = 1
	for _, fn := range mutate {
		fn(&cfg)
	}

	rt := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	handler, err := rt.initServices(context.Background(), nil)
	if err != nil {
		t.Fatalf("initServices: %v", err)
	}
	t.Cleanup(func() { rt.closeServices(context.Background()) })
	return rt, handler
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestReadinessFollowsStartup(t *testing.T) {
	rt, h := testRuntime(t)

	if w := serve(h, httptest.NewRequest(http.MethodGet, "/healthz", nil)); w.Code != http.StatusOK {
		t.Fatalf("healthz = %d", w.Code)
	}
	if w := serve(h, httptest.NewRequest(http.MethodGet, "/readyz", nil)); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before start = %d", w.Code)
	}
	rt.ready.Store(true)
	if w := serve(h, httptest.NewRequest(http.MethodGet, "/readyz", nil)); w.Code != http.StatusOK {
		t.Fatalf("readyz after start = %d: %s", w.Code, w.Body.String())
	}
}

func TestCallFlowThroughHTTP(t *testing.T) {
	_, h := testRuntime(t)

	w := serve(h, jsonRequest(http.MethodPost, "/api/call/start", `{"challengeId":1}`))
	if w.Code != http.StatusOK {
		t.Fatalf("start = %d: %s", w.Code, w.Body.String())
	}
	var started struct {
		SessionID        string `json:"sessionId"`
		CreditsRemaining int    `json:"creditsRemaining"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &started); err != nil {
		t.Fatalf("decode start: %v", err)
	}
	if started.CreditsRemaining != 0 {
		t.Fatalf("credits remaining = %d, want 0", started.CreditsRemaining)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("sessionId", started.SessionID)
	part, _ := mw.CreateFormFile("audio", "answer.webm")
	_, _ = part.Write(bytes.Repeat([]byte{7}, 5000))
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/call/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if w := serve(h, req); w.Code != http.StatusOK {
		t.Fatalf("upload = %d: %s", w.Code, w.Body.String())
	}

	w = serve(h, jsonRequest(http.MethodPost, "/api/call/end", `{"sessionId":"`+started.SessionID+`"}`))
	if w.Code != http.StatusOK {
		t.Fatalf("end = %d: %s", w.Code, w.Body.String())
	}
	var ended struct {
		Warning  string `json:"warning"`
		Feedback *struct {
			ClarityScore    int     `json:"clarityScore"`
			DurationSeconds float64 `json:"durationSeconds"`
		} `json:"feedback"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &ended); err != nil {
		t.Fatalf("decode end: %v", err)
	}
	if ended.Warning != "" || ended.Feedback == nil {
		t.Fatalf("expected feedback, got %s", w.Body.String())
	}
	if ended.Feedback.ClarityScore < 0 || ended.Feedback.ClarityScore > 100 {
		t.Fatalf("clarity out of range: %d", ended.Feedback.ClarityScore)
	}
	if ended.Feedback.DurationSeconds != 2 {
		t.Fatalf("duration = %v, want estimated 2", ended.Feedback.DurationSeconds)
	}

	w = serve(h, jsonRequest(http.MethodPost, "/api/call/start", `{"challengeId":1}`))
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("second start = %d, want 402", w.Code)
	}

	w = serve(h, httptest.NewRequest(http.MethodGet, "/api/history", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "Elevator pitch") {
		t.Fatalf("history = %d: %s", w.Code, w.Body.String())
	}
}

func TestBusEventsReachActivityTracker(t *testing.T) {
	_, h := testRuntime(t, func(cfg *config.Config) {
		cfg.Bus.Enabled = true
		cfg.Bus.Port = -1
		cfg.Bus.StoreDir = filepath.Join(t.TempDir(), "nats")
	})

	w := serve(h, jsonRequest(http.MethodPost, "/api/call/start", `{"challengeId":2}`))
	if w.Code != http.StatusOK {
		t.Fatalf("start = %d: %s", w.Code, w.Body.String())
	}
	var started struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &started); err != nil {
		t.Fatalf("decode start: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		w = serve(h, httptest.NewRequest(http.MethodGet, "/api/admin/activity?phase=started", nil))
		if w.Code == http.StatusOK && strings.Contains(w.Body.String(), started.SessionID) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("activity = %d: %s", w.Code, w.Body.String())
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func jsonRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestNewLoggerWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "orator.log")
	var stdout bytes.Buffer
	logger, closer, err := NewLogger(config.TelemetryConfig{
		LogLevel:     "warn",
		LogFormat:    "json",
		LogFile:      path,
		LogMaxSizeMB: 1,
	}, &stdout)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info("dropped")
	logger.Warn("kept", slog.String("component", "test"))
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if strings.Contains(string(data), "dropped") || !strings.Contains(string(data), `"msg":"kept"`) {
		t.Fatalf("unexpected log file contents: %s", data)
	}
	if !strings.Contains(stdout.String(), `"msg":"kept"`) {
		t.Fatalf("stdout missing record: %s", stdout.String())
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, _, err := NewLogger(config.TelemetryConfig{LogLevel: "verbose"}, io.Discard); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
