package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/orator/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.StoreConfig{Path: filepath.Join(t.TempDir(), "orator.db"), TelemetryRetentionDays: 1}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConcurrentStartWithSingleCredit(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	if err := s.EnsureUser(ctx, 1, "a@example.com", 1); err != nil {
		t.Fatalf("ensure user: %v", err)
	}

	const callers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		denied    int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := s.CreateSession(ctx, NewSession{
				SessionID:          "s-" + string(rune('a'+i)),
				UserID:             1,
				ChallengeID:        1,
				TranscriptionModel: config.ModelBatch,
			}, 1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrInsufficientCredit):
				denied++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if successes != 1 || denied != callers-1 {
		t.Fatalf("expected 1 success and %d denials, got %d and %d", callers-1, successes, denied)
	}
	balance, err := s.Balance(ctx, 1)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 0 {
		t.Fatalf("expected balance 0, got %d", balance)
	}
}

func TestCreateSessionUnknownUser(t *testing.T) {
	s := openStore(t)
	_, _, err := s.CreateSession(context.Background(), NewSession{SessionID: "x", UserID: 42}, 1)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateSessionRollsBackDebitOnDuplicateID(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	if err := s.EnsureUser(ctx, 1, "a@example.com", 2); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	if _, remaining, err := s.CreateSession(ctx, NewSession{SessionID: "dup", UserID: 1}, 1); err != nil || remaining != 1 {
		t.Fatalf("first create: remaining=%d err=%v", remaining, err)
	}
	if _, _, err := s.CreateSession(ctx, NewSession{SessionID: "dup", UserID: 1}, 1); err == nil {
		t.Fatalf("expected duplicate session id to fail")
	}
	balance, _ := s.Balance(ctx, 1)
	if balance != 1 {
		t.Fatalf("expected debit rolled back, balance %d", balance)
	}
}

func TestEndRequiresAudioAndHappensOnce(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	if err := s.EnsureUser(ctx, 1, "a@example.com", 1); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	if _, _, err := s.CreateSession(ctx, NewSession{SessionID: "s1", UserID: 1}, 1); err != nil {
		t.Fatalf("create: %v", err)
	}

	first := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	changed, err := s.MarkEnded(ctx, "s1", first)
	if err != nil || changed {
		t.Fatalf("expected no-op end without audio, changed=%v err=%v", changed, err)
	}
	sess, _ := s.GetSession(ctx, "s1")
	if sess.Ended() {
		t.Fatalf("ended_at must stay null without audio")
	}

	if err := s.SetAudioPath(ctx, "s1", "/tmp/s1.webm"); err != nil {
		t.Fatalf("set audio: %v", err)
	}
	if changed, err := s.MarkEnded(ctx, "s1", first); err != nil || !changed {
		t.Fatalf("expected first end to apply, changed=%v err=%v", changed, err)
	}
	if changed, err := s.MarkEnded(ctx, "s1", first.Add(time.Hour)); err != nil || changed {
		t.Fatalf("expected second end to be a no-op, changed=%v err=%v", changed, err)
	}
	sess, err = s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.EndedAt == nil || !sess.EndedAt.Equal(first) {
		t.Fatalf("expected ended_at %v, got %v", first, sess.EndedAt)
	}

	if err := s.SetAudioPath(ctx, "s1", "/tmp/other.webm"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if err := s.SetAudioPath(ctx, "missing", "/tmp/x.webm"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFeedbackUpsertOverwrites(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	if err := s.EnsureUser(ctx, 1, "a@example.com", 1); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	if err := s.SeedChallenges(ctx, []Challenge{{ID: 1, Title: "Pitch", Description: "Sell it"}}); err != nil {
		t.Fatalf("seed challenges: %v", err)
	}
	if _, _, err := s.CreateSession(ctx, NewSession{SessionID: "s1", UserID: 1, ChallengeID: 1}, 1); err != nil {
		t.Fatalf("create: %v", err)
	}

	fb := Feedback{SessionID: "s1", ClarityScore: 40, Tone: "neutral", Confidence: 50, Highlights: []string{"a"}}
	if err := s.UpsertFeedback(ctx, fb); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	fb.ClarityScore = 90
	fb.Highlights = []string{"b", "c"}
	if err := s.UpsertFeedback(ctx, fb); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := s.GetFeedback(ctx, "s1")
	if err != nil {
		t.Fatalf("get feedback: %v", err)
	}
	if got.ClarityScore != 90 || len(got.Highlights) != 2 {
		t.Fatalf("expected overwritten row, got %+v", got)
	}

	history, err := s.History(ctx, 1, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].ChallengeTitle != "Pitch" {
		t.Fatalf("expected one history row with challenge title, got %+v", history)
	}

	if _, err := s.GetFeedback(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTryDebitAndCredit(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	if err := s.EnsureUser(ctx, 7, "b@example.com", 0); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	ok, err := s.TryDebit(ctx, 7, 1)
	if err != nil || ok {
		t.Fatalf("expected refused debit, ok=%v err=%v", ok, err)
	}
	if err := s.Credit(ctx, 7, 2); err != nil {
		t.Fatalf("credit: %v", err)
	}
	ok, err = s.TryDebit(ctx, 7, 1)
	if err != nil || !ok {
		t.Fatalf("expected debit, ok=%v err=%v", ok, err)
	}
	if balance, _ := s.Balance(ctx, 7); balance != 1 {
		t.Fatalf("expected balance 1, got %d", balance)
	}
}

func TestPruneTelemetry(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	s.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := s.AppendTelemetry(ctx, TelemetryRow{Level: "info", Category: "api", Action: "old", SessionID: "s1"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	s.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := s.AppendTelemetry(ctx, TelemetryRow{Level: "info", Category: "api", Action: "new", SessionID: "s1"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	n, err := s.Prune(ctx)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned row, got %d", n)
	}
	rows, err := s.ListTelemetry(ctx, TelemetryFilter{SessionID: "s1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || rows[0].Action != "new" {
		t.Fatalf("expected only new row, got %+v", rows)
	}
}
