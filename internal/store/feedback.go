package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Feedback is the scored result of one evaluated session.
type Feedback struct {
	SessionID          string    `json:"sessionId"`
	ClarityScore       int       `json:"clarityScore"`
	FillerWords        string    `json:"fillerWords"`
	Tone               string    `json:"tone"`
	Confidence         int       `json:"confidence"`
	Highlights         []string  `json:"highlights"`
	Narrative          string    `json:"narrative"`
	Transcript         string    `json:"transcript"`
	DurationSeconds    float64   `json:"durationSeconds"`
	DurationEstimated  bool      `json:"durationEstimated"`
	TranscriptionModel string    `json:"transcriptionModel"`
	AnalysisDegraded   bool      `json:"analysisDegraded"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// UpsertFeedback writes the feedback row for a session, replacing any prior
// row. CreatedAt of an existing row is preserved.
func (s *Store) UpsertFeedback(ctx context.Context, fb Feedback) error {
	highlights := fb.Highlights
	if highlights == nil {
		highlights = []string{}
	}
	encoded, err := json.Marshal(highlights)
	if err != nil {
		return fmt.Errorf("encode highlights: %w", err)
	}
	now := toMillis(s.clock())
	_, err = s.db.ExecContext(ctx, `
INSERT INTO feedback(session_id, clarity_score, filler_words, tone, confidence, highlights, narrative,
    transcript, duration_seconds, duration_estimated, transcription_model, analysis_degraded, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
    clarity_score = excluded.clarity_score,
    filler_words = excluded.filler_words,
    tone = excluded.tone,
    confidence = excluded.confidence,
    highlights = excluded.highlights,
    narrative = excluded.narrative,
    transcript = excluded.transcript,
    duration_seconds = excluded.duration_seconds,
    duration_estimated = excluded.duration_estimated,
    transcription_model = excluded.transcription_model,
    analysis_degraded = excluded.analysis_degraded,
    updated_at = excluded.updated_at`,
		fb.SessionID, fb.ClarityScore, fb.FillerWords, fb.Tone, fb.Confidence, string(encoded), fb.Narrative,
		fb.Transcript, fb.DurationSeconds, boolInt(fb.DurationEstimated), fb.TranscriptionModel,
		boolInt(fb.AnalysisDegraded), now, now)
	if err != nil {
		return fmt.Errorf("upsert feedback: %w", err)
	}
	return nil
}

const feedbackColumns = `f.session_id, f.clarity_score, f.filler_words, f.tone, f.confidence, f.highlights,
    f.narrative, f.transcript, f.duration_seconds, f.duration_estimated, f.transcription_model,
    f.analysis_degraded, f.created_at, f.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFeedback(row rowScanner, extra ...any) (Feedback, error) {
	var (
		fb                  Feedback
		highlights          string
		estimated, degraded int
		created, updated    int64
	)
	dest := []any{&fb.SessionID, &fb.ClarityScore, &fb.FillerWords, &fb.Tone, &fb.Confidence, &highlights,
		&fb.Narrative, &fb.Transcript, &fb.DurationSeconds, &estimated, &fb.TranscriptionModel,
		&degraded, &created, &updated}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return Feedback{}, err
	}
	if highlights != "" {
		if err := json.Unmarshal([]byte(highlights), &fb.Highlights); err != nil {
			return Feedback{}, fmt.Errorf("decode highlights: %w", err)
		}
	}
	fb.DurationEstimated = estimated != 0
	fb.AnalysisDegraded = degraded != 0
	fb.CreatedAt = fromMillis(created)
	fb.UpdatedAt = fromMillis(updated)
	return fb, nil
}

// GetFeedback loads the feedback row for a session.
func (s *Store) GetFeedback(ctx context.Context, sessionID string) (Feedback, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+feedbackColumns+` FROM feedback f WHERE f.session_id = ?`, sessionID)
	fb, err := scanFeedback(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Feedback{}, fmt.Errorf("feedback %s: %w", sessionID, ErrNotFound)
	}
	return fb, err
}

// HistoryEntry is one evaluated call in a user's history.
type HistoryEntry struct {
	Feedback
	ChallengeID    int64      `json:"challengeId"`
	ChallengeTitle string     `json:"challengeTitle"`
	StartedAt      time.Time  `json:"startedAt"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
}

// History lists a user's evaluated sessions, newest first.
func (s *Store) History(ctx context.Context, userID int64, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+feedbackColumns+`, s.challenge_id, COALESCE(c.title, ''), s.started_at, s.ended_at
FROM feedback f
JOIN sessions s ON s.session_id = f.session_id
LEFT JOIN challenges c ON c.id = s.challenge_id
WHERE s.user_id = ?
ORDER BY s.started_at DESC
LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var (
			entry   HistoryEntry
			started int64
			ended   sql.NullInt64
		)
		fb, err := scanFeedback(rows, &entry.ChallengeID, &entry.ChallengeTitle, &started, &ended)
		if err != nil {
			return nil, err
		}
		entry.Feedback = fb
		entry.StartedAt = fromMillis(started)
		if ended.Valid {
			t := fromMillis(ended.Int64)
			entry.EndedAt = &t
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}
