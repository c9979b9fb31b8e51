package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Session is the persisted record of one call.
type Session struct {
	SessionID          string     `json:"sessionId"`
	UserID             int64      `json:"userId"`
	ChallengeID        int64      `json:"challengeId"`
	TranscriptionModel string     `json:"transcriptionModel"`
	StartedAt          time.Time  `json:"startedAt"`
	EndedAt            *time.Time `json:"endedAt,omitempty"`
	AudioPath          string     `json:"audioPath,omitempty"`
}

func (s Session) Ended() bool    { return s.EndedAt != nil }
func (s Session) HasAudio() bool { return s.AudioPath != "" }

// NewSession carries the fields needed to open a session.
type NewSession struct {
	SessionID          string
	UserID             int64
	ChallengeID        int64
	TranscriptionModel string
}

// CreateSession debits cost credits and inserts the session in one
// transaction, so a failure after the debit rolls the debit back.
// It returns the created session and the remaining balance.
func (s *Store) CreateSession(ctx context.Context, in NewSession, cost int) (Session, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Session{}, 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if cost > 0 {
		if _, err = debit(ctx, tx, in.UserID, cost); err != nil {
			return Session{}, 0, err
		}
	}

	started := s.clock().UTC()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions(session_id, user_id, challenge_id, transcription_model, started_at)
		 VALUES(?, ?, ?, ?, ?)`,
		in.SessionID, in.UserID, in.ChallengeID, in.TranscriptionModel, toMillis(started))
	if err != nil {
		return Session{}, 0, fmt.Errorf("insert session: %w", err)
	}

	var remaining int
	if err = tx.QueryRowContext(ctx, `SELECT credits FROM users WHERE id = ?`, in.UserID).Scan(&remaining); err != nil {
		return Session{}, 0, err
	}
	if err = tx.Commit(); err != nil {
		return Session{}, 0, err
	}

	return Session{
		SessionID:          in.SessionID,
		UserID:             in.UserID,
		ChallengeID:        in.ChallengeID,
		TranscriptionModel: in.TranscriptionModel,
		StartedAt:          fromMillis(toMillis(started)),
	}, remaining, nil
}

// GetSession loads a session by its opaque id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var (
		sess    Session
		started int64
		ended   sql.NullInt64
		audio   sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, user_id, challenge_id, transcription_model, started_at, ended_at, audio_path
		 FROM sessions WHERE session_id = ?`, sessionID).
		Scan(&sess.SessionID, &sess.UserID, &sess.ChallengeID, &sess.TranscriptionModel, &started, &ended, &audio)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return Session{}, err
	}
	sess.StartedAt = fromMillis(started)
	if ended.Valid {
		t := fromMillis(ended.Int64)
		sess.EndedAt = &t
	}
	sess.AudioPath = audio.String
	return sess, nil
}

// SessionExists reports whether a session row exists.
func (s *Store) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM sessions WHERE session_id = ?`, sessionID).Scan(&n)
	return n > 0, err
}

// SetAudioPath binds an uploaded file to a session that has not ended yet.
func (s *Store) SetAudioPath(ctx context.Context, sessionID, path string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET audio_path = ? WHERE session_id = ? AND ended_at IS NULL`,
		path, sessionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	exists, err := s.SessionExists(ctx, sessionID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return fmt.Errorf("session %s: %w", sessionID, ErrSessionClosed)
}

// MarkEnded sets ended_at once. It only applies to sessions that carry an
// audio path, and reports whether this call was the one that set it.
func (s *Store) MarkEnded(ctx context.Context, sessionID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?
		 WHERE session_id = ? AND ended_at IS NULL AND audio_path IS NOT NULL AND audio_path != ''`,
		toMillis(at), sessionID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
