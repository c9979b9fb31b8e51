package store

import (
	"context"
	"database/sql"
	"time"
)

// TelemetryRow is one persisted audit event.
type TelemetryRow struct {
	ID         int64     `json:"id"`
	CreatedAt  time.Time `json:"timestamp"`
	Level      string    `json:"level"`
	Category   string    `json:"category"`
	Action     string    `json:"action"`
	UserID     int64     `json:"userId,omitempty"`
	SessionID  string    `json:"sessionId,omitempty"`
	Metadata   string    `json:"metadata,omitempty"`
	DurationMS int64     `json:"durationMs,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// AppendTelemetry inserts an audit event. A zero CreatedAt uses the store clock.
func (s *Store) AppendTelemetry(ctx context.Context, row TelemetryRow) error {
	created := row.CreatedAt
	if created.IsZero() {
		created = s.clock()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO telemetry(created_at, level, category, action, user_id, session_id, metadata, duration_ms, error)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		toMillis(created), row.Level, row.Category, row.Action,
		nullInt(row.UserID), nullString(row.SessionID), nullString(row.Metadata),
		nullInt(row.DurationMS), nullString(row.Error))
	return err
}

// TelemetryFilter narrows ListTelemetry. Zero fields match everything.
type TelemetryFilter struct {
	SessionID string
	Category  string
	Limit     int
}

// ListTelemetry returns matching events, newest first.
func (s *Store) ListTelemetry(ctx context.Context, f TelemetryFilter) ([]TelemetryRow, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, created_at, level, category, action, user_id, session_id, metadata, duration_ms, error
FROM telemetry
WHERE (? = '' OR session_id = ?) AND (? = '' OR category = ?)
ORDER BY created_at DESC, id DESC
LIMIT ?`, f.SessionID, f.SessionID, f.Category, f.Category, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TelemetryRow
	for rows.Next() {
		var (
			r                         TelemetryRow
			created                   int64
			userID, duration          sql.NullInt64
			sessionID, meta, errorMsg sql.NullString
		)
		if err := rows.Scan(&r.ID, &created, &r.Level, &r.Category, &r.Action, &userID, &sessionID, &meta, &duration, &errorMsg); err != nil {
			return nil, err
		}
		r.CreatedAt = fromMillis(created)
		r.UserID = userID.Int64
		r.SessionID = sessionID.String
		r.Metadata = meta.String
		r.DurationMS = duration.Int64
		r.Error = errorMsg.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullInt(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}
