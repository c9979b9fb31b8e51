package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Challenge is a prompt the user answers during a call.
type Challenge struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
}

// SeedChallenges inserts challenges that are not present yet, keyed by ID.
func (s *Store) SeedChallenges(ctx context.Context, items []Challenge) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := toMillis(s.clock())
	for _, c := range items {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO challenges(id, title, description, created_at) VALUES(?, ?, ?, ?)
			 ON CONFLICT(id) DO NOTHING`, c.ID, c.Title, c.Description, now); err != nil {
			return fmt.Errorf("seed challenge %d: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// Challenges lists all challenges ordered by ID.
func (s *Store) Challenges(ctx context.Context) ([]Challenge, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, title, description, created_at FROM challenges ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Challenge
	for rows.Next() {
		var c Challenge
		var created int64
		if err := rows.Scan(&c.ID, &c.Title, &c.Description, &created); err != nil {
			return nil, err
		}
		c.CreatedAt = fromMillis(created)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Challenge loads one challenge.
func (s *Store) Challenge(ctx context.Context, id int64) (Challenge, error) {
	var c Challenge
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, description, created_at FROM challenges WHERE id = ?`, id).
		Scan(&c.ID, &c.Title, &c.Description, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Challenge{}, fmt.Errorf("challenge %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Challenge{}, err
	}
	c.CreatedAt = fromMillis(created)
	return c, nil
}
