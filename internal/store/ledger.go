package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// User is an account holding a credit balance.
type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Credits   int       `json:"credits"`
	CreatedAt time.Time `json:"createdAt"`
}

// EnsureUser creates the user with the given starting balance if it does not
// exist yet. Existing balances are left untouched.
func (s *Store) EnsureUser(ctx context.Context, id int64, email string, credits int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, email, credits, created_at) VALUES(?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		id, email, credits, toMillis(s.clock()))
	return err
}

// User loads one user.
func (s *Store) User(ctx context.Context, id int64) (User, error) {
	var u User
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, credits, created_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Email, &u.Credits, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return User{}, err
	}
	u.CreatedAt = fromMillis(created)
	return u, nil
}

// Balance returns the user's credit balance.
func (s *Store) Balance(ctx context.Context, userID int64) (int, error) {
	u, err := s.User(ctx, userID)
	if err != nil {
		return 0, err
	}
	return u.Credits, nil
}

// TryDebit atomically removes amount credits when the balance allows it.
// It reports false, without error, when the balance is too low.
func (s *Store) TryDebit(ctx context.Context, userID int64, amount int) (bool, error) {
	if amount <= 0 {
		return false, fmt.Errorf("debit amount must be positive, got %d", amount)
	}
	ok, err := debit(ctx, s.db, userID, amount)
	if errors.Is(err, ErrInsufficientCredit) {
		return false, nil
	}
	return ok, err
}

// Credit adds amount credits to the user's balance.
func (s *Store) Credit(ctx context.Context, userID int64, amount int) error {
	if amount <= 0 {
		return fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE users SET credits = credits + ? WHERE id = ?`, amount, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	return nil
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// debit is the conditional decrement shared by TryDebit and CreateSession.
// The WHERE clause makes check and decrement a single statement.
func debit(ctx context.Context, q execQuerier, userID int64, amount int) (bool, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE users SET credits = credits - ? WHERE id = ? AND credits >= ?`,
		amount, userID, amount)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	var exists int
	err = q.QueryRowContext(ctx, `SELECT COUNT(1) FROM users WHERE id = ?`, userID).Scan(&exists)
	if err != nil {
		return false, err
	}
	if exists == 0 {
		return false, fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	return false, ErrInsufficientCredit
}
