package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/lottohub/royale/internal/models"
)

var (
	// ErrNotFound is returned when a user id does not resolve.
	ErrNotFound = errors.New("user not found")

	// ErrInsufficientFunds is returned when a debit would take the primary
	// balance below zero.
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// DBTX is the subset of database/sql shared by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository owns the users table: account rows plus the rub and bonus
// balances the game settles against.
type Repository struct {
	db DBTX
}

func NewRepository(db DBTX) *Repository {
	return &Repository{db: db}
}

// WithTx returns a Repository bound to the given transaction, so a debit
// can commit or roll back together with the purchase that caused it.
func (r *Repository) WithTx(tx *sql.Tx) *Repository {
	return &Repository{db: tx}
}

func (r *Repository) CreateUser(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{ID: uuid.New(), Username: username}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO users (id, username)
		VALUES ($1, $2)
		RETURNING balance, bonus_balance, created_at`,
		user.ID, user.Username,
	)
	if err := row.Scan(&user.Balance, &user.BonusBalance, &user.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

func (r *Repository) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, username, balance, bonus_balance, created_at
		FROM users WHERE id = $1`, id)

	var user models.User
	err := row.Scan(&user.ID, &user.Username, &user.Balance, &user.BonusBalance, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// Debit removes amount from the user's primary balance. The balance guard
// is in the statement itself so two concurrent debits can never both pass
// a stale check.
func (r *Repository) Debit(ctx context.Context, userID uuid.UUID, amount float64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users SET balance = balance - $2
		WHERE id = $1 AND balance >= $2`,
		userID, amount,
	)
	if err != nil {
		return fmt.Errorf("failed to debit user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to debit user: %w", err)
	}
	if affected == 0 {
		if _, getErr := r.GetUser(ctx, userID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("user %s debit %.2f: %w", userID, amount, ErrInsufficientFunds)
	}
	return nil
}

// Credit adds amount to the user's primary balance and returns the updated
// account.
func (r *Repository) Credit(ctx context.Context, userID uuid.UUID, amount float64) (*models.User, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE users SET balance = balance + $2
		WHERE id = $1
		RETURNING id, username, balance, bonus_balance, created_at`,
		userID, amount,
	)
	var user models.User
	err := row.Scan(&user.ID, &user.Username, &user.Balance, &user.BonusBalance, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to credit user: %w", err)
	}
	return &user, nil
}

// AwardBonus adds a fixed amount to the user's bonus balance (ticket
// cashback).
func (r *Repository) AwardBonus(ctx context.Context, userID uuid.UUID, amount float64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users SET bonus_balance = bonus_balance + $2 WHERE id = $1`,
		userID, amount,
	)
	if err != nil {
		return fmt.Errorf("failed to award bonus: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to award bonus: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return nil
}
