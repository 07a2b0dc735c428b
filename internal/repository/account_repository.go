package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/digkill/deckforge/internal/models"
)

// ErrNoAccount is returned by mutations that target a user without a credit account.
var ErrNoAccount = errors.New("credit account does not exist")

type AccountRepository struct {
	db *sql.DB
}

func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) DB() *sql.DB {
	return r.db
}

func (r *AccountRepository) Get(ctx context.Context, userID string) (*models.CreditAccount, error) {
	const query = `
SELECT user_id, plan_name, current_credits, last_reset_at, next_reset_at, is_admin, created_at, updated_at
FROM credit_accounts WHERE user_id = ?`
	row := r.db.QueryRowContext(ctx, query, userID)
	var a models.CreditAccount
	var plan string
	var admin int
	var lastReset, nextReset, createdAt, updatedAt int64
	if err := row.Scan(&a.UserID, &plan, &a.CurrentCredits, &lastReset, &nextReset, &admin, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan credit account: %w", err)
	}
	a.PlanName = models.PlanName(plan)
	a.IsAdmin = admin != 0
	a.LastResetAt = fromUnix(lastReset)
	a.NextResetAt = fromUnix(nextReset)
	a.CreatedAt = fromUnix(createdAt)
	a.UpdatedAt = fromUnix(updatedAt)
	return &a, nil
}

func (r *AccountRepository) Create(ctx context.Context, a *models.CreditAccount) error {
	const query = `
INSERT INTO credit_accounts (user_id, plan_name, current_credits, last_reset_at, next_reset_at, is_admin, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	admin := 0
	if a.IsAdmin {
		admin = 1
	}
	if _, err := r.db.ExecContext(ctx, query, a.UserID, string(a.PlanName), a.CurrentCredits,
		a.LastResetAt.Unix(), a.NextResetAt.Unix(), admin, a.CreatedAt.Unix(), a.UpdatedAt.Unix()); err != nil {
		return fmt.Errorf("insert credit account: %w", err)
	}
	return nil
}

// Deduct subtracts amount only if the balance covers it, and reports the balance afterwards.
// ok is false when the balance was insufficient; the balance is never driven negative.
func (r *AccountRepository) Deduct(ctx context.Context, userID string, amount int, now time.Time) (balance int, ok bool, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin deduct tx: %w", err)
	}
	defer tx.Rollback()

	const update = `
UPDATE credit_accounts SET current_credits = current_credits - ?, updated_at = ?
WHERE user_id = ? AND current_credits >= ?`
	res, err := tx.ExecContext(ctx, update, amount, now.Unix(), userID, amount)
	if err != nil {
		return 0, false, fmt.Errorf("deduct credits: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("deduct rows affected: %w", err)
	}

	if err := tx.QueryRowContext(ctx, `SELECT current_credits FROM credit_accounts WHERE user_id = ?`, userID).Scan(&balance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, ErrNoAccount
		}
		return 0, false, fmt.Errorf("read balance: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit deduct tx: %w", err)
	}
	return balance, affected > 0, nil
}

// Refund gives back credits taken by Deduct.
func (r *AccountRepository) Refund(ctx context.Context, userID string, amount int, now time.Time) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin refund tx: %w", err)
	}
	defer tx.Rollback()

	const update = `UPDATE credit_accounts SET current_credits = current_credits + ?, updated_at = ? WHERE user_id = ?`
	res, err := tx.ExecContext(ctx, update, amount, now.Unix(), userID)
	if err != nil {
		return 0, fmt.Errorf("refund credits: %w", err)
	}
	if affected, err := res.RowsAffected(); err != nil {
		return 0, fmt.Errorf("refund rows affected: %w", err)
	} else if affected == 0 {
		return 0, ErrNoAccount
	}
	var balance int
	if err := tx.QueryRowContext(ctx, `SELECT current_credits FROM credit_accounts WHERE user_id = ?`, userID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit refund tx: %w", err)
	}
	return balance, nil
}

// ResetUpdate describes one balance reset. ExpectedNextReset guards the write: the reset only
// applies if next_reset_at still holds the value the caller read.
type ResetUpdate struct {
	UserID            string
	ExpectedNextReset time.Time
	PlanName          models.PlanName
	NewCredits        int
	ResetAt           time.Time
	NextResetAt       time.Time
	Record            models.ResetHistoryRecord
}

// ApplyReset writes the reset and its history record atomically. applied is false when another
// caller already moved next_reset_at.
func (r *AccountRepository) ApplyReset(ctx context.Context, u ResetUpdate) (applied bool, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin reset tx: %w", err)
	}
	defer tx.Rollback()

	const update = `
UPDATE credit_accounts
SET plan_name = ?, current_credits = ?, last_reset_at = ?, next_reset_at = ?, updated_at = ?
WHERE user_id = ? AND next_reset_at = ?`
	res, err := tx.ExecContext(ctx, update, string(u.PlanName), u.NewCredits, u.ResetAt.Unix(), u.NextResetAt.Unix(),
		u.ResetAt.Unix(), u.UserID, u.ExpectedNextReset.Unix())
	if err != nil {
		return false, fmt.Errorf("apply reset: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reset rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}
	if err := insertHistory(ctx, tx, u.Record); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit reset tx: %w", err)
	}
	return true, nil
}

func (r *AccountRepository) SetAdmin(ctx context.Context, userID string, admin bool, now time.Time) error {
	value := 0
	if admin {
		value = 1
	}
	const query = `UPDATE credit_accounts SET is_admin = ?, updated_at = ? WHERE user_id = ?`
	res, err := r.db.ExecContext(ctx, query, value, now.Unix(), userID)
	if err != nil {
		return fmt.Errorf("set admin: %w", err)
	}
	// MySQL reports changed rows, so an unchanged flag also yields zero.
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		acc, err := r.Get(ctx, userID)
		if err != nil {
			return err
		}
		if acc == nil {
			return ErrNoAccount
		}
	}
	return nil
}

// ListDue returns users whose reset moment has passed, oldest first.
func (r *AccountRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	const query = `SELECT user_id FROM credit_accounts WHERE next_reset_at <= ? ORDER BY next_reset_at ASC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, now.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("list due accounts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan due account: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
