package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/digkill/deckforge/internal/models"
)

type HistoryRepository struct {
	db *sql.DB
}

func NewHistoryRepository(db *sql.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// List returns the newest reset records of a user first.
func (r *HistoryRepository) List(ctx context.Context, userID string, limit int) ([]models.ResetHistoryRecord, error) {
	const query = `
SELECT id, user_id, reset_date, previous_credits, new_credits, plan_name, reset_reason
FROM credit_reset_history
WHERE user_id = ?
ORDER BY reset_date DESC, id DESC
LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list reset history: %w", err)
	}
	defer rows.Close()

	records := []models.ResetHistoryRecord{}
	for rows.Next() {
		var rec models.ResetHistoryRecord
		var resetDate int64
		var plan, reason string
		if err := rows.Scan(&rec.ID, &rec.UserID, &resetDate, &rec.PreviousCredits, &rec.NewCredits, &plan, &reason); err != nil {
			return nil, fmt.Errorf("scan reset history: %w", err)
		}
		rec.ResetDate = fromUnix(resetDate)
		rec.PlanName = models.PlanName(plan)
		rec.ResetReason = models.ResetReason(reason)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Records are only written together with the reset they describe; see AccountRepository.ApplyReset.
func insertHistory(ctx context.Context, tx *sql.Tx, rec models.ResetHistoryRecord) error {
	const query = `
INSERT INTO credit_reset_history (id, user_id, reset_date, previous_credits, new_credits, plan_name, reset_reason)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, query, rec.ID, rec.UserID, rec.ResetDate.Unix(), rec.PreviousCredits,
		rec.NewCredits, string(rec.PlanName), string(rec.ResetReason)); err != nil {
		return fmt.Errorf("insert reset history: %w", err)
	}
	return nil
}
