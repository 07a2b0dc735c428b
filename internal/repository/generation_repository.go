package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/digkill/deckforge/internal/models"
)

type GenerationRepository struct {
	db *sql.DB
}

func NewGenerationRepository(db *sql.DB) *GenerationRepository {
	return &GenerationRepository{db: db}
}

func (r *GenerationRepository) Log(ctx context.Context, g models.GenerationLog) error {
	const query = `
INSERT INTO generation_logs (id, user_id, requested_model, model_used, prompt, aspect_ratio, quality, cost, was_fallback, image_url, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	fallback := 0
	if g.WasFallback {
		fallback = 1
	}
	if _, err := r.db.ExecContext(ctx, query, g.ID, g.UserID, g.RequestedModel, g.ModelUsed, g.Prompt, g.AspectRatio,
		string(g.Quality), g.Cost, fallback, g.ImageURL, g.CreatedAt.Unix()); err != nil {
		return fmt.Errorf("insert generation log: %w", err)
	}
	return nil
}

// ListRecent returns the user's latest generations, newest first.
func (r *GenerationRepository) ListRecent(ctx context.Context, userID string, limit int) ([]models.GenerationLog, error) {
	const query = `
SELECT id, user_id, requested_model, model_used, prompt, aspect_ratio, quality, cost, was_fallback, image_url, created_at
FROM generation_logs
WHERE user_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list generation logs: %w", err)
	}
	defer rows.Close()

	logs := []models.GenerationLog{}
	for rows.Next() {
		var g models.GenerationLog
		var quality string
		var fallback int
		var createdAt int64
		if err := rows.Scan(&g.ID, &g.UserID, &g.RequestedModel, &g.ModelUsed, &g.Prompt, &g.AspectRatio,
			&quality, &g.Cost, &fallback, &g.ImageURL, &createdAt); err != nil {
			return nil, fmt.Errorf("scan generation log: %w", err)
		}
		g.Quality = models.QualityTier(quality)
		g.WasFallback = fallback != 0
		g.CreatedAt = fromUnix(createdAt)
		logs = append(logs, g)
	}
	return logs, rows.Err()
}

// CountForDay counts the user's generations on the UTC day containing day.
func (r *GenerationRepository) CountForDay(ctx context.Context, userID string, day time.Time) (int, error) {
	day = day.UTC()
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	const query = `
SELECT COUNT(*) FROM generation_logs
WHERE user_id = ? AND created_at >= ? AND created_at < ?`
	row := r.db.QueryRowContext(ctx, query, userID, start.Unix(), end.Unix())
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count daily generations: %w", err)
	}
	return count, nil
}
