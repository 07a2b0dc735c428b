package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/digkill/deckforge/internal/models"
)

type PlanRepository struct {
	db *sql.DB
}

func NewPlanRepository(db *sql.DB) *PlanRepository {
	return &PlanRepository{db: db}
}

const planColumns = `id, name, display_name, monthly_credits, max_cards, allowed_qualities, allowed_models, created_at, updated_at`

func (r *PlanRepository) List(ctx context.Context) ([]models.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans ORDER BY id ASC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var plans []models.Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		plans = append(plans, *plan)
	}
	return plans, rows.Err()
}

func (r *PlanRepository) GetByName(ctx context.Context, name models.PlanName) (*models.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE name = ?`
	plan, err := scanPlan(r.db.QueryRowContext(ctx, query, string(name)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get plan: %w", err)
	}
	return plan, nil
}

func (r *PlanRepository) Create(ctx context.Context, plan *models.Plan, now time.Time) (*models.Plan, error) {
	const query = `
INSERT INTO plans (name, display_name, monthly_credits, max_cards, allowed_qualities, allowed_models, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	ts := now.Unix()
	if _, err := r.db.ExecContext(ctx, query, string(plan.Name), plan.DisplayName, plan.MonthlyCredits, plan.MaxCards,
		joinQualities(plan.AllowedQualities), strings.Join(plan.AllowedModels, ","), ts, ts); err != nil {
		return nil, fmt.Errorf("create plan: %w", err)
	}
	return r.GetByName(ctx, plan.Name)
}

func (r *PlanRepository) Update(ctx context.Context, plan *models.Plan, now time.Time) (*models.Plan, error) {
	const query = `
UPDATE plans
SET display_name = ?, monthly_credits = ?, max_cards = ?, allowed_qualities = ?, allowed_models = ?, updated_at = ?
WHERE name = ?`
	if _, err := r.db.ExecContext(ctx, query, plan.DisplayName, plan.MonthlyCredits, plan.MaxCards,
		joinQualities(plan.AllowedQualities), strings.Join(plan.AllowedModels, ","), now.Unix(), string(plan.Name)); err != nil {
		return nil, fmt.Errorf("update plan: %w", err)
	}
	return r.GetByName(ctx, plan.Name)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlan(row rowScanner) (*models.Plan, error) {
	var plan models.Plan
	var name, qualities, modelList string
	var createdAt, updatedAt int64
	if err := row.Scan(&plan.ID, &name, &plan.DisplayName, &plan.MonthlyCredits, &plan.MaxCards, &qualities, &modelList, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	plan.Name = models.PlanName(name)
	plan.AllowedQualities = splitQualities(qualities)
	plan.AllowedModels = splitList(modelList)
	plan.CreatedAt = fromUnix(createdAt)
	plan.UpdatedAt = fromUnix(updatedAt)
	return &plan, nil
}

func joinQualities(qs []models.QualityTier) string {
	parts := make([]string, 0, len(qs))
	for _, q := range qs {
		parts = append(parts, string(q))
	}
	return strings.Join(parts, ",")
}

func splitQualities(raw string) []models.QualityTier {
	var out []models.QualityTier
	for _, part := range splitList(raw) {
		out = append(out, models.QualityTier(part))
	}
	return out
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func fromUnix(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}
