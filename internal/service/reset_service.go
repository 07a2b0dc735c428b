package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/digkill/deckforge/internal/metrics"
	"github.com/digkill/deckforge/internal/models"
	"github.com/digkill/deckforge/internal/repository"
)

// DefaultResetPeriod is measured from the reset moment, not aligned to calendar months.
const DefaultResetPeriod = 30 * 24 * time.Hour

type ResetResult struct {
	WasReset   bool
	NewBalance int
}

// ResetService refills balances lazily when a credit path notices the reset moment has passed,
// and in batches from the periodic sweep.
type ResetService struct {
	accounts *repository.AccountRepository
	plans    *PlanService
	log      *slog.Logger
	metrics  *metrics.Metrics
	period   time.Duration
	now      func() time.Time
}

func NewResetService(accounts *repository.AccountRepository, plans *PlanService, log *slog.Logger, m *metrics.Metrics, period time.Duration) *ResetService {
	if period <= 0 {
		period = DefaultResetPeriod
	}
	return &ResetService{
		accounts: accounts,
		plans:    plans,
		log:      log,
		metrics:  m,
		period:   period,
		now:      time.Now,
	}
}

// Period is the interval between resets.
func (s *ResetService) Period() time.Duration {
	return s.period
}

// ResetIfDue refills the user's balance when the reset moment has passed. Repeated calls
// within one period reset at most once.
func (s *ResetService) ResetIfDue(ctx context.Context, userID string) (ResetResult, error) {
	acc, err := s.accounts.Get(ctx, userID)
	if err != nil {
		return ResetResult{}, err
	}
	if acc == nil {
		return ResetResult{}, ErrAccountNotFound
	}
	res, _, err := s.resetAccount(ctx, acc, models.ResetReasonMonthly)
	return res, err
}

// resetAccount returns the account as it stands after the call.
func (s *ResetService) resetAccount(ctx context.Context, acc *models.CreditAccount, reason models.ResetReason) (ResetResult, *models.CreditAccount, error) {
	now := s.now()
	if now.Before(acc.NextResetAt) {
		return ResetResult{}, acc, nil
	}

	plan, err := s.plans.Get(ctx, acc.PlanName)
	if err != nil {
		return ResetResult{}, acc, err
	}
	next := now.Add(s.period)
	update := repository.ResetUpdate{
		UserID:            acc.UserID,
		ExpectedNextReset: acc.NextResetAt,
		PlanName:          acc.PlanName,
		NewCredits:        plan.MonthlyCredits,
		ResetAt:           now,
		NextResetAt:       next,
		Record: models.ResetHistoryRecord{
			ID:              uuid.NewString(),
			UserID:          acc.UserID,
			ResetDate:       now,
			PreviousCredits: acc.CurrentCredits,
			NewCredits:      plan.MonthlyCredits,
			PlanName:        acc.PlanName,
			ResetReason:     reason,
		},
	}
	applied, err := s.accounts.ApplyReset(ctx, update)
	if err != nil {
		return ResetResult{}, acc, fmt.Errorf("reset credits for %s: %w", acc.UserID, err)
	}
	if !applied {
		// Someone else reset first; report their result as ours is a no-op.
		fresh, err := s.accounts.Get(ctx, acc.UserID)
		if err != nil || fresh == nil {
			return ResetResult{}, acc, err
		}
		return ResetResult{}, fresh, nil
	}

	s.metrics.IncReset(string(reason))
	s.log.Info("credits reset",
		"user_id", acc.UserID,
		"plan", acc.PlanName,
		"previous_credits", acc.CurrentCredits,
		"new_credits", plan.MonthlyCredits,
		"reason", reason,
		"next_reset_at", next,
	)

	updated := *acc
	updated.CurrentCredits = plan.MonthlyCredits
	updated.LastResetAt = time.Unix(now.Unix(), 0).UTC()
	updated.NextResetAt = time.Unix(next.Unix(), 0).UTC()
	return ResetResult{WasReset: true, NewBalance: plan.MonthlyCredits}, &updated, nil
}

// ChangePlan moves a user to another tier and refills the balance to the new allowance,
// starting a fresh period.
func (s *ResetService) ChangePlan(ctx context.Context, userID string, name models.PlanName) (*models.CreditAccount, error) {
	plan, err := s.plans.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	const maxAttempts = 3
	for attempt := 0; attempt < maxAttempts; attempt++ {
		acc, err := s.accounts.Get(ctx, userID)
		if err != nil {
			return nil, err
		}
		if acc == nil {
			return nil, ErrAccountNotFound
		}
		now := s.now()
		applied, err := s.accounts.ApplyReset(ctx, repository.ResetUpdate{
			UserID:            userID,
			ExpectedNextReset: acc.NextResetAt,
			PlanName:          plan.Name,
			NewCredits:        plan.MonthlyCredits,
			ResetAt:           now,
			NextResetAt:       now.Add(s.period),
			Record: models.ResetHistoryRecord{
				ID:              uuid.NewString(),
				UserID:          userID,
				ResetDate:       now,
				PreviousCredits: acc.CurrentCredits,
				NewCredits:      plan.MonthlyCredits,
				PlanName:        plan.Name,
				ResetReason:     models.ResetReasonPlanChange,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("change plan for %s: %w", userID, err)
		}
		if applied {
			s.metrics.IncReset(string(models.ResetReasonPlanChange))
			s.log.Info("plan changed", "user_id", userID, "from", acc.PlanName, "to", plan.Name)
			return s.accounts.Get(ctx, userID)
		}
	}
	return nil, fmt.Errorf("change plan for %s: account updated concurrently", userID)
}

// Sweep resets up to limit overdue accounts, bounding how stale an inactive balance can get.
// Failures are logged and skipped; the next sweep picks them up again.
func (s *ResetService) Sweep(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.accounts.ListDue(ctx, s.now(), limit)
	if err != nil {
		return 0, err
	}
	reset := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return reset, err
		}
		acc, err := s.accounts.Get(ctx, id)
		if err != nil || acc == nil {
			s.log.Error("sweep: load account", "user_id", id, "err", err)
			continue
		}
		res, _, err := s.resetAccount(ctx, acc, models.ResetReasonSweep)
		if err != nil {
			s.log.Error("sweep: reset account", "user_id", id, "err", err)
			continue
		}
		if res.WasReset {
			reset++
		}
	}
	return reset, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *ResetService) RunSweeper(ctx context.Context, interval time.Duration, batch int) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.Sweep(ctx, batch)
			if err != nil && ctx.Err() == nil {
				s.log.Error("reset sweep failed", "err", err)
				continue
			}
			if n > 0 {
				s.log.Info("reset sweep finished", "reset", n)
			}
		}
	}
}
