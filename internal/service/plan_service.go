package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/digkill/deckforge/internal/credits"
	"github.com/digkill/deckforge/internal/models"
	"github.com/digkill/deckforge/internal/repository"
)

type PlanService struct {
	repo *repository.PlanRepository
	log  *slog.Logger
	now  func() time.Time

	mu    sync.RWMutex
	cache map[models.PlanName]models.Plan
}

type UpdatePlanInput struct {
	DisplayName      *string
	MonthlyCredits   *int
	MaxCards         *int
	AllowedQualities []models.QualityTier
	AllowedModels    []string
}

func NewPlanService(repo *repository.PlanRepository, log *slog.Logger) *PlanService {
	return &PlanService{
		repo:  repo,
		log:   log,
		now:   time.Now,
		cache: make(map[models.PlanName]models.Plan),
	}
}

// EnsureDefaultPlans seeds missing tiers. Existing rows are left alone so admin edits survive restarts.
func (s *PlanService) EnsureDefaultPlans(ctx context.Context) error {
	for _, def := range credits.DefaultPlans() {
		existing, err := s.repo.GetByName(ctx, def.Name)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		plan := def
		if _, err := s.repo.Create(ctx, &plan, s.now()); err != nil {
			return fmt.Errorf("create default plan %s: %w", def.Name, err)
		}
		s.log.Info("seeded plan", "plan", def.Name, "monthly_credits", def.MonthlyCredits)
	}
	return nil
}

func (s *PlanService) List(ctx context.Context) ([]models.Plan, error) {
	return s.repo.List(ctx)
}

// Get returns a plan by name, served from memory after the first read.
func (s *PlanService) Get(ctx context.Context, name models.PlanName) (*models.Plan, error) {
	s.mu.RLock()
	cached, ok := s.cache[name]
	s.mu.RUnlock()
	if ok {
		return &cached, nil
	}

	plan, err := s.repo.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, name)
	}
	s.mu.Lock()
	s.cache[name] = *plan
	s.mu.Unlock()
	return plan, nil
}

func (s *PlanService) Update(ctx context.Context, name models.PlanName, input UpdatePlanInput) (*models.Plan, error) {
	existing, err := s.repo.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, name)
	}
	if input.DisplayName != nil && *input.DisplayName != "" {
		existing.DisplayName = *input.DisplayName
	}
	if input.MonthlyCredits != nil {
		if *input.MonthlyCredits < 0 && *input.MonthlyCredits != models.UnlimitedCredits {
			return nil, fmt.Errorf("%w: monthly credits must be non-negative or %d for unlimited", ErrInvalidRequest, models.UnlimitedCredits)
		}
		existing.MonthlyCredits = *input.MonthlyCredits
	}
	if input.MaxCards != nil {
		if *input.MaxCards <= 0 {
			return nil, fmt.Errorf("%w: max cards must be positive", ErrInvalidRequest)
		}
		existing.MaxCards = *input.MaxCards
	}
	if input.AllowedQualities != nil {
		existing.AllowedQualities = input.AllowedQualities
	}
	if input.AllowedModels != nil {
		existing.AllowedModels = input.AllowedModels
	}

	updated, err := s.repo.Update(ctx, existing, s.now())
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	delete(s.cache, name)
	s.mu.Unlock()
	return updated, nil
}
