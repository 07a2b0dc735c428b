package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/digkill/deckforge/internal/credits"
	"github.com/digkill/deckforge/internal/metrics"
	"github.com/digkill/deckforge/internal/models"
	"github.com/digkill/deckforge/internal/repository"
)

const (
	defaultHistoryLimit = 10
	maxHistoryLimit     = 100
)

var allQualities = []models.QualityTier{models.QualityBasic, models.QualityAdvanced, models.QualityPremium}

// CreditService decides whether a user may perform a paid action and charges for it.
type CreditService struct {
	accounts *repository.AccountRepository
	history  *repository.HistoryRepository
	plans    *PlanService
	resets   *ResetService
	log      *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

type CheckResult struct {
	Allowed        bool   `json:"allowed"`
	Cost           int    `json:"cost"`
	CurrentCredits int    `json:"currentCredits"`
	Reason         string `json:"reason,omitempty"`
}

type ConsumeResult struct {
	Success    bool   `json:"success"`
	NewBalance int    `json:"newBalance"`
	Cost       int    `json:"cost"`
	Reason     string `json:"reason,omitempty"`
}

type CardLimitResult struct {
	Allowed  bool            `json:"allowed"`
	MaxCards int             `json:"maxCards"`
	PlanName models.PlanName `json:"planName"`
	Message  string          `json:"message,omitempty"`
}

type QualityResult struct {
	Allowed            bool                 `json:"allowed"`
	AvailableQualities []models.QualityTier `json:"availableQualities"`
	PlanName           models.PlanName      `json:"planName"`
}

type CreditStatus struct {
	Current        int       `json:"current"`
	Limit          int       `json:"limit"`
	IsUnlimited    bool      `json:"isUnlimited"`
	Remaining      int       `json:"remaining"`
	Percentage     int       `json:"percentage"`
	NextReset      time.Time `json:"nextReset"`
	DaysUntilReset int       `json:"daysUntilReset"`
	WasReset       bool      `json:"wasReset"`
	IsAdmin        bool      `json:"isAdmin"`
}

func NewCreditService(accounts *repository.AccountRepository, history *repository.HistoryRepository, plans *PlanService, resets *ResetService, log *slog.Logger, m *metrics.Metrics) *CreditService {
	return &CreditService{
		accounts: accounts,
		history:  history,
		plans:    plans,
		resets:   resets,
		log:      log,
		metrics:  m,
		now:      time.Now,
	}
}

type entitlement struct {
	account  *models.CreditAccount
	plan     *models.Plan
	wasReset bool
}

func (e entitlement) unlimited() bool {
	return e.account.IsAdmin || e.plan.IsUnlimited()
}

// load resolves the account and plan, applying a due reset first. A failed reset is logged and
// the last-known balance is used; the next check retries it.
func (s *CreditService) load(ctx context.Context, userID string) (entitlement, error) {
	acc, err := s.accounts.Get(ctx, userID)
	if err != nil {
		return entitlement{}, err
	}
	if acc == nil {
		return entitlement{}, ErrAccountNotFound
	}

	res, fresh, err := s.resets.resetAccount(ctx, acc, models.ResetReasonMonthly)
	if err != nil {
		s.log.Error("lazy credit reset failed", "user_id", userID, "err", err)
	} else {
		acc = fresh
	}

	plan, err := s.plans.Get(ctx, acc.PlanName)
	if err != nil {
		return entitlement{}, err
	}
	return entitlement{account: acc, plan: plan, wasReset: res.WasReset}, nil
}

// CheckAction reports whether the user can currently afford the action. It never deducts.
func (s *CreditService) CheckAction(ctx context.Context, userID string, action credits.ActionKind, params credits.Params) (CheckResult, error) {
	cost, err := credits.Cost(action, params)
	if err != nil {
		return CheckResult{}, err
	}
	ent, err := s.load(ctx, userID)
	if err != nil {
		return CheckResult{}, err
	}
	if ent.unlimited() {
		return CheckResult{Allowed: true, Cost: 0, CurrentCredits: ent.account.CurrentCredits}, nil
	}
	res := CheckResult{
		Allowed:        ent.account.CurrentCredits >= cost,
		Cost:           cost,
		CurrentCredits: ent.account.CurrentCredits,
	}
	if !res.Allowed {
		res.Reason = ReasonInsufficientCredits
	}
	return res, nil
}

// ConsumeCredits charges for an action that already completed. The deduction is a single
// conditional update, so concurrent consumers can never push the balance below zero.
func (s *CreditService) ConsumeCredits(ctx context.Context, userID string, action credits.ActionKind, params credits.Params) (ConsumeResult, error) {
	cost, err := credits.Cost(action, params)
	if err != nil {
		return ConsumeResult{}, err
	}
	ent, err := s.load(ctx, userID)
	if err != nil {
		return ConsumeResult{}, err
	}
	if ent.unlimited() {
		return ConsumeResult{Success: true, NewBalance: ent.account.CurrentCredits}, nil
	}

	balance, ok, err := s.accounts.Deduct(ctx, userID, cost, s.now())
	if err != nil {
		if errors.Is(err, repository.ErrNoAccount) {
			return ConsumeResult{}, ErrAccountNotFound
		}
		return ConsumeResult{}, err
	}
	if !ok {
		s.metrics.IncDenied(string(action), ReasonInsufficientCredits)
		return ConsumeResult{Success: false, NewBalance: balance, Cost: cost, Reason: ReasonInsufficientCredits}, nil
	}
	s.metrics.AddCharged(string(action), cost)
	s.log.Debug("credits consumed", "user_id", userID, "action", action, "cost", cost, "balance", balance)
	return ConsumeResult{Success: true, NewBalance: balance, Cost: cost}, nil
}

// Reservation is a charge taken before a paid action runs. Commit keeps it; Release refunds it.
type Reservation struct {
	svc     *CreditService
	UserID  string
	Action  credits.ActionKind
	Cost    int
	Balance int

	mu   sync.Mutex
	done bool
}

// Reserve deducts the action's cost up front or rejects with *InsufficientCreditsError.
func (s *CreditService) Reserve(ctx context.Context, userID string, action credits.ActionKind, params credits.Params) (*Reservation, error) {
	cost, err := credits.Cost(action, params)
	if err != nil {
		return nil, err
	}
	ent, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if ent.unlimited() {
		return &Reservation{svc: s, UserID: userID, Action: action, Balance: ent.account.CurrentCredits}, nil
	}

	balance, ok, err := s.accounts.Deduct(ctx, userID, cost, s.now())
	if err != nil {
		if errors.Is(err, repository.ErrNoAccount) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	if !ok {
		s.metrics.IncDenied(string(action), ReasonInsufficientCredits)
		return nil, &InsufficientCreditsError{Action: action, Cost: cost, Current: balance}
	}
	return &Reservation{svc: s, UserID: userID, Action: action, Cost: cost, Balance: balance}, nil
}

// Commit finalizes the charge. Calling it after Release, or twice, is a no-op.
func (r *Reservation) Commit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	r.svc.metrics.AddCharged(string(r.Action), r.Cost)
}

// Release refunds the reservation unless it was already committed or released.
func (r *Reservation) Release(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return nil
	}
	r.done = true
	if r.Cost == 0 {
		return nil
	}
	balance, err := r.svc.accounts.Refund(ctx, r.UserID, r.Cost, r.svc.now())
	if err != nil {
		r.svc.log.Error("refund reservation failed", "user_id", r.UserID, "action", r.Action, "cost", r.Cost, "err", err)
		return fmt.Errorf("refund reservation: %w", err)
	}
	r.Balance = balance
	r.svc.metrics.AddRefunded(string(r.Action), r.Cost)
	return nil
}

// CanCreateCards enforces the plan's card ceiling; credits are not consulted.
func (s *CreditService) CanCreateCards(ctx context.Context, userID string, requested int) (CardLimitResult, error) {
	ent, err := s.load(ctx, userID)
	if err != nil {
		return CardLimitResult{}, err
	}
	res := CardLimitResult{Allowed: true, MaxCards: ent.plan.MaxCards, PlanName: ent.plan.Name}
	switch {
	case requested < 1:
		res.Allowed = false
		res.Message = "card count must be at least 1"
	case ent.account.IsAdmin:
	case requested > ent.plan.MaxCards:
		res.Allowed = false
		res.Message = fmt.Sprintf("The %s plan allows up to %d cards per presentation. Upgrade your plan to create %d cards.",
			ent.plan.DisplayName, ent.plan.MaxCards, requested)
	}
	if !res.Allowed {
		s.metrics.IncDenied(string(credits.ActionCardGeneration), ReasonCardLimitExceeded)
	}
	return res, nil
}

// CanUseImageQuality enforces quality-tier gating independent of the balance.
func (s *CreditService) CanUseImageQuality(ctx context.Context, userID string, quality models.QualityTier) (QualityResult, error) {
	ent, err := s.load(ctx, userID)
	if err != nil {
		return QualityResult{}, err
	}
	available := ent.plan.AllowedQualities
	if ent.account.IsAdmin {
		available = allQualities
	}
	allowed := false
	for _, q := range available {
		if q == quality {
			allowed = true
			break
		}
	}
	if available == nil {
		available = []models.QualityTier{}
	}
	return QualityResult{Allowed: allowed, AvailableQualities: available, PlanName: ent.plan.Name}, nil
}

// CanUseImageModel reports whether the plan includes the image model.
func (s *CreditService) CanUseImageModel(ctx context.Context, userID string, model string) (bool, error) {
	ent, err := s.load(ctx, userID)
	if err != nil {
		return false, err
	}
	return ent.account.IsAdmin || ent.plan.AllowsModel(model), nil
}

// PlanFor returns the user's current plan.
func (s *CreditService) PlanFor(ctx context.Context, userID string) (*models.Plan, error) {
	ent, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	return ent.plan, nil
}

// Status summarizes the balance for display.
func (s *CreditService) Status(ctx context.Context, userID string) (CreditStatus, error) {
	ent, err := s.load(ctx, userID)
	if err != nil {
		return CreditStatus{}, err
	}
	acc, plan := ent.account, ent.plan
	st := CreditStatus{
		Current:        acc.CurrentCredits,
		Limit:          plan.MonthlyCredits,
		IsUnlimited:    ent.unlimited(),
		NextReset:      acc.NextResetAt,
		DaysUntilReset: daysUntil(s.now(), acc.NextResetAt),
		WasReset:       ent.wasReset,
		IsAdmin:        acc.IsAdmin,
	}
	if st.IsUnlimited {
		st.Remaining = max(acc.CurrentCredits, 0)
		st.Percentage = 100
		return st, nil
	}
	st.Remaining = max(acc.CurrentCredits, 0)
	if plan.MonthlyCredits > 0 {
		st.Percentage = min(100, int(math.Round(float64(st.Remaining)*100/float64(plan.MonthlyCredits))))
	}
	return st, nil
}

// History lists the user's reset records, newest first.
func (s *CreditService) History(ctx context.Context, userID string, limit int) ([]models.ResetHistoryRecord, error) {
	acc, err := s.accounts.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, ErrAccountNotFound
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return s.history.List(ctx, userID, limit)
}

// Provision opens a credit account on the given plan with a full allowance.
func (s *CreditService) Provision(ctx context.Context, userID string, planName models.PlanName, isAdmin bool) (*models.CreditAccount, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	plan, err := s.plans.Get(ctx, planName)
	if err != nil {
		return nil, err
	}
	existing, err := s.accounts.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrAccountExists
	}
	now := time.Unix(s.now().Unix(), 0).UTC()
	acc := &models.CreditAccount{
		UserID:         userID,
		PlanName:       plan.Name,
		CurrentCredits: plan.MonthlyCredits,
		LastResetAt:    now,
		NextResetAt:    now.Add(s.resets.Period()),
		IsAdmin:        isAdmin,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.accounts.Create(ctx, acc); err != nil {
		return nil, err
	}
	s.log.Info("credit account provisioned", "user_id", userID, "plan", plan.Name, "is_admin", isAdmin)
	return acc, nil
}

// SetAdmin toggles the unlimited admin flag.
func (s *CreditService) SetAdmin(ctx context.Context, userID string, admin bool) error {
	if err := s.accounts.SetAdmin(ctx, userID, admin, s.now()); err != nil {
		if errors.Is(err, repository.ErrNoAccount) {
			return ErrAccountNotFound
		}
		return err
	}
	return nil
}

func daysUntil(now, t time.Time) int {
	d := t.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Hours() / 24))
}
