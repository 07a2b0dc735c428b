package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/deckforge/internal/credits"
	"github.com/digkill/deckforge/internal/database"
	"github.com/digkill/deckforge/internal/metrics"
	"github.com/digkill/deckforge/internal/models"
	"github.com/digkill/deckforge/internal/repository"
	"github.com/digkill/deckforge/pkg/logger"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	clock    *clock
	accounts *repository.AccountRepository
	plans    *PlanService
	resets   *ResetService
	credits  *CreditService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "svc.db") + "?_pragma=busy_timeout(1000)"
	db, err := database.OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()
	require.NoError(t, database.Migrate(ctx, db, database.DialectSQLite))

	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	log := logger.Discard()
	m := metrics.New()

	accounts := repository.NewAccountRepository(db)
	plans := NewPlanService(repository.NewPlanRepository(db), log)
	plans.now = clk.Now
	require.NoError(t, plans.EnsureDefaultPlans(ctx))

	resets := NewResetService(accounts, plans, log, m, DefaultResetPeriod)
	resets.now = clk.Now
	creditSvc := NewCreditService(accounts, repository.NewHistoryRepository(db), plans, resets, log, m)
	creditSvc.now = clk.Now

	return &fixture{clock: clk, accounts: accounts, plans: plans, resets: resets, credits: creditSvc}
}

// provision opens an account and then forces the balance to the given value.
func (f *fixture) provision(t *testing.T, userID string, plan models.PlanName, balance int) {
	t.Helper()
	ctx := context.Background()
	acc, err := f.credits.Provision(ctx, userID, plan, false)
	require.NoError(t, err)
	if diff := acc.CurrentCredits - balance; diff > 0 {
		_, ok, err := f.accounts.Deduct(ctx, userID, diff, f.clock.Now())
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestCheckAction_DeniesWhenBalanceTooLow(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "u1", models.PlanFree, 35)

	res, err := f.credits.CheckAction(context.Background(), "u1", credits.ActionPresentationCreation, credits.Params{})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 40, res.Cost)
	assert.Equal(t, 35, res.CurrentCredits)
	assert.Equal(t, ReasonInsufficientCredits, res.Reason)

	acc, err := f.accounts.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 35, acc.CurrentCredits, "check must not deduct")
}

func TestConsumeCredits_DeductsExactCost(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "u1", models.PlanFree, 35)
	ctx := context.Background()

	check, err := f.credits.CheckAction(ctx, "u1", credits.ActionTopicRegeneration, credits.Params{})
	require.NoError(t, err)
	require.True(t, check.Allowed)

	res, err := f.credits.ConsumeCredits(ctx, "u1", credits.ActionTopicRegeneration, credits.Params{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 33, res.NewBalance)

	history, err := f.credits.History(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Empty(t, history, "deductions never write reset history")
}

func TestConsumeCredits_RejectsInsteadOfClamping(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "u1", models.PlanFree, 35)

	res, err := f.credits.ConsumeCredits(context.Background(), "u1", credits.ActionPresentationCreation, credits.Params{})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 35, res.NewBalance)
	assert.Equal(t, ReasonInsufficientCredits, res.Reason)
}

func TestCheckAction_AdminIsUnlimited(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "root", models.PlanFree, 0)
	ctx := context.Background()
	require.NoError(t, f.credits.SetAdmin(ctx, "root", true))

	res, err := f.credits.CheckAction(ctx, "root", credits.ActionPresentationCreation, credits.Params{})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Zero(t, res.Cost)

	consumed, err := f.credits.ConsumeCredits(ctx, "root", credits.ActionPresentationCreation, credits.Params{})
	require.NoError(t, err)
	assert.True(t, consumed.Success)
	assert.Zero(t, consumed.Cost)
}

func TestCheckAction_UnlimitedPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	unlimited := models.UnlimitedCredits
	_, err := f.plans.Update(ctx, models.PlanPremium, UpdatePlanInput{MonthlyCredits: &unlimited})
	require.NoError(t, err)
	_, err = f.credits.Provision(ctx, "vip", models.PlanPremium, false)
	require.NoError(t, err)

	res, err := f.credits.CheckAction(ctx, "vip", credits.ActionCardGeneration, credits.Params{CardCount: 60})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Zero(t, res.Cost)

	status, err := f.credits.Status(ctx, "vip")
	require.NoError(t, err)
	assert.True(t, status.IsUnlimited)
}

func TestCheckAction_UnknownAccount(t *testing.T) {
	f := newFixture(t)
	_, err := f.credits.CheckAction(context.Background(), "ghost", credits.ActionTopicRegeneration, credits.Params{})
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestReserve_ReleaseRefunds(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "u1", models.PlanFree, 50)
	ctx := context.Background()

	r, err := f.credits.Reserve(ctx, "u1", credits.ActionPresentationCreation, credits.Params{})
	require.NoError(t, err)
	assert.Equal(t, 10, r.Balance)

	_, err = f.credits.Reserve(ctx, "u1", credits.ActionPresentationCreation, credits.Params{})
	var short *InsufficientCreditsError
	require.True(t, errors.As(err, &short))
	assert.Equal(t, 40, short.Cost)
	assert.Equal(t, 10, short.Current)
	assert.ErrorIs(t, err, ErrInsufficientCredits)

	require.NoError(t, r.Release(ctx))
	require.NoError(t, r.Release(ctx), "second release is a no-op")
	acc, err := f.accounts.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 50, acc.CurrentCredits)
}

func TestReserve_CommitKeepsCharge(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "u1", models.PlanFree, 50)
	ctx := context.Background()

	r, err := f.credits.Reserve(ctx, "u1", credits.ActionImageGeneration, credits.Params{Quality: models.QualityBasic})
	require.NoError(t, err)
	r.Commit()
	require.NoError(t, r.Release(ctx), "release after commit does nothing")

	acc, err := f.accounts.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 45, acc.CurrentCredits)
}

func TestReserve_ConcurrentCannotOverspend(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "u1", models.PlanFree, 100)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.credits.Reserve(ctx, "u1", credits.ActionPresentationCreation, credits.Params{}); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, granted)
	acc, err := f.accounts.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 20, acc.CurrentCredits)
}

func TestCanCreateCards(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "u1", models.PlanFree, 0)
	ctx := context.Background()

	res, err := f.credits.CanCreateCards(ctx, "u1", 10)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "card limit ignores the balance")
	assert.Equal(t, 10, res.MaxCards)
	assert.Equal(t, models.PlanFree, res.PlanName)

	res, err = f.credits.CanCreateCards(ctx, "u1", 11)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Message, "10")
}

func TestCanUseImageQuality(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "u1", models.PlanPro, 2000)
	ctx := context.Background()

	res, err := f.credits.CanUseImageQuality(ctx, "u1", models.QualityAdvanced)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, []models.QualityTier{models.QualityBasic, models.QualityAdvanced}, res.AvailableQualities)

	res, err = f.credits.CanUseImageQuality(ctx, "u1", models.QualityPremium)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	ok, err := f.credits.CanUseImageModel(ctx, "u1", "midjourney")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResetIfDue_ResetsOncePerPeriod(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "u1", models.PlanFree, 35)
	ctx := context.Background()

	res, err := f.resets.ResetIfDue(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, res.WasReset, "not due yet")

	f.clock.Advance(DefaultResetPeriod + time.Minute)

	res, err = f.resets.ResetIfDue(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, res.WasReset)
	assert.Equal(t, 500, res.NewBalance)

	res, err = f.resets.ResetIfDue(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, res.WasReset)

	history, err := f.credits.History(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 35, history[0].PreviousCredits)
	assert.Equal(t, 500, history[0].NewCredits)
	assert.Equal(t, models.ResetReasonMonthly, history[0].ResetReason)

	acc, err := f.accounts.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(DefaultResetPeriod).Unix(), acc.NextResetAt.Unix())
}

func TestCheckAction_AppliesDueResetFirst(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "u1", models.PlanFree, 35)
	f.clock.Advance(DefaultResetPeriod)
	ctx := context.Background()

	res, err := f.credits.CheckAction(ctx, "u1", credits.ActionPresentationCreation, credits.Params{})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 500, res.CurrentCredits)

	status, err := f.credits.Status(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, status.WasReset, "the reset was already applied by the check")
	assert.Equal(t, 30, status.DaysUntilReset)
	assert.Equal(t, 100, status.Percentage)
}

func TestResetIfDue_ConcurrentCallersResetOnce(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "u1", models.PlanFree, 0)
	f.clock.Advance(DefaultResetPeriod + time.Hour)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	resets := 0
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.resets.ResetIfDue(ctx, "u1")
			if err == nil && res.WasReset {
				mu.Lock()
				resets++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, resets)
	history, err := f.credits.History(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestSweep_ResetsOverdueAccounts(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "a", models.PlanFree, 1)
	f.provision(t, "b", models.PlanPro, 7)
	f.clock.Advance(DefaultResetPeriod + time.Second)
	f.provision(t, "c", models.PlanFree, 3)
	ctx := context.Background()

	n, err := f.resets.Sweep(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	b, err := f.accounts.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 2000, b.CurrentCredits)
	c, err := f.accounts.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 3, c.CurrentCredits)

	history, err := f.credits.History(ctx, "a", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.ResetReasonSweep, history[0].ResetReason)
}

func TestChangePlan_RefillsAndRecords(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "u1", models.PlanFree, 12)
	ctx := context.Background()

	acc, err := f.resets.ChangePlan(ctx, "u1", models.PlanPro)
	require.NoError(t, err)
	assert.Equal(t, models.PlanPro, acc.PlanName)
	assert.Equal(t, 2000, acc.CurrentCredits)

	history, err := f.credits.History(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.ResetReasonPlanChange, history[0].ResetReason)
	assert.Equal(t, 12, history[0].PreviousCredits)

	_, err = f.resets.ChangePlan(ctx, "u1", models.PlanName("GOLD"))
	assert.ErrorIs(t, err, ErrPlanNotFound)
}

func TestProvision_RejectsDuplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc, err := f.credits.Provision(ctx, "u1", models.PlanFree, false)
	require.NoError(t, err)
	assert.Equal(t, 500, acc.CurrentCredits)

	_, err = f.credits.Provision(ctx, "u1", models.PlanFree, false)
	assert.ErrorIs(t, err, ErrAccountExists)
}

func TestPlanService_UpdateInvalidatesCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	before, err := f.plans.Get(ctx, models.PlanFree)
	require.NoError(t, err)
	assert.Equal(t, 10, before.MaxCards)

	cards := 12
	_, err = f.plans.Update(ctx, models.PlanFree, UpdatePlanInput{MaxCards: &cards})
	require.NoError(t, err)

	after, err := f.plans.Get(ctx, models.PlanFree)
	require.NoError(t, err)
	assert.Equal(t, 12, after.MaxCards)

	zero := 0
	_, err = f.plans.Update(ctx, models.PlanFree, UpdatePlanInput{MaxCards: &zero})
	assert.Error(t, err)
}

func TestHistory_ClampsLimit(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "u1", models.PlanFree, 0)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.clock.Advance(DefaultResetPeriod)
		_, err := f.resets.ResetIfDue(ctx, "u1")
		require.NoError(t, err)
	}

	history, err := f.credits.History(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, history[0].ResetDate.After(history[1].ResetDate))

	_, err = f.credits.History(ctx, "ghost", 2)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}
