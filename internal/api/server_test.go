package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/deckforge/internal/auth"
	"github.com/digkill/deckforge/internal/database"
	"github.com/digkill/deckforge/internal/imagequeue"
	"github.com/digkill/deckforge/internal/metrics"
	"github.com/digkill/deckforge/internal/models"
	"github.com/digkill/deckforge/internal/notify"
	"github.com/digkill/deckforge/internal/outline"
	"github.com/digkill/deckforge/internal/repository"
	"github.com/digkill/deckforge/internal/service"
	"github.com/digkill/deckforge/pkg/logger"
)

type stubLLM struct {
	out string
	err error
}

func (s stubLLM) Complete(context.Context, string) (string, error) {
	return s.out, s.err
}

type testServer struct {
	handler http.Handler
	credits *service.CreditService
	tokens  *auth.Tokens
}

func newTestServer(t *testing.T, exec imagequeue.Executor, llm outline.LLM) *testServer {
	t.Helper()
	path := filepath.Join(t.TempDir(), "api.db") + "?_pragma=busy_timeout(1000)"
	db, err := database.OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()
	require.NoError(t, database.Migrate(ctx, db, database.DialectSQLite))

	log := logger.Discard()
	m := metrics.New()
	accounts := repository.NewAccountRepository(db)
	plans := service.NewPlanService(repository.NewPlanRepository(db), log)
	require.NoError(t, plans.EnsureDefaultPlans(ctx))
	resets := service.NewResetService(accounts, plans, log, m, service.DefaultResetPeriod)
	creditSvc := service.NewCreditService(accounts, repository.NewHistoryRepository(db), plans, resets, log, m)

	q := imagequeue.New(imagequeue.Options{
		MaxAttempts:    1,
		BaseBackoff:    time.Millisecond,
		MaxBackoff:     time.Millisecond,
		AttemptTimeout: time.Second,
		Delays:         map[imagequeue.Provider]time.Duration{},
	}, log, m)
	router := imagequeue.NewRouter(imagequeue.DefaultFallbacks(), log, m)
	images := service.NewImageService(creditSvc, q, router, exec, nil, notify.Nop{}, repository.NewGenerationRepository(db), log)

	var outlines *outline.Service
	if llm != nil {
		outlines = outline.NewService(creditSvc, llm, log)
	}
	tokens := auth.NewTokens("test-secret", time.Hour)

	srv := NewServer(":0", "admin", "pw", log, Deps{
		Credits:  creditSvc,
		Plans:    plans,
		Resets:   resets,
		Images:   images,
		Outlines: outlines,
		Tokens:   tokens,
		Metrics:  m,
		DB:       db,
	})
	return &testServer{handler: srv.Handler(), credits: creditSvc, tokens: tokens}
}

func (ts *testServer) provision(t *testing.T, userID string, plan models.PlanName) {
	t.Helper()
	_, err := ts.credits.Provision(context.Background(), userID, plan, false)
	require.NoError(t, err)
}

func (ts *testServer) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		token, err := ts.tokens.Generate(userID)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) admin(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.SetBasicAuth("admin", "pw")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func okExecutor(_ context.Context, req imagequeue.Request) (string, error) {
	return "https://img/" + req.Model + ".png", nil
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, okExecutor, nil)
	rec := ts.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestCredits_RequireToken(t *testing.T) {
	ts := newTestServer(t, okExecutor, nil)
	rec := ts.do(t, http.MethodGet, "/credits", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCredits_UnknownAccountIsForbidden(t *testing.T) {
	ts := newTestServer(t, okExecutor, nil)
	rec := ts.do(t, http.MethodGet, "/credits", "ghost", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "account_not_found", decodeBody(t, rec)["error"])
}

func TestCredits_StatusCheckConsume(t *testing.T) {
	ts := newTestServer(t, okExecutor, nil)
	ts.provision(t, "u1", models.PlanFree)

	rec := ts.do(t, http.MethodGet, "/credits", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody(t, rec)
	assert.EqualValues(t, 500, status["current"])
	assert.EqualValues(t, 100, status["percentage"])

	rec = ts.do(t, http.MethodPost, "/credits/check", "u1", map[string]any{"action": "PRESENTATION_CREATION"})
	require.Equal(t, http.StatusOK, rec.Code)
	check := decodeBody(t, rec)
	assert.Equal(t, true, check["allowed"])
	assert.EqualValues(t, 40, check["cost"])

	for range 12 {
		rec = ts.do(t, http.MethodPost, "/credits/consume", "u1", map[string]any{"action": "PRESENTATION_CREATION"})
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec = ts.do(t, http.MethodPost, "/credits/consume", "u1", map[string]any{"action": "PRESENTATION_CREATION"})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["success"])
	assert.EqualValues(t, 20, body["newBalance"])
}

func TestCredits_BadActionIsBadRequest(t *testing.T) {
	ts := newTestServer(t, okExecutor, nil)
	ts.provision(t, "u1", models.PlanFree)

	rec := ts.do(t, http.MethodPost, "/credits/check", "u1", map[string]any{"action": "TELEPORT"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/credits/check", bytes.NewBufferString("{"))
	token, err := ts.tokens.Generate("u1")
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	raw := httptest.NewRecorder()
	ts.handler.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
	assert.Equal(t, "invalid_json", decodeBody(t, raw)["error"])
}

func TestPlanLimits(t *testing.T) {
	ts := newTestServer(t, okExecutor, nil)
	ts.provision(t, "u1", models.PlanFree)

	rec := ts.do(t, http.MethodGet, "/plan/limits", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 10, decodeBody(t, rec)["maxCards"])

	rec = ts.do(t, http.MethodGet, "/plan/limits?cards=25", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["allowed"])
	assert.Contains(t, body["message"], "up to 10 cards")

	rec = ts.do(t, http.MethodGet, "/plan/image-qualities", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"basic"}, decodeBody(t, rec)["availableQualities"])
}

func TestGenerateImage(t *testing.T) {
	ts := newTestServer(t, okExecutor, nil)
	ts.provision(t, "u1", models.PlanPro)

	rec := ts.do(t, http.MethodPost, "/images/generate", "u1", map[string]any{
		"model": "flux-pro", "prompt": "a lighthouse", "aspectRatio": "16:9", "quality": "basic",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "flux-pro", body["modelUsed"])
	assert.Equal(t, false, body["wasFallback"])

	rec = ts.do(t, http.MethodGet, "/images/history", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decodeBody(t, rec)
	assert.Len(t, history["images"], 1)
	assert.EqualValues(t, 1, history["today"])
}

func TestGenerateImage_FailureIsBadGateway(t *testing.T) {
	failing := func(context.Context, imagequeue.Request) (string, error) {
		return "", errors.New("provider down")
	}
	ts := newTestServer(t, failing, nil)
	ts.provision(t, "u1", models.PlanPro)

	rec := ts.do(t, http.MethodPost, "/images/generate", "u1", map[string]any{"model": "flux-pro", "prompt": "x"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	status := decodeBody(t, ts.do(t, http.MethodGet, "/credits", "u1", nil))
	assert.EqualValues(t, 2000, status["current"], "failed generation must be refunded")
}

func TestGenerateImage_QualityDenied(t *testing.T) {
	ts := newTestServer(t, okExecutor, nil)
	ts.provision(t, "u1", models.PlanFree)

	rec := ts.do(t, http.MethodPost, "/images/generate", "u1", map[string]any{"prompt": "x", "quality": "premium"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, service.ReasonQualityNotAllowed, decodeBody(t, rec)["error"])
}

func TestOutline(t *testing.T) {
	ts := newTestServer(t, okExecutor, stubLLM{out: "1. Intro\n2. Body\n3. Outro"})
	ts.provision(t, "u1", models.PlanFree)

	rec := ts.do(t, http.MethodPost, "/presentations/outline", "u1", map[string]any{"topic": "Go", "cardCount": 3})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, []any{"Intro", "Body", "Outro"}, body["cards"])
	assert.EqualValues(t, 460, body["newBalance"])

	rec = ts.do(t, http.MethodPost, "/presentations/outline", "u1", map[string]any{"topic": "Go", "cardCount": 30})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestOutline_UnavailableWithoutLLM(t *testing.T) {
	ts := newTestServer(t, okExecutor, nil)
	ts.provision(t, "u1", models.PlanFree)

	rec := ts.do(t, http.MethodPost, "/presentations/outline", "u1", map[string]any{"topic": "Go", "cardCount": 3})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdmin_RequiresBasicAuth(t *testing.T) {
	ts := newTestServer(t, okExecutor, nil)
	rec := ts.do(t, http.MethodGet, "/admin/plans", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdmin_ProvisionAndChangePlan(t *testing.T) {
	ts := newTestServer(t, okExecutor, nil)

	rec := ts.admin(t, http.MethodPost, "/admin/accounts", map[string]any{"userId": "u9", "plan": "PRO"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.EqualValues(t, 2000, decodeBody(t, rec)["currentCredits"])

	rec = ts.admin(t, http.MethodPost, "/admin/accounts", map[string]any{"userId": "u9"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.admin(t, http.MethodPut, "/admin/accounts/u9/plan", map[string]any{"plan": "PREMIUM"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 6000, decodeBody(t, rec)["currentCredits"])

	rec = ts.admin(t, http.MethodPut, "/admin/accounts/u9/plan", map[string]any{"plan": "GOLD"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.admin(t, http.MethodPost, "/admin/accounts/u9/token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	token, _ := decodeBody(t, rec)["token"].(string)
	userID, err := ts.tokens.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "u9", userID)
}

func TestAdmin_TokenRequiresAccount(t *testing.T) {
	ts := newTestServer(t, okExecutor, nil)

	rec := ts.admin(t, http.MethodPost, "/admin/accounts/nobody/token", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "account_not_found", decodeBody(t, rec)["error"])
}

func TestAdmin_UpdatePlan(t *testing.T) {
	ts := newTestServer(t, okExecutor, nil)

	rec := ts.admin(t, http.MethodPut, "/admin/plans/FREE", map[string]any{"maxCards": 12})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 12, decodeBody(t, rec)["maxCards"])

	rec = ts.admin(t, http.MethodPut, "/admin/plans/FREE", map[string]any{"maxCards": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.admin(t, http.MethodPut, "/admin/plans/GOLD", map[string]any{"maxCards": 5})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_QueuesAndSweep(t *testing.T) {
	ts := newTestServer(t, okExecutor, nil)

	rec := ts.admin(t, http.MethodGet, "/admin/queues", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Contains(t, body, "google")
	assert.Contains(t, body, "ideogram")

	rec = ts.admin(t, http.MethodPost, "/admin/queues/clear", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, decodeBody(t, rec)["rejected"])

	rec = ts.admin(t, http.MethodPost, "/admin/resets/sweep", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, decodeBody(t, rec)["reset"])
}
