package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/digkill/deckforge/internal/models"
	"github.com/digkill/deckforge/internal/service"
)

type provisionRequest struct {
	UserID  string `json:"userId"`
	Plan    string `json:"plan"`
	IsAdmin bool   `json:"isAdmin"`
}

func (s *Server) handleProvisionAccount(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if !s.decode(w, r, &req) {
		return
	}
	plan := models.PlanFree
	if req.Plan != "" {
		p, ok := models.ParsePlanName(req.Plan)
		if !ok {
			s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: "unknown plan"})
			return
		}
		plan = p
	}
	acc, err := s.deps.Credits.Provision(r.Context(), strings.TrimSpace(req.UserID), plan, req.IsAdmin)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, acc)
}

type changePlanRequest struct {
	Plan string `json:"plan"`
}

func (s *Server) handleChangePlan(w http.ResponseWriter, r *http.Request) {
	var req changePlanRequest
	if !s.decode(w, r, &req) {
		return
	}
	plan, ok := models.ParsePlanName(req.Plan)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: "unknown plan"})
		return
	}
	acc, err := s.deps.Resets.ChangePlan(r.Context(), chi.URLParam(r, "userID"), plan)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, acc)
}

type setAdminRequest struct {
	IsAdmin bool `json:"isAdmin"`
}

func (s *Server) handleSetAdmin(w http.ResponseWriter, r *http.Request) {
	var req setAdminRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.deps.Credits.SetAdmin(r.Context(), chi.URLParam(r, "userID"), req.IsAdmin); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if _, err := s.deps.Credits.PlanFor(r.Context(), userID); err != nil {
		s.writeError(w, err)
		return
	}
	token, err := s.deps.Tokens.Generate(userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.deps.Plans.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, plans)
}

type planUpdateRequest struct {
	DisplayName      *string  `json:"displayName"`
	MonthlyCredits   *int     `json:"monthlyCredits"`
	MaxCards         *int     `json:"maxCards"`
	AllowedQualities []string `json:"allowedQualities"`
	AllowedModels    []string `json:"allowedModels"`
}

func (s *Server) handleUpdatePlan(w http.ResponseWriter, r *http.Request) {
	name, ok := models.ParsePlanName(chi.URLParam(r, "name"))
	if !ok {
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: "plan_not_found"})
		return
	}
	var req planUpdateRequest
	if !s.decode(w, r, &req) {
		return
	}
	input := service.UpdatePlanInput{
		DisplayName:    req.DisplayName,
		MonthlyCredits: req.MonthlyCredits,
		MaxCards:       req.MaxCards,
		AllowedModels:  req.AllowedModels,
	}
	if req.AllowedQualities != nil {
		input.AllowedQualities = []models.QualityTier{}
		for _, raw := range req.AllowedQualities {
			q, ok := models.ParseQualityTier(raw)
			if !ok {
				s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: "unknown quality " + raw})
				return
			}
			input.AllowedQualities = append(input.AllowedQualities, q)
		}
	}
	plan, err := s.deps.Plans.Update(r.Context(), name, input)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Resets.Sweep(r.Context(), queryInt(r, "limit"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"reset": n})
}

type queueStatsResponse struct {
	QueueLength int   `json:"queueLength"`
	Processing  bool  `json:"processing"`
	DelayMS     int64 `json:"delayMs"`
	MaxRetries  int   `json:"maxRetries"`
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]queueStatsResponse)
	for p, st := range s.deps.Images.QueueStats() {
		out[string(p)] = queueStatsResponse{
			QueueLength: st.QueueLength,
			Processing:  st.Processing,
			DelayMS:     st.Delay.Milliseconds(),
			MaxRetries:  st.MaxRetries,
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleClearQueues(w http.ResponseWriter, r *http.Request) {
	n := s.deps.Images.ClearQueues()
	s.log.Warn("queues cleared by admin", "rejected", n)
	s.writeJSON(w, http.StatusOK, map[string]int{"rejected": n})
}
