package api

import (
	"net/http"
	"strconv"

	"github.com/digkill/deckforge/internal/auth"
	"github.com/digkill/deckforge/internal/credits"
	"github.com/digkill/deckforge/internal/models"
	"github.com/digkill/deckforge/internal/service"
)

type actionRequest struct {
	Action string `json:"action"`
	Params struct {
		CardCount int    `json:"cardCount"`
		Quality   string `json:"quality"`
	} `json:"params"`
}

func (req actionRequest) parse() (credits.ActionKind, credits.Params, error) {
	action, err := credits.ParseAction(req.Action)
	if err != nil {
		return "", credits.Params{}, err
	}
	params := credits.Params{CardCount: req.Params.CardCount}
	if req.Params.Quality != "" {
		q, ok := models.ParseQualityTier(req.Params.Quality)
		if !ok {
			return "", credits.Params{}, service.ErrInvalidRequest
		}
		params.Quality = q
	}
	return action, params, nil
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if !s.decode(w, r, &req) {
		return
	}
	action, params, err := req.parse()
	if err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.deps.Credits.CheckAction(r.Context(), auth.UserID(r.Context()), action, params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if !s.decode(w, r, &req) {
		return
	}
	action, params, err := req.parse()
	if err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.deps.Credits.ConsumeCredits(r.Context(), auth.UserID(r.Context()), action, params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusPaymentRequired
	}
	s.writeJSON(w, status, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Credits.Status(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.deps.Credits.History(r.Context(), auth.UserID(r.Context()), queryInt(r, "limit"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

func (s *Server) handlePlanLimits(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if raw := r.URL.Query().Get("cards"); raw != "" {
		cards, err := strconv.Atoi(raw)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: "cards must be an integer"})
			return
		}
		res, err := s.deps.Credits.CanCreateCards(r.Context(), userID, cards)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, res)
		return
	}
	plan, err := s.deps.Credits.PlanFor(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"maxCards": plan.MaxCards, "planName": plan.Name})
}

func (s *Server) handleImageQualities(w http.ResponseWriter, r *http.Request) {
	// Basic is available to every plan, so asking for it yields the full list.
	res, err := s.deps.Credits.CanUseImageQuality(r.Context(), auth.UserID(r.Context()), models.QualityBasic)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"availableQualities": res.AvailableQualities, "planName": res.PlanName})
}

func (s *Server) handleGenerateImage(w http.ResponseWriter, r *http.Request) {
	var req service.ImageRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.deps.Images.Generate(r.Context(), auth.UserID(r.Context()), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleImageHistory(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if _, err := s.deps.Credits.PlanFor(r.Context(), userID); err != nil {
		s.writeError(w, err)
		return
	}
	images, err := s.deps.Images.Recent(r.Context(), userID, queryInt(r, "limit"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	today, err := s.deps.Images.CountToday(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"images": images, "today": today})
}

type outlineRequest struct {
	Topic     string `json:"topic"`
	CardCount int    `json:"cardCount"`
}

func (s *Server) handleOutline(w http.ResponseWriter, r *http.Request) {
	if s.deps.Outlines == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "outline_unavailable"})
		return
	}
	var req outlineRequest
	if !s.decode(w, r, &req) {
		return
	}
	out, err := s.deps.Outlines.Generate(r.Context(), auth.UserID(r.Context()), req.Topic, req.CardCount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

type regenerateRequest struct {
	Topic   string `json:"topic"`
	Current string `json:"current"`
}

func (s *Server) handleRegenerateTopic(w http.ResponseWriter, r *http.Request) {
	if s.deps.Outlines == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "outline_unavailable"})
		return
	}
	var req regenerateRequest
	if !s.decode(w, r, &req) {
		return
	}
	out, err := s.deps.Outlines.Regenerate(r.Context(), auth.UserID(r.Context()), req.Topic, req.Current)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

// queryInt returns 0 when the parameter is missing or malformed; callers apply their defaults.
func queryInt(r *http.Request, key string) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return v
}
