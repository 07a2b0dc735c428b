package api

import (
	"errors"
	"net/http"

	"github.com/digkill/deckforge/internal/credits"
	"github.com/digkill/deckforge/internal/service"
)

type errorBody struct {
	Error          string `json:"error"`
	Message        string `json:"message,omitempty"`
	Cost           int    `json:"cost,omitempty"`
	CurrentCredits *int   `json:"currentCredits,omitempty"`
}

// writeError maps service errors onto status codes. Unknown errors are logged and hidden.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var short *service.InsufficientCreditsError
	switch {
	case errors.As(err, &short):
		current := short.Current
		s.writeJSON(w, http.StatusPaymentRequired, errorBody{
			Error:          service.ReasonInsufficientCredits,
			Message:        err.Error(),
			Cost:           short.Cost,
			CurrentCredits: &current,
		})
	case errors.Is(err, service.ErrAccountNotFound):
		s.writeJSON(w, http.StatusForbidden, errorBody{Error: "account_not_found"})
	case errors.Is(err, service.ErrCardLimitExceeded):
		s.writeJSON(w, http.StatusForbidden, errorBody{Error: service.ReasonCardLimitExceeded, Message: err.Error()})
	case errors.Is(err, service.ErrQualityNotAllowed):
		s.writeJSON(w, http.StatusForbidden, errorBody{Error: service.ReasonQualityNotAllowed, Message: err.Error()})
	case errors.Is(err, service.ErrModelNotAllowed):
		s.writeJSON(w, http.StatusForbidden, errorBody{Error: service.ReasonModelNotAllowed, Message: err.Error()})
	case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, credits.ErrUnknownAction):
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: err.Error()})
	case errors.Is(err, service.ErrPlanNotFound):
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: "plan_not_found", Message: err.Error()})
	case errors.Is(err, service.ErrAccountExists):
		s.writeJSON(w, http.StatusConflict, errorBody{Error: "account_exists"})
	case errors.Is(err, service.ErrGenerationFailed):
		s.log.Warn("generation failed", "err", err)
		s.writeJSON(w, http.StatusBadGateway, errorBody{Error: "generation_failed", Message: "generation failed, you were not charged; please retry"})
	default:
		s.log.Error("handler error", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal_error"})
	}
}
