package service

import (
	"errors"
	"fmt"

	"github.com/digkill/deckforge/internal/credits"
)

var (
	ErrAccountNotFound     = errors.New("credit account not found")
	ErrAccountExists       = errors.New("credit account already exists")
	ErrPlanNotFound        = errors.New("plan not found")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrCardLimitExceeded   = errors.New("card limit exceeded")
	ErrQualityNotAllowed   = errors.New("image quality not available on plan")
	ErrModelNotAllowed     = errors.New("image model not available on plan")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrGenerationFailed    = errors.New("generation failed")
)

// Reasons reported in structured results; the UI maps them to upgrade prompts.
const (
	ReasonInsufficientCredits = "insufficient_credits"
	ReasonCardLimitExceeded   = "card_limit_exceeded"
	ReasonQualityNotAllowed   = "quality_not_allowed"
	ReasonModelNotAllowed     = "model_not_allowed"
)

// InsufficientCreditsError carries the numbers the caller needs to explain a shortfall.
type InsufficientCreditsError struct {
	Action  credits.ActionKind
	Cost    int
	Current int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits for %s: need %d, have %d", e.Action, e.Cost, e.Current)
}

func (e *InsufficientCreditsError) Unwrap() error {
	return ErrInsufficientCredits
}
