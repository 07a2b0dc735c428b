// Package credits holds the static pricing tables: what each paid action costs and
// which plans exist by default.
package credits

import (
	"errors"
	"fmt"
	"strings"

	"github.com/digkill/deckforge/internal/models"
)

var ErrUnknownAction = errors.New("unknown action")

type ActionKind string

const (
	ActionPresentationCreation    ActionKind = "PRESENTATION_CREATION"
	ActionCardGeneration          ActionKind = "CARD_GENERATION"
	ActionTopicRegeneration       ActionKind = "TOPIC_REGENERATION"
	ActionImageGeneration         ActionKind = "IMAGE_GENERATION"
	ActionImageGenerationBasic    ActionKind = "IMAGE_GENERATION_BASIC"
	ActionImageGenerationAdvanced ActionKind = "IMAGE_GENERATION_ADVANCED"
	ActionImageGenerationPremium  ActionKind = "IMAGE_GENERATION_PREMIUM"
)

const (
	PresentationCreationCost = 40
	CostPerCard              = 5
	TopicRegenerationCost    = 2
	ImageBasicCost           = 5
	ImageAdvancedCost        = 10
	ImagePremiumCost         = 20
)

// Params carries the inputs of parameterized actions. Zero values are valid for fixed-cost actions.
type Params struct {
	CardCount int                `json:"cardCount,omitempty"`
	Quality   models.QualityTier `json:"quality,omitempty"`
}

var fixedCosts = map[ActionKind]int{
	ActionPresentationCreation:    PresentationCreationCost,
	ActionTopicRegeneration:       TopicRegenerationCost,
	ActionImageGenerationBasic:    ImageBasicCost,
	ActionImageGenerationAdvanced: ImageAdvancedCost,
	ActionImageGenerationPremium:  ImagePremiumCost,
}

// ParseAction normalizes a client supplied action name.
func ParseAction(raw string) (ActionKind, error) {
	kind := ActionKind(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := fixedCosts[kind]; ok {
		return kind, nil
	}
	switch kind {
	case ActionCardGeneration, ActionImageGeneration:
		return kind, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, raw)
}

// Cost returns the credit price of an action.
func Cost(action ActionKind, params Params) (int, error) {
	if cost, ok := fixedCosts[action]; ok {
		return cost, nil
	}
	switch action {
	case ActionCardGeneration:
		count := params.CardCount
		if count < 1 {
			count = 1
		}
		return CostPerCard * count, nil
	case ActionImageGeneration:
		quality := params.Quality
		if quality == "" {
			quality = models.QualityBasic
		}
		return Cost(ActionForQuality(quality), Params{})
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownAction, action)
}

// ActionForQuality maps an image quality tier to the action that meters it.
func ActionForQuality(q models.QualityTier) ActionKind {
	switch q {
	case models.QualityAdvanced:
		return ActionImageGenerationAdvanced
	case models.QualityPremium:
		return ActionImageGenerationPremium
	default:
		return ActionImageGenerationBasic
	}
}
