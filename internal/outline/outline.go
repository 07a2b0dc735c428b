package outline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/digkill/deckforge/internal/credits"
	"github.com/digkill/deckforge/internal/service"
)

// LLM completes a single prompt.
type LLM interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

type Outline struct {
	Topic      string   `json:"topic"`
	Cards      []string `json:"cards"`
	Cost       int      `json:"cost"`
	NewBalance int      `json:"newBalance"`
}

type Regenerated struct {
	Title      string `json:"title"`
	Cost       int    `json:"cost"`
	NewBalance int    `json:"newBalance"`
}

// Service drafts presentation outlines and bills them only once the model has answered.
type Service struct {
	credits *service.CreditService
	llm     LLM
	log     *slog.Logger
}

func NewService(creditSvc *service.CreditService, llm LLM, log *slog.Logger) *Service {
	return &Service{credits: creditSvc, llm: llm, log: log}
}

var errEmptyOutline = errors.New("model returned no card titles")

func (s *Service) Generate(ctx context.Context, userID, topic string, cardCount int) (*Outline, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, fmt.Errorf("%w: topic is required", service.ErrInvalidRequest)
	}
	limit, err := s.credits.CanCreateCards(ctx, userID, cardCount)
	if err != nil {
		return nil, err
	}
	if !limit.Allowed {
		return nil, fmt.Errorf("%w: %s", service.ErrCardLimitExceeded, limit.Message)
	}

	reservation, err := s.credits.Reserve(ctx, userID, credits.ActionPresentationCreation, credits.Params{CardCount: cardCount})
	if err != nil {
		return nil, err
	}

	raw, err := s.llm.Complete(ctx, outlinePrompt(topic, cardCount))
	var cards []string
	if err == nil {
		cards = parseTitles(raw, cardCount)
		if len(cards) == 0 {
			err = errEmptyOutline
		}
	}
	if err != nil {
		if relErr := reservation.Release(context.WithoutCancel(ctx)); relErr != nil {
			s.log.Error("refund after failed outline", "user_id", userID, "err", relErr)
		}
		return nil, fmt.Errorf("%w: %w", service.ErrGenerationFailed, err)
	}
	reservation.Commit()

	s.log.Info("outline generated", "user_id", userID, "cards", len(cards), "cost", reservation.Cost)
	return &Outline{Topic: topic, Cards: cards, Cost: reservation.Cost, NewBalance: reservation.Balance}, nil
}

// Regenerate proposes a replacement for one card title.
func (s *Service) Regenerate(ctx context.Context, userID, topic, current string) (*Regenerated, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, fmt.Errorf("%w: topic is required", service.ErrInvalidRequest)
	}
	reservation, err := s.credits.Reserve(ctx, userID, credits.ActionTopicRegeneration, credits.Params{})
	if err != nil {
		return nil, err
	}

	raw, err := s.llm.Complete(ctx, regeneratePrompt(topic, current))
	var titles []string
	if err == nil {
		titles = parseTitles(raw, 1)
		if len(titles) == 0 {
			err = errEmptyOutline
		}
	}
	if err != nil {
		if relErr := reservation.Release(context.WithoutCancel(ctx)); relErr != nil {
			s.log.Error("refund after failed regeneration", "user_id", userID, "err", relErr)
		}
		return nil, fmt.Errorf("%w: %w", service.ErrGenerationFailed, err)
	}
	reservation.Commit()
	return &Regenerated{Title: titles[0], Cost: reservation.Cost, NewBalance: reservation.Balance}, nil
}

func outlinePrompt(topic string, cards int) string {
	return fmt.Sprintf(`Write an outline for a presentation about: %s
Return exactly %d slide titles, one per line, no numbering, no extra text.`, topic, cards)
}

func regeneratePrompt(topic, current string) string {
	if current == "" {
		return fmt.Sprintf("Suggest one slide title for a presentation about: %s\nReturn only the title.", topic)
	}
	return fmt.Sprintf(`Suggest a different slide title to replace %q in a presentation about: %s
Return only the title.`, current, topic)
}

var listMarker = regexp.MustCompile(`(?i)^\s*(?:[-*•#]+|\d+[.)]|slide\s+\d+\s*[:.-])\s*`)

// parseTitles keeps up to max non-empty lines, stripped of list markers and quotes.
func parseTitles(raw string, max int) []string {
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		line = listMarker.ReplaceAllString(strings.TrimSpace(line), "")
		line = strings.Trim(strings.TrimSpace(line), `"*`)
		if line == "" {
			continue
		}
		out = append(out, line)
		if len(out) == max {
			break
		}
	}
	return out
}
