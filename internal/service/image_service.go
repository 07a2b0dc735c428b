package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/digkill/deckforge/internal/credits"
	"github.com/digkill/deckforge/internal/imagequeue"
	"github.com/digkill/deckforge/internal/models"
	"github.com/digkill/deckforge/internal/notify"
	"github.com/digkill/deckforge/internal/repository"
)

// ImageArchiver copies a provider image somewhere durable and returns the new URL.
type ImageArchiver interface {
	Archive(ctx context.Context, imageURL string) (string, error)
}

type ImageRequest struct {
	Model       string             `json:"model"`
	Prompt      string             `json:"prompt"`
	AspectRatio string             `json:"aspectRatio"`
	Quality     models.QualityTier `json:"quality"`
}

type ImageResult struct {
	URL             string `json:"url"`
	ArchivedURL     string `json:"archivedUrl,omitempty"`
	ModelUsed       string `json:"modelUsed"`
	AspectRatioUsed string `json:"aspectRatioUsed"`
	WasFallback     bool   `json:"wasFallback"`
	FallbackReason  string `json:"fallbackReason,omitempty"`
	Cost            int    `json:"cost"`
	NewBalance      int    `json:"newBalance"`
}

// ImageService runs a paid image generation: entitlement checks, reservation, queued provider
// call with fallback, then commit or refund.
type ImageService struct {
	credits     *CreditService
	queue       *imagequeue.Queue
	router      *imagequeue.Router
	executor    imagequeue.Executor
	archiver    ImageArchiver
	alerts      notify.Alerter
	generations *repository.GenerationRepository
	log         *slog.Logger
	now         func() time.Time
}

// NewImageService wires the pipeline. archiver may be nil; alerts may be nil.
func NewImageService(creditSvc *CreditService, queue *imagequeue.Queue, router *imagequeue.Router, executor imagequeue.Executor,
	archiver ImageArchiver, alerts notify.Alerter, generations *repository.GenerationRepository, log *slog.Logger) *ImageService {
	if alerts == nil {
		alerts = notify.Nop{}
	}
	return &ImageService{
		credits:     creditSvc,
		queue:       queue,
		router:      router,
		executor:    executor,
		archiver:    archiver,
		alerts:      alerts,
		generations: generations,
		log:         log,
		now:         time.Now,
	}
}

func (s *ImageService) Generate(ctx context.Context, userID string, req ImageRequest) (*ImageResult, error) {
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		return nil, fmt.Errorf("%w: prompt cannot be empty", ErrInvalidRequest)
	}
	if req.AspectRatio == "" {
		req.AspectRatio = "1:1"
	}
	if _, err := imagequeue.NormalizeAspectRatio(req.AspectRatio); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.Quality == "" {
		req.Quality = models.QualityBasic
	}
	q, ok := models.ParseQualityTier(string(req.Quality))
	if !ok {
		return nil, fmt.Errorf("%w: unknown quality %q", ErrInvalidRequest, req.Quality)
	}
	req.Quality = q

	quality, err := s.credits.CanUseImageQuality(ctx, userID, req.Quality)
	if err != nil {
		return nil, err
	}
	if !quality.Allowed {
		return nil, fmt.Errorf("%w: %s on %s", ErrQualityNotAllowed, req.Quality, quality.PlanName)
	}

	if req.Model == "" {
		plan, err := s.credits.PlanFor(ctx, userID)
		if err != nil {
			return nil, err
		}
		if len(plan.AllowedModels) == 0 {
			return nil, fmt.Errorf("%w: plan %s has no image models", ErrModelNotAllowed, plan.Name)
		}
		req.Model = plan.AllowedModels[0]
	}
	allowed, err := s.credits.CanUseImageModel(ctx, userID, req.Model)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, fmt.Errorf("%w: %s", ErrModelNotAllowed, req.Model)
	}

	reservation, err := s.credits.Reserve(ctx, userID, credits.ActionImageGeneration, credits.Params{Quality: req.Quality})
	if err != nil {
		return nil, err
	}

	gen := func(ctx context.Context, model, prompt, ratio string) (string, error) {
		return s.queue.Enqueue(ctx, model, prompt, ratio, s.executor)
	}
	res := s.router.GenerateWithFallback(ctx, req.Model, req.Prompt, req.AspectRatio, gen)
	if !res.Success {
		// Refund even if the caller went away.
		if relErr := reservation.Release(context.WithoutCancel(ctx)); relErr != nil {
			s.log.Error("refund after failed generation", "user_id", userID, "err", relErr)
		}
		if res.WasFallback {
			s.alerts.GenerationFailed(userID, req.Model, res.ModelUsed, res.Err)
		}
		s.log.Warn("image generation failed", "user_id", userID, "model", req.Model, "fallback", res.WasFallback, "err", res.Err)
		return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, res.Err)
	}
	reservation.Commit()

	out := &ImageResult{
		URL:             res.ImageURL,
		ModelUsed:       res.ModelUsed,
		AspectRatioUsed: res.AspectRatioUsed,
		WasFallback:     res.WasFallback,
		FallbackReason:  res.FallbackReason,
		Cost:            reservation.Cost,
		NewBalance:      reservation.Balance,
	}
	if s.archiver != nil {
		archived, err := s.archiver.Archive(ctx, res.ImageURL)
		if err != nil {
			s.log.Error("archive generated image", "user_id", userID, "model", res.ModelUsed, "err", err)
		} else {
			out.ArchivedURL = archived
		}
	}

	if s.generations != nil {
		stored := out.ArchivedURL
		if stored == "" {
			stored = out.URL
		}
		if err := s.generations.Log(ctx, models.GenerationLog{
			ID:             uuid.NewString(),
			UserID:         userID,
			RequestedModel: req.Model,
			ModelUsed:      res.ModelUsed,
			Prompt:         req.Prompt,
			AspectRatio:    res.AspectRatioUsed,
			Quality:        req.Quality,
			Cost:           reservation.Cost,
			WasFallback:    res.WasFallback,
			ImageURL:       stored,
			CreatedAt:      s.now(),
		}); err != nil {
			s.log.Error("failed to log generation", "err", err)
		}
	}
	return out, nil
}

// Recent lists the user's latest generated images.
func (s *ImageService) Recent(ctx context.Context, userID string, limit int) ([]models.GenerationLog, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return s.generations.ListRecent(ctx, userID, limit)
}

// CountToday reports how many images the user has received since UTC midnight.
func (s *ImageService) CountToday(ctx context.Context, userID string) (int, error) {
	return s.generations.CountForDay(ctx, userID, s.now())
}

// QueueStats exposes the provider queues for the operator panel.
func (s *ImageService) QueueStats() map[imagequeue.Provider]imagequeue.ProviderStats {
	return s.queue.Stats()
}

// ClearQueues rejects everything waiting in the provider queues.
func (s *ImageService) ClearQueues() int {
	return s.queue.ClearQueues()
}
