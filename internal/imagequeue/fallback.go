package imagequeue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/digkill/deckforge/internal/metrics"
)

// FallbackEntry sends failed requests for Source to Target, translating the aspect ratio with Convert.
type FallbackEntry struct {
	Source  string
	Target  string
	Convert RatioConverter
}

// FallbackTable is immutable once built.
type FallbackTable struct {
	entries map[string]FallbackEntry
}

// NewFallbackTable validates the entries so no chain can loop or go more than one hop.
func NewFallbackTable(entries ...FallbackEntry) (*FallbackTable, error) {
	t := &FallbackTable{entries: make(map[string]FallbackEntry, len(entries))}
	targets := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.Source == "" || e.Target == "" {
			return nil, fmt.Errorf("fallback entry needs source and target")
		}
		if e.Source == e.Target {
			return nil, fmt.Errorf("fallback for %s points at itself", e.Source)
		}
		if _, dup := t.entries[e.Source]; dup {
			return nil, fmt.Errorf("duplicate fallback for %s", e.Source)
		}
		if e.Convert == nil {
			e.Convert = IdentityRatio
		}
		t.entries[e.Source] = e
		targets[e.Target] = e.Source
	}
	for target, source := range targets {
		if _, ok := t.entries[target]; ok {
			return nil, fmt.Errorf("fallback target %s (from %s) has its own fallback", target, source)
		}
	}
	return t, nil
}

// DefaultFallbacks is the table loaded at startup.
func DefaultFallbacks() *FallbackTable {
	t, err := NewFallbackTable(
		FallbackEntry{Source: "google-imagen-3", Target: "ideogram-v2", Convert: IdeogramRatio},
		FallbackEntry{Source: "google-imagen-3-fast", Target: "ideogram-v2-turbo", Convert: IdeogramRatio},
		FallbackEntry{Source: "midjourney", Target: "dall-e-3", Convert: OpenAISize},
		FallbackEntry{Source: "flux-pro", Target: "dall-e-3", Convert: OpenAISize},
	)
	if err != nil {
		panic(err)
	}
	return t
}

// Lookup returns the fallback registered for model.
func (t *FallbackTable) Lookup(model string) (FallbackEntry, bool) {
	if t == nil {
		return FallbackEntry{}, false
	}
	e, ok := t.entries[model]
	return e, ok
}

// Entries returns a copy of the mappings keyed by source model.
func (t *FallbackTable) Entries() map[string]string {
	out := make(map[string]string, len(t.entries))
	for src, e := range t.entries {
		out[src] = e.Target
	}
	return out
}

type Result struct {
	Success         bool   `json:"success"`
	ImageURL        string `json:"imageUrl,omitempty"`
	ModelUsed       string `json:"modelUsed"`
	AspectRatioUsed string `json:"aspectRatioUsed"`
	WasFallback     bool   `json:"wasFallback"`
	FallbackReason  string `json:"fallbackReason,omitempty"`
	Err             error  `json:"-"`
}

// Generator produces one image for a model; in production it enqueues on the Queue.
type Generator func(ctx context.Context, model, prompt, aspectRatio string) (string, error)

// Router retries a failed generation once on the model's configured fallback.
type Router struct {
	table   atomic.Pointer[FallbackTable]
	log     *slog.Logger
	metrics *metrics.Metrics
}

func NewRouter(table *FallbackTable, log *slog.Logger, m *metrics.Metrics) *Router {
	r := &Router{log: log, metrics: m}
	if table == nil {
		table = &FallbackTable{entries: map[string]FallbackEntry{}}
	}
	r.table.Store(table)
	return r
}

// SwapTable replaces the whole table at once; readers see either the old or the new one.
func (r *Router) SwapTable(t *FallbackTable) error {
	if t == nil {
		return errors.New("fallback table is nil")
	}
	r.table.Store(t)
	return nil
}

func (r *Router) Table() *FallbackTable {
	return r.table.Load()
}

// GenerateWithFallback tries model first and, if that fails, its fallback with a converted ratio.
func (r *Router) GenerateWithFallback(ctx context.Context, model, prompt, aspectRatio string, gen Generator) Result {
	url, err := gen(ctx, model, prompt, aspectRatio)
	if err == nil {
		return Result{Success: true, ImageURL: url, ModelUsed: model, AspectRatioUsed: aspectRatio}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{ModelUsed: model, AspectRatioUsed: aspectRatio, Err: err}
	}

	entry, ok := r.table.Load().Lookup(model)
	if !ok {
		return Result{
			ModelUsed:       model,
			AspectRatioUsed: aspectRatio,
			Err:             fmt.Errorf("%s failed: %w; no fallback configured", model, err),
		}
	}

	canonical, normErr := NormalizeAspectRatio(aspectRatio)
	if normErr != nil {
		r.log.Warn("fallback ratio not understood, using 1:1", "ratio", aspectRatio, "err", normErr)
		canonical = "1:1"
	}
	converted := entry.Convert(canonical)
	reason := fmt.Sprintf("%s failed: %v", model, err)
	r.log.Warn("image generation falling back", "model", model, "fallback", entry.Target, "ratio", converted, "err", err)

	url, fbErr := gen(ctx, entry.Target, prompt, converted)
	if fbErr != nil {
		r.metrics.ObserveFallback(model, entry.Target, "failure")
		return Result{
			ModelUsed:       entry.Target,
			AspectRatioUsed: converted,
			WasFallback:     true,
			FallbackReason:  reason,
			Err:             fmt.Errorf("%s failed: %v; fallback %s failed: %w", model, err, entry.Target, fbErr),
		}
	}
	r.metrics.ObserveFallback(model, entry.Target, "success")
	return Result{
		Success:         true,
		ImageURL:        url,
		ModelUsed:       entry.Target,
		AspectRatioUsed: converted,
		WasFallback:     true,
		FallbackReason:  reason,
	}
}
