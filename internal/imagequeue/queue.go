package imagequeue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/digkill/deckforge/internal/metrics"
)

// Provider groups models that share a third-party rate limit.
type Provider string

const (
	ProviderGoogle   Provider = "google"
	ProviderAPIFrame Provider = "apiframe"
	ProviderIdeogram Provider = "ideogram"
	ProviderDirect   Provider = "direct"
)

// QueuedProviders lists the providers that own a queue; direct models never wait.
var QueuedProviders = []Provider{ProviderGoogle, ProviderAPIFrame, ProviderIdeogram}

// ErrQueueCleared is delivered to every pending item when ClearQueues runs.
var ErrQueueCleared = errors.New("image queue cleared")

// ProviderFor routes a model identifier to its provider group.
func ProviderFor(model string) Provider {
	m := strings.ToLower(strings.TrimSpace(model))
	switch {
	case strings.HasPrefix(m, "google-"), strings.HasPrefix(m, "imagen"):
		return ProviderGoogle
	case strings.HasPrefix(m, "midjourney"), strings.HasPrefix(m, "flux"):
		return ProviderAPIFrame
	case strings.HasPrefix(m, "ideogram"):
		return ProviderIdeogram
	default:
		return ProviderDirect
	}
}

// Request is what an executor receives for one attempt.
type Request struct {
	ID          string
	Provider    Provider
	Model       string
	Prompt      string
	AspectRatio string
	Attempt     int
}

// Executor performs one generation attempt and returns the image URL.
type Executor func(ctx context.Context, req Request) (string, error)

// ExhaustedError is returned once an item has failed MaxAttempts times.
type ExhaustedError struct {
	Provider Provider
	Model    string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: %s failed after %d attempts: %v", e.Provider, e.Model, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

type Options struct {
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
	Delays         map[Provider]time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxAttempts:    3,
		BaseBackoff:    time.Second,
		MaxBackoff:     10 * time.Second,
		AttemptTimeout: 90 * time.Second,
		Delays: map[Provider]time.Duration{
			ProviderGoogle:   time.Second,
			ProviderAPIFrame: 2 * time.Second,
			ProviderIdeogram: 500 * time.Millisecond,
		},
	}
}

// Backoff is the wait before retry number attempts (1-based): BaseBackoff doubled per failure, capped.
func (o Options) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := o.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= o.MaxBackoff {
			return o.MaxBackoff
		}
	}
	if o.MaxBackoff > 0 && d > o.MaxBackoff {
		return o.MaxBackoff
	}
	return d
}

type ProviderStats struct {
	QueueLength int           `json:"queueLength"`
	Processing  bool          `json:"processing"`
	Delay       time.Duration `json:"delay"`
	MaxRetries  int           `json:"maxRetries"`
}

type outcome struct {
	url string
	err error
}

type item struct {
	ctx        context.Context
	req        Request
	exec       Executor
	attempts   int
	enqueuedAt time.Time
	done       chan outcome
}

type lane struct {
	items      []*item
	processing bool
	dequeued   bool
}

// Queue serializes calls per provider: one in flight at a time, FIFO, with retries jumping
// back to the head of the line.
type Queue struct {
	opts    Options
	log     *slog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	lanes map[Provider]*lane

	// sleep waits for d or until ctx ends; swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(opts Options, log *slog.Logger, m *metrics.Metrics) *Queue {
	def := DefaultOptions()
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = def.BaseBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = def.MaxBackoff
	}
	if opts.Delays == nil {
		opts.Delays = def.Delays
	}
	q := &Queue{
		opts:    opts,
		log:     log,
		metrics: m,
		lanes:   make(map[Provider]*lane, len(QueuedProviders)),
		sleep:   sleepContext,
	}
	for _, p := range QueuedProviders {
		q.lanes[p] = &lane{}
	}
	return q
}

// Enqueue admits a generation request and blocks until it succeeds, exhausts its attempts,
// is cleared, or ctx ends.
func (q *Queue) Enqueue(ctx context.Context, model, prompt, aspectRatio string, exec Executor) (string, error) {
	req := Request{
		ID:          uuid.NewString(),
		Provider:    ProviderFor(model),
		Model:       model,
		Prompt:      prompt,
		AspectRatio: aspectRatio,
	}
	if req.Provider == ProviderDirect {
		req.Attempt = 1
		url, err := q.attempt(ctx, exec, req)
		q.metrics.ObserveAttempt(string(req.Provider), resultLabel(err))
		return url, err
	}

	it := &item{
		ctx:        ctx,
		req:        req,
		exec:       exec,
		enqueuedAt: time.Now(),
		done:       make(chan outcome, 1),
	}

	q.mu.Lock()
	l := q.lanes[req.Provider]
	l.items = append(l.items, it)
	start := !l.processing
	l.processing = true
	q.publish(req.Provider, l)
	q.mu.Unlock()

	q.log.Debug("image request queued", "id", req.ID, "provider", req.Provider, "model", model)
	if start {
		go q.process(req.Provider)
	}

	select {
	case out := <-it.done:
		return out.url, out.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// process drains one provider's queue, then clears the processing flag.
func (q *Queue) process(p Provider) {
	for {
		q.mu.Lock()
		l := q.lanes[p]
		if len(l.items) == 0 {
			l.processing = false
			l.dequeued = false
			q.publish(p, l)
			q.mu.Unlock()
			return
		}
		it := l.items[0]
		l.items = l.items[1:]
		throttle := l.dequeued && it.attempts == 0
		l.dequeued = true
		q.publish(p, l)
		q.mu.Unlock()

		if throttle {
			if delay := q.opts.Delays[p]; delay > 0 {
				_ = q.sleep(context.Background(), delay)
			}
		}

		if err := it.ctx.Err(); err != nil {
			it.done <- outcome{err: err}
			continue
		}
		if it.attempts == 0 {
			q.metrics.ObserveWait(string(p), time.Since(it.enqueuedAt).Seconds())
		}

		it.attempts++
		req := it.req
		req.Attempt = it.attempts
		url, err := q.attempt(it.ctx, it.exec, req)
		q.metrics.ObserveAttempt(string(p), resultLabel(err))
		if err == nil {
			it.done <- outcome{url: url}
			continue
		}

		if it.attempts >= q.opts.MaxAttempts || it.ctx.Err() != nil {
			q.log.Warn("image request failed", "id", req.ID, "provider", p, "model", req.Model, "attempts", it.attempts, "err", err)
			if ctxErr := it.ctx.Err(); ctxErr != nil {
				it.done <- outcome{err: ctxErr}
				continue
			}
			it.done <- outcome{err: &ExhaustedError{Provider: p, Model: req.Model, Attempts: it.attempts, Err: err}}
			continue
		}

		backoff := q.opts.Backoff(it.attempts)
		q.log.Info("retrying image request", "id", req.ID, "provider", p, "attempt", it.attempts, "backoff", backoff, "err", err)
		if err := q.sleep(it.ctx, backoff); err != nil {
			it.done <- outcome{err: err}
			continue
		}

		q.mu.Lock()
		l.items = append([]*item{it}, l.items...)
		q.publish(p, l)
		q.mu.Unlock()
	}
}

func (q *Queue) attempt(ctx context.Context, exec Executor, req Request) (string, error) {
	if q.opts.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.opts.AttemptTimeout)
		defer cancel()
	}
	url, err := exec(ctx, req)
	if err != nil {
		return "", err
	}
	if url == "" {
		return "", fmt.Errorf("%s returned an empty image url", req.Model)
	}
	return url, nil
}

// Stats reports each queued provider's current state.
func (q *Queue) Stats() map[Provider]ProviderStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[Provider]ProviderStats, len(q.lanes))
	for p, l := range q.lanes {
		out[p] = ProviderStats{
			QueueLength: len(l.items),
			Processing:  l.processing,
			Delay:       q.opts.Delays[p],
			MaxRetries:  q.opts.MaxAttempts,
		}
	}
	return out
}

// ClearQueues rejects every pending item. Requests already running finish normally.
func (q *Queue) ClearQueues() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	cleared := 0
	for p, l := range q.lanes {
		for _, it := range l.items {
			it.done <- outcome{err: ErrQueueCleared}
			cleared++
		}
		l.items = nil
		q.publish(p, l)
	}
	if cleared > 0 {
		q.log.Warn("image queues cleared", "rejected", cleared)
	}
	return cleared
}

// publish must be called with q.mu held.
func (q *Queue) publish(p Provider, l *lane) {
	q.metrics.SetQueueState(string(p), len(l.items), l.processing)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
