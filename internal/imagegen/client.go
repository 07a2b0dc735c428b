package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/digkill/deckforge/internal/config"
	"github.com/digkill/deckforge/internal/imagequeue"
)

// ErrNotConfigured means the provider for a model has no credentials.
var ErrNotConfigured = errors.New("image provider not configured")

// Client talks to every image provider and picks one from the model name.
type Client struct {
	httpClient *http.Client
	log        *slog.Logger

	apiframe apiframeConfig
	ideogram ideogramConfig
	google   googleConfig
	openai   openaiConfig

	pollInterval time.Duration
	maxPolls     int
}

func NewClient(cfg config.Config, log *slog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	location := cfg.GoogleLocation
	if location == "" {
		location = "us-central1"
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
		apiframe:   apiframeConfig{apiKey: cfg.APIFrameAPIKey, baseURL: strings.TrimRight(cfg.APIFrameBaseURL, "/")},
		ideogram:   ideogramConfig{apiKey: cfg.IdeogramAPIKey, baseURL: strings.TrimRight(cfg.IdeogramBaseURL, "/")},
		google: googleConfig{
			projectID:   cfg.GoogleProjectID,
			location:    location,
			accessToken: cfg.GoogleAccessToken,
			baseURL:     fmt.Sprintf("https://%s-aiplatform.googleapis.com", location),
		},
		openai:       openaiConfig{apiKey: cfg.OpenAIAPIKey, baseURL: strings.TrimRight(cfg.OpenAIBaseURL, "/")},
		pollInterval: 2 * time.Second,
		maxPolls:     90,
	}
}

// Generate produces one image and returns its URL. Google returns inline bytes, which come
// back as a data URL.
func (c *Client) Generate(ctx context.Context, model, prompt, aspectRatio string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("prompt is required")
	}
	ratio, err := imagequeue.NormalizeAspectRatio(aspectRatio)
	if err != nil {
		return "", err
	}
	switch imagequeue.ProviderFor(model) {
	case imagequeue.ProviderAPIFrame:
		return c.generateAPIFrame(ctx, model, prompt, ratio)
	case imagequeue.ProviderIdeogram:
		return c.generateIdeogram(ctx, model, prompt, ratio)
	case imagequeue.ProviderGoogle:
		return c.generateGoogle(ctx, model, prompt, ratio)
	default:
		return c.generateOpenAI(ctx, model, prompt, ratio)
	}
}

// Execute adapts Generate to the queue's executor signature.
func (c *Client) Execute(ctx context.Context, req imagequeue.Request) (string, error) {
	return c.Generate(ctx, req.Model, req.Prompt, req.AspectRatio)
}

// Configured reports whether the provider serving model has credentials.
func (c *Client) Configured(model string) bool {
	switch imagequeue.ProviderFor(model) {
	case imagequeue.ProviderAPIFrame:
		return c.apiframe.apiKey != ""
	case imagequeue.ProviderIdeogram:
		return c.ideogram.apiKey != ""
	case imagequeue.ProviderGoogle:
		return c.google.accessToken != "" && c.google.projectID != ""
	default:
		return c.openai.apiKey != ""
	}
}

// postJSON sends payload and decodes a 2xx response into out.
func (c *Client) postJSON(ctx context.Context, provider, fullURL string, headers map[string]string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", provider, err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 300 {
		c.log.Error("image provider request failed", "provider", provider, "status", resp.StatusCode, "url", fullURL, "body", truncateBody(rawBody))
		return &StatusError{Provider: provider, StatusCode: resp.StatusCode, Body: truncateBody(rawBody)}
	}
	if err := json.Unmarshal(rawBody, out); err != nil {
		return fmt.Errorf("decode %s response: %w (body=%s)", provider, err, truncateBody(rawBody))
	}
	return nil
}

// StatusError is a non-2xx provider response.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s error: status=%d body=%s", e.Provider, e.StatusCode, e.Body)
}

func joinURL(base, path string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	endpoint, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	return baseURL.ResolveReference(endpoint).String(), nil
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
