package imagegen

import (
	"context"
	"fmt"

	"github.com/digkill/deckforge/internal/imagequeue"
)

type openaiConfig struct {
	apiKey  string
	baseURL string
}

func (c *Client) generateOpenAI(ctx context.Context, model, prompt, ratio string) (string, error) {
	if c.openai.apiKey == "" {
		return "", fmt.Errorf("%w: openai", ErrNotConfigured)
	}
	fullURL, err := joinURL(c.openai.baseURL, "/v1/images/generations")
	if err != nil {
		return "", err
	}
	payload := map[string]any{
		"model":  model,
		"prompt": prompt,
		"n":      1,
		"size":   imagequeue.OpenAISize(ratio),
	}

	var resp struct {
		Data []struct {
			URL string `json:"url"`
		} `json:"data"`
	}
	headers := map[string]string{"Authorization": "Bearer " + c.openai.apiKey}
	if err := c.postJSON(ctx, "openai", fullURL, headers, payload, &resp); err != nil {
		return "", err
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return "", fmt.Errorf("openai returned no images")
	}
	return resp.Data[0].URL, nil
}
