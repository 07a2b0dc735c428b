package imagegen

import (
	"context"
	"fmt"
	"strings"

	"github.com/digkill/deckforge/internal/imagequeue"
)

type ideogramConfig struct {
	apiKey  string
	baseURL string
}

// ideogramModel maps our model ids onto Ideogram's enum.
func ideogramModel(model string) string {
	switch strings.ToLower(model) {
	case "ideogram-v2-turbo":
		return "V_2_TURBO"
	case "ideogram-v1":
		return "V_1"
	default:
		return "V_2"
	}
}

func (c *Client) generateIdeogram(ctx context.Context, model, prompt, ratio string) (string, error) {
	if c.ideogram.apiKey == "" {
		return "", fmt.Errorf("%w: ideogram", ErrNotConfigured)
	}
	fullURL, err := joinURL(c.ideogram.baseURL, "/generate")
	if err != nil {
		return "", err
	}
	payload := map[string]any{
		"image_request": map[string]any{
			"prompt":       prompt,
			"aspect_ratio": imagequeue.IdeogramRatio(ratio),
			"model":        ideogramModel(model),
		},
	}

	var resp struct {
		Data []struct {
			URL string `json:"url"`
		} `json:"data"`
	}
	if err := c.postJSON(ctx, "ideogram", fullURL, map[string]string{"Api-Key": c.ideogram.apiKey}, payload, &resp); err != nil {
		return "", err
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return "", fmt.Errorf("ideogram returned no images")
	}
	return resp.Data[0].URL, nil
}
