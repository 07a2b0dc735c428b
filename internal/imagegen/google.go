package imagegen

import (
	"context"
	"fmt"
	"strings"

	"github.com/digkill/deckforge/internal/imagequeue"
)

type googleConfig struct {
	projectID   string
	location    string
	accessToken string
	baseURL     string
}

var imagenModels = map[string]string{
	"google-imagen-3":      "imagen-3.0-generate-001",
	"google-imagen-3-fast": "imagen-3.0-fast-generate-001",
}

func imagenModel(model string) string {
	if m, ok := imagenModels[strings.ToLower(model)]; ok {
		return m
	}
	return strings.TrimPrefix(strings.ToLower(model), "google-")
}

// generateGoogle calls Vertex AI Imagen :predict. The image comes back inline.
func (c *Client) generateGoogle(ctx context.Context, model, prompt, ratio string) (string, error) {
	if c.google.accessToken == "" || c.google.projectID == "" {
		return "", fmt.Errorf("%w: google", ErrNotConfigured)
	}
	path := fmt.Sprintf("/v1/projects/%s/locations/%s/publishers/google/models/%s:predict",
		c.google.projectID, c.google.location, imagenModel(model))
	fullURL, err := joinURL(c.google.baseURL, path)
	if err != nil {
		return "", err
	}
	payload := map[string]any{
		"instances": []map[string]any{{"prompt": prompt}},
		"parameters": map[string]any{
			"sampleCount": 1,
			"aspectRatio": imagequeue.GoogleRatio(ratio),
		},
	}

	var resp struct {
		Predictions []struct {
			BytesBase64Encoded string `json:"bytesBase64Encoded"`
			MimeType           string `json:"mimeType"`
		} `json:"predictions"`
	}
	headers := map[string]string{"Authorization": "Bearer " + c.google.accessToken}
	if err := c.postJSON(ctx, "google", fullURL, headers, payload, &resp); err != nil {
		return "", err
	}
	if len(resp.Predictions) == 0 || resp.Predictions[0].BytesBase64Encoded == "" {
		return "", fmt.Errorf("imagen returned no images (prompt may have been filtered)")
	}
	p := resp.Predictions[0]
	mime := p.MimeType
	if mime == "" {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + p.BytesBase64Encoded, nil
}
