package imagegen

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type apiframeConfig struct {
	apiKey  string
	baseURL string
}

type apiframeTask struct {
	TaskID  string   `json:"task_id"`
	Status  string   `json:"status"`
	Images  []string `json:"image_urls"`
	Image   string   `json:"original_image_url"`
	Message string   `json:"message"`
	Errors  []string `json:"errors"`
}

// generateAPIFrame creates an imagine task and polls it until it finishes.
func (c *Client) generateAPIFrame(ctx context.Context, model, prompt, ratio string) (string, error) {
	if c.apiframe.apiKey == "" {
		return "", fmt.Errorf("%w: apiframe", ErrNotConfigured)
	}
	path := "/imagine"
	payload := map[string]any{
		"prompt":       prompt,
		"aspect_ratio": ratio,
	}
	if strings.HasPrefix(strings.ToLower(model), "flux") {
		path = "/flux-imagine"
		payload["model"] = model
	}

	taskID, err := c.createAPIFrameTask(ctx, path, payload)
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	return c.pollAPIFrameTask(ctx, taskID)
}

func (c *Client) createAPIFrameTask(ctx context.Context, path string, payload map[string]any) (string, error) {
	fullURL, err := joinURL(c.apiframe.baseURL, path)
	if err != nil {
		return "", err
	}
	c.log.Info("creating apiframe task", "url", fullURL)

	var created apiframeTask
	if err := c.postJSON(ctx, "apiframe", fullURL, c.apiframeHeaders(), payload, &created); err != nil {
		return "", err
	}
	if created.TaskID == "" {
		return "", fmt.Errorf("empty task_id in response")
	}
	c.log.Info("apiframe task created", "task_id", created.TaskID)
	return created.TaskID, nil
}

func (c *Client) pollAPIFrameTask(ctx context.Context, taskID string) (string, error) {
	fullURL, err := joinURL(c.apiframe.baseURL, "/fetch")
	if err != nil {
		return "", err
	}

	for attempt := 0; attempt < c.maxPolls; attempt++ {
		var task apiframeTask
		if err := c.postJSON(ctx, "apiframe", fullURL, c.apiframeHeaders(), map[string]string{"task_id": taskID}, &task); err != nil {
			return "", fmt.Errorf("get task status: %w", err)
		}

		switch task.Status {
		case "finished":
			if len(task.Images) > 0 {
				c.log.Info("apiframe task completed", "task_id", taskID, "attempt", attempt+1)
				return task.Images[0], nil
			}
			if task.Image != "" {
				return task.Image, nil
			}
			return "", fmt.Errorf("no image urls in finished task")
		case "failed":
			msg := task.Message
			if msg == "" && len(task.Errors) > 0 {
				msg = strings.Join(task.Errors, "; ")
			}
			if msg == "" {
				msg = "unknown error"
			}
			c.log.Error("apiframe task failed", "task_id", taskID, "message", msg)
			return "", fmt.Errorf("task failed: %s", msg)
		case "", "pending", "staged", "starting", "processing":
			if attempt%10 == 0 {
				c.log.Info("apiframe task waiting", "task_id", taskID, "attempt", attempt+1, "max_attempts", c.maxPolls)
			}
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(c.pollInterval):
			}
		default:
			return "", fmt.Errorf("unknown task status: %s", task.Status)
		}
	}
	return "", fmt.Errorf("task timeout after %d polls", c.maxPolls)
}

func (c *Client) apiframeHeaders() map[string]string {
	return map[string]string{"Authorization": c.apiframe.apiKey}
}
