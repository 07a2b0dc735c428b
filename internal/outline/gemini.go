package outline

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Gemini is the production LLM.
type Gemini struct {
	client *genai.Client
	model  string
}

func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	if model == "" {
		model = "gemini-1.5-flash"
	}
	return &Gemini{client: client, model: model}, nil
}

func (g *Gemini) Complete(ctx context.Context, prompt string) (string, error) {
	model := g.client.GenerativeModel(g.model)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text("You help people outline slide presentations. Be concise.")},
	}
	res, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	if len(res.Candidates) == 0 || res.Candidates[0].Content == nil {
		return "", fmt.Errorf("gemini returned no candidates")
	}
	var b strings.Builder
	for _, part := range res.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	return b.String(), nil
}

func (g *Gemini) Close() error {
	return g.client.Close()
}
