// Package continuity derives and applies the shared visual context that
// chains scenes of a batch together: a one-shot textual extraction from the
// first scene's prompt, and the prompt assembly that reinforces it on every
// subsequent submission.
package continuity

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Extractor produces the scene context for a batch. Only ever invoked for
// scene index 0; failures degrade the batch to context-free generation and
// are never fatal.
type Extractor interface {
	ExtractContext(ctx context.Context, apiKey, scenePrompt string) (string, error)
}

// GeminiExtractor calls the text-generation collaborator with the fixed
// cinematographer instruction template.
type GeminiExtractor struct {
	model  string
	logger *slog.Logger
}

func NewGeminiExtractor(model string, logger *slog.Logger) *GeminiExtractor {
	return &GeminiExtractor{model: model, logger: logger}
}

// ExtractContext is a single request/response call; no retries are defined.
// The client is created per call because the key is session-scoped and must
// not outlive the batch that supplied it.
func (e *GeminiExtractor) ExtractContext(ctx context.Context, apiKey, scenePrompt string) (string, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return "", fmt.Errorf("create text client: %w", err)
	}
	defer client.Close()

	model := client.GenerativeModel(e.model)
	resp, err := model.GenerateContent(ctx, genai.Text(buildContextInstruction(scenePrompt)))
	if err != nil {
		return "", fmt.Errorf("context extraction failed: %w", err)
	}

	text := joinText(resp)
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("context extraction returned no text")
	}

	e.logger.Info("scene context extracted", "chars", len(text))
	return text, nil
}

func joinText(resp *genai.GenerateContentResponse) string {
	var b strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				b.WriteString(string(t))
			}
		}
	}
	return b.String()
}
