package gemini

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"text/template"

	"github.com/google/uuid"
	"github.com/pagekeep/taskengine/internal/config"
	"github.com/pagekeep/taskengine/internal/summarize"
	"google.golang.org/genai"
)

// defaultPromptTemplate is used when no template override is supplied. The
// prompt asks for plain prose, not JSON, so the response text is the
// summary itself.
const defaultPromptTemplate = `Summarize the following book chapter in three to five sentences.
Focus on the events and arguments of the chapter itself; do not add
commentary or opinions.

Chapter text:
{{.ChapterText}}`

// promptData carries the fields the prompt template can reference.
type promptData struct {
	ChapterText string
}

// GeminiSummarizer implements the summarize.Summarizer interface using
// Google's Gemini API.
type GeminiSummarizer struct {
	logger         *slog.Logger
	client         *genai.Client
	model          string
	promptTemplate *template.Template
}

// NewGeminiSummarizer creates a new instance of GeminiSummarizer with the
// provided dependencies.
func NewGeminiSummarizer(ctx context.Context, logger *slog.Logger, cfg config.LLMConfig) (*GeminiSummarizer, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("%w: gemini API key cannot be empty", summarize.ErrInvalidConfig)
	}
	if cfg.ModelName == "" {
		return nil, fmt.Errorf("%w: model name cannot be empty", summarize.ErrInvalidConfig)
	}

	promptTemplate, err := template.New("summary").Parse(defaultPromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse prompt template: %v",
			summarize.ErrInvalidConfig, err)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Gemini client: %v",
			summarize.ErrInvalidConfig, err)
	}

	return &GeminiSummarizer{
		logger:         logger.With("component", "gemini_summarizer"),
		client:         client,
		model:          cfg.ModelName,
		promptTemplate: promptTemplate,
	}, nil
}

// Ensure GeminiSummarizer implements summarize.Summarizer.
var _ summarize.Summarizer = (*GeminiSummarizer)(nil)

// Summarize implements summarize.Summarizer.Summarize. Retrying is left to
// the caller: transport errors come back wrapped in ErrTransientFailure and
// the task engine's retry policy decides how often to try again.
func (g *GeminiSummarizer) Summarize(ctx context.Context, chapterText string, userID uuid.UUID) (string, error) {
	if chapterText == "" {
		return "", fmt.Errorf("%w: chapter text cannot be empty", summarize.ErrSummarizationFailed)
	}

	prompt, err := g.createPrompt(chapterText)
	if err != nil {
		return "", err
	}

	g.logger.InfoContext(ctx, "calling Gemini API",
		"model", g.model,
		"user_id", userID,
		"chapter_chars", len(chapterText))

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), nil)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		g.logger.ErrorContext(ctx, "Gemini API call failed", "error", err)
		return "", fmt.Errorf("%w: %v", summarize.ErrTransientFailure, err)
	}

	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("%w: no content generated", summarize.ErrInvalidResponse)
	}
	if resp.Candidates[0].FinishReason == genai.FinishReasonSafety {
		return "", summarize.ErrContentBlocked
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("%w: empty response text", summarize.ErrInvalidResponse)
	}

	g.logger.InfoContext(ctx, "Gemini API call successful", "summary_chars", len(text))
	return text, nil
}

// createPrompt renders the prompt template with the chapter text.
func (g *GeminiSummarizer) createPrompt(chapterText string) (string, error) {
	var buf bytes.Buffer
	if err := g.promptTemplate.Execute(&buf, promptData{ChapterText: chapterText}); err != nil {
		return "", fmt.Errorf("failed to execute prompt template: %w", err)
	}
	return buf.String(), nil
}
