package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// ProviderConfig selects and authenticates the chat-completion backend.
// OpenAI-compatible endpoints (OpenRouter, local gateways) work through
// BaseURL.
type ProviderConfig struct {
	APIKey  string `json:"api_key"`
	Model   string `json:"model"`
	BaseURL string `json:"base_url,omitempty"`
}

// NewModel constructs the backing llms.Model from the config.
func NewModel(cfg ProviderConfig) (llms.Model, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm provider: api_key is required")
	}
	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	return openai.New(opts...)
}

// generate runs one completion turn and returns the first choice's text.
func generate(ctx context.Context, model llms.Model, system, user string, opts ...llms.CallOption) (string, error) {
	messages := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(system)},
		},
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(user)},
		},
	}
	resp, err := model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llm returned no choices")
	}
	return resp.Choices[0].Content, nil
}
