package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"voice-platform/pkg/logger"

	openai "github.com/sashabaranov/go-openai"
)

const systemPrompt = `You write call-center profiles for small businesses.
Reply with one JSON object with keys: name, category, greeting, persona,
services (array of strings), hours (array of strings), address,
faqs (array of {question, answer}). Use only facts from the input.`

type OpenAIConfig struct {
	APIKey string
	Model  string
	// BaseURL overrides the API endpoint.
	BaseURL string
}

// OpenAIBuilder asks a chat model for the profile and falls back to the
// deterministic builder when the model is unavailable or returns junk.
type OpenAIBuilder struct {
	client   *openai.Client
	model    string
	fallback Builder
}

func NewOpenAIBuilder(cfg OpenAIConfig) *OpenAIBuilder {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIBuilder{
		client:   openai.NewClientWithConfig(clientConfig),
		model:    model,
		fallback: Deterministic{},
	}
}

// NewBuilder returns the OpenAI builder when a key is configured.
func NewBuilder(cfg OpenAIConfig) Builder {
	if cfg.APIKey == "" {
		return Deterministic{}
	}
	return NewOpenAIBuilder(cfg)
}

func (b *OpenAIBuilder) Build(ctx context.Context, bc BusinessContext, opts Options) (BusinessProfile, error) {
	if strings.TrimSpace(bc.Name) == "" {
		return b.fallback.Build(ctx, bc, opts)
	}
	p, err := b.complete(ctx, bc, opts)
	if err != nil {
		logger.From(ctx).Warn("llm profile failed, using deterministic profile", "err", err, "business", bc.Name)
		return b.fallback.Build(ctx, bc, opts)
	}
	return p, nil
}

func (b *OpenAIBuilder) complete(ctx context.Context, bc BusinessContext, opts Options) (BusinessProfile, error) {
	input, err := json.Marshal(struct {
		Business BusinessContext `json:"business"`
		Language string          `json:"language,omitempty"`
		Tone     string          `json:"tone,omitempty"`
	}{bc, opts.Language, opts.Tone})
	if err != nil {
		return BusinessProfile{}, err
	}

	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: b.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: string(input)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
		Temperature:    0.3,
	})
	if err != nil {
		return BusinessProfile{}, fmt.Errorf("profile: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return BusinessProfile{}, errors.New("profile: empty completion")
	}

	var p BusinessProfile
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &p); err != nil {
		return BusinessProfile{}, fmt.Errorf("profile: decode completion: %w", err)
	}
	if p.Name == "" {
		p.Name = bc.Name
	}
	if p.Greeting == "" {
		return BusinessProfile{}, errors.New("profile: completion missing greeting")
	}
	return p, nil
}
