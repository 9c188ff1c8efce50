package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	appErr "github.com/xxxsen/ragguard/internal/pkg/errors"
)

type anthropicConfig struct {
	APIKey    string `json:"api_key"`
	BaseURL   string `json:"base_url"`
	MaxTokens int    `json:"max_tokens"`
}

type anthropicProvider struct {
	apiKey    string
	client    anthropic.Client
	maxTokens int64
}

func (p *anthropicProvider) Name() string {
	return "anthropic"
}

func (p *anthropicProvider) Generate(ctx context.Context, model string, system string, prompt string) (string, error) {
	if p.apiKey == "" {
		return "", fmt.Errorf("anthropic api key missing: %w", appErr.ErrGenerationUnavailable)
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: p.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: system},
		}
	}
	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic generate: %w: %w", appErr.ErrGenerationUnavailable, err)
	}
	text := anthropicText(resp.Content)
	if text == "" {
		return "", fmt.Errorf("anthropic returned no text: %w", appErr.ErrGenerationUnavailable)
	}
	return text, nil
}

// anthropicText joins the text blocks of a reply, skipping thinking and
// tool blocks.
func anthropicText(blocks []anthropic.ContentBlockUnion) string {
	var sb strings.Builder
	for _, block := range blocks {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(sb.String())
}

func createAnthropicFactory(args interface{}) (IGenProvider, error) {
	cfg := &anthropicConfig{}
	if err := decodeConfig(args, cfg); err != nil {
		return nil, err
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	opts := []option.RequestOption{option.WithAPIKey(strings.TrimSpace(cfg.APIKey))}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &anthropicProvider{
		apiKey:    strings.TrimSpace(cfg.APIKey),
		client:    anthropic.NewClient(opts...),
		maxTokens: int64(cfg.MaxTokens),
	}, nil
}

func init() {
	Register("anthropic", createAnthropicFactory)
}
