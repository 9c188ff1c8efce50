package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	appErr "github.com/xxxsen/ragguard/internal/pkg/errors"
)

const (
	defaultOpenAIBaseURL     = "https://api.openai.com/v1"
	defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"
)

type openAIConfig struct {
	APIKey      string `json:"api_key"`
	BaseURL     string `json:"base_url"`
	HTTPReferer string `json:"http_referer"`
	XTitle      string `json:"x_title"`
}

// openAIProvider speaks the OpenAI REST dialect. OpenRouter shares it and
// only differs in base url and attribution headers.
type openAIProvider struct {
	name    string
	apiKey  string
	baseURL string
	headers map[string]string
	client  *http.Client
}

type openAIChatRequest struct {
	Model    string          `json:"model"`
	Messages []openAIChatMsg `json:"messages"`
	Stream   bool            `json:"stream"`
}

type openAIChatMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type openAIEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (p *openAIProvider) Name() string {
	return p.name
}

func (p *openAIProvider) Generate(ctx context.Context, model string, system string, prompt string) (string, error) {
	msgs := make([]openAIChatMsg, 0, 2)
	if system != "" {
		msgs = append(msgs, openAIChatMsg{Role: "system", Content: system})
	}
	msgs = append(msgs, openAIChatMsg{Role: "user", Content: prompt})
	var out openAIChatResponse
	if err := p.post(ctx, "/chat/completions", openAIChatRequest{Model: model, Messages: msgs}, &out); err != nil {
		return "", fmt.Errorf("%s generate: %w: %w", p.name, appErr.ErrGenerationUnavailable, err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("%s response has no choices: %w", p.name, appErr.ErrGenerationUnavailable)
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

func (p *openAIProvider) Embed(ctx context.Context, model string, text string, taskType string) ([]float32, error) {
	var out openAIEmbedResponse
	if err := p.post(ctx, "/embeddings", openAIEmbedRequest{Model: model, Input: text}, &out); err != nil {
		return nil, fmt.Errorf("%s embed: %w: %w", p.name, appErr.ErrEmbeddingUnavailable, err)
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("%s response has no embeddings: %w", p.name, appErr.ErrEmbeddingUnavailable)
	}
	return out.Data[0].Embedding, nil
}

func (p *openAIProvider) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	if p.apiKey == "" {
		return fmt.Errorf("api key missing")
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(p.baseURL, "/")+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("request failed: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func newOpenAIProvider(name, defaultBaseURL string, args interface{}) (*openAIProvider, error) {
	cfg := &openAIConfig{}
	if err := decodeConfig(args, cfg); err != nil {
		return nil, err
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	headers := map[string]string{}
	if v := strings.TrimSpace(cfg.HTTPReferer); v != "" {
		headers["HTTP-Referer"] = v
	}
	if v := strings.TrimSpace(cfg.XTitle); v != "" {
		headers["X-Title"] = v
	}
	return &openAIProvider{
		name:    name,
		apiKey:  strings.TrimSpace(cfg.APIKey),
		baseURL: baseURL,
		headers: headers,
		client:  &http.Client{},
	}, nil
}

func init() {
	Register("openai", func(args interface{}) (IGenProvider, error) {
		return newOpenAIProvider("openai", defaultOpenAIBaseURL, args)
	})
	Register("openrouter", func(args interface{}) (IGenProvider, error) {
		return newOpenAIProvider("openrouter", defaultOpenRouterBaseURL, args)
	})
	RegisterEmbed("openai", func(args interface{}, _ EmbedOptions) (IEmbedProvider, error) {
		return newOpenAIProvider("openai", defaultOpenAIBaseURL, args)
	})
}
