package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

const (
	anthropicDefaultBaseURL   = "https://api.anthropic.com"
	anthropicDefaultModel     = "claude-3-5-haiku-latest"
	anthropicMessagesPath     = "/v1/messages"
	anthropicAPIVersion       = "2023-06-01"
	anthropicDefaultMaxTokens = 1024
)

// AnthropicProvider speaks the Anthropic Messages API.
type AnthropicProvider struct {
	id      string
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

func NewAnthropicProvider(id, baseURL, apiKey, model string, client *http.Client) *AnthropicProvider {
	if baseURL == "" {
		baseURL = anthropicDefaultBaseURL
	}
	if model == "" {
		model = anthropicDefaultModel
	}
	if client == nil {
		client = defaultClient()
	}
	return &AnthropicProvider{
		id:      id,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  client,
	}
}

func (p *AnthropicProvider) ID() string { return p.id }

type anthRequest struct {
	Model       string        `json:"model"`
	System      string        `json:"system,omitempty"`
	Messages    []anthMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type anthMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage Usage `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *AnthropicProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	body := anthRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if body.Model == "" {
		body.Model = p.model
	}
	if body.MaxTokens == 0 {
		body.MaxTokens = anthropicDefaultMaxTokens
	}
	// System messages move to the top-level field; several are joined.
	var system []string
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		body.Messages = append(body.Messages, anthMessage{Role: string(m.Role), Content: m.Content})
	}
	body.System = strings.Join(system, "\n\n")

	headers := http.Header{}
	headers.Set("x-api-key", p.apiKey)
	headers.Set("anthropic-version", anthropicAPIVersion)

	var out anthResponse
	if err := postJSON(ctx, p.client, p.baseURL+anthropicMessagesPath, "anthropic", headers, body, &out); err != nil {
		return nil, err
	}
	if out.Error != nil {
		return nil, fmt.Errorf("anthropic error [%s]: %s", out.Error.Type, out.Error.Message)
	}

	var text []string
	for _, b := range out.Content {
		if b.Type == "text" {
			text = append(text, b.Text)
		}
	}
	return &CompletionResponse{
		ID:      out.ID,
		Model:   out.Model,
		Content: strings.Join(text, "\n\n"),
		Usage:   out.Usage,
	}, nil
}
