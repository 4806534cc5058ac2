package claude

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/vnmchuo/ai-metering/internal/provider"
)

const (
	name             = "claude"
	DefaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
	defaultMaxTokens = 4096
)

type ClaudeProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type Option func(*ClaudeProvider)

func WithBaseURL(url string) Option {
	return func(p *ClaudeProvider) {
		if url != "" {
			p.baseURL = url
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *ClaudeProvider) { p.client = c }
}

type claudeRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	System      string          `json:"system,omitempty"`
	Messages    []claudeMessage `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeResponse struct {
	ID      string          `json:"id"`
	Content []claudeContent `json:"content"`
	Model   string          `json:"model"`
	Usage   *claudeUsage    `json:"usage"`
}

type claudeContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func New(apiKey string, opts ...Option) *ClaudeProvider {
	p := &ClaudeProvider{
		apiKey:  apiKey,
		baseURL: DefaultBaseURL,
		client:  http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *ClaudeProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	var claudeResp claudeResponse
	err := provider.PostJSON(ctx, p.client, name, p.baseURL+"/messages",
		map[string]string{
			"x-api-key":         p.apiKey,
			"anthropic-version": anthropicVersion,
		},
		p.mapRequest(req), &claudeResp,
	)
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, c := range claudeResp.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	if len(claudeResp.Content) == 0 {
		return nil, &provider.Error{Provider: name, StatusCode: http.StatusOK, Err: fmt.Errorf("no content returned")}
	}

	resp := &provider.Response{
		ID:      claudeResp.ID,
		Content: text.String(),
		Model:   claudeResp.Model,
	}
	if claudeResp.Usage != nil {
		resp.Usage = &provider.Usage{
			PromptTokens:     claudeResp.Usage.InputTokens,
			CompletionTokens: claudeResp.Usage.OutputTokens,
		}
	}
	return resp, nil
}

// mapRequest lifts system text, including system-role messages, into the
// dedicated system field. The messages API rejects a missing max_tokens.
func (p *ClaudeProvider) mapRequest(req *provider.Request) claudeRequest {
	var system []string
	if req.System != "" {
		system = append(system, req.System)
	}

	var messages []claudeMessage
	for _, m := range req.Conversation() {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "assistant"
		}
		messages = append(messages, claudeMessage{Role: role, Content: m.Content})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return claudeRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		System:      strings.Join(system, "\n\n"),
		Messages:    messages,
		Temperature: req.Temperature,
	}
}

func (p *ClaudeProvider) Name() string {
	return name
}

func (p *ClaudeProvider) Namespaces() []string {
	return []string{"claude-"}
}
