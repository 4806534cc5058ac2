package openai

import (
	"context"
	"fmt"
	"net/http"

	"github.com/vnmchuo/ai-metering/internal/provider"
)

const (
	name           = "openai"
	DefaultBaseURL = "https://api.openai.com/v1"
)

type OpenAIProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type Option func(*OpenAIProvider)

func WithBaseURL(url string) Option {
	return func(p *OpenAIProvider) {
		if url != "" {
			p.baseURL = url
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *OpenAIProvider) { p.client = c }
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	User        string          `json:"user,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Choices []openAIChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage"`
	Model   string         `json:"model"`
}

type openAIChoice struct {
	Message openAIMessage `json:"message"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func New(apiKey string, opts ...Option) *OpenAIProvider {
	p := &OpenAIProvider{
		apiKey:  apiKey,
		baseURL: DefaultBaseURL,
		client:  http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *OpenAIProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	var openAIResp openAIResponse
	err := provider.PostJSON(ctx, p.client, name, p.baseURL+"/chat/completions",
		map[string]string{"Authorization": "Bearer " + p.apiKey},
		p.mapRequest(req), &openAIResp,
	)
	if err != nil {
		return nil, err
	}

	if len(openAIResp.Choices) == 0 {
		return nil, &provider.Error{Provider: name, StatusCode: http.StatusOK, Err: fmt.Errorf("no choices returned")}
	}

	resp := &provider.Response{
		ID:      openAIResp.ID,
		Content: openAIResp.Choices[0].Message.Content,
		Model:   openAIResp.Model,
	}
	if openAIResp.Usage != nil {
		resp.Usage = &provider.Usage{
			PromptTokens:     openAIResp.Usage.PromptTokens,
			CompletionTokens: openAIResp.Usage.CompletionTokens,
		}
	}
	return resp, nil
}

// mapRequest folds the system text into the leading system message.
func (p *OpenAIProvider) mapRequest(req *provider.Request) openAIRequest {
	conv := req.Conversation()
	messages := make([]openAIMessage, 0, len(conv)+1)
	if req.System != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.System})
	}
	for _, m := range conv {
		messages = append(messages, openAIMessage{Role: m.Role, Content: m.Content})
	}

	return openAIRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		User:        req.UserID,
	}
}

func (p *OpenAIProvider) Name() string {
	return name
}

func (p *OpenAIProvider) Namespaces() []string {
	return []string{"gpt-", "o1", "o3", "o4", "chatgpt-"}
}
