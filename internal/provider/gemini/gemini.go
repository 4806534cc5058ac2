package gemini

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/vnmchuo/ai-metering/internal/provider"
)

const (
	name           = "gemini"
	DefaultBaseURL = "https://generativelanguage.googleapis.com"
)

type GeminiProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type Option func(*GeminiProvider)

func WithBaseURL(url string) Option {
	return func(p *GeminiProvider) {
		if url != "" {
			p.baseURL = url
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *GeminiProvider) { p.client = c }
}

type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type generationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata"`
	ModelVersion  string               `json:"modelVersion"`
	ResponseID    string               `json:"responseId"`
}

type geminiCandidate struct {
	Content geminiContent `json:"content"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

func New(apiKey string, opts ...Option) *GeminiProvider {
	p := &GeminiProvider{
		apiKey:  apiKey,
		baseURL: DefaultBaseURL,
		client:  http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *GeminiProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		p.baseURL, url.PathEscape(req.Model), url.QueryEscape(p.apiKey))

	var geminiResp geminiResponse
	if err := provider.PostJSON(ctx, p.client, name, endpoint, nil, p.mapRequest(req), &geminiResp); err != nil {
		return nil, err
	}

	if len(geminiResp.Candidates) == 0 {
		return nil, &provider.Error{Provider: name, StatusCode: http.StatusOK, Err: fmt.Errorf("no candidates returned")}
	}

	var text strings.Builder
	for _, part := range geminiResp.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}

	model := geminiResp.ModelVersion
	if model == "" {
		model = req.Model
	}
	resp := &provider.Response{
		ID:      geminiResp.ResponseID,
		Content: text.String(),
		Model:   model,
	}
	if geminiResp.UsageMetadata != nil {
		resp.Usage = &provider.Usage{
			PromptTokens:     geminiResp.UsageMetadata.PromptTokenCount,
			CompletionTokens: geminiResp.UsageMetadata.CandidatesTokenCount,
		}
	}
	return resp, nil
}

func (p *GeminiProvider) mapRequest(req *provider.Request) geminiRequest {
	var system []geminiPart
	if req.System != "" {
		system = append(system, geminiPart{Text: req.System})
	}

	var contents []geminiContent
	for _, m := range req.Conversation() {
		if m.Role == "system" {
			system = append(system, geminiPart{Text: m.Content})
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		contents = append(contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: m.Content}},
		})
	}

	out := geminiRequest{Contents: contents}
	if len(system) > 0 {
		out.SystemInstruction = &geminiContent{Parts: system}
	}
	if req.MaxTokens > 0 || req.Temperature != nil {
		out.GenerationConfig = &generationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
		}
	}
	return out
}

func (p *GeminiProvider) Name() string {
	return name
}

func (p *GeminiProvider) Namespaces() []string {
	return []string{"gemini-"}
}
