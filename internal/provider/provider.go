package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const DefaultEndpoint = "chat.completions"

var (
	ErrUnsupportedModel = errors.New("unsupported model")
	ErrProvider         = errors.New("provider error")
	ErrEmptyRequest     = errors.New("request has no messages or prompt")
)

type Request struct {
	UserID string
	OrgID  string
	// Endpoint is the logical operation recorded in the ledger.
	Endpoint    string
	Model       string
	System      string
	Messages    []Message
	Prompt      string
	MaxTokens   int
	Temperature *float64
	// Tags are caller-supplied labels copied into ledger metadata.
	Tags map[string]string
}

type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// Conversation returns Messages, or a single user message built from Prompt.
func (r *Request) Conversation() []Message {
	if len(r.Messages) > 0 {
		return r.Messages
	}
	if r.Prompt == "" {
		return nil
	}
	return []Message{{Role: "user", Content: r.Prompt}}
}

// PromptText is every piece of input text, used for token estimation.
func (r *Request) PromptText() []string {
	parts := make([]string, 0, len(r.Messages)+2)
	if r.System != "" {
		parts = append(parts, r.System)
	}
	for _, m := range r.Conversation() {
		parts = append(parts, m.Content)
	}
	return parts
}

func (r *Request) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("%w: model is required", ErrUnsupportedModel)
	}
	if len(r.Conversation()) == 0 {
		return ErrEmptyRequest
	}
	return nil
}

// Usage as reported by the provider.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

type Response struct {
	ID      string
	Content string
	// Usage is nil when the provider omitted it.
	Usage *Usage
	Model string
}

type Provider interface {
	Name() string
	// Namespaces are the model id prefixes this provider serves.
	Namespaces() []string
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// Error is a failed upstream call. StatusCode is 0 for transport failures.
type Error struct {
	Provider   string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode == 0:
		return fmt.Sprintf("%s api error: %v", e.Provider, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s api error (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s api error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrProvider, e.Err}
	}
	return []error{ErrProvider}
}

type UnsupportedModelError struct {
	Model string
}

func (e *UnsupportedModelError) Error() string {
	return fmt.Sprintf("unsupported model %q", e.Model)
}

func (e *UnsupportedModelError) Unwrap() error {
	return ErrUnsupportedModel
}

// NewHTTPClient returns a client whose transport emits otel spans.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// Registry maps model namespaces to providers.
type Registry struct {
	byPrefix map[string]Provider
	prefixes []string
	names    map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{
		byPrefix: make(map[string]Provider),
		names:    make(map[string]Provider),
	}
}

// Register indexes every namespace of p. A namespace already claimed by
// another provider is an error.
func (r *Registry) Register(p Provider) error {
	if _, dup := r.names[p.Name()]; dup {
		return fmt.Errorf("provider %q already registered", p.Name())
	}
	for _, ns := range p.Namespaces() {
		ns = strings.ToLower(ns)
		if owner, dup := r.byPrefix[ns]; dup {
			return fmt.Errorf("namespace %q already served by %s", ns, owner.Name())
		}
	}
	for _, ns := range p.Namespaces() {
		ns = strings.ToLower(ns)
		r.byPrefix[ns] = p
		r.prefixes = append(r.prefixes, ns)
	}
	sort.Slice(r.prefixes, func(i, j int) bool { return len(r.prefixes[i]) > len(r.prefixes[j]) })
	r.names[p.Name()] = p
	return nil
}

// Resolve returns the provider with the longest namespace matching model.
func (r *Registry) Resolve(model string) (Provider, error) {
	m := strings.ToLower(model)
	for _, ns := range r.prefixes {
		if strings.HasPrefix(m, ns) {
			return r.byPrefix[ns], nil
		}
	}
	return nil, &UnsupportedModelError{Model: model}
}

// Providers lists registered providers by name.
func (r *Registry) Providers() []string {
	out := make([]string, 0, len(r.names))
	for name := range r.names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
