package proxy

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vnmchuo/ai-metering/internal/provider"
)

// Router resolves a model to its provider and runs calls through a circuit
// breaker per provider. It never retries or falls back to another provider.
type Router struct {
	registry *provider.Registry
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewRouter(registry *provider.Registry, providers ...provider.Provider) (*Router, error) {
	breakers := make(map[string]*gobreaker.CircuitBreaker)
	for _, p := range providers {
		if err := registry.Register(p); err != nil {
			return nil, err
		}
		settings := gobreaker.Settings{
			Name:        p.Name(),
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			IsSuccessful: countsAsHealthy,
		}
		breakers[p.Name()] = gobreaker.NewCircuitBreaker(settings)
	}
	return &Router{
		registry: registry,
		breakers: breakers,
	}, nil
}

// countsAsHealthy keeps caller mistakes and cancellations from tripping the breaker.
func countsAsHealthy(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var perr *provider.Error
	if errors.As(err, &perr) && perr.StatusCode >= 400 && perr.StatusCode < 500 && perr.StatusCode != http.StatusTooManyRequests {
		return true
	}
	return false
}

func (r *Router) Route(model string) (provider.Provider, error) {
	return r.registry.Resolve(model)
}

func (r *Router) Execute(ctx context.Context, req *provider.Request, p provider.Provider) (*provider.Response, error) {
	cb, ok := r.breakers[p.Name()]
	if !ok {
		return p.Complete(ctx, req)
	}
	result, err := cb.Execute(func() (interface{}, error) {
		return p.Complete(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &provider.Error{Provider: p.Name(), StatusCode: http.StatusServiceUnavailable, Err: err}
	}
	if err != nil {
		return nil, err
	}
	return result.(*provider.Response), nil
}

// State reports each provider's breaker state for health output.
func (r *Router) State() map[string]string {
	out := make(map[string]string, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.State().String()
	}
	return out
}

// Providers lists the registered provider names.
func (r *Router) Providers() []string {
	return r.registry.Providers()
}
