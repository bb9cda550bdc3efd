package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// breakerThreshold consecutive failures open a provider's circuit. Keep it
// above the optimizer's default attempts per model.
const breakerThreshold = 5

// Registry maps model ids to the provider serving them and guards every
// provider with its own circuit breaker.
type Registry struct {
	providers []Provider
	breakers  map[string]*gobreaker.CircuitBreaker
}

func NewRegistry(providers []Provider) *Registry {
	breakers := make(map[string]*gobreaker.CircuitBreaker)
	for _, p := range providers {
		settings := gobreaker.Settings{
			Name:        p.Name(),
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerThreshold
			},
			// A rejected request says nothing about provider health.
			IsSuccessful: func(err error) bool {
				return err == nil || IsClientError(err)
			},
		}
		breakers[p.Name()] = gobreaker.NewCircuitBreaker(settings)
	}
	return &Registry{
		providers: providers,
		breakers:  breakers,
	}
}

// Route returns the provider for model: an exact SupportedModels match wins,
// otherwise the provider with the longest supported id that prefixes model
// (so dated snapshots resolve to their family). An empty model picks the
// cheapest provider whose breaker is not open.
func (r *Registry) Route(model string) (Provider, error) {
	if model == "" {
		return r.cheapest()
	}

	var best Provider
	bestLen := 0
	for _, p := range r.providers {
		for _, m := range p.SupportedModels() {
			if m == model {
				return p, nil
			}
			if strings.HasPrefix(model, m) && len(m) > bestLen {
				best, bestLen = p, len(m)
			}
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: %s", ErrModelNotSupported, model)
	}
	return best, nil
}

func (r *Registry) cheapest() (Provider, error) {
	var best Provider
	for _, p := range r.providers {
		if r.breakers[p.Name()].State() == gobreaker.StateOpen {
			continue
		}
		if best == nil || p.CostPerInputToken() < best.CostPerInputToken() {
			best = p
		}
	}
	if best == nil {
		return nil, errors.New("all providers unavailable")
	}
	return best, nil
}

// IsUnavailable reports whether err means the model cannot be served right
// now regardless of retries: no provider for it, or its breaker is open.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrModelNotSupported) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests)
}

func (r *Registry) Execute(ctx context.Context, req *Request) (*Response, error) {
	p, err := r.Route(req.Model)
	if err != nil {
		return nil, err
	}
	cb := r.breakers[p.Name()]
	start := time.Now()
	result, err := cb.Execute(func() (interface{}, error) {
		return p.Complete(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	resp := result.(*Response)
	if resp.LatencyMs == 0 {
		resp.LatencyMs = time.Since(start).Milliseconds()
	}
	if resp.Provider == "" {
		resp.Provider = p.Name()
	}
	return resp, nil
}

func (r *Registry) ExecuteStream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	p, err := r.Route(req.Model)
	if err != nil {
		return nil, err
	}
	cb := r.breakers[p.Name()]
	result, err := cb.Execute(func() (interface{}, error) {
		return p.CompleteStream(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	origCh := result.(<-chan *Chunk)

	wrappedCh := make(chan *Chunk)
	go func() {
		defer close(wrappedCh)
		for chunk := range origCh {
			if chunk.Err != nil {
				_, _ = cb.Execute(func() (interface{}, error) {
					return nil, chunk.Err
				})
			}
			select {
			case wrappedCh <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	return wrappedCh, nil
}

// ProviderName resolves the provider name for model, or "" when unknown.
func (r *Registry) ProviderName(model string) string {
	p, err := r.Route(model)
	if err != nil {
		return ""
	}
	return p.Name()
}
