// Package middleware holds the optimizer's pre/post-processing hooks.
package middleware

import (
	"context"

	"github.com/vnmchuo/llm-optimizer/internal/provider"
)

// Middleware is a set of optional hooks. Before and After may replace the
// value they receive; returning an error aborts the call.
type Middleware struct {
	Name    string
	Before  func(ctx context.Context, req *provider.Request) (*provider.Request, error)
	After   func(ctx context.Context, resp *provider.Response) (*provider.Response, error)
	OnError func(ctx context.Context, err error)
}

// Pipeline runs middleware in registration order.
type Pipeline []Middleware

// RunBefore threads req through every Before hook. A hook that returns a nil
// request leaves the current one in place.
func (p Pipeline) RunBefore(ctx context.Context, req *provider.Request) (*provider.Request, error) {
	for _, m := range p {
		if m.Before == nil {
			continue
		}
		next, err := m.Before(ctx, req)
		if err != nil {
			return nil, err
		}
		if next != nil {
			req = next
		}
	}
	return req, nil
}

func (p Pipeline) RunAfter(ctx context.Context, resp *provider.Response) (*provider.Response, error) {
	for _, m := range p {
		if m.After == nil {
			continue
		}
		next, err := m.After(ctx, resp)
		if err != nil {
			return nil, err
		}
		if next != nil {
			resp = next
		}
	}
	return resp, nil
}

// RunOnError notifies every OnError hook. Hooks observe the error but
// cannot change what the caller receives.
func (p Pipeline) RunOnError(ctx context.Context, err error) {
	for _, m := range p {
		if m.OnError != nil {
			m.OnError(ctx, err)
		}
	}
}
