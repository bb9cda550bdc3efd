package optimizer

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/llm-optimizer/internal/routing"
	"github.com/vnmchuo/llm-optimizer/internal/tracker"
)

// Option customises a Client at construction.
type Option func(*Client)

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(c *Client) { c.tracer = tracer }
}

func WithPricing(table *routing.PriceTable) Option {
	return func(c *Client) {
		if table != nil {
			c.pricing = table
		}
	}
}

// WithHTTPClient sets the transport used by the default usage tracker.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBackoff sets the base retry delay; attempt i waits base*2^i.
func WithBackoff(base time.Duration) Option {
	return func(c *Client) { c.backoff = base }
}

func WithSmartCandidates(candidates []Candidate) Option {
	return func(c *Client) {
		c.candidates = append([]Candidate(nil), candidates...)
	}
}

// WithTracker replaces the HTTP usage tracker.
func WithTracker(r tracker.Reporter) Option {
	return func(c *Client) { c.reporter = r }
}

// CallOption adjusts a single Create or Stream call.
type CallOption func(*callOptions)

type callOptions struct {
	promptID     string
	cacheTTL     time.Duration
	fallbacks    []string
	hasFallbacks bool
	maxCost      float64
}

func WithPromptID(id string) CallOption {
	return func(o *callOptions) { o.promptID = id }
}

// WithCacheTTL enables caching for this call when the client has
// EnableCache set.
func WithCacheTTL(ttl time.Duration) CallOption {
	return func(o *callOptions) { o.cacheTTL = ttl }
}

// WithFallbackModels replaces the resolved fallback chain for this call,
// regardless of AutoFallback. An empty list disables fallback.
func WithFallbackModels(models ...string) CallOption {
	return func(o *callOptions) {
		o.fallbacks = append([]string(nil), models...)
		o.hasFallbacks = true
	}
}

// WithMaxCost overrides the client's CostLimit for this call.
func WithMaxCost(usd float64) CallOption {
	return func(o *callOptions) { o.maxCost = usd }
}

func newCallOptions(opts []CallOption) *callOptions {
	o := &callOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
