// Package optimizer wraps one or more LLM providers with model selection,
// a cost ceiling, caching, retry with fallback, a hook pipeline and usage
// reporting.
package optimizer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/llm-optimizer/internal/cache"
	"github.com/vnmchuo/llm-optimizer/internal/middleware"
	"github.com/vnmchuo/llm-optimizer/internal/provider"
	"github.com/vnmchuo/llm-optimizer/internal/retry"
	"github.com/vnmchuo/llm-optimizer/internal/routing"
	"github.com/vnmchuo/llm-optimizer/internal/tracker"
)

const tracerName = "github.com/vnmchuo/llm-optimizer/internal/optimizer"

type Client struct {
	cfg        Config
	registry   *provider.Registry
	pipeline   middleware.Pipeline
	cache      *cache.Cache
	pricing    *routing.PriceTable
	reporter   tracker.Reporter
	httpClient *http.Client
	candidates []Candidate
	backoff    time.Duration
	logger     zerolog.Logger
	tracer     trace.Tracer
}

func New(cfg Config, providers []provider.Provider, opts ...Option) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("optimizer needs at least one provider")
	}

	cfg = cfg.clone()
	c := &Client{
		cfg:        cfg,
		registry:   provider.NewRegistry(providers),
		pipeline:   middleware.Pipeline(cfg.Middleware),
		cache:      cache.New(),
		pricing:    routing.DefaultPricing,
		candidates: DefaultCandidates(),
		backoff:    retry.DefaultBase,
		logger:     log.Logger,
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "optimizer").Logger()
	if c.reporter == nil {
		c.reporter = tracker.New(cfg.BaseURL, cfg.APIKey, c.httpClient, c.logger)
	}
	return c, nil
}

// Wait blocks until pending usage reports are delivered, when the reporter
// supports it.
func (c *Client) Wait() {
	if w, ok := c.reporter.(interface{ Wait() }); ok {
		w.Wait()
	}
}

// ClearCache drops every cached response.
func (c *Client) ClearCache() {
	c.cache.Clear()
}

// Create runs a blocking completion. Errors from providers are returned
// unchanged so callers can still inspect provider.StatusError.
func (c *Client) Create(ctx context.Context, req *provider.Request, opts ...CallOption) (*provider.Response, error) {
	o := newCallOptions(opts)
	ctx, span := c.tracer.Start(ctx, "optimizer.create")
	defer span.End()

	requested := req.Model
	call, err := c.prepare(req, o, span)
	if err != nil {
		return nil, err
	}

	var cacheKey string
	if c.cfg.EnableCache && o.cacheTTL > 0 {
		key, err := cache.Key(c.registry.ProviderName(call.Model), call)
		if err != nil {
			c.logger.Warn().Err(err).Msg("failed to build cache key")
		} else if resp, ok := c.cache.Get(key); ok {
			span.SetAttributes(attribute.Bool("cache.hit", true))
			return resp, nil
		}
		cacheKey = key
	}

	start := time.Now()
	hooked, err := c.pipeline.RunBefore(ctx, call)
	if err != nil {
		return nil, c.fail(ctx, span, o, requested, call, err, start)
	}
	call = hooked

	resp, model, err := walk(ctx, c, call, o, c.registry.Execute)
	if err == nil {
		resp, err = c.pipeline.RunAfter(ctx, resp)
	}
	if err != nil {
		return nil, c.fail(ctx, span, o, requested, withModel(call, model), err, start)
	}

	if cacheKey != "" {
		c.cache.Set(cacheKey, resp, o.cacheTTL)
	}

	tokens := resp.InputTokens + resp.OutputTokens
	if tokens == 0 {
		tokens = estimateTokens(resp.Content)
	}
	c.reporter.Track(c.successRun(o, requested, model, resp.Provider, call.Messages, resp.Content,
		tokens, resp.InputTokens, resp.OutputTokens, time.Since(start)))

	span.SetAttributes(attribute.String("model.used", model))
	return resp, nil
}

// prepare applies model selection and the cost ceiling to a private copy of
// req.
func (c *Client) prepare(req *provider.Request, o *callOptions, span trace.Span) (*provider.Request, error) {
	call := req.Clone()
	call.Model = routing.SelectModel(req.Model, call.Messages, c.cfg.SmartRouting)
	span.SetAttributes(
		attribute.String("model.requested", req.Model),
		attribute.String("model.selected", call.Model),
	)
	if call.Model != req.Model {
		c.logger.Debug().
			Str("requested", req.Model).
			Str("selected", call.Model).
			Msg("model substituted")
	}

	limit := c.cfg.CostLimit
	if o.maxCost > 0 {
		limit = o.maxCost
	}
	if limit > 0 {
		estimated := c.pricing.EstimateCost(call.Model, call.Messages)
		if estimated > limit {
			err := &CostLimitError{Model: call.Model, Estimated: estimated, Limit: limit}
			span.RecordError(err)
			span.SetStatus(codes.Error, "cost limit")
			return nil, err
		}
	}
	return call, nil
}

// fail runs the error hooks and reports one failure record. It returns err
// untouched.
func (c *Client) fail(ctx context.Context, span trace.Span, o *callOptions, requested string, call *provider.Request, err error, start time.Time) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	c.logger.Error().Err(err).
		Str("model", call.Model).
		Int("status", provider.StatusCode(err)).
		Msg("call failed")

	c.pipeline.RunOnError(ctx, err)
	c.reporter.Track(tracker.Run{
		Provider:       c.registry.ProviderName(call.Model),
		PromptID:       o.promptID,
		Model:          call.Model,
		RequestedModel: requested,
		Input:          encodeMessages(call.Messages),
		Latency:        time.Since(start).Milliseconds(),
		Success:        false,
		Error:          err.Error(),
	})
	return err
}

func (c *Client) successRun(o *callOptions, requested, model, providerName string, msgs []provider.Message, output string, tokens, in, out int, latency time.Duration) tracker.Run {
	run := tracker.Run{
		Provider:       providerName,
		PromptID:       o.promptID,
		Model:          model,
		RequestedModel: requested,
		Input:          encodeMessages(msgs),
		Output:         output,
		TokensUsed:     tokens,
		InputTokens:    in,
		OutputTokens:   out,
		Latency:        latency.Milliseconds(),
		Success:        true,
	}
	if model != requested {
		savings := c.pricing.EstimateCost(requested, msgs) - c.pricing.EstimateCost(model, msgs)
		run.Savings = &savings
	}
	return run
}

// walk tries the primary model and then each fallback in order, retrying
// each one. Client errors end the walk; unavailable models are skipped
// without retrying. It returns the model that succeeded.
func walk[T any](ctx context.Context, c *Client, req *provider.Request, o *callOptions, exec func(context.Context, *provider.Request) (T, error)) (T, string, error) {
	var (
		zero    T
		lastErr error
	)
	models := c.candidateModels(req.Model, o)
	for i, model := range models {
		attempt := req.Clone()
		attempt.Model = model

		res, err := retry.Do(ctx, c.policy(model), func(ctx context.Context) (T, error) {
			return exec(ctx, attempt)
		})
		if err == nil {
			if i > 0 {
				c.logger.Info().
					Str("primary", models[0]).
					Str("fallback", model).
					Int("index", i).
					Msg("fallback succeeded")
				trace.SpanFromContext(ctx).AddEvent("fallback succeeded",
					trace.WithAttributes(attribute.String("model", model), attribute.Int("index", i)))
			}
			return res, model, nil
		}

		lastErr = err
		if provider.IsClientError(err) || ctx.Err() != nil {
			return zero, model, err
		}
		if i < len(models)-1 {
			c.logger.Warn().Err(err).
				Str("model", model).
				Str("next", models[i+1]).
				Msg("model failed, falling back")
		}
	}
	return zero, models[len(models)-1], lastErr
}

func (c *Client) candidateModels(primary string, o *callOptions) []string {
	var fallbacks []string
	switch {
	case o.hasFallbacks:
		fallbacks = o.fallbacks
	case c.cfg.AutoFallback:
		fallbacks = routing.DefaultFallbacks(primary)
	}

	models := []string{primary}
	seen := map[string]bool{primary: true}
	for _, m := range fallbacks {
		if !seen[m] {
			seen[m] = true
			models = append(models, m)
		}
	}
	return models
}

func (c *Client) policy(model string) retry.Policy {
	return retry.Policy{
		Attempts: c.cfg.MaxRetries,
		Base:     c.backoff,
		Terminal: provider.IsUnavailable,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			c.logger.Debug().Err(err).
				Str("model", model).
				Int("attempt", attempt).
				Dur("wait", wait).
				Msg("retrying")
		},
	}
}

// withModel is call as it was last attempted.
func withModel(call *provider.Request, model string) *provider.Request {
	out := call.Clone()
	out.Model = model
	return out
}

func encodeMessages(msgs []provider.Message) string {
	data, err := json.Marshal(msgs)
	if err != nil {
		return ""
	}
	return string(data)
}

// estimateTokens approximates a token count from text length when the
// provider does not report usage.
func estimateTokens(s string) int {
	return (utf8.RuneCountInString(s) + 3) / 4
}
