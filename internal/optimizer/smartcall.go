package optimizer

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/vnmchuo/llm-optimizer/internal/provider"
)

// Candidate is a model SmartCall may answer with, priced per 1K tokens.
type Candidate struct {
	Name           string  `json:"name" mapstructure:"name"`
	CostPerKTokens float64 `json:"cost_per_k_tokens" mapstructure:"cost_per_k_tokens"`
}

func DefaultCandidates() []Candidate {
	return []Candidate{
		{Name: "gpt-3.5-turbo", CostPerKTokens: 0.001},
		{Name: "gpt-4o", CostPerKTokens: 0.02},
		{Name: "gpt-4", CostPerKTokens: 0.045},
	}
}

type SmartRequest struct {
	Prompt       string  `json:"prompt"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	Quality      Quality `json:"quality,omitempty"`
	MaxCost      float64 `json:"max_cost,omitempty"`
	PromptID     string  `json:"prompt_id,omitempty"`
}

// Scored is one candidate's outcome. Exactly one of Response and Err is set.
type Scored struct {
	Candidate
	QualityScore float64            `json:"quality_score"`
	Response     *provider.Response `json:"-"`
	Err          error              `json:"-"`
}

type SmartResult struct {
	Response   *provider.Response `json:"response"`
	Chosen     Scored             `json:"chosen"`
	Candidates []Scored           `json:"candidates"`
}

// SmartCall asks every candidate concurrently and returns the cheapest
// response that meets the quality tier. When none meets it, the best scoring
// response wins regardless of MaxCost. Ties go to the earlier candidate.
func (c *Client) SmartCall(ctx context.Context, sr SmartRequest) (*SmartResult, error) {
	if sr.Quality == "" {
		sr.Quality = QualityMedium
	}
	threshold, ok := sr.Quality.Threshold()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidQuality, sr.Quality)
	}

	ctx, span := c.tracer.Start(ctx, "optimizer.smart_call")
	defer span.End()
	span.SetAttributes(
		attribute.String("quality", string(sr.Quality)),
		attribute.Float64("max_cost", sr.MaxCost),
	)

	var msgs []provider.Message
	if sr.SystemPrompt != "" {
		msgs = append(msgs, provider.Message{Role: provider.RoleSystem, Content: sr.SystemPrompt})
	}
	msgs = append(msgs, provider.Message{Role: provider.RoleUser, Content: sr.Prompt})

	start := time.Now()
	results := make([]Scored, len(c.candidates))
	var g errgroup.Group
	for i, cand := range c.candidates {
		g.Go(func() error {
			req := &provider.Request{Model: cand.Name, Messages: msgs}
			resp, _, err := walk(ctx, c, req, &callOptions{hasFallbacks: true}, c.registry.Execute)
			results[i] = Scored{Candidate: cand, Response: resp, Err: err}
			if err == nil {
				results[i].QualityScore = ScoreQuality(resp.Content)
			}
			// Failures stay with their candidate.
			return nil
		})
	}
	_ = g.Wait()

	chosen, err := choose(results, threshold, sr.MaxCost)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error().Err(err).Str("quality", string(sr.Quality)).Msg("smart call failed")
		return nil, err
	}
	span.SetAttributes(
		attribute.String("model.used", chosen.Name),
		attribute.Float64("quality_score", chosen.QualityScore),
	)

	c.trackSmart(sr, msgs, chosen, results, time.Since(start))
	return &SmartResult{Response: chosen.Response, Chosen: chosen, Candidates: results}, nil
}

func choose(results []Scored, threshold, maxCost float64) (Scored, error) {
	var (
		ok      []Scored
		lastErr error
	)
	for _, r := range results {
		if r.Err != nil {
			lastErr = r.Err
			continue
		}
		ok = append(ok, r)
	}
	if len(ok) == 0 {
		return Scored{}, fmt.Errorf("%w: %w", ErrAllCandidatesFailed, lastErr)
	}

	var qualified []Scored
	for _, r := range ok {
		if r.QualityScore >= threshold {
			qualified = append(qualified, r)
		}
	}
	if len(qualified) == 0 {
		best := ok[0]
		for _, r := range ok[1:] {
			if r.QualityScore > best.QualityScore {
				best = r
			}
		}
		return best, nil
	}

	if maxCost > 0 {
		var affordable []Scored
		for _, r := range qualified {
			if r.CostPerKTokens <= maxCost {
				affordable = append(affordable, r)
			}
		}
		if len(affordable) == 0 {
			return Scored{}, fmt.Errorf("%w: max cost %g", ErrNoCandidateWithinBudget, maxCost)
		}
		qualified = affordable
	}

	cheapest := qualified[0]
	for _, r := range qualified[1:] {
		if r.CostPerKTokens < cheapest.CostPerKTokens {
			cheapest = r
		}
	}
	return cheapest, nil
}

// trackSmart reports the winner. Savings compare it with the priciest
// candidate that also answered, at the winner's token count.
func (c *Client) trackSmart(sr SmartRequest, msgs []provider.Message, chosen Scored, results []Scored, latency time.Duration) {
	resp := chosen.Response
	tokens := resp.InputTokens + resp.OutputTokens
	if tokens == 0 {
		tokens = estimateTokens(resp.Content)
	}

	maxRate := chosen.CostPerKTokens
	for _, r := range results {
		if r.Err == nil && r.CostPerKTokens > maxRate {
			maxRate = r.CostPerKTokens
		}
	}
	savings := (maxRate - chosen.CostPerKTokens) * float64(tokens) / 1000

	run := c.successRun(&callOptions{promptID: sr.PromptID}, chosen.Name, chosen.Name, resp.Provider, msgs,
		resp.Content, tokens, resp.InputTokens, resp.OutputTokens, latency)
	run.RequestedModel = ""
	run.Savings = &savings
	c.reporter.Track(run)
}
