// Package proxy exposes the optimizer over HTTP with an OpenAI-compatible
// completion surface.
package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/llm-optimizer/internal/auth"
	"github.com/vnmchuo/llm-optimizer/internal/optimizer"
	"github.com/vnmchuo/llm-optimizer/internal/provider"
	"github.com/vnmchuo/llm-optimizer/pkg/ratelimit"
)

const retryAfter = "60s"

type Handler struct {
	client   *optimizer.Client
	limiter  *ratelimit.Limiter
	tracer   trace.Tracer
	cacheTTL time.Duration
}

func NewHandler(client *optimizer.Client, limiter *ratelimit.Limiter, tracer trace.Tracer, cacheTTL time.Duration) *Handler {
	return &Handler{
		client:   client,
		limiter:  limiter,
		tracer:   tracer,
		cacheTTL: cacheTTL,
	}
}

// completionRequest is a chat completion body plus the optimizer's per-call
// options.
type completionRequest struct {
	provider.Request
	PromptID       string   `json:"prompt_id,omitempty"`
	FallbackModels []string `json:"fallback_models,omitempty"`
	MaxCost        float64  `json:"max_cost,omitempty"`
	NoCache        bool     `json:"no_cache,omitempty"`
}

func (c *completionRequest) options(cacheTTL time.Duration) []optimizer.CallOption {
	var opts []optimizer.CallOption
	if c.PromptID != "" {
		opts = append(opts, optimizer.WithPromptID(c.PromptID))
	}
	if len(c.FallbackModels) > 0 {
		opts = append(opts, optimizer.WithFallbackModels(c.FallbackModels...))
	}
	if c.MaxCost > 0 {
		opts = append(opts, optimizer.WithMaxCost(c.MaxCost))
	}
	if !c.NoCache && cacheTTL > 0 {
		opts = append(opts, optimizer.WithCacheTTL(cacheTTL))
	}
	return opts
}

func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	ownerID, body, ok := h.prepare(w, r)
	if !ok {
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "proxy.complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("owner_id", ownerID),
		attribute.String("request_id", auth.GetRequestID(ctx)),
		attribute.String("model", body.Model),
	)

	response, err := h.client.Create(ctx, &body.Request, body.options(h.cacheTTL)...)
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}

	respID := response.ID
	if respID == "" {
		respID = uuid.New().String()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":              respID,
		"object":          "chat.completion",
		"model":           response.Model,
		"requested_model": body.Model,
		"provider":        response.Provider,
		"choices": []any{
			map[string]any{
				"index": 0,
				"message": map[string]string{
					"role":    provider.RoleAssistant,
					"content": response.Content,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{
			"prompt_tokens":     response.InputTokens,
			"completion_tokens": response.OutputTokens,
			"total_tokens":      response.InputTokens + response.OutputTokens,
		},
	})
}

type streamDelta struct {
	Choices []streamChoice `json:"choices"`
}

type streamChoice struct {
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
	Index int `json:"index"`
}

func (h *Handler) HandleCompleteStream(w http.ResponseWriter, r *http.Request) {
	ownerID, body, ok := h.prepare(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "proxy.stream")
	defer span.End()
	span.SetAttributes(
		attribute.String("owner_id", ownerID),
		attribute.String("model", body.Model),
	)

	// Streams are never cached.
	ch, err := h.client.Stream(ctx, &body.Request, body.options(0)...)
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for chunk := range ch {
		if chunk.Err != nil {
			data, _ := json.Marshal(map[string]string{"error": chunk.Err.Error()})
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
			flusher.Flush()
			break
		}

		if chunk.Done {
			fmt.Fprintf(w, "data: [DONE]\n\n")
			flusher.Flush()
			break
		}

		var ev streamDelta
		ev.Choices = make([]streamChoice, 1)
		ev.Choices[0].Delta.Content = chunk.Delta
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
}

// HandleSmart runs a quality-constrained call across the configured
// candidates.
func (h *Handler) HandleSmart(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}

	var sr optimizer.SmartRequest
	if err := json.NewDecoder(r.Body).Decode(&sr); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if sr.Prompt == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "prompt is required"})
		return
	}

	estimate := &provider.Request{Messages: []provider.Message{
		{Role: provider.RoleSystem, Content: sr.SystemPrompt},
		{Role: provider.RoleUser, Content: sr.Prompt},
	}}
	if !h.admit(w, r, ownerID, estimate) {
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "proxy.smart")
	defer span.End()
	span.SetAttributes(
		attribute.String("owner_id", ownerID),
		attribute.String("quality", string(sr.Quality)),
	)

	result, err := h.client.SmartCall(ctx, sr)
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":            result.Response.ID,
		"model":         result.Chosen.Name,
		"provider":      result.Response.Provider,
		"content":       result.Response.Content,
		"quality_score": result.Chosen.QualityScore,
		"candidates":    result.Candidates,
	})
}

// prepare authenticates, decodes and rate limits a completion request. It
// writes the response itself when it returns false.
func (h *Handler) prepare(w http.ResponseWriter, r *http.Request) (string, *completionRequest, bool) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return "", nil, false
	}

	var body completionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return "", nil, false
	}
	if body.Model == "" || len(body.Messages) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "model and messages are required"})
		return "", nil, false
	}

	if !h.admit(w, r, ownerID, &body.Request) {
		return "", nil, false
	}
	return ownerID, &body, true
}

func (h *Handler) owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	ownerID := auth.GetOwnerID(r.Context())
	if ownerID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return "", false
	}
	return ownerID, true
}

func (h *Handler) admit(w http.ResponseWriter, r *http.Request, ownerID string, req *provider.Request) bool {
	allowed, err := h.limiter.Allow(r.Context(), ownerID, ratelimit.Reservation(req))
	if err != nil {
		log.Warn().Err(err).Str("owner_id", ownerID).Msg("rate limiter unavailable")
	}
	if err != nil || !allowed {
		w.Header().Set("Retry-After", retryAfter)
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":       "rate limit exceeded",
			"retry_after": retryAfter,
		})
		return false
	}
	return true
}

// writeError maps optimizer and provider errors onto HTTP statuses. Provider
// client errors keep their status; everything else upstream is a 502.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	var costErr *optimizer.CostLimitError
	switch {
	case errors.As(err, &costErr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":     err.Error(),
			"model":     costErr.Model,
			"estimated": costErr.Estimated,
			"limit":     costErr.Limit,
		})
		return
	case errors.Is(err, optimizer.ErrInvalidQuality):
		status = http.StatusBadRequest
	case errors.Is(err, optimizer.ErrNoCandidateWithinBudget):
		status = http.StatusUnprocessableEntity
	case provider.IsClientError(err):
		status = provider.StatusCode(err)
	case provider.IsUnavailable(err):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
