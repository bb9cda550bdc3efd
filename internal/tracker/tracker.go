// Package tracker reports one usage record per logical optimizer call to the
// ingestion sink. Delivery is fire-and-forget: the caller never waits on it
// and never sees its errors.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	RunPath = "/api/integrations/run"

	postTimeout = 10 * time.Second
)

// Run is the wire record accepted by the sink. Success implies Output and
// TokensUsed; failure implies Error.
type Run struct {
	Provider       string   `json:"provider"`
	PromptID       string   `json:"promptId,omitempty"`
	Model          string   `json:"model" validate:"required"`
	RequestedModel string   `json:"requestedModel,omitempty"`
	Input          string   `json:"input"`
	Output         string   `json:"output"`
	TokensUsed     int      `json:"tokensUsed" validate:"gte=0"`
	InputTokens    int      `json:"inputTokens,omitempty" validate:"gte=0"`
	OutputTokens   int      `json:"outputTokens,omitempty" validate:"gte=0"`
	Latency        int64    `json:"latency" validate:"gte=0"`
	Success        bool     `json:"success"`
	Savings        *float64 `json:"savings,omitempty"`
	Error          string   `json:"error,omitempty" validate:"required_if=Success false"`
}

// Reporter is what the optimizer depends on.
type Reporter interface {
	Track(run Run)
}

// Tracker posts runs over HTTP with bearer authentication.
type Tracker struct {
	url    string
	apiKey string
	client *http.Client
	logger zerolog.Logger
	wg     sync.WaitGroup
}

func New(baseURL, apiKey string, client *http.Client, logger zerolog.Logger) *Tracker {
	if client == nil {
		client = &http.Client{Timeout: postTimeout}
	}
	return &Tracker{
		url:    strings.TrimRight(baseURL, "/") + RunPath,
		apiKey: apiKey,
		client: client,
		logger: logger.With().Str("component", "tracker").Logger(),
	}
}

// Track returns immediately; the post runs on its own goroutine with a
// context detached from any caller.
func (t *Tracker) Track(run Run) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
		defer cancel()
		if err := t.post(ctx, run); err != nil {
			t.logger.Warn().Err(err).
				Str("model", run.Model).
				Bool("success", run.Success).
				Msg("failed to report run")
		}
	}()
}

// Wait blocks until every post started so far has finished.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

func (t *Tracker) post(ctx context.Context, run Run) error {
	body, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send run: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sink returned status %d", resp.StatusCode)
	}
	return nil
}

// Discard drops every run.
type Discard struct{}

func (Discard) Track(Run) {}
