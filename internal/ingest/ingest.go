// Package ingest is the reference sink for optimizer usage reports.
package ingest

import (
	"context"
	"time"

	"github.com/vnmchuo/llm-optimizer/internal/tracker"
)

// Run is a stored usage report.
type Run struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"owner_id"`
	Provider       string    `json:"provider"`
	PromptID       string    `json:"prompt_id,omitempty"`
	Model          string    `json:"model"`
	RequestedModel string    `json:"requested_model,omitempty"`
	Input          string    `json:"input"`
	Output         string    `json:"output"`
	TokensUsed     int       `json:"tokens_used"`
	InputTokens    int       `json:"input_tokens"`
	OutputTokens   int       `json:"output_tokens"`
	LatencyMs      int64     `json:"latency_ms"`
	Success        bool      `json:"success"`
	Savings        *float64  `json:"savings,omitempty"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func FromReport(ownerID string, r *tracker.Run) *Run {
	return &Run{
		OwnerID:        ownerID,
		Provider:       r.Provider,
		PromptID:       r.PromptID,
		Model:          r.Model,
		RequestedModel: r.RequestedModel,
		Input:          r.Input,
		Output:         r.Output,
		TokensUsed:     r.TokensUsed,
		InputTokens:    r.InputTokens,
		OutputTokens:   r.OutputTokens,
		LatencyMs:      r.Latency,
		Success:        r.Success,
		Savings:        r.Savings,
		Error:          r.Error,
	}
}

type Summary struct {
	TotalRuns    int     `json:"total_runs"`
	FailedRuns   int     `json:"failed_runs"`
	TotalTokens  int64   `json:"total_tokens"`
	TotalSavings float64 `json:"total_savings_usd"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

type Store interface {
	SaveRun(ctx context.Context, run *Run) error
	ListRuns(ctx context.Context, ownerID string, from, to time.Time, limit int) ([]*Run, error)
	Summarize(ctx context.Context, ownerID string, from, to time.Time) (*Summary, error)
}
