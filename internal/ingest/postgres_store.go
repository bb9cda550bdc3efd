package ingest

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) SaveRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO optimizer_runs (owner_id, provider, prompt_id, model, requested_model, input, output,
			tokens_used, input_tokens, output_tokens, latency_ms, success, savings, error)
		VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), $6, $7, $8, $9, $10, $11, $12, $13, NULLIF($14, ''))
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		run.OwnerID, run.Provider, run.PromptID, run.Model, run.RequestedModel, run.Input, run.Output,
		run.TokensUsed, run.InputTokens, run.OutputTokens, run.LatencyMs, run.Success, run.Savings, run.Error,
	).Scan(&run.ID, &run.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	return nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, ownerID string, from, to time.Time, limit int) ([]*Run, error) {
	query := `
		SELECT id, owner_id, provider, COALESCE(prompt_id, ''), model, COALESCE(requested_model, ''),
			input, output, tokens_used, input_tokens, output_tokens, latency_ms, success, savings,
			COALESCE(error, ''), created_at
		FROM optimizer_runs
		WHERE owner_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
		LIMIT $4
	`
	rows, err := s.db.Query(ctx, query, ownerID, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var r Run
		err := rows.Scan(
			&r.ID, &r.OwnerID, &r.Provider, &r.PromptID, &r.Model, &r.RequestedModel,
			&r.Input, &r.Output, &r.TokensUsed, &r.InputTokens, &r.OutputTokens, &r.LatencyMs,
			&r.Success, &r.Savings, &r.Error, &r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

func (s *PostgresStore) Summarize(ctx context.Context, ownerID string, from, to time.Time) (*Summary, error) {
	query := `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE NOT success),
			COALESCE(SUM(tokens_used), 0),
			COALESCE(SUM(savings), 0),
			COALESCE(AVG(latency_ms), 0)::float8
		FROM optimizer_runs
		WHERE owner_id = $1 AND created_at BETWEEN $2 AND $3
	`
	var sum Summary
	err := s.db.QueryRow(ctx, query, ownerID, from, to).Scan(
		&sum.TotalRuns, &sum.FailedRuns, &sum.TotalTokens, &sum.TotalSavings, &sum.AvgLatencyMs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize runs: %w", err)
	}

	return &sum, nil
}

//go:embed schema.sql
var schema string

// Migrate creates the runs table when it does not exist.
func Migrate(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate runs table: %w", err)
	}
	return nil
}
