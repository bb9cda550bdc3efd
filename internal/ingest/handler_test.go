package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/llm-optimizer/internal/auth"
)

type mockStore struct {
	saveRunFunc   func(ctx context.Context, run *Run) error
	listRunsFunc  func(ctx context.Context, ownerID string, from, to time.Time, limit int) ([]*Run, error)
	summarizeFunc func(ctx context.Context, ownerID string, from, to time.Time) (*Summary, error)
}

func (m *mockStore) SaveRun(ctx context.Context, run *Run) error {
	if m.saveRunFunc != nil {
		return m.saveRunFunc(ctx, run)
	}
	run.ID = "run-1"
	return nil
}

func (m *mockStore) ListRuns(ctx context.Context, ownerID string, from, to time.Time, limit int) ([]*Run, error) {
	if m.listRunsFunc != nil {
		return m.listRunsFunc(ctx, ownerID, from, to, limit)
	}
	return nil, nil
}

func (m *mockStore) Summarize(ctx context.Context, ownerID string, from, to time.Time) (*Summary, error) {
	if m.summarizeFunc != nil {
		return m.summarizeFunc(ctx, ownerID, from, to)
	}
	return &Summary{}, nil
}

func setupTest(store *mockStore) *Handler {
	return NewHandler(store, noop.NewTracerProvider().Tracer("test"))
}

func withOwner(r *http.Request, ownerID string) *http.Request {
	return r.WithContext(auth.WithOwnerID(r.Context(), ownerID))
}

func TestHandleRun_Unauthorized(t *testing.T) {
	h := setupTest(&mockStore{})
	req := httptest.NewRequest("POST", "/api/integrations/run", strings.NewReader(`{}`))
	w := httptest.NewRecorder()

	h.HandleRun(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestHandleRun_InvalidBody(t *testing.T) {
	h := setupTest(&mockStore{})
	req := withOwner(httptest.NewRequest("POST", "/api/integrations/run", strings.NewReader(`{bad`)), "owner-1")
	w := httptest.NewRecorder()

	h.HandleRun(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestHandleRun_ValidationFailure(t *testing.T) {
	cases := map[string]string{
		"missing model":         `{"provider":"openai","success":true}`,
		"failure without error": `{"provider":"openai","model":"gpt-4o","success":false}`,
		"negative latency":      `{"provider":"openai","model":"gpt-4o","success":true,"latency":-1}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			saved := false
			h := setupTest(&mockStore{saveRunFunc: func(ctx context.Context, run *Run) error {
				saved = true
				return nil
			}})
			req := withOwner(httptest.NewRequest("POST", "/api/integrations/run", strings.NewReader(body)), "owner-1")
			w := httptest.NewRecorder()

			h.HandleRun(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", w.Code)
			}
			if saved {
				t.Error("invalid run must not be stored")
			}
		})
	}
}

func TestHandleRun_Success(t *testing.T) {
	var got *Run
	h := setupTest(&mockStore{saveRunFunc: func(ctx context.Context, run *Run) error {
		got = run
		run.ID = "run-42"
		return nil
	}})
	body := `{"provider":"openai","promptId":"p1","model":"gpt-4o-mini","requestedModel":"gpt-4o",` +
		`"input":"[]","output":"hi","tokensUsed":12,"latency":340,"success":true,"savings":0.002}`
	req := withOwner(httptest.NewRequest("POST", "/api/integrations/run", strings.NewReader(body)), "owner-1")
	w := httptest.NewRecorder()

	h.HandleRun(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["id"] != "run-42" {
		t.Errorf("expected id run-42, got %q", resp["id"])
	}
	if got == nil {
		t.Fatal("run was not saved")
	}
	if got.OwnerID != "owner-1" || got.Model != "gpt-4o-mini" || got.RequestedModel != "gpt-4o" {
		t.Errorf("unexpected stored run: %+v", got)
	}
	if got.LatencyMs != 340 || got.TokensUsed != 12 || got.PromptID != "p1" {
		t.Errorf("unexpected stored counters: %+v", got)
	}
	if got.Savings == nil || *got.Savings != 0.002 {
		t.Errorf("expected savings 0.002, got %v", got.Savings)
	}
}

func TestHandleRun_FailureReport(t *testing.T) {
	var got *Run
	h := setupTest(&mockStore{saveRunFunc: func(ctx context.Context, run *Run) error {
		got = run
		return nil
	}})
	body := `{"provider":"claude","model":"claude-3-haiku","success":false,"error":"upstream 503","latency":12}`
	req := withOwner(httptest.NewRequest("POST", "/api/integrations/run", strings.NewReader(body)), "owner-1")
	w := httptest.NewRecorder()

	h.HandleRun(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	if got.Success || got.Error != "upstream 503" {
		t.Errorf("unexpected stored run: %+v", got)
	}
}

func TestHandleRun_StoreError(t *testing.T) {
	h := setupTest(&mockStore{saveRunFunc: func(ctx context.Context, run *Run) error {
		return errors.New("db down")
	}})
	body := `{"provider":"openai","model":"gpt-4o","success":true}`
	req := withOwner(httptest.NewRequest("POST", "/api/integrations/run", strings.NewReader(body)), "owner-1")
	w := httptest.NewRecorder()

	h.HandleRun(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
}

func TestHandleList_Unauthorized(t *testing.T) {
	h := setupTest(&mockStore{})
	req := httptest.NewRequest("GET", "/api/integrations/runs", nil)
	w := httptest.NewRecorder()

	h.HandleList(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestHandleList_InvalidQuery(t *testing.T) {
	for _, q := range []string{"from=yesterday", "to=2024-13-01", "limit=0", "limit=ten"} {
		t.Run(q, func(t *testing.T) {
			h := setupTest(&mockStore{})
			req := withOwner(httptest.NewRequest("GET", "/api/integrations/runs?"+q, nil), "owner-1")
			w := httptest.NewRecorder()

			h.HandleList(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", w.Code)
			}
		})
	}
}

func TestHandleList_Success(t *testing.T) {
	var gotFrom, gotTo time.Time
	var gotLimit int
	h := setupTest(&mockStore{
		listRunsFunc: func(ctx context.Context, ownerID string, from, to time.Time, limit int) ([]*Run, error) {
			if ownerID != "owner-1" {
				t.Errorf("expected owner-1, got %s", ownerID)
			}
			gotFrom, gotTo, gotLimit = from, to, limit
			return []*Run{{ID: "r1", Model: "gpt-4o-mini", Success: true}}, nil
		},
		summarizeFunc: func(ctx context.Context, ownerID string, from, to time.Time) (*Summary, error) {
			return &Summary{TotalRuns: 1, TotalTokens: 30, TotalSavings: 0.01}, nil
		},
	})
	req := withOwner(httptest.NewRequest("GET",
		"/api/integrations/runs?from=2025-01-01T00:00:00Z&to=2025-02-01T00:00:00Z&limit=5000", nil), "owner-1")
	w := httptest.NewRecorder()

	h.HandleList(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !gotFrom.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)) || !gotTo.Equal(time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected range %v - %v", gotFrom, gotTo)
	}
	if gotLimit != maxListLimit {
		t.Errorf("expected limit capped at %d, got %d", maxListLimit, gotLimit)
	}

	var resp struct {
		Summary Summary `json:"summary"`
		Runs    []Run   `json:"runs"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Summary.TotalRuns != 1 || resp.Summary.TotalTokens != 30 {
		t.Errorf("unexpected summary %+v", resp.Summary)
	}
	if len(resp.Runs) != 1 || resp.Runs[0].ID != "r1" {
		t.Errorf("unexpected runs %+v", resp.Runs)
	}
}

func TestHandleList_DefaultsToLastThirtyDays(t *testing.T) {
	var gotFrom, gotTo time.Time
	var gotLimit int
	h := setupTest(&mockStore{
		listRunsFunc: func(ctx context.Context, ownerID string, from, to time.Time, limit int) ([]*Run, error) {
			gotFrom, gotTo, gotLimit = from, to, limit
			return nil, nil
		},
	})
	req := withOwner(httptest.NewRequest("GET", "/api/integrations/runs", nil), "owner-1")
	w := httptest.NewRecorder()

	h.HandleList(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if d := gotTo.Sub(gotFrom); d < 29*24*time.Hour || d > 31*24*time.Hour {
		t.Errorf("expected ~30 day window, got %v", d)
	}
	if gotLimit != defaultListLimit {
		t.Errorf("expected default limit %d, got %d", defaultListLimit, gotLimit)
	}
	if !strings.Contains(w.Body.String(), `"runs":[]`) {
		t.Errorf("expected empty runs array, got %s", w.Body.String())
	}
}

func TestHandleList_StoreError(t *testing.T) {
	h := setupTest(&mockStore{
		summarizeFunc: func(ctx context.Context, ownerID string, from, to time.Time) (*Summary, error) {
			return nil, errors.New("db down")
		},
	})
	req := withOwner(httptest.NewRequest("GET", "/api/integrations/runs", nil), "owner-1")
	w := httptest.NewRecorder()

	h.HandleList(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
}
