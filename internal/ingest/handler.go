package ingest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/llm-optimizer/internal/auth"
	"github.com/vnmchuo/llm-optimizer/internal/tracker"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

var runValidator = validator.New()

type Handler struct {
	store  Store
	tracer trace.Tracer
}

func NewHandler(store Store, tracer trace.Tracer) *Handler {
	return &Handler{
		store:  store,
		tracer: tracer,
	}
}

// HandleRun accepts one tracker report from an authenticated client.
func (h *Handler) HandleRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := auth.GetOwnerID(ctx)
	if ownerID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	var report tracker.Run
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := runValidator.Struct(report); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	ctx, span := h.tracer.Start(ctx, "ingest.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("owner_id", ownerID),
		attribute.String("model", report.Model),
		attribute.Bool("success", report.Success),
	)

	run := FromReport(ownerID, &report)
	if err := h.store.SaveRun(ctx, run); err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("owner_id", ownerID).Msg("failed to save run")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to save run"})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"id": run.ID})
}

// HandleList returns the caller's runs and their aggregate for a time range.
// The range defaults to the last 30 days.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := auth.GetOwnerID(ctx)
	if ownerID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	q := r.URL.Query()
	now := time.Now()
	from := now.AddDate(0, 0, -30)
	to := now

	if s := q.Get("from"); s != "" {
		var err error
		from, err = time.Parse(time.RFC3339, s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid 'from' date format (use RFC3339)"})
			return
		}
	}
	if s := q.Get("to"); s != "" {
		var err error
		to, err = time.Parse(time.RFC3339, s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid 'to' date format (use RFC3339)"})
			return
		}
	}

	limit := defaultListLimit
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid 'limit'"})
			return
		}
		limit = min(n, maxListLimit)
	}

	runs, err := h.store.ListRuns(ctx, ownerID, from, to, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	summary, err := h.store.Summarize(ctx, ownerID, from, to)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	if runs == nil {
		runs = []*Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"owner_id": ownerID,
		"summary":  summary,
		"runs":     runs,
		"from":     from,
		"to":       to,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
