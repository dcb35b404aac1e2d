package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"ordersaga/internal/saga"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// SagaReader loads a saga with its ledger.
type SagaReader interface {
	GetWithSteps(ctx context.Context, id string) (saga.Instance, []saga.Step, error)
}

// CheckFunc probes one dependency.
type CheckFunc func(ctx context.Context) error

// Handler serves saga lookups and health checks.
type Handler struct {
	sagas        SagaReader
	checks       map[string]CheckFunc
	checkTimeout time.Duration
	logger       zerolog.Logger
}

// NewHandler builds a Handler. checks are probed by /healthz under a 2s timeout.
func NewHandler(sagas SagaReader, checks map[string]CheckFunc, logger zerolog.Logger) *Handler {
	return &Handler{
		sagas:        sagas,
		checks:       checks,
		checkTimeout: 2 * time.Second,
		logger:       logger,
	}
}

// GetSaga returns one saga instance and its steps in execution order.
func (h *Handler) GetSaga(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "saga_id_required", "")
		return
	}

	inst, steps, err := h.sagas.GetWithSteps(r.Context(), id)
	if errors.Is(err, saga.ErrSagaNotFound) {
		writeError(w, http.StatusNotFound, "saga_not_found", id)
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("saga_id", id).Msg("load saga")
		writeError(w, http.StatusInternalServerError, "saga_lookup_failed", "")
		return
	}

	writeJSON(w, http.StatusOK, mapSaga(inst, steps))
}

// Healthz reports ok only if every dependency check passes.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.checkTimeout)
	defer cancel()

	resp := HealthResponse{Status: "ok", Checks: make(map[string]string, len(h.checks))}
	status := http.StatusOK
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, ErrorResponse{Error: code, Detail: detail})
}
