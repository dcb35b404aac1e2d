package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"ordersaga/internal/saga"
	"ordersaga/internal/saga/memstore"

	"github.com/rs/zerolog"
)

type failingReader struct{}

func (failingReader) GetWithSteps(context.Context, string) (saga.Instance, []saga.Step, error) {
	return saga.Instance{}, nil, errors.New("connection refused")
}

func seededStore(t *testing.T) *memstore.Store {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()
	if _, _, err := store.Create(ctx, saga.Instance{ID: "saga-1", Type: saga.TypeOrder, State: saga.StatePaymentRequested, OrderID: "order-1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := store.Do(ctx, func(tx saga.Tx) error {
		_, err := tx.RecordStep(ctx, saga.StepRecord{
			ID:            "step-1",
			SagaID:        "saga-1",
			Name:          saga.StepPaymentRequest,
			AggregateID:   "pay-1",
			AggregateType: saga.AggregatePayment,
			Type:          saga.StepForward,
			Status:        saga.StepInProgress,
		})
		return err
	})
	if err != nil {
		t.Fatalf("record step: %v", err)
	}
	return store
}

func serve(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestGetSaga_ReturnsInstanceWithSteps(t *testing.T) {
	t.Parallel()

	router := NewRouter(NewHandler(seededStore(t), nil, zerolog.Nop()), RouterConfig{Logger: zerolog.Nop()})
	rec := serve(t, router, "/sagas/saga-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}

	var resp SagaResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID != "saga-1" || resp.State != saga.StatePaymentRequested || resp.StepSeq != 1 {
		t.Fatalf("unexpected saga: %+v", resp)
	}
	if len(resp.Steps) != 1 || resp.Steps[0].Name != saga.StepPaymentRequest || resp.Steps[0].ExecutionOrder != 1 {
		t.Fatalf("unexpected steps: %+v", resp.Steps)
	}
}

func TestGetSaga_UnknownIsNotFound(t *testing.T) {
	t.Parallel()

	router := NewRouter(NewHandler(memstore.New(), nil, zerolog.Nop()), RouterConfig{})
	rec := serve(t, router, "/sagas/missing")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.Error != "saga_not_found" {
		t.Fatalf("unexpected body %q err %v", rec.Body.String(), err)
	}
}

func TestGetSaga_StoreErrorIsInternal(t *testing.T) {
	t.Parallel()

	router := NewRouter(NewHandler(failingReader{}, nil, zerolog.Nop()), RouterConfig{})
	if rec := serve(t, router, "/sagas/saga-1"); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("redis down") }

	healthy := NewRouter(NewHandler(memstore.New(), map[string]CheckFunc{"db": ok}, zerolog.Nop()), RouterConfig{})
	if rec := serve(t, healthy, "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	degraded := NewRouter(NewHandler(memstore.New(), map[string]CheckFunc{"db": ok, "redis": down}, zerolog.Nop()), RouterConfig{})
	rec := serve(t, degraded, "/healthz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "degraded" || resp.Checks["db"] != "ok" || resp.Checks["redis"] != "redis down" {
		t.Fatalf("unexpected health: %+v", resp)
	}
}

func TestRouter_MountsOptionalHandlers(t *testing.T) {
	t.Parallel()

	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("metrics")) })
	handler := NewHandler(memstore.New(), nil, zerolog.Nop())

	withMetrics := NewRouter(handler, RouterConfig{Metrics: metrics})
	if rec := serve(t, withMetrics, "/metrics"); rec.Code != http.StatusOK || rec.Body.String() != "metrics" {
		t.Fatalf("expected metrics handler, got %d %q", rec.Code, rec.Body.String())
	}

	bare := NewRouter(handler, RouterConfig{})
	if rec := serve(t, bare, "/ws/state"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected unmounted feed to 404, got %d", rec.Code)
	}
}
