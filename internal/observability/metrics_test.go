package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func findFamily(families []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, family := range families {
		if family.GetName() == name {
			return family
		}
	}
	return nil
}

func TestMetrics_CountersAndHistogram(t *testing.T) {
	m := NewMetrics()

	m.ObserveTransition("ORDER_CREATED", "PAYMENT_REQUESTED", "START_ORDER")
	m.ObserveRejected("INVENTORY_RESERVING", "PAYMENT_SUCCESS")
	m.ObservePublish("PaymentRequest", nil)
	m.ObservePublish("PaymentRequest", errors.New("broker down"))
	m.StartMessage("ord-pay-req-succ-evt").End("ok")

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	transitions := findFamily(families, "saga_transitions_total")
	if transitions == nil || transitions.GetMetric()[0].GetCounter().GetValue() != 1 {
		t.Fatalf("expected one transition, got %+v", transitions)
	}
	publish := findFamily(families, "saga_outbox_publish_total")
	if publish == nil || len(publish.GetMetric()) != 2 {
		t.Fatalf("expected published and failed series, got %+v", publish)
	}
	latency := findFamily(families, "saga_listener_duration_seconds")
	if latency == nil || latency.GetMetric()[0].GetHistogram().GetSampleCount() != 1 {
		t.Fatalf("expected one latency sample, got %+v", latency)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.ObserveDeadLetter("ord-pay-req-succ-evt.dlq")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "saga_dead_letters_total") {
		t.Fatalf("expected dead letter metric in output")
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveTransition("a", "b", "c")
	m.ObservePublish("x", nil)
	m.StartMessage("topic").End("ok")
	m.ObserveGRPC("/grpc.health.v1.Health/Check", "OK")
	m.AddRateLimitWait(0)
}

func TestMetrics_GRPCAndRateLimit(t *testing.T) {
	m := NewMetrics()
	m.ObserveGRPC("/grpc.health.v1.Health/Check", "OK")
	m.ObserveGRPC("/grpc.health.v1.Health/Check", "OK")
	m.AddRateLimitWait(20 * time.Millisecond)

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	calls := findFamily(families, "saga_grpc_requests_total")
	if calls == nil || calls.GetMetric()[0].GetCounter().GetValue() != 2 {
		t.Fatalf("expected two grpc calls, got %+v", calls)
	}
	wait := findFamily(families, "saga_rate_limit_wait_seconds")
	if wait == nil || wait.GetMetric()[0].GetHistogram().GetSampleCount() != 1 {
		t.Fatalf("expected one wait sample, got %+v", wait)
	}
}
