package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"ordersaga/internal/messages"
	"ordersaga/internal/outbox"
	"ordersaga/internal/saga"
	"ordersaga/internal/saga/memstore"

	"github.com/rs/zerolog"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []outbox.Event
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, ev outbox.Event) {
	d.mu.Lock()
	d.events = append(d.events, ev)
	d.mu.Unlock()
}

func sequentialIDs() func() string {
	var n int
	return func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

type fixture struct {
	store      *memstore.Store
	dispatcher *recordingDispatcher
	deps       Deps
}

func newFixture(t *testing.T, items int) fixture {
	t.Helper()
	store := memstore.New(memstore.WithClock(func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }))
	order := messages.OrderCreatedEvent{
		OrderID:         "order-1",
		CustomerID:      "cust-1",
		PaymentMethodID: "pm-1",
		TotalPrice:      42.5,
		Currency:        "USD",
	}
	for i := 0; i < items; i++ {
		order.Items = append(order.Items, messages.OrderItem{ProductID: fmt.Sprintf("sku-%d", i), Quantity: i + 1})
	}
	raw, err := json.Marshal(order)
	if err != nil {
		t.Fatalf("marshal order: %v", err)
	}
	if _, _, err := store.Create(context.Background(), saga.Instance{
		ID: "saga-1", Type: saga.TypeOrder, State: saga.StateOrderCreated, OrderID: order.OrderID, Context: string(raw),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	dispatcher := &recordingDispatcher{}
	return fixture{
		store:      store,
		dispatcher: dispatcher,
		deps: Deps{
			Instances:  store,
			Work:       store,
			Dispatcher: dispatcher,
			Logger:     zerolog.Nop(),
			NewID:      sequentialIDs(),
		},
	}
}

func actionCtx(vars *saga.OrderVariables) saga.ActionContext {
	return saga.ActionContext{MachineID: "saga-1", Headers: map[string]string{}, Variables: vars}
}

func markAll(t *testing.T, store *memstore.Store, name string, status saga.StepStatus) {
	t.Helper()
	for _, step := range saga.FilterSteps(store.Steps("saga-1"), name) {
		if err := store.UpdateStatus(context.Background(), step.ID, status, ""); err != nil {
			t.Fatalf("update %s: %v", step.ID, err)
		}
	}
}

func TestRequestPayment_RecordsStepAndCommand(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2)
	g := NewPaymentGateway(f.deps)
	vars := &saga.OrderVariables{}

	if err := g.RequestPayment(context.Background(), actionCtx(vars)); err != nil {
		t.Fatalf("request payment: %v", err)
	}

	steps := f.store.Steps("saga-1")
	if len(steps) != 1 {
		t.Fatalf("expected one payment step for the whole order, got %d", len(steps))
	}
	step := steps[0]
	if step.Name != saga.StepPaymentRequest || step.Status != saga.StepInProgress || step.Type != saga.StepForward || step.ExecutionOrder != 1 {
		t.Fatalf("unexpected step: %+v", step)
	}
	if vars.PaymentID != step.AggregateID {
		t.Fatalf("expected payment id %q on variables, got %q", step.AggregateID, vars.PaymentID)
	}

	if len(f.dispatcher.events) != 1 {
		t.Fatalf("expected one dispatched command, got %d", len(f.dispatcher.events))
	}
	ev := f.dispatcher.events[0]
	if ev.Topic != messages.TopicPaymentRequestCommand || ev.EventType != EventTypePaymentRequest || ev.StepID != step.ID || ev.Kind != outbox.KindCommand {
		t.Fatalf("unexpected outbox row: %+v", ev)
	}
	var payload messages.PaymentRequestPayload
	if err := json.Unmarshal([]byte(ev.Payload), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.SagaID != "saga-1" || payload.StepID != step.ID || payload.Amount != 42.5 || payload.UserID != "cust-1" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestRequestPayment_SkipsWhenAlreadyRecorded(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	g := NewPaymentGateway(f.deps)
	ctx := context.Background()

	if err := g.RequestPayment(ctx, actionCtx(&saga.OrderVariables{})); err != nil {
		t.Fatalf("first: %v", err)
	}
	vars := &saga.OrderVariables{}
	if err := g.RequestPayment(ctx, actionCtx(vars)); err != nil {
		t.Fatalf("second: %v", err)
	}
	if n := len(f.store.Steps("saga-1")); n != 1 {
		t.Fatalf("expected replay to add nothing, got %d steps", n)
	}
	if len(f.dispatcher.events) != 1 {
		t.Fatalf("expected replay not to dispatch, got %d", len(f.dispatcher.events))
	}
	if vars.PaymentID == "" {
		t.Fatalf("expected replay to restore payment id")
	}
}

func TestReserveInventory_OneStepPerItem(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 3)
	g := NewInventoryGateway(f.deps)

	if err := g.ReserveInventory(context.Background(), actionCtx(&saga.OrderVariables{})); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	steps := saga.FilterSteps(f.store.Steps("saga-1"), saga.StepInventoryReserve)
	if len(steps) != 3 {
		t.Fatalf("expected 3 reservation steps, got %d", len(steps))
	}
	for i, step := range steps {
		if step.ExecutionOrder != i+1 {
			t.Fatalf("expected execution order %d, got %d", i+1, step.ExecutionOrder)
		}
	}
	events := f.store.OutboxEvents("saga-1")
	if len(events) != 3 {
		t.Fatalf("expected 3 outbox rows, got %d", len(events))
	}
	var payload messages.InventoryReservePayload
	if err := json.Unmarshal([]byte(events[2].Payload), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.ProductID != "sku-2" || payload.Quantity != 3 || payload.StepID != steps[2].ID {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestCompensatePayment_TargetsCompletedPayment(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	ctx := context.Background()
	pay := NewPaymentGateway(f.deps)
	if err := pay.RequestPayment(ctx, actionCtx(&saga.OrderVariables{})); err != nil {
		t.Fatalf("request: %v", err)
	}
	markAll(t, f.store, saga.StepPaymentRequest, saga.StepDone)

	if err := pay.CompensatePayment(ctx, actionCtx(&saga.OrderVariables{})); err != nil {
		t.Fatalf("compensate: %v", err)
	}
	paid := saga.FilterSteps(f.store.Steps("saga-1"), saga.StepPaymentRequest)[0]
	comp := saga.FilterSteps(f.store.Steps("saga-1"), saga.StepPaymentCompensate)
	if len(comp) != 1 {
		t.Fatalf("expected one compensation step, got %d", len(comp))
	}
	if comp[0].Type != saga.StepCompensation || comp[0].Status != saga.StepCompensating || comp[0].CompensatesStepID != paid.ID {
		t.Fatalf("unexpected compensation step: %+v", comp[0])
	}
	last := f.dispatcher.events[len(f.dispatcher.events)-1]
	if last.Topic != messages.TopicPaymentCompensateCommand {
		t.Fatalf("unexpected topic %s", last.Topic)
	}
}

func TestCompensatePayment_NothingCompletedIsPermanent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	err := NewPaymentGateway(f.deps).CompensatePayment(context.Background(), actionCtx(&saga.OrderVariables{}))
	if !saga.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestCompensateInventory_ReleasesEveryReservation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 3)
	ctx := context.Background()
	inv := NewInventoryGateway(f.deps)
	if err := inv.ReserveInventory(ctx, actionCtx(&saga.OrderVariables{})); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	reserved := saga.FilterSteps(f.store.Steps("saga-1"), saga.StepInventoryReserve)
	if err := f.store.UpdateStatus(ctx, reserved[0].ID, saga.StepDone, ""); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := f.store.UpdateStatus(ctx, reserved[1].ID, saga.StepFailed, ""); err != nil {
		t.Fatalf("update: %v", err)
	}

	if err := inv.CompensateInventory(ctx, actionCtx(&saga.OrderVariables{})); err != nil {
		t.Fatalf("compensate: %v", err)
	}
	comp := saga.FilterSteps(f.store.Steps("saga-1"), saga.StepInventoryCompensate)
	if len(comp) != len(reserved) {
		t.Fatalf("expected %d compensations, got %d", len(reserved), len(comp))
	}
	for i := range comp {
		if comp[i].CompensatesStepID != reserved[i].ID {
			t.Fatalf("compensation %d targets %s, want %s", i, comp[i].CompensatesStepID, reserved[i].ID)
		}
	}
}

type failingWork struct{ err error }

func (w failingWork) Do(ctx context.Context, fn func(tx saga.Tx) error) error { return w.err }

func TestRecord_NothingDispatchedWhenTransactionFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2)
	boom := errors.New("tx aborted")
	f.deps.Work = failingWork{err: boom}

	err := NewInventoryGateway(f.deps).ReserveInventory(context.Background(), actionCtx(&saga.OrderVariables{}))
	if !errors.Is(err, boom) {
		t.Fatalf("expected tx error, got %v", err)
	}
	if len(f.dispatcher.events) != 0 {
		t.Fatalf("expected no dispatch after rollback, got %d", len(f.dispatcher.events))
	}
}

func TestDeadLetter_ParksFailedCompensation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	ctx := context.Background()
	pay := NewPaymentGateway(f.deps)
	if err := pay.RequestPayment(ctx, actionCtx(&saga.OrderVariables{})); err != nil {
		t.Fatalf("request: %v", err)
	}
	markAll(t, f.store, saga.StepPaymentRequest, saga.StepDone)
	if err := pay.CompensatePayment(ctx, actionCtx(&saga.OrderVariables{})); err != nil {
		t.Fatalf("compensate: %v", err)
	}
	markAll(t, f.store, saga.StepPaymentCompensate, saga.StepFailed)
	stepsBefore := len(f.store.Steps("saga-1"))

	dl := NewDeadLetterGateway(f.deps, nil)
	ac := actionCtx(&saga.OrderVariables{})
	ac.Source = saga.StateCompensatingPayment
	ac.Event = saga.EventPaymentCompensateFail
	ac.Headers[messages.HeaderReason] = "refund rejected"
	if err := dl.Actions()[saga.ActionPaymentCompensateDeadLetter](ctx, ac); err != nil {
		t.Fatalf("dead letter: %v", err)
	}

	if n := len(f.store.Steps("saga-1")); n != stepsBefore {
		t.Fatalf("dead letter must not record steps, got %d want %d", n, stepsBefore)
	}
	last := f.dispatcher.events[len(f.dispatcher.events)-1]
	if last.Topic != messages.TopicDeadLetter || last.Kind != outbox.KindError || last.EventType != EventTypePaymentCompensateDeadLetter {
		t.Fatalf("unexpected dead letter row: %+v", last)
	}
	var payload messages.DeadLetterPayload
	if err := json.Unmarshal([]byte(last.Payload), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	comp := saga.FilterSteps(f.store.Steps("saga-1"), saga.StepPaymentCompensate)
	if payload.Reason != "refund rejected" || len(payload.FailedStepIDs) != 1 || payload.FailedStepIDs[0] != comp[0].ID {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestDeadLetter_RedeliveryParksOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	ctx := context.Background()
	pay := NewPaymentGateway(f.deps)
	if err := pay.RequestPayment(ctx, actionCtx(&saga.OrderVariables{})); err != nil {
		t.Fatalf("request: %v", err)
	}
	markAll(t, f.store, saga.StepPaymentRequest, saga.StepDone)
	if err := pay.CompensatePayment(ctx, actionCtx(&saga.OrderVariables{})); err != nil {
		t.Fatalf("compensate: %v", err)
	}
	markAll(t, f.store, saga.StepPaymentCompensate, saga.StepFailed)

	dl := NewDeadLetterGateway(f.deps, nil)
	ac := actionCtx(&saga.OrderVariables{})
	ac.Source = saga.StateCompensatingPayment
	ac.Event = saga.EventPaymentCompensateFail
	// The engine failed to save its context after the first park, so the event comes round again.
	for i := 0; i < 2; i++ {
		if err := dl.Actions()[saga.ActionPaymentCompensateDeadLetter](ctx, ac); err != nil {
			t.Fatalf("dead letter %d: %v", i, err)
		}
	}

	var parked, dispatched int
	for _, ev := range f.store.OutboxEvents("saga-1") {
		if ev.Kind == outbox.KindError && ev.EventType == EventTypePaymentCompensateDeadLetter {
			parked++
		}
	}
	for _, ev := range f.dispatcher.events {
		if ev.Topic == messages.TopicDeadLetter {
			dispatched++
		}
	}
	if parked != 1 || dispatched != 1 {
		t.Fatalf("expected one dead letter row and dispatch, got %d rows and %d dispatches", parked, dispatched)
	}

	// A different compensation kind still parks.
	ac.Source = saga.StateCompensatingInventory
	ac.Event = saga.EventInventoryCompensateFail
	if err := dl.Actions()[saga.ActionInventoryCompensateDeadLetter](ctx, ac); err != nil {
		t.Fatalf("inventory dead letter: %v", err)
	}
	if got := len(f.store.OutboxEvents("saga-1")); got == 0 {
		t.Fatalf("expected outbox rows")
	}
	last := f.dispatcher.events[len(f.dispatcher.events)-1]
	if last.EventType != EventTypeInventoryCompensateDeadLetter {
		t.Fatalf("expected inventory dead letter, got %+v", last)
	}
}

func TestLoad_UnknownSagaIsPermanent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	ac := saga.ActionContext{MachineID: "missing", Variables: &saga.OrderVariables{}}
	err := NewPaymentGateway(f.deps).RequestPayment(context.Background(), ac)
	if !errors.Is(err, saga.ErrSagaNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
