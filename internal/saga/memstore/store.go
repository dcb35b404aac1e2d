// Package memstore keeps sagas, steps, outbox rows and engine contexts in process memory.
// It is used when no database is configured and by tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ordersaga/internal/outbox"
	"ordersaga/internal/saga"

	"github.com/google/uuid"
)

// Store implements every saga persistence port in memory.
type Store struct {
	mu        sync.RWMutex
	now       func() time.Time
	instances map[string]saga.Instance
	byOrder   map[string]string
	steps     map[string]saga.Step
	stepOrder []string
	events    map[string]outbox.Event
	eventSeq  []string
	contexts  map[string][]byte
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New constructs an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		now:       time.Now,
		instances: make(map[string]saga.Instance),
		byOrder:   make(map[string]string),
		steps:     make(map[string]saga.Step),
		events:    make(map[string]outbox.Event),
		contexts:  make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create stores inst unless its order id is already known.
func (s *Store) Create(ctx context.Context, inst saga.Instance) (saga.Instance, bool, error) {
	if err := ctx.Err(); err != nil {
		return saga.Instance{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byOrder[inst.OrderID]; ok {
		return s.instances[id], false, nil
	}
	now := s.now().UTC()
	inst.CreatedAt = now
	inst.UpdatedAt = now
	s.instances[inst.ID] = inst
	s.byOrder[inst.OrderID] = inst.ID
	return inst, true, nil
}

// Get returns one instance.
func (s *Store) Get(ctx context.Context, id string) (saga.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return saga.Instance{}, fmt.Errorf("instance %s: %w", id, saga.ErrSagaNotFound)
	}
	return inst, nil
}

// GetWithSteps returns an instance and its steps ordered by execution order.
func (s *Store) GetWithSteps(ctx context.Context, id string) (saga.Instance, []saga.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return saga.Instance{}, nil, fmt.Errorf("instance %s: %w", id, saga.ErrSagaNotFound)
	}
	var steps []saga.Step
	for _, stepID := range s.stepOrder {
		if step := s.steps[stepID]; step.SagaID == id {
			steps = append(steps, step)
		}
	}
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].ExecutionOrder < steps[j].ExecutionOrder })
	return inst, steps, nil
}

// UpdateState sets the denormalized state column.
func (s *Store) UpdateState(ctx context.Context, id string, state saga.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return fmt.Errorf("instance %s: %w", id, saga.ErrSagaNotFound)
	}
	inst.State = state
	inst.UpdatedAt = s.now().UTC()
	s.instances[id] = inst
	return nil
}

// ListStalled returns non-terminal instances not touched since before.
func (s *Store) ListStalled(ctx context.Context, before time.Time, limit int) ([]saga.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []saga.Instance
	for _, inst := range s.instances {
		if inst.State.Terminal() || !inst.UpdatedAt.Before(before) {
			continue
		}
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetStep returns one step.
func (s *Store) GetStep(ctx context.Context, id string) (saga.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	step, ok := s.steps[id]
	if !ok {
		return saga.Step{}, fmt.Errorf("step %s: %w", id, saga.ErrStepNotFound)
	}
	return step, nil
}

// UpdateStatus advances a step, refusing to regress terminal steps.
func (s *Store) UpdateStatus(ctx context.Context, id string, status saga.StepStatus, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[id]
	if !ok {
		return fmt.Errorf("step %s: %w", id, saga.ErrStepNotFound)
	}
	if step.Status == status {
		return nil
	}
	if !step.Status.CanMoveTo(status) {
		return fmt.Errorf("step %s %s -> %s: %w", id, step.Status, status, saga.ErrStepStatusRegression)
	}
	step.Status = status
	if result != "" {
		step.Result = result
	}
	if status.Terminal() {
		ended := s.now().UTC()
		step.EndedAt = &ended
	}
	s.steps[id] = step
	return nil
}

// StepsByName returns a saga's steps with the given name in execution order.
func (s *Store) StepsByName(ctx context.Context, sagaID, name string) ([]saga.Step, error) {
	_, steps, err := s.GetWithSteps(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	return saga.FilterSteps(steps, name), nil
}

// Load returns the engine context for a saga.
func (s *Store) Load(ctx context.Context, sagaID string) (saga.EngineContext, error) {
	s.mu.RLock()
	data, ok := s.contexts[sagaID]
	s.mu.RUnlock()
	if !ok {
		return saga.EngineContext{}, fmt.Errorf("engine context %s: %w", sagaID, saga.ErrSagaNotFound)
	}
	return saga.UnmarshalContext(data)
}

// Save overwrites the engine context for a saga.
func (s *Store) Save(ctx context.Context, ec saga.EngineContext) error {
	data, err := ec.Marshal()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.contexts[ec.MachineID] = data
	s.mu.Unlock()
	return nil
}

// Do stages writes made through tx and applies them only if fn succeeds.
func (s *Store) Do(ctx context.Context, fn func(tx saga.Tx) error) error {
	tx := &memTx{store: s, seq: make(map[string]int)}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for sagaID, seq := range tx.seq {
		inst := s.instances[sagaID]
		inst.StepSeq = seq
		inst.UpdatedAt = s.now().UTC()
		s.instances[sagaID] = inst
	}
	for _, step := range tx.steps {
		s.steps[step.ID] = step
		s.stepOrder = append(s.stepOrder, step.ID)
	}
	for _, ev := range tx.events {
		s.events[ev.ID] = ev
		s.eventSeq = append(s.eventSeq, ev.ID)
	}
	return nil
}

// MarkPublished flags an outbox row as accepted by the transport.
func (s *Store) MarkPublished(ctx context.Context, id string, at time.Time) error {
	return s.mark(id, outbox.StatusPublished, at)
}

// MarkFailed flags an outbox row as rejected by the transport.
func (s *Store) MarkFailed(ctx context.Context, id string, at time.Time) error {
	return s.mark(id, outbox.StatusFailed, at)
}

func (s *Store) mark(id string, status outbox.Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return fmt.Errorf("outbox event %s not found", id)
	}
	ev.Status = status
	ts := at.UTC()
	ev.PublishedAt = &ts
	s.events[id] = ev
	return nil
}

// ListRepublishable returns FAILED rows and PENDING rows older than staleBefore.
func (s *Store) ListRepublishable(ctx context.Context, staleBefore time.Time, limit int) ([]outbox.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []outbox.Event
	for _, id := range s.eventSeq {
		ev := s.events[id]
		switch {
		case ev.Status == outbox.StatusFailed:
		case ev.Status == outbox.StatusPending && ev.CreatedAt.Before(staleBefore):
		default:
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Steps returns every recorded step for a saga in execution order.
func (s *Store) Steps(sagaID string) []saga.Step {
	_, steps, _ := s.GetWithSteps(context.Background(), sagaID)
	return steps
}

// OutboxEvents returns every outbox row for a saga in insertion order.
func (s *Store) OutboxEvents(sagaID string) []outbox.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []outbox.Event
	for _, id := range s.eventSeq {
		if ev := s.events[id]; ev.SagaID == sagaID {
			out = append(out, ev)
		}
	}
	return out
}

// InstanceByOrder looks up the saga created for an order id.
func (s *Store) InstanceByOrder(orderID string) (saga.Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byOrder[orderID]
	if !ok {
		return saga.Instance{}, false
	}
	return s.instances[id], true
}

type memTx struct {
	store  *Store
	seq    map[string]int
	steps  []saga.Step
	events []outbox.Event
}

func (t *memTx) RecordStep(ctx context.Context, rec saga.StepRecord) (saga.Step, error) {
	t.store.mu.RLock()
	inst, ok := t.store.instances[rec.SagaID]
	_, dup := t.store.steps[rec.ID]
	now := t.store.now().UTC()
	t.store.mu.RUnlock()
	if !ok {
		return saga.Step{}, fmt.Errorf("record step for %s: %w", rec.SagaID, saga.ErrSagaNotFound)
	}
	if dup {
		return saga.Step{}, fmt.Errorf("record step: duplicate step id %s", rec.ID)
	}

	seq, staged := t.seq[rec.SagaID]
	if !staged {
		seq = inst.StepSeq
	}
	seq++
	t.seq[rec.SagaID] = seq

	step := saga.Step{
		ID:                rec.ID,
		SagaID:            rec.SagaID,
		Name:              rec.Name,
		AggregateID:       rec.AggregateID,
		AggregateType:     rec.AggregateType,
		Type:              rec.Type,
		Status:            rec.Status,
		ExecutionOrder:    seq,
		Command:           rec.Command,
		CompensatesStepID: rec.CompensatesStepID,
		StartedAt:         now,
	}
	t.steps = append(t.steps, step)
	return step, nil
}

func (t *memTx) Enqueue(ctx context.Context, rec outbox.Record) (outbox.Event, error) {
	ev := outbox.NewEvent(uuid.NewString(), rec, t.store.now().UTC())
	t.events = append(t.events, ev)
	return ev, nil
}

func (t *memTx) HasEvent(ctx context.Context, sagaID, eventType string, kind outbox.Kind) (bool, error) {
	match := func(ev outbox.Event) bool {
		return ev.SagaID == sagaID && ev.EventType == eventType && ev.Kind == kind
	}
	for _, ev := range t.events {
		if match(ev) {
			return true, nil
		}
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	for _, ev := range t.store.events {
		if match(ev) {
			return true, nil
		}
	}
	return false, nil
}
