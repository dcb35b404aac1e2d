package saga

import (
	"context"
	"time"

	"ordersaga/internal/messages"
	"ordersaga/internal/outbox"
)

// InstanceStore persists saga instances.
type InstanceStore interface {
	// Create stores inst unless an instance already exists for the same order id.
	// It returns the stored instance and whether this call created it.
	Create(ctx context.Context, inst Instance) (Instance, bool, error)
	Get(ctx context.Context, id string) (Instance, error)
	GetWithSteps(ctx context.Context, id string) (Instance, []Step, error)
	UpdateState(ctx context.Context, id string, state State) error
	// ListStalled returns non-terminal instances last updated before the cutoff, oldest first.
	ListStalled(ctx context.Context, before time.Time, limit int) ([]Instance, error)
}

// StepLedger reads and advances recorded steps.
type StepLedger interface {
	GetStep(ctx context.Context, id string) (Step, error)
	UpdateStatus(ctx context.Context, id string, status StepStatus, result string) error
	StepsByName(ctx context.Context, sagaID, name string) ([]Step, error)
}

// ContextPersister stores engine contexts keyed by saga id.
type ContextPersister interface {
	Load(ctx context.Context, sagaID string) (EngineContext, error)
	Save(ctx context.Context, ec EngineContext) error
}

// Tx is the write surface available inside one local transaction.
type Tx interface {
	RecordStep(ctx context.Context, rec StepRecord) (Step, error)
	Enqueue(ctx context.Context, rec outbox.Record) (outbox.Event, error)
	// HasEvent reports whether an outbox row of the given type and kind exists for the saga.
	HasEvent(ctx context.Context, sagaID, eventType string, kind outbox.Kind) (bool, error)
}

// UnitOfWork runs fn in a single local transaction, committing only if fn returns nil.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(tx Tx) error) error
}

// ActionContext is what a transition hands to its action.
type ActionContext struct {
	MachineID string
	Source    State
	Target    State
	Event     Event
	Headers   map[string]string
	Variables *OrderVariables
}

// SagaID resolves the saga id from the machine id, falling back to the sagaId header.
func (a ActionContext) SagaID() string {
	if a.MachineID != "" {
		return a.MachineID
	}
	if a.Headers == nil {
		return ""
	}
	return a.Headers[messages.HeaderSagaID]
}

// ActionFunc performs the side effect of a transition.
type ActionFunc func(ctx context.Context, ac ActionContext) error

// ActionProvider is implemented by every command gateway.
type ActionProvider interface {
	Actions() map[Action]ActionFunc
}
