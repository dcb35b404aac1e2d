package saga

import (
	"encoding/json"
	"fmt"
	"time"

	"ordersaga/internal/messages"
)

// ContextVersion is the schema version written by this build.
const ContextVersion = 1

// OrderVariables is the typed, per-saga working set carried between transitions.
type OrderVariables struct {
	OrderID       string    `json:"orderId"`
	CustomerID    string    `json:"customerId,omitempty"`
	PaymentID     string    `json:"paymentId,omitempty"`
	LastStepID    string    `json:"lastStepId,omitempty"`
	FailureReason string    `json:"failureReason,omitempty"`
	Transitions   int       `json:"transitions"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// EngineContext is the durable snapshot an engine is rebuilt from.
type EngineContext struct {
	Version   int               `json:"version"`
	MachineID string            `json:"machineId"`
	State     State             `json:"state"`
	Event     Event             `json:"event,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Variables OrderVariables    `json:"variables"`
}

// NewOrderContext builds the initial context for a freshly created saga.
func NewOrderContext(sagaID string, order messages.OrderCreatedEvent, now time.Time) EngineContext {
	return EngineContext{
		Version:   ContextVersion,
		MachineID: sagaID,
		State:     StateOrderCreated,
		Variables: OrderVariables{
			OrderID:    order.OrderID,
			CustomerID: order.CustomerID,
			UpdatedAt:  now.UTC(),
		},
	}
}

// ContextFromInstance rebuilds the initial context from an instance's stored order payload.
func ContextFromInstance(inst Instance, now time.Time) (EngineContext, error) {
	order, err := inst.Order()
	if err != nil {
		return EngineContext{}, err
	}
	ec := NewOrderContext(inst.ID, order, now)
	ec.State = inst.State
	return ec, nil
}

// Order decodes the triggering order payload kept on the instance.
func (i Instance) Order() (messages.OrderCreatedEvent, error) {
	var order messages.OrderCreatedEvent
	if err := json.Unmarshal([]byte(i.Context), &order); err != nil {
		return messages.OrderCreatedEvent{}, fmt.Errorf("saga %s: decode order context: %w", i.ID, err)
	}
	return order, nil
}

// Marshal encodes the context as a versioned blob.
func (c EngineContext) Marshal() ([]byte, error) {
	if c.Version == 0 {
		c.Version = ContextVersion
	}
	return json.Marshal(c)
}

// UnmarshalContext decodes a blob written by Marshal.
func UnmarshalContext(data []byte) (EngineContext, error) {
	var c EngineContext
	if err := json.Unmarshal(data, &c); err != nil {
		return EngineContext{}, fmt.Errorf("decode engine context: %w", err)
	}
	if c.Version != ContextVersion {
		return EngineContext{}, fmt.Errorf("%w: got %d, want %d", ErrContextVersion, c.Version, ContextVersion)
	}
	if !c.State.Valid() {
		return EngineContext{}, fmt.Errorf("decode engine context: unknown state %q", c.State)
	}
	return c, nil
}

// Header returns a header value or an empty string.
func (c EngineContext) Header(name string) string {
	if c.Headers == nil {
		return ""
	}
	return c.Headers[name]
}
