package messages

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Envelope is one inbound message as handed over by the transport.
type Envelope struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

// Header returns the named header or an empty string.
func (e Envelope) Header(name string) string {
	if e.Headers == nil {
		return ""
	}
	return e.Headers[name]
}

// OrderItem is one order line.
type OrderItem struct {
	ProductID string  `json:"productId"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unitPrice"`
}

// OrderCreatedEvent triggers a new saga.
type OrderCreatedEvent struct {
	OrderID         string      `json:"orderId"`
	CustomerID      string      `json:"customerId"`
	PaymentMethodID string      `json:"paymentMethodId"`
	TransactionID   string      `json:"transactionId"`
	TotalPrice      float64     `json:"totalPrice"`
	Currency        string      `json:"currency"`
	Items           []OrderItem `json:"items"`
}

// Validate checks the fields the saga relies on.
func (e OrderCreatedEvent) Validate() error {
	if strings.TrimSpace(e.OrderID) == "" {
		return errors.New("orderId is required")
	}
	if len(e.Items) == 0 {
		return errors.New("order has no items")
	}
	for i, item := range e.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return fmt.Errorf("items[%d]: productId is required", i)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("items[%d]: quantity must be > 0", i)
		}
	}
	return nil
}

// CommandHeader is stamped onto every outbound command.
type CommandHeader struct {
	SagaID string `json:"sagaId"`
	StepID string `json:"stepId"`
}

// PaymentRequestPayload asks the payment service to charge the customer.
type PaymentRequestPayload struct {
	CommandHeader
	OrderID         string  `json:"orderId"`
	UserID          string  `json:"userId"`
	PaymentID       string  `json:"paymentId"`
	Amount          float64 `json:"amount"`
	PaymentMethodID string  `json:"paymentMethodId"`
	Currency        string  `json:"currency"`
}

// InventoryReservePayload asks the inventory service to reserve one order line.
type InventoryReservePayload struct {
	CommandHeader
	ReservationID string `json:"reservationId"`
	ProductID     string `json:"productId"`
	OrderID       string `json:"orderId"`
	Quantity      int    `json:"quantity"`
}

// PaymentCompensatePayload asks the payment service to refund a charge.
type PaymentCompensatePayload struct {
	CommandHeader
	PaymentID string `json:"paymentId"`
}

// InventoryCompensatePayload asks the inventory service to release a reservation.
type InventoryCompensatePayload struct {
	CommandHeader
	InventoryID string `json:"inventoryId"`
}

// DeadLetterPayload records a compensation that could not complete.
type DeadLetterPayload struct {
	SagaID        string   `json:"sagaId"`
	OrderID       string   `json:"orderId"`
	State         string   `json:"state"`
	Event         string   `json:"event"`
	FailedStepIDs []string `json:"failedStepIds"`
	Reason        string   `json:"reason,omitempty"`
}

// ResultEvent is the body every participant sends back.
type ResultEvent struct {
	EventID     string `json:"eventId"`
	SagaID      string `json:"sagaId"`
	StepID      string `json:"stepId"`
	OrderID     string `json:"orderId,omitempty"`
	PaymentID   string `json:"paymentId,omitempty"`
	InventoryID string `json:"inventoryId,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Message     string `json:"message,omitempty"`
}

// FailureReason prefers reason over the free-form message.
func (r ResultEvent) FailureReason() string {
	if r.Reason != "" {
		return r.Reason
	}
	return r.Message
}

// DecodeOrderCreated parses and validates an order-created body.
func DecodeOrderCreated(data []byte) (OrderCreatedEvent, error) {
	var ev OrderCreatedEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return OrderCreatedEvent{}, err
	}
	if err := ev.Validate(); err != nil {
		return OrderCreatedEvent{}, err
	}
	return ev, nil
}

// DecodeResult parses a result body. The stepId must be present.
func DecodeResult(data []byte) (ResultEvent, error) {
	var ev ResultEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ResultEvent{}, err
	}
	if strings.TrimSpace(ev.StepID) == "" {
		return ResultEvent{}, errors.New("stepId is required")
	}
	return ev, nil
}
