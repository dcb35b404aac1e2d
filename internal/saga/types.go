package saga

import (
	"time"
)

// TypeOrder is the only saga type this service runs.
const TypeOrder = "ORDER"

// Step names recorded in the ledger.
const (
	StepPaymentRequest      = "paymentRequestCommand"
	StepInventoryReserve    = "inventoryReserve"
	StepPaymentCompensate   = "inventoryFailurePaymentCompensate"
	StepInventoryCompensate = "inventoryFailureInventoryCompensate"
)

// Aggregate types targeted by steps.
const (
	AggregatePayment   = "payment"
	AggregateInventory = "inventory"
)

// Instance is one saga execution.
type Instance struct {
	ID        string
	Type      string
	State     State
	OrderID   string
	Context   string
	StepSeq   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StepType separates forward actions from their compensations.
type StepType string

const (
	StepForward      StepType = "FORWARD"
	StepCompensation StepType = "COMPENSATION"
)

// StepStatus is the lifecycle of one step.
type StepStatus string

const (
	StepPending      StepStatus = "PENDING"
	StepInProgress   StepStatus = "IN_PROGRESS"
	StepDone         StepStatus = "DONE"
	StepFailed       StepStatus = "FAILED"
	StepCompensating StepStatus = "COMPENSATING"
	StepCompensated  StepStatus = "COMPENSATED"
)

// Terminal reports whether the status is final.
func (s StepStatus) Terminal() bool {
	return s == StepDone || s == StepFailed || s == StepCompensated
}

var stepMoves = map[StepStatus][]StepStatus{
	StepPending:      {StepInProgress, StepDone, StepFailed},
	StepInProgress:   {StepDone, StepFailed},
	StepCompensating: {StepCompensated, StepFailed},
}

// CanMoveTo reports whether a step may move from s to next. Staying put is allowed.
func (s StepStatus) CanMoveTo(next StepStatus) bool {
	if s == next {
		return true
	}
	for _, allowed := range stepMoves[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Step is one ledger row.
type Step struct {
	ID                string
	SagaID            string
	Name              string
	AggregateID       string
	AggregateType     string
	Type              StepType
	Status            StepStatus
	ExecutionOrder    int
	Command           string
	Result            string
	CompensatesStepID string
	StartedAt         time.Time
	EndedAt           *time.Time
}

// StepRecord is what a gateway asks the ledger to store. The ledger assigns the execution order.
type StepRecord struct {
	ID                string
	SagaID            string
	Name              string
	AggregateID       string
	AggregateType     string
	Type              StepType
	Status            StepStatus
	Command           string
	CompensatesStepID string
}

// SuccessStatus is the status a step of type t must reach to count as succeeded.
func SuccessStatus(t StepType) StepStatus {
	if t == StepCompensation {
		return StepCompensated
	}
	return StepDone
}

// AllTerminalSuccess reports whether every step reached its success status.
// An empty slice never satisfies the predicate.
func AllTerminalSuccess(steps []Step) bool {
	if len(steps) == 0 {
		return false
	}
	for _, step := range steps {
		if step.Status != SuccessStatus(step.Type) {
			return false
		}
	}
	return true
}

// AnyFailed reports whether at least one step failed.
func AnyFailed(steps []Step) bool {
	for _, step := range steps {
		if step.Status == StepFailed {
			return true
		}
	}
	return false
}

// FilterSteps returns the steps with the given name, keeping their order.
func FilterSteps(steps []Step, name string) []Step {
	var out []Step
	for _, step := range steps {
		if step.Name == name {
			out = append(out, step)
		}
	}
	return out
}

// StateChange describes one committed transition.
type StateChange struct {
	SagaID string    `json:"sagaId"`
	From   State     `json:"from"`
	To     State     `json:"to"`
	Event  Event     `json:"event"`
	At     time.Time `json:"at"`
}
