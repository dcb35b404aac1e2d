package saga

// State is the orchestration state of one saga.
type State string

const (
	StateOrderCreated          State = "ORDER_CREATED"
	StatePaymentRequested      State = "PAYMENT_REQUESTED"
	StateInventoryReserving    State = "INVENTORY_RESERVING"
	StateOrderCompleted        State = "ORDER_COMPLETED"
	StateCompensatingPayment   State = "COMPENSATING_PAYMENT"
	StateCompensatingInventory State = "COMPENSATING_INVENTORY"
	StateCompensated           State = "COMPENSATED"
	StateFailed                State = "FAILED"
)

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	switch s {
	case StateOrderCompleted, StateCompensated, StateFailed:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateOrderCreated, StatePaymentRequested, StateInventoryReserving, StateOrderCompleted,
		StateCompensatingPayment, StateCompensatingInventory, StateCompensated, StateFailed:
		return true
	}
	return false
}

// Event drives a transition.
type Event string

const (
	EventStartOrder              Event = "START_ORDER"
	EventPaymentSuccess          Event = "PAYMENT_SUCCESS"
	EventPaymentFailure          Event = "PAYMENT_FAILURE"
	EventInventorySuccess        Event = "INVENTORY_SUCCESS"
	EventInventoryFailure        Event = "INVENTORY_FAILURE"
	EventPaymentCompensated      Event = "PAYMENT_COMPENSATED"
	EventInventoryCompensated    Event = "INVENTORY_COMPENSATED"
	EventPaymentCompensateFail   Event = "PAYMENT_COMPENSATE_FAIL"
	EventInventoryCompensateFail Event = "INVENTORY_COMPENSATE_FAIL"
)

// Action names the side effect a transition performs. The empty action does nothing.
type Action string

const (
	ActionNone                          Action = ""
	ActionRequestPayment                Action = "requestPayment"
	ActionReserveInventory              Action = "reserveInventory"
	ActionCompensatePayment             Action = "compensatePayment"
	ActionCompensateInventory           Action = "compensateInventory"
	ActionPaymentCompensateDeadLetter   Action = "paymentCompensateDeadLetter"
	ActionInventoryCompensateDeadLetter Action = "inventoryCompensateDeadLetter"
)

// Transition is one row of the order saga table.
type Transition struct {
	Source State
	Event  Event
	Target State
	Action Action
}

type transitionKey struct {
	state State
	event Event
}

var transitions = []Transition{
	{Source: StateOrderCreated, Event: EventStartOrder, Target: StatePaymentRequested, Action: ActionRequestPayment},
	{Source: StatePaymentRequested, Event: EventPaymentSuccess, Target: StateInventoryReserving, Action: ActionReserveInventory},
	{Source: StatePaymentRequested, Event: EventPaymentFailure, Target: StateFailed},
	{Source: StateInventoryReserving, Event: EventInventorySuccess, Target: StateOrderCompleted},
	{Source: StateInventoryReserving, Event: EventInventoryFailure, Target: StateCompensatingPayment, Action: ActionCompensatePayment},
	{Source: StateCompensatingPayment, Event: EventPaymentCompensated, Target: StateCompensatingInventory, Action: ActionCompensateInventory},
	{Source: StateCompensatingInventory, Event: EventInventoryCompensated, Target: StateCompensated},
	{Source: StateCompensatingPayment, Event: EventPaymentCompensateFail, Target: StateFailed, Action: ActionPaymentCompensateDeadLetter},
	{Source: StateCompensatingInventory, Event: EventInventoryCompensateFail, Target: StateFailed, Action: ActionInventoryCompensateDeadLetter},
}

var transitionIndex = func() map[transitionKey]Transition {
	idx := make(map[transitionKey]Transition, len(transitions))
	for _, t := range transitions {
		idx[transitionKey{state: t.Source, event: t.Event}] = t
	}
	return idx
}()

// Transitions returns a copy of the transition table.
func Transitions() []Transition {
	out := make([]Transition, len(transitions))
	copy(out, transitions)
	return out
}

// Lookup finds the transition for (state, event). ok is false when the event is not valid in state.
func Lookup(state State, event Event) (Transition, bool) {
	t, ok := transitionIndex[transitionKey{state: state, event: event}]
	return t, ok
}

// Actions lists every non-empty action referenced by the table.
func Actions() []Action {
	seen := make(map[Action]struct{})
	var out []Action
	for _, t := range transitions {
		if t.Action == ActionNone {
			continue
		}
		if _, ok := seen[t.Action]; ok {
			continue
		}
		seen[t.Action] = struct{}{}
		out = append(out, t.Action)
	}
	return out
}

// ResumeHint describes how a stalled saga in a given state can be moved forward.
// When StepName is empty the Success event can be sent without consulting the ledger.
type ResumeHint struct {
	Success  Event
	Failure  Event
	StepName string
}

var resumeHints = map[State]ResumeHint{
	StateOrderCreated:          {Success: EventStartOrder},
	StatePaymentRequested:      {Success: EventPaymentSuccess, Failure: EventPaymentFailure, StepName: StepPaymentRequest},
	StateInventoryReserving:    {Success: EventInventorySuccess, Failure: EventInventoryFailure, StepName: StepInventoryReserve},
	StateCompensatingPayment:   {Success: EventPaymentCompensated, Failure: EventPaymentCompensateFail, StepName: StepPaymentCompensate},
	StateCompensatingInventory: {Success: EventInventoryCompensated, Failure: EventInventoryCompensateFail, StepName: StepInventoryCompensate},
}

// Resume maps a durable state to the event needed to continue it. Terminal states are not resumable.
func Resume(state State) (ResumeHint, bool) {
	if state.Terminal() {
		return ResumeHint{}, false
	}
	hint, ok := resumeHints[state]
	return hint, ok
}
