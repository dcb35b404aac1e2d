package listener

import (
	"ordersaga/internal/messages"
	"ordersaga/internal/saga"
)

// route binds a result topic to the step it settles and the event it may fire.
// Gated routes fire only once every sibling step with the same name has succeeded;
// failure routes fire on the first failure.
type route struct {
	stepName string
	status   saga.StepStatus
	gate     bool
	event    saga.Event
}

var routes = map[string]route{
	messages.TopicPaymentSucceeded:          {stepName: saga.StepPaymentRequest, status: saga.StepDone, gate: true, event: saga.EventPaymentSuccess},
	messages.TopicPaymentFailed:             {stepName: saga.StepPaymentRequest, status: saga.StepFailed, event: saga.EventPaymentFailure},
	messages.TopicInventoryReserved:         {stepName: saga.StepInventoryReserve, status: saga.StepDone, gate: true, event: saga.EventInventorySuccess},
	messages.TopicInventoryReserveFailed:    {stepName: saga.StepInventoryReserve, status: saga.StepFailed, event: saga.EventInventoryFailure},
	messages.TopicPaymentCompensated:        {stepName: saga.StepPaymentCompensate, status: saga.StepCompensated, gate: true, event: saga.EventPaymentCompensated},
	messages.TopicPaymentCompensateFailed:   {stepName: saga.StepPaymentCompensate, status: saga.StepFailed, event: saga.EventPaymentCompensateFail},
	messages.TopicInventoryCompensated:      {stepName: saga.StepInventoryCompensate, status: saga.StepCompensated, gate: true, event: saga.EventInventoryCompensated},
	messages.TopicInventoryCompensateFailed: {stepName: saga.StepInventoryCompensate, status: saga.StepFailed, event: saga.EventInventoryCompensateFail},
}
