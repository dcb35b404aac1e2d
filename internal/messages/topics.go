package messages

// Inbound topics consumed by the orchestrator.
const (
	TopicOrderCreated              = "ord-ord-req-succ-event"
	TopicPaymentSucceeded          = "ord-pay-req-succ-evt"
	TopicPaymentFailed             = "ord-pay-req-fail-evt"
	TopicInventoryReserved         = "ord-inv-dec-succ-evt"
	TopicInventoryReserveFailed    = "ord-inv-dec-fail-evt"
	TopicPaymentCompensated        = "ord-pay-inv-comp-succ-evt"
	TopicPaymentCompensateFailed   = "ord-pay-inv-comp-fail-evt"
	TopicInventoryCompensated      = "ord-inv-inv-comp-succ-evt"
	TopicInventoryCompensateFailed = "ord-inv-inv-comp-fail-evt"
)

// Outbound topics produced by the orchestrator.
const (
	TopicPaymentRequestCommand      = "ord-pay-req-cmd"
	TopicInventoryReserveCommand    = "ord-inv-dec-cmd"
	TopicPaymentCompensateCommand   = "ord-pay-inv-comp-req"
	TopicInventoryCompensateCommand = "ord-inv-inv-comp-req"
	TopicState                      = "state"
	TopicDeadLetter                 = "saga-dead-letter"
)

// ConsumerGroup is the consumer group shared by every orchestrator replica.
const ConsumerGroup = "order-saga"

// Header keys carried on every outbound message.
const (
	HeaderSagaID    = "sagaId"
	HeaderStepID    = "stepId"
	HeaderOutboxID  = "outboxId"
	HeaderEventType = "eventType"
	HeaderReason    = "reason"
	HeaderTopic     = "topic"
	HeaderTraceID   = "traceId"
	HeaderRecovery  = "recovery"
	HeaderError     = "error"
)

// DLQTopic names the dead-letter topic for messages that cannot be handled from topic.
func DLQTopic(topic string) string {
	return topic + ".dlq"
}

// InboundTopics lists every topic the orchestrator subscribes to.
func InboundTopics() []string {
	return []string{
		TopicOrderCreated,
		TopicPaymentSucceeded,
		TopicPaymentFailed,
		TopicInventoryReserved,
		TopicInventoryReserveFailed,
		TopicPaymentCompensated,
		TopicPaymentCompensateFailed,
		TopicInventoryCompensated,
		TopicInventoryCompensateFailed,
	}
}
