package outbox

import "time"

// Kind classifies an outbox message.
type Kind string

const (
	KindCommand Kind = "COMMAND"
	KindEvent   Kind = "EVENT"
	KindReply   Kind = "REPLY"
	KindError   Kind = "ERROR"
)

// Status tracks whether the transport accepted an outbox message.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPublished Status = "PUBLISHED"
	StatusFailed    Status = "FAILED"
)

// Record is the intent to publish, written alongside the step that produced it.
type Record struct {
	SagaID        string
	StepID        string
	AggregateType string
	AggregateID   string
	EventType     string
	Kind          Kind
	Topic         string
	Payload       string
}

// Event is a persisted outbox row.
type Event struct {
	ID            string
	SagaID        string
	StepID        string
	AggregateType string
	AggregateID   string
	EventType     string
	Kind          Kind
	Topic         string
	Payload       string
	Status        Status
	CreatedAt     time.Time
	PublishedAt   *time.Time
}

// NewEvent materializes a record into a pending row.
func NewEvent(id string, rec Record, now time.Time) Event {
	return Event{
		ID:            id,
		SagaID:        rec.SagaID,
		StepID:        rec.StepID,
		AggregateType: rec.AggregateType,
		AggregateID:   rec.AggregateID,
		EventType:     rec.EventType,
		Kind:          rec.Kind,
		Topic:         rec.Topic,
		Payload:       rec.Payload,
		Status:        StatusPending,
		CreatedAt:     now,
	}
}
