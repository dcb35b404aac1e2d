// Package broadcast fans committed saga transitions out to observers.
package broadcast

import (
	"context"
	"errors"

	"ordersaga/internal/saga"
)

// Sink receives committed transitions.
type Sink interface {
	Notify(ctx context.Context, change saga.StateChange) error
}

// Multi notifies several sinks in order.
type Multi struct {
	sinks []Sink
}

// NewMulti constructs a Sink that forwards to each non-nil sink in sequence.
func NewMulti(sinks ...Sink) *Multi {
	m := &Multi{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Notify forwards the change to each sink, collecting errors so all sinks get a chance to see it.
func (m *Multi) Notify(ctx context.Context, change saga.StateChange) error {
	var errs []error
	for _, sink := range m.sinks {
		if err := sink.Notify(ctx, change); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
