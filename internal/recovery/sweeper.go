// Package recovery moves sagas forward after a crash left them without a driving message.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ordersaga/internal/engine"
	"ordersaga/internal/messages"
	"ordersaga/internal/observability"
	"ordersaga/internal/saga"

	"github.com/rs/zerolog"
)

// Engine is the part of the saga engine the sweeper drives.
type Engine interface {
	Ensure(ctx context.Context, initial saga.EngineContext) (saga.EngineContext, error)
	Send(ctx context.Context, sagaID string, event saga.Event, headers map[string]string) (engine.Outcome, error)
}

// Config bounds one sweep.
type Config struct {
	StaleAfter time.Duration
	BatchSize  int
}

// Sweeper resumes stalled sagas, but only when the step ledger proves which event is due.
type Sweeper struct {
	instances saga.InstanceStore
	contexts  saga.ContextPersister
	engine    Engine
	cfg       Config
	metrics   *observability.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

// NewSweeper constructs a Sweeper.
func NewSweeper(instances saga.InstanceStore, contexts saga.ContextPersister, eng Engine, cfg Config, metrics *observability.Metrics, logger zerolog.Logger) *Sweeper {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{
		instances: instances,
		contexts:  contexts,
		engine:    eng,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// Sweep inspects one batch of stalled sagas and returns how many it moved forward.
// A failure on one saga does not stop the sweep; all failures are returned joined.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	stalled, err := s.instances.ListStalled(ctx, s.now().Add(-s.cfg.StaleAfter), s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("recovery: list stalled: %w", err)
	}

	var (
		resumed int
		errs    []error
	)
	for _, inst := range stalled {
		if ctx.Err() != nil {
			break
		}
		ok, err := s.resume(ctx, inst)
		if err != nil {
			s.logger.Error().Err(err).Str("saga_id", inst.ID).Str("state", string(inst.State)).Msg("resume stalled saga")
			errs = append(errs, err)
			continue
		}
		if ok {
			resumed++
		}
	}
	if resumed > 0 || len(errs) > 0 {
		s.logger.Info().Int("stalled", len(stalled)).Int("resumed", resumed).Int("errors", len(errs)).Msg("recovery sweep finished")
	}
	return resumed, errors.Join(errs...)
}

func (s *Sweeper) resume(ctx context.Context, inst saga.Instance) (bool, error) {
	ec, err := s.contexts.Load(ctx, inst.ID)
	switch {
	case errors.Is(err, saga.ErrSagaNotFound) && inst.State == saga.StateOrderCreated:
		initial, buildErr := saga.ContextFromInstance(inst, s.now())
		if buildErr != nil {
			return false, buildErr
		}
		if ec, err = s.engine.Ensure(ctx, initial); err != nil {
			return false, err
		}
	case err != nil:
		return false, err
	}

	if ec.State != inst.State {
		if err := s.instances.UpdateState(ctx, inst.ID, ec.State); err != nil {
			return false, err
		}
		s.logger.Warn().
			Str("saga_id", inst.ID).
			Str("column", string(inst.State)).
			Str("context", string(ec.State)).
			Msg("instance state reconciled with engine context")
	}

	hint, ok := saga.Resume(ec.State)
	if !ok {
		return false, nil
	}

	headers := map[string]string{
		messages.HeaderSagaID:   inst.ID,
		messages.HeaderRecovery: "true",
	}
	event := hint.Success
	if hint.StepName != "" {
		_, steps, err := s.instances.GetWithSteps(ctx, inst.ID)
		if err != nil {
			return false, err
		}
		named := saga.FilterSteps(steps, hint.StepName)
		switch {
		case saga.AnyFailed(named):
			event = hint.Failure
			for _, step := range named {
				if step.Status == saga.StepFailed {
					headers[messages.HeaderStepID] = step.ID
					break
				}
			}
			headers[messages.HeaderReason] = "recovered: " + hint.StepName + " failed"
		case saga.AllTerminalSuccess(named):
		default:
			return false, nil
		}
	}

	out, err := s.engine.Send(ctx, inst.ID, event, headers)
	if err != nil {
		return false, err
	}
	if !out.Accepted {
		return false, nil
	}
	if err := s.instances.UpdateState(ctx, inst.ID, out.To); err != nil {
		return false, err
	}
	s.metrics.ObserveResumed(string(out.From))
	s.logger.Info().
		Str("saga_id", inst.ID).
		Str("event", string(event)).
		Str("from", string(out.From)).
		Str("to", string(out.To)).
		Msg("stalled saga resumed")
	return true, nil
}
