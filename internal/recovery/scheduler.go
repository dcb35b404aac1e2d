package recovery

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// SweepFunc runs one pass of a periodic job and reports how many items it handled.
type SweepFunc func(ctx context.Context) (int, error)

// Scheduler runs sweeps on cron schedules. A run that is still going when the next one
// is due causes the next one to be skipped.
type Scheduler struct {
	parser cron.Parser
	cron   *cron.Cron
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler constructs a Scheduler accepting five-field specs and descriptors such as "@every 1m".
func NewScheduler(logger zerolog.Logger) *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		parser: parser,
		cron:   cron.New(cron.WithParser(parser)),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers fn under name on spec.
func (s *Scheduler) Add(name, spec string, fn SweepFunc) error {
	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("schedule %s: invalid cron expression %q: %w", name, spec, err)
	}
	log := s.logger.With().Str("job", name).Logger()
	job := cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger)).Then(cron.FuncJob(func() {
		if s.ctx.Err() != nil {
			return
		}
		n, err := fn(s.ctx)
		if err != nil {
			log.Error().Err(err).Int("handled", n).Msg("scheduled sweep failed")
			return
		}
		log.Debug().Int("handled", n).Msg("scheduled sweep done")
	}))
	s.cron.Schedule(schedule, job)
	return nil
}

// Run starts the schedules and blocks until ctx is cancelled, then waits for running jobs.
func (s *Scheduler) Run(ctx context.Context) {
	s.cron.Start()
	<-ctx.Done()
	s.cancel()
	<-s.cron.Stop().Done()
}
