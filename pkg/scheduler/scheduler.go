// Package scheduler triggers the pipeline at cycle boundaries so payouts
// happen even when nobody is watching the dashboard.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/powerpump/flywheel/pkg/cycle"
	"github.com/powerpump/flywheel/pkg/pipeline"
)

// Runner is the pipeline collaborator. Run never returns an error: failures
// are folded into the result.
type Runner interface {
	Run(ctx context.Context) pipeline.Result
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	Runner   Runner
	Interval time.Duration

	// BoundaryGrace delays each boundary-triggered run slightly so the run
	// lands inside the new window rather than racing the clock edge.
	BoundaryGrace time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Runner == nil {
		return errors.New("runner is required")
	}
	if err := cycle.ValidateInterval(cfg.Interval); err != nil {
		return err
	}
	if cfg.BoundaryGrace < 0 {
		return errors.New("boundary grace must not be negative")
	}
	if cfg.BoundaryGrace == 0 {
		cfg.BoundaryGrace = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Scheduler struct {
	log   *slog.Logger
	cfg   Config
	clock clockwork.Clock
}

func New(cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{log: cfg.Logger, cfg: cfg, clock: cfg.Clock}, nil
}

// Run executes the pipeline once immediately, then once after each cycle
// boundary, until ctx is canceled. The immediate run makes restarts safe: a
// process that comes up mid-window settles the current cycle right away, and
// the ledger's idempotency absorbs the duplicate when it was already done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler: starting", "interval", s.cfg.Interval)

	s.runOnce(ctx)

	for {
		w := cycle.Compute(s.clock.Now(), s.cfg.Interval)
		wait := w.End.Sub(s.clock.Now()) + s.cfg.BoundaryGrace
		s.log.Debug("scheduler: waiting for next cycle", "cycle_id", w.ID, "wait", wait)

		select {
		case <-ctx.Done():
			s.log.Info("scheduler: stopping")
			return ctx.Err()
		case <-s.clock.After(wait):
		}

		s.runOnce(ctx)
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	result := s.cfg.Runner.Run(ctx)
	switch {
	case result.NotConfigured:
		s.log.Debug("scheduler: run skipped, not configured", "cycle_id", result.Cycle.ID)
	case result.AlreadyExecuted:
		s.log.Debug("scheduler: cycle already executed", "cycle_id", result.Cycle.ID)
	case result.Error != "":
		s.log.Error("scheduler: run failed", "cycle_id", result.Cycle.ID, "error", result.Error)
	default:
		s.log.Info("scheduler: run complete", "cycle_id", result.Cycle.ID)
	}
}
