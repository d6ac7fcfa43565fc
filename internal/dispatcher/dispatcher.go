// Package dispatcher runs the long-lived crawler loops under one cancellation scope.
package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Runner is a loop that blocks until ctx is done. A nil return means a clean stop.
type Runner interface {
	Name() string
	Run(ctx context.Context) error
}

// Dispatcher fans out to a set of runners.
type Dispatcher struct {
	runners []Runner
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(runners []Runner, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{runners: runners, logger: logger.Named("dispatcher")}
}

// Run starts every runner and blocks until all have returned. The first runner to
// fail cancels the others and its error is returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	if len(d.runners) == 0 {
		return errors.New("dispatcher: no runners configured")
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range d.runners {
		g.Go(func() error {
			d.logger.Info("runner started", zap.String("runner", r.Name()))
			if err := r.Run(gctx); err != nil {
				d.logger.Error("runner failed", zap.String("runner", r.Name()), zap.Error(err))
				return fmt.Errorf("%s: %w", r.Name(), err)
			}
			d.logger.Info("runner stopped", zap.String("runner", r.Name()))
			return nil
		})
	}
	return g.Wait()
}
