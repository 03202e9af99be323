package provisioning

import (
	"context"
	"errors"
	"fmt"

	"github.com/platinummonkey/idsync/pkg/observability"
)

// step is one saga action with an optional compensation that undoes it.
type step struct {
	name       string
	action     func(ctx context.Context) error
	compensate func(ctx context.Context) error
}

// saga runs steps in order. When a step fails, the compensations of the steps
// that already succeeded run in reverse order.
type saga struct {
	name    string
	steps   []step
	logger  *observability.Logger
	metrics *observability.Metrics
}

// StepError reports which step of a saga failed and how the unwind went.
type StepError struct {
	Saga string
	Step string
	Err  error
	// Unwound is true when at least one compensation ran.
	Unwound bool
	// CompensationErr joins every compensation failure.
	CompensationErr error
}

func (e *StepError) Error() string {
	if e.CompensationErr != nil {
		return fmt.Sprintf("%s saga failed at %s: %v (compensation failed: %v)", e.Saga, e.Step, e.Err, e.CompensationErr)
	}
	return fmt.Sprintf("%s saga failed at %s: %v", e.Saga, e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func (s *saga) run(ctx context.Context) error {
	completed := make([]step, 0, len(s.steps))
	for _, st := range s.steps {
		s.logger.WithField("step", st.name).Debug("Running saga step")
		if err := st.action(ctx); err != nil {
			stepErr := &StepError{Saga: s.name, Step: st.name, Err: err}
			stepErr.Unwound, stepErr.CompensationErr = s.unwind(ctx, completed)
			return stepErr
		}
		completed = append(completed, st)
	}
	return nil
}

// unwind compensates completed steps in reverse on a context that ignores
// ctx's cancellation.
func (s *saga) unwind(ctx context.Context, completed []step) (bool, error) {
	ctx = context.WithoutCancel(ctx)
	ran := false
	var errs []error
	for i := len(completed) - 1; i >= 0; i-- {
		st := completed[i]
		if st.compensate == nil {
			continue
		}
		ran = true
		log := s.logger.WithField("step", st.name)
		if err := st.compensate(ctx); err != nil {
			log.WithError(err).Error("Saga compensation failed")
			s.metrics.ObserveCompensation(s.name, "failed")
			errs = append(errs, fmt.Errorf("compensate %s: %w", st.name, err))
			continue
		}
		log.Info("Saga step compensated")
		s.metrics.ObserveCompensation(s.name, "success")
	}
	return ran, errors.Join(errs...)
}
