// Package saga runs multi-step operations whose completed steps are undone
// when a later step fails. Gateway payments cannot join a database
// transaction, so replacing one is expressed as a saga.
package saga

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Step is one unit of work. Compensate may be nil when there is nothing to undo.
type Step struct {
	Name       string
	Execute    func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

// StepError reports which step failed and whether undoing the earlier
// steps succeeded.
type StepError struct {
	Saga  string
	Step  string
	Index int
	Err   error
	// CompensationErr joins the failures of compensating steps, if any.
	CompensationErr error
}

func (e *StepError) Error() string {
	if e.CompensationErr != nil {
		return fmt.Sprintf("saga %s: step %q failed (%v), compensation also failed: %v", e.Saga, e.Step, e.Err, e.CompensationErr)
	}
	return fmt.Sprintf("saga %s: step %q failed: %v", e.Saga, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

type Saga struct {
	name   string
	steps  []Step
	logger zerolog.Logger
}

func New(name string) *Saga {
	return &Saga{name: name, logger: zerolog.Nop()}
}

// WithLogger logs compensations to l.
func (s *Saga) WithLogger(l zerolog.Logger) *Saga {
	s.logger = l.With().Str("saga", s.name).Logger()
	return s
}

func (s *Saga) AddStep(step Step) *Saga {
	s.steps = append(s.steps, step)
	return s
}

// Execute runs the steps in order. When one fails, the steps before it are
// compensated newest first and a *StepError is returned.
func (s *Saga) Execute(ctx context.Context) error {
	for i, step := range s.steps {
		if err := step.Execute(ctx); err != nil {
			return &StepError{
				Saga:            s.name,
				Step:            step.Name,
				Index:           i,
				Err:             err,
				CompensationErr: s.compensate(ctx, i),
			}
		}
	}
	return nil
}

// FailedStep returns the index of the step err reports, or -1.
func FailedStep(err error) int {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr.Index
	}
	return -1
}

func (s *Saga) compensate(ctx context.Context, failed int) error {
	var errs []error
	for i := failed - 1; i >= 0; i-- {
		step := s.steps[i]
		if step.Compensate == nil {
			continue
		}
		s.logger.Warn().Str("step", step.Name).Msg("compensating saga step")
		if err := step.Compensate(ctx); err != nil {
			s.logger.Error().Err(err).Str("step", step.Name).Msg("saga compensation failed")
			errs = append(errs, fmt.Errorf("compensate step %q: %w", step.Name, err))
		}
	}
	return errors.Join(errs...)
}
