package installer

import (
	"errors"
	"fmt"

	"github.com/turnuphosting/latest-varnish/internal/steps"
)

var (
	ErrPrecondition              = errors.New("precondition failed")
	ErrPackageManagerUnavailable = errors.New("package manager unavailable")
	ErrConfigValidationFailed    = errors.New("configuration validation failed")
	ErrServiceStartFailed        = errors.New("service start failed")
	ErrPortConflict              = errors.New("port conflict")
	ErrAutomationUnavailable     = errors.New("automation tool unavailable")
)

// StepError ties a failure to the step that produced it.
type StepError struct {
	Kind steps.Kind
	Step steps.State
	Err  error
}

func (e *StepError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Step, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Is matches the sentinel for the error kind, so callers can test
// errors.Is(err, ErrPortConflict) without knowing the wrapped cause.
func (e *StepError) Is(target error) bool {
	switch e.Kind {
	case steps.KindPrecondition:
		return target == ErrPrecondition
	case steps.KindPackageManagerUnavailable:
		return target == ErrPackageManagerUnavailable
	case steps.KindConfigValidationFailed:
		return target == ErrConfigValidationFailed
	case steps.KindServiceStartFailed:
		return target == ErrServiceStartFailed
	case steps.KindPortConflict:
		return target == ErrPortConflict
	}
	return false
}

func precondition(format string, args ...any) error {
	return &StepError{Kind: steps.KindPrecondition, Step: steps.Prepared, Err: fmt.Errorf(format, args...)}
}

// classify returns the step and kind carried by err, defaulting to a
// strategy failure at step.
func classify(err error, step steps.State) (steps.State, steps.Kind) {
	var se *StepError
	if errors.As(err, &se) {
		if se.Step != "" {
			step = se.Step
		}
		if se.Kind != steps.KindNone {
			return step, se.Kind
		}
	}
	return step, steps.KindStrategyFailed
}
