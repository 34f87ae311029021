package pipeline

import (
	"context"
	"fmt"
)

// StageFunc runs one unit of pipeline work. It receives its own copy of the
// run context and returns the updated copy. A returned error aborts the
// run; recoverable problems are reported with Context.MarkFailed instead.
type StageFunc func(ctx context.Context, pc Context) (Context, error)

type Stage struct {
	Name      string
	Fn        StageFunc
	Interrupt bool
	OutputKey string
}

type StageOption func(*Stage)

// Interrupt flags the stage as a review gate: the run pauses after it
// completes until feedback for the gate is deposited.
func Interrupt() StageOption {
	return func(s *Stage) { s.Interrupt = true }
}

// OutputKey names the Context output and artifact the stage produces.
// It defaults to the stage name.
func OutputKey(key string) StageOption {
	return func(s *Stage) {
		if key != "" {
			s.OutputKey = key
		}
	}
}

// Passthrough is a stage that only returns its input, used for review
// gates that present existing output.
func Passthrough(_ context.Context, pc Context) (Context, error) {
	return pc, nil
}

// PanicError wraps a value recovered from a panicking stage.
type PanicError struct {
	Stage string
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("stage %q panicked: %v", e.Stage, e.Value)
}

func (s Stage) call(ctx context.Context, pc Context) (out Context, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Stage: s.Name, Value: r}
		}
	}()
	return s.Fn(ctx, pc)
}
