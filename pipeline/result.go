package pipeline

import "errors"

var (
	ErrRunFailed    = errors.New("pipeline: run failed")
	ErrRunLocked    = errors.New("pipeline: run is locked by another worker")
	ErrNoCheckpoint = errors.New("pipeline: no checkpoint for run")
)

type Status string

const (
	StatusCompleted Status = "completed"
	StatusPaused    Status = "paused"
	StatusFailed    Status = "failed"
)

// Result is the outcome of Run or Resume. Gate is set for paused results
// and Err for failed ones.
type Result struct {
	Status  Status
	Context Context
	Gate    string
	Err     error
}

func Completed(pc Context) Result {
	return Result{Status: StatusCompleted, Context: pc}
}

func Paused(pc Context, gate string) Result {
	return Result{Status: StatusPaused, Context: pc, Gate: gate}
}

func Failed(pc Context, err error) Result {
	if err == nil {
		err = ErrRunFailed
	}
	return Result{Status: StatusFailed, Context: pc, Err: err}
}
