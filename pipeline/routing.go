package pipeline

import "context"

// Condition decides whether an edge is taken.
type Condition func(ctx context.Context, pc Context) (bool, error)

func Always(_ context.Context, _ Context) (bool, error) { return true, nil }

// Approved holds when gate was approved or has no decision yet.
func Approved(gate string) Condition {
	return func(_ context.Context, pc Context) (bool, error) {
		v := pc.ApprovalOf(gate)
		return v == nil || *v, nil
	}
}

// Rejected holds only for an explicit rejection of gate.
func Rejected(gate string) Condition {
	return func(_ context.Context, pc Context) (bool, error) {
		v := pc.ApprovalOf(gate)
		return v != nil && !*v, nil
	}
}

// StageFailed holds when stage left its recoverable failure marker.
func StageFailed(stage string) Condition {
	marker := FailedMarker(stage)
	return func(_ context.Context, pc Context) (bool, error) {
		return pc.CurrentStage == marker, nil
	}
}

// HasOutput holds when the named output is present.
func HasOutput(key string) Condition {
	return func(_ context.Context, pc Context) (bool, error) {
		_, ok := pc.Output(key)
		return ok, nil
	}
}

func Not(c Condition) Condition {
	return func(ctx context.Context, pc Context) (bool, error) {
		ok, err := c(ctx, pc)
		if err != nil {
			return false, err
		}
		return !ok, nil
	}
}

func All(conds ...Condition) Condition {
	return func(ctx context.Context, pc Context) (bool, error) {
		for _, c := range conds {
			ok, err := c(ctx, pc)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	}
}
