package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/PipeOpsHQ/course-builder-go/observe"
	"github.com/PipeOpsHQ/course-builder-go/state"
	"github.com/PipeOpsHQ/course-builder-go/state/memory"
	"github.com/PipeOpsHQ/course-builder-go/types"
)

const (
	DefaultMaxRejections = 3
	defaultLockTTL       = 30 * time.Minute
)

// Engine executes a compiled Registry against a run context, checkpointing
// after every stage and pausing after review gates.
type Engine struct {
	registry      *Registry
	store         state.Store
	observer      observe.Sink
	maxRejections int
	disabledGates map[string]bool
	lockTTL       time.Duration
	now           func() time.Time
}

type Option func(*Engine)

func WithStore(store state.Store) Option {
	return func(e *Engine) {
		if store != nil {
			e.store = store
		}
	}
}

func WithObserver(observer observe.Sink) Option {
	return func(e *Engine) { e.observer = observer }
}

// WithMaxRejections caps how often a gate may be rejected before its
// current output is accepted. A negative value removes the cap.
func WithMaxRejections(n int) Option {
	return func(e *Engine) { e.maxRejections = n }
}

// WithDisabledGates runs the named gates as ordinary stages.
func WithDisabledGates(gates ...string) Option {
	return func(e *Engine) {
		for _, g := range gates {
			e.disabledGates[g] = true
		}
	}
}

func WithLockTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.lockTTL = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func NewEngine(registry *Registry, opts ...Option) (*Engine, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if err := registry.Compile(); err != nil {
		return nil, err
	}
	e := &Engine{
		registry:      registry,
		maxRejections: DefaultMaxRejections,
		disabledGates: map[string]bool{},
		lockTTL:       defaultLockTTL,
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.store == nil {
		e.store = memory.New()
	}
	return e, nil
}

func (e *Engine) Registry() *Registry { return e.registry }

func (e *Engine) Store() state.Store { return e.store }

// Run starts a fresh execution of pc from the registry's start stage.
func (e *Engine) Run(ctx context.Context, pc Context) Result {
	if pc.RunID == "" {
		pc.RunID = NewRunID()
	}
	pc.ensure()
	if pc.StartedAt.IsZero() {
		pc.StartedAt = e.now()
	}
	pc.UpdatedAt = e.now()

	unlock, err := e.lock(ctx, pc.RunID)
	if err != nil {
		return Failed(pc, err)
	}
	defer unlock()

	seq, err := e.nextSeq(ctx, pc.RunID)
	if err != nil {
		return Failed(pc, err)
	}
	e.emit(ctx, pc, types.Event{Type: types.EventWorkflowStarted, Message: "pipeline run started"})
	return e.execute(ctx, pc, e.registry.Start(), seq)
}

// Resume continues runID from its latest checkpoint. A paused run only
// moves on once feedback for its gate has been deposited; completed runs
// are returned untouched and failed runs stay failed.
func (e *Engine) Resume(ctx context.Context, runID string) Result {
	if runID == "" {
		return Failed(Context{}, fmt.Errorf("runID is required"))
	}
	unlock, err := e.lock(ctx, runID)
	if err != nil {
		return Failed(Context{RunID: runID}, err)
	}
	defer unlock()

	cp, err := e.store.LoadLatestCheckpoint(ctx, runID)
	if errors.Is(err, state.ErrNotFound) {
		return Failed(Context{RunID: runID}, fmt.Errorf("%w: %s", ErrNoCheckpoint, runID))
	}
	if err != nil {
		return Failed(Context{RunID: runID}, err)
	}
	snap, err := restoreSnapshot(cp.State)
	if err != nil {
		return Failed(Context{RunID: runID}, err)
	}
	pc := snap.Context
	seq := cp.Seq + 1

	switch snap.Status {
	case state.RunStatusCompleted:
		return Completed(pc)
	case state.RunStatusFailed:
		reason := "run is terminal"
		if run, err := e.store.LoadRun(ctx, runID); err == nil && run.Error != "" {
			reason = run.Error
		}
		return Failed(pc, fmt.Errorf("%w: %s", ErrRunFailed, reason))
	case state.RunStatusPaused:
		return e.resumeGate(ctx, pc, seq)
	}

	e.emit(ctx, pc, types.Event{Type: types.EventWorkflowResumed, Stage: snap.NextStage, Message: "pipeline run resumed"})
	if snap.NextStage == "" {
		return e.complete(ctx, pc, pc.CurrentStage, seq)
	}
	return e.execute(ctx, pc, snap.NextStage, seq)
}

func (e *Engine) resumeGate(ctx context.Context, pc Context, seq int) Result {
	gate := pc.PausedAt
	if gate == "" {
		found, err := e.scanInterrupts(ctx, pc.RunID)
		if err != nil {
			return Failed(pc, err)
		}
		if found == "" {
			return Failed(pc, fmt.Errorf("run %s is paused but no gate is pending", pc.RunID))
		}
		gate = found
	}

	fb, err := e.store.PeekFeedback(ctx, pc.RunID, gate)
	if errors.Is(err, state.ErrNotFound) {
		return Paused(pc, gate)
	}
	if err != nil {
		return Failed(pc, err)
	}
	decision, err := ParseFeedback(fb.Payload)
	if err != nil {
		log.Printf("[engine] run=%s gate=%s discarding feedback: %v", pc.RunID, gate, err)
		if err := e.store.DeleteFeedback(ctx, pc.RunID, gate); err != nil {
			return Failed(pc, err)
		}
		return Paused(pc, gate)
	}

	e.emit(ctx, pc, types.Event{Type: types.EventWorkflowResumed, Gate: gate, Message: "pipeline run resumed"})
	e.emit(ctx, pc, types.Event{Type: types.EventFeedbackReceived, Gate: gate, Message: decision.Comment})

	ApplyFeedback(&pc, gate, decision)
	if decision.Rejected() && e.maxRejections >= 0 && pc.Rejections[gate] > e.maxRejections {
		pc.SetApproval(gate, Bool(true))
		pc.AddError("%s rejected %d times; accepting current output", gate, pc.Rejections[gate])
	}
	pc.PausedAt = ""
	pc.UpdatedAt = e.now()

	wctx := context.WithoutCancel(ctx)
	next, err := e.registry.Next(wctx, gate, pc)
	if err != nil {
		return e.fail(wctx, pc, gate, seq, err)
	}
	status := state.RunStatusRunning
	if next == "" {
		status = state.RunStatusCompleted
	}
	if err := e.checkpoint(wctx, pc, seq, gate, next, status); err != nil {
		return e.fail(wctx, pc, gate, seq, err)
	}
	seq++

	if err := e.store.DeleteArtifact(wctx, pc.RunID, state.InterruptKey(gate)); err != nil {
		return e.fail(wctx, pc, gate, seq, err)
	}
	if err := e.store.DeleteFeedback(wctx, pc.RunID, gate); err != nil {
		return e.fail(wctx, pc, gate, seq, err)
	}
	e.emit(wctx, pc, types.Event{
		Type: types.EventGateResolved,
		Gate: gate,
		Payload: map[string]any{
			"approved":   approvalValue(pc.ApprovalOf(gate)),
			"rejections": pc.Rejections[gate],
			"next":       next,
		},
	})

	if next == "" {
		return e.finish(wctx, pc)
	}
	return e.execute(ctx, pc, next, seq)
}

func (e *Engine) execute(ctx context.Context, pc Context, stageName string, seq int) Result {
	// Cancellation is only observed between stages. Once a stage starts,
	// everything it produces is persisted.
	wctx := context.WithoutCancel(ctx)
	if err := e.persistRun(wctx, pc, state.RunStatusRunning, nil); err != nil {
		return Failed(pc, err)
	}

	for stageName != "" {
		if err := ctx.Err(); err != nil {
			return e.cancel(ctx, pc, stageName, seq, err)
		}
		stage, ok := e.registry.Stage(stageName)
		if !ok {
			return e.fail(wctx, pc, stageName, seq, fmt.Errorf("stage %q does not exist", stageName))
		}

		pc.CurrentStage = stageName
		pc.UpdatedAt = e.now()
		if err := e.progress(wctx, pc.RunID, stageName, state.ProgressStarted, nil); err != nil {
			return e.fail(wctx, pc, stageName, seq, err)
		}
		e.emit(wctx, pc, types.Event{Type: types.EventStageStarted, Stage: stageName})

		in, err := pc.Clone()
		if err != nil {
			return e.fail(wctx, pc, stageName, seq, err)
		}
		started := time.Now()
		out, err := stage.call(wctx, in)
		elapsed := time.Since(started).Milliseconds()
		if err != nil {
			_ = e.progress(wctx, pc.RunID, stageName, state.ProgressError, map[string]any{"error": err.Error()})
			e.emit(wctx, pc, types.Event{
				Type:    types.EventStageFailed,
				Stage:   stageName,
				Error:   err.Error(),
				Payload: map[string]any{"durationMs": elapsed, "fatal": true},
			})
			return e.fail(wctx, pc, stageName, seq, fmt.Errorf("stage %q failed: %w", stageName, err))
		}
		pc = e.adopt(pc, out, stageName)

		if err := e.saveOutput(wctx, pc, stage); err != nil {
			return e.fail(wctx, pc, stageName, seq, err)
		}
		if pc.CurrentStage == FailedMarker(stageName) {
			details := map[string]any{"recoverable": true}
			if n := len(pc.Errors); n > 0 {
				details["error"] = pc.Errors[n-1]
			}
			if err := e.progress(wctx, pc.RunID, stageName, state.ProgressError, details); err != nil {
				return e.fail(wctx, pc, stageName, seq, err)
			}
			e.emit(wctx, pc, types.Event{
				Type:    types.EventStageFailed,
				Stage:   stageName,
				Error:   fmt.Sprint(details["error"]),
				Payload: map[string]any{"durationMs": elapsed, "fatal": false},
			})
		} else {
			if err := e.progress(wctx, pc.RunID, stageName, state.ProgressCompleted, nil); err != nil {
				return e.fail(wctx, pc, stageName, seq, err)
			}
			e.emit(wctx, pc, types.Event{
				Type:    types.EventStageCompleted,
				Stage:   stageName,
				Payload: map[string]any{"durationMs": elapsed},
			})
		}

		if stage.Interrupt && !e.disabledGates[stageName] {
			return e.pause(wctx, pc, stageName, seq)
		}

		next, err := e.registry.Next(wctx, stageName, pc)
		if err != nil {
			return e.fail(wctx, pc, stageName, seq, err)
		}
		if next == "" {
			return e.complete(wctx, pc, stageName, seq)
		}
		if err := e.checkpoint(wctx, pc, seq, stageName, next, state.RunStatusRunning); err != nil {
			return e.fail(wctx, pc, stageName, seq, err)
		}
		seq++
		stageName = next
	}
	return e.complete(wctx, pc, pc.CurrentStage, seq)
}

// adopt takes the context a stage returned, keeping the fields a stage
// may not change.
func (e *Engine) adopt(prev, out Context, stageName string) Context {
	out.ensure()
	out.RunID = prev.RunID
	out.SessionID = prev.SessionID
	out.Inputs = prev.Inputs
	out.StartedAt = prev.StartedAt
	out.Errors = appendOnly(prev.Errors, out.Errors)
	if out.CurrentStage == "" {
		out.CurrentStage = stageName
	}
	out.UpdatedAt = e.now()
	return out
}

// appendOnly keeps prev as the head of the error list. Entries a stage
// rewrote or dropped are restored and only its additions are kept.
func appendOnly(prev, out []string) []string {
	n := 0
	for n < len(prev) && n < len(out) && prev[n] == out[n] {
		n++
	}
	if n == len(prev) {
		return out
	}
	merged := append([]string{}, prev...)
	if len(out) > len(prev) {
		merged = append(merged, out[len(prev):]...)
	}
	return merged
}

func (e *Engine) saveOutput(ctx context.Context, pc Context, stage Stage) error {
	value, ok := pc.Output(stage.OutputKey)
	if !ok {
		return nil
	}
	data, ok := value.(map[string]any)
	if !ok {
		data = map[string]any{"value": value}
	}
	return e.store.SaveArtifact(ctx, state.ArtifactRecord{
		StepName:  stage.OutputKey,
		RunID:     pc.RunID,
		Timestamp: e.now(),
		Data:      data,
	})
}

func (e *Engine) pause(ctx context.Context, pc Context, gate string, seq int) Result {
	pc.PausedAt = gate
	snapshot, err := pc.Map()
	if err != nil {
		return e.fail(ctx, pc, gate, seq, err)
	}
	err = e.store.SaveArtifact(ctx, state.ArtifactRecord{
		StepName:  state.InterruptKey(gate),
		RunID:     pc.RunID,
		Timestamp: e.now(),
		Data: map[string]any{
			"gate":              gate,
			"state_snapshot":    snapshot,
			"requires_feedback": true,
		},
	})
	if err != nil {
		return e.fail(ctx, pc, gate, seq, err)
	}
	if err := e.checkpoint(ctx, pc, seq, gate, "", state.RunStatusPaused); err != nil {
		return e.fail(ctx, pc, gate, seq, err)
	}
	if err := e.persistRun(ctx, pc, state.RunStatusPaused, nil); err != nil {
		return Failed(pc, err)
	}
	e.emit(ctx, pc, types.Event{Type: types.EventGateInterrupted, Gate: gate, Message: "awaiting feedback"})
	e.emit(ctx, pc, types.Event{Type: types.EventWorkflowPaused, Message: "pipeline paused at " + gate})
	return Paused(pc, gate)
}

func (e *Engine) complete(ctx context.Context, pc Context, last string, seq int) Result {
	if err := e.checkpoint(ctx, pc, seq, last, "", state.RunStatusCompleted); err != nil {
		return e.fail(ctx, pc, last, seq, err)
	}
	return e.finish(ctx, pc)
}

func (e *Engine) finish(ctx context.Context, pc Context) Result {
	if err := e.persistRun(ctx, pc, state.RunStatusCompleted, nil); err != nil {
		return Failed(pc, err)
	}
	e.emit(ctx, pc, types.Event{Type: types.EventWorkflowCompleted, Message: "pipeline run completed"})
	return Completed(pc)
}

func (e *Engine) fail(ctx context.Context, pc Context, stage string, seq int, runErr error) Result {
	pc.AddError("%v", runErr)
	if err := e.checkpoint(ctx, pc, seq, stage, stage, state.RunStatusFailed); err != nil {
		log.Printf("[engine] run=%s failure checkpoint failed: %v", pc.RunID, err)
	}
	if err := e.persistRun(ctx, pc, state.RunStatusFailed, runErr); err != nil {
		log.Printf("[engine] run=%s failure record failed: %v", pc.RunID, err)
	}
	e.emit(ctx, pc, types.Event{Type: types.EventWorkflowFailed, Stage: stage, Error: runErr.Error(), Message: "pipeline run failed"})
	return Failed(pc, fmt.Errorf("%w: %w", ErrRunFailed, runErr))
}

// cancel stops before stage. The checkpoint points at stage so a later
// Resume picks up where the run stopped.
func (e *Engine) cancel(ctx context.Context, pc Context, stage string, seq int, cause error) Result {
	bg := context.WithoutCancel(ctx)
	if err := e.checkpoint(bg, pc, seq, pc.CurrentStage, stage, state.RunStatusRunning); err != nil {
		log.Printf("[engine] run=%s cancel checkpoint failed: %v", pc.RunID, err)
	}
	if err := e.persistRun(bg, pc, state.RunStatusCanceled, cause); err != nil {
		log.Printf("[engine] run=%s cancel record failed: %v", pc.RunID, err)
	}
	e.emit(bg, pc, types.Event{Type: types.EventWorkflowCanceled, Stage: stage, Error: cause.Error()})
	return Failed(pc, cause)
}

func (e *Engine) checkpoint(ctx context.Context, pc Context, seq int, stage, next, status string) error {
	snapshot, err := pc.snapshot(next, status)
	if err != nil {
		return err
	}
	err = e.store.SaveCheckpoint(ctx, state.CheckpointRecord{
		RunID:     pc.RunID,
		Seq:       seq,
		Stage:     stage,
		State:     snapshot,
		CreatedAt: e.now(),
	})
	if err != nil {
		return fmt.Errorf("save checkpoint %d: %w", seq, err)
	}
	e.emitObserved(ctx, observe.Event{
		RunID:     pc.RunID,
		SessionID: pc.SessionID,
		Kind:      observe.KindCheckpoint,
		Status:    observe.StatusCompleted,
		Name:      stage,
		Stage:     stage,
		Attributes: map[string]any{
			"seq":       seq,
			"nextStage": next,
			"status":    status,
		},
	})
	return nil
}

func (e *Engine) progress(ctx context.Context, runID, stage, status string, details map[string]any) error {
	_, err := e.store.AppendProgress(ctx, state.ProgressEntry{
		RunID:     runID,
		Stage:     stage,
		Status:    status,
		Timestamp: e.now(),
		Details:   details,
	})
	if err != nil {
		return fmt.Errorf("append progress: %w", err)
	}
	return nil
}

func (e *Engine) persistRun(ctx context.Context, pc Context, status string, runErr error) error {
	now := e.now()
	createdAt := pc.StartedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	run := state.RunRecord{
		RunID:        pc.RunID,
		SessionID:    pc.SessionID,
		Pipeline:     e.registry.Name(),
		Status:       status,
		CurrentStage: pc.CurrentStage,
		PausedAt:     pc.PausedAt,
		Metadata: map[string]any{
			"errors": len(pc.Errors),
		},
		CreatedAt: &createdAt,
		UpdatedAt: &now,
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	switch status {
	case state.RunStatusCompleted, state.RunStatusFailed:
		run.CompletedAt = &now
	}
	return e.store.SaveRun(ctx, run)
}

func (e *Engine) nextSeq(ctx context.Context, runID string) (int, error) {
	cp, err := e.store.LoadLatestCheckpoint(ctx, runID)
	if errors.Is(err, state.ErrNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return cp.Seq + 1, nil
}

func (e *Engine) lock(ctx context.Context, runID string) (func(), error) {
	locker, ok := e.store.(state.RunLocker)
	if !ok {
		return func() {}, nil
	}
	owner := uuid.NewString()
	acquired, err := locker.AcquireRunLock(ctx, runID, owner, e.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !acquired {
		return nil, fmt.Errorf("%w: %s", ErrRunLocked, runID)
	}
	return func() {
		if err := locker.ReleaseRunLock(context.WithoutCancel(ctx), runID, owner); err != nil {
			log.Printf("[engine] run=%s release lock failed: %v", runID, err)
		}
	}, nil
}

func (e *Engine) emit(ctx context.Context, pc Context, event types.Event) {
	if e.observer == nil {
		return
	}
	event.Timestamp = e.now()
	event.RunID = pc.RunID
	event.SessionID = pc.SessionID
	e.emitObserved(ctx, observe.FromRuntimeEvent(event))
}

func (e *Engine) emitObserved(ctx context.Context, event observe.Event) {
	if e.observer == nil {
		return
	}
	if err := e.observer.Emit(ctx, event); err != nil {
		log.Printf("[engine] run=%s observer emit failed: %v", event.RunID, err)
	}
}

func approvalValue(v *bool) any {
	if v == nil {
		return nil
	}
	return *v
}
