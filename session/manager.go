// Package session runs independent pipeline runs behind caller-facing
// sessions on a bounded worker pool.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/PipeOpsHQ/course-builder-go/observe"
	eventstore "github.com/PipeOpsHQ/course-builder-go/observe/store"
	"github.com/PipeOpsHQ/course-builder-go/pipeline"
	"github.com/PipeOpsHQ/course-builder-go/state"
	"github.com/PipeOpsHQ/course-builder-go/types"
)

const DefaultWorkers = 2

type Config struct {
	Engine *pipeline.Engine
	// Store holds artifacts, progress and feedback. Defaults to the
	// engine's store.
	Store state.Store
	// Log records the session interaction history.
	Log      eventstore.Store
	Observer observe.Sink
	Workers  int

	Validate     func(map[string]any) (map[string]any, error)
	Summarize    func(pipeline.Context) map[string]any
	Clarify      func(known map[string]any, userMessages []string) string
	ArtifactKeys []string
	SystemPrompt string
}

type session struct {
	mu     sync.Mutex
	state  State
	active bool
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *session) snapshot() State {
	out := s.state
	out.Messages = append([]types.Message(nil), s.state.Messages...)
	out.Summary = copyMap(s.state.Summary)
	out.Requirements = copyMap(s.state.Requirements)
	return out
}

func (s *session) appendMessage(role types.Role, content string, metadata map[string]any) {
	msg := types.NewMessage(role, content, metadata)
	s.state.Messages = append(s.state.Messages, msg)
	s.state.UpdatedAt = msg.Timestamp
}

type Manager struct {
	cfg    Config
	store  state.Store
	sink   observe.Sink
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	ctx    context.Context
	stop   context.CancelFunc
	mu     sync.RWMutex
	items  map[string]*session
	closed bool
}

func New(cfg Config) (*Manager, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if cfg.Store == nil {
		cfg.Store = cfg.Engine.Store()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Validate == nil {
		cfg.Validate = func(in map[string]any) (map[string]any, error) { return in, nil }
	}
	if cfg.Summarize == nil {
		cfg.Summarize = func(pc pipeline.Context) map[string]any { return map[string]any{"outputs": len(pc.Outputs)} }
	}
	if cfg.Clarify == nil {
		cfg.Clarify = func(map[string]any, []string) string {
			return "Send the requirements with the generate action to start."
		}
	}
	var sinks []observe.Sink
	if cfg.Log != nil {
		sinks = append(sinks, eventstore.Sink(cfg.Log))
	}
	sinks = append(sinks, cfg.Observer)

	ctx, stop := context.WithCancel(context.Background())
	return &Manager{
		cfg:   cfg,
		store: cfg.Store,
		sink:  observe.NewMultiSink(sinks...),
		sem:   semaphore.NewWeighted(int64(cfg.Workers)),
		ctx:   ctx,
		stop:  stop,
		items: map[string]*session{},
	}, nil
}

func (m *Manager) CreateSession(ctx context.Context, title string) State {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "Untitled Course"
	}
	now := time.Now().UTC()
	s := &session{state: State{
		SessionID: uuid.NewString(),
		RunID:     pipeline.NewRunID(),
		Title:     title,
		Status:    StatusAwaitingRequirements,
		Messages:  []types.Message{},
		Summary:   map[string]any{},
		CreatedAt: now,
		UpdatedAt: now,
	}}
	if m.cfg.SystemPrompt != "" {
		s.appendMessage(types.RoleSystem, m.cfg.SystemPrompt, nil)
	}

	m.mu.Lock()
	m.items[s.state.SessionID] = s
	m.mu.Unlock()

	snap := s.snapshot()
	m.emit(ctx, snap, types.Event{Type: types.EventSessionCreated, Payload: map[string]any{"title": title}})
	return snap
}

func (m *Manager) lookup(id string) (*session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

func (m *Manager) Get(id string) (State, error) {
	s, err := m.lookup(id)
	if err != nil {
		return State{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(), nil
}

// List returns every session, oldest first.
func (m *Manager) List() []State {
	m.mu.RLock()
	items := make([]*session, 0, len(m.items))
	for _, s := range m.items {
		items = append(items, s)
	}
	m.mu.RUnlock()

	out := make([]State, 0, len(items))
	for _, s := range items {
		s.mu.Lock()
		out = append(out, s.snapshot())
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Submit validates requirements and starts the session's run.
func (m *Manager) Submit(ctx context.Context, id string, requirements map[string]any) (State, error) {
	return m.submit(ctx, id, requirements, "")
}

func (m *Manager) submit(ctx context.Context, id string, requirements map[string]any, notice string) (State, error) {
	s, err := m.lookup(id)
	if err != nil {
		return State{}, err
	}
	if requirements == nil {
		return State{}, fmt.Errorf("%w: requirements are required", ErrValidation)
	}
	normalized, err := m.cfg.Validate(requirements)
	if err != nil {
		return State{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	s.mu.Lock()
	if err := m.checkIdle(s); err != nil {
		s.mu.Unlock()
		return State{}, err
	}
	if s.state.Status != StatusAwaitingRequirements {
		s.mu.Unlock()
		return State{}, fmt.Errorf("%w: session %s already has a run (%s)", ErrConflict, id, s.state.Status)
	}
	pc := pipeline.NewContext(s.state.RunID)
	pc.SessionID = s.state.SessionID
	if err := pc.SetInputs(normalized); err != nil {
		s.mu.Unlock()
		return State{}, err
	}
	s.state.Status = StatusRunning
	s.state.Requirements = copyMap(normalized)
	s.state.LastError = ""
	s.state.UpdatedAt = time.Now().UTC()
	if notice != "" {
		s.appendMessage(types.RoleAssistant, notice, map[string]any{"type": "workflow_launch"})
	}
	m.launch(s, func(ctx context.Context) pipeline.Result { return m.cfg.Engine.Run(ctx, pc) })
	snap := s.snapshot()
	s.mu.Unlock()

	m.emit(ctx, snap, statusEvent(snap))
	return snap, nil
}

// PostMessage records a user message and acts on it. The generate action
// starts the run; anything else gets a conversational reply.
func (m *Manager) PostMessage(ctx context.Context, id string, msg Message) (State, error) {
	s, err := m.lookup(id)
	if err != nil {
		return State{}, err
	}
	action := normalizeAction(msg.Action)

	s.mu.Lock()
	s.appendMessage(types.RoleUser, msg.Message, map[string]any{"action": action})
	snap := s.snapshot()
	s.mu.Unlock()
	m.emit(ctx, snap, types.Event{
		Type:    types.EventMessageReceived,
		Message: msg.Message,
		Payload: map[string]any{"action": action},
	})

	if action == ActionGenerate {
		if msg.Requirements == nil {
			return State{}, fmt.Errorf("%w: requirements are required to generate a course", ErrValidation)
		}
		return m.submit(ctx, id, msg.Requirements, "Spinning up the course builder pipeline now. I'll keep you updated.")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	userMessages := make([]string, 0, len(s.state.Messages))
	for _, message := range s.state.Messages {
		if message.Role == types.RoleUser {
			userMessages = append(userMessages, message.Content)
		}
	}
	s.appendMessage(types.RoleAssistant, m.cfg.Clarify(s.state.Requirements, userMessages), nil)
	return s.snapshot(), nil
}

// Resume re-enters the engine for a paused or canceled run.
func (m *Manager) Resume(ctx context.Context, id string) (State, error) {
	s, err := m.lookup(id)
	if err != nil {
		return State{}, err
	}
	s.mu.Lock()
	if err := m.checkIdle(s); err != nil {
		s.mu.Unlock()
		return State{}, err
	}
	switch s.state.Status {
	case StatusRunning, StatusCanceled:
	default:
		status := s.state.Status
		s.mu.Unlock()
		return State{}, fmt.Errorf("%w: session %s is %s", ErrConflict, id, status)
	}
	runID := s.state.RunID
	s.state.Status = StatusRunning
	s.state.AwaitingFeedback = ""
	s.state.UpdatedAt = time.Now().UTC()
	m.launch(s, func(ctx context.Context) pipeline.Result { return m.cfg.Engine.Resume(ctx, runID) })
	snap := s.snapshot()
	s.mu.Unlock()

	m.emit(ctx, snap, statusEvent(snap))
	return snap, nil
}

// DepositFeedback records a reviewer decision for gate. An empty gate
// targets the gate the session is waiting on.
func (m *Manager) DepositFeedback(ctx context.Context, id, gate string, payload any) (State, error) {
	s, err := m.lookup(id)
	if err != nil {
		return State{}, err
	}
	decision, err := pipeline.ParseFeedback(payload)
	if err != nil {
		return State{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gate == "" {
		gate = s.state.AwaitingFeedback
	}
	if gate == "" {
		return State{}, fmt.Errorf("%w: gate is required", ErrValidation)
	}
	if !m.knownGate(gate) {
		return State{}, fmt.Errorf("%w: unknown gate %q", ErrValidation, gate)
	}
	if s.state.Status != StatusRunning && s.state.Status != StatusCanceled {
		return State{}, fmt.Errorf("%w: session %s is %s", ErrConflict, id, s.state.Status)
	}

	err = m.store.DepositFeedback(ctx, state.FeedbackRecord{
		RunID:     s.state.RunID,
		Gate:      gate,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return State{}, fmt.Errorf("deposit feedback: %w", err)
	}
	s.appendMessage(types.RoleUser, feedbackText(gate, decision), map[string]any{"type": "feedback", "gate": gate})
	snap := s.snapshot()
	m.emit(ctx, snap, types.Event{
		Type:    types.EventFeedbackDeposited,
		Gate:    gate,
		Message: decision.Comment,
		Payload: map[string]any{"approved": decision.Approved != nil && *decision.Approved, "decided": decision.Approved != nil},
	})
	return snap, nil
}

// Cancel asks the active worker to stop at the next stage boundary.
func (m *Manager) Cancel(ctx context.Context, id string) (State, error) {
	s, err := m.lookup(id)
	if err != nil {
		return State{}, err
	}
	s.mu.Lock()
	if !s.active || s.cancel == nil {
		s.mu.Unlock()
		return State{}, fmt.Errorf("%w: session %s has no active run", ErrConflict, id)
	}
	s.cancel()
	snap := s.snapshot()
	s.mu.Unlock()

	m.emit(ctx, snap, types.Event{Type: types.EventCancelRequested, Message: "cancel requested"})
	return snap, nil
}

func (m *Manager) Progress(ctx context.Context, id string) (Progress, error) {
	snap, err := m.Get(id)
	if err != nil {
		return Progress{}, err
	}
	steps, err := m.store.ListProgress(ctx, snap.RunID)
	if err != nil {
		return Progress{}, fmt.Errorf("list progress: %w", err)
	}
	out := Progress{Steps: steps, Total: len(steps)}
	for _, step := range steps {
		if step.Status == state.ProgressCompleted {
			out.Completed++
		}
	}
	if len(steps) > 0 {
		last := steps[len(steps)-1]
		out.Last = &last
	}
	return out, nil
}

// Artifacts returns the latest artifact per well-known key and any
// pending interrupt records.
func (m *Manager) Artifacts(ctx context.Context, id string) (map[string]any, error) {
	snap, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	keys := append([]string(nil), m.cfg.ArtifactKeys...)
	for _, gate := range m.cfg.Engine.Registry().Gates() {
		keys = append(keys, state.InterruptKey(gate))
	}
	out := map[string]any{}
	for _, key := range keys {
		artifact, err := m.store.LoadArtifact(ctx, snap.RunID, key)
		if errors.Is(err, state.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load artifact %s: %w", key, err)
		}
		out[key] = artifact.Data
	}
	return out, nil
}

// History returns the interaction log for a session, optionally limited to
// some event kinds.
func (m *Manager) History(ctx context.Context, id string, limit int, kinds ...observe.Kind) ([]observe.Event, error) {
	if _, err := m.lookup(id); err != nil {
		return nil, err
	}
	if m.cfg.Log == nil {
		return []observe.Event{}, nil
	}
	return m.cfg.Log.ListEventsBySession(ctx, id, eventstore.ListQuery{Limit: limit, Kinds: kinds})
}

// Wait blocks until the session has no active worker.
func (m *Manager) Wait(ctx context.Context, id string) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work and waits for active workers. When ctx ends
// first, workers are canceled at their next stage boundary.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		m.stop()
		return nil
	case <-ctx.Done():
		m.stop()
		<-finished
		return ctx.Err()
	}
}

func (m *Manager) checkIdle(s *session) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if s.active {
		return fmt.Errorf("%w: session %s already has an active run", ErrConflict, s.state.SessionID)
	}
	return nil
}

// launch hands job to the pool. Callers hold s.mu.
func (m *Manager) launch(s *session, job func(context.Context) pipeline.Result) {
	ctx, cancel := context.WithCancel(m.ctx)
	done := make(chan struct{})
	s.active = true
	s.cancel = cancel
	s.done = done

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(done)
		defer cancel()

		var res pipeline.Result
		if err := m.sem.Acquire(ctx, 1); err != nil {
			res = pipeline.Failed(pipeline.Context{}, err)
		} else {
			res = m.run(ctx, job)
			m.sem.Release(1)
		}
		m.finish(s, res)
	}()
}

func (m *Manager) run(ctx context.Context, job func(context.Context) pipeline.Result) (res pipeline.Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[session] worker panic: %v", r)
			res = pipeline.Failed(pipeline.Context{}, fmt.Errorf("worker panic: %v", r))
		}
	}()
	return job(ctx)
}

func (m *Manager) finish(s *session, res pipeline.Result) {
	s.mu.Lock()
	s.active = false
	s.cancel = nil

	switch res.Status {
	case pipeline.StatusCompleted:
		s.state.Status = StatusCompleted
		s.state.AwaitingFeedback = ""
		s.state.Summary = m.cfg.Summarize(res.Context)
		s.appendMessage(types.RoleAssistant,
			"Course generation finished. Use the artifacts view to explore the results.",
			map[string]any{"type": "workflow_complete"})
	case pipeline.StatusPaused:
		s.state.Status = StatusRunning
		s.state.AwaitingFeedback = res.Gate
		s.appendMessage(types.RoleAssistant,
			fmt.Sprintf("Review needed at %s. Send feedback to continue.", res.Gate),
			map[string]any{"type": "awaiting_feedback", "gate": res.Gate})
	default:
		if errors.Is(res.Err, context.Canceled) {
			s.state.Status = StatusCanceled
			s.appendMessage(types.RoleAssistant, "Course generation was canceled. Resume to continue.",
				map[string]any{"type": "canceled"})
			break
		}
		errText := "unknown error"
		if res.Err != nil {
			errText = res.Err.Error()
		}
		s.state.Status = StatusError
		s.state.LastError = errText
		s.state.AwaitingFeedback = ""
		s.appendMessage(types.RoleAssistant,
			"Something went wrong while generating the course: "+errText,
			map[string]any{"type": "error"})
	}
	snap := s.snapshot()
	s.mu.Unlock()

	log.Printf("[session] session=%s run=%s finished status=%s", snap.SessionID, snap.RunID, snap.Status)
	m.emit(context.Background(), snap, statusEvent(snap))
}

// statusEvent records a session status transition. Run and stage events
// come from the engine's own observer.
func statusEvent(snap State) types.Event {
	return types.Event{
		Type:    types.EventSessionStatus,
		Gate:    snap.AwaitingFeedback,
		Error:   snap.LastError,
		Message: snap.Status,
		Payload: map[string]any{"status": snap.Status},
	}
}

func (m *Manager) knownGate(gate string) bool {
	for _, g := range m.cfg.Engine.Registry().Gates() {
		if g == gate {
			return true
		}
	}
	return false
}

func (m *Manager) emit(ctx context.Context, snap State, event types.Event) {
	event.Timestamp = time.Now().UTC()
	event.SessionID = snap.SessionID
	event.RunID = snap.RunID
	if err := m.sink.Emit(ctx, observe.FromRuntimeEvent(event)); err != nil {
		log.Printf("[session] session=%s event %s not recorded: %v", snap.SessionID, event.Type, err)
	}
}

func normalizeAction(action string) string {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "generate", "generate_course":
		return ActionGenerate
	default:
		return ActionChat
	}
}

func feedbackText(gate string, d pipeline.Decision) string {
	verdict := "comment"
	if d.Approved != nil {
		verdict = "rejected"
		if *d.Approved {
			verdict = "approved"
		}
	}
	if d.Comment == "" {
		return fmt.Sprintf("Feedback for %s: %s", gate, verdict)
	}
	return fmt.Sprintf("Feedback for %s: %s (%s)", gate, verdict, d.Comment)
}

func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
