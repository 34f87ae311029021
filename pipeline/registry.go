package pipeline

import (
	"context"
	"fmt"
	"sort"
)

// End is the routing target that terminates a run.
const End = "__end__"

type Edge struct {
	From      string
	To        string
	Condition Condition
}

// Registry holds the stages of a pipeline and the conditional edges
// between them. Builder methods record the first error and report it
// from Compile.
type Registry struct {
	name        string
	stages      map[string]Stage
	order       []string
	edges       map[string][]Edge
	start       string
	allowCycles bool
	buildErr    error
}

func NewRegistry(name string) *Registry {
	return &Registry{
		name:   name,
		stages: map[string]Stage{},
		edges:  map[string][]Edge{},
	}
}

func (r *Registry) Name() string {
	if r == nil {
		return ""
	}
	return r.name
}

// AddStage registers a stage. The first stage added becomes the start
// stage unless SetStart is called.
func (r *Registry) AddStage(name string, fn StageFunc, opts ...StageOption) *Registry {
	if r == nil || r.buildErr != nil {
		return r
	}
	if name == "" || name == End {
		r.buildErr = fmt.Errorf("invalid stage name %q", name)
		return r
	}
	if fn == nil {
		r.buildErr = fmt.Errorf("stage %q has no function", name)
		return r
	}
	if _, exists := r.stages[name]; exists {
		r.buildErr = fmt.Errorf("stage %q already exists", name)
		return r
	}
	stage := Stage{Name: name, Fn: fn, OutputKey: name}
	for _, opt := range opts {
		opt(&stage)
	}
	r.stages[name] = stage
	r.order = append(r.order, name)
	if r.start == "" {
		r.start = name
	}
	return r
}

// AddEdge appends a conditional edge. Edges leaving a stage are tried in
// the order they were added; a nil condition always matches.
func (r *Registry) AddEdge(from, to string, condition Condition) *Registry {
	if r == nil || r.buildErr != nil {
		return r
	}
	if from == "" || to == "" {
		r.buildErr = fmt.Errorf("edge endpoints are required")
		return r
	}
	r.edges[from] = append(r.edges[from], Edge{From: from, To: to, Condition: condition})
	return r
}

// Then chains stages with unconditional edges.
func (r *Registry) Then(stages ...string) *Registry {
	for i := 1; i < len(stages); i++ {
		r.AddEdge(stages[i-1], stages[i], nil)
	}
	return r
}

func (r *Registry) SetStart(name string) *Registry {
	if r == nil || r.buildErr != nil {
		return r
	}
	if name == "" {
		r.buildErr = fmt.Errorf("start stage is required")
		return r
	}
	r.start = name
	return r
}

// AllowCycles permits loop-back edges such as rejection routes.
func (r *Registry) AllowCycles(allow bool) *Registry {
	if r == nil {
		return r
	}
	r.allowCycles = allow
	return r
}

func (r *Registry) Compile() error {
	if r == nil {
		return fmt.Errorf("registry is nil")
	}
	if r.buildErr != nil {
		return r.buildErr
	}
	if r.name == "" {
		return fmt.Errorf("pipeline name is required")
	}
	if len(r.stages) == 0 {
		return fmt.Errorf("pipeline has no stages")
	}
	if _, ok := r.stages[r.start]; !ok {
		return fmt.Errorf("start stage %q does not exist", r.start)
	}
	for from, edges := range r.edges {
		if _, ok := r.stages[from]; !ok {
			return fmt.Errorf("edge source stage %q does not exist", from)
		}
		for _, edge := range edges {
			if edge.To == End {
				continue
			}
			if _, ok := r.stages[edge.To]; !ok {
				return fmt.Errorf("edge target stage %q does not exist", edge.To)
			}
		}
	}

	if unreachable := r.unreachable(); len(unreachable) > 0 {
		sort.Strings(unreachable)
		return fmt.Errorf("pipeline contains unreachable stage(s): %v", unreachable)
	}
	if !r.allowCycles && r.hasCycle() {
		return fmt.Errorf("pipeline contains cycle(s); call AllowCycles(true) to enable")
	}
	return nil
}

func (r *Registry) unreachable() []string {
	visited := map[string]bool{}
	var dfs func(name string)
	dfs = func(name string) {
		if visited[name] || name == End {
			return
		}
		visited[name] = true
		for _, edge := range r.edges[name] {
			dfs(edge.To)
		}
	}
	dfs(r.start)

	out := make([]string, 0)
	for name := range r.stages {
		if !visited[name] {
			out = append(out, name)
		}
	}
	return out
}

func (r *Registry) hasCycle() bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(r.stages))

	var visit func(name string) bool
	visit = func(name string) bool {
		color[name] = gray
		for _, edge := range r.edges[name] {
			if edge.To == End {
				continue
			}
			switch color[edge.To] {
			case gray:
				return true
			case white:
				if visit(edge.To) {
					return true
				}
			}
		}
		color[name] = black
		return false
	}

	for _, name := range r.order {
		if color[name] == white && visit(name) {
			return true
		}
	}
	return false
}

// Next evaluates the edges leaving from against pc and returns the first
// matching target, or the empty string when the run should end.
func (r *Registry) Next(ctx context.Context, from string, pc Context) (string, error) {
	for _, edge := range r.edges[from] {
		if edge.Condition != nil {
			ok, err := edge.Condition(ctx, pc)
			if err != nil {
				return "", fmt.Errorf("edge %q -> %q condition failed: %w", edge.From, edge.To, err)
			}
			if !ok {
				continue
			}
		}
		if edge.To == End {
			return "", nil
		}
		return edge.To, nil
	}
	return "", nil
}

func (r *Registry) Stage(name string) (Stage, bool) {
	s, ok := r.stages[name]
	return s, ok
}

func (r *Registry) Start() string {
	if r == nil {
		return ""
	}
	return r.start
}

// Gates returns the interrupt stages in registration order, which is the
// pipeline position used to rank simultaneous interrupts.
func (r *Registry) Gates() []string {
	out := make([]string, 0)
	for _, name := range r.order {
		if r.stages[name].Interrupt {
			out = append(out, name)
		}
	}
	return out
}

// StageNames returns every stage in registration order.
func (r *Registry) StageNames() []string {
	return append([]string(nil), r.order...)
}

// StageInfo describes a stage for introspection.
type StageInfo struct {
	Name      string `json:"name"`
	OutputKey string `json:"outputKey"`
	Gate      bool   `json:"gate"`
}

// EdgeInfo describes an edge for introspection.
type EdgeInfo struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Conditional bool   `json:"conditional"`
}

func (r *Registry) StageInfos() []StageInfo {
	if r == nil {
		return nil
	}
	out := make([]StageInfo, 0, len(r.order))
	for _, name := range r.order {
		s := r.stages[name]
		out = append(out, StageInfo{Name: name, OutputKey: s.OutputKey, Gate: s.Interrupt})
	}
	return out
}

func (r *Registry) EdgeInfos() []EdgeInfo {
	if r == nil {
		return nil
	}
	out := make([]EdgeInfo, 0)
	for _, from := range r.order {
		for _, edge := range r.edges[from] {
			out = append(out, EdgeInfo{From: edge.From, To: edge.To, Conditional: edge.Condition != nil})
		}
	}
	return out
}
