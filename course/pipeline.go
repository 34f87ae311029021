package course

import (
	"context"
	"fmt"

	"github.com/PipeOpsHQ/course-builder-go/pipeline"
)

const PipelineName = "course_builder"

// Stage names of the default course pipeline, in pipeline order.
const (
	StageCollect         = "collect_requirements"
	StageResearch        = "research"
	StageModuleStructure = "module_structure"
	GateReviewStructure  = "review_structure"
	StageXDPContent      = "xdp_content"
	StageCourseContent   = "course_content"
	StageQuizzes         = "quizzes"
	GateReviewQuizzes    = "review_quizzes"
	StageFinalize        = "finalize_course"
)

// Output keys written by the stages. Most match the stage name.
const (
	OutputRequirements = "requirements"
	OutputResearch     = "research_findings"
	OutputFinalCourse  = "final_course"
)

// ArtifactKeys lists the artifacts surfaced to callers for a session.
var ArtifactKeys = []string{
	StageModuleStructure,
	StageCourseContent,
	StageQuizzes,
	StageXDPContent,
	OutputFinalCourse,
	OutputResearch,
}

// Generator produces stage content. Implementations typically call a
// language model; the pipeline treats every call as opaque.
type Generator interface {
	Research(ctx context.Context, req Requirements) (map[string]any, error)
	ModuleStructure(ctx context.Context, req Requirements, research map[string]any, feedback string) (map[string]any, error)
	XDPContent(ctx context.Context, req Requirements, structure map[string]any) (map[string]any, error)
	CourseContent(ctx context.Context, req Requirements, structure, xdp map[string]any) ([]any, error)
	Quizzes(ctx context.Context, req Requirements, structure map[string]any, content []any, feedback string) ([]any, error)
}

// NewRegistry builds the default course pipeline around gen.
func NewRegistry(gen Generator) *pipeline.Registry {
	s := stages{gen: gen}
	return pipeline.NewRegistry(PipelineName).
		AddStage(StageCollect, s.collect, pipeline.OutputKey(OutputRequirements)).
		AddStage(StageResearch, s.research, pipeline.OutputKey(OutputResearch)).
		AddStage(StageModuleStructure, s.moduleStructure).
		AddStage(GateReviewStructure, pipeline.Passthrough, pipeline.Interrupt()).
		AddStage(StageXDPContent, s.xdpContent).
		AddStage(StageCourseContent, s.courseContent).
		AddStage(StageQuizzes, s.quizzes).
		AddStage(GateReviewQuizzes, pipeline.Passthrough, pipeline.Interrupt()).
		AddStage(StageFinalize, s.finalize, pipeline.OutputKey(OutputFinalCourse)).
		AddEdge(StageCollect, pipeline.End, pipeline.StageFailed(StageCollect)).
		AddEdge(StageCollect, StageResearch, nil).
		Then(StageResearch, StageModuleStructure, GateReviewStructure).
		AddEdge(GateReviewStructure, StageModuleStructure, pipeline.Rejected(GateReviewStructure)).
		AddEdge(GateReviewStructure, StageXDPContent, nil).
		Then(StageXDPContent, StageCourseContent, StageQuizzes, GateReviewQuizzes).
		AddEdge(GateReviewQuizzes, StageQuizzes, pipeline.Rejected(GateReviewQuizzes)).
		AddEdge(GateReviewQuizzes, StageFinalize, nil).
		AllowCycles(true)
}

type stages struct {
	gen Generator
}

func (s stages) collect(_ context.Context, pc pipeline.Context) (pipeline.Context, error) {
	req, err := FromInputs(pc.Inputs)
	if err != nil {
		pc.MarkFailed(StageCollect, err)
		return pc, nil
	}
	pc.SetOutput(OutputRequirements, req.Map())
	pc.Metadata["course_subject"] = req.CourseSubject
	pc.Metadata["thread_id"] = pc.RunID
	return pc, nil
}

func (s stages) research(ctx context.Context, pc pipeline.Context) (pipeline.Context, error) {
	req, err := FromInputs(pc.Inputs)
	if err != nil {
		return pc, err
	}
	findings, err := s.gen.Research(ctx, req)
	if err != nil {
		pc.MarkFailed(StageResearch, err)
		return pc, nil
	}
	pc.SetOutput(OutputResearch, findings)
	return pc, nil
}

func (s stages) moduleStructure(ctx context.Context, pc pipeline.Context) (pipeline.Context, error) {
	req, err := FromInputs(pc.Inputs)
	if err != nil {
		return pc, err
	}
	structure, err := s.gen.ModuleStructure(ctx, req, outputMap(pc, OutputResearch), rejectionFeedback(pc, GateReviewStructure))
	if err != nil {
		return pc, fmt.Errorf("generate module structure: %w", err)
	}
	pc.SetOutput(StageModuleStructure, structure)
	return pc, nil
}

func (s stages) xdpContent(ctx context.Context, pc pipeline.Context) (pipeline.Context, error) {
	req, err := FromInputs(pc.Inputs)
	if err != nil {
		return pc, err
	}
	xdp, err := s.gen.XDPContent(ctx, req, outputMap(pc, StageModuleStructure))
	if err != nil {
		pc.MarkFailed(StageXDPContent, err)
		return pc, nil
	}
	pc.SetOutput(StageXDPContent, xdp)
	return pc, nil
}

func (s stages) courseContent(ctx context.Context, pc pipeline.Context) (pipeline.Context, error) {
	req, err := FromInputs(pc.Inputs)
	if err != nil {
		return pc, err
	}
	content, err := s.gen.CourseContent(ctx, req, outputMap(pc, StageModuleStructure), outputMap(pc, StageXDPContent))
	if err != nil {
		return pc, fmt.Errorf("generate course content: %w", err)
	}
	pc.SetOutput(StageCourseContent, map[string]any{"lessons": content})
	return pc, nil
}

func (s stages) quizzes(ctx context.Context, pc pipeline.Context) (pipeline.Context, error) {
	req, err := FromInputs(pc.Inputs)
	if err != nil {
		return pc, err
	}
	content, _ := outputMap(pc, StageCourseContent)["lessons"].([]any)
	quizzes, err := s.gen.Quizzes(ctx, req, outputMap(pc, StageModuleStructure), content, rejectionFeedback(pc, GateReviewQuizzes))
	if err != nil {
		return pc, fmt.Errorf("generate quizzes: %w", err)
	}
	pc.SetOutput(StageQuizzes, map[string]any{"quizzes": quizzes})
	return pc, nil
}

func (s stages) finalize(_ context.Context, pc pipeline.Context) (pipeline.Context, error) {
	final := map[string]any{
		"course_metadata":  pc.Metadata,
		"requirements":     outputMap(pc, OutputRequirements),
		"module_structure": outputMap(pc, StageModuleStructure),
		"course_content":   outputMap(pc, StageCourseContent)["lessons"],
		"quizzes":          outputMap(pc, StageQuizzes)["quizzes"],
		"xdp_content":      outputMap(pc, StageXDPContent),
		"errors":           pc.Errors,
	}
	pc.SetOutput(OutputFinalCourse, final)
	return pc, nil
}

func outputMap(pc pipeline.Context, key string) map[string]any {
	v, ok := pc.Output(key)
	if !ok {
		return map[string]any{}
	}
	m, ok := v.(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return m
}

// rejectionFeedback returns reviewer text only when the gate was rejected,
// so regeneration sees why.
func rejectionFeedback(pc pipeline.Context, gate string) string {
	if v := pc.ApprovalOf(gate); v != nil && !*v {
		return pc.Feedback[gate]
	}
	return ""
}
