package course

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// OutlineGenerator builds deterministic placeholder content from the
// requirements alone. It backs the CLI and tests when no model-backed
// generator is configured.
type OutlineGenerator struct {
	LessonsPerModule int
}

var titleCaser = cases.Title(language.English)

func (g OutlineGenerator) lessons() int {
	if g.LessonsPerModule <= 0 {
		return 3
	}
	return g.LessonsPerModule
}

func (g OutlineGenerator) Research(_ context.Context, req Requirements) (map[string]any, error) {
	subject := titleCaser.String(req.CourseSubject)
	topics := []any{
		subject + " foundations",
		subject + " in practice",
		"Advanced " + strings.ToLower(subject),
	}
	return map[string]any{
		"subject":    subject,
		"level":      req.LearnerLevel,
		"key_topics": topics,
		"learning_objectives": []any{
			fmt.Sprintf("Explain the core ideas of %s", subject),
			fmt.Sprintf("Apply %s to %s-level problems", subject, req.LearnerLevel),
		},
	}, nil
}

func (g OutlineGenerator) ModuleStructure(_ context.Context, req Requirements, research map[string]any, feedback string) (map[string]any, error) {
	subject := titleCaser.String(req.CourseSubject)
	modules := make([]any, 0, req.NumberOfModules+1)
	for i := 1; i <= req.NumberOfModules; i++ {
		lessons := make([]any, 0, g.lessons())
		for j := 1; j <= g.lessons(); j++ {
			lessons = append(lessons, map[string]any{
				"id":    fmt.Sprintf("m%d-l%d", i, j),
				"title": fmt.Sprintf("%s %d.%d", subject, i, j),
			})
		}
		modules = append(modules, map[string]any{
			"id":      fmt.Sprintf("m%d", i),
			"title":   fmt.Sprintf("Module %d: %s", i, subject),
			"lessons": lessons,
		})
	}
	if req.NeedsLabModule {
		modules = append(modules, map[string]any{
			"id":      "lab",
			"title":   "Lab: " + subject,
			"lessons": []any{map[string]any{"id": "lab-1", "title": "Hands-on project"}},
		})
	}
	out := map[string]any{"course_title": subject, "modules": modules}
	if topics, ok := research["key_topics"]; ok {
		out["key_topics"] = topics
	}
	if feedback != "" {
		out["revision_notes"] = feedback
	}
	return out, nil
}

func (g OutlineGenerator) XDPContent(_ context.Context, req Requirements, structure map[string]any) (map[string]any, error) {
	return map[string]any{
		"format":   "xdp",
		"duration": req.CourseDuration,
		"modules":  len(asSlice(structure["modules"])),
	}, nil
}

func (g OutlineGenerator) CourseContent(_ context.Context, req Requirements, structure, _ map[string]any) ([]any, error) {
	out := make([]any, 0)
	for _, m := range asSlice(structure["modules"]) {
		module, _ := m.(map[string]any)
		for _, l := range asSlice(module["lessons"]) {
			lesson, _ := l.(map[string]any)
			out = append(out, map[string]any{
				"module_id": module["id"],
				"lesson_id": lesson["id"],
				"title":     lesson["title"],
				"body":      fmt.Sprintf("%s for %s learners.", lesson["title"], req.LearnerLevel),
			})
		}
	}
	return out, nil
}

func (g OutlineGenerator) Quizzes(_ context.Context, req Requirements, structure map[string]any, _ []any, feedback string) ([]any, error) {
	out := make([]any, 0)
	for _, m := range asSlice(structure["modules"]) {
		module, _ := m.(map[string]any)
		for i := 1; i <= req.GradedQuizzesPerModule; i++ {
			out = append(out, quiz(module, "graded", i, feedback))
		}
		for i := 1; i <= req.PracticeQuizzesPerModule; i++ {
			out = append(out, quiz(module, "practice", i, feedback))
		}
	}
	return out, nil
}

func quiz(module map[string]any, kind string, n int, feedback string) map[string]any {
	q := map[string]any{
		"module_id": module["id"],
		"type":      kind,
		"title":     fmt.Sprintf("%s %s quiz %d", module["title"], kind, n),
	}
	if feedback != "" {
		q["revision_notes"] = feedback
	}
	return q
}

func asSlice(v any) []any {
	switch s := v.(type) {
	case []any:
		return s
	case []map[string]any:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out
	}
	return nil
}
