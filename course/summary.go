package course

import (
	"fmt"
	"strings"

	"github.com/PipeOpsHQ/course-builder-go/pipeline"
)

// Summarize reports headline counts for a finished run.
func Summarize(pc pipeline.Context) map[string]any {
	summary := map[string]any{}
	if structure, ok := pc.Output(StageModuleStructure); ok {
		modules := asSlice(asMap(structure)["modules"])
		lessons := 0
		for _, m := range modules {
			lessons += len(asSlice(asMap(m)["lessons"]))
		}
		summary["modules"] = len(modules)
		summary["lessons"] = lessons
	}
	if quizzes, ok := pc.Output(StageQuizzes); ok {
		summary["quizzes"] = len(asSlice(asMap(quizzes)["quizzes"]))
	}
	if content, ok := pc.Output(StageCourseContent); ok {
		summary["content_blocks"] = len(asSlice(asMap(content)["lessons"]))
	}
	if len(pc.Metadata) > 0 {
		summary["course_metadata"] = pc.Metadata
	}
	if len(pc.Errors) > 0 {
		summary["errors"] = len(pc.Errors)
	}
	return summary
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

var requiredQuestions = []struct {
	field    string
	question string
}{
	{"course_subject", "What subject should the course focus on?"},
	{"learner_level", "Who is the target learner level?"},
	{"course_duration", "How long should the course run?"},
	{"number_of_modules", "How many modules should we plan for?"},
}

// ClarifyingPrompt asks for the requirement fields that neither known nor
// the user's messages mention yet.
func ClarifyingPrompt(known map[string]any, userMessages []string) string {
	if len(known) > 0 {
		return "Got it. Let me know when you're ready and I'll kick off the workflow."
	}
	missing := make([]string, 0, len(requiredQuestions))
	for _, q := range requiredQuestions {
		if !mentioned(q.field, userMessages) {
			missing = append(missing, q.question)
		}
	}
	if len(missing) == 0 {
		return "Got it. Let me know when you're ready and I'll kick off the workflow."
	}
	return fmt.Sprintf(
		"Thanks! To get started I still need a bit more detail:\n- %s\nYou can also send the requirements with the generate action.",
		strings.Join(missing, "\n- "),
	)
}

func mentioned(field string, messages []string) bool {
	keyword := strings.ReplaceAll(field, "_", " ")
	for _, m := range messages {
		if strings.Contains(strings.ToLower(m), keyword) {
			return true
		}
	}
	return false
}
