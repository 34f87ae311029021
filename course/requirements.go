// Package course wires the course-builder stages into a pipeline and owns
// the requirement schema used to start a run.
package course

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/xeipuuv/gojsonschema"
)

var ErrInvalidRequirements = errors.New("course: invalid requirements")

// Requirements describes the course a run should build.
type Requirements struct {
	CourseSubject            string `json:"course_subject" jsonschema:"required,minLength=1,title=Course subject"`
	LearnerLevel             string `json:"learner_level,omitempty" jsonschema:"enum=basic,enum=intermediate,enum=advanced,default=intermediate"`
	CourseDuration           string `json:"course_duration,omitempty" jsonschema:"default=4 weeks"`
	NumberOfModules          int    `json:"number_of_modules,omitempty" jsonschema:"minimum=1,maximum=20,default=4"`
	GradedQuizzesPerModule   int    `json:"graded_quizzes_per_module" jsonschema:"minimum=0,maximum=5,default=1"`
	PracticeQuizzesPerModule int    `json:"practice_quizzes_per_module" jsonschema:"minimum=0,maximum=10,default=2"`
	NeedsLabModule           bool   `json:"needs_lab_module"`
	CustomPrompt             string `json:"custom_prompt,omitempty"`
}

func DefaultRequirements() Requirements {
	return Requirements{
		LearnerLevel:             "intermediate",
		CourseDuration:           "4 weeks",
		NumberOfModules:          4,
		GradedQuizzesPerModule:   1,
		PracticeQuizzesPerModule: 2,
	}
}

// Map renders r as the generic form stored in run inputs.
func (r Requirements) Map() map[string]any {
	raw, _ := json.Marshal(r)
	out := map[string]any{}
	_ = json.Unmarshal(raw, &out)
	return out
}

// ValidationError lists every schema violation found in one request.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid requirements: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrInvalidRequirements }

var (
	schemaOnce sync.Once
	schemaDoc  *jsonschema.Schema
	schemaJSON []byte
	schemaErr  error
)

// Schema returns the JSON schema for Requirements.
func Schema() (*jsonschema.Schema, error) {
	loadSchema()
	return schemaDoc, schemaErr
}

// SchemaJSON returns the encoded schema.
func SchemaJSON() ([]byte, error) {
	loadSchema()
	return schemaJSON, schemaErr
}

func loadSchema() {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			RequiredFromJSONSchemaTags: true,
			AllowAdditionalProperties:  true,
			DoNotReference:             true,
			ExpandedStruct:             true,
		}
		s := r.Reflect(&Requirements{})
		s.Version = "http://json-schema.org/draft-07/schema#"
		s.ID = ""
		s.Title = "Course requirements"
		schemaDoc = s
		schemaJSON, schemaErr = json.Marshal(s)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("encode requirements schema: %w", schemaErr)
		}
	})
}

// Validate fills defaults into raw, checks it against the schema, and
// returns both the typed requirements and the normalized map.
func Validate(raw map[string]any) (Requirements, map[string]any, error) {
	if raw == nil {
		return Requirements{}, nil, &ValidationError{Problems: []string{"course_subject: is required"}}
	}
	merged := DefaultRequirements().Map()
	delete(merged, "course_subject")
	for k, v := range raw {
		if v == nil {
			continue
		}
		merged[k] = v
	}

	doc, err := SchemaJSON()
	if err != nil {
		return Requirements{}, nil, err
	}
	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(doc), gojsonschema.NewGoLoader(merged))
	if err != nil {
		return Requirements{}, nil, &ValidationError{Problems: []string{err.Error()}}
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return Requirements{}, nil, &ValidationError{Problems: problems}
	}

	encoded, err := json.Marshal(merged)
	if err != nil {
		return Requirements{}, nil, fmt.Errorf("encode requirements: %w", err)
	}
	var req Requirements
	if err := json.Unmarshal(encoded, &req); err != nil {
		return Requirements{}, nil, &ValidationError{Problems: []string{err.Error()}}
	}
	if strings.TrimSpace(req.CourseSubject) == "" {
		return Requirements{}, nil, &ValidationError{Problems: []string{"course_subject: cannot be empty"}}
	}
	req.CourseSubject = strings.TrimSpace(req.CourseSubject)
	return req, req.Map(), nil
}

// ValidateMap adapts Validate to the session manager's validation hook.
func ValidateMap(raw map[string]any) (map[string]any, error) {
	_, normalized, err := Validate(raw)
	return normalized, err
}

// FromInputs decodes requirements previously stored in run inputs.
func FromInputs(inputs map[string]any) (Requirements, error) {
	req, _, err := Validate(inputs)
	return req, err
}
