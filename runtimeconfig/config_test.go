package runtimeconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/PipeOpsHQ/course-builder-go/internal/config"
)

func TestLoad_YAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	content := `
workers: 3
maxRejections: 1
autoResume: "@every 30s"
disabledGates:
  - review_quizzes
  - "  "
artifactKeys: [module_structure, final_course]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Workers != 3 || cfg.MaxRejections == nil || *cfg.MaxRejections != 1 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.AutoResume != "@every 30s" {
		t.Fatalf("unexpected auto resume: %q", cfg.AutoResume)
	}
	if len(cfg.DisabledGates) != 1 || cfg.DisabledGates[0] != "review_quizzes" {
		t.Fatalf("unexpected disabled gates: %#v", cfg.DisabledGates)
	}
	if len(cfg.ArtifactKeys) != 2 {
		t.Fatalf("unexpected artifact keys: %#v", cfg.ArtifactKeys)
	}
}

func TestLoad_JSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.json")
	if err := os.WriteFile(path, []byte(`{"workers": 5, "systemPrompt": "custom"}`), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Workers != 5 || cfg.SystemPrompt != "custom" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("workers: [unterminated"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestApply(t *testing.T) {
	zero := 0
	cfg := Config{Workers: 6, MaxRejections: &zero, AutoResume: "@every 1m"}
	s := cfg.Apply(config.DefaultSettings())
	if s.Workers != 6 || s.MaxRejections != 0 || s.AutoResume != "@every 1m" {
		t.Fatalf("unexpected settings: %+v", s)
	}
	if s.SystemPrompt != config.DefaultSystemPrompt {
		t.Fatalf("empty prompt must not override default")
	}
}
