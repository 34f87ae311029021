package runtimeconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/PipeOpsHQ/course-builder-go/internal/config"
)

// Config tunes a pipeline deployment. It is read from YAML or JSON and
// overlays the environment settings.
type Config struct {
	Workers       int      `yaml:"workers" json:"workers"`
	MaxRejections *int     `yaml:"maxRejections" json:"maxRejections"`
	AutoResume    string   `yaml:"autoResume" json:"autoResume"`
	SystemPrompt  string   `yaml:"systemPrompt" json:"systemPrompt"`
	DisabledGates []string `yaml:"disabledGates" json:"disabledGates"`
	ArtifactKeys  []string `yaml:"artifactKeys" json:"artifactKeys"`
}

func Load(path string) (Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Config{}, fmt.Errorf("config path is required")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to resolve config path: %w", err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file %q: %w", absPath, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config file %q: %w", absPath, err)
	}

	cfg.AutoResume = strings.TrimSpace(cfg.AutoResume)
	cfg.SystemPrompt = strings.TrimSpace(cfg.SystemPrompt)
	cfg.DisabledGates = cleanList(cfg.DisabledGates)
	cfg.ArtifactKeys = cleanList(cfg.ArtifactKeys)
	if cfg.Workers < 0 {
		return Config{}, fmt.Errorf("workers must be >= 0, got %d", cfg.Workers)
	}
	if cfg.MaxRejections != nil && *cfg.MaxRejections < 0 {
		return Config{}, fmt.Errorf("maxRejections must be >= 0, got %d", *cfg.MaxRejections)
	}
	return cfg, nil
}

// Apply overlays non-zero fields onto settings.
func (c Config) Apply(s config.Settings) config.Settings {
	if c.Workers > 0 {
		s.Workers = c.Workers
	}
	if c.MaxRejections != nil {
		s.MaxRejections = *c.MaxRejections
	}
	if c.AutoResume != "" {
		s.AutoResume = c.AutoResume
	}
	if c.SystemPrompt != "" {
		s.SystemPrompt = c.SystemPrompt
	}
	return s
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
