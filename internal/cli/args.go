package cli

import (
	"encoding/json"
	"log"
	"os"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/PipeOpsHQ/course-builder-go/internal/config"
	"github.com/PipeOpsHQ/course-builder-go/state"
)

type cliOptions struct {
	addr         string
	configFile   string
	envFile      string
	runID        string
	requirements string
	subject      string
	level        string
	duration     string
	modules      string
	lab          bool
	autoApprove  bool
	resume       bool
	jsonOutput   bool
}

func parseArgs(args []string) (cliOptions, []string) {
	opts := cliOptions{}
	positional := make([]string, 0, len(args))
	for _, arg := range args {
		switch {
		case strings.HasPrefix(arg, "--addr="):
			opts.addr = strings.TrimSpace(strings.TrimPrefix(arg, "--addr="))
		case strings.HasPrefix(arg, "--config="):
			opts.configFile = strings.TrimSpace(strings.TrimPrefix(arg, "--config="))
		case strings.HasPrefix(arg, "--env-file="):
			opts.envFile = strings.TrimSpace(strings.TrimPrefix(arg, "--env-file="))
		case strings.HasPrefix(arg, "--run-id="):
			opts.runID = strings.TrimSpace(strings.TrimPrefix(arg, "--run-id="))
		case strings.HasPrefix(arg, "--requirements="):
			opts.requirements = strings.TrimSpace(strings.TrimPrefix(arg, "--requirements="))
		case strings.HasPrefix(arg, "--subject="):
			opts.subject = strings.TrimSpace(strings.TrimPrefix(arg, "--subject="))
		case strings.HasPrefix(arg, "--level="):
			opts.level = strings.TrimSpace(strings.TrimPrefix(arg, "--level="))
		case strings.HasPrefix(arg, "--duration="):
			opts.duration = strings.TrimSpace(strings.TrimPrefix(arg, "--duration="))
		case strings.HasPrefix(arg, "--modules="):
			opts.modules = strings.TrimSpace(strings.TrimPrefix(arg, "--modules="))
		case arg == "--lab":
			opts.lab = true
		case arg == "--auto-approve":
			opts.autoApprove = true
		case arg == "--resume":
			opts.resume = true
		case arg == "--json":
			opts.jsonOutput = true
		default:
			positional = append(positional, arg)
		}
	}
	return opts, positional
}

// requirementsFrom merges a requirements file (YAML or JSON) with the
// individual flags; flags win.
func requirementsFrom(opts cliOptions) (map[string]any, error) {
	req := map[string]any{}
	if opts.requirements != "" {
		data, err := os.ReadFile(opts.requirements)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &req); err != nil {
			return nil, err
		}
	}
	if opts.subject != "" {
		req["course_subject"] = opts.subject
	}
	if opts.level != "" {
		req["learner_level"] = opts.level
	}
	if opts.duration != "" {
		req["course_duration"] = opts.duration
	}
	if opts.modules != "" {
		var n any
		if err := json.Unmarshal([]byte(opts.modules), &n); err != nil {
			n = opts.modules
		}
		req["number_of_modules"] = n
	}
	if opts.lab {
		req["needs_lab_module"] = true
	}
	return req, nil
}

// feedbackPayload keeps JSON objects structured and passes anything else
// through as text.
func feedbackPayload(raw string) any {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") {
		var obj map[string]any
		if err := json.Unmarshal([]byte(raw), &obj); err == nil {
			return obj
		}
	}
	return raw
}

func normalizeInput(args []string) string {
	if len(args) > 0 && strings.TrimSpace(args[0]) == "--" {
		args = args[1:]
	}
	return strings.TrimSpace(strings.Join(args, " "))
}

func parseBoolEnv(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return config.ParseBoolString(value, fallback)
}

func closeStore(store state.Store) {
	if store == nil {
		return
	}
	if err := store.Close(); err != nil {
		log.Printf("state store close failed: %v", err)
	}
}
