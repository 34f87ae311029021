package cli

import (
	"fmt"
	"strings"

	"github.com/PipeOpsHQ/course-builder-go/course"
	"github.com/PipeOpsHQ/course-builder-go/internal/config"
)

func printUsage() {
	gates := course.NewRegistry(course.OutlineGenerator{}).Gates()
	fmt.Println("Course Builder CLI")
	fmt.Println("Usage:")
	fmt.Println("  course-builder serve [--addr=127.0.0.1:8000] [--config=pipeline.yaml]")
	fmt.Println("  course-builder run --subject=TEXT [--level=basic|intermediate|advanced] [--modules=N] [--duration=TEXT] [--lab] [--auto-approve]")
	fmt.Println("  course-builder run --requirements=requirements.yaml [--run-id=ID] [--json]")
	fmt.Println("  course-builder resume [--auto-approve] <run-id>")
	fmt.Println("  course-builder feedback [--resume] <run-id> <gate> <approve|reject|text|json>")
	fmt.Println("  course-builder progress [--json] <run-id>")
	fmt.Println("  course-builder artifacts [--json] <run-id> [key]")
	fmt.Println("  course-builder runs [session-id]")
	fmt.Println("  course-builder schema")
	fmt.Println()
	fmt.Printf("  review gates: %s\n", strings.Join(gates, ", "))
	fmt.Println()
	fmt.Println("Environment Variables:")
	for _, key := range []string{"ADDR", "API_PREFIX", "CORS_ORIGINS", "WORKERS", "MAX_REJECTIONS", "SYSTEM_PROMPT",
		"STATE_BACKEND", "SQLITE_PATH", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "REDIS_TTL",
		"LOG_DB_PATH", "AUTO_RESUME", "CONFIG", "OTEL", "NO_COLOR"} {
		fmt.Printf("  %s%s\n", config.EnvPrefix, key)
	}
}
