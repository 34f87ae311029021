package cli

import (
	"context"
	"strings"
)

func Run(ctx context.Context, args []string) {
	if len(args) < 1 {
		printUsage()
		return
	}

	switch strings.TrimSpace(args[0]) {
	case "serve":
		runServe(ctx, args[1:])
	case "run":
		runPipeline(ctx, args[1:])
	case "resume":
		resumePipeline(ctx, args[1:])
	case "feedback":
		depositFeedback(ctx, args[1:])
	case "progress":
		showProgress(ctx, args[1:])
	case "artifacts":
		showArtifacts(ctx, args[1:])
	case "runs":
		listRuns(ctx, args[1:])
	case "schema":
		printSchema()
	case "help", "-h", "--help":
		printUsage()
	default:
		printUsage()
	}
}
