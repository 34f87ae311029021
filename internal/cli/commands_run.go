package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/PipeOpsHQ/course-builder-go/course"
	"github.com/PipeOpsHQ/course-builder-go/pipeline"
	"github.com/PipeOpsHQ/course-builder-go/state"
)

func runPipeline(ctx context.Context, args []string) {
	opts, _ := parseArgs(args)
	raw, err := requirementsFrom(opts)
	if err != nil {
		log.Fatalf("failed to read requirements: %v", err)
	}
	normalized, err := course.ValidateMap(raw)
	if err != nil {
		log.Fatal(err)
	}

	c := mustComponents(ctx, opts)
	defer c.Close()

	pc := pipeline.NewContext(opts.runID)
	if pc.RunID == "" {
		pc.RunID = pipeline.NewRunID()
	}
	if err := pc.SetInputs(normalized); err != nil {
		log.Fatal(err)
	}
	res := c.engine.Run(ctx, pc)
	if opts.autoApprove {
		res = approveUntilDone(ctx, c.engine, res)
	}
	if err := finishResult(res, opts); err != nil {
		c.Close()
		log.Fatal(err)
	}
}

func resumePipeline(ctx context.Context, args []string) {
	opts, positional := parseArgs(args)
	if len(positional) < 1 {
		log.Fatal("usage: resume [--auto-approve] <run-id>")
	}
	runID := strings.TrimSpace(positional[0])
	if runID == "" {
		log.Fatal("run-id cannot be empty")
	}

	c := mustComponents(ctx, opts)
	defer c.Close()

	res := c.engine.Resume(ctx, runID)
	if opts.autoApprove {
		res = approveUntilDone(ctx, c.engine, res)
	}
	if err := finishResult(res, opts); err != nil {
		c.Close()
		log.Fatal(err)
	}
}

func depositFeedback(ctx context.Context, args []string) {
	opts, positional := parseArgs(args)
	if len(positional) < 3 {
		log.Fatal("usage: feedback [--resume] <run-id> <gate> <payload>")
	}
	runID, gate := strings.TrimSpace(positional[0]), strings.TrimSpace(positional[1])
	payload := feedbackPayload(normalizeInput(positional[2:]))
	if _, err := pipeline.ParseFeedback(payload); err != nil {
		log.Fatalf("invalid feedback: %v", err)
	}

	c := mustComponents(ctx, opts)
	defer c.Close()

	known := false
	for _, g := range c.engine.Registry().Gates() {
		if g == gate {
			known = true
		}
	}
	if !known {
		log.Fatalf("unknown gate %q (gates: %s)", gate, strings.Join(c.engine.Registry().Gates(), ", "))
	}
	err := c.store.DepositFeedback(ctx, state.FeedbackRecord{
		RunID:     runID,
		Gate:      gate,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		log.Fatalf("deposit feedback failed: %v", err)
	}
	fmt.Printf("feedback recorded for %s at %s\n", runID, gate)
	if opts.resume {
		if err := finishResult(c.engine.Resume(ctx, runID), opts); err != nil {
			c.Close()
			log.Fatal(err)
		}
	}
}

func showProgress(ctx context.Context, args []string) {
	opts, positional := parseArgs(args)
	if len(positional) < 1 {
		log.Fatal("usage: progress <run-id>")
	}
	c := mustComponents(ctx, opts)
	defer c.Close()

	entries, err := c.store.ListProgress(ctx, strings.TrimSpace(positional[0]))
	if err != nil {
		log.Fatalf("list progress failed: %v", err)
	}
	if opts.jsonOutput {
		_ = printJSON(entries)
		return
	}
	printProgress(entries)
}

func showArtifacts(ctx context.Context, args []string) {
	opts, positional := parseArgs(args)
	if len(positional) < 1 {
		log.Fatal("usage: artifacts <run-id> [key]")
	}
	runID := strings.TrimSpace(positional[0])
	c := mustComponents(ctx, opts)
	defer c.Close()

	if len(positional) > 1 {
		artifact, err := c.store.LoadArtifact(ctx, runID, strings.TrimSpace(positional[1]))
		if errors.Is(err, state.ErrNotFound) {
			log.Fatalf("artifact %q not found for run %s", positional[1], runID)
		}
		if err != nil {
			log.Fatalf("load artifact failed: %v", err)
		}
		_ = printJSON(artifact.Data)
		return
	}
	artifacts, err := c.store.ListArtifacts(ctx, runID)
	if err != nil {
		log.Fatalf("list artifacts failed: %v", err)
	}
	if opts.jsonOutput {
		_ = printJSON(artifacts)
		return
	}
	printArtifacts(artifacts)
}

func listRuns(ctx context.Context, args []string) {
	opts, positional := parseArgs(args)
	query := state.ListRunsQuery{Limit: 100}
	if len(positional) > 0 {
		query.SessionID = strings.TrimSpace(positional[0])
	}
	c := mustComponents(ctx, opts)
	defer c.Close()

	runs, err := c.store.ListRuns(ctx, query)
	if err != nil {
		log.Fatalf("list runs failed: %v", err)
	}
	printRuns(runs)
}

func printSchema() {
	raw, err := course.SchemaJSON()
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(string(raw))
}

// approveUntilDone approves every gate the run stops at.
func approveUntilDone(ctx context.Context, engine *pipeline.Engine, res pipeline.Result) pipeline.Result {
	for res.Status == pipeline.StatusPaused {
		err := engine.Store().DepositFeedback(ctx, state.FeedbackRecord{
			RunID:     res.Context.RunID,
			Gate:      res.Gate,
			Payload:   "approve",
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			return pipeline.Failed(res.Context, err)
		}
		fmt.Printf("auto-approved %s\n", res.Gate)
		res = engine.Resume(ctx, res.Context.RunID)
	}
	return res
}

func finishResult(res pipeline.Result, opts cliOptions) error {
	if opts.jsonOutput {
		out := map[string]any{"run_id": res.Context.RunID, "status": res.Status, "gate": res.Gate}
		if res.Err != nil {
			out["error"] = res.Err.Error()
		}
		if res.Status == pipeline.StatusCompleted {
			out["summary"] = course.Summarize(res.Context)
		}
		_ = printJSON(out)
	} else {
		printResult(res)
		if res.Status == pipeline.StatusCompleted {
			_ = printJSON(course.Summarize(res.Context))
		}
	}
	if res.Status == pipeline.StatusFailed {
		return fmt.Errorf("run %s failed", res.Context.RunID)
	}
	return nil
}
