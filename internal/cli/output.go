package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/PipeOpsHQ/course-builder-go/internal/config"
	"github.com/PipeOpsHQ/course-builder-go/pipeline"
	"github.com/PipeOpsHQ/course-builder-go/state"
)

const (
	ansiReset  = "\033[0m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiRed    = "\033[31m"
	ansiDim    = "\033[2m"
)

var useColor = isatty.IsTerminal(os.Stdout.Fd()) && !parseBoolEnv(config.EnvPrefix+"NO_COLOR", false)

func colorize(color, text string) string {
	if !useColor {
		return text
	}
	return color + text + ansiReset
}

func statusColor(status string) string {
	switch status {
	case state.RunStatusCompleted: // state.ProgressCompleted has the same value
		return ansiGreen
	case state.RunStatusPaused, state.ProgressStarted:
		return ansiYellow
	case state.RunStatusFailed, state.RunStatusCanceled, state.ProgressError:
		return ansiRed
	default:
		return ansiDim
	}
}

func printResult(res pipeline.Result) {
	fmt.Printf("run %s: %s\n", res.Context.RunID, colorize(statusColor(string(res.Status)), string(res.Status)))
	switch res.Status {
	case pipeline.StatusPaused:
		fmt.Printf("  waiting at %s\n", res.Gate)
		fmt.Printf("  next: feedback %s %s approve --resume\n", res.Context.RunID, res.Gate)
	case pipeline.StatusFailed:
		if res.Err != nil {
			fmt.Printf("  error: %v\n", res.Err)
		}
	}
	for _, msg := range res.Context.Errors {
		fmt.Printf("  %s\n", colorize(ansiDim, "note: "+msg))
	}
}

func printProgress(entries []state.ProgressEntry) {
	completed := 0
	for _, e := range entries {
		if e.Status == state.ProgressCompleted {
			completed++
		}
		fmt.Printf("%3d  %-24s %-10s %s\n", e.Seq, e.Stage, colorize(statusColor(e.Status), e.Status), ago(e.Timestamp))
	}
	fmt.Printf("%d of %d steps completed\n", completed, len(entries))
}

func printArtifacts(artifacts []state.ArtifactRecord) {
	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].StepName < artifacts[j].StepName })
	for _, a := range artifacts {
		raw, _ := json.Marshal(a.Data)
		fmt.Printf("%-28s %10s  %s\n", a.StepName, humanize.Bytes(uint64(len(raw))), ago(a.Timestamp))
	}
}

func printRuns(runs []state.RunRecord) {
	for _, run := range runs {
		updated := "-"
		if run.UpdatedAt != nil {
			updated = ago(*run.UpdatedAt)
		}
		fmt.Printf("%s\t%s\t%s\t%s\n", run.RunID, run.SessionID, colorize(statusColor(run.Status), run.Status), updated)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}
