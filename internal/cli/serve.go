package cli

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/PipeOpsHQ/course-builder-go/api"
	"github.com/PipeOpsHQ/course-builder-go/course"
	"github.com/PipeOpsHQ/course-builder-go/session"
)

func runServe(ctx context.Context, args []string) {
	opts, _ := parseArgs(args)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := mustComponents(ctx, opts)
	defer c.Close()

	manager, err := session.New(session.Config{
		Engine:       c.engine,
		Store:        c.store,
		Log:          c.events,
		Observer:     c.hub,
		Workers:      c.settings.Workers,
		Validate:     course.ValidateMap,
		Summarize:    course.Summarize,
		Clarify:      course.ClarifyingPrompt,
		ArtifactKeys: c.artifactKeys,
		SystemPrompt: c.settings.SystemPrompt,
	})
	if err != nil {
		log.Fatalf("failed to create session manager: %v", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := manager.Close(closeCtx); err != nil {
			log.Printf("[cli] session manager close: %v", err)
		}
	}()

	var sweeper *session.Sweeper
	if c.settings.AutoResume != "" {
		sweeper, err = session.NewSweeper(manager, c.settings.AutoResume)
		if err != nil {
			log.Fatalf("invalid auto-resume schedule: %v", err)
		}
		sweeper.Start()
		defer sweeper.Stop()
		log.Printf("[cli] auto-resume enabled (%s)", c.settings.AutoResume)
	}

	server, err := api.NewServer(api.Config{
		Addr:        c.settings.Addr,
		Prefix:      c.settings.APIPrefix,
		CORSOrigins: c.settings.CORSOrigins,
		Sessions:    manager,
		Hub:         c.hub,
		Log:         c.events,
		Sweeper:     sweeper,
		Schema:      course.SchemaJSON,
	})
	if err != nil {
		log.Fatalf("failed to create api server: %v", err)
	}
	if err := server.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("[cli] server stopped: %v", err)
	}
}
