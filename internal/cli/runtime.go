package cli

import (
	"context"
	"fmt"
	"log"
	"strings"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/PipeOpsHQ/course-builder-go/course"
	"github.com/PipeOpsHQ/course-builder-go/internal/config"
	"github.com/PipeOpsHQ/course-builder-go/observe"
	otelsink "github.com/PipeOpsHQ/course-builder-go/observe/otel"
	eventstore "github.com/PipeOpsHQ/course-builder-go/observe/store"
	eventsqlite "github.com/PipeOpsHQ/course-builder-go/observe/store/sqlite"
	"github.com/PipeOpsHQ/course-builder-go/pipeline"
	"github.com/PipeOpsHQ/course-builder-go/runtimeconfig"
	"github.com/PipeOpsHQ/course-builder-go/state"
	statefactory "github.com/PipeOpsHQ/course-builder-go/state/factory"
)

// components is the wired runtime shared by every command.
type components struct {
	settings     config.Settings
	runtime      runtimeconfig.Config
	store        state.Store
	events       eventstore.Store
	hub          *observe.Hub
	observer     observe.Sink
	engine       *pipeline.Engine
	artifactKeys []string
	closers      []func()
}

func (c *components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

func loadSettings(opts cliOptions) (config.Settings, runtimeconfig.Config, error) {
	var envFiles []string
	if opts.envFile != "" {
		envFiles = append(envFiles, opts.envFile)
	}
	settings, err := config.Load(envFiles...)
	if err != nil {
		return config.Settings{}, runtimeconfig.Config{}, err
	}
	if opts.configFile != "" {
		settings.ConfigFile = opts.configFile
	}
	if opts.addr != "" {
		settings.Addr = opts.addr
	}
	var rc runtimeconfig.Config
	if strings.TrimSpace(settings.ConfigFile) != "" {
		rc, err = runtimeconfig.Load(settings.ConfigFile)
		if err != nil {
			return config.Settings{}, runtimeconfig.Config{}, err
		}
		settings = rc.Apply(settings)
	}
	return settings, rc, nil
}

func buildComponents(ctx context.Context, opts cliOptions) (*components, error) {
	settings, rc, err := loadSettings(opts)
	if err != nil {
		return nil, err
	}
	c := &components{settings: settings, runtime: rc, hub: observe.NewHub()}

	store, err := statefactory.Open(ctx, settings)
	if err != nil {
		return nil, fmt.Errorf("state store unavailable: %w", err)
	}
	c.store = store
	c.closers = append(c.closers, func() { closeStore(store) })

	events, err := eventsqlite.New(settings.LogDBPath)
	if err != nil {
		log.Printf("[cli] interaction log unavailable, keeping it in memory: %v", err)
		c.events = eventstore.NewMemoryStore()
	} else {
		c.events = events
	}
	c.closers = append(c.closers, func() { _ = c.events.Close() })

	sinks := []observe.Sink{c.hub}
	async := observe.NewAsyncSink(eventstore.Sink(c.events), 256)
	c.closers = append(c.closers, async.Close)
	sinks = append(sinks, async)

	if settings.OTelEnabled {
		tp := sdktrace.NewTracerProvider()
		otel.SetTracerProvider(tp)
		tracing, err := otelsink.NewSink(tp, otelsink.WithMeterProvider(otel.GetMeterProvider()))
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("otel sink: %w", err)
		}
		sinks = append(sinks, tracing)
		c.closers = append(c.closers, func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				log.Printf("[cli] tracer shutdown failed: %v", err)
			}
		})
	}
	c.observer = observe.NewMultiSink(sinks...)

	engine, err := pipeline.NewEngine(course.NewRegistry(course.OutlineGenerator{}),
		pipeline.WithStore(store),
		pipeline.WithObserver(c.observer),
		pipeline.WithMaxRejections(settings.MaxRejections),
		pipeline.WithDisabledGates(rc.DisabledGates...),
	)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.engine = engine

	c.artifactKeys = course.ArtifactKeys
	if len(rc.ArtifactKeys) > 0 {
		c.artifactKeys = rc.ArtifactKeys
	}
	return c, nil
}

func mustComponents(ctx context.Context, opts cliOptions) *components {
	c, err := buildComponents(ctx, opts)
	if err != nil {
		log.Fatal(err)
	}
	return c
}
