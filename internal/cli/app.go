package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/afero"

	"deghost/internal/arena"
	"deghost/internal/composite"
	"deghost/internal/config"
	"deghost/internal/fsutil"
	"deghost/internal/magick"
	"deghost/internal/pipeline"
	"deghost/internal/server"
	"deghost/internal/storage"
	"deghost/internal/studio"
)

// App is the composite stack the commands run against.
type App struct {
	Arena    *arena.Arena
	Studio   *studio.Studio
	Pipeline *pipeline.Pipeline
	Encoder  server.PreviewEncoder

	closers []func()
}

// Close stops the pipeline, releases any open session and tears down the
// native environment, in that order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

type appFactory func(ctx context.Context, cfg *config.Config) (*App, error)

// Deps are the process-wide collaborators shared by every App.
type Deps struct {
	Logger *slog.Logger
	Store  *storage.Store
	Fs     afero.Fs
}

// NewApp wires the ImageMagick backend behind a studio and a job pipeline.
func NewApp(ctx context.Context, cfg *config.Config, deps Deps) (*App, error) {
	budget := int64(cfg.Composite.NativeBudgetMB) << 20
	alloc, err := arena.NewAllocator(cfg.Composite.Allocator, budget)
	if err != nil {
		return nil, fmt.Errorf("frame allocator: %w", err)
	}

	stop := magick.Start()
	a := arena.New(alloc, deps.Logger)
	renderer := magick.NewRenderer()
	app := Assemble(ctx, cfg, deps, a, magick.NewBackend(a, deps.Logger), renderer)
	app.Encoder = renderer
	app.closers = append([]func(){stop}, app.closers...)

	deps.Logger.Info("composite stack ready",
		"allocator", cfg.Composite.Allocator,
		"budget_mb", cfg.Composite.NativeBudgetMB,
		"imagemagick", magick.Version(),
	)
	return app, nil
}

// Assemble builds the studio and pipeline over an existing arena and
// native routines.
func Assemble(ctx context.Context, cfg *config.Config, deps Deps, a *arena.Arena, native composite.Native, renderer composite.Renderer) *App {
	st := studio.New(a, native, renderer, studio.Options{
		Preferences:   studio.PreferencesFromConfig(cfg.Composite),
		MaxFrameBytes: cfg.Composite.MaxFrameBytes,
		Logger:        deps.Logger,
		Store:         deps.Store,
		Output:        &fsutil.ArtifactWriter{Fs: deps.Fs, Dir: cfg.Paths.DefaultOutput},
	})
	pipe := pipeline.New(ctx, pipeline.NewRouter(deps.Logger, deps.Store, deps.Fs, st), pipeline.Options{
		Concurrency: cfg.Processing.ParallelJobs,
		QueueSize:   cfg.Processing.QueueSize,
		Logger:      deps.Logger,
		Store:       deps.Store,
	})
	return &App{
		Arena:    a,
		Studio:   st,
		Pipeline: pipe,
		closers:  []func(){st.Shutdown, pipe.Stop},
	}
}
