package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"deghost/internal/config"
	"deghost/internal/pipeline"
	"deghost/internal/storage"
)

type pipelineClient interface {
	Submit(job pipeline.Job) (string, error)
	Subscribe() (<-chan pipeline.Result, func())
}

// Root carries the process-wide state shared by every command.
type Root struct {
	cfg    *config.Config
	log    *slog.Logger
	store  *storage.Store
	fs     afero.Fs
	out    io.Writer
	newApp appFactory
}

// NewRoot constructs the CLI root backed by the real composite stack.
func NewRoot(cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	r := &Root{
		cfg:   cfg,
		log:   logger,
		store: store,
		fs:    afero.NewOsFs(),
		out:   os.Stdout,
	}
	r.newApp = func(ctx context.Context, cfg *config.Config) (*App, error) {
		return NewApp(ctx, cfg, r.deps())
	}
	return r
}

func (r *Root) deps() Deps {
	return Deps{Logger: r.log, Store: r.store, Fs: r.fs}
}

func (r *Root) enqueueAndWait(ctx context.Context, pipe pipelineClient, job pipeline.Job) (pipeline.Result, error) {
	resCh, unsubscribe := pipe.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, pipe, job); err != nil {
		return pipeline.Result{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, pipe pipelineClient, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if _, err := pipe.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}

func newID(prefix string) string {
	ts := time.Now().UTC().Format("20060102T150405")
	return fmt.Sprintf("%s-%s-%s", prefix, ts, uuid.NewString()[:8])
}
