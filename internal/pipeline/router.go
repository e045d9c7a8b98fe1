package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"deghost/internal/composite"
	"deghost/internal/fsutil"
	"deghost/internal/storage"
	"deghost/internal/studio"
)

// Compositor is the part of the studio a composite job drives.
type Compositor interface {
	Preferences() studio.Preferences
	Open(ctx context.Context, b studio.Burst, params *composite.Params) error
	ChangeOrder(ctx context.Context, order []int) (composite.PreviewArtifact, error)
	Save(ctx context.Context, name string) (studio.SaveResult, error)
	Leave() error
}

type burstLoader func(fsys afero.Fs, dir string) (*fsutil.Burst, error)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log    *slog.Logger
	store  *storage.Store
	fs     afero.Fs
	studio Compositor
	load   burstLoader
}

// NewRouter returns the Processor that runs composite and scan jobs.
func NewRouter(logger *slog.Logger, store *storage.Store, fsys afero.Fs, st Compositor) Processor {
	return &router{
		log:    logger,
		store:  store,
		fs:     fsys,
		studio: st,
		load:   fsutil.LoadBurst,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobComposite:
		return r.handleComposite(ctx, job)
	case JobScan:
		return r.handleScan(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleScan(ctx context.Context, job Job) Result {
	dirs, err := fsutil.ListBursts(r.fs, job.InputPath)
	meta := map[string]any{
		"bursts": len(dirs),
		"dirs":   dirs,
	}
	return Result{Job: job, Error: err, Meta: meta}
}

func (r *router) handleComposite(ctx context.Context, job Job) Result {
	b, err := r.load(r.fs, job.InputPath)
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("load burst: %w", err)}
	}
	meta := map[string]any{
		"frames": len(b.Frames),
		"size":   b.Size.String(),
	}

	params := r.studio.Preferences().Params(b.Size, len(b.Frames))
	var order []int
	if b.Manifest != nil {
		if b.Manifest.Angle != nil {
			params.Angle = *b.Manifest.Angle
		}
		order = b.Manifest.Order
	}
	if v, ok := intOption(job.Options, "angle"); ok {
		params.Angle = v
	}
	if v, ok := intOption(job.Options, "ghosting"); ok {
		params.Ghosting = composite.Ghosting(v)
	}
	if v, ok := intOption(job.Options, "sensitivity"); ok {
		params.Sensitivity = v
	}
	if v, ok := intSliceOption(job.Options, "order"); ok {
		order = v
	}

	if err := r.studio.Open(ctx, studio.FromDir(b), &params); err != nil {
		// A rejected merge leaves the burst ingested; an open session that
		// belongs to someone else is not ours to leave.
		if !errors.Is(err, studio.ErrSessionActive) {
			r.leave(job)
		}
		return Result{Job: job, Error: err, Meta: meta}
	}

	if len(order) > 0 && !isIdentity(order) {
		if _, err := r.studio.ChangeOrder(ctx, order); err != nil {
			r.leave(job)
			return Result{Job: job, Error: err, Meta: meta}
		}
		meta["order"] = order
	}

	res, err := r.studio.Save(ctx, outputName(job, b))
	if err != nil {
		r.leave(job)
		return Result{Job: job, Error: err, Meta: meta}
	}
	meta["output"] = res.Path
	meta["bytes"] = len(res.Artifact.Data)
	meta["crop"] = res.Artifact.Crop
	meta["quality"] = res.Artifact.Quality
	return Result{Job: job, Meta: meta}
}

func (r *router) leave(job Job) {
	err := r.studio.Leave()
	if err != nil && !errors.Is(err, studio.ErrNoSession) && !errors.Is(err, studio.ErrAlreadyFinishing) {
		r.log.Warn("leave session after failed job", "job", job.ID, "error", err)
	}
}

func outputName(job Job, b *fsutil.Burst) string {
	if job.Output != "" {
		return filepath.Base(job.Output)
	}
	return filepath.Base(strings.TrimRight(b.Dir, `/\`)) + ".jpg"
}

func isIdentity(order []int) bool {
	for i, v := range order {
		if i != v {
			return false
		}
	}
	return true
}

// Helper functions to safely extract typed options from job.Options map.
// JSON-decoded options carry numbers as float64.
func intOption(options map[string]any, key string) (int, bool) {
	switch v := options[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}

func intSliceOption(options map[string]any, key string) ([]int, bool) {
	switch v := options[key].(type) {
	case []int:
		return v, true
	case []any:
		out := make([]int, 0, len(v))
		for _, e := range v {
			f, ok := e.(float64)
			if !ok {
				return nil, false
			}
			out = append(out, int(f))
		}
		return out, true
	}
	return nil, false
}
