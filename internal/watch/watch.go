package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"

	"deghost/internal/fsutil"
	"deghost/internal/metrics"
	"deghost/internal/pipeline"
)

// Submitter accepts composite jobs.
type Submitter interface {
	Submit(job pipeline.Job) (string, error)
}

// Options configure a Watcher.
type Options struct {
	Inbox  string
	Settle time.Duration
	Output string
	Fs     afero.Fs
	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Watcher monitors an inbox for burst directories. A burst is submitted
// once nothing in its directory has changed for the settle period.
type Watcher struct {
	inbox  string
	settle time.Duration
	output string
	fs     afero.Fs
	clock  clockwork.Clock
	log    *slog.Logger
	submit Submitter

	mu      sync.Mutex
	pending map[string]time.Time
	seen    map[string]bool
}

// New creates a watcher; nothing is watched until Run.
func New(submit Submitter, opts Options) *Watcher {
	if opts.Settle <= 0 {
		opts.Settle = 2 * time.Second
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Watcher{
		inbox:   filepath.Clean(opts.Inbox),
		settle:  opts.Settle,
		output:  opts.Output,
		fs:      opts.Fs,
		clock:   opts.Clock,
		log:     opts.Logger,
		submit:  submit,
		pending: make(map[string]time.Time),
		seen:    make(map[string]bool),
	}
}

// Run watches the inbox until ctx is done. Bursts already present when it
// starts are picked up as well.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := fsw.Add(w.inbox); err != nil {
		return fmt.Errorf("watch %s: %w", w.inbox, err)
	}
	w.log.Info("watching inbox", "dir", w.inbox, "settle", w.settle)

	existing, err := fsutil.ListBursts(w.fs, w.inbox)
	if err != nil {
		return err
	}
	now := w.clock.Now()
	for _, dir := range existing {
		if err := fsw.Add(dir); err != nil {
			w.log.Warn("watch burst dir", "dir", dir, "error", err)
		}
		w.touch(dir, now)
	}

	ticker := w.clock.NewTicker(w.settle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if dir := w.handle(event); dir != "" && event.Has(fsnotify.Create) && dir == event.Name {
				if err := fsw.Add(dir); err != nil {
					w.log.Warn("watch burst dir", "dir", dir, "error", err)
				}
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", "error", err)

		case now := <-ticker.Chan():
			w.flush(now)
		}
	}
}

// handle records activity for the burst directory event belongs to and
// returns that directory, or "" when the event is outside any burst.
func (w *Watcher) handle(event fsnotify.Event) string {
	path := filepath.Clean(event.Name)
	parent := filepath.Dir(path)

	var dir string
	switch {
	case parent == w.inbox:
		if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
			w.forget(path)
			return ""
		}
		info, err := w.fs.Stat(path)
		if err != nil || !info.IsDir() {
			return ""
		}
		dir = path
	case filepath.Dir(parent) == w.inbox:
		if !fsutil.IsFrameFile(path) && filepath.Base(path) != fsutil.ManifestName {
			return ""
		}
		dir = parent
	default:
		return ""
	}

	w.touch(dir, w.clock.Now())
	return dir
}

func (w *Watcher) touch(dir string, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seen[dir] {
		return
	}
	w.pending[dir] = at
}

func (w *Watcher) forget(dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.pending, dir)
	delete(w.seen, dir)
}

// flush submits every pending burst that has been quiet for the settle period.
func (w *Watcher) flush(now time.Time) {
	w.mu.Lock()
	var ready []string
	for dir, last := range w.pending {
		if now.Sub(last) >= w.settle {
			ready = append(ready, dir)
			delete(w.pending, dir)
		}
	}
	w.mu.Unlock()

	for _, dir := range ready {
		files, err := fsutil.ListFrames(w.fs, dir)
		if err != nil || len(files) == 0 {
			continue
		}
		job := pipeline.Job{Type: pipeline.JobComposite, InputPath: dir}
		if w.output != "" {
			job.Output = filepath.Join(w.output, filepath.Base(dir)+".jpg")
		}
		id, err := w.submit.Submit(job)
		if err != nil {
			w.log.Warn("submit burst", "dir", dir, "error", err)
			w.touch(dir, now)
			continue
		}
		w.mu.Lock()
		w.seen[dir] = true
		w.mu.Unlock()
		metrics.WatchBurstsDetected.Inc()
		w.log.Info("burst submitted", "dir", dir, "frames", len(files), "job", id)
	}
}
