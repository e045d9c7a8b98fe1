package studio

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"deghost/internal/arena"
	"deghost/internal/composite"
	"deghost/internal/config"
	"deghost/internal/fsutil"
	"deghost/internal/logging"
	"deghost/internal/metrics"
	"deghost/internal/storage"
)

var (
	ErrSessionActive       = errors.New("a session is already open")
	ErrNoSession           = errors.New("no session is open")
	ErrAlreadyFinishing    = errors.New("session is already being saved or left")
	ErrOrderChangeInFlight = errors.New("another order change is in flight")
)

// Session outcomes recorded in the ledger.
const (
	OutcomeSaved  = "saved"
	OutcomeLeft   = "left"
	OutcomeFailed = "failed"
)

// Burst is the input of one session.
type Burst struct {
	Frames []arena.FrameBuffer
	Size   composite.Size
	Source string
}

// FromDir adapts a loaded burst directory.
func FromDir(b *fsutil.Burst) Burst {
	return Burst{Frames: b.Frames, Size: b.Size, Source: b.Dir}
}

// Preferences are the stored defaults a session is initialized from.
type Preferences struct {
	SensitivityPreference int
	MinSizeDivisor        int
	GhostingPreference    int
	Display               composite.Size
	Angle                 int
}

// DefaultPreferences mirrors the out-of-the-box settings.
func DefaultPreferences() Preferences {
	return Preferences{
		SensitivityPreference: composite.DefaultSensitivityPreference,
		MinSizeDivisor:        composite.DefaultMinSizeDivisor,
		GhostingPreference:    composite.DefaultGhostingPreference,
		Display:               composite.Size{W: 720, H: 1280},
	}
}

// PreferencesFromConfig reads the composite section of the config.
func PreferencesFromConfig(c config.Composite) Preferences {
	return Preferences{
		SensitivityPreference: c.SensitivityPreference,
		MinSizeDivisor:        c.MinSizeDivisor,
		GhostingPreference:    c.GhostingPreference,
		Display:               composite.Size{W: c.DisplayWidth, H: c.DisplayHeight},
		Angle:                 c.Angle,
	}
}

// Params derives merge parameters for a burst of n frames of size input.
func (p Preferences) Params(input composite.Size, n int) composite.Params {
	return composite.Params{
		Preview:     composite.FitPreview(input, p.Display),
		Angle:       p.Angle,
		Sensitivity: composite.SensitivityFromPreference(p.SensitivityPreference),
		MinSize:     composite.MinSizeFromDivisor(input.Area(), p.MinSizeDivisor),
		Ghosting:    composite.Ghosting(p.GhostingPreference),
		Order:       composite.IdentityOrder(n),
	}
}

// Options configure a Studio.
type Options struct {
	Preferences   Preferences
	MaxFrameBytes int
	Logger        *slog.Logger
	Store         *storage.Store
	Clock         clockwork.Clock
	Output        *fsutil.ArtifactWriter
}

// Event is broadcast to subscribers after every session step.
type Event struct {
	Type    string             `json:"type"`
	Session composite.Snapshot `json:"session"`
	Detail  map[string]any     `json:"detail,omitempty"`
	Time    time.Time          `json:"time"`
}

// Status is the studio-level view served to clients.
type Status struct {
	Open         bool               `json:"open"`
	Finishing    bool               `json:"finishing"`
	OrderChanges int                `json:"order_changes"`
	Source       string             `json:"source,omitempty"`
	Session      composite.Snapshot `json:"session"`
}

// SaveResult is a finalized artifact and where it was written.
type SaveResult struct {
	Artifact composite.SavedArtifact
	Path     string
}

// Studio owns the one composite session of the process and arbitrates the
// user-facing flows around it.
type Studio struct {
	session *composite.Session
	arena   *arena.Arena
	prefs   Preferences
	log     *slog.Logger
	store   *storage.Store
	clock   clockwork.Clock
	output  *fsutil.ArtifactWriter

	open         atomic.Bool
	finishing    atomic.Bool
	orderGate    atomic.Bool
	orderChanges atomic.Int64
	source       atomic.Pointer[string]
	activeMu     sync.Mutex

	subsMu sync.Mutex
	subs   map[chan Event]struct{}
}

// New builds a studio and its session over a.
func New(a *arena.Arena, native composite.Native, renderer composite.Renderer, opts Options) *Studio {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if !opts.Preferences.Display.Valid() {
		opts.Preferences = DefaultPreferences()
	}
	s := &Studio{
		session: composite.NewSession(a, native, renderer, composite.Options{
			MaxFrameBytes: opts.MaxFrameBytes,
			Logger:        opts.Logger,
		}),
		arena:  a,
		prefs:  opts.Preferences,
		log:    opts.Logger,
		store:  opts.Store,
		clock:  opts.Clock,
		output: opts.Output,
		subs:   make(map[chan Event]struct{}),
	}
	empty := ""
	s.source.Store(&empty)
	return s
}

// Preferences returns the defaults new sessions start from.
func (s *Studio) Preferences() Preferences { return s.prefs }

// Open ingests b and runs the first merge with params, or with parameters
// derived from the preferences when params is nil. A failed ingest or an
// out-of-memory merge leaves nothing resident. Any other merge failure keeps
// the frames so Configure can retry with corrected parameters.
func (s *Studio) Open(ctx context.Context, b Burst, params *composite.Params) error {
	if !s.open.CompareAndSwap(false, true) {
		return ErrSessionActive
	}
	s.finishing.Store(false)
	s.publishActive()
	s.orderChanges.Store(0)
	src := b.Source
	s.source.Store(&src)

	err := s.step("ingest", map[string]any{"frames": len(b.Frames), "size": b.Size.String(), "source": b.Source}, func() error {
		return s.session.Ingest(ctx, b.Frames, b.Size)
	})
	if err != nil {
		s.open.Store(false)
		s.publishActive()
		s.publishArena()
		return err
	}

	if s.finishing.Load() {
		return ErrAlreadyFinishing
	}

	p := s.prefs.Params(b.Size, len(b.Frames))
	if params != nil {
		p = *params
	}
	snap := s.session.Snapshot()
	paramsJSON, _ := json.Marshal(p)
	if err := s.store.RecordSessionOpened(storage.SessionRecord{
		ID:         snap.ID,
		Source:     b.Source,
		Frames:     len(b.Frames),
		Kind:       snap.Kind,
		Width:      b.Size.W,
		Height:     b.Size.H,
		ParamsJSON: string(paramsJSON),
	}); err != nil {
		s.log.Warn("record session opened", "session", snap.ID, "error", err)
	}

	return s.initialize(ctx, p)
}

// Configure re-merges the open session with new parameters.
func (s *Studio) Configure(ctx context.Context, p composite.Params) error {
	if !s.open.Load() {
		return ErrNoSession
	}
	if s.finishing.Load() {
		return ErrAlreadyFinishing
	}
	return s.initialize(ctx, p)
}

func (s *Studio) initialize(ctx context.Context, p composite.Params) error {
	err := s.step("initialize", map[string]any{"params": p}, func() error {
		return s.session.Initialize(ctx, p)
	})
	if errors.Is(err, composite.ErrOutOfMemory) && s.finishing.CompareAndSwap(false, true) {
		s.close(OutcomeFailed, SaveResult{}, err)
	}
	return err
}

// ChangeOrder re-merges with order and renders a fresh preview. Only one
// change runs at a time; a concurrent call is rejected, never queued.
func (s *Studio) ChangeOrder(ctx context.Context, order []int) (composite.PreviewArtifact, error) {
	if !s.open.Load() {
		return composite.PreviewArtifact{}, ErrNoSession
	}
	if s.finishing.Load() {
		return composite.PreviewArtifact{}, ErrAlreadyFinishing
	}
	if !s.orderGate.CompareAndSwap(false, true) {
		metrics.OrderChangesRejected.WithLabelValues("in_flight").Inc()
		return composite.PreviewArtifact{}, ErrOrderChangeInFlight
	}
	defer s.orderGate.Store(false)

	err := s.step("reorder", map[string]any{"order": order}, func() error {
		return s.session.Reorder(ctx, order)
	})
	if err != nil {
		if errors.Is(err, composite.ErrOutOfMemory) && s.finishing.CompareAndSwap(false, true) {
			s.close(OutcomeFailed, SaveResult{}, err)
		}
		return composite.PreviewArtifact{}, err
	}
	s.orderChanges.Add(1)

	var art composite.PreviewArtifact
	err = s.step("preview", nil, func() error {
		var perr error
		art, perr = s.session.Preview(ctx)
		return perr
	})
	return art, err
}

// Preview renders the current composite. It is empty when there is none.
func (s *Studio) Preview(ctx context.Context) (composite.PreviewArtifact, error) {
	return s.session.Preview(ctx)
}

// Save finalizes the session, writes the artifact when an output is
// configured and closes the session. It loses to a concurrent Leave.
func (s *Studio) Save(ctx context.Context, name string) (SaveResult, error) {
	if !s.open.Load() {
		return SaveResult{}, ErrNoSession
	}
	if !s.finishing.CompareAndSwap(false, true) {
		return SaveResult{}, ErrAlreadyFinishing
	}

	id := s.session.Snapshot().ID
	var res SaveResult
	err := s.step("finalize", nil, func() error {
		var ferr error
		res.Artifact, ferr = s.session.Finalize(ctx)
		return ferr
	})
	if composite.KindOf(err) == composite.KindInvalidState {
		// Nothing was released; the session can still be re-merged and saved.
		s.finishing.Store(false)
		return SaveResult{}, err
	}
	if err != nil {
		s.close(OutcomeFailed, SaveResult{}, err)
		return SaveResult{}, err
	}

	if s.output != nil {
		if name == "" {
			name = id + ".jpg"
		}
		err = s.step("write", map[string]any{"name": name, "bytes": len(res.Artifact.Data)}, func() error {
			var werr error
			res.Path, werr = s.output.Write(name, res.Artifact.Data)
			return werr
		})
		if err != nil {
			s.close(OutcomeFailed, res, err)
			return res, err
		}
	}

	metrics.SavedArtifactBytes.Observe(float64(len(res.Artifact.Data)))
	s.close(OutcomeSaved, res, nil)
	return res, nil
}

// Leave abandons the session. It waits for a running merge to finish and
// then releases everything.
func (s *Studio) Leave() error {
	if !s.open.Load() {
		return ErrNoSession
	}
	if !s.finishing.CompareAndSwap(false, true) {
		return ErrAlreadyFinishing
	}
	s.close(OutcomeLeft, SaveResult{}, nil)
	return nil
}

// Shutdown releases any open session regardless of its state.
func (s *Studio) Shutdown() {
	if s.open.Load() && s.finishing.CompareAndSwap(false, true) {
		s.close(OutcomeLeft, SaveResult{}, nil)
	}
	s.subsMu.Lock()
	for ch := range s.subs {
		close(ch)
		delete(s.subs, ch)
	}
	s.subsMu.Unlock()
}

func (s *Studio) close(outcome string, res SaveResult, cause error) {
	snap := s.session.Snapshot()
	params, _ := json.Marshal(composite.Params{
		Preview:     snap.Preview,
		Angle:       snap.Angle,
		Sensitivity: snap.Sensitivity,
		MinSize:     snap.MinSize,
		Ghosting:    snap.Ghosting,
		Order:       snap.Order,
	})

	start := s.clock.Now()
	s.session.Release()
	logging.LogSessionStep(s.log, snap.ID, "release", "completed", s.clock.Since(start), map[string]any{"outcome": outcome})

	rec := storage.SessionRecord{
		ID:            snap.ID,
		Status:        outcome,
		ParamsJSON:    string(params),
		OrderChanges:  int(s.orderChanges.Load()),
		ArtifactPath:  res.Path,
		ArtifactBytes: len(res.Artifact.Data),
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	if err := s.store.RecordSessionClosed(rec); err != nil {
		s.log.Warn("record session closed", "session", snap.ID, "error", err)
	}
	metrics.SessionsClosedTotal.WithLabelValues(outcome).Inc()
	s.publishArena()

	s.open.Store(false)
	s.publishActive()
	s.broadcast("closed", map[string]any{"id": snap.ID, "outcome": outcome, "path": res.Path})
}

// step runs fn as a named session step and records its outcome.
func (s *Studio) step(name string, details map[string]any, fn func() error) error {
	start := s.clock.Now()
	err := fn()
	elapsed := s.clock.Since(start)

	snap := s.session.Snapshot()
	status, outcome := "completed", "ok"
	if err != nil {
		status = "failed"
		outcome = string(composite.KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
		if details == nil {
			details = map[string]any{}
		}
		details["error"] = err.Error()
	}
	metrics.SessionStepsTotal.WithLabelValues(name, outcome).Inc()
	metrics.SessionStepDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	logging.LogSessionStep(s.log, snap.ID, name, status, elapsed, details)
	if snap.ID != "" {
		data := map[string]any{"status": status, "duration_ms": elapsed.Milliseconds()}
		for k, v := range details {
			data[k] = v
		}
		if rerr := s.store.RecordEvent(snap.ID, name, data); rerr != nil {
			s.log.Warn("record session event", "session", snap.ID, "error", rerr)
		}
	}
	s.publishArena()
	s.broadcast(name, details)
	return err
}

// publishActive reads the flags under activeMu so the last writer always
// reflects the final state, whichever of Open and close gets there last.
func (s *Studio) publishActive() {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	if s.open.Load() && !s.finishing.Load() {
		metrics.SessionsActive.Set(1)
	} else {
		metrics.SessionsActive.Set(0)
	}
}

func (s *Studio) publishArena() {
	n, bytes := s.arena.Resident()
	metrics.ArenaResidentBuffers.Set(float64(n))
	metrics.ArenaResidentBytes.Set(float64(bytes))
}

// Snapshot returns the session state without waiting for a running step.
func (s *Studio) Snapshot() composite.Snapshot { return s.session.Snapshot() }

// Status reports the studio flags together with the session snapshot.
func (s *Studio) Status() Status {
	return Status{
		Open:         s.open.Load(),
		Finishing:    s.finishing.Load(),
		OrderChanges: int(s.orderChanges.Load()),
		Source:       *s.source.Load(),
		Session:      s.session.Snapshot(),
	}
}

// Subscribe returns a channel of step events and a function that ends the
// subscription. Slow subscribers miss events rather than block the studio.
func (s *Studio) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	s.subsMu.Lock()
	s.subs[ch] = struct{}{}
	s.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			if _, ok := s.subs[ch]; ok {
				delete(s.subs, ch)
				close(ch)
			}
			s.subsMu.Unlock()
		})
	}
}

func (s *Studio) broadcast(typ string, detail map[string]any) {
	ev := Event{Type: typ, Session: s.session.Snapshot(), Detail: detail, Time: s.clock.Now()}
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
