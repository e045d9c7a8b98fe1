package composite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"

	"github.com/google/uuid"

	"deghost/internal/arena"
)

// State is a position in the session lifecycle.
type State int

const (
	StateEmpty State = iota
	StateIngested
	StateReady
	StateFinalized
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateIngested:
		return "ingested"
	case StateReady:
		return "ready"
	case StateFinalized:
		return "finalized"
	case StateReleased:
		return "released"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DefaultMaxFrameBytes bounds a single ingested frame.
const DefaultMaxFrameBytes = 64 << 20

// Options tune a session.
type Options struct {
	MaxFrameBytes int
	Logger        *slog.Logger
}

// Session drives one burst from ingestion to the saved artifact. Every
// operation that touches native buffers holds the session lock; Snapshot
// never does.
type Session struct {
	sem      chan struct{}
	arena    *arena.Arena
	native   Native
	renderer Renderer
	log      *slog.Logger
	maxBytes int

	// guarded by sem
	state      State
	id         string
	kind       arena.Kind
	input      Size
	frames     []arena.Owned
	decoded    int
	params     Params
	composite  arena.Owned
	crop       Rect
	generation uint64
	released   bool

	snap atomic.Pointer[Snapshot]
}

// NewSession creates an empty session over a, with native doing the merge
// and renderer producing previews and saved images.
func NewSession(a *arena.Arena, native Native, renderer Renderer, opts Options) *Session {
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Session{
		sem:      make(chan struct{}, 1),
		arena:    a,
		native:   native,
		renderer: renderer,
		log:      opts.Logger,
		maxBytes: opts.MaxFrameBytes,
	}
	s.publish()
	return s
}

// lock blocks until the session is free or ctx is done. Cancellation only
// abandons the wait; a running operation is never interrupted.
func (s *Session) lock(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) unlock() { <-s.sem }

// Ingest admits a burst and decodes it. It is valid on an empty or released
// session; on any failure the session is left as it was and nothing stays
// resident.
func (s *Session) Ingest(ctx context.Context, frames []arena.FrameBuffer, size Size) error {
	const op = "ingest"
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock()

	if s.state != StateEmpty && s.state != StateReleased {
		return newError(KindInvalidState, op, "session is %s", s.state)
	}
	if len(frames) < 1 || len(frames) > arena.MaxFrames {
		return newError(KindTooManyFrames, op, "got %d frames, want 1..%d", len(frames), arena.MaxFrames)
	}
	if !size.Valid() {
		return newError(KindInvalidDimensions, op, "input size %s", size)
	}
	kind := frames[0].Kind
	for i, f := range frames {
		if len(f.Data) == 0 {
			return newError(KindInvalidFrames, op, "frame %d is empty", i)
		}
		if len(f.Data) > s.maxBytes {
			return newError(KindInvalidFrames, op, "frame %d is %d bytes, max %d", i, len(f.Data), s.maxBytes)
		}
		if f.Kind != kind {
			return newError(KindInvalidFrames, op, "frame %d is %s, burst is %s", i, f.Kind, kind)
		}
	}

	entries, err := s.arena.Admit(frames)
	if err != nil {
		return fromArena(op, err)
	}
	owned := make([]arena.Owned, len(entries))
	for i, e := range entries {
		owned[i] = s.arena.Own(e)
	}

	decoded, err := s.native.Convert(ctx, entries, kind, size)
	if err != nil || decoded < len(entries) {
		s.native.Release(len(entries))
		releaseAll(owned, s.log)
		if err != nil {
			return wrapError(KindOutOfMemory, op, err)
		}
		return newError(KindFrameDecode, op, "decoded %d of %d frames", decoded, len(entries))
	}

	s.id = uuid.NewString()
	s.kind = kind
	s.input = size
	s.frames = owned
	s.decoded = len(entries)
	s.params = Params{}
	s.crop = Rect{}
	s.released = false
	s.state = StateIngested
	s.generation++
	s.publish()

	s.log.Debug("session ingested", "session", s.id, "frames", len(entries), "kind", kind, "size", size)
	return nil
}

// Initialize validates p and runs the first merge. It is also accepted on a
// ready session, which re-merges with the new parameters.
func (s *Session) Initialize(ctx context.Context, p Params) error {
	const op = "initialize"
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock()

	if s.state != StateIngested && s.state != StateReady {
		return newError(KindInvalidState, op, "session is %s", s.state)
	}
	if err := p.validate(op, s.input, len(s.frames)); err != nil {
		return err
	}

	if err := s.releaseComposite(); err != nil {
		s.log.Warn("release composite before merge", "session", s.id, "error", err)
	}
	s.publish()

	composite, crop, err := s.merge(ctx, op, p, p.Order)
	if err != nil {
		return err
	}

	s.params = p.clone()
	s.composite = composite
	s.crop = crop
	s.state = StateReady
	s.generation++
	s.publish()
	return nil
}

// Reorder re-merges the same admitted frames with a new permutation. The
// previous composite is released before the merge runs.
func (s *Session) Reorder(ctx context.Context, order []int) error {
	const op = "reorder"
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock()

	if s.state != StateReady {
		return newError(KindInvalidState, op, "session is %s", s.state)
	}
	if !ValidOrder(order, len(s.frames)) {
		return newError(KindInvalidOrder, op, "order %v is not a permutation of %d frames", order, len(s.frames))
	}

	if err := s.releaseComposite(); err != nil {
		s.log.Warn("release composite before merge", "session", s.id, "error", err)
	}
	s.publish()

	composite, crop, err := s.merge(ctx, op, s.params, order)
	if err != nil {
		return err
	}

	s.params.Order = slices.Clone(order)
	s.composite = composite
	s.crop = crop
	s.generation++
	s.publish()
	return nil
}

func (s *Session) merge(ctx context.Context, op string, p Params, order []int) (arena.Owned, Rect, error) {
	entries := make([]arena.Entry, len(s.frames))
	for i, f := range s.frames {
		entries[i] = f.Entry()
	}
	req := MergeRequest{
		Frames:      entries,
		Size:        s.input,
		Sensitivity: p.Sensitivity,
		MinSize:     p.MinSize,
		Ratio:       PackingRatio(s.input),
		Ghosting:    p.Ghosting,
		Order:       slices.Clone(order),
	}

	res, err := s.native.Merge(ctx, req)
	if err != nil {
		if errors.Is(err, arena.ErrOutOfMemory) || errors.Is(err, ErrOutOfMemory) {
			return arena.Owned{}, Rect{}, wrapError(KindOutOfMemory, op, err)
		}
		return arena.Owned{}, Rect{}, wrapError(KindMergeFailed, op, err)
	}

	out := s.arena.Own(res.Composite)
	if !out.Valid() {
		return arena.Owned{}, Rect{}, newError(KindMergeFailed, op, "merge returned no composite")
	}
	if !res.Crop.Within(s.input) {
		if rerr := out.Release(); rerr != nil {
			s.log.Warn("release rejected composite", "session", s.id, "error", rerr)
		}
		return arena.Owned{}, Rect{}, newError(KindMergeFailed, op, "crop %+v outside %s", res.Crop, s.input)
	}
	return out, res.Crop, nil
}

// Preview renders the current composite at preview size, rotated by the
// session angle. Without a composite it returns an empty artifact.
func (s *Session) Preview(ctx context.Context) (PreviewArtifact, error) {
	const op = "preview"
	if err := s.lock(ctx); err != nil {
		return PreviewArtifact{}, err
	}
	defer s.unlock()

	if !s.composite.Valid() {
		return PreviewArtifact{}, nil
	}
	nv21, err := s.composite.CopyOut()
	if err != nil {
		return PreviewArtifact{}, wrapError(KindEncodeFailed, op, err)
	}

	art, err := s.renderer.Preview(ctx, PreviewRequest{
		NV21:    nv21,
		Input:   s.input,
		Region:  Rect{W: s.input.W, H: s.input.H},
		Preview: s.params.Preview,
		Angle:   s.params.Angle,
	})
	if err != nil {
		return PreviewArtifact{}, wrapError(KindEncodeFailed, op, err)
	}
	want := RotatedSize(s.params.Preview, s.params.Angle)
	if art.Width != want.W || art.Height != want.H {
		return PreviewArtifact{}, newError(KindEncodeFailed, op, "preview is %dx%d, want %s", art.Width, art.Height, want)
	}
	return art, nil
}

// Finalize encodes the composite cropped to the merge rectangle and releases
// it. The composite is released even when encoding fails.
func (s *Session) Finalize(ctx context.Context) (SavedArtifact, error) {
	const op = "finalize"
	if err := s.lock(ctx); err != nil {
		return SavedArtifact{}, err
	}
	defer s.unlock()

	if s.state != StateReady || !s.composite.Valid() {
		return SavedArtifact{}, newError(KindInvalidState, op, "session is %s without composite", s.state)
	}

	nv21, cerr := s.composite.CopyOut()
	if err := s.releaseComposite(); err != nil {
		s.log.Warn("release composite after encode", "session", s.id, "error", err)
	}
	s.state = StateFinalized
	s.generation++
	s.publish()

	if cerr != nil {
		return SavedArtifact{}, wrapError(KindEncodeFailed, op, cerr)
	}
	data, err := s.renderer.Encode(ctx, EncodeRequest{
		NV21:    nv21,
		Input:   s.input,
		Crop:    s.crop,
		Quality: SaveQuality,
	})
	if err != nil {
		return SavedArtifact{}, wrapError(KindEncodeFailed, op, err)
	}
	if len(data) == 0 {
		return SavedArtifact{}, newError(KindEncodeFailed, op, "encoder produced no bytes")
	}
	return SavedArtifact{Data: data, Crop: s.crop, Quality: SaveQuality}, nil
}

// Release frees the composite, the decoded state and every admitted frame.
// It always succeeds and does nothing on a session that is already released.
func (s *Session) Release() {
	s.sem <- struct{}{}
	defer s.unlock()

	if s.released {
		return
	}
	if err := s.releaseComposite(); err != nil {
		s.log.Warn("release composite", "session", s.id, "error", err)
	}
	if s.decoded > 0 {
		s.native.Release(s.decoded)
	}
	releaseAll(s.frames, s.log)

	id := s.id
	s.id = ""
	s.kind = 0
	s.input = Size{}
	s.frames = nil
	s.decoded = 0
	s.params = Params{}
	s.crop = Rect{}
	s.released = true
	s.state = StateReleased
	s.generation++
	s.publish()

	s.log.Debug("session released", "session", id)
}

func (s *Session) releaseComposite() error {
	return s.composite.Release()
}

func releaseAll(owned []arena.Owned, log *slog.Logger) {
	for i := range owned {
		if err := owned[i].Release(); err != nil {
			log.Warn("release frame", "index", i, "error", err)
		}
	}
}
