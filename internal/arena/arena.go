package arena

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// MaxFrames is the largest burst a single admission accepts.
const MaxFrames = 8

// Kind tags the wire encoding of a frame buffer.
type Kind int

const (
	KindJPEG Kind = iota
	KindNV21
)

func (k Kind) String() string {
	switch k {
	case KindJPEG:
		return "jpeg"
	case KindNV21:
		return "nv21"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps "jpeg"/"jpg" and "nv21"/"yuv" onto a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "jpeg", "jpg", "":
		return KindJPEG, nil
	case "nv21", "yuv":
		return KindNV21, nil
	default:
		return 0, fmt.Errorf("unknown frame kind %q", s)
	}
}

// FrameBuffer is one captured frame as handed over by the caller.
type FrameBuffer struct {
	Kind Kind
	Data []byte
}

// Handle identifies a buffer resident in native memory. The zero value means none.
type Handle uint64

// NoHandle is the empty handle.
const NoHandle Handle = 0

// Entry pairs a resident handle with its byte length.
type Entry struct {
	Handle Handle
	Len    int
}

var (
	ErrTooManyFrames = errors.New("frame count must be between 1 and 8")
	ErrOutOfMemory   = errors.New("native allocation failed")
	ErrUnknownHandle = errors.New("handle is not resident")
	ErrEmptyBuffer   = errors.New("zero-length buffer")
	ErrShortBuffer   = errors.New("requested length exceeds resident buffer")
)

// Arena owns buffers copied across the native boundary. Every handle it
// returns stays resident until Release is called for it exactly once.
type Arena struct {
	mu       sync.Mutex
	alloc    Allocator
	log      *slog.Logger
	next     Handle
	resident map[Handle][]byte
	bytes    int64
}

// New creates an arena backed by alloc. A nil logger falls back to slog.Default.
func New(alloc Allocator, logger *slog.Logger) *Arena {
	if alloc == nil {
		alloc = DefaultAllocator()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Arena{
		alloc:    alloc,
		log:      logger,
		resident: make(map[Handle][]byte),
	}
}

// Admit copies every buffer into native memory. Either all buffers become
// resident or none do: on the first failed copy the handles admitted by this
// call are released before the error is returned.
func (a *Arena) Admit(bufs []FrameBuffer) ([]Entry, error) {
	if len(bufs) < 1 || len(bufs) > MaxFrames {
		return nil, fmt.Errorf("%w: got %d", ErrTooManyFrames, len(bufs))
	}

	entries := make([]Entry, 0, len(bufs))
	for i, buf := range bufs {
		e, mem, err := a.Alloc(len(buf.Data))
		if err != nil {
			a.rollback(entries)
			return nil, fmt.Errorf("admit frame %d: %w", i, err)
		}
		copy(mem, buf.Data)
		entries = append(entries, e)
	}
	return entries, nil
}

func (a *Arena) rollback(entries []Entry) {
	for _, e := range entries {
		if err := a.Release(e.Handle); err != nil {
			a.log.Warn("arena rollback failed", "handle", e.Handle, "error", err)
		}
	}
	if len(entries) > 0 {
		a.log.Debug("arena rolled back partial admission", "released", len(entries))
	}
}

// Alloc reserves n bytes of native memory and returns the writable region.
// The region must not be used after the handle is released.
func (a *Arena) Alloc(n int) (Entry, []byte, error) {
	if n <= 0 {
		return Entry{}, nil, ErrEmptyBuffer
	}
	mem, err := a.alloc.Alloc(n)
	if err != nil {
		return Entry{}, nil, fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}
	if mem == nil {
		return Entry{}, nil, ErrOutOfMemory
	}

	a.mu.Lock()
	a.next++
	h := a.next
	a.resident[h] = mem
	a.bytes += int64(len(mem))
	a.mu.Unlock()

	return Entry{Handle: h, Len: n}, mem, nil
}

// Release frees the native buffer behind h. The allocator's free primitive
// is invoked at most once per handle; a second call reports ErrUnknownHandle.
func (a *Arena) Release(h Handle) error {
	a.mu.Lock()
	mem, ok := a.resident[h]
	if ok {
		delete(a.resident, h)
		a.bytes -= int64(len(mem))
	}
	a.mu.Unlock()

	if !ok {
		return fmt.Errorf("release %d: %w", h, ErrUnknownHandle)
	}
	if err := a.alloc.Free(mem); err != nil {
		return fmt.Errorf("release %d: %w", h, err)
	}
	return nil
}

// CopyOut returns a caller-owned copy of the first n bytes behind h.
func (a *Arena) CopyOut(h Handle, n int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	mem, ok := a.resident[h]
	if !ok {
		return nil, fmt.Errorf("copy out %d: %w", h, ErrUnknownHandle)
	}
	if n < 0 || n > len(mem) {
		return nil, fmt.Errorf("copy out %d (%d > %d): %w", h, n, len(mem), ErrShortBuffer)
	}
	out := make([]byte, n)
	copy(out, mem[:n])
	return out, nil
}

// View exposes the resident bytes behind h without copying. It is meant for
// the native collaborator, which runs under the owning session's lock.
func (a *Arena) View(h Handle) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	mem, ok := a.resident[h]
	if !ok {
		return nil, fmt.Errorf("view %d: %w", h, ErrUnknownHandle)
	}
	return mem, nil
}

// Resident reports how many buffers and bytes are currently held.
func (a *Arena) Resident() (int, int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.resident), a.bytes
}

// Own wraps an entry so that it is released exactly once.
func (a *Arena) Own(e Entry) Owned {
	if e.Handle == NoHandle {
		return Owned{}
	}
	return Owned{arena: a, entry: e}
}

// Owned is a move-only reference to a resident buffer. Copying an Owned by
// value duplicates the reference; use Take to transfer it.
type Owned struct {
	arena *Arena
	entry Entry
}

// Valid reports whether the wrapper still owns a handle.
func (o Owned) Valid() bool { return o.arena != nil && o.entry.Handle != NoHandle }

// Entry returns the wrapped handle and length.
func (o Owned) Entry() Entry { return o.entry }

// Take moves ownership out of o, leaving o empty.
func (o *Owned) Take() Owned {
	t := *o
	*o = Owned{}
	return t
}

// Release frees the buffer once; later calls do nothing.
func (o *Owned) Release() error {
	if !o.Valid() {
		return nil
	}
	t := o.Take()
	return t.arena.Release(t.entry.Handle)
}

// CopyOut snapshots the owned buffer.
func (o Owned) CopyOut() ([]byte, error) {
	if !o.Valid() {
		return nil, ErrUnknownHandle
	}
	return o.arena.CopyOut(o.entry.Handle, o.entry.Len)
}
