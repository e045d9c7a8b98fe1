package composite

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"testing"

	"deghost/internal/arena"
)

// trackingAllocator fails the test when a region is freed twice.
type trackingAllocator struct {
	t *testing.T

	mu        sync.Mutex
	live      map[*byte]bool
	allocs    int
	frees     int
	failAfter int
}

func newTrackingAllocator(t *testing.T) *trackingAllocator {
	return &trackingAllocator{t: t, live: make(map[*byte]bool)}
}

func (a *trackingAllocator) Alloc(n int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allocs++
	if a.failAfter > 0 && a.allocs > a.failAfter {
		return nil, errInjected
	}
	b := make([]byte, n)
	a.live[&b[0]] = true
	return b, nil
}

func (a *trackingAllocator) Free(b []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.frees++
	if !a.live[&b[0]] {
		a.t.Errorf("region freed twice")
		return errInjected
	}
	delete(a.live, &b[0])
	return nil
}

type injectedError struct{}

func (injectedError) Error() string { return "injected" }

var errInjected error = injectedError{}

// stubNative checks the single-composite rule on every merge.
type stubNative struct {
	arena *arena.Arena

	mu            sync.Mutex
	convertCalls  int
	mergeCalls    int
	releaseCalls  int
	decodeShort   int
	convertErr    error
	mergeErr      error
	lastReq       MergeRequest
	lastComposite arena.Handle
	violations    int

	inFlight    atomic.Int32
	maxInFlight atomic.Int32

	entered chan struct{}
	block   chan struct{}
}

func (n *stubNative) Convert(_ context.Context, frames []arena.Entry, kind arena.Kind, size Size) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.convertCalls++
	if n.convertErr != nil {
		return 0, n.convertErr
	}
	return len(frames) - n.decodeShort, nil
}

func (n *stubNative) Merge(_ context.Context, req MergeRequest) (MergeResult, error) {
	cur := n.inFlight.Add(1)
	defer n.inFlight.Add(-1)
	for {
		m := n.maxInFlight.Load()
		if cur <= m || n.maxInFlight.CompareAndSwap(m, cur) {
			break
		}
	}
	if n.entered != nil {
		n.entered <- struct{}{}
	}
	if n.block != nil {
		<-n.block
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.mergeCalls++
	n.lastReq = req

	if n.lastComposite != arena.NoHandle {
		if _, err := n.arena.View(n.lastComposite); err == nil {
			n.violations++
		}
	}
	if resident, _ := n.arena.Resident(); resident != len(req.Frames) {
		n.violations++
	}
	if n.mergeErr != nil {
		return MergeResult{}, n.mergeErr
	}

	e, mem, err := n.arena.Alloc(req.Size.NV21Len())
	if err != nil {
		return MergeResult{}, err
	}
	for i := range mem {
		mem[i] = byte(i*7 + req.Order[0])
	}
	n.lastComposite = e.Handle
	return MergeResult{
		Composite: e,
		Crop:      Rect{X: 2, Y: 2, W: req.Size.W - 4, H: req.Size.H - 4},
	}, nil
}

func (n *stubNative) Release(int) {
	n.mu.Lock()
	n.releaseCalls++
	n.mu.Unlock()
}

func (n *stubNative) calls() (convert, merge, release int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.convertCalls, n.mergeCalls, n.releaseCalls
}

// stubRenderer is a pure function of its inputs.
type stubRenderer struct {
	encodeErr error
}

func (r *stubRenderer) Preview(_ context.Context, req PreviewRequest) (PreviewArtifact, error) {
	out := RotatedSize(req.Preview, req.Angle)
	h := fnv.New32a()
	h.Write(req.NV21)
	_ = binary.Write(h, binary.LittleEndian, int32(req.Angle))
	sum := h.Sum32()

	pix := make([]byte, out.W*out.H*4)
	for i := range pix {
		pix[i] = byte(sum>>(8*(i%4))) ^ byte(i)
	}
	return PreviewArtifact{Width: out.W, Height: out.H, Pix: pix}, nil
}

func (r *stubRenderer) Encode(_ context.Context, req EncodeRequest) ([]byte, error) {
	if r.encodeErr != nil {
		return nil, r.encodeErr
	}
	body := make([]byte, req.Crop.W%251+16)
	out := append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, body...)
	return append(out, 0xFF, 0xD9), nil
}

type harness struct {
	alloc    *trackingAllocator
	arena    *arena.Arena
	native   *stubNative
	renderer *stubRenderer
	session  *Session
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	alloc := newTrackingAllocator(t)
	a := arena.New(alloc, nil)
	native := &stubNative{arena: a}
	renderer := &stubRenderer{}
	return &harness{
		alloc:    alloc,
		arena:    a,
		native:   native,
		renderer: renderer,
		session:  NewSession(a, native, renderer, Options{}),
	}
}

func burst(n, size int) []arena.FrameBuffer {
	out := make([]arena.FrameBuffer, n)
	for i := range out {
		data := make([]byte, size)
		for j := range data {
			data[j] = byte(i*31 + j)
		}
		out[i] = arena.FrameBuffer{Kind: arena.KindJPEG, Data: data}
	}
	return out
}

func validParams(frames int) Params {
	return Params{
		Preview:     Size{W: 32, H: 24},
		Sensitivity: 0,
		MinSize:     100,
		Ghosting:    GhostingSuppress,
		Order:       IdentityOrder(frames),
	}
}
