package studio

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deghost/internal/arena"
	"deghost/internal/composite"
	"deghost/internal/fsutil"
	"deghost/internal/logging"
	"deghost/internal/metrics"
	"deghost/internal/storage"
)

type fakeNative struct {
	arena *arena.Arena

	mu       sync.Mutex
	mergeErr error
	entered  chan struct{}
	block    chan struct{}
	merges   atomic.Int32
	released atomic.Int32
}

func (n *fakeNative) Convert(_ context.Context, frames []arena.Entry, _ arena.Kind, _ composite.Size) (int, error) {
	return len(frames), nil
}

func (n *fakeNative) Merge(_ context.Context, req composite.MergeRequest) (composite.MergeResult, error) {
	n.merges.Add(1)
	n.mu.Lock()
	entered, block, mergeErr := n.entered, n.block, n.mergeErr
	n.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}
	if mergeErr != nil {
		return composite.MergeResult{}, mergeErr
	}
	e, buf, err := n.arena.Alloc(req.Size.NV21Len())
	if err != nil {
		return composite.MergeResult{}, err
	}
	for i := range buf {
		buf[i] = byte(req.Order[0])
	}
	return composite.MergeResult{Composite: e, Crop: composite.Rect{W: req.Size.W, H: req.Size.H}}, nil
}

func (n *fakeNative) Release(int) { n.released.Add(1) }

func (n *fakeNative) set(f func(n *fakeNative)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	f(n)
}

type fakeRenderer struct{}

func (fakeRenderer) Preview(_ context.Context, req composite.PreviewRequest) (composite.PreviewArtifact, error) {
	s := composite.RotatedSize(req.Preview, req.Angle)
	pix := make([]byte, s.W*s.H*4)
	for i := range pix {
		pix[i] = req.NV21[0]
	}
	return composite.PreviewArtifact{Width: s.W, Height: s.H, Pix: pix}, nil
}

func (fakeRenderer) Encode(context.Context, composite.EncodeRequest) ([]byte, error) {
	return []byte{0xFF, 0xD8, 0xFF, 0xD9}, nil
}

type harness struct {
	studio *Studio
	arena  *arena.Arena
	native *fakeNative
	store  *storage.Store
	fs     afero.Fs
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := logging.New("error", "text")
	a := arena.New(arena.HeapAllocator{}, logger)
	store, err := storage.New(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fs := afero.NewMemMapFs()
	native := &fakeNative{arena: a}
	prefs := DefaultPreferences()
	prefs.Display = composite.Size{W: 24, H: 40}
	st := New(a, native, fakeRenderer{}, Options{
		Preferences: prefs,
		Logger:      logger,
		Store:       store,
		Clock:       clockwork.NewFakeClock(),
		Output:      &fsutil.ArtifactWriter{Fs: fs, Dir: "/out"},
	})
	t.Cleanup(st.Shutdown)
	return &harness{studio: st, arena: a, native: native, store: store, fs: fs}
}

func burst(n int) Burst {
	size := composite.Size{W: 64, H: 48}
	frames := make([]arena.FrameBuffer, n)
	for i := range frames {
		data := make([]byte, size.NV21Len())
		data[0] = byte(i + 1)
		frames[i] = arena.FrameBuffer{Kind: arena.KindNV21, Data: data}
	}
	return Burst{Frames: frames, Size: size, Source: "/inbox/test"}
}

func resident(a *arena.Arena) int {
	n, _ := a.Resident()
	return n
}

func TestPreferencesParams(t *testing.T) {
	p := DefaultPreferences().Params(composite.Size{W: 1920, H: 1080}, 3)
	assert.Equal(t, 4, p.Sensitivity)
	assert.Equal(t, 2073, p.MinSize)
	assert.Equal(t, composite.GhostingRemoveAll, p.Ghosting)
	assert.Equal(t, []int{0, 1, 2}, p.Order)
	assert.True(t, p.Preview.Valid())
}

func TestOpenSaveWritesArtifactAndLedger(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.studio.Open(ctx, burst(3), nil))
	st := h.studio.Status()
	assert.True(t, st.Open)
	assert.Equal(t, "/inbox/test", st.Source)
	assert.Equal(t, composite.StateReady, st.Session.State)
	id := st.Session.ID
	require.NotEmpty(t, id)

	res, err := h.studio.Save(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "/out/"+id+".jpg", res.Path)
	assert.Equal(t, composite.SaveQuality, res.Artifact.Quality)

	data, err := afero.ReadFile(h.fs, res.Path)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8, 0xFF, 0xD9}, data)

	assert.False(t, h.studio.Status().Open)
	assert.Equal(t, 0, resident(h.arena))

	recs, err := h.store.RecentSessions(1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, OutcomeSaved, recs[0].Status)
	assert.Equal(t, 3, recs[0].Frames)
	assert.Equal(t, res.Path, recs[0].ArtifactPath)
	assert.Equal(t, 4, recs[0].ArtifactBytes)

	events, err := h.store.SessionEvents(id)
	require.NoError(t, err)
	var types []string
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{"ingest", "initialize", "finalize", "write"}, types)
}

func TestOpenWhileActive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.studio.Open(ctx, burst(2), nil))
	assert.ErrorIs(t, h.studio.Open(ctx, burst(2), nil), ErrSessionActive)
}

func TestOpenIngestFailureLeavesNothingOpen(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.studio.Open(ctx, burst(9), nil)
	assert.ErrorIs(t, err, composite.ErrTooManyFrames)
	assert.False(t, h.studio.Status().Open)
	assert.Equal(t, 0, resident(h.arena))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.SessionsActive))

	require.NoError(t, h.studio.Open(ctx, burst(2), nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SessionsActive))
	require.NoError(t, h.studio.Leave())
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.SessionsActive))
}

func TestOpenWithBadParamsCanBeReconfigured(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p := DefaultPreferences().Params(composite.Size{W: 64, H: 48}, 2)
	p.Sensitivity = 16
	err := h.studio.Open(ctx, burst(2), &p)
	assert.ErrorIs(t, err, composite.ErrInvalidSensitivity)

	st := h.studio.Status()
	assert.True(t, st.Open)
	assert.False(t, st.Finishing)
	assert.Equal(t, composite.StateIngested, st.Session.State)
	assert.Equal(t, 2, resident(h.arena), "frames stay admitted")
	assert.ErrorIs(t, h.studio.Open(ctx, burst(2), nil), ErrSessionActive)

	p.Sensitivity = 0
	require.NoError(t, h.studio.Configure(ctx, p))
	assert.Equal(t, composite.StateReady, h.studio.Status().Session.State)

	res, err := h.studio.Save(ctx, "fixed.jpg")
	require.NoError(t, err)
	assert.Equal(t, "/out/fixed.jpg", res.Path)
}

func TestOpenOutOfMemoryClosesSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.native.set(func(n *fakeNative) { n.mergeErr = arena.ErrOutOfMemory })

	err := h.studio.Open(ctx, burst(2), nil)
	assert.ErrorIs(t, err, composite.ErrOutOfMemory)
	assert.False(t, h.studio.Status().Open)
	assert.Equal(t, 0, resident(h.arena))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.SessionsActive))

	recs, err := h.store.RecentSessions(1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, OutcomeFailed, recs[0].Status)
	assert.Contains(t, recs[0].Error, "out_of_memory")

	h.native.set(func(n *fakeNative) { n.mergeErr = nil })
	require.NoError(t, h.studio.Open(ctx, burst(2), nil))
}

func TestSaveWithoutCompositeKeepsSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.studio.Open(ctx, burst(2), nil))

	h.native.set(func(n *fakeNative) { n.mergeErr = assert.AnError })
	_, err := h.studio.ChangeOrder(ctx, []int{1, 0})
	assert.ErrorIs(t, err, composite.ErrMergeFailed)

	_, err = h.studio.Save(ctx, "early.jpg")
	assert.ErrorIs(t, err, composite.ErrInvalidState)
	st := h.studio.Status()
	assert.True(t, st.Open)
	assert.False(t, st.Finishing)

	h.native.set(func(n *fakeNative) { n.mergeErr = nil })
	_, err = h.studio.ChangeOrder(ctx, []int{1, 0})
	require.NoError(t, err)
	res, err := h.studio.Save(ctx, "retry.jpg")
	require.NoError(t, err)
	assert.Equal(t, "/out/retry.jpg", res.Path)
}

func TestChangeOrderRendersPreview(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.studio.Open(ctx, burst(3), nil))

	art, err := h.studio.ChangeOrder(ctx, []int{2, 0, 1})
	require.NoError(t, err)
	require.False(t, art.Empty())
	assert.Equal(t, byte(2), art.Pix[0])

	st := h.studio.Status()
	assert.Equal(t, []int{2, 0, 1}, st.Session.Order)
	assert.Equal(t, 1, st.OrderChanges)
	assert.Equal(t, 4, resident(h.arena), "three frames and one composite")

	_, err = h.studio.ChangeOrder(ctx, []int{0, 0, 1})
	assert.ErrorIs(t, err, composite.ErrInvalidOrder)
}

func TestConcurrentOrderChangeRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.studio.Open(ctx, burst(3), nil))

	entered := make(chan struct{}, 1)
	block := make(chan struct{})
	h.native.set(func(n *fakeNative) { n.entered, n.block = entered, block })

	done := make(chan error, 1)
	go func() {
		_, err := h.studio.ChangeOrder(ctx, []int{1, 2, 0})
		done <- err
	}()
	<-entered

	_, err := h.studio.ChangeOrder(ctx, []int{2, 1, 0})
	assert.ErrorIs(t, err, ErrOrderChangeInFlight)

	h.native.set(func(n *fakeNative) { n.entered, n.block = nil, nil })
	close(block)
	require.NoError(t, <-done)

	_, err = h.studio.ChangeOrder(ctx, []int{2, 1, 0})
	require.NoError(t, err, "gate reopens after the change completes")
	assert.Equal(t, []int{2, 1, 0}, h.studio.Snapshot().Order)
}

func TestLeaveWinsOverSave(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.studio.Open(ctx, burst(3), nil))

	entered := make(chan struct{}, 1)
	block := make(chan struct{})
	h.native.set(func(n *fakeNative) { n.entered, n.block = entered, block })

	orderDone := make(chan struct{})
	go func() {
		defer close(orderDone)
		_, _ = h.studio.ChangeOrder(ctx, []int{1, 0, 2})
	}()
	<-entered

	leaveDone := make(chan error, 1)
	go func() { leaveDone <- h.studio.Leave() }()
	require.Eventually(t, func() bool { return h.studio.Status().Finishing }, time.Second, time.Millisecond)

	_, err := h.studio.Save(ctx, "late.jpg")
	assert.ErrorIs(t, err, ErrAlreadyFinishing)

	select {
	case <-leaveDone:
		t.Fatal("leave returned while a merge was running")
	default:
	}

	close(block)
	require.NoError(t, <-leaveDone)
	<-orderDone

	assert.False(t, h.studio.Status().Open)
	assert.Equal(t, 0, resident(h.arena))
	exists, err := afero.Exists(h.fs, "/out/late.jpg")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestOutOfMemoryDuringReorderClosesSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.studio.Open(ctx, burst(2), nil))

	h.native.set(func(n *fakeNative) { n.mergeErr = arena.ErrOutOfMemory })
	_, err := h.studio.ChangeOrder(ctx, []int{1, 0})
	assert.ErrorIs(t, err, composite.ErrOutOfMemory)

	assert.False(t, h.studio.Status().Open)
	assert.Equal(t, 0, resident(h.arena))
	assert.ErrorIs(t, h.studio.Leave(), ErrNoSession)
}

func TestMergeFailureKeepsSessionOpen(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.studio.Open(ctx, burst(2), nil))

	h.native.set(func(n *fakeNative) { n.mergeErr = assert.AnError })
	_, err := h.studio.ChangeOrder(ctx, []int{1, 0})
	assert.ErrorIs(t, err, composite.ErrMergeFailed)
	assert.True(t, h.studio.Status().Open)

	art, err := h.studio.Preview(ctx)
	require.NoError(t, err)
	assert.True(t, art.Empty(), "no composite after a failed reorder")
	require.NoError(t, h.studio.Leave())
}

func TestSubscribeReceivesSteps(t *testing.T) {
	h := newHarness(t)
	events, cancel := h.studio.Subscribe()
	defer cancel()

	require.NoError(t, h.studio.Open(context.Background(), burst(2), nil))
	require.NoError(t, h.studio.Leave())

	var types []string
	for len(types) < 3 {
		select {
		case ev := <-events:
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("got only %v", types)
		}
	}
	assert.Equal(t, []string{"ingest", "initialize", "closed"}, types)

	cancel()
	_, ok := <-events
	assert.False(t, ok)
}

func TestOperationsWithoutSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.studio.ChangeOrder(ctx, []int{0})
	assert.ErrorIs(t, err, ErrNoSession)
	_, err = h.studio.Save(ctx, "")
	assert.ErrorIs(t, err, ErrNoSession)
	assert.ErrorIs(t, h.studio.Leave(), ErrNoSession)
	assert.ErrorIs(t, h.studio.Configure(ctx, composite.Params{}), ErrNoSession)

	art, err := h.studio.Preview(ctx)
	require.NoError(t, err)
	assert.True(t, art.Empty())
}
