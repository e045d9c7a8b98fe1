package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deghost/internal/arena"
	"deghost/internal/composite"
	"deghost/internal/fsutil"
	"deghost/internal/logging"
	"deghost/internal/metrics"
	"deghost/internal/pipeline"
	"deghost/internal/storage"
	"deghost/internal/studio"
)

type fakeNative struct{ arena *arena.Arena }

func (n *fakeNative) Convert(_ context.Context, frames []arena.Entry, _ arena.Kind, _ composite.Size) (int, error) {
	return len(frames), nil
}

func (n *fakeNative) Merge(_ context.Context, req composite.MergeRequest) (composite.MergeResult, error) {
	e, _, err := n.arena.Alloc(req.Size.NV21Len())
	if err != nil {
		return composite.MergeResult{}, err
	}
	return composite.MergeResult{Composite: e, Crop: composite.Rect{W: req.Size.W, H: req.Size.H}}, nil
}

func (n *fakeNative) Release(int) {}

type fakeRenderer struct{}

func (fakeRenderer) Preview(_ context.Context, req composite.PreviewRequest) (composite.PreviewArtifact, error) {
	s := composite.RotatedSize(req.Preview, req.Angle)
	return composite.PreviewArtifact{Width: s.W, Height: s.H, Pix: make([]byte, s.W*s.H*4)}, nil
}

func (fakeRenderer) Encode(context.Context, composite.EncodeRequest) ([]byte, error) {
	return []byte{0xFF, 0xD8, 0xFF, 0xD9}, nil
}

var pngMagic = []byte{0x89, 'P', 'N', 'G'}

type fakeEncoder struct{ calls int }

func (e *fakeEncoder) EncodePNG(art composite.PreviewArtifact) ([]byte, error) {
	e.calls++
	return append(append([]byte{}, pngMagic...), byte(art.Width), byte(art.Height)), nil
}

type fixture struct {
	srv     *Server
	handler http.Handler
	studio  *studio.Studio
	fs      afero.Fs
	store   *storage.Store
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	logger := logging.New("error", "text")
	a := arena.New(arena.HeapAllocator{}, logger)
	store, err := storage.New(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fs := afero.NewMemMapFs()
	prefs := studio.DefaultPreferences()
	prefs.Display = composite.Size{W: 24, H: 40}
	st := studio.New(a, &fakeNative{arena: a}, fakeRenderer{}, studio.Options{
		Preferences: prefs,
		Logger:      logger,
		Store:       store,
		Output:      &fsutil.ArtifactWriter{Fs: fs, Dir: "/out"},
	})
	t.Cleanup(st.Shutdown)

	opts.Studio = st
	opts.Store = store
	opts.Fs = fs
	opts.Logger = logger
	if opts.Encoder == nil {
		opts.Encoder = &fakeEncoder{}
	}
	srv := New(opts)
	return &fixture{srv: srv, handler: srv.Handler(), studio: st, fs: fs, store: store}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func inlineBurst(n int) openRequest {
	size := composite.Size{W: 64, H: 48}
	frames := make([][]byte, n)
	for i := range frames {
		frames[i] = make([]byte, size.NV21Len())
	}
	return openRequest{Kind: "nv21", Width: size.W, Height: size.H, Frames: frames}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealth(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.do(t, "GET", "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = f.do(t, "GET", "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "deghost_sessions_active")
}

func TestSessionFlow(t *testing.T) {
	f := newFixture(t, Options{})

	rec := f.do(t, "GET", "/session/preview", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code, "no composite yet")

	rec = f.do(t, "POST", "/session", inlineBurst(3))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var st studio.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Open)
	assert.Equal(t, "ready", st.Session.StateName)

	rec = f.do(t, "GET", "/session/preview", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), pngMagic))

	rec = f.do(t, "PUT", "/session/order", orderRequest{Order: []int{2, 1, 0}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var or orderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &or))
	assert.Equal(t, []int{2, 1, 0}, or.Status.Session.Order)
	assert.Equal(t, 1, or.Status.OrderChanges)
	assert.True(t, or.Preview.Valid())

	rec = f.do(t, "PUT", "/session/order", orderRequest{Order: []int{0, 0, 1}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_order", decodeError(t, rec).Kind)

	rec = f.do(t, "POST", "/session/finalize", finalizeRequest{Name: "result.jpg"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var fin finalizeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fin))
	assert.Equal(t, "/out/result.jpg", fin.Path)
	assert.Equal(t, composite.SaveQuality, fin.Quality)
	exists, err := afero.Exists(f.fs, "/out/result.jpg")
	require.NoError(t, err)
	assert.True(t, exists)

	rec = f.do(t, "DELETE", "/session", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, "GET", "/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var recs []storage.SessionRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, studio.OutcomeSaved, recs[0].Status)

	rec = f.do(t, "GET", "/sessions/"+recs[0].ID+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "reorder")
}

func TestOpenFromDirectory(t *testing.T) {
	f := newFixture(t, Options{})
	for i := 0; i < 2; i++ {
		require.NoError(t, afero.WriteFile(f.fs, fmt.Sprintf("/inbox/b/%d.nv21", i), make([]byte, 4*4*3/2), 0644))
	}
	require.NoError(t, afero.WriteFile(f.fs, "/inbox/b/burst.json", []byte(`{"width":4,"height":4}`), 0644))

	rec := f.do(t, "POST", "/session", openRequest{Dir: "/inbox/b"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "/inbox/b", f.studio.Status().Source)

	rec = f.do(t, "DELETE", "/session", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestOpenErrors(t *testing.T) {
	f := newFixture(t, Options{})

	rec := f.do(t, "POST", "/session", inlineBurst(9))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "too_many_frames", decodeError(t, rec).Kind)

	bad := inlineBurst(2)
	bad.Kind = "png"
	rec = f.do(t, "POST", "/session", bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, "POST", "/session", inlineBurst(2))
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = f.do(t, "POST", "/session", inlineBurst(2))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, "PUT", "/session/params", composite.Params{Angle: 45, Preview: composite.Size{W: 8, H: 6}, Order: []int{0, 1}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_angle", decodeError(t, rec).Kind)
}

func TestOpenRejectsOversizedBody(t *testing.T) {
	f := newFixture(t, Options{MaxFrameBytes: 100})
	req := inlineBurst(1)
	req.Frames[0] = make([]byte, 128<<10)

	rec := f.do(t, "POST", "/session", req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.False(t, f.studio.Status().Open)
}

func TestBadOpenParamsRecoveredByConfigure(t *testing.T) {
	f := newFixture(t, Options{})
	p := f.studio.Preferences().Params(composite.Size{W: 64, H: 48}, 2)
	p.Angle = 45
	req := inlineBurst(2)
	req.Params = &p

	rec := f.do(t, "POST", "/session", req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_angle", decodeError(t, rec).Kind)
	assert.True(t, f.studio.Status().Open)

	p.Angle = 0
	rec = f.do(t, "PUT", "/session/params", p)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", f.studio.Status().Session.StateName)
}

func TestOrderChangesRateLimited(t *testing.T) {
	f := newFixture(t, Options{OrderChangeRate: 0.001, OrderBurst: 1})
	require.Equal(t, http.StatusCreated, f.do(t, "POST", "/session", inlineBurst(2)).Code)

	rec := f.do(t, "PUT", "/session/order", orderRequest{Order: []int{1, 0}})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, "PUT", "/session/order", orderRequest{Order: []int{0, 1}})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestPreviewStableWithinGeneration(t *testing.T) {
	enc := &fakeEncoder{}
	f := newFixture(t, Options{Encoder: enc})
	require.Equal(t, http.StatusCreated, f.do(t, "POST", "/session", inlineBurst(2)).Code)

	first := f.do(t, "GET", "/session/preview", nil)
	second := f.do(t, "GET", "/session/preview", nil)
	assert.Equal(t, first.Header().Get("X-Generation"), second.Header().Get("X-Generation"))
	assert.Equal(t, first.Body.Bytes(), second.Body.Bytes())
}

func TestSubmitJob(t *testing.T) {
	proc := pipelineFunc(func(ctx context.Context, job pipeline.Job) pipeline.Result {
		return pipeline.Result{Job: job}
	})
	p := pipeline.New(context.Background(), proc, pipeline.Options{Concurrency: 1, QueueSize: 2})
	defer p.Stop()
	f := newFixture(t, Options{Pipeline: p})

	rec := f.do(t, "POST", "/jobs", jobRequest{Type: "composite", Input: "/inbox/x"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body["id"])

	rec = f.do(t, "POST", "/jobs", jobRequest{Type: "timelapse"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebSocketReceivesPublishedMessages(t *testing.T) {
	f := newFixture(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.srv.hub.Run(ctx)

	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.WebSocketClients) == 1
	}, 2*time.Second, 5*time.Millisecond)

	f.srv.hub.Publish(map[string]any{"kind": "session", "event": studio.Event{Type: "ingest"}})
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), `"type":"ingest"`)
}

func TestErrorStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{studio.ErrNoSession, http.StatusNotFound},
		{studio.ErrSessionActive, http.StatusConflict},
		{studio.ErrOrderChangeInFlight, http.StatusConflict},
		{studio.ErrAlreadyFinishing, http.StatusConflict},
		{pipeline.ErrQueueFull, http.StatusServiceUnavailable},
		{composite.ErrInvalidState, http.StatusConflict},
		{composite.ErrOutOfMemory, http.StatusInsufficientStorage},
		{fmt.Errorf("wrapped: %w", composite.ErrInvalidOrder), http.StatusBadRequest},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, errorStatus(c.err), c.err.Error())
	}
}

type pipelineFunc func(ctx context.Context, job pipeline.Job) pipeline.Result

func (f pipelineFunc) Process(ctx context.Context, job pipeline.Job) pipeline.Result { return f(ctx, job) }
