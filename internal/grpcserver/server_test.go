package grpcserver

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"deghost/internal/composite"
	"deghost/internal/logging"
	"deghost/internal/studio"
)

type stubSource struct {
	mu     sync.Mutex
	status studio.Status
	events chan studio.Event
}

func (s *stubSource) Status() studio.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *stubSource) Subscribe() (<-chan studio.Event, func()) {
	return s.events, func() {}
}

func (s *stubSource) set(st studio.Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
	s.events <- studio.Event{Type: "initialize"}
}

func dial(t *testing.T, src *stubSource) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := New(src, logging.New("error", "text"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGetStatus(t *testing.T) {
	src := &stubSource{events: make(chan studio.Event, 4), status: studio.Status{
		Open:         true,
		OrderChanges: 2,
		Source:       "/inbox/b",
		Session: composite.Snapshot{
			ID:           "abc",
			StateName:    "ready",
			Frames:       3,
			Input:        composite.Size{W: 1920, H: 1080},
			Ghosting:     composite.GhostingRemoveAll,
			Order:        []int{2, 0, 1},
			HasComposite: true,
			Generation:   5,
		},
	}}
	conn := dial(t, src)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := GetStatus(ctx, conn)
	require.NoError(t, err)

	m := out.AsMap()
	assert.Equal(t, true, m["open"])
	assert.Equal(t, float64(2), m["order_changes"])
	sess := m["session"].(map[string]any)
	assert.Equal(t, "abc", sess["id"])
	assert.Equal(t, "ready", sess["state"])
	assert.Equal(t, float64(1920), sess["width"])
	assert.Equal(t, []any{float64(2), float64(0), float64(1)}, sess["order"])
	assert.Equal(t, float64(5), sess["generation"])
}

func TestHealthTracksSession(t *testing.T) {
	src := &stubSource{events: make(chan studio.Event, 4)}
	conn := dial(t, src)
	client := healthpb.NewHealthClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: StatusServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: SessionServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	src.set(studio.Status{Open: true})
	require.Eventually(t, func() bool {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: SessionServiceName})
		return err == nil && resp.Status == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 10*time.Millisecond)
}
