package grpcserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"deghost/internal/studio"
)

const (
	// StatusServiceName serves the studio snapshot.
	StatusServiceName = "deghost.v1.Status"
	// SessionServiceName is SERVING in the health service while a session is open.
	SessionServiceName = "deghost.v1.Session"

	getStatusMethod = "/" + StatusServiceName + "/GetStatus"
)

// StatusSource is the studio as seen by the gRPC surface.
type StatusSource interface {
	Status() studio.Status
	Subscribe() (<-chan studio.Event, func())
}

// statusServer is the handler type of the Status service.
type statusServer interface {
	GetStatus(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
}

var statusServiceDesc = grpc.ServiceDesc{
	ServiceName: StatusServiceName,
	HandlerType: (*statusServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: getStatusHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "deghost/v1/status.proto",
}

func getStatusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(statusServer).GetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getStatusMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(statusServer).GetStatus(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// Server exposes health and studio status over gRPC.
type Server struct {
	source StatusSource
	health *health.Server
	grpc   *grpc.Server
	log    *slog.Logger
}

// New registers the health and status services on a fresh grpc.Server.
func New(source StatusSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		source: source,
		health: health.NewServer(),
		grpc:   grpc.NewServer(),
		log:    logger,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.grpc.RegisterService(&statusServiceDesc, s)
	s.health.SetServingStatus(StatusServiceName, healthpb.HealthCheckResponse_SERVING)
	s.refreshHealth()
	return s
}

// GetStatus returns the studio status as a struct.
func (s *Server) GetStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(statusFields(s.source.Status()))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode status: %v", err)
	}
	return out, nil
}

func statusFields(st studio.Status) map[string]any {
	snap := st.Session
	order := make([]any, len(snap.Order))
	for i, v := range snap.Order {
		order[i] = v
	}
	return map[string]any{
		"open":          st.Open,
		"finishing":     st.Finishing,
		"order_changes": st.OrderChanges,
		"source":        st.Source,
		"session": map[string]any{
			"id":            snap.ID,
			"state":         snap.StateName,
			"kind":          snap.Kind,
			"frames":        snap.Frames,
			"width":         snap.Input.W,
			"height":        snap.Input.H,
			"angle":         snap.Angle,
			"sensitivity":   snap.Sensitivity,
			"min_size":      snap.MinSize,
			"ghosting":      snap.Ghosting.String(),
			"order":         order,
			"has_composite": snap.HasComposite,
			"generation":    int64(snap.Generation),
		},
	}
}

func (s *Server) refreshHealth() {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if s.source.Status().Open {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(SessionServiceName, st)
}

// Serve accepts connections on lis until ctx is done.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	events, unsub := s.source.Subscribe()
	defer unsub()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-events:
				if !ok {
					return
				}
				s.refreshHealth()
			}
		}
	}()

	go func() {
		<-ctx.Done()
		s.health.Shutdown()
		s.grpc.GracefulStop()
	}()

	s.log.Info("gRPC server starting", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

// GetStatus calls the Status service over conn.
func GetStatus(ctx context.Context, conn grpc.ClientConnInterface) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, getStatusMethod, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}
