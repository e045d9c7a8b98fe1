package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"deghost/internal/arena"
	"deghost/internal/composite"
	"deghost/internal/pipeline"
	"deghost/internal/storage"
	"deghost/internal/studio"
)

// Studio is the session surface the HTTP API drives.
type Studio interface {
	Preferences() studio.Preferences
	Open(ctx context.Context, b studio.Burst, params *composite.Params) error
	Configure(ctx context.Context, p composite.Params) error
	ChangeOrder(ctx context.Context, order []int) (composite.PreviewArtifact, error)
	Preview(ctx context.Context) (composite.PreviewArtifact, error)
	Save(ctx context.Context, name string) (studio.SaveResult, error)
	Leave() error
	Status() studio.Status
	Subscribe() (<-chan studio.Event, func())
}

// PreviewEncoder turns a rendered preview into PNG bytes.
type PreviewEncoder interface {
	EncodePNG(art composite.PreviewArtifact) ([]byte, error)
}

// Options configure the HTTP server.
type Options struct {
	Addr            string
	Studio          Studio
	Encoder         PreviewEncoder
	Pipeline        *pipeline.Pipeline
	Store           *storage.Store
	Fs              afero.Fs
	OrderChangeRate float64
	OrderBurst      int
	MaxFrameBytes   int
	Logger          *slog.Logger
}

// Server exposes the composite session over HTTP and websocket
type Server struct {
	addr     string
	studio   Studio
	encoder  PreviewEncoder
	pipeline *pipeline.Pipeline
	store    *storage.Store
	fs       afero.Fs
	log      *slog.Logger
	server   *http.Server
	hub      *Hub

	orderLimiter *rate.Limiter
	previews     singleflight.Group
	maxOpenBody  int64
}

// openBodyOverhead covers the JSON around the base64 frames.
const openBodyOverhead = 64 << 10

// openBodyLimit bounds a POST /session body: a full burst of maximum-size
// frames in base64 plus the surrounding JSON.
func openBodyLimit(maxFrameBytes int) int64 {
	if maxFrameBytes <= 0 {
		maxFrameBytes = composite.DefaultMaxFrameBytes
	}
	return int64(base64.StdEncoding.EncodedLen(maxFrameBytes))*arena.MaxFrames + openBodyOverhead
}

// New creates a server. Nothing listens until Start.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	limit := rate.Inf
	if opts.OrderChangeRate > 0 {
		limit = rate.Limit(opts.OrderChangeRate)
	}
	burst := opts.OrderBurst
	if burst < 1 {
		burst = 1
	}
	return &Server{
		addr:         opts.Addr,
		studio:       opts.Studio,
		encoder:      opts.Encoder,
		pipeline:     opts.Pipeline,
		store:        opts.Store,
		fs:           opts.Fs,
		log:          opts.Logger,
		hub:          NewHub(opts.Logger),
		orderLimiter: rate.NewLimiter(limit, burst),
		maxOpenBody:  openBodyLimit(opts.MaxFrameBytes),
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	go s.forwardEvents(ctx)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	r.HandleFunc("/session", s.handleOpen).Methods("POST")
	r.HandleFunc("/session", s.handleStatus).Methods("GET")
	r.HandleFunc("/session", s.handleLeave).Methods("DELETE")
	r.HandleFunc("/session/params", s.handleConfigure).Methods("PUT")
	r.HandleFunc("/session/preview", s.handlePreview).Methods("GET")
	r.HandleFunc("/session/order", s.handleOrder).Methods("PUT")
	r.HandleFunc("/session/finalize", s.handleFinalize).Methods("POST")

	r.HandleFunc("/sessions", s.handleSessions).Methods("GET")
	r.HandleFunc("/sessions/{id}/events", s.handleSessionEvents).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs", s.handleSubmitJob).Methods("POST")
	r.HandleFunc("/ws", s.hub.ServeWS).Methods("GET")
}

// forwardEvents pushes studio events and job results to websocket clients.
func (s *Server) forwardEvents(ctx context.Context) {
	events, unsub := s.studio.Subscribe()
	defer unsub()

	var results <-chan pipeline.Result
	if s.pipeline != nil {
		ch, unsubJobs := s.pipeline.Subscribe()
		defer unsubJobs()
		results = ch
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.hub.Publish(map[string]any{"kind": "session", "event": ev})
		case res, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			s.hub.Publish(map[string]any{"kind": "job", "job": jobView(res)})
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: string(composite.KindOf(err))})
}

// errorStatus maps studio and session errors onto response codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, studio.ErrNoSession):
		return http.StatusNotFound
	case errors.Is(err, studio.ErrSessionActive),
		errors.Is(err, studio.ErrAlreadyFinishing),
		errors.Is(err, studio.ErrOrderChangeInFlight):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	if k := composite.KindOf(err); k != "" {
		return k.HTTPStatus()
	}
	return http.StatusInternalServerError
}
