package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"deghost/internal/arena"
	"deghost/internal/composite"
	"deghost/internal/fsutil"
	"deghost/internal/metrics"
	"deghost/internal/pipeline"
	"deghost/internal/studio"
)

// openRequest starts a session either from a burst directory on the server
// or from frames posted inline (base64 in JSON).
type openRequest struct {
	Dir    string            `json:"dir"`
	Kind   string            `json:"kind"`
	Width  int               `json:"width"`
	Height int               `json:"height"`
	Frames [][]byte          `json:"frames"`
	Params *composite.Params `json:"params"`
}

func (s *Server) burstFrom(req openRequest) (studio.Burst, error) {
	if req.Dir != "" {
		b, err := fsutil.LoadBurst(s.fs, req.Dir)
		if err != nil {
			return studio.Burst{}, err
		}
		return studio.FromDir(b), nil
	}
	kind, err := arena.ParseKind(req.Kind)
	if err != nil {
		return studio.Burst{}, err
	}
	frames := make([]arena.FrameBuffer, len(req.Frames))
	for i, data := range req.Frames {
		frames[i] = arena.FrameBuffer{Kind: kind, Data: data}
	}
	return studio.Burst{
		Frames: frames,
		Size:   composite.Size{W: req.Width, H: req.Height},
		Source: "upload",
	}, nil
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	r.Body = http.MaxBytesReader(w, r.Body, s.maxOpenBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("decode request: %v", err)})
		return
	}
	b, err := s.burstFrom(req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if err := s.studio.Open(r.Context(), b, req.Params); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.studio.Status())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.studio.Status())
}

func (s *Server) handleConfigure(w http.ResponseWriter, r *http.Request) {
	var p composite.Params
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("decode params: %v", err)})
		return
	}
	if err := s.studio.Configure(r.Context(), p); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.studio.Status())
}

// handlePreview serves the current preview as PNG. Requests for the same
// composite generation share one render.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	gen := s.studio.Status().Session.Generation
	ctx := context.WithoutCancel(r.Context())
	v, err, shared := s.previews.Do(strconv.FormatUint(gen, 10), func() (any, error) {
		art, err := s.studio.Preview(ctx)
		if err != nil || art.Empty() {
			return []byte(nil), err
		}
		return s.encoder.EncodePNG(art)
	})
	if shared {
		metrics.PreviewRequestsCoalesced.Inc()
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	png := v.([]byte)
	if len(png) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Generation", strconv.FormatUint(gen, 10))
	w.Write(png)
}

type orderRequest struct {
	Order []int `json:"order"`
}

type orderResponse struct {
	Status  studio.Status  `json:"status"`
	Preview composite.Size `json:"preview"`
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("decode order: %v", err)})
		return
	}
	if !s.orderLimiter.Allow() {
		metrics.OrderChangesRejected.WithLabelValues("rate").Inc()
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "order changes are rate limited"})
		return
	}
	art, err := s.studio.ChangeOrder(r.Context(), req.Order)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResponse{
		Status:  s.studio.Status(),
		Preview: composite.Size{W: art.Width, H: art.Height},
	})
}

type finalizeRequest struct {
	Name string `json:"name"`
}

type finalizeResponse struct {
	Path    string         `json:"path,omitempty"`
	Bytes   int            `json:"bytes"`
	Crop    composite.Rect `json:"crop"`
	Quality int            `json:"quality"`
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("decode request: %v", err)})
			return
		}
	}
	res, err := s.studio.Save(r.Context(), req.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, finalizeResponse{
		Path:    res.Path,
		Bytes:   len(res.Artifact.Data),
		Crop:    res.Artifact.Crop,
		Quality: res.Artifact.Quality,
	})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	if err := s.studio.Leave(); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentSessions(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.SessionEvents(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentJobs(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

type jobRequest struct {
	Type    string         `json:"type"`
	Input   string         `json:"input"`
	Output  string         `json:"output"`
	Options map[string]any `json:"options"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "job pipeline is not running"})
		return
	}
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("decode job: %v", err)})
		return
	}
	jt := pipeline.JobType(req.Type)
	if jt == "" {
		jt = pipeline.JobComposite
	}
	if jt != pipeline.JobComposite && jt != pipeline.JobScan {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "unknown job type " + req.Type})
		return
	}
	id, err := s.pipeline.Submit(pipeline.Job{Type: jt, InputPath: req.Input, Output: req.Output, Options: req.Options})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func jobView(res pipeline.Result) map[string]any {
	v := map[string]any{
		"id":    res.Job.ID,
		"type":  res.Job.Type,
		"input": res.Job.InputPath,
		"meta":  res.Meta,
	}
	if res.Error != nil {
		v["error"] = res.Error.Error()
		var ce *composite.Error
		if errors.As(res.Error, &ce) {
			v["kind"] = ce.Kind
		}
	}
	return v
}
