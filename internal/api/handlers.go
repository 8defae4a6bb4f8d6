package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"

	"github.com/picamd/picamd/internal/core"
	"github.com/picamd/picamd/internal/log"
	"github.com/picamd/picamd/internal/stream"
)

type startPayload struct {
	Resolution string `json:"resolution"`
	FPS        int    `json:"fps"`
}

type statusPayload struct {
	State             string  `json:"camera_state"`
	DurationSeconds   float64 `json:"duration_seconds,omitempty"`
	StartTime         int64   `json:"start_time,omitempty"`
	Streaming         bool    `json:"streaming"`
	StreamSubscribers int     `json:"stream_subscribers"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.StartRecording(r.Context())
	if err != nil {
		respondOperationErr(w, r, err)
		return
	}
	respondOK(w, r, startPayload{Resolution: res.Resolution, FPS: res.FPS})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.StopRecording(); err != nil {
		respondOperationErr(w, r, err)
		return
	}
	respondOK(w, r, "stopping")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.svc.Status()
	respondOK(w, r, statusPayload{
		State:             st.Mode.String(),
		DurationSeconds:   st.DurationSeconds,
		StartTime:         st.StartTime,
		Streaming:         st.Streaming,
		StreamSubscribers: st.StreamSubscribers,
	})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	respondOK(w, r, s.svc.GetConfig())
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Width  *int `json:"width"`
		Height *int `json:"height"`
		FPS    *int `json:"fps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}

	got, err := s.svc.SetConfig(core.ConfigUpdate{Width: req.Width, Height: req.Height, FPS: req.FPS})
	if err != nil {
		respondOperationErr(w, r, err)
		return
	}
	respondOK(w, r, got)
}

func (s *Server) handleDownloadFinal(w http.ResponseWriter, r *http.Request) {
	path, err := s.svc.FinalArtifact()
	if err != nil {
		respondOperationErr(w, r, err)
		return
	}
	s.serveArtifact(w, r, path, "video/mp4")
}

func (s *Server) handleDownloadRaw(w http.ResponseWriter, r *http.Request) {
	path, err := s.svc.RawArtifact()
	if err != nil {
		respondOperationErr(w, r, err)
		return
	}
	s.serveArtifact(w, r, path, "video/h264")
}

func (s *Server) handleStreamStop(w http.ResponseWriter, r *http.Request) {
	s.svc.ForceStopStreaming()
	respondOK(w, r, "streaming stopped")
}

func (s *Server) handleStill(w http.ResponseWriter, r *http.Request) {
	path, err := s.svc.CaptureStill(r.Context())
	if err != nil {
		respondOperationErr(w, r, err)
		return
	}
	if !s.confine(path) {
		respondErr(w, r, http.StatusInternalServerError, "artifact outside video directory")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	http.ServeFile(w, r, path)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondOK(w, r, "ok")
}

// handleStream serves the multipart MJPEG feed until the client disconnects
// or the stream is force-stopped.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondErr(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub, err := s.svc.Subscribe(r.Context())
	if err != nil {
		respondOperationErr(w, r, err)
		return
	}
	defer sub.Close()

	logger := log.WithComponentFromContext(r.Context(), "api")

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+stream.Boundary)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		part, err := sub.Next(r.Context())
		if err != nil {
			if !errors.Is(err, stream.ErrStopped) && r.Context().Err() == nil {
				logger.Warn().Err(err).Msg("stream ended with error")
			}
			return
		}
		if _, err := w.Write(part); err != nil {
			return
		}
		flusher.Flush()
	}
}

func (s *Server) serveArtifact(w http.ResponseWriter, r *http.Request, path, contentType string) {
	if !s.confine(path) {
		respondErr(w, r, http.StatusInternalServerError, "artifact outside video directory")
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(path)+`"`)
	http.ServeFile(w, r, path)
}
