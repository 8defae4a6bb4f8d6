// Package api is the HTTP surface of the daemon: a thin dispatch layer over
// the core service, speaking the legacy JSON envelope.
package api

import (
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/picamd/picamd/internal/config"
	"github.com/picamd/picamd/internal/core"
	"github.com/picamd/picamd/internal/log"
)

// Server dispatches HTTP requests to the core service.
type Server struct {
	svc      *core.Service
	videoDir string
}

// NewServer builds the HTTP surface over svc.
func NewServer(svc *core.Service, cfg config.Config) *Server {
	return &Server{svc: svc, videoDir: cfg.Video.Dir}
}

// Handler assembles the router with the canonical middleware stack.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(Recoverer)
	r.Use(RequestID)
	r.Use(log.Middleware())

	r.Group(func(r chi.Router) {
		r.Use(httprate.Limit(600, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))

		r.Post("/start", s.handleStart)
		r.Post("/stop", s.handleStop)
		r.Get("/status", s.handleStatus)
		r.Get("/getconfig", s.handleGetConfig)
		r.Post("/setconfig", s.handleSetConfig)
		r.Get("/download", s.handleDownloadFinal)
		r.Get("/download/raw", s.handleDownloadRaw)
		r.Post("/stream/stop", s.handleStreamStop)
		r.Get("/still", s.handleStill)
		r.Get("/healthz", s.handleHealthz)
	})

	// The stream holds its connection open for minutes, so it sits outside
	// the request rate limit; metrics likewise for scrapers.
	r.Get("/stream", s.handleStream)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

// confine rejects any artifact path that escapes the video directory.
func (s *Server) confine(path string) bool {
	absDir, err := filepath.Abs(s.videoDir)
	if err != nil {
		return false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	return absPath == absDir || strings.HasPrefix(absPath, absDir+string(filepath.Separator))
}
