// Package server exposes a loaded raster session over HTTP for headless previews.
package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/paulmach/orb"

	"github.com/tingold/rasterstream"
)

// Server serves frames of a session.
type Server struct {
	sess      *rasterstream.Session
	startTime time.Time
	version   string
	log       *slog.Logger
}

// HealthResponse is the body of the health endpoint.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    int       `json:"uptime"`
	Version   string    `json:"version"`
	Busy      bool      `json:"busy"`
}

// InfoResponse describes the loaded raster.
type InfoResponse struct {
	Locator    string     `json:"locator"`
	Width      int        `json:"width"`
	Height     int        `json:"height"`
	Bands      int        `json:"bands"`
	CRS        string     `json:"crs"`
	Resolution float64    `json:"resolution"`
	Bounds     [4]float64 `json:"bounds"`
	Scales     []float64  `json:"scales"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// NewServer creates a server for sess.
func NewServer(sess *rasterstream.Session, version string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{sess: sess, startTime: time.Now(), version: version, log: log}
}

// Routes returns the router with all middleware installed.
func (s *Server) Routes(timeout time.Duration) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(timeout))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.GetHealth)
		r.Get("/info", s.GetInfo)
		r.Post("/viewport", s.PostViewport)
		r.Get("/frame", s.GetFrame)
		r.Get("/render", s.GetRender)
	})
	return r
}

// GetHealth reports liveness.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    int(time.Since(s.startTime).Seconds()),
		Version:   s.version,
		Busy:      s.sess.Sink().Busy(),
	})
}

// GetInfo describes the loaded raster.
func (s *Server) GetInfo(w http.ResponseWriter, r *http.Request) {
	src := s.sess.Source()
	if src == nil {
		s.writeError(w, r, http.StatusNotFound, "NO_RASTER", rasterstream.ErrNoSource.Error())
		return
	}
	gt := src.Geotransform()
	b := gt.Bounds(src.Width(), src.Height())
	s.writeJSON(w, http.StatusOK, InfoResponse{
		Locator:    src.Locator(),
		Width:      src.Width(),
		Height:     src.Height(),
		Bands:      src.BandCount(),
		CRS:        rasterstream.FormatEPSG(src.EPSG()),
		Resolution: gt.Resolution(),
		Bounds:     [4]float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]},
		Scales:     src.Pyramid().Scales(),
	})
}

// PostViewport hands a viewport to the stream worker and returns at once.
func (s *Server) PostViewport(w http.ResponseWriter, r *http.Request) {
	bounds, ppu, err := viewportParams(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "INVALID_VIEWPORT", err.Error())
		return
	}
	if err := s.sess.RequestViewport(bounds, ppu); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, rasterstream.ErrNoSource) {
			status = http.StatusNotFound
		}
		s.writeError(w, r, status, "VIEWPORT_REJECTED", err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// GetFrame returns the latest frame as PNG, or 204 when there is none yet.
func (s *Server) GetFrame(w http.ResponseWriter, r *http.Request) {
	frame, ok := s.sess.Sink().Latest()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writePNG(w, r, frame)
}

// GetRender renders one viewport synchronously, bypassing the stream worker.
func (s *Server) GetRender(w http.ResponseWriter, r *http.Request) {
	src := s.sess.Source()
	if src == nil {
		s.writeError(w, r, http.StatusNotFound, "NO_RASTER", rasterstream.ErrNoSource.Error())
		return
	}
	bounds, ppu, err := viewportParams(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "INVALID_VIEWPORT", err.Error())
		return
	}
	frame, err := rasterstream.Render(r.Context(), src, bounds, ppu, s.log)
	var exhausted *rasterstream.ExhaustedLevelsError
	switch {
	case err == nil, errors.As(err, &exhausted):
		s.writePNG(w, r, frame)
	case errors.Is(err, rasterstream.ErrOutsideRaster):
		s.writeError(w, r, http.StatusNotFound, "OUTSIDE_RASTER", err.Error())
	default:
		s.writeError(w, r, http.StatusBadGateway, "READ_FAILED", err.Error())
	}
}

func viewportParams(r *http.Request) (orb.Bound, float64, error) {
	q := r.URL.Query()
	bounds, err := ParseBBox(q.Get("bbox"))
	if err != nil {
		return orb.Bound{}, 0, err
	}
	ppu, err := strconv.ParseFloat(q.Get("ppu"), 64)
	if err != nil || !(ppu > 0) {
		return orb.Bound{}, 0, fmt.Errorf("ppu must be a positive number, got %q", q.Get("ppu"))
	}
	return bounds, ppu, nil
}

// ParseBBox parses "minx,miny,maxx,maxy".
func ParseBBox(s string) (orb.Bound, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return orb.Bound{}, fmt.Errorf("bbox must be in format 'minx,miny,maxx,maxy'")
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("invalid bbox value %q: %v", p, err)
		}
		v[i] = f
	}
	if v[0] >= v[2] || v[1] >= v[3] {
		return orb.Bound{}, fmt.Errorf("bbox min must be less than max")
	}
	return orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}, nil
}

func (s *Server) writePNG(w http.ResponseWriter, r *http.Request, frame rasterstream.Frame) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, frame.Image); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "ENCODE_FAILED", err.Error())
		return
	}
	b := frame.Bounds
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Header().Set("X-Frame-Bounds", fmt.Sprintf("%g,%g,%g,%g", b.Min[0], b.Min[1], b.Max[0], b.Max[1]))
	w.Header().Set("X-Frame-Level", strconv.Itoa(frame.Level))
	w.Header().Set("X-Frame-Placeholder", strconv.FormatBool(frame.Placeholder))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		s.log.Warn("failed to write frame", "error", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	s.writeJSON(w, status, ErrorResponse{
		Code:      code,
		Message:   msg,
		RequestID: middleware.GetReqID(r.Context()),
	})
}
