// SPDX-License-Identifier: MIT

// Package diag serves the operational surface of the encoder subsystem:
// liveness, device inventory, probed capabilities and Prometheus metrics.
package diag

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/screenflux/screenflux/internal/log"
	"github.com/screenflux/screenflux/internal/nvidia"
)

// Server exposes read-only diagnostics over the registry and probe.
type Server struct {
	reg     *nvidia.Registry
	probe   *nvidia.Probe
	version string
	logger  zerolog.Logger
}

// NewServer creates the diagnostics server.
func NewServer(reg *nvidia.Registry, probe *nvidia.Probe, version string) *Server {
	return &Server{
		reg:     reg,
		probe:   probe,
		version: version,
		logger:  log.WithComponent("diag"),
	}
}

// Router builds the chi router: health, device inventory, capability dump
// and the metrics endpoint. API routes are rate limited per client IP.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Group(func(r chi.Router) {
		r.Use(httprate.Limit(60, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
		r.Get("/api/devices", s.handleDevices)
		r.Get("/api/capabilities", s.handleCapabilities)
	})
	return r
}

type healthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version,omitempty"`
	Devices   int       `json:"devices"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	devices := s.reg.Enumerate()
	status := "healthy"
	code := http.StatusOK
	if len(devices) == 0 {
		// alive but degraded: the orchestrator falls back to software codecs
		status = "degraded"
	}
	s.writeJSON(w, code, healthResponse{
		Status:    status,
		Version:   s.version,
		Devices:   len(devices),
		Timestamp: time.Now(),
	})
}

type deviceResponse struct {
	ID             int    `json:"id"`
	Name           string `json:"name"`
	PCIBusID       string `json:"pci_bus_id"`
	ComputeMajor   int    `json:"compute_major"`
	ComputeMinor   int    `json:"compute_minor"`
	TotalMemory    uint64 `json:"total_memory"`
	ActiveContexts int    `json:"active_contexts"`
}

func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	ids := s.reg.Enumerate()
	out := make([]deviceResponse, 0, len(ids))
	for _, id := range ids {
		info, ok := s.reg.Info(id)
		if !ok {
			continue
		}
		out = append(out, deviceResponse{
			ID:             info.ID,
			Name:           info.Name,
			PCIBusID:       info.PCIBusID,
			ComputeMajor:   info.ComputeMajor,
			ComputeMinor:   info.ComputeMinor,
			TotalMemory:    info.TotalMemory,
			ActiveContexts: s.reg.ActiveContexts(id),
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

type capabilityResponse struct {
	Device       int      `json:"device"`
	Codec        string   `json:"codec"`
	Presets      []string `json:"presets"`
	Profiles     []string `json:"profiles"`
	MaxWidth     int      `json:"max_width"`
	MaxHeight    int      `json:"max_height"`
	YUV444       bool     `json:"yuv444"`
	Lossless     bool     `json:"lossless"`
	IntraRefresh bool     `json:"intra_refresh"`
}

func (s *Server) handleCapabilities(w http.ResponseWriter, _ *http.Request) {
	cached := s.probe.Cached()
	out := make([]capabilityResponse, 0, len(cached))
	for _, cap := range cached {
		presets := make([]string, 0, len(cap.Presets))
		for _, p := range cap.Presets {
			presets = append(presets, p.Name)
		}
		out = append(out, capabilityResponse{
			Device:       cap.Device,
			Codec:        cap.Codec.Name,
			Presets:      presets,
			Profiles:     cap.Profiles,
			MaxWidth:     cap.Caps.MaxWidth,
			MaxHeight:    cap.Caps.MaxHeight,
			YUV444:       cap.Caps.YUV444,
			Lossless:     cap.Caps.Lossless,
			IntraRefresh: cap.Caps.IntraRefresh,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug().Err(err).Msg("diag response write failed")
	}
}
