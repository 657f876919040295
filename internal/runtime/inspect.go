package runtime

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/ipcflow/ipcflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/ipcflow/ipcflow/internal/runtime/logging"
	tracepkg "github.com/ipcflow/ipcflow/internal/runtime/trace"
)

const defaultInspectPort = 8081

// StartInspectServer registers the inspection API on the configured port.
// Endpoints:
//
//	GET  /ipc/events?limit=n  recent trace events, newest last
//	GET  /ipc/metrics         aggregated per-channel metric rows
//	GET  /ipc/status          peer identity, preview mode, resource usage
//	POST /ipc/preview-mode    set and broadcast the payload preview mode
func (s *Service) StartInspectServer() {
	if !s.Conf.InspectEnabled {
		return
	}

	port := s.Conf.InspectPort
	if port == 0 {
		port = defaultInspectPort
	}

	s.RegisterHTTPHandler(port, "/ipc/events", s.inspectHandler(s.handleGetEvents))
	s.RegisterHTTPHandler(port, "/ipc/metrics", s.inspectHandler(s.handleGetMetrics))
	s.RegisterHTTPHandler(port, "/ipc/status", s.inspectHandler(s.handleGetStatus))
	s.RegisterHTTPHandler(port, "/ipc/preview-mode", s.inspectHandler(s.handleSetPreviewMode))
}

// inspectHandler applies the shared CORS and preflight handling.
func (s *Service) inspectHandler(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Conf != nil && len(s.Conf.InspectCORSAllowedOrigins) > 0 {
			if origin := s.getAllowedCORSOrigin(r.Header.Get("Origin")); origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		h(w, r)
	})
}

func (s *Service) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	events := s.recorder.Events()
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		events = s.recorder.Recent(limit)
	}

	s.writeJSON(w, events)
}

func (s *Service) handleGetMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, s.Metrics())
}

type statusResponse struct {
	PeerID      string        `json:"peerId"`
	Transport   string        `json:"transport"`
	PreviewMode string        `json:"previewMode"`
	EventCount  int           `json:"eventCount"`
	Resource    ResourceUsage `json:"resource"`
}

func (s *Service) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, statusResponse{
		PeerID:      s.bus.PeerID(),
		Transport:   s.Conf.PubSubSystem,
		PreviewMode: string(tracepkg.CurrentPreviewMode()),
		EventCount:  len(s.recorder.Events()),
		Resource:    s.resourceTracker.Snapshot(),
	})
}

func (s *Service) handleSetPreviewMode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	var req previewModeMessage
	if err := jsoncodec.Decode(r.Body, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	mode, ok := tracepkg.ParsePreviewMode(req.Mode)
	if !ok {
		http.Error(w, "unknown preview mode: "+req.Mode, http.StatusBadRequest)
		return
	}

	if err := s.SetPreviewMode(r.Context(), mode); err != nil {
		s.Logger.Error("Failed to broadcast preview mode", err, loggingpkg.LogFields{"mode": req.Mode})
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, previewModeMessage{Mode: string(mode)})
}

func (s *Service) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := jsoncodec.Encode(w, v); err != nil {
		s.Logger.Error("Failed to encode inspect response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// getAllowedCORSOrigin checks if the request origin is allowed and returns the
// appropriate Access-Control-Allow-Origin value.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	if s.Conf == nil {
		return ""
	}
	for _, allowed := range s.Conf.InspectCORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
