package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/cc-bridge/internal/computer"
	"github.com/nerrad567/cc-bridge/internal/store"
)

// livenessText is returned by GET / for plain HTTP requests.
const livenessText = "CC Bridge is running. Computers connect here over WebSocket.\n"

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Get("/", s.handleRoot)
	if path := s.devicePath(); path != "/" {
		r.Get(path, s.handleDeviceSocket)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		r.Route("/computer", func(r chi.Router) {
			r.Get("/", s.handleComputerStatus)
			r.Post("/commands", s.handleSendCommand)
			r.Post("/update", s.handleRequestUpdate)
			r.Put("/label", s.handleSetLabel)
		})

		r.Route("/computers", func(r chi.Router) {
			r.Get("/", s.handleListComputers)
			r.Get("/{key}", s.handleGetComputer)
		})
	})

	return r
}

// handleRoot serves the liveness line, or the device socket when the
// device path is "/" and the request is an upgrade.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if s.devicePath() == "/" && websocket.IsWebSocketUpgrade(r) {
		s.handleDeviceSocket(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // Best-effort write to response
	w.Write([]byte(livenessText))
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"version":            s.version,
		"computer_connected": s.bridge.Status().Connected,
	})
}

func (s *Server) handleComputerStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.bridge.Status())
}

// commandRequest is the body of POST /computer/commands.
type commandRequest struct {
	Line   string `json:"line"`
	Verify *bool  `json:"verify,omitempty"`
}

// commandResponse reports what was sent and, for verified commands, the result.
type commandResponse struct {
	Line      string            `json:"line"`
	Sent      *computer.Command `json:"sent,omitempty"`
	Verified  bool              `json:"verified"`
	Confirmed *bool             `json:"confirmed,omitempty"`
}

// handleSendCommand sends an operator line. With verify it waits for the
// computer's reply, bounded by the response timeout.
func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if !decodeBody(w, r, &req) {
		return
	}
	line := strings.TrimSpace(req.Line)
	if line == "" {
		writeBadRequest(w, "line is required")
		return
	}

	verify := s.bridge.VerifyCommands()
	if req.Verify != nil {
		verify = *req.Verify
	}

	if !verify {
		cmd, err := s.bridge.Dispatch(r.Context(), line)
		if err != nil {
			s.writeComputerError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, commandResponse{Line: line, Sent: &cmd})
		return
	}

	ok, err := s.bridge.Confirm(r.Context(), line)
	if err != nil {
		s.writeComputerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commandResponse{
		Line:      line,
		Verified:  true,
		Confirmed: &ok,
	})
}

// labelRequest is the body of PUT /computer/label.
type labelRequest struct {
	Label  string `json:"label"`
	Verify *bool  `json:"verify,omitempty"`
}

func (s *Server) handleSetLabel(w http.ResponseWriter, r *http.Request) {
	var req labelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	label := strings.TrimSpace(req.Label)
	if label == "" {
		writeBadRequest(w, "label is required")
		return
	}

	verify := s.bridge.VerifyCommands()
	if req.Verify != nil {
		verify = *req.Verify
	}

	ok, err := s.bridge.SetLabel(r.Context(), label, verify)
	if err != nil {
		s.writeComputerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"label":     label,
		"verified":  verify,
		"confirmed": ok,
	})
}

// handleRequestUpdate asks the computer for its state and waits until the
// reply has been stored.
func (s *Server) handleRequestUpdate(w http.ResponseWriter, r *http.Request) {
	if err := s.bridge.RequestUpdate(r.Context()); err != nil {
		s.writeComputerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stored"})
}

func (s *Server) handleListComputers(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.List(r.Context())
	if err != nil {
		s.logger.Error("listing stored updates", "error", err)
		writeInternalError(w, "failed to list stored updates")
		return
	}
	if entries == nil {
		entries = []store.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"computers": entries,
		"count":     len(entries),
	})
}

func (s *Server) handleGetComputer(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value, found, err := s.store.Get(r.Context(), computer.StorageKey(key))
	if err != nil {
		s.logger.Error("reading stored update", "key", key, "error", err)
		writeInternalError(w, "failed to read stored update")
		return
	}
	if !found {
		writeNotFound(w, "no update stored for "+key)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // Best-effort write to response
	w.Write(value)
}

// decodeBody decodes a JSON request body, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrCodeBadRequest, "request body too large")
			return false
		}
		writeBadRequest(w, "invalid JSON body")
		return false
	}
	return true
}
