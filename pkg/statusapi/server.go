// Package statusapi is the read-only HTTP surface the core exposes to
// an external caller that isn't the AV sink or input source: a JSON
// view of every managed device's lifecycle state and media statistics,
// plus a liveness probe. Adapted from the teacher's pkg/api/server.go
// ServeMux/middleware/http.Server shape, stripped of the embedded web
// UI and Cloudflare session-proxy handlers this domain has no use for.
package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/nwire/rpbridge/pkg/logger"
	"github.com/nwire/rpbridge/pkg/rpsession"
)

// Server serves GET /sessions, GET /sessions/{id}, and GET /healthz.
type Server struct {
	manager    *rpsession.Manager
	log        *logger.Logger
	httpServer *http.Server
	startedAt  time.Time
}

// NewServer builds a Server bound to a Manager whose SessionInfo(s) back
// every response.
func NewServer(manager *rpsession.Manager, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{manager: manager, log: log, startedAt: time.Now()}
}

// Start binds addr and serves until Stop is called or the process exits.
// Mirrors the teacher's Start: launches ListenAndServe in a goroutine
// and returns once the server has had a moment to fail fast on a bad
// address, rather than blocking for the server's whole lifetime.
func (s *Server) Start(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions", s.handleListSessions)
	mux.HandleFunc("/sessions/", s.handleGetSession)
	mux.HandleFunc("/healthz", s.handleHealthz)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.withCORS(s.withLogging(mux)),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.log.DebugSession("starting status api", "address", addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.DebugSession("status api server error", "error", err)
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type sessionResponse struct {
	DeviceID     string  `json:"device_id"`
	HostIP       string  `json:"host_ip,omitempty"`
	DeviceState  string  `json:"device_state"`
	SessionState string  `json:"session_state"`
	FailureCount int     `json:"failure_count"`
	LastError    string  `json:"last_error,omitempty"`
	VideoFPS     float64 `json:"video_output_fps"`
	VideoFrames  uint64  `json:"video_total_frames"`
	AudioFrames  uint64  `json:"audio_total_frames"`
}

func toResponse(info rpsession.SessionInfo) sessionResponse {
	resp := sessionResponse{
		DeviceID:     info.DeviceID,
		HostIP:       info.HostIP,
		DeviceState:  info.DeviceState.String(),
		SessionState: info.SessionState.String(),
		FailureCount: info.FailureCount,
		VideoFPS:     info.Stats.Video.OutputFPS,
		VideoFrames:  info.Stats.Video.TotalFrames,
		AudioFrames:  info.Stats.Audio.TotalFrames,
	}
	if info.LastError != nil {
		resp.LastError = info.LastError.Error()
	}
	return resp
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	infos := make([]rpsession.SessionInfo, 0)
	if s.manager != nil {
		infos = s.manager.SessionInfos()
	}

	resp := make([]sessionResponse, 0, len(infos))
	for _, info := range infos {
		resp = append(resp, toResponse(info))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.DebugSession("failed to encode sessions response", "error", err)
	}
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	deviceID := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if deviceID == "" {
		http.Error(w, "device id required", http.StatusBadRequest)
		return
	}

	if s.manager == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	info, ok := s.manager.SessionInfo(deviceID)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(toResponse(info)); err != nil {
		s.log.DebugSession("failed to encode session response", "error", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
	})
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.log.DebugSession("status api request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
