// internal/webhook/server.go
package webhook

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/fivehealth/smooch-logs/internal/scheduler"
	"github.com/fivehealth/smooch-logs/internal/types"
)

// Runner is the scheduled export behind the server.
type Runner interface {
	Trigger() error
	Status() scheduler.Status
}

// Server exposes health, checkpoint and run control endpoints for the
// watch daemon.
type Server struct {
	checkpoints types.CheckpointStore
	runner      Runner
	logger      *slog.Logger
	mux         *http.ServeMux
}

// NewServer creates a new Server. Either collaborator may be nil, in which
// case its endpoints answer 503.
func NewServer(checkpoints types.CheckpointStore, runner Runner, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		checkpoints: checkpoints,
		runner:      runner,
		logger:      logger,
		mux:         http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("POST /api/run", s.handleRun)
	s.mux.HandleFunc("GET /api/checkpoints", s.handleCheckpoints)
	s.mux.HandleFunc("GET /api/checkpoints/{app}", s.handleCheckpoint)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		http.Error(w, `{"error":"scheduler not configured"}`, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.runner.Status())
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		http.Error(w, `{"error":"scheduler not configured"}`, http.StatusServiceUnavailable)
		return
	}
	if err := s.runner.Trigger(); err != nil {
		if errors.Is(err, scheduler.ErrBusy) {
			http.Error(w, `{"error":"an export is already running"}`, http.StatusConflict)
			return
		}
		s.logger.Error("trigger export failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	s.logger.Info("export triggered over http", "remote", r.RemoteAddr)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	if s.checkpoints == nil {
		http.Error(w, `{"error":"checkpoints not configured"}`, http.StatusServiceUnavailable)
		return
	}
	list, err := s.checkpoints.List(r.Context())
	if err != nil {
		s.logger.Error("list checkpoints failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*types.Checkpoint{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	if s.checkpoints == nil {
		http.Error(w, `{"error":"checkpoints not configured"}`, http.StatusServiceUnavailable)
		return
	}
	app := types.AppID(r.PathValue("app"))
	cp, err := s.checkpoints.Get(r.Context(), app)
	if err != nil {
		s.logger.Error("get checkpoint failed", "app_id", app, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	if cp == nil {
		http.Error(w, `{"error":"checkpoint not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
