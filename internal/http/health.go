package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

const readyTimeout = time.Second

type readiness struct {
	Status string `json:"status"`
	Store  string `json:"store"`
}

func (s *Server) mountHealth(r chi.Router) {
	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

// readyz reports 503 until the store answers a ping. Dispatch and
// scheduling are useless without it.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	if err := s.Store.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", slog.Any("err", err))
		writeJSON(w, http.StatusServiceUnavailable, readiness{Status: "unavailable", Store: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, readiness{Status: "ok", Store: "ok"})
}
