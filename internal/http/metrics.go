package httpapi

import (
	"log/slog"

	"github.com/go-chi/chi/v5"

	"github.com/Cypherspark/outreach-dispatch/internal/metrics"
)

// mountMetrics exposes the process registry. Gather errors are logged and
// the remaining families are still served.
func (s *Server) mountMetrics(r chi.Router) {
	errLog := slog.NewLogLogger(s.logger.Handler(), slog.LevelError)
	r.Method("GET", "/metrics", metrics.Handler(errLog))
}
