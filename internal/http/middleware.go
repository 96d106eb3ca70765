package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Cypherspark/outreach-dispatch/internal/metrics"
)

// instrument records request counts and latency by route pattern. The
// pattern is only known after routing, so it is read once next returns.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		start := time.Now()
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start).Seconds()

		handler := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if rp := rc.RoutePattern(); rp != "" {
				handler = rp
			}
		}
		metrics.HTTPRequests.WithLabelValues(handler, r.Method, strconv.Itoa(ww.Status())).Inc()
		metrics.HTTPDuration.WithLabelValues(handler, r.Method).Observe(elapsed)
	})
}
