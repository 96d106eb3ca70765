package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Cypherspark/outreach-dispatch/internal/inbound"
)

// mountWebhooks wires provider callbacks and the scheduler trigger. None of
// these routes carry a tenant header; the tenant is derived from the payload.
func (s *Server) mountWebhooks(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(s.webhookAuth)
		r.Post("/webhooks/inbound", s.inboundMessage)
		r.Post("/webhooks/status", s.deliveryStatus)
	})
	r.Post("/internal/dispatch", s.triggerDispatch)
}

func (s *Server) webhookAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.WebhookSecret != "" && !secretMatches(r.Header.Get("X-Webhook-Secret"), s.cfg.WebhookSecret) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func secretMatches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (s *Server) inboundMessage(w http.ResponseWriter, r *http.Request) {
	var in inbound.Message
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		badRequest(w, "invalid_body")
		return
	}
	res, err := s.Inbound.HandleInbound(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) deliveryStatus(w http.ResponseWriter, r *http.Request) {
	var in inbound.StatusUpdate
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		badRequest(w, "invalid_body")
		return
	}
	applied, err := s.Inbound.HandleStatus(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}

// triggerDispatch runs one dispatch pass for an external scheduler. The
// bearer token must equal the configured dispatch secret.
func (s *Server) triggerDispatch(w http.ResponseWriter, r *http.Request) {
	if s.cfg.DispatchSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
		return
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || !secretMatches(token, s.cfg.DispatchSecret) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RunTimeout)
	defer cancel()

	rep, err := s.Engine.Run(ctx, time.Now().UTC())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
