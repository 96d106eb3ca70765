package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Cypherspark/outreach-dispatch/internal/compliance"
	"github.com/Cypherspark/outreach-dispatch/internal/core"
	"github.com/Cypherspark/outreach-dispatch/internal/dispatch"
	"github.com/Cypherspark/outreach-dispatch/internal/inbound"
	"github.com/Cypherspark/outreach-dispatch/internal/ledger"
	"github.com/Cypherspark/outreach-dispatch/internal/metrics"
)

type Config struct {
	// DispatchSecret guards POST /internal/dispatch. Empty disables the
	// endpoint.
	DispatchSecret string
	// WebhookSecret, when set, must arrive as X-Webhook-Secret on provider
	// callbacks.
	WebhookSecret string
	RunTimeout    time.Duration
	Logger        *slog.Logger
}

type Server struct {
	Store   core.Store
	Service *core.Service
	Engine  *dispatch.Engine
	Ledger  *ledger.Ledger
	Inbound *inbound.Handler

	cfg    Config
	logger *slog.Logger
}

func NewServer(store core.Store, engine *dispatch.Engine, in *inbound.Handler, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 50 * time.Second
	}
	return &Server{
		Store:   store,
		Service: core.NewService(store),
		Engine:  engine,
		Ledger:  ledger.New(store, cfg.Logger),
		Inbound: in,
		cfg:     cfg,
		logger:  cfg.Logger,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer, instrument)

	s.mountHealth(r)
	s.mountMetrics(r)
	s.mountDocs(r)
	s.mountWebhooks(r)

	r.Post("/tenants", s.createTenant)

	r.Group(func(r chi.Router) {
		r.Use(requireTenant)

		r.Get("/credits/balance", s.getBalance)
		r.Post("/credits/topup", s.topUp)
		r.Get("/credits/ledger", s.listLedger)

		r.Put("/leads/{id}", s.putLead)
		r.Post("/numbers", s.addNumber)

		r.Post("/messages", s.postMessage)
		r.Get("/messages", s.listMessages)
		r.Get("/messages/{id}", s.getMessage)
		r.Post("/messages/{id}/cancel", s.cancelMessage)
		r.Post("/messages/{id}/send", s.sendMessageNow)
		r.Post("/send", s.directSend)

		r.Post("/campaigns", s.postCampaign)
		r.Get("/campaigns", s.listCampaigns)
		r.Get("/campaigns/{id}", s.getCampaign)
		r.Post("/campaigns/{id}/pause", s.pauseCampaign)
		r.Post("/campaigns/{id}/resume", s.resumeCampaign)
		r.Post("/campaigns/{id}/cancel", s.cancelCampaign)

		r.Put("/dnc", s.putDNC)
		r.Delete("/dnc/{phone}", s.deleteDNC)

		r.Get("/settings", s.getSettings)
		r.Put("/settings", s.putSettings)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, core.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, inbound.ErrUnroutable):
		status, code = http.StatusNotFound, "unroutable"
	case errors.Is(err, core.ErrInsufficientCredits):
		status, code = http.StatusPaymentRequired, "insufficient_credits"
	case errors.Is(err, core.ErrNotPending):
		status, code = http.StatusConflict, "not_pending"
	case errors.Is(err, core.ErrInvalidTransition):
		status, code = http.StatusConflict, "invalid_transition"
	case errors.Is(err, core.ErrDuplicate):
		status, code = http.StatusConflict, "duplicate"
	case errors.Is(err, core.ErrInvalidInput):
		status, code = http.StatusBadRequest, "invalid_input"
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.Any("err", err),
		)
		writeJSON(w, status, map[string]string{"error": code})
		return
	}
	writeJSON(w, status, map[string]string{"error": code, "detail": err.Error()})
}

func badRequest(w http.ResponseWriter, code string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": code})
}

type tenantKey struct{}

func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
		if id == "" {
			badRequest(w, "missing_X-Tenant-ID")
			return
		}
		next.ServeHTTP(w, r.WithContext(withTenant(r.Context(), id)))
	})
}

func withTenant(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, tenantKey{}, id)
}

func tenantID(r *http.Request) string {
	id, _ := r.Context().Value(tenantKey{}).(string)
	return id
}

func queryInt(r *http.Request, key string, def, max int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 && (max == 0 || n <= max) {
			return n
		}
	}
	return def
}

func queryTime(r *http.Request, key string) (*time.Time, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, false
	}
	return &t, true
}

// ---- tenants & credits ----

func (s *Server) createTenant(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || strings.TrimSpace(in.Name) == "" {
		badRequest(w, "invalid_body")
		return
	}
	id, err := s.Store.CreateTenant(r.Context(), in.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id, "name": in.Name})
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := s.Ledger.Balance(r.Context(), tenantID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"balance": bal})
}

func (s *Server) topUp(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Amount int `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Amount <= 0 {
		badRequest(w, "invalid_amount")
		return
	}
	bal, err := s.Ledger.TopUp(r.Context(), tenantID(r), in.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"balance": bal})
}

func (s *Server) listLedger(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100, 500)
	items, err := s.Ledger.Entries(r.Context(), tenantID(r), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "limit": limit})
}

// ---- leads & numbers ----

func (s *Server) putLead(w http.ResponseWriter, r *http.Request) {
	var l core.Lead
	if err := json.NewDecoder(r.Body).Decode(&l); err != nil {
		badRequest(w, "invalid_body")
		return
	}
	l.ID = chi.URLParam(r, "id")
	l.TenantID = tenantID(r)
	l.Phone = compliance.NormalizePhone(l.Phone)
	if err := s.Store.UpsertLead(r.Context(), &l); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) addNumber(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Phone  string `json:"phone"`
		Active *bool  `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		badRequest(w, "invalid_body")
		return
	}
	n := core.OwnedNumber{TenantID: tenantID(r), Phone: compliance.NormalizePhone(in.Phone), Active: true}
	if n.Phone == "" {
		badRequest(w, "invalid_phone")
		return
	}
	if in.Active != nil {
		n.Active = *in.Active
	}
	if err := s.Store.AddNumber(r.Context(), n); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

// ---- messages ----

type messageRequest struct {
	LeadID  string       `json:"lead_id"`
	Channel core.Channel `json:"channel"`
	Body    string       `json:"body"`
	Subject string       `json:"subject"`
	DueAt   *time.Time   `json:"due_at"`
	Source  core.Source  `json:"source"`
}

func (in messageRequest) toCore(tenant string) core.ScheduleMessageRequest {
	req := core.ScheduleMessageRequest{
		TenantID: tenant,
		LeadID:   in.LeadID,
		Channel:  in.Channel,
		Body:     in.Body,
		Subject:  in.Subject,
		Source:   in.Source,
	}
	if req.Channel == "" {
		req.Channel = core.ChannelSMS
	}
	if in.DueAt != nil {
		req.DueAt = *in.DueAt
	}
	return req
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	var in messageRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		badRequest(w, "invalid_body")
		return
	}
	m, err := s.Service.ScheduleMessage(r.Context(), in.toCore(tenantID(r)))
	if err != nil {
		metrics.ScheduleTotal.WithLabelValues("message", "rejected").Inc()
		s.writeError(w, r, err)
		return
	}
	metrics.ScheduleTotal.WithLabelValues("message", "ok").Inc()
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	f := core.MessageFilter{
		TenantID:   tenantID(r),
		CampaignID: r.URL.Query().Get("campaign_id"),
		Limit:      queryInt(r, "limit", 50, 500),
		Offset:     queryInt(r, "offset", 0, 0),
	}
	if v := r.URL.Query().Get("status"); v != "" {
		st := core.MessageStatus(v)
		f.Status = &st
	}
	var ok bool
	if f.From, ok = queryTime(r, "from"); !ok {
		badRequest(w, "invalid_from")
		return
	}
	if f.To, ok = queryTime(r, "to"); !ok {
		badRequest(w, "invalid_to")
		return
	}
	items, err := s.Service.ListMessages(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []core.ScheduledMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "limit": f.Limit, "offset": f.Offset})
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	m, err := s.Service.GetMessage(r.Context(), tenantID(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) cancelMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Service.CancelMessage(r.Context(), tenantID(r), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(core.MessageCancelled)})
}

func (s *Server) sendMessageNow(w http.ResponseWriter, r *http.Request) {
	m, _, err := s.Engine.SendNow(r.Context(), tenantID(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, sendStatus(m), m)
}

// directSend schedules a message for now and dispatches it in the request.
func (s *Server) directSend(w http.ResponseWriter, r *http.Request) {
	var in messageRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		badRequest(w, "invalid_body")
		return
	}
	in.DueAt = nil
	req := in.toCore(tenantID(r))
	m, err := s.Service.ScheduleMessage(r.Context(), req)
	if err != nil {
		metrics.ScheduleTotal.WithLabelValues("direct", "rejected").Inc()
		s.writeError(w, r, err)
		return
	}
	metrics.ScheduleTotal.WithLabelValues("direct", "ok").Inc()
	out, _, err := s.Engine.SendNow(r.Context(), req.TenantID, m.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, sendStatus(out), out)
}

// sendStatus is 200 for a sent message, 202 if it was deferred and 422
// if it failed.
func sendStatus(m *core.ScheduledMessage) int {
	switch m.Status {
	case core.MessageSent:
		return http.StatusOK
	case core.MessagePending:
		return http.StatusAccepted
	}
	return http.StatusUnprocessableEntity
}

// ---- campaigns ----

func (s *Server) postCampaign(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name          string       `json:"name"`
		Channel       core.Channel `json:"channel"`
		Subject       string       `json:"subject"`
		Template      string       `json:"template"`
		RecipientIDs  []string     `json:"recipient_ids"`
		BatchPercent  int          `json:"batch_percent"`
		IntervalHours int          `json:"interval_hours"`
		StartAt       *time.Time   `json:"start_at"`
		AutoRepeat    bool         `json:"auto_repeat"`
		Tags          []string     `json:"tags"`
		Source        core.Source  `json:"source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		badRequest(w, "invalid_body")
		return
	}
	req := core.ScheduleCampaignRequest{
		TenantID:      tenantID(r),
		Name:          in.Name,
		Channel:       in.Channel,
		Subject:       in.Subject,
		Template:      in.Template,
		RecipientIDs:  in.RecipientIDs,
		BatchPercent:  in.BatchPercent,
		IntervalHours: in.IntervalHours,
		AutoRepeat:    in.AutoRepeat,
		Tags:          in.Tags,
		Source:        in.Source,
	}
	if in.StartAt != nil {
		req.StartAt = *in.StartAt
	}
	c, err := s.Service.ScheduleCampaign(r.Context(), req)
	if err != nil {
		metrics.ScheduleTotal.WithLabelValues("campaign", "rejected").Inc()
		s.writeError(w, r, err)
		return
	}
	metrics.ScheduleTotal.WithLabelValues("campaign", "ok").Inc()
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) listCampaigns(w http.ResponseWriter, r *http.Request) {
	f := core.CampaignFilter{
		TenantID: tenantID(r),
		Limit:    queryInt(r, "limit", 50, 500),
		Offset:   queryInt(r, "offset", 0, 0),
	}
	if v := r.URL.Query().Get("status"); v != "" {
		st := core.CampaignStatus(v)
		f.Status = &st
	}
	items, err := s.Service.ListCampaigns(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []core.ScheduledCampaign{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "limit": f.Limit, "offset": f.Offset})
}

func (s *Server) getCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.Service.GetCampaign(r.Context(), tenantID(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) pauseCampaign(w http.ResponseWriter, r *http.Request) {
	s.campaignTransition(w, r, s.Service.PauseCampaign)
}

func (s *Server) resumeCampaign(w http.ResponseWriter, r *http.Request) {
	s.campaignTransition(w, r, s.Service.ResumeCampaign)
}

func (s *Server) cancelCampaign(w http.ResponseWriter, r *http.Request) {
	s.campaignTransition(w, r, s.Service.CancelCampaign)
}

func (s *Server) campaignTransition(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, tenantID, id string) (*core.ScheduledCampaign, error)) {
	c, err := fn(r.Context(), tenantID(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ---- dnc & settings ----

func (s *Server) putDNC(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Phone  string `json:"phone"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		badRequest(w, "invalid_body")
		return
	}
	rec := core.DNCRecord{
		TenantID:  tenantID(r),
		Phone:     compliance.NormalizePhone(in.Phone),
		Reason:    in.Reason,
		Source:    core.DNCSourceManual,
		CreatedAt: time.Now().UTC(),
	}
	if rec.Phone == "" {
		badRequest(w, "invalid_phone")
		return
	}
	if err := s.Store.UpsertDNC(r.Context(), rec); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) deleteDNC(w http.ResponseWriter, r *http.Request) {
	phone := compliance.NormalizePhone(chi.URLParam(r, "phone"))
	removed, err := s.Store.RemoveDNC(r.Context(), tenantID(r), phone)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !removed {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	st, err := s.Store.GetSettings(r.Context(), tenantID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) putSettings(w http.ResponseWriter, r *http.Request) {
	st := core.DefaultSettings(tenantID(r))
	if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
		badRequest(w, "invalid_body")
		return
	}
	st.TenantID = tenantID(r)
	if st.Timezone == "" {
		st.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(st.Timezone); err != nil {
		badRequest(w, "invalid_timezone")
		return
	}
	if !validWindow(st.QuietHours) || !validWindow(st.BusinessHours) {
		badRequest(w, "invalid_window")
		return
	}
	if st.RateLimits.PerHour < 0 || st.RateLimits.PerDay < 0 {
		badRequest(w, "invalid_rate_limits")
		return
	}
	if err := s.Store.PutSettings(r.Context(), st); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func validWindow(w core.SendWindow) bool {
	const day = 24 * 60
	return w.StartMinute >= 0 && w.StartMinute < day && w.EndMinute >= 0 && w.EndMinute <= day
}
