package core

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Service implements the scheduling side of the API: it creates and
// cancels work that the dispatch engine later picks up.
type Service struct {
	Store Store
	Now   func() time.Time
}

func NewService(store Store) *Service {
	return &Service{Store: store, Now: time.Now}
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

type ScheduleMessageRequest struct {
	TenantID string
	LeadID   string
	Channel  Channel
	Body     string
	Subject  string
	DueAt    time.Time
	Source   Source
}

// ScheduleMessage validates and stores a pending message. A zero DueAt
// means as soon as possible.
func (s *Service) ScheduleMessage(ctx context.Context, r ScheduleMessageRequest) (*ScheduledMessage, error) {
	if r.TenantID == "" || r.LeadID == "" {
		return nil, fmt.Errorf("%w: tenant and lead are required", ErrInvalidInput)
	}
	if !r.Channel.Valid() {
		return nil, fmt.Errorf("%w: unknown channel %q", ErrInvalidInput, r.Channel)
	}
	if strings.TrimSpace(r.Body) == "" {
		return nil, fmt.Errorf("%w: body is empty", ErrInvalidInput)
	}
	if r.Channel == ChannelEmail && strings.TrimSpace(r.Subject) == "" {
		return nil, fmt.Errorf("%w: email requires a subject", ErrInvalidInput)
	}
	if r.Source == "" {
		r.Source = SourceManual
	}
	if !r.Source.Valid() {
		return nil, fmt.Errorf("%w: unknown source %q", ErrInvalidInput, r.Source)
	}
	now := s.now()
	due := r.DueAt.UTC()
	if r.DueAt.IsZero() {
		due = now
	}
	cost, segments := Cost(r.Channel, r.Body, r.Source)
	m := &ScheduledMessage{
		TenantID:   r.TenantID,
		LeadID:     r.LeadID,
		Channel:    r.Channel,
		Body:       r.Body,
		Subject:    r.Subject,
		Status:     MessagePending,
		DueAt:      due,
		CreditCost: cost,
		Segments:   segments,
		Source:     r.Source,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.Store.CreateScheduledMessage(ctx, m); err != nil {
		return nil, fmt.Errorf("schedule message: %w", err)
	}
	return m, nil
}

// CancelMessage flips a pending message to cancelled.
func (s *Service) CancelMessage(ctx context.Context, tenantID, id string) error {
	return s.Store.CancelScheduledMessage(ctx, tenantID, id, s.now())
}

func (s *Service) GetMessage(ctx context.Context, tenantID, id string) (*ScheduledMessage, error) {
	return s.Store.GetScheduledMessage(ctx, tenantID, id)
}

func (s *Service) ListMessages(ctx context.Context, f MessageFilter) ([]ScheduledMessage, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}
	return s.Store.ListScheduledMessages(ctx, f)
}

type ScheduleCampaignRequest struct {
	TenantID      string
	Name          string
	Channel       Channel
	Subject       string
	Template      string
	RecipientIDs  []string
	BatchPercent  int
	IntervalHours int
	StartAt       time.Time
	AutoRepeat    bool
	Tags          []string
	Source        Source
}

// ScheduleCampaign stores a new drip campaign with nothing sent yet.
func (s *Service) ScheduleCampaign(ctx context.Context, r ScheduleCampaignRequest) (*ScheduledCampaign, error) {
	if r.TenantID == "" || strings.TrimSpace(r.Name) == "" {
		return nil, fmt.Errorf("%w: tenant and name are required", ErrInvalidInput)
	}
	if r.Channel == "" {
		r.Channel = ChannelSMS
	}
	if !r.Channel.Valid() {
		return nil, fmt.Errorf("%w: unknown channel %q", ErrInvalidInput, r.Channel)
	}
	if strings.TrimSpace(r.Template) == "" {
		return nil, fmt.Errorf("%w: template is empty", ErrInvalidInput)
	}
	if r.BatchPercent < 1 || r.BatchPercent > 100 {
		return nil, fmt.Errorf("%w: batch percent must be within 1..100", ErrInvalidInput)
	}
	if r.IntervalHours < 1 {
		return nil, fmt.Errorf("%w: interval must be at least one hour", ErrInvalidInput)
	}
	if r.Source == "" {
		r.Source = SourceCampaign
	}
	if r.Source == SourceManual || !r.Source.Valid() {
		return nil, fmt.Errorf("%w: invalid campaign source %q", ErrInvalidInput, r.Source)
	}
	recipients := dedupe(r.RecipientIDs)
	if len(recipients) == 0 {
		return nil, fmt.Errorf("%w: no recipients", ErrInvalidInput)
	}
	now := s.now()
	start := r.StartAt.UTC()
	if r.StartAt.IsZero() {
		start = now
	}
	c := &ScheduledCampaign{
		TenantID:      r.TenantID,
		Name:          r.Name,
		Channel:       r.Channel,
		Subject:       r.Subject,
		Template:      r.Template,
		RecipientIDs:  recipients,
		Total:         len(recipients),
		BatchPercent:  r.BatchPercent,
		IntervalHours: r.IntervalHours,
		NextBatchAt:   &start,
		AutoRepeat:    r.AutoRepeat,
		Status:        CampaignScheduled,
		Source:        r.Source,
		Tags:          dedupe(r.Tags),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.Store.CreateCampaign(ctx, c); err != nil {
		return nil, fmt.Errorf("schedule campaign: %w", err)
	}
	return c, nil
}

func (s *Service) GetCampaign(ctx context.Context, tenantID, id string) (*ScheduledCampaign, error) {
	return s.Store.GetCampaign(ctx, tenantID, id)
}

func (s *Service) ListCampaigns(ctx context.Context, f CampaignFilter) ([]ScheduledCampaign, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}
	return s.Store.ListCampaigns(ctx, f)
}

// PauseCampaign stops future batches; the due time is kept so the
// campaign stays non-terminal.
func (s *Service) PauseCampaign(ctx context.Context, tenantID, id string) (*ScheduledCampaign, error) {
	c, err := s.Store.GetCampaign(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	return s.Store.TransitionCampaign(ctx, tenantID, id,
		[]CampaignStatus{CampaignScheduled, CampaignRunning}, CampaignPaused, c.NextBatchAt, "paused by user")
}

// ResumeCampaign makes a paused campaign due immediately.
func (s *Service) ResumeCampaign(ctx context.Context, tenantID, id string) (*ScheduledCampaign, error) {
	now := s.now()
	return s.Store.TransitionCampaign(ctx, tenantID, id,
		[]CampaignStatus{CampaignPaused}, CampaignRunning, &now, "")
}

func (s *Service) CancelCampaign(ctx context.Context, tenantID, id string) (*ScheduledCampaign, error) {
	return s.Store.TransitionCampaign(ctx, tenantID, id,
		[]CampaignStatus{CampaignScheduled, CampaignRunning, CampaignPaused}, CampaignCancelled, nil, "cancelled by user")
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
