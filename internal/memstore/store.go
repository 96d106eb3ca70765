// Package memstore is an in-memory core.Store. Safe for concurrent use.
// Intended for unit tests and local development.
package memstore

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Cypherspark/outreach-dispatch/internal/core"
)

var _ core.Store = (*Store)(nil)

type tenant struct {
	name    string
	balance int
}

type Store struct {
	mu sync.Mutex

	tenants   map[string]*tenant
	ledger    []core.LedgerEntry
	messages  map[string]*core.ScheduledMessage
	msgOrder  []string
	campaigns map[string]*core.ScheduledCampaign
	dnc       map[string]core.DNCRecord // key: tenant|phone
	blocked   []core.BlockedAttempt
	leads     map[string]*core.Lead // key: tenant|id
	numbers   []core.OwnedNumber
	threads   map[string]*core.Thread // key: tenant|phone
	threadMsg []*core.ThreadMessage
	settings  map[string]core.TenantSettings
}

func New() *Store {
	return &Store{
		tenants:   make(map[string]*tenant),
		messages:  make(map[string]*core.ScheduledMessage),
		campaigns: make(map[string]*core.ScheduledCampaign),
		dnc:       make(map[string]core.DNCRecord),
		leads:     make(map[string]*core.Lead),
		threads:   make(map[string]*core.Thread),
		settings:  make(map[string]core.TenantSettings),
	}
}

func key(a, b string) string { return a + "|" + b }

func (s *Store) Ping(context.Context) error { return nil }

// ---- Credits ----

func (s *Store) CreateTenant(_ context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.tenants[id] = &tenant{name: name}
	return id, nil
}

func (s *Store) Balance(_ context.Context, tenantID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return 0, core.ErrNotFound
	}
	return t.balance, nil
}

func (s *Store) DebitIfSufficient(_ context.Context, tenantID string, amount int, correlationID string) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return 0, false, core.ErrNotFound
	}
	if t.balance < amount {
		return t.balance, false, nil
	}
	t.balance -= amount
	s.appendEntry(tenantID, -amount, core.LedgerDebit, correlationID)
	return t.balance, true, nil
}

func (s *Store) Credit(_ context.Context, tenantID string, amount int, reason core.LedgerReason, correlationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return 0, core.ErrNotFound
	}
	t.balance += amount
	s.appendEntry(tenantID, amount, reason, correlationID)
	return t.balance, nil
}

func (s *Store) appendEntry(tenantID string, amount int, reason core.LedgerReason, corr string) {
	s.ledger = append(s.ledger, core.LedgerEntry{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		Amount:        amount,
		Reason:        reason,
		CorrelationID: corr,
		CreatedAt:     time.Now().UTC(),
	})
}

func (s *Store) LedgerEntries(_ context.Context, tenantID string, limit int) ([]core.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = core.DefaultLedgerLimit
	}
	var out []core.LedgerEntry
	for i := len(s.ledger) - 1; i >= 0 && len(out) < limit; i-- {
		if s.ledger[i].TenantID == tenantID {
			out = append(out, s.ledger[i])
		}
	}
	return out, nil
}

// ---- Scheduled messages ----

func (s *Store) CreateScheduledMessage(_ context.Context, m *core.ScheduledMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.CampaignID != nil {
		for _, x := range s.messages {
			if x.CampaignID != nil && *x.CampaignID == *m.CampaignID &&
				x.CampaignCycle == m.CampaignCycle && x.LeadID == m.LeadID {
				return core.ErrDuplicate
			}
		}
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = m.CreatedAt
	cp := *m
	s.messages[m.ID] = &cp
	s.msgOrder = append(s.msgOrder, m.ID)
	return nil
}

func (s *Store) GetScheduledMessage(_ context.Context, tenantID, id string) (*core.ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || (tenantID != "" && m.TenantID != tenantID) {
		return nil, core.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Store) ListScheduledMessages(_ context.Context, f core.MessageFilter) ([]core.ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.ScheduledMessage
	for i := len(s.msgOrder) - 1; i >= 0; i-- {
		m := s.messages[s.msgOrder[i]]
		if f.TenantID != "" && m.TenantID != f.TenantID {
			continue
		}
		if f.Status != nil && m.Status != *f.Status {
			continue
		}
		if f.CampaignID != "" && (m.CampaignID == nil || *m.CampaignID != f.CampaignID) {
			continue
		}
		if f.From != nil && m.DueAt.Before(*f.From) {
			continue
		}
		if f.To != nil && !m.DueAt.Before(*f.To) {
			continue
		}
		out = append(out, *m)
	}
	return page(out, f.Offset, f.Limit), nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func (s *Store) CancelScheduledMessage(_ context.Context, tenantID, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.TenantID != tenantID {
		return core.ErrNotFound
	}
	if m.Status != core.MessagePending || leased(m.ClaimToken, m.ClaimExpiresAt, at) {
		return core.ErrNotPending
	}
	m.Status = core.MessageCancelled
	m.ClaimToken, m.ClaimExpiresAt = "", nil
	m.UpdatedAt = at
	return nil
}

func leased(token string, exp *time.Time, now time.Time) bool {
	return token != "" && exp != nil && exp.After(now)
}

func (s *Store) ClaimMessage(_ context.Context, tenantID, id string, now time.Time, lease time.Duration) (*core.ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.TenantID != tenantID {
		return nil, core.ErrNotFound
	}
	if m.Status != core.MessagePending || leased(m.ClaimToken, m.ClaimExpiresAt, now) {
		return nil, core.ErrNotPending
	}
	exp := now.Add(lease)
	m.ClaimToken = uuid.NewString()
	m.ClaimExpiresAt = &exp
	cp := *m
	return &cp, nil
}

func (s *Store) ClaimDueMessages(_ context.Context, now time.Time, limit int, lease time.Duration) ([]core.ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*core.ScheduledMessage
	for _, id := range s.msgOrder {
		m := s.messages[id]
		if m.Status != core.MessagePending || m.DueAt.After(now) {
			continue
		}
		if leased(m.ClaimToken, m.ClaimExpiresAt, now) {
			continue
		}
		due = append(due, m)
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].DueAt.Before(due[j].DueAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]core.ScheduledMessage, 0, len(due))
	exp := now.Add(lease)
	for _, m := range due {
		m.ClaimToken = uuid.NewString()
		m.ClaimExpiresAt = &exp
		out = append(out, *m)
	}
	return out, nil
}

func (s *Store) claimed(id, token string) (*core.ScheduledMessage, error) {
	m, ok := s.messages[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	if m.Status != core.MessagePending || m.ClaimToken != token {
		return nil, core.ErrClaimLost
	}
	return m, nil
}

func (s *Store) DeferMessage(_ context.Context, id, token, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.claimed(id, token)
	if err != nil {
		return err
	}
	m.DeferralCount++
	m.LastDeferredReason = reason
	m.ClaimToken, m.ClaimExpiresAt = "", nil
	m.UpdatedAt = at
	return nil
}

func (s *Store) CompleteMessage(_ context.Context, id, token string, out core.MessageOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.claimed(id, token)
	if err != nil {
		return err
	}
	if out.Status == core.MessagePending {
		return core.ErrInvalidTransition
	}
	m.Status = out.Status
	m.ErrorMessage = out.Error
	m.ProviderMessageID = out.ProviderMessageID
	if out.CreditCost > 0 {
		m.CreditCost = out.CreditCost
	}
	if out.Segments > 0 {
		m.Segments = out.Segments
	}
	m.ClaimToken, m.ClaimExpiresAt = "", nil
	m.UpdatedAt = out.At
	if out.Status == core.MessageSent {
		at := out.At
		m.SentAt = &at
	}
	return nil
}

// ---- Campaigns ----

func cloneCampaign(c *core.ScheduledCampaign) *core.ScheduledCampaign {
	cp := *c
	cp.RecipientIDs = slices.Clone(c.RecipientIDs)
	cp.Tags = slices.Clone(c.Tags)
	if c.NextBatchAt != nil {
		t := *c.NextBatchAt
		cp.NextBatchAt = &t
	}
	return &cp
}

func (s *Store) CreateCampaign(_ context.Context, c *core.ScheduledCampaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.UpdatedAt = c.CreatedAt
	s.campaigns[c.ID] = cloneCampaign(c)
	return nil
}

func (s *Store) GetCampaign(_ context.Context, tenantID, id string) (*core.ScheduledCampaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok || (tenantID != "" && c.TenantID != tenantID) {
		return nil, core.ErrNotFound
	}
	return cloneCampaign(c), nil
}

func (s *Store) ListCampaigns(_ context.Context, f core.CampaignFilter) ([]core.ScheduledCampaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.ScheduledCampaign
	for _, c := range s.campaigns {
		if f.TenantID != "" && c.TenantID != f.TenantID {
			continue
		}
		if f.Status != nil && c.Status != *f.Status {
			continue
		}
		out = append(out, *cloneCampaign(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, f.Offset, f.Limit), nil
}

func (s *Store) ClaimDueCampaigns(_ context.Context, now time.Time, limit int, lease time.Duration) ([]core.ScheduledCampaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*core.ScheduledCampaign
	for _, c := range s.campaigns {
		if c.Status != core.CampaignScheduled && c.Status != core.CampaignRunning {
			continue
		}
		if c.NextBatchAt == nil || c.NextBatchAt.After(now) {
			continue
		}
		if leased(c.ClaimToken, c.ClaimExpiresAt, now) {
			continue
		}
		due = append(due, c)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextBatchAt.Before(*due[j].NextBatchAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	exp := now.Add(lease)
	out := make([]core.ScheduledCampaign, 0, len(due))
	for _, c := range due {
		c.ClaimToken = uuid.NewString()
		c.ClaimExpiresAt = &exp
		out = append(out, *cloneCampaign(c))
	}
	return out, nil
}

func (s *Store) ReleaseCampaign(_ context.Context, id, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return core.ErrNotFound
	}
	if c.ClaimToken != token {
		return core.ErrClaimLost
	}
	c.ClaimToken, c.ClaimExpiresAt = "", nil
	return nil
}

func (s *Store) SaveCampaignProgress(_ context.Context, in *core.ScheduledCampaign, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[in.ID]
	if !ok {
		return core.ErrNotFound
	}
	if c.ClaimToken != token || (c.Status != core.CampaignScheduled && c.Status != core.CampaignRunning) {
		return core.ErrClaimLost
	}
	c.SentSoFar = in.SentSoFar
	c.BatchEnd = in.BatchEnd
	c.Status = in.Status
	c.NextBatchAt = nil
	if in.NextBatchAt != nil {
		t := *in.NextBatchAt
		c.NextBatchAt = &t
	}
	c.PauseReason = in.PauseReason
	c.Cycle = in.Cycle
	c.ClaimToken, c.ClaimExpiresAt = "", nil
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) TransitionCampaign(_ context.Context, tenantID, id string, from []core.CampaignStatus, to core.CampaignStatus, next *time.Time, reason string) (*core.ScheduledCampaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok || c.TenantID != tenantID {
		return nil, core.ErrNotFound
	}
	if !slices.Contains(from, c.Status) {
		return nil, core.ErrInvalidTransition
	}
	c.Status = to
	c.NextBatchAt = nil
	if next != nil {
		t := *next
		c.NextBatchAt = &t
	}
	c.PauseReason = reason
	c.ClaimToken, c.ClaimExpiresAt = "", nil
	c.UpdatedAt = time.Now().UTC()
	return cloneCampaign(c), nil
}

// ---- DNC ----

func (s *Store) FindDNC(_ context.Context, tenantID, phone string) (*core.DNCRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.dnc[key(tenantID, phone)]; ok {
		return &r, nil
	}
	if r, ok := s.dnc[key("", phone)]; ok {
		return &r, nil
	}
	return nil, nil
}

func (s *Store) UpsertDNC(_ context.Context, r core.DNCRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if old, ok := s.dnc[key(r.TenantID, r.Phone)]; ok {
		r.CreatedAt = old.CreatedAt
	}
	s.dnc[key(r.TenantID, r.Phone)] = r
	return nil
}

func (s *Store) RemoveDNC(_ context.Context, tenantID, phone string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(tenantID, phone)
	_, ok := s.dnc[k]
	delete(s.dnc, k)
	return ok, nil
}

func (s *Store) RecordBlockedAttempt(_ context.Context, a core.BlockedAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked = append(s.blocked, a)
	return nil
}

// BlockedAttempts returns the audit trail, oldest first.
func (s *Store) BlockedAttempts() []core.BlockedAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.blocked)
}

// ---- Leads ----

func (s *Store) UpsertLead(_ context.Context, l *core.Lead) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	cp := *l
	cp.Tags = slices.Clone(l.Tags)
	s.leads[key(l.TenantID, l.ID)] = &cp
	return nil
}

func (s *Store) GetLead(_ context.Context, tenantID, id string) (*core.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[key(tenantID, id)]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *l
	cp.Tags = slices.Clone(l.Tags)
	return &cp, nil
}

func (s *Store) FindLeadByPhone(_ context.Context, phone string) (*core.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.leads {
		if l.Phone == phone {
			cp := *l
			return &cp, nil
		}
	}
	return nil, core.ErrNotFound
}

func (s *Store) SetLeadOptIn(_ context.Context, tenantID, leadID string, optedIn bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[key(tenantID, leadID)]
	if !ok {
		return core.ErrNotFound
	}
	l.OptedIn = optedIn
	return nil
}

func (s *Store) MergeLeadTags(_ context.Context, tenantID string, leadIDs, tags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range leadIDs {
		l, ok := s.leads[key(tenantID, id)]
		if !ok {
			continue
		}
		for _, t := range tags {
			if !slices.Contains(l.Tags, t) {
				l.Tags = append(l.Tags, t)
			}
		}
	}
	return nil
}

// ---- Numbers ----

func (s *Store) AddNumber(_ context.Context, n core.OwnedNumber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, x := range s.numbers {
		if x.Phone == n.Phone {
			s.numbers[i] = n
			return nil
		}
	}
	s.numbers = append(s.numbers, n)
	return nil
}

func (s *Store) ActiveNumbers(_ context.Context, tenantID string) ([]core.OwnedNumber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.OwnedNumber
	for _, n := range s.numbers {
		if n.TenantID == tenantID && n.Active {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *Store) FindNumberOwner(_ context.Context, phone string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.numbers {
		if n.Phone == phone {
			return n.TenantID, nil
		}
	}
	return "", core.ErrNotFound
}

// ---- Threads ----

func (s *Store) GetThread(_ context.Context, tenantID, phone string) (*core.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[key(tenantID, phone)]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Store) FindThreadByPhone(_ context.Context, phone string) (*core.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *core.Thread
	for _, t := range s.threads {
		if t.Phone == phone && (best == nil || t.LastMessageAt.After(best.LastMessageAt)) {
			best = t
		}
	}
	if best == nil {
		return nil, core.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (s *Store) AppendThreadMessage(_ context.Context, m *core.ThreadMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ProviderMessageID != "" {
		for _, x := range s.threadMsg {
			if x.ProviderMessageID == m.ProviderMessageID {
				return core.ErrDuplicate
			}
		}
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	cp := *m
	s.threadMsg = append(s.threadMsg, &cp)

	k := key(m.TenantID, m.Phone)
	t, ok := s.threads[k]
	if !ok {
		t = &core.Thread{TenantID: m.TenantID, Phone: m.Phone}
		s.threads[k] = t
	}
	if m.LeadID != "" {
		t.LeadID = m.LeadID
	}
	if m.Direction == core.Inbound {
		t.InboundCount++
	} else {
		t.OutboundCount++
	}
	t.LastMessage = m.Body
	t.LastMessageAt = m.CreatedAt
	return nil
}

func (s *Store) UpdateDeliveryStatus(_ context.Context, providerMessageID string, status core.DeliveryStatus, errText string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.threadMsg {
		if m.ProviderMessageID != providerMessageID {
			continue
		}
		if !m.Status.Advances(status) {
			return false, nil
		}
		m.Status = status
		m.Error = errText
		return true, nil
	}
	return false, core.ErrNotFound
}

func (s *Store) CountOutbound(_ context.Context, tenantID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.threadMsg {
		if m.TenantID == tenantID && m.Direction == core.Outbound && !m.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *Store) SetThreadOptOut(_ context.Context, tenantID, phone string, optedOut bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(tenantID, phone)
	t, ok := s.threads[k]
	if !ok {
		t = &core.Thread{TenantID: tenantID, Phone: phone}
		s.threads[k] = t
	}
	t.OptedOut = optedOut
	return nil
}

// ThreadMessages returns the message log for one destination, oldest first.
func (s *Store) ThreadMessages(tenantID, phone string) []core.ThreadMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.ThreadMessage
	for _, m := range s.threadMsg {
		if m.TenantID == tenantID && m.Phone == phone {
			out = append(out, *m)
		}
	}
	return out
}

// ---- Settings ----

func (s *Store) GetSettings(_ context.Context, tenantID string) (core.TenantSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.settings[tenantID]; ok {
		return st, nil
	}
	return core.DefaultSettings(tenantID), nil
}

func (s *Store) PutSettings(_ context.Context, st core.TenantSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[st.TenantID] = st
	return nil
}
