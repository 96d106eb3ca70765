package core

import (
	"context"
	"time"
)

type MessageFilter struct {
	TenantID   string
	Status     *MessageStatus
	CampaignID string
	From, To   *time.Time
	Limit      int
	Offset     int
}

// MessageOutcome is the terminal state written when a claimed message
// leaves pending.
type MessageOutcome struct {
	Status            MessageStatus
	Error             string
	ProviderMessageID string
	CreditCost        int
	Segments          int
	At                time.Time
}

// MessageStore holds scheduled messages. Claims are leases: the status stays
// pending while a dispatcher holds the token, and every terminal write is a
// compare-and-set on status = pending plus the token.
type MessageStore interface {
	CreateScheduledMessage(ctx context.Context, m *ScheduledMessage) error
	GetScheduledMessage(ctx context.Context, tenantID, id string) (*ScheduledMessage, error)
	ListScheduledMessages(ctx context.Context, f MessageFilter) ([]ScheduledMessage, error)
	// CancelScheduledMessage flips a pending message to cancelled. A message
	// currently leased by a dispatcher is in flight and yields ErrNotPending.
	CancelScheduledMessage(ctx context.Context, tenantID, id string, at time.Time) error
	// ClaimMessage leases one pending message regardless of its due time.
	ClaimMessage(ctx context.Context, tenantID, id string, now time.Time, lease time.Duration) (*ScheduledMessage, error)
	ClaimDueMessages(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]ScheduledMessage, error)
	DeferMessage(ctx context.Context, id, token, reason string, at time.Time) error
	CompleteMessage(ctx context.Context, id, token string, out MessageOutcome) error
}

type CampaignFilter struct {
	TenantID string
	Status   *CampaignStatus
	Limit    int
	Offset   int
}

type CampaignStore interface {
	CreateCampaign(ctx context.Context, c *ScheduledCampaign) error
	GetCampaign(ctx context.Context, tenantID, id string) (*ScheduledCampaign, error)
	ListCampaigns(ctx context.Context, f CampaignFilter) ([]ScheduledCampaign, error)
	ClaimDueCampaigns(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]ScheduledCampaign, error)
	ReleaseCampaign(ctx context.Context, id, token string) error
	// SaveCampaignProgress writes counters, status, next batch time and pause
	// reason, and drops the claim. It fails with ErrClaimLost when the token
	// no longer matches or the campaign left scheduled/running meanwhile.
	SaveCampaignProgress(ctx context.Context, c *ScheduledCampaign, token string) error
	TransitionCampaign(ctx context.Context, tenantID, id string, from []CampaignStatus, to CampaignStatus, nextBatchAt *time.Time, reason string) (*ScheduledCampaign, error)
}

type CreditStore interface {
	CreateTenant(ctx context.Context, name string) (string, error)
	Balance(ctx context.Context, tenantID string) (int, error)
	// DebitIfSufficient decrements the balance only if it covers amount,
	// in one atomic step, and appends a debit entry.
	DebitIfSufficient(ctx context.Context, tenantID string, amount int, correlationID string) (newBalance int, ok bool, err error)
	Credit(ctx context.Context, tenantID string, amount int, reason LedgerReason, correlationID string) (int, error)
	// LedgerEntries returns the newest entries first. A limit of zero or
	// less means DefaultLedgerLimit.
	LedgerEntries(ctx context.Context, tenantID string, limit int) ([]LedgerEntry, error)
}

const DefaultLedgerLimit = 50

type DNCStore interface {
	// FindDNC returns the tenant or global record for phone, or nil.
	FindDNC(ctx context.Context, tenantID, phone string) (*DNCRecord, error)
	UpsertDNC(ctx context.Context, r DNCRecord) error
	RemoveDNC(ctx context.Context, tenantID, phone string) (bool, error)
	RecordBlockedAttempt(ctx context.Context, a BlockedAttempt) error
}

type LeadStore interface {
	UpsertLead(ctx context.Context, l *Lead) error
	GetLead(ctx context.Context, tenantID, id string) (*Lead, error)
	FindLeadByPhone(ctx context.Context, phone string) (*Lead, error)
	SetLeadOptIn(ctx context.Context, tenantID, leadID string, optedIn bool) error
	MergeLeadTags(ctx context.Context, tenantID string, leadIDs, tags []string) error
}

type NumberStore interface {
	AddNumber(ctx context.Context, n OwnedNumber) error
	// ActiveNumbers returns a tenant's active numbers in acquisition order.
	ActiveNumbers(ctx context.Context, tenantID string) ([]OwnedNumber, error)
	FindNumberOwner(ctx context.Context, phone string) (string, error)
}

type ThreadStore interface {
	GetThread(ctx context.Context, tenantID, phone string) (*Thread, error)
	// FindThreadByPhone returns the most recently active thread for phone
	// across tenants.
	FindThreadByPhone(ctx context.Context, phone string) (*Thread, error)
	// AppendThreadMessage records m and folds it into the thread counters.
	// A repeated non-empty provider message id yields ErrDuplicate.
	AppendThreadMessage(ctx context.Context, m *ThreadMessage) error
	UpdateDeliveryStatus(ctx context.Context, providerMessageID string, status DeliveryStatus, errText string) (bool, error)
	CountOutbound(ctx context.Context, tenantID string, since time.Time) (int, error)
	SetThreadOptOut(ctx context.Context, tenantID, phone string, optedOut bool) error
}

type SettingsStore interface {
	GetSettings(ctx context.Context, tenantID string) (TenantSettings, error)
	PutSettings(ctx context.Context, s TenantSettings) error
}

// Store is everything the dispatch engine and the API need from persistence.
type Store interface {
	MessageStore
	CampaignStore
	CreditStore
	DNCStore
	LeadStore
	NumberStore
	ThreadStore
	SettingsStore
	Ping(ctx context.Context) error
}
