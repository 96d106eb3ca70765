package core

import (
	"time"
)

type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

func (c Channel) Valid() bool { return c == ChannelSMS || c == ChannelEmail }

type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageSent      MessageStatus = "sent"
	MessageFailed    MessageStatus = "failed"
	MessageCancelled MessageStatus = "cancelled"
)

type Source string

const (
	SourceManual   Source = "manual"
	SourceDrip     Source = "drip"
	SourceCampaign Source = "campaign"
	SourceBulk     Source = "bulk"
)

func (s Source) Valid() bool {
	switch s {
	case SourceManual, SourceDrip, SourceCampaign, SourceBulk:
		return true
	}
	return false
}

type CampaignStatus string

const (
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
)

// Terminal reports whether no further batches will ever run.
func (s CampaignStatus) Terminal() bool { return s == CampaignCompleted || s == CampaignCancelled }

// ScheduledMessage is one planned send. Rows are never deleted; once the
// status leaves pending only bookkeeping timestamps change.
type ScheduledMessage struct {
	ID                 string        `json:"id"`
	TenantID           string        `json:"tenant_id"`
	LeadID             string        `json:"lead_id"`
	Channel            Channel       `json:"channel"`
	Body               string        `json:"body"`
	Subject            string        `json:"subject,omitempty"`
	Status             MessageStatus `json:"status"`
	DueAt              time.Time     `json:"due_at"`
	CreditCost         int           `json:"credit_cost"`
	Segments           int           `json:"segments"`
	Source             Source        `json:"source"`
	CampaignID         *string       `json:"campaign_id,omitempty"`
	CampaignCycle      int           `json:"campaign_cycle,omitempty"`
	ErrorMessage       string        `json:"error_message,omitempty"`
	ProviderMessageID  string        `json:"provider_message_id,omitempty"`
	DeferralCount      int           `json:"deferral_count"`
	LastDeferredReason string        `json:"last_deferred_reason,omitempty"`
	ClaimToken         string        `json:"-"`
	ClaimExpiresAt     *time.Time    `json:"-"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
	SentAt             *time.Time    `json:"sent_at,omitempty"`
}

// ScheduledCampaign is a drip job sending to a growing slice of a fixed
// recipient list. NextBatchAt is nil exactly in terminal states.
type ScheduledCampaign struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	Name           string         `json:"name"`
	Channel        Channel        `json:"channel"`
	Subject        string         `json:"subject,omitempty"`
	Template       string         `json:"template"`
	RecipientIDs   []string       `json:"recipient_ids"`
	Total          int            `json:"total_recipients"`
	SentSoFar      int            `json:"sent_so_far"`
	BatchEnd       int            `json:"batch_end,omitempty"`
	BatchPercent   int            `json:"batch_percent"`
	IntervalHours  int            `json:"interval_hours"`
	NextBatchAt    *time.Time     `json:"next_batch_at,omitempty"`
	AutoRepeat     bool           `json:"auto_repeat"`
	Status         CampaignStatus `json:"status"`
	Source         Source         `json:"source"`
	Tags           []string       `json:"tags,omitempty"`
	Cycle          int            `json:"cycle"`
	PauseReason    string         `json:"pause_reason,omitempty"`
	ClaimToken     string         `json:"-"`
	ClaimExpiresAt *time.Time     `json:"-"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// BatchSize is ceil(total * percent / 100), never below one for a
// non-empty list.
func (c *ScheduledCampaign) BatchSize() int {
	if c.Total <= 0 {
		return 0
	}
	n := (c.Total*c.BatchPercent + 99) / 100
	if n < 1 {
		n = 1
	}
	return n
}

// NextSlice returns the recipient ids of the next batch. While a batch
// is open (BatchEnd past SentSoFar) it returns the rest of that batch.
func (c *ScheduledCampaign) NextSlice() []string {
	start := c.SentSoFar
	if start >= len(c.RecipientIDs) {
		return nil
	}
	end := start + c.BatchSize()
	if c.BatchOpen() {
		end = c.BatchEnd
	}
	if end > len(c.RecipientIDs) {
		end = len(c.RecipientIDs)
	}
	return c.RecipientIDs[start:end]
}

// BatchOpen reports whether an earlier batch stopped short of its slice.
func (c *ScheduledCampaign) BatchOpen() bool {
	return c.BatchEnd > c.SentSoFar
}

type LedgerReason string

const (
	LedgerTopUp      LedgerReason = "topup"
	LedgerDebit      LedgerReason = "debit"
	LedgerRefund     LedgerReason = "refund"
	LedgerAdjustment LedgerReason = "adjustment"
)

// LedgerEntry is an append-only balance change. Amount is signed.
type LedgerEntry struct {
	ID            string       `json:"id"`
	TenantID      string       `json:"tenant_id"`
	Amount        int          `json:"amount"`
	Reason        LedgerReason `json:"reason"`
	CorrelationID string       `json:"correlation_id,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

const (
	DNCSourceInbound = "inbound_keyword"
	DNCSourceManual  = "manual"
	DNCSourceImport  = "import"
	DNCSourceGlobal  = "global"
)

// DNCRecord blocks a destination. An empty TenantID is a global record.
type DNCRecord struct {
	TenantID  string    `json:"tenant_id,omitempty"`
	Phone     string    `json:"phone"`
	Reason    string    `json:"reason"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

type BlockedAttempt struct {
	TenantID  string    `json:"tenant_id"`
	Phone     string    `json:"phone"`
	Reason    string    `json:"reason"`
	MessageID string    `json:"message_id,omitempty"`
	At        time.Time `json:"at"`
}

type Lead struct {
	ID         string   `json:"id"`
	TenantID   string   `json:"tenant_id"`
	FirstName  string   `json:"first_name"`
	LastName   string   `json:"last_name"`
	Phone      string   `json:"phone"`
	Email      string   `json:"email"`
	PostalCode string   `json:"postal_code"`
	OptedIn    bool     `json:"opted_in"`
	Tags       []string `json:"tags,omitempty"`
}

type OwnedNumber struct {
	TenantID string `json:"tenant_id"`
	Phone    string `json:"phone"`
	Active   bool   `json:"active"`
}

type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

type DeliveryStatus string

const (
	DeliveryQueued    DeliveryStatus = "queued"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryReceived  DeliveryStatus = "received"
)

// rank orders delivery states so callbacks only move forward.
func (s DeliveryStatus) rank() int {
	switch s {
	case DeliveryQueued:
		return 0
	case DeliverySent:
		return 1
	case DeliveryDelivered, DeliveryFailed:
		return 2
	}
	return -1
}

// Advances reports whether moving from s to next is a forward transition.
func (s DeliveryStatus) Advances(next DeliveryStatus) bool {
	return next.rank() > s.rank() && s.rank() >= 0
}

// Thread correlates all traffic between a tenant and one destination.
type Thread struct {
	TenantID      string    `json:"tenant_id"`
	Phone         string    `json:"phone"`
	LeadID        string    `json:"lead_id,omitempty"`
	InboundCount  int       `json:"inbound_count"`
	OutboundCount int       `json:"outbound_count"`
	LastMessage   string    `json:"last_message"`
	LastMessageAt time.Time `json:"last_message_at"`
	OptedOut      bool      `json:"opted_out"`
}

type ThreadMessage struct {
	ID                 string         `json:"id"`
	TenantID           string         `json:"tenant_id"`
	Phone              string         `json:"phone"`
	LeadID             string         `json:"lead_id,omitempty"`
	Direction          Direction      `json:"direction"`
	Channel            Channel        `json:"channel"`
	Body               string         `json:"body"`
	ProviderMessageID  string         `json:"provider_message_id,omitempty"`
	Status             DeliveryStatus `json:"status"`
	Error              string         `json:"error,omitempty"`
	ScheduledMessageID string         `json:"scheduled_message_id,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

// SendWindow is an allowed sending window in the tenant's timezone.
// Minutes are minute-of-day; Start > End wraps past midnight.
type SendWindow struct {
	Enabled     bool           `json:"enabled"`
	StartMinute int            `json:"start_minute"`
	EndMinute   int            `json:"end_minute"`
	Days        []time.Weekday `json:"days"`
}

type SpamSettings struct {
	Enabled       bool `json:"enabled"`
	BlockHighRisk bool `json:"block_high_risk"`
	Threshold     int  `json:"threshold"`
}

// RateLimits caps outbound volume; zero means unlimited.
type RateLimits struct {
	PerHour int `json:"per_hour"`
	PerDay  int `json:"per_day"`
}

type TenantSettings struct {
	TenantID          string       `json:"tenant_id"`
	Timezone          string       `json:"timezone"`
	QuietHours        SendWindow   `json:"quiet_hours"`
	BusinessHours     SendWindow   `json:"business_hours"`
	Spam              SpamSettings `json:"spam"`
	RateLimits        RateLimits   `json:"rate_limits"`
	OptOutKeyword     string       `json:"opt_out_keyword,omitempty"`
	DefaultFromNumber string       `json:"default_from_number,omitempty"`
	FromEmail         string       `json:"from_email,omitempty"`
	OptOutFooter      bool         `json:"opt_out_footer"`
}

// DefaultSettings is what a tenant without stored settings gets.
func DefaultSettings(tenantID string) TenantSettings {
	return TenantSettings{
		TenantID: tenantID,
		Timezone: "UTC",
		Spam:     SpamSettings{Enabled: true, Threshold: 60},
	}
}
