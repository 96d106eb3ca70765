// Package events publishes dispatch outcomes for downstream consumers.
// Publishing is best effort: a failed publish is logged by the caller and
// never changes the outcome it describes.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	MessageSent       Type = "message.sent"
	MessageFailed     Type = "message.failed"
	CampaignPaused    Type = "campaign.paused"
	CampaignCompleted Type = "campaign.completed"
	InboundOptOut     Type = "inbound.opt_out"
)

type Event struct {
	ID        string            `json:"id"`
	Type      Type              `json:"type"`
	TenantID  string            `json:"tenant_id"`
	SubjectID string            `json:"subject_id"`
	Attrs     map[string]string `json:"attrs,omitempty"`
	At        time.Time         `json:"at"`
}

func New(t Type, tenantID, subjectID string, at time.Time, attrs map[string]string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		TenantID:  tenantID,
		SubjectID: subjectID,
		Attrs:     attrs,
		At:        at.UTC(),
	}
}

func (e Event) encode() ([]byte, error) { return json.Marshal(e) }

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType filters recorded events.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
