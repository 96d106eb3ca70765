package provider

import (
	"context"
	"fmt"

	"github.com/Cypherspark/outreach-dispatch/internal/core"
)

// Envelope is one outbound message as the gateway sees it.
type Envelope struct {
	Channel core.Channel
	To      string
	From    string
	Subject string
	Body    string
}

type Receipt struct {
	ProviderMessageID string
}

type Sender interface {
	Send(ctx context.Context, env Envelope) (Receipt, error)
}

// Registry picks the Sender for a channel.
type Registry map[core.Channel]Sender

func (r Registry) For(ch core.Channel) (Sender, error) {
	s, ok := r[ch]
	if !ok || s == nil {
		return nil, fmt.Errorf("no sender for channel %q", ch)
	}
	return s, nil
}

// Send routes env to the sender registered for its channel.
func (r Registry) Send(ctx context.Context, env Envelope) (Receipt, error) {
	s, err := r.For(env.Channel)
	if err != nil {
		return Receipt{}, err
	}
	return s.Send(ctx, env)
}
