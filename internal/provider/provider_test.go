package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/outreach-dispatch/internal/core"
)

func TestRegistry_RoutesByChannel(t *testing.T) {
	sms := NewDummy(WithLatency(0))
	reg := Registry{core.ChannelSMS: sms}

	rc, err := reg.Send(context.Background(), Envelope{Channel: core.ChannelSMS, To: "+12125550100", Body: "hi"})
	require.NoError(t, err)
	require.NotEmpty(t, rc.ProviderMessageID)

	_, err = reg.Send(context.Background(), Envelope{Channel: core.ChannelEmail, To: "a@b.c"})
	require.Error(t, err)
}

func TestDummy_FailureRate(t *testing.T) {
	d := NewDummy(WithLatency(0), WithFailureRate(1))
	_, err := d.Send(context.Background(), Envelope{Channel: core.ChannelSMS})
	require.ErrorIs(t, err, ErrTemporary)
}

func TestDummy_HonoursContext(t *testing.T) {
	d := NewDummy(WithLatency(time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := d.Send(ctx, Envelope{Channel: core.ChannelSMS})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
