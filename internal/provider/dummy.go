package provider

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
)

var ErrTemporary = errors.New("provider_temporary_error")

type DummyOption func(*Dummy)

// WithLatency sets the simulated round trip.
func WithLatency(d time.Duration) DummyOption { return func(x *Dummy) { x.latency = d } }

// WithFailureRate makes a fraction (0..1) of sends fail.
func WithFailureRate(p float64) DummyOption { return func(x *Dummy) { x.failureRate = p } }

func WithLogger(l *slog.Logger) DummyOption { return func(x *Dummy) { x.logger = l } }

// Dummy logs instead of sending. It backs both channels in development.
type Dummy struct {
	latency     time.Duration
	failureRate float64
	logger      *slog.Logger
}

func NewDummy(opts ...DummyOption) *Dummy {
	d := &Dummy{latency: 50 * time.Millisecond, logger: slog.Default()}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Dummy) Send(ctx context.Context, env Envelope) (Receipt, error) {
	if d.latency > 0 {
		select {
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		case <-time.After(d.latency):
		}
	}
	if d.failureRate > 0 && rand.Float64() < d.failureRate {
		return Receipt{}, ErrTemporary
	}
	id := "prov-" + uuid.NewString()
	d.logger.Info("dummy send",
		slog.String("channel", string(env.Channel)),
		slog.String("to", env.To),
		slog.String("from", env.From),
		slog.Int("body_len", len(env.Body)),
		slog.String("provider_message_id", id),
	)
	return Receipt{ProviderMessageID: id}, nil
}
