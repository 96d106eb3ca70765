// Package app assembles the dispatch stack from configuration. Both
// binaries build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/Cypherspark/outreach-dispatch/internal/config"
	"github.com/Cypherspark/outreach-dispatch/internal/core"
	"github.com/Cypherspark/outreach-dispatch/internal/db"
	"github.com/Cypherspark/outreach-dispatch/internal/dispatch"
	"github.com/Cypherspark/outreach-dispatch/internal/events"
	"github.com/Cypherspark/outreach-dispatch/internal/inbound"
	"github.com/Cypherspark/outreach-dispatch/internal/lock"
	"github.com/Cypherspark/outreach-dispatch/internal/memstore"
	"github.com/Cypherspark/outreach-dispatch/internal/provider"
)

type App struct {
	Store   core.Store
	Engine  *dispatch.Engine
	Inbound *inbound.Handler
	// Pool is nil for the in-memory store.
	Pool *pgxpool.Pool

	closers []func() error
}

// Build connects the configured backends. On error everything opened so
// far is closed again.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *App, err error) {
	a := &App{}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	switch cfg.Store {
	case config.StoreMemory:
		a.Store = memstore.New()
	default:
		pg, err := db.Connect(ctx, cfg.DatabaseURL, int32(cfg.DBMaxConns))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { pg.Pool.Close(); return nil })
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		a.Pool = pg.Pool
		a.Store = db.NewStore(pg, db.WithLogger(logger))
	}

	var locker lock.Locker = lock.NewKeyedMutex()
	if cfg.RedisURL != "" {
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis url: %w", err)
		}
		client := goredis.NewClient(opts)
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		locker = lock.NewRedisLocker(client, lock.WithRedisLogger(logger))
	}

	var pub events.Publisher = events.Nop{}
	switch cfg.Events {
	case config.EventsKafka:
		pub = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	case config.EventsAMQP:
		if pub, err = events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange); err != nil {
			return nil, err
		}
	}
	a.closers = append(a.closers, pub.Close)

	dummy := provider.NewDummy(
		provider.WithLatency(cfg.ProviderLatency),
		provider.WithFailureRate(cfg.ProviderFailureRate),
		provider.WithLogger(logger),
	)
	reg := provider.Registry{core.ChannelSMS: dummy, core.ChannelEmail: dummy}

	a.Engine = dispatch.New(a.Store, reg, cfg.Dispatch,
		dispatch.WithLogger(logger),
		dispatch.WithLocker(locker),
		dispatch.WithPublisher(pub),
	)
	a.Inbound = inbound.New(a.Store, inbound.WithLogger(logger), inbound.WithPublisher(pub))
	return a, nil
}

// Close releases backends in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
