// Package dispatch turns due scheduled messages and campaign batches into
// sends. An Engine holds no state between runs; every transition it makes
// is a compare-and-set against the store, so overlapping runs are safe.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Cypherspark/outreach-dispatch/internal/compliance"
	"github.com/Cypherspark/outreach-dispatch/internal/core"
	"github.com/Cypherspark/outreach-dispatch/internal/events"
	"github.com/Cypherspark/outreach-dispatch/internal/ledger"
	"github.com/Cypherspark/outreach-dispatch/internal/lock"
	"github.com/Cypherspark/outreach-dispatch/internal/metrics"
	"github.com/Cypherspark/outreach-dispatch/internal/numbers"
	"github.com/Cypherspark/outreach-dispatch/internal/provider"
)

type Options struct {
	BatchSize     int           // items claimed per kind per run
	Concurrency   int           // tenants processed in parallel
	Lease         time.Duration // claim lifetime; must outlast a send
	SendTimeout   time.Duration // per-send timeout
	ProviderQPS   float64       // sustained provider rate, 0 = unlimited
	ProviderBurst int
	// MaxDeferral is how long past its due time a message may keep being
	// deferred before it is failed as stalled.
	MaxDeferral       time.Duration
	DefaultFromNumber string
	DefaultFromEmail  string
}

func DefaultOptions() Options {
	return Options{
		BatchSize:     100,
		Concurrency:   8,
		Lease:         5 * time.Minute,
		SendTimeout:   10 * time.Second,
		ProviderQPS:   50,
		ProviderBurst: 100,
		MaxDeferral:   72 * time.Hour,
	}
}

// Report counts what one run did.
type Report struct {
	MessagesProcessed  int `json:"messages_processed"`
	MessagesSent       int `json:"messages_sent"`
	MessagesFailed     int `json:"messages_failed"`
	MessagesDeferred   int `json:"messages_deferred"`
	CampaignsProcessed int `json:"campaigns_processed"`
	CampaignsCompleted int `json:"campaigns_completed"`
	CampaignsPaused    int `json:"campaigns_paused"`
	CampaignsDeferred  int `json:"campaigns_deferred"`
	RecipientsSent     int `json:"recipients_sent"`
	RecipientsFailed   int `json:"recipients_failed"`
}

type tally struct {
	mu sync.Mutex
	r  Report
}

func (t *tally) add(f func(r *Report)) {
	t.mu.Lock()
	f(&t.r)
	t.mu.Unlock()
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithLocker replaces the in-process destination lock, e.g. with a Redis
// lock shared by several workers.
func WithLocker(l lock.Locker) Option { return func(e *Engine) { e.locker = l } }

func WithPublisher(p events.Publisher) Option { return func(e *Engine) { e.events = p } }

func WithNumberTables(t numbers.Tables) Option { return func(e *Engine) { e.tables = &t } }

type Engine struct {
	store   core.Store
	senders provider.Registry
	opt     Options

	ledger  *ledger.Ledger
	gate    *compliance.Gate
	numbers *numbers.Selector
	limiter *rate.Limiter
	locker  lock.Locker
	events  events.Publisher
	logger  *slog.Logger
	tables  *numbers.Tables
}

func New(store core.Store, senders provider.Registry, opt Options, opts ...Option) *Engine {
	def := DefaultOptions()
	if opt.BatchSize <= 0 {
		opt.BatchSize = def.BatchSize
	}
	if opt.Concurrency <= 0 {
		opt.Concurrency = def.Concurrency
	}
	if opt.Lease <= 0 {
		opt.Lease = def.Lease
	}
	if opt.SendTimeout <= 0 {
		opt.SendTimeout = def.SendTimeout
	}
	if opt.MaxDeferral <= 0 {
		opt.MaxDeferral = def.MaxDeferral
	}

	e := &Engine{
		store:   store,
		senders: senders,
		opt:     opt,
		locker:  lock.NewKeyedMutex(),
		events:  events.Nop{},
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	tables := numbers.DefaultTables()
	if e.tables != nil {
		tables = *e.tables
	}

	limit := rate.Inf
	if opt.ProviderQPS > 0 {
		limit = rate.Limit(opt.ProviderQPS)
	}
	burst := opt.ProviderBurst
	if burst <= 0 {
		burst = 1
	}
	e.limiter = rate.NewLimiter(limit, burst)
	e.ledger = ledger.New(store, e.logger)
	e.gate = compliance.NewGate(store, e.logger)
	e.numbers = numbers.NewSelector(store, tables)
	return e
}

// Run processes everything due at now: scheduled messages first, then
// campaign batches. Item failures become status updates; only failing to
// fetch due work is an error.
func (e *Engine) Run(ctx context.Context, now time.Time) (Report, error) {
	start := time.Now()
	defer func() { metrics.RunDuration.Observe(time.Since(start).Seconds()) }()
	now = now.UTC()
	t := &tally{}

	msgs, err := e.store.ClaimDueMessages(ctx, now, e.opt.BatchSize, e.opt.Lease)
	if err != nil {
		metrics.ClaimTotal.WithLabelValues("message", "error").Inc()
		return t.r, fmt.Errorf("claim due messages: %w", err)
	}
	observeClaim("message", len(msgs))
	e.perTenant(ctx, len(msgs), func(i int) string { return msgs[i].TenantID }, func(ctx context.Context, i int) {
		e.processMessage(ctx, now, &msgs[i], t)
	})

	camps, err := e.store.ClaimDueCampaigns(ctx, now, e.opt.BatchSize, e.opt.Lease)
	if err != nil {
		metrics.ClaimTotal.WithLabelValues("campaign", "error").Inc()
		return t.r, fmt.Errorf("claim due campaigns: %w", err)
	}
	observeClaim("campaign", len(camps))
	e.perTenant(ctx, len(camps), func(i int) string { return camps[i].TenantID }, func(ctx context.Context, i int) {
		e.processCampaign(ctx, now, &camps[i], t)
	})

	if t.r != (Report{}) {
		e.logger.Info("dispatch run",
			slog.Int("messages", t.r.MessagesProcessed),
			slog.Int("sent", t.r.MessagesSent),
			slog.Int("failed", t.r.MessagesFailed),
			slog.Int("deferred", t.r.MessagesDeferred),
			slog.Int("campaigns", t.r.CampaignsProcessed),
			slog.Int("recipients_sent", t.r.RecipientsSent),
			slog.Duration("took", time.Since(start)),
		)
	}
	return t.r, nil
}

// SendNow dispatches one pending message immediately, ignoring its due
// time but not the gates.
func (e *Engine) SendNow(ctx context.Context, tenantID, id string) (*core.ScheduledMessage, Report, error) {
	now := time.Now().UTC()
	m, err := e.store.ClaimMessage(ctx, tenantID, id, now, e.opt.Lease)
	if err != nil {
		return nil, Report{}, err
	}
	t := &tally{}
	e.processMessage(ctx, now, m, t)
	out, err := e.store.GetScheduledMessage(ctx, tenantID, id)
	return out, t.r, err
}

func observeClaim(kind string, n int) {
	res := "ok"
	if n == 0 {
		res = "empty"
	}
	metrics.ClaimTotal.WithLabelValues(kind, res).Inc()
	metrics.ClaimBatchSize.WithLabelValues(kind).Observe(float64(n))
}

// perTenant runs fn for every item, tenants in parallel up to Concurrency
// and each tenant's items in claim order.
func (e *Engine) perTenant(ctx context.Context, n int, tenant func(int) string, fn func(context.Context, int)) {
	if n == 0 {
		return
	}
	var order []string
	groups := make(map[string][]int)
	for i := 0; i < n; i++ {
		id := tenant(i)
		if _, ok := groups[id]; !ok {
			order = append(order, id)
		}
		groups[id] = append(groups[id], i)
	}

	var g errgroup.Group
	g.SetLimit(e.opt.Concurrency)
	for _, id := range order {
		idx := groups[id]
		g.Go(func() error {
			for _, i := range idx {
				if ctx.Err() != nil {
					return nil
				}
				fn(ctx, i)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) publish(ctx context.Context, ev events.Event) {
	if err := e.events.Publish(ctx, ev); err != nil {
		e.logger.Warn("publish event",
			slog.String("type", string(ev.Type)),
			slog.String("subject_id", ev.SubjectID),
			slog.Any("err", err),
		)
	}
}
