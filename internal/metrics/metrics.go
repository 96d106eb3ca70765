package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// API
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Count of HTTP requests."},
		[]string{"handler", "method", "code"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms..~10s
		},
		[]string{"handler", "method"},
	)
	ScheduleTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "api_schedule_total", Help: "Scheduling requests by kind and result."},
		[]string{"kind", "result"}, // message|campaign x ok|invalid|error
	)

	// Dispatch
	RunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_run_duration_seconds",
			Help:    "Wall time of one dispatch pass.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
	)
	ClaimTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_claim_total", Help: "Claim attempts."},
		[]string{"kind", "result"}, // message|campaign x ok|empty|error
	)
	ClaimBatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_claim_batch_size",
			Help:    "Items returned per claim.",
			Buckets: prometheus.LinearBuckets(0, 10, 11), // 0,10,...,100
		},
		[]string{"kind"},
	)
	InFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "dispatch_inflight", Help: "Sends in flight in this process."},
	)
	MessageOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_message_outcomes_total", Help: "Scheduled message outcomes."},
		[]string{"outcome"}, // sent | failed | deferred | stalled
	)
	CampaignBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_campaign_batches_total", Help: "Campaign batch outcomes."},
		[]string{"outcome"}, // running | completed | paused | deferred | rate_limited | repeated
	)
	ComplianceBlocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "compliance_blocks_total", Help: "Outbound sends blocked by compliance."},
		[]string{"code"},
	)
	ProviderSendTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "provider_send_total", Help: "Provider send outcomes."},
		[]string{"channel", "outcome"}, // ok | error
	)
	ProviderSendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_send_duration_seconds",
			Help:    "Provider send latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms..~40s
		},
		[]string{"channel"},
	)
	DebitRefused = prometheus.NewCounter(prometheus.CounterOpts{Name: "ledger_debit_refused_total", Help: "Debits refused for insufficient credits."})
	RefundTotal  = prometheus.NewCounter(prometheus.CounterOpts{Name: "ledger_refund_total", Help: "Refunds after gateway failure."})

	// Webhooks
	InboundTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "inbound_messages_total", Help: "Inbound messages by handling."},
		[]string{"kind"}, // message | opt_out | opt_in | duplicate | unrouted
	)
	StatusCallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "delivery_callbacks_total", Help: "Delivery status callbacks."},
		[]string{"result"}, // applied | ignored | unknown
	)
)

// Registry holds every collector this process exports. It is kept apart
// from the client library's default registry, which already carries its
// own Go and process collectors.
var Registry = prometheus.NewRegistry()

var registerOnce sync.Once

// MustRegister registers the runtime and dispatch collectors once per
// process.
func MustRegister() {
	registerOnce.Do(func() {
		Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			HTTPRequests, HTTPDuration, ScheduleTotal,
			RunDuration, ClaimTotal, ClaimBatchSize, InFlight,
			MessageOutcomes, CampaignBatches, ComplianceBlocks,
			ProviderSendTotal, ProviderSendDuration, DebitRefused, RefundTotal,
			InboundTotal, StatusCallbacks,
		)
	})
}

// Handler serves Registry in the text or OpenMetrics format. Gather
// errors go to errLog when it is set.
func Handler(errLog promhttp.Logger) http.Handler {
	MustRegister()
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{
		ErrorLog:          errLog,
		ErrorHandling:     promhttp.ContinueOnError,
		EnableOpenMetrics: true,
	})
}

// PGXPoolStats exports pgxpool counters.
type PGXPoolStats struct {
	pool *pgxpool.Pool

	conns          prometheus.Gauge
	idle           prometheus.Gauge
	acquireCount   prometheus.Counter
	acquireLatency prometheus.Counter

	lastCount   int64
	lastLatency time.Duration
}

func NewPGXPoolStats(pool *pgxpool.Pool) *PGXPoolStats {
	m := &PGXPoolStats{
		pool: pool,
		conns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_conns", Help: "Total connections in pool.",
		}),
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_idle_conns", Help: "Idle connections in pool.",
		}),
		acquireCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "db_pool_acquires_total", Help: "Total pool acquires.",
		}),
		acquireLatency: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "db_pool_acquire_seconds_total", Help: "Sum of acquire latencies.",
		}),
	}
	Registry.MustRegister(m.conns, m.idle, m.acquireCount, m.acquireLatency)

	return m
}

// Start samples the pool every interval until stop closes. Pool stats are
// cumulative, so counters advance by the delta since the last sample.
func (m *PGXPoolStats) Start(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			m.sample()
		}
	}
}

func (m *PGXPoolStats) sample() {
	s := m.pool.Stat()
	m.conns.Set(float64(s.TotalConns()))
	m.idle.Set(float64(s.IdleConns()))
	if d := s.AcquireCount() - m.lastCount; d > 0 {
		m.acquireCount.Add(float64(d))
	}
	if d := s.AcquireDuration() - m.lastLatency; d > 0 {
		m.acquireLatency.Add(d.Seconds())
	}
	m.lastCount, m.lastLatency = s.AcquireCount(), s.AcquireDuration()
}
