// Package metrics registers the hub's Prometheus collectors and keeps an
// in-process write meter for the stats endpoint.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "kline"

var latencyBuckets = prometheus.ExponentialBuckets(0.0001, 4, 9)

// Upstream exchanges.
var (
	ExchangeConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "exchange", Name: "connections",
		Help: "Open upstream WebSocket connections.",
	}, []string{"exchange"})

	ExchangeMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "exchange", Name: "messages_total",
		Help: "Frames received from upstream exchanges.",
	}, []string{"exchange"})

	ExchangeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "exchange", Name: "errors_total",
		Help: "Upstream failures by kind.",
	}, []string{"exchange", "error_type"})

	ExchangeReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "exchange", Name: "reconnects_total",
		Help: "Reconnect attempts per exchange.",
	}, []string{"exchange"})

	ActiveSubscriptions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "exchange", Name: "subscriptions",
		Help: "Subscribed kline topics per exchange.",
	}, []string{"exchange"})

	PoolConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "exchange", Name: "pool_connections",
		Help: "Pooled upstream clients by state.",
	}, []string{"pool", "state"})
)

// Ingestion and storage.
var (
	KLineWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "ingest", Name: "klines_total",
		Help: "Klines persisted.",
	}, []string{"exchange", "interval"})

	KLineProcessingLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "ingest", Name: "duration_seconds",
		Help:    "Time from frame receipt to persisted and notified kline.",
		Buckets: latencyBuckets,
	}, []string{"exchange"})

	StoreOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "store", Name: "operations_total",
		Help: "Store operations executed.",
	}, []string{"operation"})

	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "store", Name: "errors_total",
		Help: "Failed store operations.",
	}, []string{"operation"})

	StoreLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "store", Name: "duration_seconds",
		Help:    "Store operation latency.",
		Buckets: latencyBuckets,
	}, []string{"operation"})

	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "cache", Name: "requests_total",
		Help: "Latest-cache lookups by tier and result.",
	}, []string{"tier", "result"})
)

// Downstream delivery.
var (
	NotifyDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "notify", Name: "deliveries_total",
		Help: "Notification attempts by channel and outcome.",
	}, []string{"channel", "outcome"})

	NotifyLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "notify", Name: "duration_seconds",
		Help:    "Notification latency per channel.",
		Buckets: latencyBuckets,
	}, []string{"channel"})

	StreamSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "stream", Name: "sessions",
		Help: "Connected downstream WebSocket sessions.",
	})
)

// REST backfill.
var (
	RestRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "rest", Name: "requests_total",
		Help: "REST requests by exchange and outcome.",
	}, []string{"exchange", "outcome"}) // ok, http_error, transport_error, decode_error

	BackfillKLines = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "rest", Name: "backfill_klines_total",
		Help: "Klines fetched via REST backfill.",
	}, []string{"exchange"})

	RateLimitHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "rest", Name: "rate_limit_hits_total",
		Help: "Rate limit responses per exchange.",
	}, []string{"exchange"})
)

// WriteMeter counts writes and reports their mean rate over a sliding
// window of one-second buckets.
type WriteMeter struct {
	mu      sync.Mutex
	total   int64
	counts  []int64
	seconds []int64
	now     func() time.Time
}

func NewWriteMeter(window time.Duration) *WriteMeter {
	n := int(window / time.Second)
	if n < 1 {
		n = 1
	}
	return &WriteMeter{
		counts:  make([]int64, n),
		seconds: make([]int64, n),
		now:     time.Now,
	}
}

func (m *WriteMeter) Mark() {
	m.mu.Lock()
	defer m.mu.Unlock()

	sec := m.now().Unix()
	i := int(sec % int64(len(m.counts)))
	if m.seconds[i] != sec {
		m.seconds[i] = sec
		m.counts[i] = 0
	}
	m.counts[i]++
	m.total++
}

func (m *WriteMeter) Total() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// Rate is writes per second averaged over the window, current second included.
func (m *WriteMeter) Rate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	sec := m.now().Unix()
	oldest := sec - int64(len(m.counts)) + 1
	var sum int64
	for i, s := range m.seconds {
		if s >= oldest && s <= sec {
			sum += m.counts[i]
		}
	}
	return float64(sum) / float64(len(m.counts))
}

var klineWrites = NewWriteMeter(10 * time.Second)

// RecordKLineWrite counts one persisted kline.
func RecordKLineWrite(exchange, interval string) {
	KLineWrites.WithLabelValues(exchange, interval).Inc()
	klineWrites.Mark()
}

// KLineWriteRate returns persisted klines per second over the last ten seconds.
func KLineWriteRate() float64 { return klineWrites.Rate() }

func TotalKLineWrites() int64 { return klineWrites.Total() }

func RecordCacheAccess(tier string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	CacheRequests.WithLabelValues(tier, result).Inc()
}

// ObserveSince records the seconds elapsed since start.
func ObserveSince(start time.Time, o prometheus.Observer) {
	o.Observe(time.Since(start).Seconds())
}
