package stats

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// historyBuckets is 24 hours at one-minute resolution.
const historyBuckets = 24 * 60

// Counters is one sample of the five traffic counters.
type Counters struct {
	Requests  uint64 `json:"requests"`
	Bytes     uint64 `json:"bytes"`
	Status2xx uint64 `json:"status_2xx"`
	Status4xx uint64 `json:"status_4xx"`
	Status5xx uint64 `json:"status_5xx"`
}

// bucket is one minute of history. minute holds the unix minute the bucket
// currently represents; a writer seeing a stale minute claims the bucket and
// zeroes it before counting.
type bucket struct {
	minute    atomic.Int64
	requests  atomic.Uint64
	bytes     atomic.Uint64
	status2xx atomic.Uint64
	status4xx atomic.Uint64
	status5xx atomic.Uint64
}

func (b *bucket) reset(minute int64) {
	b.requests.Store(0)
	b.bytes.Store(0)
	b.status2xx.Store(0)
	b.status4xx.Store(0)
	b.status5xx.Store(0)
	b.minute.Store(minute)
}

func (b *bucket) snapshot() Counters {
	return Counters{
		Requests:  b.requests.Load(),
		Bytes:     b.bytes.Load(),
		Status2xx: b.status2xx.Load(),
		Status4xx: b.status4xx.Load(),
		Status5xx: b.status5xx.Load(),
	}
}

// Collector accumulates request statistics. The realtime counters are
// monotonic since process start; the ring keeps the last 24 hours at
// one-minute resolution. Both sides are lock-free.
type Collector struct {
	requests  atomic.Uint64
	bytes     atomic.Uint64
	status2xx atomic.Uint64
	status4xx atomic.Uint64
	status5xx atomic.Uint64

	ring [historyBuckets]bucket

	promRequests *prometheus.CounterVec
	promBytes    prometheus.Counter
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		promRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatehouse_responses_total",
			Help: "Total number of HTTP responses sent to clients",
		}, []string{"class"}),
		promBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatehouse_response_bytes_total",
			Help: "Total response body bytes sent to clients",
		}),
	}
}

// RegisterMetrics registers the prometheus collectors. Call once at startup.
func (c *Collector) RegisterMetrics(registry *prometheus.Registry) {
	registry.MustRegister(c.promRequests, c.promBytes)
}

// Record counts one completed response.
func (c *Collector) Record(status int, bytes int64) {
	c.recordAt(time.Now(), status, bytes)
}

func (c *Collector) recordAt(now time.Time, status int, bytes int64) {
	c.requests.Add(1)
	c.bytes.Add(uint64(bytes))
	c.promBytes.Add(float64(bytes))

	class := ""
	switch {
	case status >= 200 && status < 300:
		c.status2xx.Add(1)
		class = "2xx"
	case status >= 400 && status < 500:
		c.status4xx.Add(1)
		class = "4xx"
	case status >= 500:
		c.status5xx.Add(1)
		class = "5xx"
	}
	if class != "" {
		c.promRequests.WithLabelValues(class).Inc()
	}

	minute := now.Unix() / 60
	b := &c.ring[minute%historyBuckets]
	if b.minute.Load() != minute {
		b.reset(minute)
	}
	b.requests.Add(1)
	b.bytes.Add(uint64(bytes))
	switch class {
	case "2xx":
		b.status2xx.Add(1)
	case "4xx":
		b.status4xx.Add(1)
	case "5xx":
		b.status5xx.Add(1)
	}
}

// Realtime returns the monotonic counters since process start.
func (c *Collector) Realtime() Counters {
	return Counters{
		Requests:  c.requests.Load(),
		Bytes:     c.bytes.Load(),
		Status2xx: c.status2xx.Load(),
		Status4xx: c.status4xx.Load(),
		Status5xx: c.status5xx.Load(),
	}
}

// HistoryPoint is one minute of traffic.
type HistoryPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Counters
}

// History returns the per-minute samples covering the last hours hours,
// oldest first. Minutes with no traffic are omitted.
func (c *Collector) History(hours int) []HistoryPoint {
	if hours <= 0 || hours > 24 {
		hours = 24
	}
	nowMinute := time.Now().Unix() / 60
	span := int64(hours * 60)

	points := make([]HistoryPoint, 0, span)
	for m := nowMinute - span + 1; m <= nowMinute; m++ {
		b := &c.ring[m%historyBuckets]
		if b.minute.Load() != m {
			continue
		}
		sample := b.snapshot()
		if sample.Requests == 0 {
			continue
		}
		points = append(points, HistoryPoint{
			Timestamp: time.Unix(m*60, 0).UTC(),
			Counters:  sample,
		})
	}
	return points
}

// Minute returns the sample for the given unix minute, if the ring still
// holds it.
func (c *Collector) Minute(minute int64) (Counters, bool) {
	b := &c.ring[minute%historyBuckets]
	if b.minute.Load() != minute {
		return Counters{}, false
	}
	return b.snapshot(), true
}
