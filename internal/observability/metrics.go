package observability

import (
	"sync"
	"time"
)

type MethodSnapshot struct {
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	InFlight      int64   `json:"in_flight"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

type Snapshot struct {
	UptimeSec       int64                     `json:"uptime_sec"`
	TotalRequests   int64                     `json:"total_requests"`
	TotalErrors     int64                     `json:"total_errors"`
	InFlight        int64                     `json:"in_flight"`
	RateLimitWaits  int64                     `json:"rate_limit_waits"`
	RateLimitWaitMs int64                     `json:"rate_limit_wait_ms"`
	Lifecycle       *LifecycleSnapshot        `json:"lifecycle,omitempty"`
	Methods         map[string]MethodSnapshot `json:"methods"`
	Counters        map[string]int64          `json:"counters,omitempty"`
	Gauges          map[string]int64          `json:"gauges,omitempty"`
}

// Counter names recorded by the saga orchestrator.
const (
	CounterSagasCreated       = "sagas_created"
	CounterTransitions        = "transitions"
	CounterStoreConflicts     = "store_conflicts"
	CounterRepliesParked      = "replies_parked"
	CounterRepliesReplayed    = "replies_replayed"
	CounterRepliesIgnored     = "replies_ignored"
	CounterReplyDataIgnored   = "reply_data_ignored"
	CounterDeliveries         = "deliveries"
	CounterDeliveriesDropped  = "deliveries_no_subscriber"
	CounterDeliveriesStale    = "deliveries_stale"
	CounterDispatchFailures   = "dispatch_failures"
	CounterRetriesExhausted   = "retries_exhausted"
	GaugeActiveStreams        = "active_streams"
	GaugeDispatchBreakerOpen  = "dispatch_breaker_open"
	counterRejectionPrefix    = "rejections_"
	counterTransitionToPrefix = "transitions_to_"
)

// RejectionCounter names the counter for a state machine rejection reason.
func RejectionCounter(reason string) string {
	return counterRejectionPrefix + reason
}

// TransitionCounter names the counter for transitions into status.
func TransitionCounter(status string) string {
	return counterTransitionToPrefix + status
}

type methodStats struct {
	count        int64
	errors       int64
	inFlight     int64
	totalLatency time.Duration
	maxLatency   time.Duration
	lastLatency  time.Duration
}

type Metrics struct {
	mu             sync.Mutex
	start          time.Time
	methods        map[string]*methodStats
	counters       map[string]int64
	gauges         map[string]func() int64
	rateLimitWaits int64
	rateLimitWait  time.Duration
	lifecycle      lifecycleStats
}

type CallSpan struct {
	metrics *Metrics
	method  string
	start   time.Time
}

type lifecycleStats struct {
	shutdownAt time.Time
	inflight   int64
}

type LifecycleSnapshot struct {
	ShutdownAt         time.Time `json:"shutdown_at"`
	InFlightAtShutdown int64     `json:"inflight_at_shutdown"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		start:    time.Now(),
		methods:  make(map[string]*methodStats),
		counters: make(map[string]int64),
		gauges:   make(map[string]func() int64),
	}
}

func (m *Metrics) Start(method string) *CallSpan {
	if m == nil {
		return &CallSpan{}
	}
	m.mu.Lock()
	stats := m.ensureMethod(method)
	stats.inFlight++
	m.mu.Unlock()
	return &CallSpan{
		metrics: m,
		method:  method,
		start:   time.Now(),
	}
}

func (s *CallSpan) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	dur := time.Since(s.start)
	s.metrics.finish(s.method, dur, err != nil)
}

// Incr adds one to the named counter.
func (m *Metrics) Incr(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.counters[name]++
	m.mu.Unlock()
}

// RegisterGauge samples fn on every snapshot. fn must not call back into Metrics.
func (m *Metrics) RegisterGauge(name string, fn func() int64) {
	if m == nil || fn == nil {
		return
	}
	m.mu.Lock()
	m.gauges[name] = fn
	m.mu.Unlock()
}

func (m *Metrics) AddRateLimitWait(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.mu.Lock()
	m.rateLimitWaits++
	m.rateLimitWait += d
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	snap := Snapshot{
		UptimeSec:       int64(now.Sub(m.start).Seconds()),
		Methods:         make(map[string]MethodSnapshot),
		RateLimitWaits:  m.rateLimitWaits,
		RateLimitWaitMs: int64(m.rateLimitWait / time.Millisecond),
	}

	for method, stats := range m.methods {
		avg := 0.0
		if stats.count > 0 {
			avg = float64(stats.totalLatency.Milliseconds()) / float64(stats.count)
		}
		snap.Methods[method] = MethodSnapshot{
			Count:         stats.count,
			Errors:        stats.errors,
			InFlight:      stats.inFlight,
			AvgLatencyMs:  avg,
			MaxLatencyMs:  float64(stats.maxLatency.Milliseconds()),
			LastLatencyMs: float64(stats.lastLatency.Milliseconds()),
		}
		snap.TotalRequests += stats.count
		snap.TotalErrors += stats.errors
		snap.InFlight += stats.inFlight
	}

	if len(m.counters) > 0 {
		snap.Counters = make(map[string]int64, len(m.counters))
		for name, v := range m.counters {
			snap.Counters[name] = v
		}
	}
	if len(m.gauges) > 0 {
		snap.Gauges = make(map[string]int64, len(m.gauges))
		for name, fn := range m.gauges {
			snap.Gauges[name] = fn()
		}
	}

	if !m.lifecycle.shutdownAt.IsZero() {
		snap.Lifecycle = &LifecycleSnapshot{
			ShutdownAt:         m.lifecycle.shutdownAt,
			InFlightAtShutdown: m.lifecycle.inflight,
		}
	}

	return snap
}

// Counter returns the current value of a counter.
func (m *Metrics) Counter(name string) int64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

// InFlight sums in-flight calls across methods.
func (m *Metrics) InFlight() int64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, stats := range m.methods {
		total += stats.inFlight
	}
	return total
}

func (m *Metrics) ensureMethod(method string) *methodStats {
	stats, ok := m.methods[method]
	if !ok {
		stats = &methodStats{}
		m.methods[method] = stats
	}
	return stats
}

func (m *Metrics) finish(method string, dur time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	stats := m.ensureMethod(method)
	stats.inFlight--
	stats.count++
	if failed {
		stats.errors++
	}
	stats.totalLatency += dur
	if dur > stats.maxLatency {
		stats.maxLatency = dur
	}
	stats.lastLatency = dur
	m.mu.Unlock()
}

func (m *Metrics) MarkShutdown(inflight int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.lifecycle.shutdownAt = time.Now()
	m.lifecycle.inflight = inflight
	m.mu.Unlock()
}
