package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Well-known metric names.
const (
	EventsPublished      = "events_published"
	EventsPublishFailed  = "events_publish_failed"
	EventsConsumed       = "events_consumed"
	EventsDeadLettered   = "events_dead_lettered"
	EventsDropped        = "events_dropped"
	EventsDuplicate      = "events_duplicate"
	OutboxRelayed        = "outbox_relayed"
	OutboxPending        = "outbox_pending"
	ConcurrentConflicts  = "orders_concurrent_conflicts"
	IdempotentReplays    = "orders_idempotent_replays"
	CommandLatencyPrefix = "command_latency_"
	CommandPrefix        = "command_"
)

// TimerMetric summarises recorded durations.
type TimerMetric struct {
	Count         int64   `json:"count"`
	TotalTimeMs   int64   `json:"total_time_ms"`
	AverageTimeMs float64 `json:"average_time_ms"`
	MinTimeMs     int64   `json:"min_time_ms"`
	MaxTimeMs     int64   `json:"max_time_ms"`
}

// ErrorRateMetric is the share of failed operations.
type ErrorRateMetric struct {
	Total     int64   `json:"total"`
	Errors    int64   `json:"errors"`
	ErrorRate float64 `json:"error_rate"`
}

type timer struct {
	count       int64
	totalTimeMs int64
	minTimeMs   int64
	maxTimeMs   int64
}

type errorRate struct {
	total  int64
	errors int64
}

// Metrics is an in-process collector. A nil *Metrics ignores every call.
type Metrics struct {
	mu         sync.RWMutex
	counters   map[string]*int64
	gauges     map[string]*int64
	timers     map[string]*timer
	errorRates map[string]*errorRate
	health     map[string]*int64
	startTime  time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{
		counters:   make(map[string]*int64),
		gauges:     make(map[string]*int64),
		timers:     make(map[string]*timer),
		errorRates: make(map[string]*errorRate),
		health:     make(map[string]*int64),
		startTime:  time.Now(),
	}
}

// slot returns the entry for name, creating it with newFn on first use.
func slot[T any](m *Metrics, table map[string]*T, name string, newFn func() *T) *T {
	m.mu.RLock()
	v, ok := table[name]
	m.mu.RUnlock()
	if ok {
		return v
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok = table[name]; !ok {
		v = newFn()
		table[name] = v
	}
	return v
}

func newInt64() *int64 { return new(int64) }

func (m *Metrics) IncrementCounter(name string) {
	m.IncrementCounterBy(name, 1)
}

func (m *Metrics) IncrementCounterBy(name string, value int64) {
	if m == nil {
		return
	}
	atomic.AddInt64(slot(m, m.counters, name, newInt64), value)
}

func (m *Metrics) SetGauge(name string, value int64) {
	if m == nil {
		return
	}
	atomic.StoreInt64(slot(m, m.gauges, name, newInt64), value)
}

func (m *Metrics) RecordTimer(name string, d time.Duration) {
	if m == nil {
		return
	}
	t := slot(m, m.timers, name, func() *timer { return &timer{minTimeMs: math.MaxInt64} })
	ms := d.Milliseconds()

	atomic.AddInt64(&t.count, 1)
	atomic.AddInt64(&t.totalTimeMs, ms)
	for {
		cur := atomic.LoadInt64(&t.minTimeMs)
		if ms >= cur || atomic.CompareAndSwapInt64(&t.minTimeMs, cur, ms) {
			break
		}
	}
	for {
		cur := atomic.LoadInt64(&t.maxTimeMs)
		if ms <= cur || atomic.CompareAndSwapInt64(&t.maxTimeMs, cur, ms) {
			break
		}
	}
}

// RecordResult counts one operation towards name's error rate.
func (m *Metrics) RecordResult(name string, err error) {
	if m == nil {
		return
	}
	r := slot(m, m.errorRates, name, func() *errorRate { return &errorRate{} })
	atomic.AddInt64(&r.total, 1)
	if err != nil {
		atomic.AddInt64(&r.errors, 1)
	}
}

// SetHealth records whether a component is currently healthy.
func (m *Metrics) SetHealth(component string, healthy bool) {
	if m == nil {
		return
	}
	var v int64
	if healthy {
		v = 1
	}
	atomic.StoreInt64(slot(m, m.health, component, newInt64), v)
}

func (m *Metrics) Counter(name string) int64 {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.counters[name]; ok {
		return atomic.LoadInt64(c)
	}
	return 0
}

func (m *Metrics) GetCounters() map[string]int64 {
	return m.snapshot(m.counters)
}

func (m *Metrics) GetGauges() map[string]int64 {
	return m.snapshot(m.gauges)
}

func (m *Metrics) snapshot(table map[string]*int64) map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int64, len(table))
	for name, v := range table {
		out[name] = atomic.LoadInt64(v)
	}
	return out
}

func (m *Metrics) GetTimers() map[string]TimerMetric {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]TimerMetric, len(m.timers))
	for name, t := range m.timers {
		count := atomic.LoadInt64(&t.count)
		total := atomic.LoadInt64(&t.totalTimeMs)
		tm := TimerMetric{
			Count:       count,
			TotalTimeMs: total,
			MinTimeMs:   atomic.LoadInt64(&t.minTimeMs),
			MaxTimeMs:   atomic.LoadInt64(&t.maxTimeMs),
		}
		if count > 0 {
			tm.AverageTimeMs = float64(total) / float64(count)
		}
		out[name] = tm
	}
	return out
}

func (m *Metrics) GetErrorRates() map[string]ErrorRateMetric {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]ErrorRateMetric, len(m.errorRates))
	for name, r := range m.errorRates {
		total := atomic.LoadInt64(&r.total)
		errs := atomic.LoadInt64(&r.errors)
		em := ErrorRateMetric{Total: total, Errors: errs}
		if total > 0 {
			em.ErrorRate = float64(errs) / float64(total) * 100.0
		}
		out[name] = em
	}
	return out
}

func (m *Metrics) GetHealthChecks() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.health))
	for name, v := range m.health {
		out[name] = atomic.LoadInt64(v) > 0
	}
	return out
}

func (m *Metrics) GetAllMetrics() map[string]any {
	return map[string]any{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"counters":       m.GetCounters(),
		"gauges":         m.GetGauges(),
		"timers":         m.GetTimers(),
		"error_rates":    m.GetErrorRates(),
		"health_checks":  m.GetHealthChecks(),
	}
}
