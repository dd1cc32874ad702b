package metrics

import (
	"sync"
	"time"
)

// TimerMetric is a snapshot of timing measurements for one operation
type TimerMetric struct {
	Count         int64   `json:"count"`
	TotalTimeMs   int64   `json:"total_time_ms"`
	AverageTimeMs float64 `json:"average_time_ms"`
	MinTimeMs     int64   `json:"min_time_ms"`
	MaxTimeMs     int64   `json:"max_time_ms"`
}

// ErrorRateMetric is a snapshot of the outcome counts for one operation
type ErrorRateMetric struct {
	Total     int64   `json:"total"`
	Errors    int64   `json:"errors"`
	ErrorRate float64 `json:"error_rate"`
}

type timerStats struct {
	count   int64
	totalMs int64
	minMs   int64
	maxMs   int64
}

type outcomeStats struct {
	total  int64
	errors int64
}

// Metrics collects in-process counters, gauges, timers, operation
// outcomes and component health flags. All methods are safe for
// concurrent use.
type Metrics struct {
	mu        sync.Mutex
	counters  map[string]int64
	gauges    map[string]int64
	timers    map[string]*timerStats
	outcomes  map[string]*outcomeStats
	health    map[string]bool
	startTime time.Time
}

// NewMetrics creates an empty collector
func NewMetrics() *Metrics {
	return &Metrics{
		counters:  make(map[string]int64),
		gauges:    make(map[string]int64),
		timers:    make(map[string]*timerStats),
		outcomes:  make(map[string]*outcomeStats),
		health:    make(map[string]bool),
		startTime: time.Now(),
	}
}

// IncrementCounter increments a counter by 1
func (m *Metrics) IncrementCounter(name string) {
	m.IncrementCounterBy(name, 1)
}

// IncrementCounterBy increments a counter by the given value
func (m *Metrics) IncrementCounterBy(name string, value int64) {
	m.mu.Lock()
	m.counters[name] += value
	m.mu.Unlock()
}

// SetGauge sets a gauge to a specific value
func (m *Metrics) SetGauge(name string, value int64) {
	m.mu.Lock()
	m.gauges[name] = value
	m.mu.Unlock()
}

// RecordTimer records one duration measurement for an operation
func (m *Metrics) RecordTimer(name string, durationMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.timers[name]
	if !ok {
		t = &timerStats{minMs: durationMs, maxMs: durationMs}
		m.timers[name] = t
	}
	t.count++
	t.totalMs += durationMs
	if durationMs < t.minMs {
		t.minMs = durationMs
	}
	if durationMs > t.maxMs {
		t.maxMs = durationMs
	}
}

// RecordSuccess records a successful run of an operation
func (m *Metrics) RecordSuccess(name string) {
	m.recordOutcome(name, false)
}

// RecordError records a failed run of an operation
func (m *Metrics) RecordError(name string) {
	m.recordOutcome(name, true)
}

func (m *Metrics) recordOutcome(name string, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.outcomes[name]
	if !ok {
		o = &outcomeStats{}
		m.outcomes[name] = o
	}
	o.total++
	if failed {
		o.errors++
	}
}

// SetHealth flags a component as healthy or unhealthy
func (m *Metrics) SetHealth(component string, healthy bool) {
	m.mu.Lock()
	m.health[component] = healthy
	m.mu.Unlock()
}

// GetCounters returns a copy of all counters
func (m *Metrics) GetCounters() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	counters := make(map[string]int64, len(m.counters))
	for name, value := range m.counters {
		counters[name] = value
	}
	return counters
}

// GetGauges returns a copy of all gauges
func (m *Metrics) GetGauges() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	gauges := make(map[string]int64, len(m.gauges))
	for name, value := range m.gauges {
		gauges[name] = value
	}
	return gauges
}

// GetTimers returns a snapshot of all timers
func (m *Metrics) GetTimers() map[string]TimerMetric {
	m.mu.Lock()
	defer m.mu.Unlock()

	timers := make(map[string]TimerMetric, len(m.timers))
	for name, t := range m.timers {
		var average float64
		if t.count > 0 {
			average = float64(t.totalMs) / float64(t.count)
		}
		timers[name] = TimerMetric{
			Count:         t.count,
			TotalTimeMs:   t.totalMs,
			AverageTimeMs: average,
			MinTimeMs:     t.minMs,
			MaxTimeMs:     t.maxMs,
		}
	}
	return timers
}

// GetErrorRates returns a snapshot of all operation outcomes
func (m *Metrics) GetErrorRates() map[string]ErrorRateMetric {
	m.mu.Lock()
	defer m.mu.Unlock()

	rates := make(map[string]ErrorRateMetric, len(m.outcomes))
	for name, o := range m.outcomes {
		var rate float64
		if o.total > 0 {
			rate = float64(o.errors) / float64(o.total) * 100.0
		}
		rates[name] = ErrorRateMetric{
			Total:     o.total,
			Errors:    o.errors,
			ErrorRate: rate,
		}
	}
	return rates
}

// GetHealthChecks returns a copy of all component health flags
func (m *Metrics) GetHealthChecks() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	checks := make(map[string]bool, len(m.health))
	for name, healthy := range m.health {
		checks[name] = healthy
	}
	return checks
}

// GetUptimeSeconds returns the collector's uptime in seconds
func (m *Metrics) GetUptimeSeconds() int64 {
	return int64(time.Since(m.startTime).Seconds())
}

// GetAllMetrics returns every metric family in one structure
func (m *Metrics) GetAllMetrics() map[string]interface{} {
	return map[string]interface{}{
		"uptime_seconds": m.GetUptimeSeconds(),
		"counters":       m.GetCounters(),
		"gauges":         m.GetGauges(),
		"timers":         m.GetTimers(),
		"error_rates":    m.GetErrorRates(),
		"health_checks":  m.GetHealthChecks(),
	}
}
