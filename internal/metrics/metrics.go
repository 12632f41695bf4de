package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Names of the metrics recorded by the service
const (
	EventsReceived     = "events_received"
	EventsProcessed    = "events_processed"
	EventsDuplicate    = "events_duplicate"
	EventsMalformed    = "events_malformed"
	EventsUnrouted     = "events_unrouted"
	EventsDeadLettered = "events_dead_lettered"
	EventConflicts     = "event_conflicts"
	IngestAlerts       = "ingest_alerts"
	OutboxPublished    = "outbox_published"
	OutboxDeadLettered = "outbox_dead_lettered"
	CommandsExecuted   = "commands_executed"
	ReservationsDenied = "reservations_denied"
	DispatcherBacklog  = "dispatcher_backlog"
	IngestDuration     = "ingest_duration"
	RelayDuration      = "relay_duration"
	IngestErrorRate    = "ingest"
	PublishErrorRate   = "publish"
)

// TimerMetric summarises the durations recorded under one name
type TimerMetric struct {
	Count         int64   `json:"count"`
	TotalTimeMs   int64   `json:"total_time_ms"`
	AverageTimeMs float64 `json:"average_time_ms"`
	MinTimeMs     int64   `json:"min_time_ms"`
	MaxTimeMs     int64   `json:"max_time_ms"`
}

type ErrorRateMetric struct {
	Total     int64   `json:"total"`
	Errors    int64   `json:"errors"`
	ErrorRate float64 `json:"error_rate"`
}

type timer struct {
	count, total, min, max int64
}

type ratio struct {
	total, errors int64
}

// Metrics is an in-process collector. Values are read by the ops API.
type Metrics struct {
	mu        sync.RWMutex
	counters  map[string]*int64
	gauges    map[string]*int64
	timers    map[string]*timer
	ratios    map[string]*ratio
	health    map[string]*int64
	startTime time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{
		counters:  map[string]*int64{},
		gauges:    map[string]*int64{},
		timers:    map[string]*timer{},
		ratios:    map[string]*ratio{},
		health:    map[string]*int64{},
		startTime: time.Now(),
	}
}

// slot returns the entry for name, creating it with create on first use
func slot[T any](m *Metrics, table map[string]*T, name string, create func() *T) *T {
	m.mu.RLock()
	v, ok := table[name]
	m.mu.RUnlock()
	if ok {
		return v
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok = table[name]; !ok {
		v = create()
		table[name] = v
	}
	return v
}

func newInt() *int64 { return new(int64) }

func (m *Metrics) IncrementCounter(name string) {
	m.IncrementCounterBy(name, 1)
}

func (m *Metrics) IncrementCounterBy(name string, value int64) {
	atomic.AddInt64(slot(m, m.counters, name, newInt), value)
}

func (m *Metrics) SetGauge(name string, value int64) {
	atomic.StoreInt64(slot(m, m.gauges, name, newInt), value)
}

// RecordDuration records a timing measurement
func (m *Metrics) RecordDuration(name string, d time.Duration) {
	ms := d.Milliseconds()
	t := slot(m, m.timers, name, func() *timer { return &timer{min: math.MaxInt64} })

	atomic.AddInt64(&t.count, 1)
	atomic.AddInt64(&t.total, ms)
	for cur := atomic.LoadInt64(&t.min); ms < cur; cur = atomic.LoadInt64(&t.min) {
		if atomic.CompareAndSwapInt64(&t.min, cur, ms) {
			break
		}
	}
	for cur := atomic.LoadInt64(&t.max); ms > cur; cur = atomic.LoadInt64(&t.max) {
		if atomic.CompareAndSwapInt64(&t.max, cur, ms) {
			break
		}
	}
}

// RecordResult counts an outcome for error rate tracking
func (m *Metrics) RecordResult(name string, err error) {
	r := slot(m, m.ratios, name, func() *ratio { return &ratio{} })
	atomic.AddInt64(&r.total, 1)
	if err != nil {
		atomic.AddInt64(&r.errors, 1)
	}
}

// SetHealth sets the health status of a component
func (m *Metrics) SetHealth(component string, healthy bool) {
	var v int64
	if healthy {
		v = 1
	}
	atomic.StoreInt64(slot(m, m.health, component, newInt), v)
}

func (m *Metrics) Counter(name string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.counters[name]; ok {
		return atomic.LoadInt64(c)
	}
	return 0
}

// Healthy reports whether every registered component is healthy
func (m *Metrics) Healthy() (bool, map[string]bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := true
	checks := make(map[string]bool, len(m.health))
	for name, h := range m.health {
		ok := atomic.LoadInt64(h) > 0
		checks[name] = ok
		all = all && ok
	}
	return all, checks
}

// Snapshot returns all metrics in a structured format
func (m *Metrics) Snapshot() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counters := make(map[string]int64, len(m.counters))
	for name, c := range m.counters {
		counters[name] = atomic.LoadInt64(c)
	}
	gauges := make(map[string]int64, len(m.gauges))
	for name, g := range m.gauges {
		gauges[name] = atomic.LoadInt64(g)
	}

	timers := make(map[string]TimerMetric, len(m.timers))
	for name, t := range m.timers {
		tm := TimerMetric{
			Count:       atomic.LoadInt64(&t.count),
			TotalTimeMs: atomic.LoadInt64(&t.total),
			MinTimeMs:   atomic.LoadInt64(&t.min),
			MaxTimeMs:   atomic.LoadInt64(&t.max),
		}
		if tm.Count > 0 {
			tm.AverageTimeMs = float64(tm.TotalTimeMs) / float64(tm.Count)
		}
		timers[name] = tm
	}

	rates := make(map[string]ErrorRateMetric, len(m.ratios))
	for name, r := range m.ratios {
		em := ErrorRateMetric{Total: atomic.LoadInt64(&r.total), Errors: atomic.LoadInt64(&r.errors)}
		if em.Total > 0 {
			em.ErrorRate = float64(em.Errors) / float64(em.Total) * 100.0
		}
		rates[name] = em
	}

	health := make(map[string]bool, len(m.health))
	for name, h := range m.health {
		health[name] = atomic.LoadInt64(h) > 0
	}

	return map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"counters":       counters,
		"gauges":         gauges,
		"timers":         timers,
		"error_rates":    rates,
		"health_checks":  health,
	}
}
