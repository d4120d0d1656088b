// Package metrics provides operational metrics for the vanguards supervisor.
// This package tracks event, circuit, and connection-level counters for
// observability; nothing here is exported over the network.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics provides a metrics collection for the supervisor
type Metrics struct {
	// Event metrics
	EventsDispatched *Counter
	EventsMalformed  *Counter

	// Policy metrics
	CircuitsClosedDropped *Counter
	CircuitsClosedBytes   *Counter
	CircuitsClosedHSDesc  *Counter
	CircuitsClosedAge     *Counter
	CircuitsClosedRend    *Counter
	CircuitsDestroyed     *Counter
	CloseFailures         *Counter

	// Tracker metrics
	TrackedCircuits    *Gauge
	TrackedConnections *Gauge

	// Consensus metrics
	ConsensusUpdates *Counter
	GuardsRotated    *Counter

	// Control channel metrics
	Reconnects *Counter

	// System metrics
	Uptime      *Gauge
	startTime   time.Time
	startTimeMu sync.RWMutex
}

// New creates a new metrics instance
func New() *Metrics {
	return &Metrics{
		EventsDispatched: NewCounter(),
		EventsMalformed:  NewCounter(),

		CircuitsClosedDropped: NewCounter(),
		CircuitsClosedBytes:   NewCounter(),
		CircuitsClosedHSDesc:  NewCounter(),
		CircuitsClosedAge:     NewCounter(),
		CircuitsClosedRend:    NewCounter(),
		CircuitsDestroyed:     NewCounter(),
		CloseFailures:         NewCounter(),

		TrackedCircuits:    NewGauge(),
		TrackedConnections: NewGauge(),

		ConsensusUpdates: NewCounter(),
		GuardsRotated:    NewCounter(),

		Reconnects: NewCounter(),

		Uptime:    NewGauge(),
		startTime: time.Now(),
	}
}

// UpdateUptime updates the uptime metric
func (m *Metrics) UpdateUptime() {
	m.startTimeMu.RLock()
	defer m.startTimeMu.RUnlock()
	m.Uptime.Set(int64(time.Since(m.startTime).Seconds()))
}

// Snapshot is a point-in-time copy of all metrics
type Snapshot struct {
	EventsDispatched      int64
	EventsMalformed       int64
	CircuitsClosedDropped int64
	CircuitsClosedBytes   int64
	CircuitsClosedHSDesc  int64
	CircuitsClosedAge     int64
	CircuitsClosedRend    int64
	CircuitsDestroyed     int64
	CloseFailures         int64
	TrackedCircuits       int64
	TrackedConnections    int64
	ConsensusUpdates      int64
	GuardsRotated         int64
	Reconnects            int64
	UptimeSeconds         int64
}

// Snapshot returns a point-in-time snapshot of all metrics
func (m *Metrics) Snapshot() *Snapshot {
	m.UpdateUptime()
	return &Snapshot{
		EventsDispatched:      m.EventsDispatched.Value(),
		EventsMalformed:       m.EventsMalformed.Value(),
		CircuitsClosedDropped: m.CircuitsClosedDropped.Value(),
		CircuitsClosedBytes:   m.CircuitsClosedBytes.Value(),
		CircuitsClosedHSDesc:  m.CircuitsClosedHSDesc.Value(),
		CircuitsClosedAge:     m.CircuitsClosedAge.Value(),
		CircuitsClosedRend:    m.CircuitsClosedRend.Value(),
		CircuitsDestroyed:     m.CircuitsDestroyed.Value(),
		CloseFailures:         m.CloseFailures.Value(),
		TrackedCircuits:       m.TrackedCircuits.Value(),
		TrackedConnections:    m.TrackedConnections.Value(),
		ConsensusUpdates:      m.ConsensusUpdates.Value(),
		GuardsRotated:         m.GuardsRotated.Value(),
		Reconnects:            m.Reconnects.Value(),
		UptimeSeconds:         m.Uptime.Value(),
	}
}

// Counter is a monotonically increasing counter
type Counter struct {
	value int64
}

// NewCounter creates a new counter
func NewCounter() *Counter {
	return &Counter{}
}

// Inc increments the counter by 1
func (c *Counter) Inc() {
	atomic.AddInt64(&c.value, 1)
}

// Add adds n to the counter
func (c *Counter) Add(n int64) {
	atomic.AddInt64(&c.value, n)
}

// Value returns the current counter value
func (c *Counter) Value() int64 {
	return atomic.LoadInt64(&c.value)
}

// Gauge is a value that can go up or down
type Gauge struct {
	value int64
}

// NewGauge creates a new gauge
func NewGauge() *Gauge {
	return &Gauge{}
}

// Set sets the gauge to a specific value
func (g *Gauge) Set(value int64) {
	atomic.StoreInt64(&g.value, value)
}

// Inc increments the gauge by 1
func (g *Gauge) Inc() {
	atomic.AddInt64(&g.value, 1)
}

// Dec decrements the gauge by 1
func (g *Gauge) Dec() {
	atomic.AddInt64(&g.value, -1)
}

// Add adds n to the gauge; n may be negative
func (g *Gauge) Add(n int64) {
	atomic.AddInt64(&g.value, n)
}

// Value returns the current gauge value
func (g *Gauge) Value() int64 {
	return atomic.LoadInt64(&g.value)
}
