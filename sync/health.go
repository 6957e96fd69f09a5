package sync

import (
	"sync/atomic"
	"time"
)

// DefaultStaleThreshold is how long the feed may stay silent before an
// apparently-open connection is declared stale.
const DefaultStaleThreshold = time.Minute

// DefaultHealthInterval is the period of the staleness check.
const DefaultHealthInterval = 30 * time.Second

// Monitor tracks the single last-observed timestamp across all open scopes.
// Staleness models the silent-failure case: the transport still reports an
// open connection but nothing has arrived. A deliberately disconnected state
// is not stale, it is simply down.
type Monitor struct {
	lastObserved atomic.Int64 // unix ms, 0 = never
	connected    atomic.Bool
}

// NewMonitor creates a monitor with no observations.
func NewMonitor() *Monitor {
	return &Monitor{}
}

// RecordObservation notes that an event or heartbeat was seen at t.
func (m *Monitor) RecordObservation(t time.Time) {
	m.lastObserved.Store(t.UnixMilli())
}

// LastObserved returns the most recent observation time, zero if none.
func (m *Monitor) LastObserved() time.Time {
	ms := m.lastObserved.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// SetConnected tells the monitor whether the connection is nominally open.
func (m *Monitor) SetConnected(connected bool) {
	m.connected.Store(connected)
}

// IsStale returns true iff the connection is nominally open but nothing has
// been observed within the threshold.
func (m *Monitor) IsStale(now time.Time, threshold time.Duration) bool {
	if !m.connected.Load() {
		return false
	}
	last := m.lastObserved.Load()
	if last == 0 {
		return false
	}
	return now.UnixMilli()-last > threshold.Milliseconds()
}
