package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStaleAfterSilenceThreshold(t *testing.T) {
	m := NewMonitor()
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	m.SetConnected(true)
	m.RecordObservation(base)

	require.False(t, m.IsStale(base.Add(59*time.Second), time.Minute))
	require.False(t, m.IsStale(base.Add(60*time.Second), time.Minute))
	require.True(t, m.IsStale(base.Add(61*time.Second), time.Minute))
}

func TestNotStaleWhileDisconnected(t *testing.T) {
	m := NewMonitor()
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	m.RecordObservation(base)

	// Deliberately down is not stale
	require.False(t, m.IsStale(base.Add(time.Hour), time.Minute))

	m.SetConnected(true)
	require.True(t, m.IsStale(base.Add(time.Hour), time.Minute))

	m.SetConnected(false)
	require.False(t, m.IsStale(base.Add(time.Hour), time.Minute))
}

func TestNotStaleBeforeFirstObservation(t *testing.T) {
	m := NewMonitor()
	m.SetConnected(true)

	require.False(t, m.IsStale(time.Now(), time.Minute))
	require.True(t, m.LastObserved().IsZero())
}

func TestObservationRefreshesStaleness(t *testing.T) {
	m := NewMonitor()
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	m.SetConnected(true)
	m.RecordObservation(base)
	require.True(t, m.IsStale(base.Add(2*time.Minute), time.Minute))

	m.RecordObservation(base.Add(90 * time.Second))
	require.False(t, m.IsStale(base.Add(2*time.Minute), time.Minute))
}
