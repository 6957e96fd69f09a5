package notify

import (
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/tripdesk/tripdesk/event"
	"github.com/tripdesk/tripdesk/sync"
	"github.com/tripdesk/tripdesk/telemetry"
)

// Callback receives domain events for one kind, in feed arrival order.
type Callback func(ev event.DomainEvent)

// StateCallback observes connection state transitions.
type StateCallback func(st sync.ConnectionState)

// DefaultDedupWindow suppresses duplicate events delivered by overlapping
// scope subscriptions
const DefaultDedupWindow = 5 * time.Second

type listener struct {
	id   uint64
	fn   Callback
	gone atomic.Bool
}

// listenerSet keeps registration order so callbacks for a kind observe
// events in a stable sequence.
type listenerSet struct {
	mu      gosync.RWMutex
	entries []*listener
}

func (s *listenerSet) add(l *listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, l)
}

func (s *listenerSet) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, l := range s.entries {
		if l.id == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return
		}
	}
}

func (s *listenerSet) each(fn func(cb Callback)) {
	s.mu.RLock()
	snapshot := make([]*listener, len(s.entries))
	copy(snapshot, s.entries)
	s.mu.RUnlock()

	for _, l := range snapshot {
		if l.gone.Load() {
			continue
		}
		fn(l.fn)
	}
}

// Dispatcher fans decoded domain events out to registered application
// callbacks and turns booking changes into user-facing notifications.
// It is the single consumer of the sync controller's event stream, so
// Dispatch runs serially; registration and status reads are safe from
// any goroutine.
type Dispatcher struct {
	emitter Emitter
	window  time.Duration

	// seen suppresses duplicates delivered through overlapping scopes,
	// keyed by a hash of (kind, row, second)
	seen *expirable.LRU[uint64, struct{}]

	listeners *xsync.MapOf[event.Kind, *listenerSet]
	stateSubs *xsync.MapOf[uint64, StateCallback]
	nextID    atomic.Uint64

	state        atomic.Int32
	live         atomic.Bool
	reconnecting atomic.Bool
	lastUpdated  atomic.Int64
}

// NewDispatcher creates a dispatcher delivering notifications through the
// given emitter. A non-positive window disables duplicate suppression.
func NewDispatcher(emitter Emitter, window time.Duration, cacheEntries int) *Dispatcher {
	if cacheEntries <= 0 {
		cacheEntries = 1024
	}

	d := &Dispatcher{
		emitter:   emitter,
		window:    window,
		listeners: xsync.NewMapOf[event.Kind, *listenerSet](),
		stateSubs: xsync.NewMapOf[uint64, StateCallback](),
	}

	if window > 0 {
		d.seen = expirable.NewLRU[uint64, struct{}](cacheEntries, nil, window)
	}

	return d
}

// OnEvent registers a callback for one event kind. The returned cancel
// function is idempotent.
func (d *Dispatcher) OnEvent(kind event.Kind, cb Callback) func() {
	set, _ := d.listeners.LoadOrStore(kind, &listenerSet{})

	l := &listener{id: d.nextID.Add(1), fn: cb}
	set.add(l)

	return func() {
		if l.gone.CompareAndSwap(false, true) {
			set.remove(l.id)
		}
	}
}

// OnStateChange registers an observer for connection state transitions.
func (d *Dispatcher) OnStateChange(cb StateCallback) func() {
	id := d.nextID.Add(1)
	d.stateSubs.Store(id, cb)
	return func() {
		d.stateSubs.Delete(id)
	}
}

// Dispatch delivers one decoded event to every callback registered for its
// kind, then emits the matching user notification. Duplicates inside the
// dedup window are dropped before any callback runs.
func (d *Dispatcher) Dispatch(ev event.DomainEvent) {
	if d.seen != nil {
		key := xxhash.Sum64String(ev.DedupKey())
		if _, dup := d.seen.Get(key); dup {
			telemetry.DedupDroppedTotal.Inc()
			log.Debug().
				Str("kind", ev.Kind.String()).
				Str("row_id", ev.RowID).
				Msg("Duplicate event suppressed")
			return
		}
		d.seen.Add(key, struct{}{})
	}

	d.lastUpdated.Store(ev.ObservedAt.UnixMilli())

	startTime := time.Now()
	if set, ok := d.listeners.Load(ev.Kind); ok {
		set.each(func(cb Callback) {
			d.invoke(cb, ev)
		})
	}
	telemetry.DispatchDurationSeconds.Observe(time.Since(startTime).Seconds())
	telemetry.EventsDispatchedTotal.With(ev.Kind.String()).Inc()

	d.notifyFor(ev)
}

// invoke shields the pipeline from a panicking application callback.
func (d *Dispatcher) invoke(cb Callback, ev event.DomainEvent) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.CallbackFailuresTotal.Inc()
			log.Error().
				Any("panic", r).
				Str("kind", ev.Kind.String()).
				Str("row_id", ev.RowID).
				Msg("Recovered panic in event callback")
		}
	}()

	cb(ev)
}

func (d *Dispatcher) notifyFor(ev event.DomainEvent) {
	switch ev.Kind {
	case event.BookingCreated:
		d.emit(SeverityInfo, "New Booking", bookingSummary(ev), 5*time.Second)
	case event.BookingUpdated:
		d.emit(SeverityInfo, "Booking Updated", bookingSummary(ev), 5*time.Second)
	}
}

func (d *Dispatcher) emit(sev Severity, title, body string, duration time.Duration) {
	d.emitter.Emit(sev, title, body, duration)
	telemetry.NotificationsEmittedTotal.With(string(sev)).Inc()
}

// ConnectionStateChanged implements the sync controller's dispatcher
// contract. It keeps the status surface current, informs state observers
// and emits the reconnect banner lifecycle notifications.
func (d *Dispatcher) ConnectionStateChanged(st sync.ConnectionState) {
	d.state.Store(int32(st))
	d.live.Store(st == sync.StateConnected)

	switch st {
	case sync.StateConnected:
		d.lastUpdated.Store(time.Now().UnixMilli())
		if d.reconnecting.CompareAndSwap(true, false) {
			d.emit(SeveritySuccess, "Back Online", "Live updates restored", 4*time.Second)
		}
	case sync.StateDisconnected:
		// Logout clears the banner without a restore toast
		d.reconnecting.Store(false)
	}

	d.stateSubs.Range(func(_ uint64, cb StateCallback) bool {
		d.invokeState(cb, st)
		return true
	})
}

func (d *Dispatcher) invokeState(cb StateCallback, st sync.ConnectionState) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.CallbackFailuresTotal.Inc()
			log.Error().
				Any("panic", r).
				Str("state", st.String()).
				Msg("Recovered panic in state callback")
		}
	}()

	cb(st)
}

// ReconnectScheduled raises the sticky reconnect banner on the first
// retry of a cycle. Later attempts keep the existing banner.
func (d *Dispatcher) ReconnectScheduled(attempt int, delay time.Duration) {
	if d.reconnecting.CompareAndSwap(false, true) {
		d.emit(SeverityWarning, "Reconnecting",
			"Live updates interrupted, retrying in the background", DurationSticky)
	}
}

// Status is a point-in-time snapshot for the admin surface.
type Status struct {
	Live          bool      `json:"live"`
	State         string    `json:"state"`
	Reconnecting  bool      `json:"reconnecting"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// Status reports the dispatcher's view of the sync session.
func (d *Dispatcher) Status() Status {
	var last time.Time
	if ms := d.lastUpdated.Load(); ms > 0 {
		last = time.UnixMilli(ms).UTC()
	}

	return Status{
		Live:          d.live.Load(),
		State:         sync.ConnectionState(d.state.Load()).String(),
		Reconnecting:  d.reconnecting.Load(),
		LastUpdatedAt: last,
	}
}
