package auth

import (
	"sync"
	"sync/atomic"
)

// watcherSub is a single identity-change subscriber.
type watcherSub struct {
	id     uint64
	ch     chan struct{}
	closed atomic.Bool
}

// signal wakes the subscriber if it isn't already pending a wakeup.
func (s *watcherSub) signal() {
	select {
	case s.ch <- struct{}{}:
	default:
		// Wakeup already pending, changes coalesce
	}
}

// close closes the wakeup channel if not already closed.
func (s *watcherSub) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Watcher holds the current Identity and notifies subscribers when it changes.
// Notifications are coalesced wakeups: subscribers read the latest value via
// Current rather than consuming a stream of transitions, so a login that is
// immediately followed by a logout is observed as a single logged-out state.
type Watcher struct {
	mu     sync.RWMutex
	cur    *Identity
	subs   map[uint64]*watcherSub
	nextID atomic.Uint64
}

// NewWatcher creates a Watcher with no identity (logged out).
func NewWatcher() *Watcher {
	return &Watcher{
		subs: make(map[uint64]*watcherSub),
	}
}

// Current returns the current identity, or nil when logged out.
func (w *Watcher) Current() *Identity {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.cur == nil {
		return nil
	}
	ident := *w.cur
	return &ident
}

// Set installs a new identity (login or role change) and wakes subscribers.
func (w *Watcher) Set(ident Identity) {
	w.mu.Lock()
	if w.cur != nil && w.cur.Equal(ident) {
		w.mu.Unlock()
		return
	}
	w.cur = &ident
	w.notifyLocked()
	w.mu.Unlock()
}

// Clear removes the current identity (logout) and wakes subscribers.
func (w *Watcher) Clear() {
	w.mu.Lock()
	if w.cur == nil {
		w.mu.Unlock()
		return
	}
	w.cur = nil
	w.notifyLocked()
	w.mu.Unlock()
}

func (w *Watcher) notifyLocked() {
	for _, sub := range w.subs {
		sub.signal()
	}
}

// Subscribe registers for identity-change wakeups. The returned channel
// receives a coalesced signal after every change; read Current for the value.
// The cancel function is idempotent.
func (w *Watcher) Subscribe() (<-chan struct{}, func()) {
	sub := &watcherSub{
		id: w.nextID.Add(1),
		ch: make(chan struct{}, 1),
	}

	w.mu.Lock()
	w.subs[sub.id] = sub
	w.mu.Unlock()

	cancel := func() {
		w.unsubscribe(sub.id)
	}

	return sub.ch, cancel
}

func (w *Watcher) unsubscribe(id uint64) {
	w.mu.Lock()
	sub, ok := w.subs[id]
	if ok {
		delete(w.subs, id)
	}
	w.mu.Unlock()

	if ok {
		sub.close()
	}
}
