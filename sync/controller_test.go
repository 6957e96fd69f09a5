package sync

import (
	"context"
	"errors"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tripdesk/tripdesk/auth"
	"github.com/tripdesk/tripdesk/event"
	"github.com/tripdesk/tripdesk/feed"
	"github.com/tripdesk/tripdesk/scope"
)

// recordingDispatcher captures everything the controller reports.
type recordingDispatcher struct {
	mu       gosync.Mutex
	events   []event.DomainEvent
	states   []ConnectionState
	attempts []int
}

func (d *recordingDispatcher) Dispatch(ev event.DomainEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
}

func (d *recordingDispatcher) ConnectionStateChanged(st ConnectionState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.states = append(d.states, st)
}

func (d *recordingDispatcher) ReconnectScheduled(attempt int, delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts = append(d.attempts, attempt)
}

func (d *recordingDispatcher) Events() []event.DomainEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]event.DomainEvent(nil), d.events...)
}

func (d *recordingDispatcher) States() []ConnectionState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]ConnectionState(nil), d.states...)
}

func (d *recordingDispatcher) SawState(st ConnectionState) bool {
	for _, s := range d.States() {
		if s == st {
			return true
		}
	}
	return false
}

func (d *recordingDispatcher) RetryCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.attempts)
}

func startController(t *testing.T, provider feed.Provider, mutate func(*Options)) (*Controller, *recordingDispatcher, *auth.Watcher) {
	t.Helper()

	disp := &recordingDispatcher{}
	watcher := auth.NewWatcher()

	opts := Options{
		Provider:   provider,
		Identity:   watcher,
		Dispatcher: disp,
		BaseDelay:  5 * time.Millisecond,
		MaxDelay:   25 * time.Millisecond,
		// Far enough out that tests never go stale unless they mean to
		StaleThreshold: 10 * time.Second,
		HealthInterval: 10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}

	c := NewController(opts)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)

	return c, disp, watcher
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 2*time.Millisecond, msg)
}

func TestLoginOpensExactlyRoleScopes(t *testing.T) {
	provider := feed.NewMockProvider()
	c, _, watcher := startController(t, provider, nil)

	watcher.Set(auth.Identity{ID: "agent-7", Role: auth.RoleAgent})

	waitFor(t, c.Live, "controller never connected")
	require.ElementsMatch(t,
		[]string{scope.NameAgentBookings, scope.NameUserNotifications},
		provider.ActiveScopes())
	require.NotContains(t, provider.ActiveScopes(), scope.NameAllBookings)
}

func TestAdminGetsAllBookingsScope(t *testing.T) {
	provider := feed.NewMockProvider()
	c, _, watcher := startController(t, provider, nil)

	watcher.Set(auth.Identity{ID: "admin-1", Role: auth.RoleSuperAdmin})

	waitFor(t, c.Live, "controller never connected")
	require.Contains(t, provider.ActiveScopes(), scope.NameAllBookings)
	require.Len(t, provider.ActiveScopes(), 3)
}

func TestInboundEventReachesDispatcher(t *testing.T) {
	provider := feed.NewMockProvider()
	c, disp, watcher := startController(t, provider, nil)

	watcher.Set(auth.Identity{ID: "agent-7", Role: auth.RoleAgent})
	waitFor(t, c.Live, "controller never connected")

	provider.Push(scope.NameAgentBookings, feed.RawChangeMessage{
		Operation: feed.OpInsert,
		Table:     "bookings",
		NewRow:    map[string]interface{}{"id": "bk-1", "agent_id": "agent-7"},
		EmittedAt: time.Now().UnixMilli(),
	})

	waitFor(t, func() bool { return len(disp.Events()) == 1 }, "event never dispatched")

	ev := disp.Events()[0]
	require.Equal(t, event.BookingCreated, ev.Kind)
	require.Equal(t, "bk-1", ev.RowID)
	require.Equal(t, scope.NameAgentBookings, ev.Scope)
	require.False(t, c.LastEventAt().IsZero())
}

func TestUnrecognizedMessageDroppedNotFatal(t *testing.T) {
	provider := feed.NewMockProvider()
	c, disp, watcher := startController(t, provider, nil)

	watcher.Set(auth.Identity{ID: "agent-7", Role: auth.RoleAgent})
	waitFor(t, c.Live, "controller never connected")

	provider.Push(scope.NameAgentBookings, feed.RawChangeMessage{
		Operation: feed.OpDelete,
		Table:     "notifications",
		OldRow:    map[string]interface{}{"id": "nt-1"},
		EmittedAt: time.Now().UnixMilli(),
	})
	provider.Push(scope.NameAgentBookings, feed.RawChangeMessage{
		Operation: feed.OpInsert,
		Table:     "bookings",
		NewRow:    map[string]interface{}{"id": "bk-2"},
		EmittedAt: time.Now().UnixMilli(),
	})

	// Only the recognized event comes through, and the session stays up
	waitFor(t, func() bool { return len(disp.Events()) == 1 }, "event never dispatched")
	require.Equal(t, "bk-2", disp.Events()[0].RowID)
	require.True(t, c.Live())
}

func TestOpenFailureRetriesUntilRecovery(t *testing.T) {
	provider := feed.NewMockProvider()
	provider.SetFailScope(scope.NameUserNotifications, errors.New("subject unavailable"))
	c, disp, watcher := startController(t, provider, nil)

	watcher.Set(auth.Identity{ID: "agent-7", Role: auth.RoleAgent})

	waitFor(t, func() bool { return disp.RetryCount() >= 2 }, "no retries scheduled")
	require.Equal(t, StateConnecting, c.State())
	require.Positive(t, c.Attempts())

	provider.SetFailScope(scope.NameUserNotifications, nil)

	waitFor(t, c.Live, "controller never recovered")
	require.Zero(t, c.Attempts())
}

func TestLogoutCancelsInFlightOpen(t *testing.T) {
	provider := feed.NewMockProvider()
	provider.HoldSubscribe = make(chan struct{})
	c, disp, watcher := startController(t, provider, nil)

	watcher.Set(auth.Identity{ID: "agent-7", Role: auth.RoleAgent})
	waitFor(t, func() bool { return c.State() == StateConnecting }, "open never started")

	watcher.Clear()
	waitFor(t, func() bool { return c.State() == StateDisconnected }, "logout did not disconnect")

	// Release the held open; its session is gone, so nothing may leak
	close(provider.HoldSubscribe)

	time.Sleep(50 * time.Millisecond)
	require.Empty(t, provider.ActiveScopes())
	require.Equal(t, StateDisconnected, c.State())
	require.Zero(t, disp.RetryCount())
}

func TestIdentitySwitchResubscribes(t *testing.T) {
	provider := feed.NewMockProvider()
	c, _, watcher := startController(t, provider, nil)

	watcher.Set(auth.Identity{ID: "agent-7", Role: auth.RoleAgent})
	waitFor(t, c.Live, "controller never connected")

	watcher.Set(auth.Identity{ID: "admin-1", Role: auth.RoleBasicAdmin})

	waitFor(t, func() bool {
		return c.Live() && len(provider.ActiveScopes()) == 3
	}, "admin scope set never opened")

	// The agent's subscriptions did not survive the switch
	require.Equal(t, 1, provider.UnsubscribeCount(scope.NameAgentBookings))
	require.Contains(t, provider.ActiveScopes(), scope.NameAllBookings)
}

// stubbornProvider ignores context cancellation: Subscribe blocks until
// release is closed, then succeeds unconditionally. Models a transport that
// cannot abort an open already in flight.
type stubbornProvider struct {
	release chan struct{}

	mu     gosync.Mutex
	opened int
	closed int
	nextID uint64
}

type stubbornHandle struct {
	id    uint64
	scope string
}

func (h *stubbornHandle) ID() uint64        { return h.id }
func (h *stubbornHandle) ScopeName() string { return h.scope }

func (p *stubbornProvider) Subscribe(_ context.Context, sc scope.Scope) (feed.Handle, <-chan feed.RawChangeMessage, error) {
	<-p.release

	p.mu.Lock()
	defer p.mu.Unlock()
	p.opened++
	p.nextID++
	return &stubbornHandle{id: p.nextID, scope: sc.Name}, make(chan feed.RawChangeMessage), nil
}

func (p *stubbornProvider) Unsubscribe(h feed.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

func (p *stubbornProvider) Close() error { return nil }

func (p *stubbornProvider) counts() (opened, closed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opened, p.closed
}

func TestLateOpenSuccessAfterLogoutIsClosed(t *testing.T) {
	provider := &stubbornProvider{release: make(chan struct{})}
	c, disp, watcher := startController(t, provider, nil)

	watcher.Set(auth.Identity{ID: "agent-7", Role: auth.RoleAgent})
	waitFor(t, func() bool { return c.State() == StateConnecting }, "open never started")

	watcher.Clear()
	waitFor(t, func() bool { return c.State() == StateDisconnected }, "logout did not disconnect")

	// The open now succeeds for a session that no longer exists. Every
	// handle it produced must be unsubscribed immediately.
	close(provider.release)
	waitFor(t, func() bool {
		opened, closed := provider.counts()
		return opened == 2 && closed == 2
	}, "late open success was not closed")

	require.Equal(t, StateDisconnected, c.State())
	require.Zero(t, disp.RetryCount())
}

func TestOpenResolvingAfterShutdownIsClosed(t *testing.T) {
	provider := &stubbornProvider{release: make(chan struct{})}
	disp := &recordingDispatcher{}
	watcher := auth.NewWatcher()

	c := NewController(Options{
		Provider:       provider,
		Identity:       watcher,
		Dispatcher:     disp,
		BaseDelay:      5 * time.Millisecond,
		MaxDelay:       25 * time.Millisecond,
		StaleThreshold: 10 * time.Second,
		HealthInterval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(runDone)
	}()

	watcher.Set(auth.Identity{ID: "agent-7", Role: auth.RoleAgent})
	waitFor(t, func() bool { return c.State() == StateConnecting }, "open never started")

	// Process shutdown while the open is still in flight
	cancel()
	<-runDone

	close(provider.release)
	waitFor(t, func() bool {
		opened, closed := provider.counts()
		return opened == 2 && closed == 2
	}, "handles opened after shutdown were not closed")
}

func TestSilentConnectionGoesStaleAndReconnects(t *testing.T) {
	provider := feed.NewMockProvider()
	c, disp, watcher := startController(t, provider, func(o *Options) {
		o.StaleThreshold = 40 * time.Millisecond
		o.HealthInterval = 10 * time.Millisecond
	})

	watcher.Set(auth.Identity{ID: "agent-7", Role: auth.RoleAgent})
	waitFor(t, c.Live, "controller never connected")

	// Nothing arrives; the health check must declare staleness and cycle
	waitFor(t, func() bool { return disp.SawState(StateStale) }, "connection never went stale")
	waitFor(t, func() bool { return disp.RetryCount() >= 1 }, "no reconnect scheduled")
	waitFor(t, c.Live, "controller never reconnected")

	require.GreaterOrEqual(t, provider.UnsubscribeCount(scope.NameAgentBookings), 1)
}
