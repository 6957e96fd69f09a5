package sync

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tripdesk/tripdesk/auth"
	"github.com/tripdesk/tripdesk/event"
	"github.com/tripdesk/tripdesk/feed"
	"github.com/tripdesk/tripdesk/telemetry"
)

// Dispatcher receives decoded events and connection lifecycle signals.
// Implemented by notify.Dispatcher; declared here so the controller does not
// depend on the notification layer.
type Dispatcher interface {
	Dispatch(ev event.DomainEvent)
	ConnectionStateChanged(st ConnectionState)
	ReconnectScheduled(attempt int, delay time.Duration)
}

// Options configures a Controller. Zero durations fall back to defaults.
type Options struct {
	Provider   feed.Provider
	Identity   *auth.Watcher
	Dispatcher Dispatcher

	BaseDelay      time.Duration
	MaxDelay       time.Duration
	StaleThreshold time.Duration
	HealthInterval time.Duration
	InboxSize      int
}

// openResult is the outcome of one asynchronous open attempt.
type openResult struct {
	gen     uint64
	handles []feed.Handle
	err     error
}

// Controller drives the connection lifecycle:
//
//	Disconnected -> Connecting -> Connected -> Stale -> Connecting ...
//
// All mutation of connection state, backoff state and the open handle set is
// serialized on the Run goroutine. Inbound messages, identity changes, open
// results and the health ticker are its only inputs.
type Controller struct {
	provider feed.Provider
	manager  *Manager
	disp     Dispatcher
	ident    *auth.Watcher
	monitor  *Monitor
	backoff  *Backoff

	staleThreshold time.Duration
	healthInterval time.Duration

	inbox  chan Inbound
	openCh chan openResult

	state atomic.Int32

	// Session-scoped fields, touched only on the Run goroutine
	gen        uint64
	sessIdent  *auth.Identity
	sessCtx    context.Context
	sessCancel context.CancelFunc
	handles    []feed.Handle

	// attempts mirrors the backoff counter for status readers
	attempts atomic.Int32
}

// NewController wires a controller from options.
func NewController(opts Options) *Controller {
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = DefaultStaleThreshold
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = DefaultHealthInterval
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 256
	}

	inbox := make(chan Inbound, opts.InboxSize)

	c := &Controller{
		provider:       opts.Provider,
		disp:           opts.Dispatcher,
		ident:          opts.Identity,
		monitor:        NewMonitor(),
		backoff:        NewBackoff(opts.BaseDelay, opts.MaxDelay),
		staleThreshold: opts.StaleThreshold,
		healthInterval: opts.HealthInterval,
		inbox:          inbox,
		openCh:         make(chan openResult, 4),
	}
	c.manager = NewManager(opts.Provider, inbox)
	c.state.Store(int32(StateDisconnected))
	return c
}

// State returns the current connection state.
func (c *Controller) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// Live reports whether the feed is connected.
func (c *Controller) Live() bool {
	return c.State() == StateConnected
}

// LastEventAt returns when the feed last produced an event or heartbeat.
func (c *Controller) LastEventAt() time.Time {
	return c.monitor.LastObserved()
}

// Attempts returns how many reconnect attempts the current cycle has made.
func (c *Controller) Attempts() int {
	return int(c.attempts.Load())
}

// OpenScopes returns the names of the currently open subscriptions.
func (c *Controller) OpenScopes() []string {
	return c.manager.OpenScopes()
}

// Run blocks, driving the state machine until ctx is cancelled. Must be
// called exactly once.
func (c *Controller) Run(ctx context.Context) {
	idCh, cancelSub := c.ident.Subscribe()
	defer cancelSub()

	ticker := time.NewTicker(c.healthInterval)
	defer ticker.Stop()

	var retryC <-chan time.Time

	// An identity may already be present at startup
	c.onIdentityChange(ctx, &retryC)

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return

		case <-idCh:
			c.onIdentityChange(ctx, &retryC)

		case res := <-c.openCh:
			c.onOpenResult(res, &retryC)

		case in := <-c.inbox:
			c.onInbound(in)

		case now := <-ticker.C:
			c.onHealthTick(now, &retryC)

		case <-retryC:
			retryC = nil
			if c.sessIdent != nil && c.State() == StateConnecting {
				c.beginOpen(ctx)
			}
		}
	}
}

// onIdentityChange reconciles the session against the watcher's latest value.
func (c *Controller) onIdentityChange(ctx context.Context, retryC *<-chan time.Time) {
	cur := c.ident.Current()

	switch {
	case cur == nil && c.sessIdent == nil:
		return

	case cur == nil:
		// Logout: tear everything down, cancel in-flight opens, stop retrying
		log.Info().Msg("Identity cleared, disconnecting feed")
		c.teardownSession()
		*retryC = nil
		c.setState(StateDisconnected)

	case c.sessIdent == nil:
		// Login
		log.Info().Str("user", cur.ID).Str("role", string(cur.Role)).Msg("Identity available, connecting feed")
		*retryC = nil
		c.startSession(ctx, *cur)

	case !cur.Equal(*c.sessIdent):
		// Identity switch: the old scope set must not survive the new identity
		log.Info().Str("user", cur.ID).Str("role", string(cur.Role)).Msg("Identity changed, resubscribing feed")
		c.teardownSession()
		*retryC = nil
		c.startSession(ctx, *cur)
	}
}

// startSession begins a new connect cycle for the identity.
func (c *Controller) startSession(ctx context.Context, ident auth.Identity) {
	c.gen++
	c.sessIdent = &ident
	c.sessCtx, c.sessCancel = context.WithCancel(ctx)
	c.backoff.Reset()
	c.setState(StateConnecting)
	c.beginOpen(ctx)
}

// teardownSession invalidates the generation, cancels in-flight work and
// closes all handles. Safe to call with no session active.
func (c *Controller) teardownSession() {
	c.gen++
	c.sessIdent = nil
	if c.sessCancel != nil {
		c.sessCancel()
		c.sessCancel = nil
	}
	c.manager.CloseAll(c.handles)
	c.handles = nil
	c.monitor.SetConnected(false)
	c.backoff.Reset()
	c.attempts.Store(0)
	telemetry.OpenScopes.Set(0)
}

// shutdown handles process exit.
func (c *Controller) shutdown() {
	c.teardownSession()
	c.setState(StateDisconnected)
}

// beginOpen launches an asynchronous open attempt for the current session.
// The result is funneled back into the Run loop; a result whose generation
// no longer matches is discarded there.
func (c *Controller) beginOpen(ctx context.Context) {
	gen := c.gen
	ident := *c.sessIdent
	sessCtx := c.sessCtx

	go func() {
		handles, err := c.manager.Open(sessCtx, ident, gen)

		// The openCh buffer makes a plain select ambiguous once ctx is
		// cancelled: the send can win even though the Run loop already
		// exited and will never drain the result. Handles must not wait
		// for process exit, so check for shutdown before sending.
		if ctx.Err() != nil {
			if err == nil {
				c.manager.CloseAll(handles)
			}
			return
		}

		select {
		case c.openCh <- openResult{gen: gen, handles: handles, err: err}:
		case <-ctx.Done():
			if err == nil {
				c.manager.CloseAll(handles)
			}
		}
	}()
}

// onOpenResult finishes or retries a connect cycle.
func (c *Controller) onOpenResult(res openResult, retryC *<-chan time.Time) {
	if res.gen != c.gen {
		// The session this open belonged to is already over. A late success
		// must not leak subscriptions.
		if res.err == nil {
			c.manager.CloseAll(res.handles)
		}
		return
	}

	if res.err != nil {
		c.scheduleRetry(res.err, "open_failure", retryC)
		return
	}

	c.handles = res.handles
	now := time.Now()
	c.monitor.RecordObservation(now)
	c.monitor.SetConnected(true)
	reconnected := c.backoff.Attempt() > 0
	c.backoff.Reset()
	c.attempts.Store(0)
	c.setState(StateConnected)

	telemetry.OpenScopes.Set(float64(len(res.handles)))

	log.Info().
		Int("scopes", len(res.handles)).
		Bool("reconnected", reconnected).
		Msg("Feed connected")
}

// scheduleRetry arms the backoff timer for the next open attempt.
func (c *Controller) scheduleRetry(cause error, trigger string, retryC *<-chan time.Time) {
	attempt := c.backoff.Attempt()
	delay := Jitter(c.backoff.Next())

	var openErr *OpenError
	scopeName := ""
	if errors.As(cause, &openErr) {
		scopeName = openErr.Scope
	}

	log.Warn().
		Err(cause).
		Str("scope", scopeName).
		Int("attempt", attempt).
		Dur("retry_in", delay).
		Msg("Feed unavailable, retrying")

	telemetry.ReconnectsTotal.With(trigger).Inc()
	c.disp.ReconnectScheduled(attempt, delay)

	*retryC = time.After(delay)
	c.attempts.Store(int32(c.backoff.Attempt()))
}

// onInbound decodes and dispatches one raw message.
func (c *Controller) onInbound(in Inbound) {
	if in.Gen != c.gen {
		return // Straggler from a torn-down session
	}

	now := time.Now()
	c.monitor.RecordObservation(now)
	telemetry.FeedMessagesTotal.With(in.Scope).Inc()
	telemetry.LastEventTimestamp.Set(float64(now.Unix()))

	ev, err := event.Decode(in.Msg)
	if err != nil {
		// Unknown table/operation pairs are logged and dropped, never fatal
		telemetry.DecodeFailuresTotal.Inc()
		log.Debug().Err(err).Str("scope", in.Scope).Msg("Dropping unrecognized change event")
		return
	}

	c.disp.Dispatch(ev)
}

// onHealthTick declares staleness when a nominally-open connection has gone
// silent, and starts a reconnect cycle.
func (c *Controller) onHealthTick(now time.Time, retryC *<-chan time.Time) {
	if c.State() != StateConnected {
		return
	}
	if !c.monitor.IsStale(now, c.staleThreshold) {
		return
	}

	log.Warn().
		Time("last_observed", c.monitor.LastObserved()).
		Dur("threshold", c.staleThreshold).
		Msg("Feed went silent, reconnecting")

	c.setState(StateStale)

	// Stale moves straight to Connecting: close what we have, back off, reopen
	c.manager.CloseAll(c.handles)
	c.handles = nil
	c.monitor.SetConnected(false)
	telemetry.OpenScopes.Set(0)

	c.setState(StateConnecting)
	c.scheduleRetry(errors.New("connection stale"), "stale", retryC)
}

// setState transitions the state machine and informs the dispatcher.
func (c *Controller) setState(st ConnectionState) {
	old := ConnectionState(c.state.Swap(int32(st)))
	if old == st {
		return
	}

	log.Info().
		Str("from", old.String()).
		Str("to", st.String()).
		Msg("Connection state changed")

	telemetry.ConnectionState.Set(float64(st))
	c.disp.ConnectionStateChanged(st)
}
