package sync

import (
	"context"
	"fmt"
	gosync "sync"

	"github.com/rs/zerolog/log"

	"github.com/tripdesk/tripdesk/auth"
	"github.com/tripdesk/tripdesk/feed"
	"github.com/tripdesk/tripdesk/scope"
)

// OpenError reports that a scope failed to open. The whole open is rolled
// back before it is returned; no partial subscription set stays active.
type OpenError struct {
	Scope string
	Err   error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("failed to open scope %s: %v", e.Scope, e.Err)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// Inbound is one raw message tagged with its session generation so the
// controller can discard stragglers from a torn-down session.
type Inbound struct {
	Gen   uint64
	Scope string
	Msg   feed.RawChangeMessage
}

// Manager owns the set of open scope subscriptions for the current identity.
// Open is all-or-nothing; CloseAll is idempotent. Every open scope pumps its
// stream into the controller inbox.
type Manager struct {
	provider feed.Provider
	inbox    chan<- Inbound

	mu   gosync.Mutex
	open map[uint64]feed.Handle
}

// NewManager creates a manager publishing into the given inbox.
func NewManager(provider feed.Provider, inbox chan<- Inbound) *Manager {
	return &Manager{
		provider: provider,
		inbox:    inbox,
		open:     make(map[uint64]feed.Handle),
	}
}

// Open derives the scope set for the identity and opens every scope. If any
// scope fails, the ones already opened are closed before the error returns.
// ctx cancels in-flight opens on logout; gen tags the pumped messages.
func (m *Manager) Open(ctx context.Context, ident auth.Identity, gen uint64) ([]feed.Handle, error) {
	scopes := scope.ForIdentity(ident)
	opened := make([]feed.Handle, 0, len(scopes))

	for _, sc := range scopes {
		h, stream, err := m.provider.Subscribe(ctx, sc)
		if err != nil {
			m.CloseAll(opened)
			return nil, &OpenError{Scope: sc.Name, Err: err}
		}

		m.mu.Lock()
		m.open[h.ID()] = h
		m.mu.Unlock()

		opened = append(opened, h)
		go m.pump(ctx, gen, sc.Name, stream)

		log.Debug().
			Str("scope", sc.Name).
			Str("user", ident.ID).
			Msg("Scope opened")
	}

	return opened, nil
}

// pump forwards one scope's stream into the shared inbox until the stream
// closes or the session ends.
func (m *Manager) pump(ctx context.Context, gen uint64, scopeName string, stream <-chan feed.RawChangeMessage) {
	for {
		select {
		case msg, ok := <-stream:
			if !ok {
				return
			}
			msg.Scope = scopeName
			select {
			case m.inbox <- Inbound{Gen: gen, Scope: scopeName, Msg: msg}:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// CloseAll unsubscribes the given handles. Closing a handle that is already
// closed, or was never opened through this manager, is a no-op.
func (m *Manager) CloseAll(handles []feed.Handle) {
	for _, h := range handles {
		m.mu.Lock()
		_, active := m.open[h.ID()]
		if active {
			delete(m.open, h.ID())
		}
		m.mu.Unlock()

		if !active {
			continue
		}

		if err := m.provider.Unsubscribe(h); err != nil {
			log.Warn().Err(err).Str("scope", h.ScopeName()).Msg("Failed to unsubscribe scope")
		}
	}
}

// OpenCount returns the number of currently open scopes.
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}

// OpenScopes returns the names of currently open scopes.
func (m *Manager) OpenScopes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.open))
	for _, h := range m.open {
		names = append(names, h.ScopeName())
	}
	return names
}
