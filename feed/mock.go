package feed

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/tripdesk/tripdesk/scope"
)

// MockProvider is a mock implementation of Provider for testing
type MockProvider struct {
	// FailScopes maps scope names to errors Subscribe should return
	FailScopes map[string]error
	// HoldSubscribe, when set, blocks Subscribe until it is closed or receives.
	// Used to exercise in-flight open cancellation.
	HoldSubscribe chan struct{}

	mu           sync.Mutex
	subs         map[uint64]*MockSubscription
	subscribes   []string
	unsubscribes map[string]int

	nextID atomic.Uint64
}

// MockSubscription is one open mock scope
type MockSubscription struct {
	id     uint64
	scope  string
	ch     chan RawChangeMessage
	closed atomic.Bool
}

func (s *MockSubscription) ID() uint64        { return s.id }
func (s *MockSubscription) ScopeName() string { return s.scope }

// NewMockProvider creates an empty mock provider
func NewMockProvider() *MockProvider {
	return &MockProvider{
		subs:         make(map[uint64]*MockSubscription),
		unsubscribes: make(map[string]int),
	}
}

// Subscribe records the attempt and opens a buffered stream, honoring
// FailScopes and HoldSubscribe.
func (p *MockProvider) Subscribe(ctx context.Context, sc scope.Scope) (Handle, <-chan RawChangeMessage, error) {
	p.mu.Lock()
	hold := p.HoldSubscribe
	p.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.subscribes = append(p.subscribes, sc.Name)

	if err, ok := p.FailScopes[sc.Name]; ok && err != nil {
		return nil, nil, err
	}

	ms := &MockSubscription{
		id:    p.nextID.Add(1),
		scope: sc.Name,
		ch:    make(chan RawChangeMessage, 64),
	}
	p.subs[ms.id] = ms

	return ms, ms.ch, nil
}

// SetFailScope configures (or clears, with a nil err) a Subscribe failure
// for a scope while the provider is in use.
func (p *MockProvider) SetFailScope(scopeName string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailScopes == nil {
		p.FailScopes = make(map[string]error)
	}
	if err == nil {
		delete(p.FailScopes, scopeName)
		return
	}
	p.FailScopes[scopeName] = err
}

// Unsubscribe counts the teardown and closes the stream exactly once
func (p *MockProvider) Unsubscribe(h Handle) error {
	p.mu.Lock()
	ms, ok := p.subs[h.ID()]
	if ok {
		delete(p.subs, h.ID())
		p.unsubscribes[ms.scope]++
	}
	p.mu.Unlock()

	if ok && ms.closed.CompareAndSwap(false, true) {
		close(ms.ch)
	}
	return nil
}

// Close tears down all open subscriptions
func (p *MockProvider) Close() error {
	p.mu.Lock()
	remaining := make([]*MockSubscription, 0, len(p.subs))
	for _, ms := range p.subs {
		remaining = append(remaining, ms)
	}
	p.subs = make(map[uint64]*MockSubscription)
	p.mu.Unlock()

	for _, ms := range remaining {
		if ms.closed.CompareAndSwap(false, true) {
			close(ms.ch)
		}
	}
	return nil
}

// Push delivers a message to every open subscription for the scope
func (p *MockProvider) Push(scopeName string, m RawChangeMessage) {
	m.Scope = scopeName

	p.mu.Lock()
	targets := make([]*MockSubscription, 0, 1)
	for _, ms := range p.subs {
		if ms.scope == scopeName {
			targets = append(targets, ms)
		}
	}
	p.mu.Unlock()

	for _, ms := range targets {
		ms.ch <- m
	}
}

// ActiveScopes returns the names of currently open subscriptions
func (p *MockProvider) ActiveScopes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, 0, len(p.subs))
	for _, ms := range p.subs {
		names = append(names, ms.scope)
	}
	return names
}

// Subscribes returns every Subscribe attempt in order
func (p *MockProvider) Subscribes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.subscribes...)
}

// UnsubscribeCount returns how many times a scope was torn down
func (p *MockProvider) UnsubscribeCount(scopeName string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unsubscribes[scopeName]
}
