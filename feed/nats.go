package feed

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/tripdesk/tripdesk/scope"
)

// natsStreamBufferSize bounds the per-scope message channels. A subscriber
// that falls this far behind starts exerting backpressure on the decoder
// goroutine, not on the NATS client.
const natsStreamBufferSize = 64

// NatsProvider implements Provider over NATS. Each scope maps to one subject
// of the form "<prefix>.<scope-name>.<scope-key>", so scoping is enforced
// server-side by subject-level authorization.
type NatsProvider struct {
	nc     *nats.Conn
	codec  *Codec
	prefix string

	mu   sync.Mutex
	subs map[uint64]*natsSubscription

	nextID atomic.Uint64
}

type natsSubscription struct {
	id     uint64
	scope  string
	sub    *nats.Subscription
	msgCh  chan *nats.Msg
	done   chan struct{}
	closed atomic.Bool
}

func (s *natsSubscription) ID() uint64        { return s.id }
func (s *natsSubscription) ScopeName() string { return s.scope }

// NewNatsProvider connects to NATS. Connection-level reconnects are left to
// the client library; scope lifecycle and staleness recovery stay with the
// sync controller.
func NewNatsProvider(url, subjectPrefix string, codec *Codec) (*NatsProvider, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NatsProvider{
		nc:     nc,
		codec:  codec,
		prefix: subjectPrefix,
		subs:   make(map[uint64]*natsSubscription),
	}, nil
}

// Subscribe opens one scope subject and returns its decoded message stream.
func (p *NatsProvider) Subscribe(ctx context.Context, sc scope.Scope) (Handle, <-chan RawChangeMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	subject := fmt.Sprintf("%s.%s.%s", p.prefix, sc.Name, sc.Key())
	msgCh := make(chan *nats.Msg, natsStreamBufferSize)

	sub, err := p.nc.ChanSubscribe(subject, msgCh)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	ns := &natsSubscription{
		id:    p.nextID.Add(1),
		scope: sc.Name,
		sub:   sub,
		msgCh: msgCh,
		done:  make(chan struct{}),
	}

	p.mu.Lock()
	p.subs[ns.id] = ns
	p.mu.Unlock()

	out := make(chan RawChangeMessage, natsStreamBufferSize)
	go p.decodeLoop(ns, out)

	log.Debug().Str("scope", sc.Name).Str("subject", subject).Msg("Opened feed subscription")
	return ns, out, nil
}

// decodeLoop turns wire payloads into RawChangeMessage values. Payloads that
// fail to decode at the transport layer are dropped here; event-level
// classification failures are the decoder's concern, not the transport's.
func (p *NatsProvider) decodeLoop(ns *natsSubscription, out chan<- RawChangeMessage) {
	defer close(out)

	for m := range ns.msgCh {
		raw, err := p.codec.Decode(m.Data)
		if err != nil {
			log.Warn().Err(err).Str("scope", ns.scope).Msg("Dropping undecodable feed payload")
			continue
		}
		// done unblocks the send if the consumer stopped draining before
		// the subscription was torn down
		select {
		case out <- raw:
		case <-ns.done:
			return
		}
	}
}

// Unsubscribe tears down one scope subscription. Unknown or already-closed
// handles are a no-op.
func (p *NatsProvider) Unsubscribe(h Handle) error {
	p.mu.Lock()
	ns, ok := p.subs[h.ID()]
	if ok {
		delete(p.subs, h.ID())
	}
	p.mu.Unlock()

	if !ok || !ns.closed.CompareAndSwap(false, true) {
		return nil
	}

	err := ns.sub.Unsubscribe()
	close(ns.done)
	// Safe to close after Unsubscribe returns: the client no longer delivers
	close(ns.msgCh)

	if err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", ns.scope, err)
	}
	return nil
}

// Close drains all subscriptions and closes the NATS connection.
func (p *NatsProvider) Close() error {
	p.mu.Lock()
	remaining := make([]*natsSubscription, 0, len(p.subs))
	for _, ns := range p.subs {
		remaining = append(remaining, ns)
	}
	p.subs = make(map[uint64]*natsSubscription)
	p.mu.Unlock()

	for _, ns := range remaining {
		if ns.closed.CompareAndSwap(false, true) {
			_ = ns.sub.Unsubscribe()
			close(ns.done)
			close(ns.msgCh)
		}
	}

	p.nc.Close()
	return nil
}
