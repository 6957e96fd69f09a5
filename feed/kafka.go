package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/tripdesk/tripdesk/scope"
)

const (
	kafkaStreamBufferSize = 64
	kafkaMinBytes         = 1
	kafkaMaxBytes         = 1 << 20 // 1MB
)

// KafkaProvider implements Provider over Kafka CDC topics. One topic per
// table ("<prefix>.<table>"); Kafka cannot filter rows server-side, so the
// scope's filter predicate is applied client-side before delivery.
//
// Scope table entries must be literal table names for this provider; glob
// patterns cannot be enumerated into topics.
type KafkaProvider struct {
	brokers     []string
	topicPrefix string
	groupPrefix string
	codec       *Codec

	mu   sync.Mutex
	subs map[uint64]*kafkaSubscription

	nextID atomic.Uint64
}

type kafkaSubscription struct {
	id      uint64
	scope   string
	cancel  context.CancelFunc
	readers []*kafka.Reader
	wg      sync.WaitGroup
	closed  atomic.Bool
}

func (s *kafkaSubscription) ID() uint64        { return s.id }
func (s *kafkaSubscription) ScopeName() string { return s.scope }

// NewKafkaProvider creates a Kafka-backed change-feed provider. groupPrefix
// should be unique per agent session so each session sees the full feed.
func NewKafkaProvider(brokers []string, topicPrefix, groupPrefix string, codec *Codec) (*KafkaProvider, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka provider requires at least one broker address")
	}

	return &KafkaProvider{
		brokers:     brokers,
		topicPrefix: topicPrefix,
		groupPrefix: groupPrefix,
		codec:       codec,
		subs:        make(map[uint64]*kafkaSubscription),
	}, nil
}

// Subscribe opens one reader per scope table and merges them into a single
// client-filtered stream.
func (p *KafkaProvider) Subscribe(ctx context.Context, sc scope.Scope) (Handle, <-chan RawChangeMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if len(sc.Tables) == 0 {
		return nil, nil, fmt.Errorf("scope %s has no tables to subscribe", sc.Name)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	ks := &kafkaSubscription{
		id:     p.nextID.Add(1),
		scope:  sc.Name,
		cancel: cancel,
	}

	out := make(chan RawChangeMessage, kafkaStreamBufferSize)

	for _, table := range sc.Tables {
		topic := fmt.Sprintf("%s.%s", p.topicPrefix, table)
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:  p.brokers,
			Topic:    topic,
			GroupID:  fmt.Sprintf("%s.%s", p.groupPrefix, sc.Name),
			MinBytes: kafkaMinBytes,
			MaxBytes: kafkaMaxBytes,
		})
		ks.readers = append(ks.readers, reader)

		ks.wg.Add(1)
		go p.readLoop(subCtx, reader, sc, out, &ks.wg)
	}

	// Single closer: the channel closes once every reader loop has returned
	go func() {
		ks.wg.Wait()
		close(out)
	}()

	p.mu.Lock()
	p.subs[ks.id] = ks
	p.mu.Unlock()

	log.Debug().Str("scope", sc.Name).Strs("tables", sc.Tables).Msg("Opened kafka feed subscription")
	return ks, out, nil
}

func (p *KafkaProvider) readLoop(ctx context.Context, reader *kafka.Reader, sc scope.Scope, out chan<- RawChangeMessage, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			log.Warn().Err(err).Str("scope", sc.Name).Str("topic", reader.Config().Topic).
				Msg("Kafka read failed, retrying")
			continue
		}

		raw, err := p.codec.Decode(m.Value)
		if err != nil {
			log.Warn().Err(err).Str("scope", sc.Name).Msg("Dropping undecodable feed payload")
			continue
		}

		// Client-side scope filtering: Kafka delivers the whole table
		if !sc.MatchesRow(raw.Table, raw.FilterRow()) {
			continue
		}
		raw.Scope = sc.Name

		select {
		case out <- raw:
		case <-ctx.Done():
			return
		}
	}
}

// Unsubscribe stops all readers of one scope. Unknown or already-closed
// handles are a no-op.
func (p *KafkaProvider) Unsubscribe(h Handle) error {
	p.mu.Lock()
	ks, ok := p.subs[h.ID()]
	if ok {
		delete(p.subs, h.ID())
	}
	p.mu.Unlock()

	if !ok || !ks.closed.CompareAndSwap(false, true) {
		return nil
	}

	ks.cancel()
	var firstErr error
	for _, reader := range ks.readers {
		if err := reader.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close reader for %s: %w", ks.scope, err)
		}
	}
	ks.wg.Wait()
	return firstErr
}

// Close tears down every open subscription.
func (p *KafkaProvider) Close() error {
	p.mu.Lock()
	remaining := make([]*kafkaSubscription, 0, len(p.subs))
	for _, ks := range p.subs {
		remaining = append(remaining, ks)
	}
	p.subs = make(map[uint64]*kafkaSubscription)
	p.mu.Unlock()

	var firstErr error
	for _, ks := range remaining {
		if !ks.closed.CompareAndSwap(false, true) {
			continue
		}
		ks.cancel()
		for _, reader := range ks.readers {
			if err := reader.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		ks.wg.Wait()
	}
	return firstErr
}
