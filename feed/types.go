// Package feed abstracts the server-pushed change-feed transport. The sync
// core only depends on Provider; concrete transports (NATS, Kafka) live here
// behind it, and tests use the mock provider.
package feed

import (
	"context"

	"github.com/tripdesk/tripdesk/scope"
)

// Operation types for change messages
const (
	OpInsert uint8 = 0
	OpUpdate uint8 = 1
	OpDelete uint8 = 2
)

// OperationString returns a human-readable operation name
func OperationString(op uint8) string {
	switch op {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// RawChangeMessage is the transport-level payload of one row change.
// Update messages carry the full new-row projection, never a diff.
type RawChangeMessage struct {
	Operation uint8                  `msgpack:"op"`
	Table     string                 `msgpack:"tbl"`
	Scope     string                 `msgpack:"scope"`
	NewRow    map[string]interface{} `msgpack:"new,omitempty"`
	OldRow    map[string]interface{} `msgpack:"old,omitempty"`
	EmittedAt int64                  `msgpack:"ts"` // Server commit time, unix ms
}

// FilterRow returns the row projection a scope filter should be applied to.
func (m RawChangeMessage) FilterRow() map[string]interface{} {
	if len(m.NewRow) > 0 {
		return m.NewRow
	}
	return m.OldRow
}

// Handle is an opaque reference to one open scope subscription.
// Owned exclusively by the subscription set manager.
type Handle interface {
	ID() uint64
	ScopeName() string
}

// Provider is the change-feed transport collaborator. Subscribe opens one
// scope and returns its handle plus an asynchronous message stream; the
// stream is closed by Unsubscribe. Subscribe failures are distinguishable
// from a delivered-but-empty stream. Unsubscribing a handle twice is a no-op.
type Provider interface {
	Subscribe(ctx context.Context, sc scope.Scope) (Handle, <-chan RawChangeMessage, error)
	Unsubscribe(h Handle) error
	Close() error
}
