// Package event classifies raw change-feed messages into typed domain
// events. Decoding is a pure function of the message; anything the mapping
// table does not recognize comes back as a *DecodeError for the caller to
// log and drop.
package event

import (
	"fmt"
	"time"

	"github.com/tripdesk/tripdesk/feed"
)

// Kind identifies the domain meaning of a change
type Kind int

const (
	BookingCreated Kind = iota
	BookingUpdated
	BookingDeleted
	NotificationCreated
)

func (k Kind) String() string {
	switch k {
	case BookingCreated:
		return "booking_created"
	case BookingUpdated:
		return "booking_updated"
	case BookingDeleted:
		return "booking_deleted"
	case NotificationCreated:
		return "notification_created"
	default:
		return "unknown"
	}
}

// DomainEvent is one decoded, typed change. Row carries the full row
// projection for inserts and updates (never a diff; consumers replace their
// local copy wholesale) and the last known projection for deletes.
type DomainEvent struct {
	Kind       Kind
	RowID      string
	Row        map[string]interface{}
	Scope      string
	ObservedAt time.Time
}

// DedupKey is the identity of an event for duplicate suppression: same kind,
// same row, observed within the same second.
func (e DomainEvent) DedupKey() string {
	return fmt.Sprintf("%d|%s|%d", e.Kind, e.RowID, e.ObservedAt.Unix())
}

// DecodeError reports a message the classifier does not recognize
type DecodeError struct {
	Table     string
	Operation uint8
	Reason    string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("unrecognized change event: table=%s op=%s: %s",
		e.Table, feed.OperationString(e.Operation), e.Reason)
}

// kindFor maps (table, operation) pairs to event kinds
func kindFor(table string, op uint8) (Kind, bool) {
	switch table {
	case "bookings":
		switch op {
		case feed.OpInsert:
			return BookingCreated, true
		case feed.OpUpdate:
			return BookingUpdated, true
		case feed.OpDelete:
			return BookingDeleted, true
		}
	case "notifications":
		if op == feed.OpInsert {
			return NotificationCreated, true
		}
	}
	return 0, false
}

// Decode classifies a raw message into a DomainEvent. ObservedAt is taken
// from the message's server commit time so the result is a pure function of
// its input.
func Decode(m feed.RawChangeMessage) (DomainEvent, error) {
	kind, ok := kindFor(m.Table, m.Operation)
	if !ok {
		return DomainEvent{}, &DecodeError{
			Table:     m.Table,
			Operation: m.Operation,
			Reason:    "no known event kind for this table/operation pair",
		}
	}

	row := m.NewRow
	if m.Operation == feed.OpDelete {
		row = m.OldRow
	}

	rowID, ok := rowID(row)
	if !ok {
		return DomainEvent{}, &DecodeError{
			Table:     m.Table,
			Operation: m.Operation,
			Reason:    "row payload has no id column",
		}
	}

	return DomainEvent{
		Kind:       kind,
		RowID:      rowID,
		Row:        row,
		Scope:      m.Scope,
		ObservedAt: time.UnixMilli(m.EmittedAt).UTC(),
	}, nil
}

// rowID extracts the primary key. The feed serializes ids as strings, but
// numeric ids from older publishers are accepted too.
func rowID(row map[string]interface{}) (string, bool) {
	v, ok := row["id"]
	if !ok || v == nil {
		return "", false
	}

	switch id := v.(type) {
	case string:
		return id, id != ""
	case int64:
		return fmt.Sprintf("%d", id), true
	case uint64:
		return fmt.Sprintf("%d", id), true
	case float64:
		return fmt.Sprintf("%.0f", id), true
	default:
		return "", false
	}
}
