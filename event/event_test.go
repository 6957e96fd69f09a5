package event

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripdesk/tripdesk/feed"
)

func TestDecode_KindMapping(t *testing.T) {
	cases := []struct {
		name  string
		table string
		op    uint8
		want  Kind
	}{
		{"booking insert", "bookings", feed.OpInsert, BookingCreated},
		{"booking update", "bookings", feed.OpUpdate, BookingUpdated},
		{"booking delete", "bookings", feed.OpDelete, BookingDeleted},
		{"notification insert", "notifications", feed.OpInsert, NotificationCreated},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			row := map[string]interface{}{"id": "r1"}
			m := feed.RawChangeMessage{
				Operation: tc.op,
				Table:     tc.table,
				EmittedAt: 1700000000000,
			}
			if tc.op == feed.OpDelete {
				m.OldRow = row
			} else {
				m.NewRow = row
			}

			ev, err := Decode(m)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ev.Kind)
			assert.Equal(t, "r1", ev.RowID)
		})
	}
}

func TestDecode_UnrecognizedPairs(t *testing.T) {
	cases := []struct {
		table string
		op    uint8
	}{
		{"invoices", feed.OpInsert},
		{"notifications", feed.OpUpdate},
		{"notifications", feed.OpDelete},
		{"bookings", 99},
	}

	for _, tc := range cases {
		_, err := Decode(feed.RawChangeMessage{
			Operation: tc.op,
			Table:     tc.table,
			NewRow:    map[string]interface{}{"id": "r1"},
			OldRow:    map[string]interface{}{"id": "r1"},
		})

		var decodeErr *DecodeError
		require.ErrorAs(t, err, &decodeErr, "table=%s op=%d", tc.table, tc.op)
		assert.Equal(t, tc.table, decodeErr.Table)
	}
}

func TestDecode_MissingRowID(t *testing.T) {
	_, err := Decode(feed.RawChangeMessage{
		Operation: feed.OpInsert,
		Table:     "bookings",
		NewRow:    map[string]interface{}{"destination": "Lisbon"},
	})

	var decodeErr *DecodeError
	assert.True(t, errors.As(err, &decodeErr))
}

func TestDecode_UpdateCarriesFullRow(t *testing.T) {
	row := map[string]interface{}{
		"id":          "bk1",
		"agent_id":    "u1",
		"destination": "Porto",
		"status":      "confirmed",
	}

	ev, err := Decode(feed.RawChangeMessage{
		Operation: feed.OpUpdate,
		Table:     "bookings",
		NewRow:    row,
		EmittedAt: 1700000000000,
	})
	require.NoError(t, err)

	// The payload is the full new-row projection, not a diff
	assert.Equal(t, row, ev.Row)
}

func TestDecode_DeleteUsesOldRow(t *testing.T) {
	ev, err := Decode(feed.RawChangeMessage{
		Operation: feed.OpDelete,
		Table:     "bookings",
		OldRow:    map[string]interface{}{"id": "bk2", "status": "cancelled"},
	})
	require.NoError(t, err)
	assert.Equal(t, "bk2", ev.RowID)
	assert.Equal(t, "cancelled", ev.Row["status"])
}

func TestDecode_IsPure(t *testing.T) {
	m := feed.RawChangeMessage{
		Operation: feed.OpInsert,
		Table:     "bookings",
		NewRow:    map[string]interface{}{"id": "bk1"},
		EmittedAt: 1700000000000,
	}

	first, err1 := Decode(m)
	second, err2 := Decode(m)

	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, first, second)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), first.ObservedAt)
}

func TestDecode_NumericRowID(t *testing.T) {
	ev, err := Decode(feed.RawChangeMessage{
		Operation: feed.OpInsert,
		Table:     "bookings",
		NewRow:    map[string]interface{}{"id": int64(42)},
	})
	require.NoError(t, err)
	assert.Equal(t, "42", ev.RowID)
}

func TestDedupKey_SecondResolution(t *testing.T) {
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	a := DomainEvent{Kind: BookingUpdated, RowID: "b1", ObservedAt: base}
	b := DomainEvent{Kind: BookingUpdated, RowID: "b1", ObservedAt: base.Add(200 * time.Millisecond)}
	c := DomainEvent{Kind: BookingUpdated, RowID: "b1", ObservedAt: base.Add(time.Second)}

	assert.Equal(t, a.DedupKey(), b.DedupKey(), "same second must collide")
	assert.NotEqual(t, a.DedupKey(), c.DedupKey(), "next second must differ")

	d := DomainEvent{Kind: BookingCreated, RowID: "b1", ObservedAt: base}
	assert.NotEqual(t, a.DedupKey(), d.DedupKey(), "different kind must differ")
}
