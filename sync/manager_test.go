package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tripdesk/tripdesk/auth"
	"github.com/tripdesk/tripdesk/feed"
	"github.com/tripdesk/tripdesk/scope"
)

var agentIdent = auth.Identity{ID: "agent-7", Role: auth.RoleAgent}

func TestOpenDerivesScopesFromRole(t *testing.T) {
	provider := feed.NewMockProvider()
	m := NewManager(provider, make(chan Inbound, 16))

	handles, err := m.Open(context.Background(), agentIdent, 1)
	require.NoError(t, err)
	require.Len(t, handles, 2)
	require.ElementsMatch(t,
		[]string{scope.NameAgentBookings, scope.NameUserNotifications},
		m.OpenScopes())

	admin := auth.Identity{ID: "admin-1", Role: auth.RoleBasicAdmin}
	m2 := NewManager(feed.NewMockProvider(), make(chan Inbound, 16))
	handles, err = m2.Open(context.Background(), admin, 1)
	require.NoError(t, err)
	require.Len(t, handles, 3)
	require.Contains(t, m2.OpenScopes(), scope.NameAllBookings)
}

func TestOpenIsAllOrNothing(t *testing.T) {
	provider := feed.NewMockProvider()
	provider.SetFailScope(scope.NameUserNotifications, errors.New("subject unavailable"))
	m := NewManager(provider, make(chan Inbound, 16))

	handles, err := m.Open(context.Background(), agentIdent, 1)
	require.Nil(t, handles)

	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	require.Equal(t, scope.NameUserNotifications, openErr.Scope)

	// The scope opened before the failure was rolled back
	require.Empty(t, provider.ActiveScopes())
	require.Equal(t, 1, provider.UnsubscribeCount(scope.NameAgentBookings))
	require.Zero(t, m.OpenCount())
}

func TestCloseAllIsIdempotent(t *testing.T) {
	provider := feed.NewMockProvider()
	m := NewManager(provider, make(chan Inbound, 16))

	handles, err := m.Open(context.Background(), agentIdent, 1)
	require.NoError(t, err)

	m.CloseAll(handles)
	m.CloseAll(handles)

	require.Equal(t, 1, provider.UnsubscribeCount(scope.NameAgentBookings))
	require.Equal(t, 1, provider.UnsubscribeCount(scope.NameUserNotifications))
	require.Zero(t, m.OpenCount())
}

func TestPumpTagsMessagesWithGeneration(t *testing.T) {
	provider := feed.NewMockProvider()
	inbox := make(chan Inbound, 16)
	m := NewManager(provider, inbox)

	_, err := m.Open(context.Background(), agentIdent, 42)
	require.NoError(t, err)

	provider.Push(scope.NameAgentBookings, feed.RawChangeMessage{
		Operation: feed.OpInsert,
		Table:     "bookings",
		NewRow:    map[string]interface{}{"id": "bk-1"},
		EmittedAt: time.Now().UnixMilli(),
	})

	select {
	case in := <-inbox:
		require.Equal(t, uint64(42), in.Gen)
		require.Equal(t, scope.NameAgentBookings, in.Scope)
		require.Equal(t, "bookings", in.Msg.Table)
	case <-time.After(time.Second):
		t.Fatal("no message pumped into the inbox")
	}
}

func TestOpenHonorsContextCancellation(t *testing.T) {
	provider := feed.NewMockProvider()
	provider.HoldSubscribe = make(chan struct{})
	m := NewManager(provider, make(chan Inbound, 16))

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := m.Open(ctx, agentIdent, 1)
		done <- err
	}()

	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		require.Empty(t, provider.ActiveScopes())
	case <-time.After(time.Second):
		t.Fatal("Open did not return after context cancellation")
	}
}
