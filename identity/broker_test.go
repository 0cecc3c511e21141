package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerTransitions(t *testing.T) {
	b := NewBroker(Session{})
	var events []Event
	unsubscribe := b.Subscribe(func(e Event) {
		// The held session has already changed when subscribers run.
		current, err := b.CurrentSession(context.Background())
		require.NoError(t, err)
		assert.Equal(t, e.Session, current)
		events = append(events, e)
	})

	b.SignIn(Identity{ID: "alice", Email: "alice@example.com"}, "t1")
	b.RefreshToken("t2")
	b.SignOut()
	b.RefreshToken("ignored")

	require.Len(t, events, 3)
	assert.Equal(t, SignedIn, events[0].Type)
	assert.Equal(t, "alice", events[0].Session.Identity.ID)
	assert.True(t, events[0].Session.Authenticated())
	assert.Equal(t, TokenRefreshed, events[1].Type)
	assert.Equal(t, "t2", events[1].Session.Token)
	assert.Equal(t, SignedOut, events[2].Type)
	assert.False(t, events[2].Session.Authenticated())

	unsubscribe()
	unsubscribe()
	b.SignIn(Identity{ID: "bob"}, "t3")
	assert.Len(t, events, 3)
}

func TestBrokerSignInCopiesIdentity(t *testing.T) {
	b := NewBroker(Session{})
	id := Identity{ID: "alice"}
	b.SignIn(id, "t")
	id.ID = "mallory"
	assert.Equal(t, "alice", b.Session().Identity.ID)
}

func TestBrokerReader(t *testing.T) {
	boom := errors.New("provider down")
	calls := 0
	b := NewBroker(Session{}, WithReader(func(context.Context) (Session, error) {
		calls++
		if calls == 1 {
			return Session{}, boom
		}
		return Session{Identity: &Identity{ID: "alice"}, Token: "t"}, nil
	}))

	_, err := b.CurrentSession(context.Background())
	require.ErrorIs(t, err, boom)

	s, err := b.CurrentSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alice", s.Identity.ID)
	assert.Equal(t, "alice", b.Session().Identity.ID)
}

func TestBrokerCurrentSessionHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewBroker(Session{}).CurrentSession(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
