package broadcast_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/partyquiz/internal/broadcast"
	"github.com/victornm/partyquiz/internal/domain"
	"github.com/victornm/partyquiz/internal/errors"
	"github.com/victornm/partyquiz/internal/event"
	"github.com/victornm/partyquiz/internal/storage/memory"
)

func TestCoordinator_OnConnectionEstablished(t *testing.T) {
	f := makeFixture(t)

	err := f.co.OnConnectionEstablished(context.Background(), "conn-1")
	require.NoError(t, err)

	assert.Equal(t, []sent{{to: "conn-1", event: domain.EventNameNewConnection, args: []any{"conn-1"}}}, f.ch.direct)
}

func TestCoordinator_JoinGroup(t *testing.T) {
	type (
		inputs struct {
			principal domain.Principal
		}

		outputs struct {
			err    error
			groups map[string][]string
			sent   []sent
		}
	)

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"should add the connection to the session group and announce the player": {
			arrange: func() inputs {
				return inputs{principal: domain.Principal{Subject: "alice"}}
			},
			assert: func(t *testing.T, out outputs) {
				require.NoError(t, out.err)
				assert.Equal(t, []string{"conn-1"}, out.groups["ab12"])
				require.Len(t, out.sent, 1)
				assert.Equal(t, sent{
					to:    "ab12",
					event: domain.EventNameNewPlayer,
					args:  []any{domain.PlayerSummary{UserID: "u-alice", Name: "alice"}},
				}, out.sent[0])
			},
		},
		"should do nothing for a user outside any session": {
			arrange: func() inputs {
				return inputs{principal: domain.Principal{Subject: "bob"}}
			},
			assert: func(t *testing.T, out outputs) {
				require.NoError(t, out.err)
				assert.Empty(t, out.groups)
				assert.Empty(t, out.sent)
			},
		},
		"should reject an unknown user": {
			arrange: func() inputs {
				return inputs{principal: domain.Principal{Subject: "mallory"}}
			},
			assert: func(t *testing.T, out outputs) {
				require.Error(t, out.err)
				assert.True(t, errors.Is(out.err, errors.CodeUnauthenticated))
				assert.Empty(t, out.groups)
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in := tt.arrange()
			f := makeFixture(t)

			err := f.co.JoinGroup(context.Background(), broadcast.JoinGroupRequest{
				Principal:    in.principal,
				ConnectionID: "conn-1",
			})
			f.eb.Stop()

			tt.assert(t, outputs{err: err, groups: f.ch.groups, sent: f.ch.group})
		})
	}
}

func TestCoordinator_OnConnectionLost(t *testing.T) {
	ctx := context.Background()
	f := makeFixture(t)

	require.NoError(t, f.ch.AddToGroup(ctx, "conn-1", "ab12"))
	require.NoError(t, f.ch.AddToGroup(ctx, "conn-1", "cd34"))
	require.NoError(t, f.ch.AddToGroup(ctx, "conn-2", "ab12"))

	require.NoError(t, f.co.OnConnectionLost(ctx, "conn-1"))
	f.eb.Stop()

	assert.Equal(t, []string{"conn-2"}, f.ch.groups["ab12"])
	assert.Empty(t, f.ch.groups["cd34"])
	assert.ElementsMatch(t, []sent{
		{to: "ab12", event: domain.EventNamePlayerLeft, args: []any{"conn-1"}},
		{to: "cd34", event: domain.EventNamePlayerLeft, args: []any{"conn-1"}},
	}, f.ch.group)
}

func TestCoordinator_DispatchKeepsGroupOrder(t *testing.T) {
	f := makeFixture(t)

	for i := 0; i < 100; i++ {
		f.co.Dispatch(context.Background(), domain.NewBroadcast("ab12", domain.EventNameNextRound, i))
	}
	f.co.Dispatch(context.Background(), nil)
	f.eb.Stop()

	require.Len(t, f.ch.group, 100)
	for i, s := range f.ch.group {
		assert.Equal(t, []any{i}, s.args)
	}
}

func TestCoordinator_DispatchDoesNotWaitForDelivery(t *testing.T) {
	f := makeFixture(t)
	f.ch.delay = 50 * time.Millisecond

	start := time.Now()
	f.co.Dispatch(context.Background(), domain.NewBroadcast("ab12", domain.EventNameEndSession, "end"))
	assert.Less(t, time.Since(start), f.ch.delay)

	f.eb.Stop()
	assert.Len(t, f.ch.group, 1)
}

type fixture struct {
	eb *event.Bus
	ch *fakeChannel
	co *broadcast.Coordinator
}

func makeFixture(t *testing.T) *fixture {
	t.Helper()

	ctx := context.Background()

	sessions := memory.NewSessionStore()
	require.NoError(t, sessions.Save(ctx, &domain.Session{
		SessionID: "s1",
		Code:      "ab12",
		Status:    domain.StatusLobby,
		HostID:    "u-alice",
	}))

	members := memory.NewDirectory(
		domain.Member{UserID: "u-alice", Name: "alice", SessionID: "s1"},
		domain.Member{UserID: "u-bob", Name: "bob"},
	)

	f := &fixture{
		eb: event.NewBus(),
		ch: newFakeChannel(),
	}

	f.co = broadcast.NewCoordinator(broadcast.Config{
		EventBus: f.eb,
		Channel:  f.ch,
		Members:  members,
		Sessions: sessions,
	})

	return f
}

type sent struct {
	to    string
	event string
	args  []any
}

type fakeChannel struct {
	mu     sync.Mutex
	delay  time.Duration
	groups map[string][]string
	group  []sent
	direct []sent
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{groups: make(map[string][]string)}
}

func (c *fakeChannel) SendToGroup(_ context.Context, group, event string, args ...any) error {
	time.Sleep(c.delay)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.group = append(c.group, sent{to: group, event: event, args: args})
	return nil
}

func (c *fakeChannel) SendToConnection(_ context.Context, connectionID, event string, args ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.direct = append(c.direct, sent{to: connectionID, event: event, args: args})
	return nil
}

func (c *fakeChannel) AddToGroup(_ context.Context, connectionID, group string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.groups[group] = append(c.groups[group], connectionID)
	return nil
}

func (c *fakeChannel) RemoveFromAllGroups(_ context.Context, connectionID string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var left []string
	for g, conns := range c.groups {
		kept := conns[:0]
		for _, id := range conns {
			if id == connectionID {
				left = append(left, g)
				continue
			}
			kept = append(kept, id)
		}
		c.groups[g] = kept
	}

	return left, nil
}
