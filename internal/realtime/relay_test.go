package realtime_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/partyquiz/internal/realtime"
)

func TestRedisRelay_DeliversToLocalConnections(t *testing.T) {
	ctx := context.Background()
	rc := makeRedis(t)

	// Two instances sharing one Redis.
	hub1, hub2 := newFakeHub("c1"), newFakeHub("c2")
	r1 := realtime.NewRedisRelay(realtime.RedisRelayConfig{Redis: rc, Prefix: "test", Hub: hub1})
	r2 := realtime.NewRedisRelay(realtime.RedisRelayConfig{Redis: rc, Prefix: "test", Hub: hub2})

	require.NoError(t, r1.Start(ctx))
	require.NoError(t, r2.Start(ctx))

	require.NoError(t, r1.Publish(ctx, "c2", []byte("for c2")))
	require.NoError(t, r2.Publish(ctx, "c1", []byte("for c1")))

	assert.Eventually(t, func() bool {
		return len(hub1.got("c1")) == 1 && len(hub2.got("c2")) == 1
	}, time.Second, 10*time.Millisecond)

	r1.Stop()
	r2.Stop()
	r2.Stop()

	assert.Equal(t, []string{"for c1"}, hub1.got("c1"))
	assert.Equal(t, []string{"for c2"}, hub2.got("c2"))
}

func TestLocalRelay(t *testing.T) {
	hub := newFakeHub("c1")
	r := realtime.LocalRelay{Hub: hub}

	require.NoError(t, r.Publish(context.Background(), "c1", []byte("hello")))
	require.NoError(t, r.Publish(context.Background(), "c9", []byte("nobody")))

	assert.Equal(t, []string{"hello"}, hub.got("c1"))
}

type fakeHub struct {
	mu       sync.Mutex
	local    map[string]bool
	received map[string][]string
}

func newFakeHub(conns ...string) *fakeHub {
	h := &fakeHub{local: make(map[string]bool), received: make(map[string][]string)}
	for _, c := range conns {
		h.local[c] = true
	}
	return h
}

func (h *fakeHub) Deliver(connectionID string, payload []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.local[connectionID] {
		return false
	}

	h.received[connectionID] = append(h.received[connectionID], string(payload))
	return true
}

func (h *fakeHub) got(connectionID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]string(nil), h.received[connectionID]...)
}
