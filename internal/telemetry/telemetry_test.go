package telemetry

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/partyquiz/internal/errors"
)

func TestMonitorRedis(t *testing.T) {
	ctx := context.Background()

	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{miniredis.RunT(t).Addr()},
	})
	t.Cleanup(func() { rc.Close() })

	require.NoError(t, MonitorRedis(rc, "test"))

	require.NoError(t, rc.Set(ctx, "k", "v", 0).Err())
	assert.ErrorIs(t, rc.Get(ctx, "missing").Err(), redis.Nil, "hooks keep the command result")

	_, err := rc.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, "s", "a")
		p.SAdd(ctx, "s", "b")
		return nil
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, rc.SCard(ctx, "s").Val())
}

func TestRecoverPanic(t *testing.T) {
	err := recoverPanic(context.Background(), "boom")
	assert.True(t, errors.Is(err, errors.CodeInternal))
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(sessionTransitions.WithLabelValues("lobby"))
	SessionTransition("lobby")
	assert.Equal(t, before+1, testutil.ToFloat64(sessionTransitions.WithLabelValues("lobby")))

	live := testutil.ToFloat64(liveConnections)
	ConnectionOpened()
	ConnectionOpened()
	ConnectionClosed()
	assert.Equal(t, live+1, testutil.ToFloat64(liveConnections))
}
