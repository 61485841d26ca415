package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalBusPublishSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	bus := NewSignalBus()

	msgs, err := bus.Subscribe(ctx, "market:events")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "market:events", []byte("a")))
	require.NoError(t, bus.Publish(ctx, "other", []byte("b")))

	select {
	case got := <-msgs:
		assert.Equal(t, "a", string(got))
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}

	cancel()
	select {
	case _, ok := <-msgs:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}
}

func TestSignalBusStream(t *testing.T) {
	ctx := context.Background()
	bus := NewSignalBus()

	got, err := bus.StreamRead(ctx, "s", "0", 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	for _, p := range []string{"one", "two", "three"} {
		require.NoError(t, bus.StreamAppend(ctx, "s", []byte(p)))
	}

	got, err = bus.StreamRead(ctx, "s", "0", 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "1-0", got[0].ID)

	got, err = bus.StreamRead(ctx, "s", "1-0", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "two", string(got[0].Payload))

	_, err = bus.StreamRead(ctx, "s", "latest", 0)
	assert.Error(t, err)
}

func TestRateLimiterWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter()
	rl.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		ok, err := rl.Allow(ctx, "k", 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := rl.Allow(ctx, "k", 2, time.Minute)
	assert.False(t, ok)

	ok, _ = rl.Allow(ctx, "other", 2, time.Minute)
	assert.True(t, ok)

	now = now.Add(time.Minute)
	ok, _ = rl.Allow(ctx, "k", 2, time.Minute)
	assert.True(t, ok)
}

func TestRateLimiterFixedWindowBoundary(t *testing.T) {
	ctx := context.Background()
	start := time.Unix(1_700_000_000, 0)
	now := start
	rl := NewRateLimiter()
	rl.now = func() time.Time { return now }

	ok, _ := rl.Allow(ctx, "k", 2, time.Minute)
	assert.True(t, ok)
	now = start.Add(59 * time.Second)
	ok, _ = rl.Allow(ctx, "k", 2, time.Minute)
	assert.True(t, ok)

	// The count resets with the window, so four requests pass within two
	// seconds of each other.
	now = start.Add(time.Minute)
	for i := 0; i < 2; i++ {
		ok, _ = rl.Allow(ctx, "k", 2, time.Minute)
		assert.True(t, ok)
	}
	ok, _ = rl.Allow(ctx, "k", 2, time.Minute)
	assert.False(t, ok)
}
