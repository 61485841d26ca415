package redis

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeepAliveRenewsUntilStopped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	done := make(chan error)
	go func() {
		done <- keepAlive(ctx, time.Millisecond, func(context.Context) (bool, error) {
			calls.Add(1)
			return true, nil
		})
	}()

	require.Eventually(t, func() bool { return calls.Load() >= 5 }, time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestKeepAliveStopsWhenLeaseLost(t *testing.T) {
	var calls atomic.Int32
	err := keepAlive(context.Background(), time.Millisecond, func(context.Context) (bool, error) {
		if calls.Add(1) < 3 {
			return true, nil
		}
		return false, nil
	})
	assert.ErrorIs(t, err, errLeaseLost)
	assert.Equal(t, int32(3), calls.Load())
}

func TestKeepAliveRetriesFailedRenewal(t *testing.T) {
	var calls atomic.Int32
	err := keepAlive(context.Background(), time.Millisecond, func(context.Context) (bool, error) {
		switch calls.Add(1) {
		case 1, 2:
			return false, errors.New("connection reset")
		case 3:
			return true, nil
		}
		return false, nil
	})
	assert.ErrorIs(t, err, errLeaseLost)
	assert.Equal(t, int32(4), calls.Load())
}

func TestExtendScriptChecksToken(t *testing.T) {
	assert.Contains(t, extendLua, "ARGV[1]")
	assert.Contains(t, extendLua, "PEXPIRE")
}
