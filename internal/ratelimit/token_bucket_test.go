package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeDecision(t *testing.T) {
	d, err := decodeDecision([]any{int64(1), int64(4), int64(0)})
	require.NoError(t, err)
	assert.Equal(t, Decision{Allowed: true, Remaining: 4}, d)

	d, err = decodeDecision([]any{int64(0), "0", int64(1500)})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 1500*time.Millisecond, d.RetryAfter)

	_, err = decodeDecision([]any{int64(1)})
	require.Error(t, err)
	_, err = decodeDecision([]any{int64(1), true, int64(0)})
	require.Error(t, err)
}

func TestNewRedisTokenBucketValidates(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()

	_, err := NewRedisTokenBucket(nil, 10, time.Minute, "")
	require.Error(t, err)
	_, err = NewRedisTokenBucket(client, 0, time.Minute, "")
	require.Error(t, err)
	_, err = NewRedisTokenBucket(client, 10, 0, "")
	require.Error(t, err)

	l, err := NewRedisTokenBucket(client, 10, time.Second, "")
	require.NoError(t, err)
	assert.Equal(t, "pixelfit:ratelimit", l.keyPrefix)
	assert.InDelta(t, 0.01, l.refillPerMS, 1e-12)

	_, err = l.AllowN(context.Background(), "u", 11)
	require.ErrorContains(t, err, "exceeds bucket capacity")
}
