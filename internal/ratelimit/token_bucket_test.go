package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedisTokenBucketValidates(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()

	_, err := NewRedisTokenBucket(nil, 10, time.Minute, "")
	assert.Error(t, err)
	_, err = NewRedisTokenBucket(client, 0, time.Minute, "")
	assert.Error(t, err)
	_, err = NewRedisTokenBucket(client, 10, 0, "")
	assert.Error(t, err)

	l, err := NewRedisTokenBucket(client, 60, time.Minute, " ")
	require.NoError(t, err)
	assert.Equal(t, defaultKeyPrefix+":anonymous", l.key(""))
	assert.Equal(t, defaultKeyPrefix+":u1:/v1/rewrite", l.key(" u1:/v1/rewrite "))
	assert.InDelta(t, 0.001, l.refillPerMS, 1e-9)
}

func TestAllowNRejectsCostAboveCapacityWithoutRedis(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()

	l, err := NewRedisTokenBucket(client, 5, time.Second, "")
	require.NoError(t, err)

	d, err := l.AllowN(context.Background(), "u1", 6)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)
}

func TestParseDecision(t *testing.T) {
	d, err := parseDecision([]any{int64(1), int64(4), int64(0)})
	require.NoError(t, err)
	assert.Equal(t, Decision{Allowed: true, Remaining: 4}, d)

	d, err = parseDecision([]any{int64(0), "0", float64(250)})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 250*time.Millisecond, d.RetryAfter)

	_, err = parseDecision("nope")
	assert.True(t, errors.Is(err, ErrInvalidResponse))
	_, err = parseDecision([]any{int64(1), true, int64(0)})
	assert.True(t, errors.Is(err, ErrInvalidResponse))
}
