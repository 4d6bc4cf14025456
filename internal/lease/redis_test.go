package lease

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestKeyNormalizesContract(t *testing.T) {
	require.Equal(t,
		"chainsync:lease:0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48",
		Key(" 0xA0b86991c6218b36c1d19d4a2e9eb0ce3606eb48 "))
}

func TestNewRedisRequiresAddress(t *testing.T) {
	_, err := NewRedis(context.Background(), "", "0xabc", time.Minute)
	require.Error(t, err)
}

func TestHoldersGetDistinctTokens(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	a, err := newRedis(client, "0xabc", 0)
	require.NoError(t, err)
	b, err := newRedis(client, "0xabc", time.Second)
	require.NoError(t, err)

	require.Equal(t, a.key, b.key)
	require.NotEqual(t, a.token, b.token)
	require.Equal(t, defaultTTL, a.ttl)
	require.Equal(t, time.Second, b.ttl)
}
