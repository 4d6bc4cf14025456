package lease

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix  = "chainsync:lease:"
	defaultTTL = 2 * time.Minute
)

// renew extends the lease only while this holder still owns it.
var renew = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// release deletes the lease only while this holder still owns it.
var release = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a single-holder lease stored as a redis key with a TTL.
type Redis struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// NewRedis connects to addr and prepares a lease for contract.
func NewRedis(ctx context.Context, addr, contract string, ttl time.Duration) (*Redis, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newRedis(client, contract, ttl)
}

func newRedis(client *redis.Client, contract string, ttl time.Duration) (*Redis, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Redis{
		client: client,
		key:    Key(contract),
		token:  token,
		ttl:    ttl,
	}, nil
}

// Key is the redis key guarding contract.
func Key(contract string) string {
	return keyPrefix + strings.ToLower(strings.TrimSpace(contract))
}

// Acquire takes the lease if it is free, or renews it if this holder owns it.
func (l *Redis) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lease setnx: %w", err)
	}
	if ok {
		return true, nil
	}
	n, err := renew.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("lease renew: %w", err)
	}
	return n == 1, nil
}

// Release gives up the lease if held and closes the connection.
func (l *Redis) Release(ctx context.Context) error {
	_, err := release.Run(ctx, l.client, []string{l.key}, l.token).Result()
	closeErr := l.client.Close()
	if err != nil {
		return fmt.Errorf("lease release: %w", err)
	}
	return closeErr
}

func newToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("lease token: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
