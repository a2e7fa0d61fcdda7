package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fivehealth/smooch-logs/internal/types"
)

var _ types.TokenStore = (*RedisStore)(nil)

// RedisStore caches session tokens in Redis so several hosts can share one
// console login.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed token store. A zero ttl keeps
// tokens until they are deleted.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "smooch-logs:session:",
		ttl:    ttl,
	}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}

func (r *RedisStore) key(username string) string {
	return r.prefix + username
}

func (r *RedisStore) Load(ctx context.Context, username string) (string, error) {
	val, err := r.client.Get(ctx, r.key(username)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load session token: %w", err)
	}
	return val, nil
}

func (r *RedisStore) Save(ctx context.Context, username, token string) error {
	if username == "" || token == "" {
		return fmt.Errorf("session: missing username or token")
	}
	return r.client.Set(ctx, r.key(username), token, r.ttl).Err()
}

func (r *RedisStore) Delete(ctx context.Context, username string) error {
	return r.client.Del(ctx, r.key(username)).Err()
}
