package redis

import (
	"context"
	"fmt"
	"time"

	"rillchat/internal/core/domain"
	"rillchat/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// Deletes or extends a key only while it still holds the caller's owner token.
var (
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		end
		return 0
	`)
	refreshScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		end
		return 0
	`)
)

// RedisIdentityRegistry shares identity claims between signal server instances.
type RedisIdentityRegistry struct {
	client *redis.Client
	prefix string
}

func NewRedisIdentityRegistry(client *redis.Client) ports.IdentityRegistry {
	return &RedisIdentityRegistry{
		client: client,
		prefix: "rillchat:identity:",
	}
}

func (r *RedisIdentityRegistry) key(id domain.PeerID) string {
	return r.prefix + string(id)
}

func (r *RedisIdentityRegistry) Claim(ctx context.Context, id domain.PeerID, owner string, ttl time.Duration) error {
	key := r.key(id)
	acquired, err := r.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to claim identity in Redis: %w", err)
	}
	if acquired {
		return nil
	}

	current, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		// expired between SETNX and GET
		return r.Claim(ctx, id, owner, ttl)
	}
	if err != nil {
		return fmt.Errorf("failed to read identity owner: %w", err)
	}
	if current != owner {
		return fmt.Errorf("%w: %s", domain.ErrIdentityTaken, id)
	}
	return r.Refresh(ctx, id, owner, ttl)
}

func (r *RedisIdentityRegistry) Refresh(ctx context.Context, id domain.PeerID, owner string, ttl time.Duration) error {
	res, err := refreshScript.Run(ctx, r.client, []string{r.key(id)}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to refresh identity: %w", err)
	}
	if res == 0 {
		return fmt.Errorf("%w: %s is not held by %s", domain.ErrPeerNotFound, id, owner)
	}
	return nil
}

func (r *RedisIdentityRegistry) Release(ctx context.Context, id domain.PeerID, owner string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.key(id)}, owner).Err(); err != nil {
		return fmt.Errorf("failed to release identity: %w", err)
	}
	return nil
}

func (r *RedisIdentityRegistry) IsBound(ctx context.Context, id domain.PeerID) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check identity: %w", err)
	}
	return n > 0, nil
}
