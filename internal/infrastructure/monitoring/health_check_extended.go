package monitoring

import (
	"context"
	"fmt"
	"time"

	"rillchat/internal/core/domain"
	"rillchat/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const probeIdentity domain.PeerID = "rillchat-health-probe"

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, timeout)
}

// AddIdentityRegistryCheck verifies the registry answers lookups.
func (h *HealthChecker) AddIdentityRegistryCheck(registry ports.IdentityRegistry, timeout time.Duration) {
	h.AddCheck("identity_registry", func(ctx context.Context) error {
		if _, err := registry.IsBound(ctx, probeIdentity); err != nil {
			return fmt.Errorf("identity registry lookup: %w", err)
		}
		return nil
	}, timeout)
}
