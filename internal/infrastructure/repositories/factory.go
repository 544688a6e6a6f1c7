package repositories

import (
	"context"

	"rillchat/internal/core/ports"
	"rillchat/internal/infrastructure/repositories/memory"
	redisrepo "rillchat/internal/infrastructure/repositories/redis"
	"rillchat/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory picks the storage backend for signal server state. Redis
// is used when enabled and reachable; otherwise state is process-local.
type RepositoryFactory struct {
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{logger: logger}
	if !cfg.Redis.Enabled {
		logger.Info("using memory repositories")
		return factory
	}

	client, err := redisrepo.Connect(ctx, redisrepo.ClientConfigFrom(cfg), logger)
	if err != nil {
		logger.Warnw("Redis unavailable, falling back to memory repositories", "error", err)
		return factory
	}
	factory.redisClient = client
	return factory
}

// CreateIdentityRegistry returns the Redis registry when connected, so several
// signal instances share one identity namespace; otherwise a process-local one.
func (f *RepositoryFactory) CreateIdentityRegistry() ports.IdentityRegistry {
	if f.redisClient != nil {
		return redisrepo.NewRedisIdentityRegistry(f.redisClient)
	}
	return memory.NewMemoryIdentityRegistry()
}

// UsingRedis reports whether the factory is backed by Redis.
func (f *RepositoryFactory) UsingRedis() bool {
	return f.redisClient != nil
}

// RedisClient returns the shared client, or nil when running on memory.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return f.redisClient.Close()
	}
	return nil
}
