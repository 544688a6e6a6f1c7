package redis

import (
	"context"
	"fmt"
	"time"

	"rillchat/pkg/config"
	"rillchat/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ClientConfig holds the connection settings shared by the identity
// registry and the signal bus.
type ClientConfig struct {
	Address     string
	Password    string
	DB          int
	PoolSize    int
	DialTimeout time.Duration
	IOTimeout   time.Duration
	PingRetry   retry.Config
}

func ClientConfigFrom(cfg *config.Config) ClientConfig {
	return ClientConfig{
		Address:     cfg.Redis.Address,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		PoolSize:    cfg.Redis.PoolSize,
		DialTimeout: 5 * time.Second,
		IOTimeout:   3 * time.Second,
		PingRetry: retry.Config{
			Enabled:      true,
			MaxAttempts:  2,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		},
	}
}

// Connect opens a pooled client and verifies it with PING, retrying per
// cc.PingRetry. The client is closed again if the server never answers.
func Connect(ctx context.Context, cc ClientConfig, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cc.Address,
		Password:     cc.Password,
		DB:           cc.DB,
		PoolSize:     cc.PoolSize,
		DialTimeout:  cc.DialTimeout,
		ReadTimeout:  cc.IOTimeout,
		WriteTimeout: cc.IOTimeout,
	})

	err := retry.Retry(ctx, cc.PingRetry, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, cc.DialTimeout)
		defer cancel()
		return client.Ping(pingCtx).Err()
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cc.Address, err)
	}

	if logger != nil {
		logger.Infow("connected to Redis", "address", cc.Address, "db", cc.DB, "pool_size", cc.PoolSize)
	}
	return client, nil
}
