package redis

import (
	"context"
	"fmt"
	"time"

	"chatcall/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type ClientOptions struct {
	Address  string
	Password string
	DB       int
	PoolSize int
}

// NewRedisClient connects with backoff, then brings the schema up to date.
func NewRedisClient(ctx context.Context, opts ClientOptions, retryCfg retry.Config, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Address,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		// candidate subscriptions hold a connection in XREAD BLOCK
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	attempt := 0
	err := retry.Retry(ctx, retryCfg, func() error {
		attempt++
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		err := client.Ping(pingCtx).Err()
		if err != nil && logger != nil {
			logger.Warnw("redis ping failed",
				"address", opts.Address,
				"attempt", attempt,
				"error", err,
			)
		}
		return err
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if err := Migrate(ctx, client, logger); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if logger != nil {
		logger.Infow("connected to Redis",
			"address", opts.Address,
			"db", opts.DB,
			"pool_size", opts.PoolSize,
		)
	}
	return client, nil
}

func CloseRedisClient(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
