package redis

import (
	"context"
	"fmt"
	"time"

	"chatcall/internal/core/domain"
	"chatcall/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	schemaVersionKey     = keyPrefix + "schema:version"
	migrationLockName    = "migrate"
	currentSchemaVersion = 2
)

type Migration struct {
	Version     int
	Description string
	Up          func(ctx context.Context, client *redis.Client) error
}

// Migrate runs pending migrations while holding a cluster-wide lock so that
// instances starting together do not race.
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	lock := distributed.NewLockManager(client, keyPrefix+"lock:").NewLock(migrationLockName, 30*time.Second)
	if err := lock.Lock(ctx, time.Minute); err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	defer func() {
		if err := lock.Unlock(context.Background()); err != nil && logger != nil {
			logger.Warnw("failed to release migration lock", "error", err)
		}
	}()

	currentVersion, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}
	if currentVersion >= currentSchemaVersion {
		if logger != nil {
			logger.Infow("schema is up to date",
				"current_version", currentVersion,
				"target_version", currentSchemaVersion,
			)
		}
		return nil
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if logger != nil {
			logger.Infow("running migration",
				"version", migration.Version,
				"description", migration.Description,
			)
		}
		if err := migration.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := setSchemaVersion(ctx, client, migration.Version); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	if logger != nil {
		logger.Infow("all migrations completed",
			"final_version", currentSchemaVersion,
		)
	}
	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func setSchemaVersion(ctx context.Context, client *redis.Client, version int) error {
	return client.Set(ctx, schemaVersionKey, version, 0).Err()
}

func getMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "baseline call key layout",
			// keys are created lazily, so the baseline only records the version
			Up: func(ctx context.Context, client *redis.Client) error {
				return nil
			},
		},
		{
			Version:     2,
			Description: "drop history entries whose call record expired",
			Up:          pruneHistoryIndexes,
		},
	}
}

// pruneHistoryIndexes removes ids from every per-user history index whose
// call record no longer exists.
func pruneHistoryIndexes(ctx context.Context, client *redis.Client) error {
	iter := client.Scan(ctx, 0, keyPrefix+"user:*:calls", 100).Iterator()
	for iter.Next(ctx) {
		indexKey := iter.Val()
		ids, err := client.ZRange(ctx, indexKey, 0, -1).Result()
		if err != nil {
			return err
		}
		for _, id := range ids {
			exists, err := client.Exists(ctx, callKey(domain.CallID(id))).Result()
			if err != nil {
				return err
			}
			if exists == 0 {
				if err := client.ZRem(ctx, indexKey, id).Err(); err != nil {
					return err
				}
			}
		}
	}
	return iter.Err()
}
