package repositories

import (
	"context"

	"chatcall/internal/core/ports"
	"chatcall/internal/infrastructure/distributed"
	"chatcall/internal/infrastructure/reliability"
	"chatcall/internal/infrastructure/repositories/memory"
	redisrepo "chatcall/internal/infrastructure/repositories/redis"
	"chatcall/pkg/circuitbreaker"
	"chatcall/pkg/config"
	"chatcall/pkg/retry"
	"chatcall/pkg/utils"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory builds the signaling backends, preferring Redis and
// falling back to in-process storage when Redis is disabled or unreachable.
type RepositoryFactory struct {
	cfg         *config.Config
	useRedis    bool
	redisClient *redis.Client
	instanceID  string
	logger      *zap.SugaredLogger

	transport ports.SignalingTransport
	contacts  ports.ContactStore
	cached    *CachedContacts
}

func NewRepositoryFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		cfg:        cfg,
		useRedis:   cfg.Redis.Enabled,
		instanceID: utils.GenerateID("instance"),
		logger:     logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(ctx, redisrepo.ClientOptions{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, factory.retryConfig(), logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Infow("using Redis repositories", "instance_id", factory.instanceID)
		}
	}

	if !factory.useRedis {
		logger.Info("using memory repositories")
	}

	return factory, nil
}

// UsingRedis reports whether the Redis backends are active.
func (f *RepositoryFactory) UsingRedis() bool {
	return f.useRedis && f.redisClient != nil
}

func (f *RepositoryFactory) retryConfig() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = f.cfg.Redis.Retry.MaxAttempts
	cfg.InitialDelay = f.cfg.Redis.Retry.InitialDelay
	cfg.MaxDelay = f.cfg.Redis.Retry.MaxDelay
	return cfg
}

func (f *RepositoryFactory) breakerConfig() circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig()
	cfg.FailureThreshold = f.cfg.Redis.Breaker.FailureThreshold
	cfg.SuccessThreshold = f.cfg.Redis.Breaker.SuccessThreshold
	cfg.Timeout = f.cfg.Redis.Breaker.OpenTimeout
	return cfg
}

// CallTransport returns the shared signaling transport, wrapped with tracing
// and, for Redis, a circuit breaker.
// Every caller gets the same instance so that in-memory subscribers observe
// each other's writes.
func (f *RepositoryFactory) CallTransport() ports.SignalingTransport {
	if f.transport != nil {
		return f.transport
	}

	var base ports.SignalingTransport
	if f.UsingRedis() {
		opts := redisrepo.DefaultTransportOptions()
		opts.RecordTTL = f.cfg.Redis.RecordTTL
		bus := distributed.NewEventBus(f.redisClient, f.instanceID, f.logger)
		base = redisrepo.NewRedisCallTransport(f.redisClient, bus, opts, f.logger)
		base = reliability.NewGuardedTransport(base, f.breakerConfig(), f.logger)
	} else {
		base = memory.NewMemoryCallTransport()
	}

	f.transport = NewTracedTransport(base)
	return f.transport
}

func (f *RepositoryFactory) ContactStore() ports.ContactStore {
	if f.contacts != nil {
		return f.contacts
	}
	if f.UsingRedis() {
		var store ports.ContactStore = redisrepo.NewRedisContactDirectory(f.redisClient)
		if ttl := f.cfg.Redis.ContactCacheTTL; ttl > 0 {
			f.cached = NewCachedContacts(store, ttl)
			store = f.cached
		}
		f.contacts = store
	} else {
		f.contacts = memory.NewMemoryContactDirectory()
	}
	return f.contacts
}

// Close releases the transport and the Redis connection.
func (f *RepositoryFactory) Close() error {
	if f.cached != nil {
		f.cached.Close()
	}
	if f.transport != nil {
		// the Redis transport closes the shared client itself
		return f.transport.Close()
	}
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck checks Redis connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.transport != nil {
		return f.transport.HealthCheck(ctx)
	}
	if f.UsingRedis() {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
