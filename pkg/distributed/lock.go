package distributed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrLockTimeout = errors.New("lock acquisition timeout")
	ErrLockNotHeld = errors.New("lock was not held by this holder")
)

const defaultLockWait = 30 * time.Second

// releaseScript deletes the key only when it still carries our token.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

// DistributedLock is a SET NX lease in Redis that is renewed at half its TTL
// while held.
type DistributedLock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration

	mu        sync.Mutex
	stopRenew chan struct{}
}

func NewDistributedLock(client *redis.Client, key string, ttl time.Duration) *DistributedLock {
	return &DistributedLock{
		client: client,
		key:    key,
		token:  newToken(),
		ttl:    ttl,
	}
}

func newToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func (l *DistributedLock) Key() string {
	return l.key
}

// Lock blocks until the lock is acquired, ctx is done or wait elapses. A zero
// wait uses a 30 second default.
func (l *DistributedLock) Lock(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		wait = defaultLockWait
	}
	deadline := time.Now().Add(wait)

	for {
		acquired, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if acquired {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrLockTimeout, l.key)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	acquired, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		return false, nil
	}

	l.mu.Lock()
	l.stopRenew = make(chan struct{})
	stop := l.stopRenew
	l.mu.Unlock()

	go l.renew(stop)
	return true, nil
}

// Unlock releases the lock if this holder still owns it.
func (l *DistributedLock) Unlock(ctx context.Context) error {
	l.mu.Lock()
	if l.stopRenew != nil {
		close(l.stopRenew)
		l.stopRenew = nil
	}
	l.mu.Unlock()

	released, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("failed to unlock: %w", err)
	}
	if released == 0 {
		return ErrLockNotHeld
	}
	return nil
}

func (l *DistributedLock) renew(stop <-chan struct{}) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/2)
			current, err := l.client.Get(ctx, l.key).Result()
			if err != nil || current != l.token {
				cancel()
				return
			}
			l.client.Expire(ctx, l.key, l.ttl)
			cancel()
		}
	}
}

// LockManager hands out locks under a common key prefix.
type LockManager struct {
	client *redis.Client
	prefix string
}

func NewLockManager(client *redis.Client, prefix string) *LockManager {
	return &LockManager{
		client: client,
		prefix: prefix,
	}
}

func (lm *LockManager) NewLock(name string, ttl time.Duration) *DistributedLock {
	return NewDistributedLock(lm.client, lm.prefix+name, ttl)
}
