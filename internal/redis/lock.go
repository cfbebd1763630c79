package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// unlockScript deletes the key only if it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript resets the TTL only if the key still holds our token.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// ErrLockLost means the key expired or passed to another holder.
var ErrLockLost = errors.New("lock lost")

// Lock is a single-holder lock on one key. The TTL frees it if the holder dies.
type Lock struct {
	client *Client
	logger *zap.Logger
	key    string
	ttl    time.Duration
	token  string
}

// NewLock creates a lock on key. Nothing is acquired until TryLock.
func NewLock(client *Client, key string, ttl time.Duration, logger *zap.Logger) *Lock {
	return &Lock{
		client: client,
		logger: logger,
		key:    "lock:" + key,
		ttl:    ttl,
	}
}

// TryLock acquires the lock without waiting. It returns false when another
// holder has it.
func (l *Lock) TryLock(ctx context.Context) (bool, error) {
	token := uuid.NewString()
	ok, err := l.client.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		return false, nil
	}
	l.token = token
	l.logger.Debug("lock acquired", zap.String("key", l.key), zap.Duration("ttl", l.ttl))
	return true, nil
}

// Refresh extends the lease by another TTL. It returns ErrLockLost when
// the key no longer holds our token.
func (l *Lock) Refresh(ctx context.Context) error {
	if l.token == "" {
		return errors.New("lock not held")
	}
	res, err := refreshScript.Run(ctx, l.client.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis lock refresh failed: %w", err)
	}
	if res == 0 {
		return fmt.Errorf("%w: %s", ErrLockLost, l.key)
	}
	return nil
}

// Unlock releases the lock if this holder still owns it.
func (l *Lock) Unlock(ctx context.Context) error {
	if l.token == "" {
		return errors.New("lock not held")
	}
	res, err := unlockScript.Run(ctx, l.client.rdb, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("redis unlock failed: %w", err)
	}
	l.token = ""
	if res == 0 {
		l.logger.Warn("lock expired before unlock", zap.String("key", l.key))
	}
	return nil
}
