package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/roundengine/internal/domain"
)

// unlockLua deletes the lock only while it still carries the caller's token,
// so an expired holder never releases a lock someone else has since taken.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// LockManager implements domain.LockManager with SET NX PX and a token-checked
// Lua unlock. Settlement uses it so that only one engine instance settles a
// given instrument and round at a time.
type LockManager struct {
	c        *Client
	unlockSc *redis.Script
}

// NewLockManager creates a LockManager backed by c.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{c: c, unlockSc: redis.NewScript(unlockLua)}
}

// Acquire takes the lock for key for at most ttl. It returns domain.ErrLockHeld
// when another holder has it. The returned unlock func may be called more than
// once.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	lk := lm.c.Key("lock", key)

	ok, err := lm.c.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true

		// The caller's context may already be cancelled during shutdown.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = lm.unlockSc.Run(unlockCtx, lm.c.rdb, []string{lk}, token).Err()
	}, nil
}

// Compile-time interface check.
var _ domain.LockManager = (*LockManager)(nil)
