package storage

import (
	"context"
	"time"

	"IMGateway/tools/errs"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	redislib "github.com/redis/go-redis/v9"
)

// RedLocker wraps redsync so callers see a single TryLock with
// explicit wait and hold bounds. The returned func releases the lock;
// release errors are swallowed because the hold TTL bounds them anyway.
type RedLocker struct {
	rs *redsync.Redsync
}

func NewRedLocker(rdb redislib.UniversalClient) *RedLocker {
	return &RedLocker{rs: redsync.New(goredis.NewPool(rdb))}
}

// TryLock keeps retrying for up to wait, then holds the lock for at
// most hold. wait <= 0 means a single attempt. Returns errs.ErrLockBusy
// when the wait budget runs out.
func (l *RedLocker) TryLock(ctx context.Context, key string, wait, hold time.Duration) (func(), error) {
	if hold <= 0 {
		hold = 15 * time.Second
	}
	const retryDelay = 100 * time.Millisecond

	var mu *redsync.Mutex
	var err error
	if wait <= 0 {
		mu = l.rs.NewMutex(key,
			redsync.WithExpiry(hold),
			redsync.WithTries(1),
		)
		// single shot, no retry loop
		err = mu.TryLockContext(ctx)
	} else {
		mu = l.rs.NewMutex(key,
			redsync.WithExpiry(hold),
			redsync.WithTries(int(wait/retryDelay)+1),
			redsync.WithRetryDelay(retryDelay),
		)
		err = mu.LockContext(ctx)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errs.ErrLockBusy.WrapMsg("acquire timed out", "key", key)
	}
	return func() { _, _ = mu.Unlock() }, nil
}
