package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	redis "github.com/redis/go-redis/v9"
)

// ErrLocked means another drainer owns the device queue right now.
var ErrLocked = errors.New("device queue is being drained elsewhere")

// Locker guarantees a single drainer per device, which is what keeps at most
// one request in flight for a device.
type Locker interface {
	Obtain(ctx context.Context, deviceID string, ttl time.Duration) (release func(), err error)
}

// LocalLocker serialises drains inside one process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

func (l *LocalLocker) Obtain(_ context.Context, deviceID string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[deviceID]; busy {
		return nil, ErrLocked
	}
	l.held[deviceID] = struct{}{}
	return func() {
		l.mu.Lock()
		delete(l.held, deviceID)
		l.mu.Unlock()
	}, nil
}

// RedisLocker extends the guarantee across processes sharing one queue
// database, e.g. a till and a back-office sync job.
type RedisLocker struct {
	client *redislock.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: redislock.New(client)}
}

func (l *RedisLocker) Obtain(ctx context.Context, deviceID string, ttl time.Duration) (func(), error) {
	lock, err := l.client.Obtain(ctx, fmt.Sprintf("kasirsync:drain:%s", deviceID), ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrLocked
	}
	if err != nil {
		return nil, err
	}
	return func() {
		_ = lock.Release(context.Background())
	}, nil
}
