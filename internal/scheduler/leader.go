package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLeadershipLost is returned by Refresh when another instance owns the
// leadership lock. The scheduler stops ticking and re-enters acquisition;
// nothing is lost because all enqueue state lives in the broker.
var ErrLeadershipLost = errors.New("scheduler leadership lost")

// Leader is the cluster-wide mutual exclusion primitive guaranteeing at most
// one active scheduler instance.
type Leader interface {
	// Acquire attempts to take leadership without blocking.
	Acquire(ctx context.Context) (bool, error)
	// Refresh extends the leadership lease; ErrLeadershipLost when the
	// lock now belongs to someone else.
	Refresh(ctx context.Context) error
	// Release gives leadership up voluntarily.
	Release(ctx context.Context) error
}

// RedisLeader implements Leader as a Redis key with a TTL: SET NX PX to
// acquire, compare-and-expire to refresh, compare-and-delete to release.
// Losing the key (crash, partition) frees leadership after the TTL.
type RedisLeader struct {
	rdb *redis.Client
	key string
	id  string
	ttl time.Duration
}

// NewRedisLeader creates a leader lock candidate with a unique instance id.
func NewRedisLeader(rdb *redis.Client, key string, ttl time.Duration) *RedisLeader {
	return &RedisLeader{
		rdb: rdb,
		key: key,
		id:  uuid.NewString(),
		ttl: ttl,
	}
}

// ID returns the candidate's instance id, for logging.
func (l *RedisLeader) ID() string { return l.id }

func (l *RedisLeader) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.id, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquiring leadership: %w", err)
	}
	return ok, nil
}

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  return 1
end
return 0
`)

func (l *RedisLeader) Refresh(ctx context.Context) error {
	ok, err := refreshScript.Run(ctx, l.rdb, []string{l.key}, l.id, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("refreshing leadership: %w", err)
	}
	if ok == 0 {
		return ErrLeadershipLost
	}
	return nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("DEL", KEYS[1])
end
return 1
`)

func (l *RedisLeader) Release(ctx context.Context) error {
	_, err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.id).Result()
	if err != nil {
		return fmt.Errorf("releasing leadership: %w", err)
	}
	return nil
}
