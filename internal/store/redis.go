package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hokm-live/hokmd/internal/models"
)

const (
	roomKeyPrefix     = "hokm:room:"
	leaseKeyPrefix    = "hokm:lease:"
	instanceKeyPrefix = "hokm:instance:"
	roomsIndexKey     = "hokm:rooms"
	actionStreamKey   = "hokm:actions"

	// actionStreamMaxLen caps the audit stream so it cannot grow without
	// bound; trimming is approximate (XADD MAXLEN ~).
	actionStreamMaxLen = 100000
)

// putScript applies the optimistic-concurrency rules atomically:
// a write at the current version is a retry and succeeds as a no-op,
// current+1 commits, anything else is stale.
var putScript = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], 'version') or '0')
local v = tonumber(ARGV[1])
if v == cur then return 0 end
if v ~= cur + 1 then return -1 end
redis.call('HSET', KEYS[1], 'version', ARGV[1], 'data', ARGV[2])
redis.call('SADD', KEYS[2], ARGV[3])
return 1
`)

// acquireScript grants the lease when it is free or already ours.
var acquireScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == false or cur == ARGV[1] then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 1
end
return 0
`)

// renewScript extends the lease only while we still hold it.
var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('DEL', KEYS[1])
	return 1
end
return 0
`)

// RedisStore is the production Store backed by Redis. Snapshots live in
// per-room hashes, leases in expiring keys, and the action log in a
// capped stream.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: ping %s: %v", ErrUnavailable, addr, err)
	}
	return &RedisStore{rdb: rdb}, nil
}

// NewRedisStoreFromClient wraps an existing client. Useful for tests
// that point at a miniredis or a shared pool.
func NewRedisStoreFromClient(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) Put(ctx context.Context, code string, version uint64, snap *models.RoomSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", code, err)
	}
	res, err := putScript.Run(ctx, s.rdb,
		[]string{roomKeyPrefix + code, roomsIndexKey},
		version, data, code).Int()
	if err != nil {
		return unavailable("put", code, err)
	}
	if res == -1 {
		return ErrStaleWrite
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, code string) (*models.RoomSnapshot, error) {
	vals, err := s.rdb.HMGet(ctx, roomKeyPrefix+code, "version", "data").Result()
	if err != nil {
		return nil, unavailable("get", code, err)
	}
	if vals[0] == nil || vals[1] == nil {
		return nil, ErrNotFound
	}
	raw, ok := vals[1].(string)
	if !ok {
		return nil, fmt.Errorf("room %s: unexpected snapshot payload type %T", code, vals[1])
	}
	var snap models.RoomSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot %s: %w", code, err)
	}
	return &snap, nil
}

func (s *RedisStore) Delete(ctx context.Context, code string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, roomKeyPrefix+code, leaseKeyPrefix+code)
	pipe.SRem(ctx, roomsIndexKey, code)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("delete", code, err)
	}
	return nil
}

func (s *RedisStore) Rooms(ctx context.Context) ([]string, error) {
	codes, err := s.rdb.SMembers(ctx, roomsIndexKey).Result()
	if err != nil {
		return nil, unavailable("rooms", "", err)
	}
	return codes, nil
}

func (s *RedisStore) AcquireLease(ctx context.Context, code, instanceID string, ttl time.Duration) error {
	ok, err := acquireScript.Run(ctx, s.rdb,
		[]string{leaseKeyPrefix + code},
		instanceID, ttl.Milliseconds()).Bool()
	if err != nil {
		return unavailable("acquire lease", code, err)
	}
	if !ok {
		return ErrLeaseHeld
	}
	return nil
}

func (s *RedisStore) RenewLease(ctx context.Context, code, instanceID string, ttl time.Duration) error {
	ok, err := renewScript.Run(ctx, s.rdb,
		[]string{leaseKeyPrefix + code},
		instanceID, ttl.Milliseconds()).Bool()
	if err != nil {
		return unavailable("renew lease", code, err)
	}
	if !ok {
		return ErrLeaseHeld
	}
	return nil
}

func (s *RedisStore) ReleaseLease(ctx context.Context, code, instanceID string) error {
	if _, err := releaseScript.Run(ctx, s.rdb,
		[]string{leaseKeyPrefix + code}, instanceID).Result(); err != nil {
		return unavailable("release lease", code, err)
	}
	return nil
}

func (s *RedisStore) GetLease(ctx context.Context, code string) (*Lease, error) {
	pipe := s.rdb.Pipeline()
	getCmd := pipe.Get(ctx, leaseKeyPrefix+code)
	ttlCmd := pipe.PTTL(ctx, leaseKeyPrefix+code)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable("get lease", code, err)
	}
	holder, err := getCmd.Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get lease", code, err)
	}
	return &Lease{
		RoomCode:   code,
		InstanceID: holder,
		ExpiresAt:  time.Now().Add(ttlCmd.Val()),
	}, nil
}

func (s *RedisStore) Heartbeat(ctx context.Context, instanceID string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, instanceKeyPrefix+instanceID, "1", ttl).Err(); err != nil {
		return unavailable("heartbeat", instanceID, err)
	}
	return nil
}

func (s *RedisStore) InstanceAlive(ctx context.Context, instanceID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, instanceKeyPrefix+instanceID).Result()
	if err != nil {
		return false, unavailable("instance alive", instanceID, err)
	}
	return n > 0, nil
}

func (s *RedisStore) PublishAction(ctx context.Context, rec ActionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal action record: %w", err)
	}
	err = s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: actionStreamKey,
		MaxLen: actionStreamMaxLen,
		Approx: true,
		Values: map[string]any{"record": data},
	}).Err()
	if err != nil {
		return unavailable("publish action", rec.RoomCode, err)
	}
	return nil
}

func unavailable(op, key string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, op, key, err)
}
