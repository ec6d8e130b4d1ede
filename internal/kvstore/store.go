// Package kvstore is the Key-Value Store Abstraction (hashes, lists, sorted
// sets, string values with TTL, atomic INCR/DECR, SETNX-based locks) that
// every other component in the orchestration core builds on, plus the
// Reservation Service layered on top of its lock primitives.
package kvstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the generic keyed-storage interface. All other stateful
// components (Node Occupation Map, Shuttle State Cache, Path Cache, Row
// Direction Manager, Staging Pipeline, Scheduler Worker, Dispatcher) depend
// on this interface rather than on Redis directly.
type Store interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Del(ctx context.Context, keys ...string) error
	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	ScanKeys(ctx context.Context, pattern string) ([]string, error)

	LPush(ctx context.Context, key, value string) error
	RPush(ctx context.Context, key, value string) error
	LPop(ctx context.Context, key string) (value string, found bool, err error)
	RPop(ctx context.Context, key string) (value string, found bool, err error)
	LLen(ctx context.Context, key string) (int64, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZPopMin(ctx context.Context, key string) (member string, score float64, found bool, err error)
	ZRem(ctx context.Context, key string, member string) error
	ZCard(ctx context.Context, key string) (int64, error)

	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	SAdd(ctx context.Context, key string, member string) error
	SRem(ctx context.Context, key string, member string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	// AcquireLock atomically sets key=ownerID with TTL if unset, or refreshes
	// the TTL if already held by ownerID (re-acquisition is idempotent).
	AcquireLock(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error)
	// RenewLock extends a lock's TTL if held by ownerID.
	RenewLock(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error)
	// ReleaseLock deletes the lock only if held by ownerID.
	ReleaseLock(ctx context.Context, key, ownerID string) error
	// GetLockOwner returns the current owner, or "" if unheld.
	GetLockOwner(ctx context.Context, key string) (string, error)
}

// RedisStore implements Store over go-redis, preloading the atomic lock
// scripts at construction so their text never travels the wire per call.
type RedisStore struct {
	client *redis.Client

	acquireLockSHA string
	renewLockSHA   string
	releaseLockSHA string
}

const acquireLockScript = `
local existing = redis.call("get", KEYS[1])
if not existing then
	redis.call("set", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
elseif existing == ARGV[1] then
	redis.call("pexpire", KEYS[1], ARGV[2])
	return 1
else
	return 0
end
`

const renewLockScript = `
local val = redis.call("get", KEYS[1])
if not val then
	return -1
end
if val == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return -2
end
`

const releaseLockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// NewRedisStore dials addr, verifies reachability, and preloads the lock
// scripts.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, err
	}

	return newRedisStoreFromClient(ctx, client)
}

// NewRedisStoreFromClient wraps an already-configured client (used by tests
// against miniredis).
func NewRedisStoreFromClient(ctx context.Context, client *redis.Client) (*RedisStore, error) {
	return newRedisStoreFromClient(ctx, client)
}

func newRedisStoreFromClient(ctx context.Context, client *redis.Client) (*RedisStore, error) {
	acquireSHA, err := client.ScriptLoad(ctx, acquireLockScript).Result()
	if err != nil {
		return nil, errors.New("failed to preload acquire-lock script: " + err.Error())
	}
	renewSHA, err := client.ScriptLoad(ctx, renewLockScript).Result()
	if err != nil {
		return nil, errors.New("failed to preload renew-lock script: " + err.Error())
	}
	releaseSHA, err := client.ScriptLoad(ctx, releaseLockScript).Result()
	if err != nil {
		return nil, errors.New("failed to preload release-lock script: " + err.Error())
	}

	return &RedisStore{
		client:         client,
		acquireLockSHA: acquireSHA,
		renewLockSHA:   renewSHA,
		releaseLockSHA: releaseSHA,
	}, nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, key).Result()
}

func (s *RedisStore) Decr(ctx context.Context, key string) (int64, error) {
	return s.client.Decr(ctx, key).Result()
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}

func (s *RedisStore) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

func (s *RedisStore) LPush(ctx context.Context, key, value string) error {
	return s.client.LPush(ctx, key, value).Err()
}

func (s *RedisStore) RPush(ctx context.Context, key, value string) error {
	return s.client.RPush(ctx, key, value).Err()
}

func (s *RedisStore) LPop(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.LPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisStore) RPop(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.RPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisStore) LLen(ctx context.Context, key string) (int64, error) {
	return s.client.LLen(ctx, key).Result()
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (s *RedisStore) ZPopMin(ctx context.Context, key string) (string, float64, bool, error) {
	res, err := s.client.ZPopMin(ctx, key, 1).Result()
	if err != nil {
		return "", 0, false, err
	}
	if len(res) == 0 {
		return "", 0, false, nil
	}
	member, _ := res[0].Member.(string)
	return member, res[0].Score, true, nil
}

func (s *RedisStore) ZRem(ctx context.Context, key string, member string) error {
	return s.client.ZRem(ctx, key, member).Err()
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	return s.client.ZCard(ctx, key).Result()
}

func (s *RedisStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return s.client.HSet(ctx, key, args...).Err()
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.client.HGetAll(ctx, key).Result()
}

func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return s.client.HDel(ctx, key, fields...).Err()
}

func (s *RedisStore) SAdd(ctx context.Context, key string, member string) error {
	return s.client.SAdd(ctx, key, member).Err()
}

func (s *RedisStore) SRem(ctx context.Context, key string, member string) error {
	return s.client.SRem(ctx, key, member).Err()
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.client.SMembers(ctx, key).Result()
}

func (s *RedisStore) AcquireLock(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	res, err := s.client.EvalSha(ctx, s.acquireLockSHA, []string{key}, ownerID, int64(ttl/time.Millisecond)).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

func (s *RedisStore) RenewLock(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	res, err := s.client.EvalSha(ctx, s.renewLockSHA, []string{key}, ownerID, int64(ttl/time.Millisecond)).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

func (s *RedisStore) ReleaseLock(ctx context.Context, key, ownerID string) error {
	_, err := s.client.EvalSha(ctx, s.releaseLockSHA, []string{key}, ownerID).Result()
	return err
}

func (s *RedisStore) GetLockOwner(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}
