package stats

import (
	"context"
	"time"

	"github.com/bsm/redislock"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultRedisKeyPrefix = "splitedge:stats"

	deviceLockTTL = 5 * time.Second
)

// RedisStore keeps each column as a JSON object string so several edge
// processes can share one table. Device-time merges are serialised across
// processes with a redis lock.
type RedisStore struct {
	client redis.UniversalClient
	locker *redislock.Client
	prefix string
}

// NewRedisStore creates a RedisStore; an empty prefix uses DefaultRedisKeyPrefix
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	return &RedisStore{
		client: client,
		locker: redislock.New(client),
		prefix: prefix,
	}
}

func (s *RedisStore) lockKey() string   { return s.prefix + ":device:lock" }
func (s *RedisStore) deviceKey() string { return s.prefix + ":device" }
func (s *RedisStore) edgeKey() string   { return s.prefix + ":edge" }
func (s *RedisStore) sizesKey() string  { return s.prefix + ":sizes" }

// Load reads the three columns
func (s *RedisStore) Load(ctx context.Context) (*Table, error) {
	device, err := s.get(ctx, s.deviceKey())
	if err != nil {
		return nil, err
	}
	edge, err := s.get(ctx, s.edgeKey())
	if err != nil {
		return nil, err
	}
	sizes, err := s.get(ctx, s.sizesKey())
	if err != nil {
		return nil, err
	}
	return &Table{Sizes: sizes, DeviceTimes: device, EdgeTimes: edge}, nil
}

// MergeDeviceTimes reloads the device column, merges times and writes it
// back while holding the table lock
func (s *RedisStore) MergeDeviceTimes(ctx context.Context, times []float64) (*Column, error) {
	lock, err := s.locker.Obtain(ctx, s.lockKey(), deviceLockTTL, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(lockRetryInterval),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to lock stats table")
	}
	defer lock.Release(context.Background())

	col, err := s.get(ctx, s.deviceKey())
	if err != nil {
		return nil, err
	}
	col.Merge(times)
	if err := s.set(ctx, s.deviceKey(), col); err != nil {
		return nil, err
	}
	return col, nil
}

// Save writes every column in one transaction
func (s *RedisStore) Save(ctx context.Context, table *Table) error {
	device, err := EncodeColumn(table.DeviceTimes)
	if err != nil {
		return err
	}
	edge, err := EncodeColumn(table.EdgeTimes)
	if err != nil {
		return err
	}
	sizes, err := EncodeColumn(table.Sizes)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.deviceKey(), device, 0)
		pipe.Set(ctx, s.edgeKey(), edge, 0)
		pipe.Set(ctx, s.sizesKey(), sizes, 0)
		return nil
	})
	return errors.Wrap(err, "failed to save stats table")
}

// Exists reports whether a table has been stored under the prefix
func (s *RedisStore) Exists(ctx context.Context) (bool, error) {
	n, err := s.client.Exists(ctx, s.deviceKey(), s.edgeKey(), s.sizesKey()).Result()
	if err != nil {
		return false, errors.Wrap(err, "failed to check stats keys")
	}
	return n == 3, nil
}

func (s *RedisStore) get(ctx context.Context, key string) (*Column, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read stats key %s", key)
	}
	col, err := DecodeColumn(data)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse stats key %s", key)
	}
	return col, nil
}

func (s *RedisStore) set(ctx context.Context, key string, col *Column) error {
	data, err := EncodeColumn(col)
	if err != nil {
		return err
	}
	return errors.Wrapf(s.client.Set(ctx, key, data, 0).Err(), "failed to write stats key %s", key)
}
