package redis

import (
	"context"
	"errors"
	"slices"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/code-payments/iapkit/entitlement"
)

const DefaultKeyPrefix = "iap:entitlements:"

// markPurchased adds the product and bumps the version only when the set
// actually changed.
var markPurchased = redis.NewScript(`
if redis.call("SADD", KEYS[1], ARGV[1]) == 1 then
	return redis.call("INCR", KEYS[2])
end
return 0
`)

type store struct {
	rdb   redis.UniversalClient
	keyNS string
}

// NewInRedis returns a Store shared by every process using the same key
// prefix. Redis executes each mutation atomically, which serializes writers.
func NewInRedis(rdb redis.UniversalClient, keyPrefix string) entitlement.Store {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &store{rdb: rdb, keyNS: keyPrefix}
}

func (s *store) productsKey() string  { return s.keyNS + "products" }
func (s *store) lastErrorKey() string { return s.keyNS + "last_error" }
func (s *store) versionKey() string   { return s.keyNS + "version" }

func (s *store) reset() {
	err := s.rdb.Del(context.Background(), s.productsKey(), s.lastErrorKey(), s.versionKey()).Err()
	if err != nil {
		panic(err)
	}
}

func (s *store) MarkPurchased(ctx context.Context, productID string) error {
	if productID == "" {
		return entitlement.ErrInvalidProductID
	}
	return markPurchased.Run(ctx, s.rdb, []string{s.productsKey(), s.versionKey()}, productID).Err()
}

func (s *store) RecordError(ctx context.Context, err error) error {
	_, txErr := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if err == nil {
			pipe.Del(ctx, s.lastErrorKey())
		} else {
			pipe.Set(ctx, s.lastErrorKey(), err.Error(), 0)
		}
		pipe.Incr(ctx, s.versionKey())
		return nil
	})
	return txErr
}

func (s *store) IsPurchased(ctx context.Context, productID string) (bool, error) {
	return s.rdb.SIsMember(ctx, s.productsKey(), productID).Result()
}

func (s *store) HasAnyEntitlement(ctx context.Context) (bool, error) {
	n, err := s.rdb.SCard(ctx, s.productsKey()).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *store) Snapshot(ctx context.Context) (*entitlement.Snapshot, error) {
	var (
		members   *redis.StringSliceCmd
		lastError *redis.StringCmd
		version   *redis.StringCmd
	)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		members = pipe.SMembers(ctx, s.productsKey())
		lastError = pipe.Get(ctx, s.lastErrorKey())
		version = pipe.Get(ctx, s.versionKey())
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	ids, err := members.Result()
	if err != nil {
		return nil, err
	}
	slices.Sort(ids)

	snapshot := &entitlement.Snapshot{ProductIDs: ids}

	msg, err := lastError.Result()
	switch {
	case err == nil:
		snapshot.LastError = errors.New(msg)
	case !errors.Is(err, redis.Nil):
		return nil, err
	}

	raw, err := version.Result()
	switch {
	case err == nil:
		snapshot.Version, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, err
		}
	case !errors.Is(err, redis.Nil):
		return nil, err
	}

	return snapshot, nil
}
