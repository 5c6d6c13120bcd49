package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hanko-field/checkout/internal/platform/config"
)

const (
	defaultRedisPrefix = "idem:"
	maxWatchRetries    = 5
)

// RedisStore implements Store on Redis. Records expire through key TTLs, so CleanupExpired has
// nothing to do. Compare-and-set updates use WATCH/MULTI on the single key.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisClient opens a client for the configured address.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewRedisStore wraps client. An empty prefix uses "idem:".
func NewRedisStore(client redis.UniversalClient, prefix string) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("idempotency: redis client is required")
	}
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

// Reserve implements Store.
func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	ttl = normaliseTTL(ttl)
	k := s.redisKey(key)

	rec := pendingRecord(key, fingerprint, now, ttl)
	payload, err := json.Marshal(rec)
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: encode record: %w", err)
	}

	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		created, err := s.client.SetNX(ctx, k, payload, ttl).Result()
		if err != nil {
			return Reservation{}, fmt.Errorf("idempotency: reserve: %w", err)
		}
		if created {
			return Reservation{State: ReservationStateNew, Record: rec}, nil
		}
		existing, found, err := s.load(ctx, s.client, k)
		if err != nil {
			return Reservation{}, err
		}
		if !found {
			// Expired between SETNX and GET.
			continue
		}
		return classify(existing, fingerprint)
	}
	return Reservation{}, errors.New("idempotency: reserve contention")
}

// SaveResponse implements Store.
func (s *RedisStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	ttl = normaliseTTL(ttl)
	k := s.redisKey(key)

	return s.watch(ctx, k, func(tx *redis.Tx) error {
		current, found, err := s.load(ctx, tx, k)
		if err != nil {
			return err
		}
		if found && current.Fingerprint != fingerprint {
			return ErrFingerprintMismatch
		}
		payload, err := json.Marshal(complete(current, key, fingerprint, resp, now, ttl))
		if err != nil {
			return fmt.Errorf("idempotency: encode record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, payload, ttl)
			return nil
		})
		return err
	})
}

// Release implements Store. A record held by another fingerprint is left alone.
func (s *RedisStore) Release(ctx context.Context, key, fingerprint string) error {
	k := s.redisKey(key)
	return s.watch(ctx, k, func(tx *redis.Tx) error {
		current, found, err := s.load(ctx, tx, k)
		if err != nil || !found || current.Fingerprint != fingerprint {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, k)
			return nil
		})
		return err
	})
}

// CleanupExpired implements Store. Redis evicts expired keys on its own.
func (s *RedisStore) CleanupExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

// Ping reports whether Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) redisKey(key string) string {
	return s.prefix + storageKey(key)
}

func (s *RedisStore) watch(ctx context.Context, k string, fn func(*redis.Tx) error) error {
	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err := s.client.Watch(ctx, fn, k)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, ErrFingerprintMismatch) {
			return fmt.Errorf("idempotency: redis: %w", err)
		}
		return err
	}
	return errors.New("idempotency: redis contention")
}

func (s *RedisStore) load(ctx context.Context, cmd getter, k string) (Record, bool, error) {
	raw, err := cmd.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("idempotency: load: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, fmt.Errorf("idempotency: decode record: %w", err)
	}
	return rec, true, nil
}
