package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"formbot/internal/domain"
)

const defaultRedisPrefix = "formbot:session:"

// RedisStore keeps each session as one sonic-encoded JSON string. Writes run
// under WATCH so a concurrent writer aborts the transaction. Non-terminal
// sessions are indexed in a sorted set scored by their last update for the
// expiry sweep.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix is the key prefix for all session keys (default: "formbot:session:").
	Prefix string
	// TTL is the key expiry; non-positive selects the 30 day default.
	TTL time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("repository: redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("repository: redis ping failed: %w", err)
	}
	return NewRedisStoreFromClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisStore) sessionKey(id string) string { return r.prefix + "state:" + id }

func (r *RedisStore) activeKey() string { return r.prefix + "active" }

// Close releases the connection pool.
func (r *RedisStore) Close() error { return r.client.Close() }

func (r *RedisStore) Load(ctx context.Context, id string) (*domain.Session, error) {
	s, err := r.get(ctx, r.client, id)
	if err != nil {
		return nil, fmt.Errorf("repository: Load: %w", err)
	}
	return s, nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *RedisStore) get(ctx context.Context, c getter, id string) (*domain.Session, error) {
	data, err := c.Get(ctx, r.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	var s domain.Session
	if err := sonic.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

func (r *RedisStore) Save(ctx context.Context, s *domain.Session, expectedVersion int64) error {
	if s == nil || s.ID == "" {
		return errors.New("repository: Save: session ID is required")
	}
	next := *s
	next.Version = expectedVersion + 1
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		return r.write(ctx, tx, &next, expectedVersion)
	}, r.sessionKey(s.ID))
	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			err = domain.ErrVersionConflict
		}
		if errors.Is(err, domain.ErrVersionConflict) {
			return fmt.Errorf("repository: Save %s at version %d: %w", s.ID, expectedVersion, err)
		}
		return fmt.Errorf("repository: Save: %w", err)
	}
	s.Version = next.Version
	return nil
}

// write stores next inside a watched transaction if the stored version is
// still expected.
func (r *RedisStore) write(ctx context.Context, tx *redis.Tx, next *domain.Session, expected int64) error {
	current, err := r.get(ctx, tx, next.ID)
	if err != nil {
		return err
	}
	var stored int64
	if current != nil {
		stored = current.Version
	}
	if stored != expected {
		return domain.ErrVersionConflict
	}
	payload, err := sonic.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.sessionKey(next.ID), payload, r.ttl)
		if next.State.Terminal() {
			pipe.ZRem(ctx, r.activeKey(), next.ID)
		} else {
			pipe.ZAdd(ctx, r.activeKey(), redis.Z{Score: float64(next.UpdatedAt.Unix()), Member: next.ID})
		}
		return nil
	})
	return err
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.sessionKey(id))
	pipe.ZRem(ctx, r.activeKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("repository: Delete: %w", err)
	}
	return nil
}

// AbandonExpired moves every non-terminal session last updated before cutoff
// to abandoned and marks it timed out. Sessions touched concurrently are skipped.
func (r *RedisStore) AbandonExpired(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := r.client.ZRangeByScore(ctx, r.activeKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.Unix(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("repository: AbandonExpired scan: %w", err)
	}
	n := 0
	for _, id := range ids {
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			s, err := r.get(ctx, tx, id)
			if err != nil {
				return err
			}
			if s == nil {
				return tx.ZRem(ctx, r.activeKey(), id).Err()
			}
			if s.State.Terminal() || !s.UpdatedAt.Before(cutoff) {
				return errSkip
			}
			expected := s.Version
			s.Expire(time.Now().UTC())
			s.Version = expected + 1
			if err := r.write(ctx, tx, s, expected); err != nil {
				return err
			}
			n++
			return nil
		}, r.sessionKey(id))
		switch {
		case err == nil, errors.Is(err, errSkip), errors.Is(err, redis.TxFailedErr), errors.Is(err, domain.ErrVersionConflict):
		default:
			return n, fmt.Errorf("repository: AbandonExpired %s: %w", id, err)
		}
	}
	return n, nil
}

var errSkip = errors.New("skip")
