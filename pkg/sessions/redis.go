package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisStore keeps each session as a JSON string key with a TTL, plus a
// sorted set indexing ids by start time.
type redisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func newRedisStore(c *redis.Client, ttl time.Duration, prefix string) *redisStore {
	return &redisStore{client: c, ttl: ttl, prefix: prefix}
}

func (r *redisStore) key(id string) string { return r.prefix + "session:" + id }
func (r *redisStore) indexKey() string     { return r.prefix + "sessions" }

// Create implements Store.
func (r *redisStore) Create(ctx context.Context, s *Session) error {
	s.Version = 1
	s.UpdatedAt = time.Now()
	val, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("sessions: encode %s: %w", s.ID, err)
	}

	ok, err := r.client.SetNX(ctx, r.key(s.ID), val, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("sessions: create %s: %w", s.ID, err)
	}
	if !ok {
		return ErrExists
	}
	return r.client.ZAdd(ctx, r.indexKey(), redis.Z{
		Score:  float64(s.StartedAt.UnixNano()),
		Member: s.ID,
	}).Err()
}

// Get implements Store.
func (r *redisStore) Get(ctx context.Context, id string) (*Session, error) {
	val, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sessions: get %s: %w", id, err)
	}
	return decode(id, val)
}

// Update implements Store.
func (r *redisStore) Update(ctx context.Context, s *Session) error {
	key := r.key(s.ID)
	return r.client.Watch(ctx, func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		stored, err := decode(s.ID, val)
		if err != nil {
			return err
		}
		if stored.Version != s.Version {
			return ErrVersionConflict
		}

		next := s.clone()
		next.Version++
		next.UpdatedAt = time.Now()
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, r.ttl)
			return nil
		})
		if errors.Is(err, redis.TxFailedErr) {
			return ErrVersionConflict
		}
		if err != nil {
			return err
		}
		s.Version = next.Version
		s.UpdatedAt = next.UpdatedAt
		return nil
	}, key)
}

// List implements Store. Ids whose keys have expired are pruned from the
// index.
func (r *redisStore) List(ctx context.Context) ([]*Session, error) {
	ids, err := r.client.ZRevRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("sessions: list: %w", err)
	}
	if len(ids) == 0 {
		return []*Session{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("sessions: list: %w", err)
	}

	out := make([]*Session, 0, len(ids))
	var expired []any
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		s, err := decode(ids[i], []byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if len(expired) > 0 {
		r.client.ZRem(ctx, r.indexKey(), expired...)
	}
	sortNewestFirst(out)
	return out, nil
}

// Delete implements Store.
func (r *redisStore) Delete(ctx context.Context, id string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key(id))
		pipe.ZRem(ctx, r.indexKey(), id)
		return nil
	})
	return err
}

// Close implements Store.
func (r *redisStore) Close() error {
	return r.client.Close()
}

func decode(id string, val []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(val, &s); err != nil {
		return nil, fmt.Errorf("sessions: decode %s: %w", id, err)
	}
	return &s, nil
}
