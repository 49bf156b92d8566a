package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store persists sessions.
type Store interface {
	// Create stores a new session with Version 1.
	// It returns ErrExists if the id is taken.
	Create(ctx context.Context, s *Session) error

	// Get returns the session or ErrNotFound.
	Get(ctx context.Context, id string) (*Session, error)

	// Update stores s if its Version matches the stored one, then
	// increments s.Version. It returns ErrVersionConflict otherwise.
	Update(ctx context.Context, s *Session) error

	// List returns sessions newest first.
	List(ctx context.Context) ([]*Session, error)

	// Delete removes a session. Deleting a missing session is not an error.
	Delete(ctx context.Context, id string) error

	// Close releases the store's resources.
	Close() error
}

// StoreType selects a store driver.
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeRedis  StoreType = "redis"
)

// DefaultRedisTTL is how long a session key lives after its last write.
const DefaultRedisTTL = 24 * time.Hour

// DefaultKeyPrefix namespaces redis keys.
const DefaultKeyPrefix = "sandbox:"

// StoreOption configures NewStore.
type StoreOption func(*storeConfig)

type storeConfig struct {
	redisClient *redis.Client
	redisTTL    time.Duration
	keyPrefix   string
}

// WithRedisClient sets the client for the redis driver.
func WithRedisClient(c *redis.Client) StoreOption {
	return func(cfg *storeConfig) { cfg.redisClient = c }
}

// WithRedisTTL sets the redis key TTL.
func WithRedisTTL(ttl time.Duration) StoreOption {
	return func(cfg *storeConfig) { cfg.redisTTL = ttl }
}

// WithKeyPrefix sets the redis key prefix.
func WithKeyPrefix(p string) StoreOption {
	return func(cfg *storeConfig) { cfg.keyPrefix = p }
}

// NewStore creates a store of the given type. The redis driver requires
// WithRedisClient.
func NewStore(t StoreType, opts ...StoreOption) (Store, error) {
	cfg := &storeConfig{redisTTL: DefaultRedisTTL, keyPrefix: DefaultKeyPrefix}
	for _, opt := range opts {
		opt(cfg)
	}

	switch t {
	case StoreTypeMemory:
		return NewMemoryStore(), nil
	case StoreTypeRedis:
		if cfg.redisClient == nil {
			return nil, ErrInvalidConfig
		}
		if cfg.redisTTL <= 0 {
			cfg.redisTTL = DefaultRedisTTL
		}
		return newRedisStore(cfg.redisClient, cfg.redisTTL, cfg.keyPrefix), nil
	default:
		return nil, ErrInvalidStoreType
	}
}

// Open creates a store from a driver name and redis URL as found in server
// configuration.
func Open(driver, redisURL string) (Store, error) {
	switch StoreType(driver) {
	case StoreTypeRedis:
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, errors.Join(ErrInvalidConfig, err)
		}
		return NewStore(StoreTypeRedis, WithRedisClient(redis.NewClient(opt)))
	default:
		return NewStore(StoreType(driver))
	}
}

// maxModifyAttempts bounds retries on version conflicts.
const maxModifyAttempts = 5

// Modify loads a session, applies fn and stores it, retrying when another
// writer got there first.
func Modify(ctx context.Context, st Store, id string, fn func(*Session)) error {
	var err error
	for range maxModifyAttempts {
		var s *Session
		s, err = st.Get(ctx, id)
		if err != nil {
			return err
		}
		fn(s)
		err = st.Update(ctx, s)
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
	}
	return err
}
