// Package store persists gateway sessions between browser requests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"gwi.com/coursechat/internal/core"
)

var (
	ErrInvalidConfig    = errors.New("invalid session store configuration")
	ErrInvalidStoreType = errors.New("invalid session store type")
	ErrVersionConflict  = errors.New("session version conflict")
	ErrNotFound         = errors.New("session not found")
)

// Store keeps core.State values keyed by session id.
type Store interface {
	// Create stores a new session with Version set to 1.
	Create(ctx context.Context, state *core.State) error

	// Get returns nil, nil when the session does not exist or has expired.
	Get(ctx context.Context, id string) (*core.State, error)

	// Update persists state if its Version matches the stored one, then increments Version.
	// Returns ErrVersionConflict on mismatch and ErrNotFound when the session is gone.
	Update(ctx context.Context, state *core.State) error

	Delete(ctx context.Context, id string) error

	Close() error
}

type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeSQLite StoreType = "sqlite"
	StoreTypeRedis  StoreType = "redis"
)

const defaultTTL = 24 * time.Hour

type Option func(*storeConfig)

type storeConfig struct {
	ttl         time.Duration
	sqliteDSN   string
	redisClient *redis.Client
	now         func() time.Time
}

// WithTTL sets how long an idle session survives.
func WithTTL(ttl time.Duration) Option {
	return func(c *storeConfig) { c.ttl = ttl }
}

func WithSQLiteDSN(dsn string) Option {
	return func(c *storeConfig) { c.sqliteDSN = dsn }
}

func WithRedisClient(client *redis.Client) Option {
	return func(c *storeConfig) { c.redisClient = client }
}

func withClock(now func() time.Time) Option {
	return func(c *storeConfig) { c.now = now }
}

// NewStore builds the driver named by storeType.
func NewStore(storeType StoreType, opts ...Option) (Store, error) {
	cfg := &storeConfig{ttl: defaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.ttl <= 0 {
		cfg.ttl = defaultTTL
	}

	switch storeType {
	case StoreTypeMemory:
		return newMemoryStore(cfg), nil
	case StoreTypeSQLite:
		if cfg.sqliteDSN == "" {
			return nil, ErrInvalidConfig
		}
		return NewSQLiteStore(cfg.sqliteDSN, cfg.ttl, cfg.now)
	case StoreTypeRedis:
		if cfg.redisClient == nil {
			return nil, ErrInvalidConfig
		}
		return &redisStore{client: cfg.redisClient, ttl: cfg.ttl, now: cfg.now}, nil
	default:
		return nil, ErrInvalidStoreType
	}
}
