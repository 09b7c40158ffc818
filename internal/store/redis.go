package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"gwi.com/coursechat/internal/core"
)

const redisKeyPrefix = "coursechat:session:"

// redisStore keeps each session as a JSON value whose TTL is refreshed on every read and write.
type redisStore struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisClient parses a redis:// URL into a client.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (s *redisStore) Create(ctx context.Context, state *core.State) error {
	now := s.now()
	state.CreatedAt = now
	state.UpdatedAt = now
	state.Version = 1

	val, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal session state: %w", err)
	}
	ok, err := s.client.SetNX(ctx, redisKeyPrefix+state.ID, val, s.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("session %s already exists", state.ID)
	}
	return nil
}

func (s *redisStore) Get(ctx context.Context, id string) (*core.State, error) {
	key := redisKeyPrefix + id
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var state core.State
	if err := json.Unmarshal(val, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session %s: %w", id, err)
	}

	_ = s.client.Expire(ctx, key, s.ttl).Err()
	return &state, nil
}

func (s *redisStore) Update(ctx context.Context, state *core.State) error {
	key := redisKeyPrefix + state.ID

	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var stored core.State
		if err := json.Unmarshal(val, &stored); err != nil {
			return err
		}
		if stored.Version != state.Version {
			return ErrVersionConflict
		}

		next := state.Clone()
		next.Version++
		next.UpdatedAt = s.now()
		newVal, err := json.Marshal(next)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newVal, s.ttl)
			return nil
		})
		if errors.Is(err, redis.TxFailedErr) {
			return ErrVersionConflict
		}
		if err != nil {
			return err
		}
		state.Version = next.Version
		state.UpdatedAt = next.UpdatedAt
		return nil
	}, key)
}

func (s *redisStore) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, redisKeyPrefix+id).Err()
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
