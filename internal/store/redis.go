package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"mapserver/internal/apperrors"
	"mapserver/internal/models"
)

// Key layout mirrors the original deployment: one JSON blob per session
// plus a companion last-updated timestamp.
const (
	redisKeyPrefix = "map:state:"
	updatedSuffix  = ":updated"
)

// RedisStore persists one serialized snapshot per session in Redis.
// Apply runs an optimistic WATCH/MULTI transaction keyed on the state
// blob: if another writer commits between the read and the write the
// transaction fails and the mutation is retried against the refreshed
// state, bounded by casMaxRetries. This is what makes the store safe to
// share between replicas.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func stateKey(sessionID string) string { return redisKeyPrefix + sessionID }

func (s *RedisStore) Get(ctx context.Context, sessionID string) (models.MapState, error) {
	key := stateKey(sessionID)

	raw, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return s.createDefault(ctx, key)
	}
	if err != nil {
		return models.MapState{}, fmt.Errorf("get %s: %v: %w", key, err, apperrors.ErrUnavailable)
	}
	return decodeState(raw)
}

// createDefault writes the zero-version state for a new session. SetNX
// keeps two replicas racing on first access from clobbering each other;
// the loser re-reads whatever won.
func (s *RedisStore) createDefault(ctx context.Context, key string) (models.MapState, error) {
	def := models.DefaultState()
	payload, err := json.Marshal(def)
	if err != nil {
		return models.MapState{}, err
	}

	created, err := s.rdb.SetNX(ctx, key, payload, 0).Result()
	if err != nil {
		return models.MapState{}, fmt.Errorf("init %s: %v: %w", key, err, apperrors.ErrUnavailable)
	}
	if created {
		s.rdb.Set(ctx, key+updatedSuffix, time.Now().UTC().Format(time.RFC3339), 0)
		return def, nil
	}

	raw, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		return models.MapState{}, fmt.Errorf("reread %s: %v: %w", key, err, apperrors.ErrUnavailable)
	}
	return decodeState(raw)
}

func (s *RedisStore) Apply(ctx context.Context, sessionID string, mutate Mutation) (models.MapState, error) {
	key := stateKey(sessionID)

	var committed models.MapState
	txn := func(tx *redis.Tx) error {
		cur := models.DefaultState()
		raw, err := tx.Get(ctx, key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			// first mutation on a fresh session
		case err != nil:
			return fmt.Errorf("read %s: %v: %w", key, err, apperrors.ErrUnavailable)
		default:
			if cur, err = decodeState(raw); err != nil {
				return err
			}
		}

		next, err := mutate(cur.Clone())
		if err != nil {
			return err
		}
		next.Version = cur.Version + 1

		payload, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			pipe.Set(ctx, key+updatedSuffix, time.Now().UTC().Format(time.RFC3339), 0)
			return nil
		})
		if err != nil {
			return err
		}
		committed = next
		return nil
	}

	for attempt := 0; attempt < casMaxRetries; attempt++ {
		err := s.rdb.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return models.MapState{}, err
		}
		return committed, nil
	}
	return models.MapState{}, fmt.Errorf("session %s: %w", sessionID, apperrors.ErrConflict)
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %v: %w", err, apperrors.ErrUnavailable)
	}
	return nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }

func decodeState(raw string) (models.MapState, error) {
	var st models.MapState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return models.MapState{}, fmt.Errorf("corrupt stored state: %w", err)
	}
	if st.Elements == nil {
		st.Elements = map[string]models.ElementSpec{}
	}
	if st.Order == nil {
		st.Order = []string{}
	}
	return st, nil
}
