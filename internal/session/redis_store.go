package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/november222/onlyyou-sub000/internal/constants"
)

const redisKeyPrefix = "onlyyou:"

// RedisStore keeps the session record in Redis. Useful when the same
// account roams across devices behind a shared backend.
type RedisStore struct {
	client *redis.Client
	ctx    context.Context
	cancel func()
}

func NewRedisStore(host, port, username, password string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     host + ":" + port,
		Username: username,
		Password: password,
		DB:       0,
	})

	ctx, cancel := context.WithCancel(context.Background())

	store := &RedisStore{client: client, ctx: ctx, cancel: cancel}
	if err := store.client.Ping(ctx).Err(); err != nil {
		cancel()
		return nil, err
	}
	return store, nil
}

func (st *RedisStore) LoadSession() (*SavedSession, bool, error) {
	raw, err := st.client.Get(st.ctx, redisKeyPrefix+constants.SessionKey).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read saved session: %w", err)
	}

	var saved SavedSession
	if err := json.Unmarshal([]byte(raw), &saved); err != nil {
		return nil, false, fmt.Errorf("failed to decode saved session: %w", err)
	}
	return &saved, true, nil
}

func (st *RedisStore) SaveSession(s *SavedSession) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode saved session: %w", err)
	}
	return st.client.Set(st.ctx, redisKeyPrefix+constants.SessionKey, raw, 0).Err()
}

func (st *RedisStore) ForgetSession() error {
	return st.client.Del(st.ctx, redisKeyPrefix+constants.SessionKey).Err()
}

func (st *RedisStore) CumulativeSeconds() (int64, error) {
	total, err := st.client.Get(st.ctx, redisKeyPrefix+constants.CumulativeSecondsKey).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cumulative counter: %w", err)
	}
	return total, nil
}

func (st *RedisStore) AddCumulativeSeconds(delta int64) error {
	return st.client.IncrBy(st.ctx, redisKeyPrefix+constants.CumulativeSecondsKey, delta).Err()
}

func (st *RedisStore) Close() error {
	st.cancel()
	return st.client.Close()
}
