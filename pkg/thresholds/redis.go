package thresholds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dukex/evalflow/pkg/models"
	redis "github.com/redis/go-redis/v9"
)

// RedisStore keeps each threshold set as a JSON document under Key(application).
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// NewRedisStoreFromURL connects using a redis:// URL.
func NewRedisStoreFromURL(url string) (*RedisStore, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	return NewRedisStore(redis.NewClient(options)), nil
}

func (s *RedisStore) Get(ctx context.Context, application string) (models.ThresholdSet, error) {
	value, err := s.client.Get(ctx, Key(application)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrThresholdsNotFound, application)
		}

		return nil, fmt.Errorf("failed to read thresholds for %s: %w", application, err)
	}

	var set models.ThresholdSet

	if err := json.Unmarshal([]byte(value), &set); err != nil {
		return nil, fmt.Errorf("failed to decode thresholds for %s: %w", application, err)
	}

	return set, nil
}

func (s *RedisStore) Put(ctx context.Context, application string, set models.ThresholdSet) error {
	value, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("failed to encode thresholds: %w", err)
	}

	return s.client.Set(ctx, Key(application), value, 0).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
