// Package redis backs the department counter with a Redis INCR, for
// deployments that keep counters off the primary database.
package redis

import (
	"context"
	"fmt"

	"hqms/token-service/internal/store"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "token:counter:"

type CounterStore struct {
	client *redis.Client
}

func NewCounterStore(client *redis.Client) *CounterStore {
	return &CounterStore{client: client}
}

// NextCounter relies on INCR being atomic server-side: concurrent callers
// for the same department always observe distinct, increasing values. A key
// that does not exist yet is treated as 0 by Redis, so the first value
// handed out for a department is 1.
func (s *CounterStore) NextCounter(ctx context.Context, department string) (int64, error) {
	value, err := s.client.Incr(ctx, keyPrefix+department).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", store.ErrCounterUnavailable, err)
	}
	return value, nil
}
