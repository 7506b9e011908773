package memory

import (
	"context"
	"sync"
)

// CounterStore keeps department counters in process. The single mutex makes
// increment-and-read linearizable per department; counters auto-create at
// zero and only ever grow.
type CounterStore struct {
	mu       sync.Mutex
	counters map[string]int64
}

func NewCounterStore() *CounterStore {
	return &CounterStore{counters: make(map[string]int64)}
}

func (s *CounterStore) NextCounter(ctx context.Context, department string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counters[department]++
	return s.counters[department], nil
}
