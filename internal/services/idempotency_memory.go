package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryIdempotency is an in-process IdempotencyStore for tests and tooling
type MemoryIdempotency struct {
	mu      sync.Mutex
	records map[string]*memoryReservation
}

type memoryReservation struct {
	completed bool
	result    json.RawMessage
}

func NewMemoryIdempotency() *MemoryIdempotency {
	return &MemoryIdempotency{records: make(map[string]*memoryReservation)}
}

func (s *MemoryIdempotency) Reserve(ctx context.Context, key string) (*Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		s.records[key] = &memoryReservation{}
		return &Reservation{State: ReservationAcquired}, nil
	}
	if rec.completed {
		return &Reservation{State: ReservationCompleted, Result: rec.result}, nil
	}
	return &Reservation{State: ReservationInFlight}, nil
}

func (s *MemoryIdempotency) Complete(ctx context.Context, key string, result interface{}) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal idempotency result: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		rec = &memoryReservation{}
		s.records[key] = rec
	}
	rec.completed = true
	rec.result = data
	return nil
}

func (s *MemoryIdempotency) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[key]; ok && !rec.completed {
		delete(s.records, key)
	}
	return nil
}
