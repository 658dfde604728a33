package idempotency

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	fingerprint string
	status      string
	response    Response
	expiresAt   time.Time
}

// MemoryStore keeps reservations in process memory. It backs the memory store driver and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry)}
}

func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, now time.Time, hold time.Duration) (Reservation, error) {
	if hold <= 0 {
		hold = DefaultHold
	}
	id := hashKey(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok || !now.Before(entry.expiresAt) {
		s.entries[id] = &memoryEntry{
			fingerprint: fingerprint,
			status:      statusPending,
			expiresAt:   now.Add(hold),
		}
		return Reservation{State: StateNew}, nil
	}
	if entry.fingerprint != fingerprint {
		return Reservation{}, ErrFingerprintMismatch
	}
	if entry.status == statusCompleted {
		resp := entry.response
		resp.Body = cloneBody(resp.Body)
		return Reservation{State: StateReplay, Response: resp}, nil
	}
	return Reservation{State: StateInFlight}, nil
}

func (s *MemoryStore) Complete(_ context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	id := hashKey(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return ErrReservationLost
	}
	if entry.fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	resp.Body = cloneBody(resp.Body)
	entry.status = statusCompleted
	entry.response = resp
	entry.expiresAt = now.Add(ttl)
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key, fingerprint string) error {
	id := hashKey(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[id]; ok && entry.fingerprint == fingerprint && entry.status == statusPending {
		delete(s.entries, id)
	}
	return nil
}

func (s *MemoryStore) PurgeExpired(_ context.Context, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, entry := range s.entries {
		if limit > 0 && removed >= limit {
			break
		}
		if !now.Before(entry.expiresAt) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed, nil
}
