package quota

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store used by tests and by deployments that
// do not persist quota across restarts.
type MemoryStore struct {
	mu           sync.Mutex
	usage        map[string]int // userID|date -> used
	limits       map[string]int
	defaultLimit int
}

func NewMemoryStore(defaultLimit int) *MemoryStore {
	return &MemoryStore{
		usage:        make(map[string]int),
		limits:       make(map[string]int),
		defaultLimit: defaultLimit,
	}
}

func key(userID, date string) string { return userID + "|" + date }

func (s *MemoryStore) GetDailyUsage(_ context.Context, userID, date string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage[key(userID, date)], nil
}

func (s *MemoryStore) IncrementDailyUsage(_ context.Context, userID, date string, delta int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(userID, date)
	s.usage[k] += delta
	return s.usage[k], nil
}

func (s *MemoryStore) GetUserDailyLimit(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lim, ok := s.limits[userID]; ok {
		return lim, nil
	}
	return s.defaultLimit, nil
}

// SetUserDailyLimit overrides the allowance for one user.
func (s *MemoryStore) SetUserDailyLimit(userID string, limit int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits[userID] = limit
}
