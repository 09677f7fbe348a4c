package state

import (
	"context"
	"sync"
	"time"

	"github.com/brizzai/task-mcp/internal/logger"
	"go.uber.org/zap"
)

type memoryEntry struct {
	attempt   Attempt
	expiresAt time.Time
}

// MemoryStore is an in-process expiring map. Expired entries are dropped lazily
// by Take and periodically by a background cleanup loop.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewMemoryStore starts a store whose cleanup loop runs every interval.
func NewMemoryStore(interval time.Duration) *MemoryStore {
	s := &MemoryStore{
		entries:     make(map[string]memoryEntry),
		now:         time.Now,
		stopCleanup: make(chan struct{}),
	}
	if interval > 0 {
		go s.cleanupLoop(interval)
	}
	return s
}

func (s *MemoryStore) Put(_ context.Context, state string, attempt Attempt, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[state] = memoryEntry{attempt: attempt, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Take(_ context.Context, state string) (*Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[state]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.entries, state)

	if !s.now().Before(e.expiresAt) {
		return nil, ErrNotFound
	}
	return &e.attempt, nil
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stop stops the background cleanup goroutine. It is safe to call more than once.
func (s *MemoryStore) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *MemoryStore) cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	count := 0
	for state, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, state)
			count++
		}
	}
	if count > 0 {
		logger.Debug("Removed expired authorization states", zap.Int("count", count))
	}
	return count
}
