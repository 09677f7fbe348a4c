// Package memory is an in-process storage driver for development and tests.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/brizzai/task-mcp/internal/auth/models"
	"github.com/brizzai/task-mcp/internal/storage"
)

var _ storage.Store = (*Store)(nil)

type sessionEntry struct {
	session    models.Session
	seq        uint64
	leaseUntil time.Time
}

// Store keeps every record in maps guarded by a single mutex, which makes each
// method atomic with respect to the others.
type Store struct {
	mu       sync.RWMutex
	users    map[string]models.User
	sessions map[string]sessionEntry
	clients  map[string]models.DynamicClient
	seq      uint64
}

// New returns an empty store.
func New() *Store {
	return &Store{
		users:    make(map[string]models.User),
		sessions: make(map[string]sessionEntry),
		clients:  make(map[string]models.DynamicClient),
	}
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() {}

func (s *Store) GetUser(_ context.Context, subjectID string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[subjectID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &u, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.Email == email {
			return &u, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Store) UpsertUser(_ context.Context, subjectID, email, displayName string, now time.Time) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u, ok := s.users[subjectID]; ok {
		u.LastLogin = now
		s.users[subjectID] = u
		return &u, nil
	}

	for _, u := range s.users {
		if u.Email == email {
			return nil, storage.ErrEmailTaken
		}
	}

	u := models.User{
		SubjectID:   subjectID,
		Email:       email,
		DisplayName: displayName,
		CreatedAt:   now,
		LastLogin:   now,
	}
	s.users[subjectID] = u
	return &u, nil
}

func (s *Store) CreateSession(_ context.Context, sess *models.Session, maxPerUser int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[sess.UserID]; !ok {
		return nil, storage.ErrNotFound
	}
	if _, ok := s.sessions[sess.ID]; ok {
		return nil, storage.ErrAlreadyExists
	}

	owned := s.sessionsOf(sess.UserID)
	var evicted []string
	for len(owned) >= maxPerUser && len(owned) > 0 {
		delete(s.sessions, owned[0].session.ID)
		evicted = append(evicted, owned[0].session.ID)
		owned = owned[1:]
	}

	s.seq++
	s.sessions[sess.ID] = sessionEntry{session: cloneSession(*sess), seq: s.seq}
	return evicted, nil
}

// sessionsOf returns the user's sessions oldest first. Callers hold mu.
func (s *Store) sessionsOf(userID string) []sessionEntry {
	var owned []sessionEntry
	for _, e := range s.sessions {
		if e.session.UserID == userID {
			owned = append(owned, e)
		}
	}
	slices.SortFunc(owned, func(a, b sessionEntry) int {
		if c := a.session.CreatedAt.Compare(b.session.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	return owned
}

func (s *Store) GetSession(_ context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.sessions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	sess := cloneSession(e.session)
	return &sess, nil
}

func (s *Store) TouchSession(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	if !ok {
		return storage.ErrNotFound
	}
	e.session.LastActivity = at
	s.sessions[id] = e
	return nil
}

func (s *Store) UpdateSessionTokens(_ context.Context, id string, access, refresh []byte, expiresAt, observedExpiry time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	if !ok {
		return storage.ErrNotFound
	}
	if !e.session.ExpiresAt.Equal(observedExpiry) {
		return storage.ErrConflict
	}
	e.session.EncryptedAccessToken = slices.Clone(access)
	e.session.EncryptedRefreshToken = slices.Clone(refresh)
	e.session.ExpiresAt = expiresAt
	e.leaseUntil = time.Time{}
	s.sessions[id] = e
	return nil
}

func (s *Store) ClaimSessionRefresh(_ context.Context, id string, observedExpiry, now, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	if !ok {
		return storage.ErrNotFound
	}
	if !e.session.ExpiresAt.Equal(observedExpiry) || e.leaseUntil.After(now) {
		return storage.ErrConflict
	}
	e.leaseUntil = until
	s.sessions[id] = e
	return nil
}

func (s *Store) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
	return nil
}

func (s *Store) DeleteInactiveSessions(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, e := range s.sessions {
		if e.session.LastActivity.Before(before) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) ListSessionsByUser(_ context.Context, userID string) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owned := s.sessionsOf(userID)
	out := make([]*models.Session, 0, len(owned))
	for _, e := range owned {
		sess := cloneSession(e.session)
		out = append(out, &sess)
	}
	return out, nil
}

func (s *Store) CreateClient(_ context.Context, c *models.DynamicClient) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[c.ClientID]; ok {
		return storage.ErrAlreadyExists
	}
	s.clients[c.ClientID] = cloneClient(*c)
	return nil
}

func (s *Store) GetClient(_ context.Context, id string) (*models.DynamicClient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c = cloneClient(c)
	return &c, nil
}

func (s *Store) ListClients(_ context.Context, platform models.Platform) ([]*models.DynamicClient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.DynamicClient, 0, len(s.clients))
	for _, c := range s.clients {
		if platform != "" && c.Platform != platform {
			continue
		}
		c = cloneClient(c)
		out = append(out, &c)
	}
	slices.SortFunc(out, func(a, b *models.DynamicClient) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ClientID, b.ClientID)
	})
	return out, nil
}

func (s *Store) TouchClient(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clients[id]
	if !ok {
		return storage.ErrNotFound
	}
	c.LastUsed = &at
	s.clients[id] = c
	return nil
}

func (s *Store) DeleteClient(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.clients, id)
	return nil
}

func (s *Store) DeleteExpiredClients(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, c := range s.clients {
		if c.ExpiresAt.Before(now) {
			delete(s.clients, id)
			n++
		}
	}
	return n, nil
}

func cloneSession(s models.Session) models.Session {
	s.EncryptedAccessToken = slices.Clone(s.EncryptedAccessToken)
	s.EncryptedRefreshToken = slices.Clone(s.EncryptedRefreshToken)
	return s
}

func cloneClient(c models.DynamicClient) models.DynamicClient {
	c.ClientSecret = slices.Clone(c.ClientSecret)
	c.RedirectURIs = slices.Clone(c.RedirectURIs)
	if c.LastUsed != nil {
		t := *c.LastUsed
		c.LastUsed = &t
	}
	return c
}
