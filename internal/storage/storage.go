// Package storage defines the persistence contracts of the session layer.
// Drivers live in the memory and postgres subpackages.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/brizzai/task-mcp/internal/auth/models"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a conditional write lost against a concurrent one.
	ErrConflict = errors.New("record was modified concurrently")
	// ErrEmailTaken is returned when an email already belongs to another subject.
	ErrEmailTaken = errors.New("email already belongs to another user")
	// ErrAlreadyExists is returned when inserting a record whose key is in use.
	ErrAlreadyExists = errors.New("record already exists")
)

// UserRepository persists users.
type UserRepository interface {
	GetUser(ctx context.Context, subjectID string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	// UpsertUser creates the user with CreatedAt = LastLogin = now, or only bumps
	// LastLogin when the subject already exists.
	UpsertUser(ctx context.Context, subjectID, email, displayName string, now time.Time) (*models.User, error)
}

// SessionRepository persists sessions. Token fields are stored as given.
type SessionRepository interface {
	// CreateSession inserts s and, within the same atomic step, deletes the
	// owner's oldest sessions so that at most maxPerUser remain. It returns the
	// ids of the evicted sessions. ErrNotFound if the owner does not exist.
	CreateSession(ctx context.Context, s *models.Session, maxPerUser int) ([]string, error)
	GetSession(ctx context.Context, id string) (*models.Session, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	// UpdateSessionTokens overwrites both tokens and the expiry, but only if the
	// stored expiry still equals observedExpiry. ErrConflict otherwise.
	UpdateSessionTokens(ctx context.Context, id string, access, refresh []byte, expiresAt, observedExpiry time.Time) error
	// ClaimSessionRefresh marks the session as being refreshed until the given
	// time, provided its expiry still equals observedExpiry and no unexpired claim
	// is held. ErrConflict otherwise. UpdateSessionTokens releases the claim.
	ClaimSessionRefresh(ctx context.Context, id string, observedExpiry, now, until time.Time) error
	DeleteSession(ctx context.Context, id string) error
	DeleteInactiveSessions(ctx context.Context, before time.Time) (int64, error)
	// ListSessionsByUser returns the user's sessions, oldest first.
	ListSessionsByUser(ctx context.Context, userID string) ([]*models.Session, error)
}

// ClientRepository persists dynamic client registrations.
type ClientRepository interface {
	CreateClient(ctx context.Context, c *models.DynamicClient) error
	GetClient(ctx context.Context, id string) (*models.DynamicClient, error)
	// ListClients returns registrations newest first. An empty platform lists all.
	ListClients(ctx context.Context, platform models.Platform) ([]*models.DynamicClient, error)
	TouchClient(ctx context.Context, id string, at time.Time) error
	DeleteClient(ctx context.Context, id string) error
	DeleteExpiredClients(ctx context.Context, now time.Time) (int64, error)
}

// Store bundles every repository behind one backing store.
type Store interface {
	UserRepository
	SessionRepository
	ClientRepository

	Ping(ctx context.Context) error
	Close()
}
