// Package sessions manages bearer sessions and the encrypted token pair each one holds.
package sessions

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/brizzai/task-mcp/internal/auth/autherr"
	"github.com/brizzai/task-mcp/internal/auth/encryption"
	"github.com/brizzai/task-mcp/internal/auth/models"
	"github.com/brizzai/task-mcp/internal/logger"
	"github.com/brizzai/task-mcp/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	// DefaultMaxSessions is the number of concurrent sessions one user may hold.
	DefaultMaxSessions = 10
	// DefaultInactivity is the idle window after which a session is invalid.
	DefaultInactivity = 24 * time.Hour

	idBytes = 32
	// fallbackLifetime applies when the provider omits expires_in.
	fallbackLifetime = time.Hour
)

// Store creates, reads and rewrites sessions. Plaintext tokens exist only in
// arguments and return values and are never kept.
type Store struct {
	repo        storage.SessionRepository
	cipher      *encryption.TokenCipher
	maxSessions int
	now         func() time.Time
}

// NewStore creates a Store. A non-positive maxSessions uses DefaultMaxSessions.
func NewStore(repo storage.SessionRepository, cipher *encryption.TokenCipher, maxSessions int) *Store {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	return &Store{repo: repo, cipher: cipher, maxSessions: maxSessions, now: time.Now}
}

// TokenSetFrom converts a provider token response.
func TokenSetFrom(tok *oauth2.Token, now time.Time) models.TokenSet {
	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = now.Add(fallbackLifetime)
	}
	return models.TokenSet{
		AccessToken:  models.Secret(tok.AccessToken),
		RefreshToken: models.Secret(tok.RefreshToken),
		ExpiresAt:    expiry,
	}
}

// Create opens a new session for userID, evicting the user's oldest sessions
// beyond the limit in the same step.
func (s *Store) Create(ctx context.Context, userID string, tokens models.TokenSet, userAgent string) (*models.Session, error) {
	access, refresh, err := s.seal(tokens)
	if err != nil {
		return nil, err
	}

	id, err := newSessionID()
	if err != nil {
		return nil, err
	}

	now := s.now()
	sess := &models.Session{
		ID:                    id,
		UserID:                userID,
		EncryptedAccessToken:  access,
		EncryptedRefreshToken: refresh,
		ExpiresAt:             tokens.ExpiresAt,
		CreatedAt:             now,
		LastActivity:          now,
		UserAgent:             userAgent,
	}

	evicted, err := s.repo.CreateSession(ctx, sess, s.maxSessions)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	for _, old := range evicted {
		logger.Info("Evicted session over limit", logger.SessionID(old), logger.UserID(userID))
	}
	return sess, nil
}

// Get returns the session or nil when it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*models.Session, error) {
	if id == "" {
		return nil, nil
	}
	sess, err := s.repo.GetSession(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// Touch bumps the last activity time.
func (s *Store) Touch(ctx context.Context, id string) error {
	err := s.repo.TouchSession(ctx, id, s.now())
	if errors.Is(err, storage.ErrNotFound) {
		return autherr.ErrInvalidSession
	}
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// DecryptedAccessToken loads and decrypts the session's access token.
func (s *Store) DecryptedAccessToken(ctx context.Context, id string) (string, error) {
	sess, err := s.mustGet(ctx, id)
	if err != nil {
		return "", err
	}
	return s.cipher.Decrypt(sess.EncryptedAccessToken)
}

// DecryptedRefreshToken loads and decrypts the session's refresh token.
func (s *Store) DecryptedRefreshToken(ctx context.Context, id string) (string, error) {
	sess, err := s.mustGet(ctx, id)
	if err != nil {
		return "", err
	}
	return s.cipher.Decrypt(sess.EncryptedRefreshToken)
}

// Refresh overwrites both tokens and the expiry of the session as currently stored.
func (s *Store) Refresh(ctx context.Context, id string, tokens models.TokenSet) (*models.Session, error) {
	sess, err := s.mustGet(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.RefreshIfCurrent(ctx, id, tokens, sess.ExpiresAt)
}

// RefreshIfCurrent overwrites both tokens and the expiry only if the stored expiry
// still equals observedExpiry. A concurrent refresh makes it fail with storage.ErrConflict.
func (s *Store) RefreshIfCurrent(ctx context.Context, id string, tokens models.TokenSet, observedExpiry time.Time) (*models.Session, error) {
	if tokens.RefreshToken == "" {
		return nil, autherr.Validation("refresh requires a refresh token")
	}
	access, refresh, err := s.seal(tokens)
	if err != nil {
		return nil, err
	}

	err = s.repo.UpdateSessionTokens(ctx, id, access, refresh, tokens.ExpiresAt, observedExpiry)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, autherr.ErrInvalidSession
	case errors.Is(err, storage.ErrConflict):
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("refresh session: %w", err)
	}

	sess, err := s.mustGet(ctx, id)
	if err != nil {
		return nil, err
	}
	logger.Debug("Session tokens rotated", logger.SessionID(id), zap.Time("expires_at", sess.ExpiresAt))
	return sess, nil
}

// ClaimRefresh marks the session as being refreshed by the caller for lease,
// provided its expiry still equals observedExpiry. storage.ErrConflict means
// another refresh holds the claim or already happened.
func (s *Store) ClaimRefresh(ctx context.Context, id string, observedExpiry time.Time, lease time.Duration) error {
	now := s.now()
	err := s.repo.ClaimSessionRefresh(ctx, id, observedExpiry, now, now.Add(lease))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return autherr.ErrInvalidSession
	case errors.Is(err, storage.ErrConflict):
		return err
	case err != nil:
		return fmt.Errorf("claim session refresh: %w", err)
	}
	return nil
}

// Delete removes the session. Deleting a missing session is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.repo.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// SweepInactive deletes sessions idle for longer than maxAge.
func (s *Store) SweepInactive(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		maxAge = DefaultInactivity
	}
	n, err := s.repo.DeleteInactiveSessions(ctx, s.now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}
	return n, nil
}

// ListByUser returns the user's sessions, oldest first.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]*models.Session, error) {
	list, err := s.repo.ListSessionsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return list, nil
}

func (s *Store) mustGet(ctx context.Context, id string) (*models.Session, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, autherr.ErrInvalidSession
	}
	return sess, nil
}

func (s *Store) seal(tokens models.TokenSet) ([]byte, []byte, error) {
	access, err := s.cipher.Encrypt(tokens.AccessToken.Reveal())
	if err != nil {
		return nil, nil, fmt.Errorf("seal access token: %w", err)
	}
	refresh, err := s.cipher.Encrypt(tokens.RefreshToken.Reveal())
	if err != nil {
		return nil, nil, fmt.Errorf("seal refresh token: %w", err)
	}
	return access, refresh, nil
}

func newSessionID() (string, error) {
	b := make([]byte, idBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
