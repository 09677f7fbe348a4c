package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/brizzai/task-mcp/internal/auth/autherr"
	"github.com/brizzai/task-mcp/internal/auth/models"
	"github.com/brizzai/task-mcp/internal/auth/providers"
	"github.com/brizzai/task-mcp/internal/logger"
	"github.com/brizzai/task-mcp/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultRefreshLease is how long one process may hold a session's refresh
	// claim before another may take it over.
	DefaultRefreshLease = 30 * time.Second

	refreshPollInterval = 20 * time.Millisecond
)

// Refresher redeems a session's refresh token at the provider. Concurrent
// refreshes of one session within this process share a single provider call.
// Across processes a claim recorded in storage lets one refresher call the
// provider while the others wait for its result.
type Refresher struct {
	sessions *Store
	provider providers.Provider
	group    singleflight.Group
	lease    time.Duration
	poll     time.Duration
}

// RefresherOption configures a Refresher.
type RefresherOption func(*Refresher)

// WithLease sets how long a refresh claim is held. It should exceed the
// provider call timeout.
func WithLease(d time.Duration) RefresherOption {
	return func(r *Refresher) {
		if d > 0 {
			r.lease = d
		}
	}
}

// NewRefresher creates a Refresher.
func NewRefresher(sessions *Store, provider providers.Provider, opts ...RefresherOption) *Refresher {
	r := &Refresher{
		sessions: sessions,
		provider: provider,
		lease:    DefaultRefreshLease,
		poll:     refreshPollInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Refresh rotates the tokens of observed. Unless force is set, a session that is
// no longer expired when the refresh runs is returned as is. A session whose
// expiry moved since it was observed has already been refreshed by someone else
// and is returned without calling the provider.
//
// A failed refresh deletes the session: the refresh token may already be spent,
// so the user has to authorize again. The exception is a session another process
// rotated in the meantime, which is returned instead.
func (r *Refresher) Refresh(ctx context.Context, observed *models.Session, force bool) (*models.Session, error) {
	ch := r.group.DoChan(observed.ID, func() (any, error) {
		return r.refresh(context.WithoutCancel(ctx), observed, force)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*models.Session), nil
	case <-ctx.Done():
		return nil, autherr.Wrap(autherr.KindTokenRefresh, "", ctx.Err())
	}
}

func (r *Refresher) refresh(ctx context.Context, observed *models.Session, force bool) (*models.Session, error) {
	current, err := r.sessions.Get(ctx, observed.ID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, autherr.ErrInvalidSession
	}
	if !current.ExpiresAt.Equal(observed.ExpiresAt) {
		return current, nil
	}
	if !force && !current.Expired(r.sessions.now()) {
		return current, nil
	}

	refreshToken, err := r.sessions.cipher.Decrypt(current.EncryptedRefreshToken)
	if err != nil {
		logger.Error("Stored refresh token is unreadable", logger.SessionID(current.ID), zap.Error(err))
		return nil, err
	}

	winner, err := r.claim(ctx, current)
	if err != nil {
		return nil, err
	}
	if winner != nil {
		return winner, nil
	}

	start := time.Now()
	tok, err := r.provider.RefreshToken(ctx, refreshToken)
	if err != nil {
		if latest := r.refreshedElsewhere(ctx, current); latest != nil {
			logger.Warn("Refresh failed after another process rotated the session, using its result",
				logger.SessionID(current.ID), zap.Error(err))
			return latest, nil
		}
		r.drop(ctx, current)
		if errors.Is(err, providers.ErrGrantRevoked) {
			logger.Warn("Refresh token revoked by provider",
				logger.SessionID(current.ID), logger.UserID(current.UserID), zap.Error(err))
			return nil, autherr.Wrap(autherr.KindAccessRevoked, "", err)
		}
		logger.Error("Token refresh failed",
			logger.SessionID(current.ID), logger.UserID(current.UserID),
			zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return nil, autherr.Wrap(autherr.KindTokenRefresh, "", err)
	}

	updated, err := r.sessions.RefreshIfCurrent(ctx, current.ID, TokenSetFrom(tok, r.sessions.now()), current.ExpiresAt)
	if errors.Is(err, storage.ErrConflict) {
		logger.Warn("Concurrent refresh detected, using the stored result", logger.SessionID(current.ID))
		winner, gerr := r.sessions.Get(ctx, current.ID)
		if gerr != nil {
			return nil, gerr
		}
		if winner == nil {
			return nil, autherr.ErrInvalidSession
		}
		return winner, nil
	}
	if err != nil {
		return nil, err
	}

	logger.Info("Refreshed session tokens",
		logger.SessionID(updated.ID), logger.UserID(updated.UserID),
		zap.Time("expires_at", updated.ExpiresAt))
	return updated, nil
}

// claim records in storage that this process is refreshing sess. When another
// process holds the claim, claim waits until that refresh lands and returns the
// session it produced. A nil session and nil error mean the claim is ours.
func (r *Refresher) claim(ctx context.Context, sess *models.Session) (*models.Session, error) {
	deadline := time.Now().Add(2 * r.lease)
	for {
		err := r.sessions.ClaimRefresh(ctx, sess.ID, sess.ExpiresAt, r.lease)
		if err == nil {
			return nil, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return nil, err
		}

		latest, err := r.sessions.Get(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
		if latest == nil {
			return nil, autherr.ErrInvalidSession
		}
		if !latest.ExpiresAt.Equal(sess.ExpiresAt) {
			logger.Debug("Session refreshed by another process", logger.SessionID(sess.ID))
			return latest, nil
		}
		if time.Now().After(deadline) {
			return nil, autherr.New(autherr.KindTokenRefresh, "session refresh is still in progress, please retry")
		}

		select {
		case <-time.After(r.poll):
		case <-ctx.Done():
			return nil, autherr.Wrap(autherr.KindTokenRefresh, "", ctx.Err())
		}
	}
}

// refreshedElsewhere returns the stored session if its expiry moved past the
// one sess carried.
func (r *Refresher) refreshedElsewhere(ctx context.Context, sess *models.Session) *models.Session {
	latest, err := r.sessions.Get(ctx, sess.ID)
	if err != nil || latest == nil {
		return nil
	}
	if latest.ExpiresAt.After(sess.ExpiresAt) {
		return latest
	}
	return nil
}

func (r *Refresher) drop(ctx context.Context, sess *models.Session) {
	if err := r.sessions.Delete(ctx, sess.ID); err != nil {
		logger.Error("Failed to delete session after refresh failure", logger.SessionID(sess.ID), zap.Error(err))
	}
}
