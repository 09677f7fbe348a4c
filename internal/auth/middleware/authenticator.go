package middleware

import (
	"context"
	"time"

	"github.com/brizzai/task-mcp/internal/auth/autherr"
	"github.com/brizzai/task-mcp/internal/auth/models"
	"github.com/brizzai/task-mcp/internal/auth/providers"
	"github.com/brizzai/task-mcp/internal/auth/sessions"
	"github.com/brizzai/task-mcp/internal/auth/users"
	"github.com/brizzai/task-mcp/internal/logger"
	"go.uber.org/zap"
)

// Authenticator resolves a session id into the identity of its owner. Every call
// re-validates against storage and the provider; nothing is cached between calls.
type Authenticator struct {
	sessions   *sessions.Store
	users      *users.Directory
	refresher  *sessions.Refresher
	provider   providers.Provider
	inactivity time.Duration
	now        func() time.Time
}

// NewAuthenticator creates an Authenticator. A non-positive inactivity uses
// sessions.DefaultInactivity.
func NewAuthenticator(store *sessions.Store, dir *users.Directory, refresher *sessions.Refresher, provider providers.Provider, inactivity time.Duration) *Authenticator {
	if inactivity <= 0 {
		inactivity = sessions.DefaultInactivity
	}
	return &Authenticator{
		sessions:   store,
		users:      dir,
		refresher:  refresher,
		provider:   provider,
		inactivity: inactivity,
		now:        time.Now,
	}
}

// Authenticate validates sessionID and returns who it belongs to.
func (a *Authenticator) Authenticate(ctx context.Context, sessionID string) (*models.Identity, error) {
	if sessionID == "" {
		return nil, autherr.ErrAuthenticationRequired
	}

	sess, err := a.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		logger.Debug("Unknown session presented")
		return nil, autherr.ErrInvalidSession
	}

	if sess.Inactive(a.now(), a.inactivity) {
		logger.Info("Session expired from inactivity",
			logger.SessionID(sess.ID), logger.UserID(sess.UserID), zap.Time("last_activity", sess.LastActivity))
		a.drop(ctx, sess.ID)
		return nil, autherr.ErrInvalidSession
	}

	user, err := a.users.FindByID(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		logger.Warn("Session owner no longer exists", logger.SessionID(sess.ID), logger.UserID(sess.UserID))
		a.drop(ctx, sess.ID)
		return nil, autherr.ErrInvalidSession
	}

	if sess.Expired(a.now()) {
		sess, err = a.refresher.Refresh(ctx, sess, false)
		if err != nil {
			return nil, err
		}
	}

	accessToken, err := a.sessions.DecryptedAccessToken(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	info, err := a.provider.ValidateAccessToken(ctx, accessToken)
	if err != nil {
		logger.Warn("Provider rejected access token", logger.SessionID(sess.ID), logger.UserID(sess.UserID), zap.Error(err))
		return nil, autherr.Wrap(autherr.KindInvalidSession, "access token was rejected, please authorize again", err)
	}
	if info.ID != sess.UserID {
		logger.Error("Access token subject does not match session owner",
			logger.SessionID(sess.ID), logger.UserID(sess.UserID))
		a.drop(ctx, sess.ID)
		return nil, autherr.ErrInvalidSession
	}

	if err := a.sessions.Touch(ctx, sess.ID); err != nil {
		return nil, err
	}

	return &models.Identity{UserID: user.SubjectID, Email: user.Email, SessionID: sess.ID}, nil
}

func (a *Authenticator) drop(ctx context.Context, id string) {
	if err := a.sessions.Delete(ctx, id); err != nil {
		logger.Error("Failed to delete invalid session", logger.SessionID(id), zap.Error(err))
	}
}
