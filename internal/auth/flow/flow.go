// Package flow drives the authorization code flow with PKCE: it starts attempts,
// completes them into sessions, and ends sessions on logout.
package flow

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/brizzai/task-mcp/internal/auth/autherr"
	"github.com/brizzai/task-mcp/internal/auth/clients"
	"github.com/brizzai/task-mcp/internal/auth/models"
	"github.com/brizzai/task-mcp/internal/auth/providers"
	"github.com/brizzai/task-mcp/internal/auth/sessions"
	"github.com/brizzai/task-mcp/internal/auth/state"
	"github.com/brizzai/task-mcp/internal/auth/users"
	"github.com/brizzai/task-mcp/internal/logger"
	"go.uber.org/zap"
)

// DefaultStateTTL bounds how long a started attempt can be completed.
const DefaultStateTTL = 5 * time.Minute

// Authorization is the result of Begin.
type Authorization struct {
	URL   string `json:"authorization_url"`
	State string `json:"state"`
}

// Completion is the result of Complete.
type Completion struct {
	SessionID string    `json:"session_id"`
	UserEmail string    `json:"user_email"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ClientCredentials identify a dynamic client completing its own attempt.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
}

// Deps are the collaborators of a Flow.
type Deps struct {
	Provider  providers.Provider
	States    state.Store
	Users     *users.Directory
	Sessions  *sessions.Store
	Clients   *clients.Registry
	Refresher *sessions.Refresher
	StateTTL  time.Duration
}

// Flow runs authorization attempts.
type Flow struct {
	provider  providers.Provider
	states    state.Store
	users     *users.Directory
	sessions  *sessions.Store
	clients   *clients.Registry
	refresher *sessions.Refresher
	stateTTL  time.Duration
	now       func() time.Time
}

// New creates a Flow. A nil Refresher is built from Sessions and Provider.
func New(d Deps) *Flow {
	ttl := d.StateTTL
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	refresher := d.Refresher
	if refresher == nil {
		refresher = sessions.NewRefresher(d.Sessions, d.Provider)
	}
	return &Flow{
		provider:  d.Provider,
		states:    d.States,
		users:     d.Users,
		sessions:  d.Sessions,
		clients:   d.Clients,
		refresher: refresher,
		stateTTL:  ttl,
		now:       time.Now,
	}
}

// Begin starts an attempt. clientID and redirectURI are either both empty, for
// the server's own redirect, or both set for a registered dynamic client.
func (f *Flow) Begin(ctx context.Context, clientID, redirectURI string) (*Authorization, error) {
	clientID = strings.TrimSpace(clientID)
	redirectURI = strings.TrimSpace(redirectURI)

	if clientID != "" || redirectURI != "" {
		if clientID == "" || redirectURI == "" {
			return nil, autherr.Validation("client_id and redirect_uri are required together")
		}
		if _, err := f.clients.ValidateRedirectURI(ctx, clientID, redirectURI); err != nil {
			return nil, err
		}
	}

	st, err := NewState()
	if err != nil {
		return nil, err
	}
	verifier, err := NewCodeVerifier()
	if err != nil {
		return nil, err
	}

	attempt := state.Attempt{
		CodeVerifier: verifier,
		RedirectURI:  redirectURI,
		ClientID:     clientID,
		CreatedAt:    f.now(),
	}
	if err := f.states.Put(ctx, st, attempt, f.stateTTL); err != nil {
		return nil, autherr.Wrap(autherr.KindInternal, "", err)
	}

	logger.Debug("Authorization started", logger.ClientID(clientID))
	return &Authorization{
		URL:   f.provider.GetAuthURL(st, CodeChallenge(verifier), redirectURI),
		State: st,
	}, nil
}

// Complete redeems code for the attempt named by st and opens a session. The
// attempt is consumed whatever the outcome.
func (f *Flow) Complete(ctx context.Context, code, st string, creds ClientCredentials, userAgent string) (*Completion, error) {
	if st == "" {
		return nil, autherr.ErrInvalidState
	}
	attempt, err := f.states.Take(ctx, st)
	if errors.Is(err, state.ErrNotFound) {
		logger.Warn("Unknown or reused authorization state")
		return nil, autherr.ErrInvalidState
	}
	if err != nil {
		return nil, autherr.Wrap(autherr.KindInternal, "", err)
	}

	if attempt.ClientID != "" {
		if creds.ClientID != attempt.ClientID {
			logger.Warn("Callback client does not match the attempt", logger.ClientID(creds.ClientID))
			return nil, autherr.ErrInvalidClient
		}
		if _, err := f.clients.Validate(ctx, creds.ClientID, creds.ClientSecret); err != nil {
			return nil, err
		}
	}

	if code == "" {
		return nil, autherr.Validation("code is required")
	}

	tok, err := f.provider.ExchangeCode(ctx, code, attempt.CodeVerifier, attempt.RedirectURI)
	if err != nil {
		logger.Warn("Code exchange failed", logger.ClientID(attempt.ClientID), zap.Error(err))
		return nil, autherr.Wrap(autherr.KindAuthorizationExchange, "", err)
	}
	if tok.RefreshToken == "" {
		logger.Warn("Provider did not issue a refresh token", logger.ClientID(attempt.ClientID))
		return nil, autherr.New(autherr.KindAuthorizationExchange, "the provider did not grant offline access, please authorize again")
	}

	info, err := f.provider.ValidateToken(ctx, tok)
	if err != nil {
		logger.Warn("Identity token rejected", zap.Error(err))
		return nil, autherr.Wrap(autherr.KindIdentityVerification, "", err)
	}

	user, err := f.users.Upsert(ctx, info.ID, info.Email, info.Name)
	if err != nil {
		return nil, err
	}

	sess, err := f.sessions.Create(ctx, user.SubjectID, sessions.TokenSetFrom(tok, f.now()), userAgent)
	if err != nil {
		return nil, err
	}

	logger.Info("Authorization completed",
		logger.UserID(user.SubjectID),
		logger.SessionID(sess.ID),
		logger.ClientID(attempt.ClientID),
	)
	return &Completion{SessionID: sess.ID, UserEmail: user.Email, ExpiresAt: sess.ExpiresAt}, nil
}

// Refresh forces a token refresh for sessionID.
func (f *Flow) Refresh(ctx context.Context, sessionID string) (*models.Session, error) {
	if sessionID == "" {
		return nil, autherr.ErrAuthenticationRequired
	}
	sess, err := f.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, autherr.ErrInvalidSession
	}
	return f.refresher.Refresh(ctx, sess, true)
}

// Logout deletes the session and asks the provider to revoke its refresh token.
// Revocation is best effort; logging out a missing session succeeds.
func (f *Flow) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return autherr.ErrAuthenticationRequired
	}
	sess, err := f.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return nil
	}

	refreshToken, decErr := f.sessions.DecryptedRefreshToken(ctx, sessionID)
	if err := f.sessions.Delete(ctx, sessionID); err != nil {
		return err
	}
	logger.Info("Session logged out", logger.SessionID(sessionID), logger.UserID(sess.UserID))

	if decErr != nil {
		logger.Warn("Skipping token revocation", logger.SessionID(sessionID), zap.Error(decErr))
		return nil
	}
	if err := f.provider.RevokeToken(ctx, refreshToken); err != nil {
		if errors.Is(err, providers.ErrRevocationUnsupported) {
			logger.Debug("Provider does not support revocation", logger.SessionID(sessionID))
		} else {
			logger.Warn("Token revocation failed", logger.SessionID(sessionID), zap.Error(err))
		}
	}
	return nil
}

// Abandon consumes the attempt named by st after the provider reported an
// authorization error, so the state cannot be replayed.
func (f *Flow) Abandon(ctx context.Context, st, reason string) error {
	if st != "" {
		if _, err := f.states.Take(ctx, st); err != nil && !errors.Is(err, state.ErrNotFound) {
			logger.Warn("Failed to discard authorization state", zap.Error(err))
		}
	}
	logger.Info("Authorization declined at provider", zap.String("reason", reason))
	return autherr.New(autherr.KindAuthorizationExchange, "authorization was not granted, please try again")
}
