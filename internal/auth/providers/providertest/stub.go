// Package providertest provides an in-memory identity provider for tests.
package providertest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brizzai/task-mcp/internal/auth/models"
	"github.com/brizzai/task-mcp/internal/auth/providers"
	"golang.org/x/oauth2"
)

// ErrRejected is returned for unknown codes and tokens.
var ErrRejected = errors.New("rejected by stub provider")

var _ providers.Provider = (*Stub)(nil)

// Stub issues opaque tokens and remembers which user each belongs to. Refresh
// tokens are single use: redeeming one rotates it.
type Stub struct {
	// TokenLifetime is the expiry given to issued access tokens. Defaults to an hour.
	TokenLifetime time.Duration
	// RefreshDelay is slept inside RefreshToken to widen race windows.
	RefreshDelay time.Duration
	// RefreshErr, when set, is returned by every RefreshToken call.
	RefreshErr error
	// RevokeErr, when set, is returned by every RevokeToken call.
	RevokeErr error

	mu      sync.Mutex
	codes   map[string]models.UserInfo
	access  map[string]models.UserInfo
	refresh map[string]models.UserInfo
	revoked []string
	seq     int

	exchangeCalls atomic.Int32
	refreshCalls  atomic.Int32
	validateCalls atomic.Int32
}

// NewStub returns an empty stub.
func NewStub() *Stub {
	return &Stub{
		TokenLifetime: time.Hour,
		codes:         make(map[string]models.UserInfo),
		access:        make(map[string]models.UserInfo),
		refresh:       make(map[string]models.UserInfo),
	}
}

// AddCode makes code redeemable once for user.
func (s *Stub) AddCode(code string, user models.UserInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code] = user
}

// Issue mints a token pair for user without going through a code exchange.
func (s *Stub) Issue(user models.UserInfo) *oauth2.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked(user)
}

func (s *Stub) issueLocked(user models.UserInfo) *oauth2.Token {
	s.seq++
	t := &oauth2.Token{
		AccessToken:  fmt.Sprintf("access-%d", s.seq),
		RefreshToken: fmt.Sprintf("refresh-%d", s.seq),
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(s.TokenLifetime),
	}
	s.access[t.AccessToken] = user
	s.refresh[t.RefreshToken] = user
	return t.WithExtra(map[string]any{"id_token": "id-" + t.AccessToken})
}

// RevokeGrant invalidates a refresh token as if the user revoked access.
func (s *Stub) RevokeGrant(refreshToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.refresh, refreshToken)
}

// ExpireAccess invalidates an access token at the provider.
func (s *Stub) ExpireAccess(accessToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.access, accessToken)
}

// Revoked lists tokens passed to RevokeToken.
func (s *Stub) Revoked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.revoked...)
}

func (s *Stub) ExchangeCalls() int { return int(s.exchangeCalls.Load()) }
func (s *Stub) RefreshCalls() int  { return int(s.refreshCalls.Load()) }
func (s *Stub) ValidateCalls() int { return int(s.validateCalls.Load()) }

func (s *Stub) GetAuthURL(state, codeChallenge, redirectURI string) string {
	v := url.Values{
		"response_type":         {"code"},
		"client_id":             {"stub-client"},
		"scope":                 {"openid email profile"},
		"state":                 {state},
		"code_challenge":        {codeChallenge},
		"code_challenge_method": {"S256"},
		"access_type":           {"offline"},
	}
	if redirectURI != "" {
		v.Set("redirect_uri", redirectURI)
	}
	return "https://idp.test/authorize?" + v.Encode()
}

func (s *Stub) ExchangeCode(_ context.Context, code, codeVerifier, _ string) (*oauth2.Token, error) {
	s.exchangeCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.codes[code]
	if !ok || codeVerifier == "" {
		return nil, &oauth2.RetrieveError{ErrorCode: "invalid_grant", ErrorDescription: "bad code"}
	}
	delete(s.codes, code)
	return s.issueLocked(user), nil
}

func (s *Stub) ValidateToken(_ context.Context, token *oauth2.Token) (*models.UserInfo, error) {
	if _, ok := token.Extra("id_token").(string); !ok {
		return nil, providers.ErrNoIDToken
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.access[token.AccessToken]
	if !ok {
		return nil, ErrRejected
	}
	return &user, nil
}

func (s *Stub) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	s.refreshCalls.Add(1)
	if s.RefreshDelay > 0 {
		select {
		case <-time.After(s.RefreshDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.RefreshErr != nil {
		return nil, s.RefreshErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.refresh[refreshToken]
	if !ok {
		return nil, fmt.Errorf("%w: refresh token is not valid", providers.ErrGrantRevoked)
	}
	delete(s.refresh, refreshToken)
	return s.issueLocked(user), nil
}

func (s *Stub) ValidateAccessToken(_ context.Context, accessToken string) (*models.UserInfo, error) {
	s.validateCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.access[accessToken]
	if !ok {
		return nil, ErrRejected
	}
	return &user, nil
}

func (s *Stub) RevokeToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.revoked = append(s.revoked, token)
	if s.RevokeErr != nil {
		return s.RevokeErr
	}
	delete(s.refresh, token)
	return nil
}
