package providers

import (
	"context"
	"errors"

	"github.com/brizzai/task-mcp/internal/auth/models"
	"golang.org/x/oauth2"
)

var (
	// ErrGrantRevoked is returned by RefreshToken when the provider reports the
	// refresh token as revoked or otherwise unusable.
	ErrGrantRevoked = errors.New("grant revoked by provider")
	// ErrNoIDToken is returned by ValidateToken when the token response lacks an ID token.
	ErrNoIDToken = errors.New("no id_token in token response")
	// ErrRevocationUnsupported is returned by RevokeToken when the issuer publishes
	// no revocation endpoint.
	ErrRevocationUnsupported = errors.New("provider does not support token revocation")
)

// Provider defines the upstream identity provider operations the session layer uses.
type Provider interface {
	// GetAuthURL returns the authorization URL for an S256 PKCE challenge. An empty
	// redirectURI uses the configured one.
	GetAuthURL(state, codeChallenge, redirectURI string) string

	// ExchangeCode exchanges an authorization code and its PKCE verifier for tokens.
	ExchangeCode(ctx context.Context, code, codeVerifier, redirectURI string) (*oauth2.Token, error)

	// ValidateToken verifies the ID token carried by a token response and returns its claims.
	ValidateToken(ctx context.Context, token *oauth2.Token) (*models.UserInfo, error)

	// RefreshToken redeems a refresh token. The returned token always carries a
	// refresh token: the rotated one, or the input when the provider did not rotate.
	RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error)

	// ValidateAccessToken checks a raw access token with the provider and returns its owner.
	ValidateAccessToken(ctx context.Context, accessToken string) (*models.UserInfo, error)

	// RevokeToken asks the provider to revoke a token.
	RevokeToken(ctx context.Context, token string) error
}
