package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/brizzai/task-mcp/internal/auth/models"
	"github.com/brizzai/task-mcp/internal/config"
	"github.com/brizzai/task-mcp/internal/logger"
	"github.com/coreos/go-oidc/v3/oidc"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const defaultTimeout = 10 * time.Second

var _ Provider = (*OIDCProvider)(nil)

// OIDCProvider talks to a single OpenID Connect issuer discovered from its
// well-known configuration. Every outbound call is bounded by the configured timeout.
type OIDCProvider struct {
	oauth2Config  *oauth2.Config
	provider      *oidc.Provider
	verifier      *oidc.IDTokenVerifier
	revocationURL string
	httpClient    *http.Client
	timeout       time.Duration
}

// Option configures an OIDCProvider.
type Option func(*OIDCProvider)

// WithHTTPClient sets the client used for every provider call.
func WithHTTPClient(c *http.Client) Option {
	return func(p *OIDCProvider) { p.httpClient = c }
}

// NewOIDCProvider runs issuer discovery and builds the OAuth2 client.
func NewOIDCProvider(ctx context.Context, cfg *config.OAuthConfig, opts ...Option) (*OIDCProvider, error) {
	p := &OIDCProvider{timeout: cfg.ProviderTimeout}
	for _, opt := range opts {
		opt(p)
	}
	if p.timeout <= 0 {
		p.timeout = defaultTimeout
	}

	dctx, cancel := p.callContext(ctx)
	defer cancel()

	provider, err := oidc.NewProvider(dctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
	}

	var extra struct {
		RevocationURL string `json:"revocation_endpoint"`
	}
	if err := provider.Claims(&extra); err != nil {
		return nil, fmt.Errorf("failed to read provider metadata: %w", err)
	}

	p.provider = provider
	p.revocationURL = extra.RevocationURL
	p.verifier = provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})
	p.oauth2Config = &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     provider.Endpoint(),
		RedirectURL:  cfg.RedirectURL,
		Scopes:       cfg.Scopes,
	}

	logger.Info("Discovered identity provider",
		zap.String("issuer", cfg.IssuerURL),
		zap.Bool("revocation", p.revocationURL != ""),
	)
	return p, nil
}

// Timeout is the bound applied to each provider call.
func (p *OIDCProvider) Timeout() time.Duration { return p.timeout }

// callContext attaches the HTTP client and the call timeout.
func (p *OIDCProvider) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.httpClient != nil {
		ctx = oidc.ClientContext(ctx, p.httpClient)
	}
	return context.WithTimeout(ctx, p.timeout)
}

func (p *OIDCProvider) GetAuthURL(state, codeChallenge, redirectURI string) string {
	opts := []oauth2.AuthCodeOption{
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	}
	if redirectURI != "" {
		opts = append(opts, oauth2.SetAuthURLParam("redirect_uri", redirectURI))
	}
	return p.oauth2Config.AuthCodeURL(state, opts...)
}

func (p *OIDCProvider) ExchangeCode(ctx context.Context, code, codeVerifier, redirectURI string) (*oauth2.Token, error) {
	cfg := *p.oauth2Config // copy
	if redirectURI != "" {
		cfg.RedirectURL = redirectURI
	}

	ctx, cancel := p.callContext(ctx)
	defer cancel()

	token, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}
	return token, nil
}

func (p *OIDCProvider) ValidateToken(ctx context.Context, token *oauth2.Token) (*models.UserInfo, error) {
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, ErrNoIDToken
	}

	ctx, cancel := p.callContext(ctx)
	defer cancel()

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %w", err)
	}

	var claims struct {
		Sub     string `json:"sub"`
		Email   string `json:"email"`
		Name    string `json:"name"`
		Picture string `json:"picture"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse claims: %w", err)
	}
	if claims.Sub == "" || claims.Email == "" {
		return nil, errors.New("ID token is missing the subject or email claim")
	}

	return &models.UserInfo{
		ID:      claims.Sub,
		Email:   claims.Email,
		Name:    claims.Name,
		Picture: claims.Picture,
	}, nil
}

func (p *OIDCProvider) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	ctx, cancel := p.callContext(ctx)
	defer cancel()

	token, err := p.oauth2Config.TokenSource(ctx, &oauth2.Token{
		RefreshToken: refreshToken,
	}).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.ErrorCode == "invalid_grant" {
			return nil, fmt.Errorf("%w: %s", ErrGrantRevoked, re.ErrorDescription)
		}
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}
	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}
	return token, nil
}

func (p *OIDCProvider) ValidateAccessToken(ctx context.Context, accessToken string) (*models.UserInfo, error) {
	ctx, cancel := p.callContext(ctx)
	defer cancel()

	info, err := p.provider.UserInfo(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to call userinfo endpoint: %w", err)
	}

	var claims struct {
		Name    string `json:"name"`
		Picture string `json:"picture"`
	}
	if err := info.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to decode userinfo response: %w", err)
	}

	return &models.UserInfo{
		ID:      info.Subject,
		Email:   info.Email,
		Name:    claims.Name,
		Picture: claims.Picture,
	}, nil
}

// RevokeToken posts to the issuer's RFC 7009 revocation endpoint.
func (p *OIDCProvider) RevokeToken(ctx context.Context, token string) error {
	if p.revocationURL == "" {
		return ErrRevocationUnsupported
	}

	ctx, cancel := p.callContext(ctx)
	defer cancel()

	form := url.Values{"token": {token}, "token_type_hint": {"refresh_token"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.revocationURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build revocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(url.QueryEscape(p.oauth2Config.ClientID), url.QueryEscape(p.oauth2Config.ClientSecret))

	client := p.httpClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call revocation endpoint: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Error("Failed to close response body", zap.Error(err))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revocation request failed with status %d", resp.StatusCode)
	}
	return nil
}
