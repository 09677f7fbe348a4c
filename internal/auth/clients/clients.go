// Package clients implements Dynamic Client Registration for public clients.
package clients

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/brizzai/task-mcp/internal/auth/autherr"
	"github.com/brizzai/task-mcp/internal/auth/encryption"
	"github.com/brizzai/task-mcp/internal/auth/models"
	"github.com/brizzai/task-mcp/internal/logger"
	"github.com/brizzai/task-mcp/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// MaxRedirectURIs bounds the redirect URIs of one registration.
	MaxRedirectURIs = 5
	// DefaultTTL is how long a registration stays valid.
	DefaultTTL = 30 * 24 * time.Hour

	clientIDPrefix = "client_"
	secretBytes    = 32
)

// Registration is the result of Register. ClientSecret is the only copy of the
// plaintext secret.
type Registration struct {
	ClientID     string
	ClientSecret string
	ClientName   string
	Platform     models.Platform
	RedirectURIs []string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// Registry stores and validates dynamic client registrations.
type Registry struct {
	repo   storage.ClientRepository
	cipher *encryption.TokenCipher
	ttl    time.Duration
	now    func() time.Time
}

// NewRegistry creates a Registry. A non-positive ttl uses DefaultTTL.
func NewRegistry(repo storage.ClientRepository, cipher *encryption.TokenCipher, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{repo: repo, cipher: cipher, ttl: ttl, now: time.Now}
}

// Register issues a new client id and secret.
func (r *Registry) Register(ctx context.Context, platform string, redirectURIs []string, clientName string) (*Registration, error) {
	p, err := models.ParsePlatform(strings.ToLower(strings.TrimSpace(platform)))
	if err != nil {
		return nil, autherr.Validation(err.Error())
	}
	if err := ValidateRedirectURIs(redirectURIs); err != nil {
		return nil, err
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, err
	}
	sealed, err := r.cipher.Encrypt(secret)
	if err != nil {
		return nil, fmt.Errorf("seal client secret: %w", err)
	}

	now := r.now()
	client := &models.DynamicClient{
		ClientID:     clientIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", ""),
		ClientName:   strings.TrimSpace(clientName),
		ClientSecret: sealed,
		Platform:     p,
		RedirectURIs: append([]string(nil), redirectURIs...),
		CreatedAt:    now,
		ExpiresAt:    now.Add(r.ttl),
	}
	if err := r.repo.CreateClient(ctx, client); err != nil {
		return nil, fmt.Errorf("store client: %w", err)
	}

	logger.Info("Registered dynamic client",
		logger.ClientID(client.ClientID),
		zap.String("platform", string(p)),
		zap.Time("expires_at", client.ExpiresAt),
	)

	return &Registration{
		ClientID:     client.ClientID,
		ClientSecret: secret,
		ClientName:   client.ClientName,
		Platform:     p,
		RedirectURIs: client.RedirectURIs,
		CreatedAt:    client.CreatedAt,
		ExpiresAt:    client.ExpiresAt,
	}, nil
}

// Validate checks client credentials and records the use.
func (r *Registry) Validate(ctx context.Context, clientID, clientSecret string) (*models.DynamicClient, error) {
	client, err := r.active(ctx, clientID)
	if err != nil {
		return nil, err
	}

	stored, err := r.cipher.Decrypt(client.ClientSecret)
	if err != nil {
		logger.Error("Stored client secret is unreadable", logger.ClientID(clientID), zap.Error(err))
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(clientSecret)) != 1 {
		logger.Warn("Client secret mismatch", logger.ClientID(clientID))
		return nil, autherr.ErrInvalidClient
	}

	now := r.now()
	if err := r.repo.TouchClient(ctx, clientID, now); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, autherr.ErrInvalidClient
		}
		return nil, fmt.Errorf("touch client: %w", err)
	}
	client.LastUsed = &now
	return client, nil
}

// ValidateRedirectURI checks that uri exactly matches one registered for an
// unexpired client.
func (r *Registry) ValidateRedirectURI(ctx context.Context, clientID, uri string) (*models.DynamicClient, error) {
	client, err := r.active(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !client.HasRedirectURI(uri) {
		return nil, autherr.Validation("redirect_uri is not registered for this client")
	}
	return client, nil
}

// Get returns a registration. The secret field stays sealed.
func (r *Registry) Get(ctx context.Context, clientID string) (*models.DynamicClient, error) {
	client, err := r.repo.GetClient(ctx, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, autherr.ErrInvalidClient
	}
	if err != nil {
		return nil, fmt.Errorf("get client: %w", err)
	}
	return client, nil
}

// List returns registrations newest first, optionally for one platform.
func (r *Registry) List(ctx context.Context, platform models.Platform) ([]*models.DynamicClient, error) {
	clients, err := r.repo.ListClients(ctx, platform)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	return clients, nil
}

// Revoke deletes a registration.
func (r *Registry) Revoke(ctx context.Context, clientID string) error {
	err := r.repo.DeleteClient(ctx, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		return autherr.ErrInvalidClient
	}
	if err != nil {
		return fmt.Errorf("revoke client: %w", err)
	}
	logger.Info("Revoked dynamic client", logger.ClientID(clientID))
	return nil
}

// SweepExpired deletes every registration whose expiry has passed.
func (r *Registry) SweepExpired(ctx context.Context) (int64, error) {
	n, err := r.repo.DeleteExpiredClients(ctx, r.now())
	if err != nil {
		return 0, fmt.Errorf("sweep clients: %w", err)
	}
	return n, nil
}

func (r *Registry) active(ctx context.Context, clientID string) (*models.DynamicClient, error) {
	if clientID == "" {
		return nil, autherr.ErrInvalidClient
	}
	client, err := r.Get(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if client.Expired(r.now()) {
		logger.Warn("Expired client presented", logger.ClientID(clientID))
		return nil, autherr.New(autherr.KindInvalidClient, "client registration has expired, please register again")
	}
	return client, nil
}

// ValidateRedirectURIs checks count and shape of redirect URIs. Allowed forms are
// https URLs, http on a loopback host, and custom app schemes written as scheme://.
func ValidateRedirectURIs(uris []string) error {
	if len(uris) == 0 {
		return autherr.Validation("at least one redirect_uri is required")
	}
	if len(uris) > MaxRedirectURIs {
		return autherr.Validation(fmt.Sprintf("at most %d redirect_uris are allowed", MaxRedirectURIs))
	}
	for _, uri := range uris {
		if err := validateRedirectURI(uri); err != nil {
			return autherr.Validation(fmt.Sprintf("invalid redirect_uri %q: %s", uri, err))
		}
	}
	return nil
}

var forbiddenSchemes = map[string]bool{"javascript": true, "data": true, "file": true, "vbscript": true}

func validateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errors.New("not a valid URI")
	}
	if u.Fragment != "" || strings.Contains(raw, "#") {
		return errors.New("must not contain a fragment")
	}

	scheme := strings.ToLower(u.Scheme)
	switch {
	case scheme == "":
		return errors.New("missing scheme")
	case scheme == "https":
		if u.Host == "" {
			return errors.New("missing host")
		}
	case scheme == "http":
		if !isLoopback(u.Hostname()) {
			return errors.New("http is only allowed for localhost")
		}
	case forbiddenSchemes[scheme]:
		return fmt.Errorf("scheme %q is not allowed", scheme)
	default:
		if !strings.HasPrefix(raw[len(scheme):], "://") {
			return errors.New("custom schemes must use the scheme:// form")
		}
	}
	return nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func generateSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate client secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
