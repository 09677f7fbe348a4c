// Package models holds the records shared by the authentication packages.
package models

import (
	"fmt"
	"time"
)

// UserInfo represents the verified identity claims returned by the provider.
type UserInfo struct {
	ID      string
	Email   string
	Name    string
	Picture string
}

// User is an authenticated identity keyed by the provider's subject id.
type User struct {
	SubjectID   string
	Email       string
	DisplayName string
	CreatedAt   time.Time
	LastLogin   time.Time
}

// Session binds one user to an encrypted token pair. Token fields hold
// ciphertext only.
type Session struct {
	ID                    string
	UserID                string
	EncryptedAccessToken  []byte
	EncryptedRefreshToken []byte
	ExpiresAt             time.Time
	CreatedAt             time.Time
	LastActivity          time.Time
	UserAgent             string
}

// Expired reports whether the access token expiry has passed at now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// Inactive reports whether the session has been idle longer than window.
func (s *Session) Inactive(now time.Time, window time.Duration) bool {
	return now.Sub(s.LastActivity) > window
}

// Platform tags the kind of application holding a dynamic client registration.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformDesktop Platform = "desktop"
	PlatformCLI     Platform = "cli"
	PlatformWeb     Platform = "web"
)

// Platforms lists every accepted platform tag.
func Platforms() []Platform {
	return []Platform{PlatformIOS, PlatformAndroid, PlatformDesktop, PlatformCLI, PlatformWeb}
}

// ParsePlatform validates a platform tag.
func ParsePlatform(s string) (Platform, error) {
	for _, p := range Platforms() {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("unsupported platform %q", s)
}

// DynamicClient is a public client registered at runtime. ClientSecret holds
// ciphertext.
type DynamicClient struct {
	ClientID     string
	ClientName   string
	ClientSecret []byte
	Platform     Platform
	RedirectURIs []string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastUsed     *time.Time
}

// Expired reports whether the registration has lapsed at now.
func (c *DynamicClient) Expired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

// HasRedirectURI reports whether uri exactly matches a registered redirect URI.
func (c *DynamicClient) HasRedirectURI(uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// Identity is the authenticated caller handed to downstream handlers.
type Identity struct {
	UserID    string
	Email     string
	SessionID string
}

// Secret wraps token material so it prints as a placeholder in logs, JSON and
// fmt output. Use Reveal to get the value.
type Secret string

func (Secret) String() string { return "[REDACTED]" }

func (Secret) GoString() string { return "[REDACTED]" }

func (s Secret) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Reveal returns the wrapped value.
func (s Secret) Reveal() string { return string(s) }

// TokenSet is a provider-issued token pair with the access token expiry.
type TokenSet struct {
	AccessToken  Secret
	RefreshToken Secret
	ExpiresAt    time.Time
}
