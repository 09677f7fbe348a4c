// Package state keeps the short-lived record linking an authorization attempt's
// state parameter to its PKCE verifier. Every record can be taken exactly once.
package state

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Take when the state is unknown, expired or already used.
var ErrNotFound = errors.New("authorization state not found")

// Attempt is the data remembered between Begin and Complete.
type Attempt struct {
	CodeVerifier string    `json:"code_verifier"`
	RedirectURI  string    `json:"redirect_uri,omitempty"`
	ClientID     string    `json:"client_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store holds attempts keyed by state.
type Store interface {
	Put(ctx context.Context, state string, attempt Attempt, ttl time.Duration) error
	// Take atomically returns and removes the attempt.
	Take(ctx context.Context, state string) (*Attempt, error)
}
