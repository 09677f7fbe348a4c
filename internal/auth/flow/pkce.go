package flow

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"
)

const (
	verifierBytes = 96
	stateBytes    = 32
)

// NewCodeVerifier returns a PKCE code verifier of 96 random bytes, base64url encoded.
func NewCodeVerifier() (string, error) {
	return randomToken(verifierBytes)
}

// CodeChallenge derives the S256 challenge for verifier.
func CodeChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// NewState returns an unguessable state parameter.
func NewState() (string, error) {
	return randomToken(stateBytes)
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
