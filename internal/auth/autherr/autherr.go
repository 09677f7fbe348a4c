// Package autherr defines the error taxonomy of the authentication layer and the
// caller-facing shape each kind is reported with.
package autherr

import (
	"errors"
	"net/http"
)

// Kind identifies one class of authentication failure.
type Kind string

const (
	KindConfiguration          Kind = "configuration_error"
	KindValidation             Kind = "invalid_request"
	KindInvalidState           Kind = "invalid_state"
	KindAuthorizationExchange  Kind = "authorization_exchange_failed"
	KindIdentityVerification   Kind = "identity_verification_failed"
	KindAuthenticationRequired Kind = "authentication_required"
	KindInvalidSession         Kind = "invalid_session"
	KindAccessRevoked          Kind = "access_revoked"
	KindTokenRefresh           Kind = "token_refresh_failed"
	KindInvalidClient          Kind = "invalid_client"
	KindDecryption             Kind = "decryption_failed"
	KindInternal               Kind = "server_error"
)

// Error is a classified authentication failure. Message is safe to show to the
// caller; Err carries the internal cause for server-side logs only.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrInvalidState) works
// regardless of message or cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrConfiguration          = &Error{Kind: KindConfiguration, Message: "authentication is not configured"}
	ErrValidation             = &Error{Kind: KindValidation, Message: "invalid request"}
	ErrInvalidState           = &Error{Kind: KindInvalidState, Message: "authorization state is invalid or expired, please try authorizing again"}
	ErrAuthorizationExchange  = &Error{Kind: KindAuthorizationExchange, Message: "authorization could not be completed"}
	ErrIdentityVerification   = &Error{Kind: KindIdentityVerification, Message: "identity could not be verified"}
	ErrAuthenticationRequired = &Error{Kind: KindAuthenticationRequired, Message: "authentication required"}
	ErrInvalidSession         = &Error{Kind: KindInvalidSession, Message: "session is invalid or expired"}
	ErrAccessRevoked          = &Error{Kind: KindAccessRevoked, Message: "access was revoked, please authorize again"}
	ErrTokenRefresh           = &Error{Kind: KindTokenRefresh, Message: "session could not be renewed, please authorize again"}
	ErrInvalidClient          = &Error{Kind: KindInvalidClient, Message: "client authentication failed"}
	ErrDecryption             = &Error{Kind: KindDecryption, Message: "stored credentials are unreadable"}
)

// New builds an error of the given kind with a caller-safe message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an error of the given kind keeping cause for logs. An empty message
// falls back to the kind's default.
func Wrap(kind Kind, message string, cause error) *Error {
	if message == "" {
		message = defaultMessage(kind)
	}
	return &Error{Kind: kind, Message: message, Err: cause}
}

// Validation is shorthand for New(KindValidation, message).
func Validation(message string) *Error {
	return New(KindValidation, message)
}

func defaultMessage(kind Kind) string {
	for _, s := range []*Error{
		ErrConfiguration, ErrValidation, ErrInvalidState, ErrAuthorizationExchange,
		ErrIdentityVerification, ErrAuthenticationRequired, ErrInvalidSession,
		ErrAccessRevoked, ErrTokenRefresh, ErrInvalidClient, ErrDecryption,
	} {
		if s.Kind == kind {
			return s.Message
		}
	}
	return "internal error"
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// NeedsReauthorization reports whether the user can recover by starting the
// authorization flow again.
func NeedsReauthorization(kind Kind) bool {
	switch kind {
	case KindAuthenticationRequired, KindInvalidSession, KindInvalidState,
		KindAccessRevoked, KindTokenRefresh, KindAuthorizationExchange, KindIdentityVerification:
		return true
	}
	return false
}

// HTTPStatus maps a kind to the status code used on the HTTP surface.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation, KindInvalidState, KindAuthorizationExchange, KindIdentityVerification:
		return http.StatusBadRequest
	case KindAuthenticationRequired, KindInvalidSession, KindAccessRevoked, KindTokenRefresh, KindInvalidClient:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Response is the caller-facing body for an auth failure. It never carries the
// internal cause.
type Response struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	AuthorizationURL string `json:"authorization_url,omitempty"`
}

// ToResponse converts err into its public shape. Non-recoverable kinds collapse
// into a generic server_error.
func ToResponse(err error, authorizationURL string) (int, Response) {
	kind := KindOf(err)
	switch kind {
	case KindConfiguration, KindDecryption, KindInternal:
		return http.StatusInternalServerError, Response{
			Error:            string(KindInternal),
			ErrorDescription: "internal error",
		}
	}

	var e *Error
	errors.As(err, &e)
	resp := Response{Error: string(kind), ErrorDescription: e.Message}
	if NeedsReauthorization(kind) {
		resp.AuthorizationURL = authorizationURL
	}
	return HTTPStatus(kind), resp
}
