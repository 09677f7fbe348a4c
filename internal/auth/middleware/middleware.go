// Package middleware gates MCP requests behind a valid session and carries the
// resolved identity to tool handlers.
package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/brizzai/task-mcp/internal/auth/autherr"
	"github.com/brizzai/task-mcp/internal/auth/constants"
	"github.com/brizzai/task-mcp/internal/auth/models"
	"github.com/brizzai/task-mcp/internal/logger"
	"go.uber.org/zap"
)

const maxBodyBytes = 4 << 20

type identityContextKey struct{}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id *models.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext returns the identity placed by the middleware, if any.
func IdentityFromContext(ctx context.Context) (*models.Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(*models.Identity)
	return id, ok && id != nil
}

// Options configures the HTTP middleware.
type Options struct {
	// Header carries the session id. Defaults to Session-Id.
	Header string
	// AuthorizationURL is returned to callers that need to authorize again.
	AuthorizationURL string
	// ResourceMetadataURL is advertised in WWW-Authenticate challenges.
	ResourceMetadataURL string
}

// Authenticate returns middleware that lets public JSON-RPC methods through and
// requires a valid session for everything else.
func Authenticate(a *Authenticator, opts Options) func(http.Handler) http.Handler {
	if opts.Header == "" {
		opts.Header = constants.SessionHeaderName
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			protected := true
			var methods []string
			if r.Method == http.MethodPost {
				body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
				if err != nil {
					WriteError(w, autherr.Validation("request body could not be read"), opts)
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))
				protected, methods = Classify(body)
			}

			if !protected {
				next.ServeHTTP(w, r)
				return
			}

			id, err := a.Authenticate(r.Context(), ExtractSessionID(r, opts.Header))
			if err != nil {
				logger.Debug("Rejected request",
					zap.String("path", r.URL.Path),
					zap.Strings("methods", methods),
					zap.String("reason", string(autherr.KindOf(err))),
				)
				WriteError(w, err, opts)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// ExtractSessionID reads the session id from header, falling back to a bearer
// Authorization header.
func ExtractSessionID(r *http.Request, header string) string {
	if header == "" {
		header = constants.SessionHeaderName
	}
	if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
		return v
	}
	authHeader := r.Header.Get(constants.AuthHeaderName)
	if strings.HasPrefix(authHeader, constants.AuthHeaderPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, constants.AuthHeaderPrefix))
	}
	return ""
}

// WriteError writes the public shape of err. Internal causes are logged, never sent.
func WriteError(w http.ResponseWriter, err error, opts Options) {
	status, resp := autherr.ToResponse(err, opts.AuthorizationURL)
	if status >= http.StatusInternalServerError {
		logger.Error("Authentication failed internally", zap.Error(err))
	}

	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusUnauthorized {
		challenge := fmt.Sprintf(`%s realm=%q, error=%q, error_description=%q`,
			constants.TokenType, constants.Realm, resp.Error, resp.ErrorDescription)
		if opts.ResourceMetadataURL != "" {
			challenge += fmt.Sprintf(`, resource_metadata=%q`, opts.ResourceMetadataURL)
		}
		w.Header().Set("WWW-Authenticate", challenge)
	}
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error("Failed to encode error response", zap.Error(err))
	}
}

// CORSWithOrigins allows the listed origins, or any origin when the list is empty
// or contains "*". sessionHeader is the header clients send the session id in;
// empty means the default Session-Id.
func CORSWithOrigins(origins []string, sessionHeader string) func(http.Handler) http.Handler {
	allowAll := len(origins) == 0 || slices.Contains(origins, "*")
	if sessionHeader == "" {
		sessionHeader = constants.SessionHeaderName
	}
	allowHeaders := strings.Join([]string{
		"Content-Type", constants.AuthHeaderName, sessionHeader, constants.MCPSessionHeaderName,
	}, ", ")
	exposeHeaders := strings.Join([]string{constants.MCPSessionHeaderName, "WWW-Authenticate"}, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case origin == "":
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case slices.Contains(origins, origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS, DELETE, HEAD")
			w.Header().Set("Access-Control-Allow-Headers", allowHeaders)
			w.Header().Set("Access-Control-Expose-Headers", exposeHeaders)

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
