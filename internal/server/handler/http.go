// Package handler provides HTTP request handling for the MCP server.
package handler

import (
	"net/http"

	"github.com/brizzai/task-mcp/internal/auth"
	"github.com/brizzai/task-mcp/internal/auth/constants"
	"github.com/brizzai/task-mcp/internal/logger"
	"github.com/mark3labs/mcp-go/mcp"
)

// Handler manages HTTP request handling and middleware configuration.
type Handler struct {
	auth *auth.Service
}

// NewHandler creates a new HTTP handler. A nil service serves MCP without
// authentication.
func NewHandler(auth *auth.Service) *Handler {
	return &Handler{
		auth: auth,
	}
}

// CreateHTTPHandler creates an HTTP handler with the appropriate middleware stack.
// If authentication is enabled, OAuth routes are registered and every other
// route goes through the session middleware.
func (h *Handler) CreateHTTPHandler(mcpHandler http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("HEAD /{$}", HandleProtocolHead)

	if h.auth == nil {
		mux.Handle("/", mcpHandler)
		logger.Warn("Running without authentication")
		return LoggingMiddleware(mux)
	}

	h.auth.RegisterRoutes(mux)
	logger.Info("Registered authentication routes")
	mux.Handle("/", h.auth.Authenticate()(mcpHandler))
	return LoggingMiddleware(h.auth.WrapWithCors(mux))
}

// HandleProtocolHead answers HEAD / with the supported MCP protocol revision so
// clients can check the protocol version without opening a session.
func HandleProtocolHead(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set(constants.ProtocolVersionHeader, mcp.LATEST_PROTOCOL_VERSION)
	w.WriteHeader(http.StatusOK)
}
