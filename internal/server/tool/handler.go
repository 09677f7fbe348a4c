// Package tool provides the MCP tools exposed by the server.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/brizzai/task-mcp/internal/auth/middleware"
	"github.com/brizzai/task-mcp/internal/auth/models"
	"github.com/brizzai/task-mcp/internal/logger"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
)

const (
	AuthStatusName = "auth_status"
	LogoutName     = "logout"
)

// SessionLookup reads a session by id.
type SessionLookup interface {
	Get(ctx context.Context, id string) (*models.Session, error)
}

// SessionEnder ends a session.
type SessionEnder interface {
	Logout(ctx context.Context, sessionID string) error
}

// HandlerFunc is the signature mcp-go expects for tool handlers.
type HandlerFunc func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)

// Handler manages tool execution for authenticated callers.
type Handler struct {
	sessions SessionLookup
	ender    SessionEnder
}

// NewHandler creates a new tool handler. Both arguments are nil when
// authentication is disabled; every tool then reports that no session exists.
func NewHandler(sessions SessionLookup, ender SessionEnder) *Handler {
	return &Handler{sessions: sessions, ender: ender}
}

// Tools lists the tool definitions served by this handler.
func (h *Handler) Tools() []mcp.Tool {
	return []mcp.Tool{
		mcp.NewTool(AuthStatusName,
			mcp.WithDescription("Show the authenticated user and the state of the current session"),
		),
		mcp.NewTool(LogoutName,
			mcp.WithDescription("End the current session and revoke its provider grant"),
		),
	}
}

// HandlerFor returns the handler for the named tool.
func (h *Handler) HandlerFor(name string) (HandlerFunc, error) {
	switch name {
	case AuthStatusName:
		return h.authenticated(name, h.authStatus), nil
	case LogoutName:
		return h.authenticated(name, h.logout), nil
	default:
		return nil, fmt.Errorf("unknown tool %q", name)
	}
}

type identityHandler func(context.Context, *models.Identity) (*mcp.CallToolResult, error)

// authenticated pulls the caller identity placed by the session middleware.
func (h *Handler) authenticated(name string, next identityHandler) HandlerFunc {
	return func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, ok := middleware.IdentityFromContext(ctx)
		if !ok || h.sessions == nil {
			logger.Warn("Tool called without an authenticated session", zap.String("tool", name))
			return mcp.NewToolResultError("Unauthorized: no authenticated session in context"), nil
		}
		logger.Debug("Authenticated tool call",
			zap.String("tool", name),
			logger.UserID(id.UserID),
			logger.SessionID(id.SessionID),
		)
		return next(ctx, id)
	}
}

type authStatus struct {
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	SessionID    string    `json:"session_id"`
	ExpiresAt    time.Time `json:"expires_at"`
	LastActivity time.Time `json:"last_activity"`
}

func (h *Handler) authStatus(ctx context.Context, id *models.Identity) (*mcp.CallToolResult, error) {
	sess, err := h.sessions.Get(ctx, id.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	if sess == nil {
		return mcp.NewToolResultError("Session no longer exists, please authorize again"), nil
	}

	body, err := json.Marshal(authStatus{
		UserID:       id.UserID,
		Email:        id.Email,
		SessionID:    id.SessionID,
		ExpiresAt:    sess.ExpiresAt,
		LastActivity: sess.LastActivity,
	})
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(body)), nil
}

func (h *Handler) logout(ctx context.Context, id *models.Identity) (*mcp.CallToolResult, error) {
	if err := h.ender.Logout(ctx, id.SessionID); err != nil {
		logger.Error("Logout tool failed", logger.SessionID(id.SessionID), zap.Error(err))
		return mcp.NewToolResultError("Logout failed, please try again"), nil
	}
	return mcp.NewToolResultText("Logged out. Authorize again to start a new session."), nil
}
