// Package server provides the MCP server fronted by the OAuth session layer.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/brizzai/task-mcp/internal/auth"
	"github.com/brizzai/task-mcp/internal/config"
	"github.com/brizzai/task-mcp/internal/logger"
	"github.com/brizzai/task-mcp/internal/server/handler"
	"github.com/brizzai/task-mcp/internal/server/tool"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	// shutdownTimeout is the maximum time to wait for server shutdown
	shutdownTimeout = 5 * time.Second
)

// Params are the server's dependencies. Auth is absent when OAuth is disabled.
type Params struct {
	fx.In

	Config *config.Config
	Auth   *auth.Service `optional:"true"`
}

// Server represents the MCP server instance. It supports SSE, HTTP, and STDIO
// modes; STDIO is only available without authentication.
type Server struct {
	config  *config.Config
	mcp     *mcpserver.MCPServer
	auth    *auth.Service
	handler *handler.Handler
	tool    *tool.Handler
}

// NewServer creates a new MCP server instance and registers its tools.
func NewServer(p Params) (*Server, error) {
	if p.Config == nil {
		return nil, errors.New("config cannot be nil")
	}

	srv := &Server{
		config: p.Config,
		mcp: mcpserver.NewMCPServer(
			p.Config.Server.Name,
			p.Config.Server.Version,
			mcpserver.WithToolCapabilities(false),
		),
		auth:    p.Auth,
		handler: handler.NewHandler(p.Auth),
	}

	if p.Auth != nil {
		srv.tool = tool.NewHandler(p.Auth.Sessions(), p.Auth.Flow())
	} else {
		srv.tool = tool.NewHandler(nil, nil)
	}

	if err := srv.setupTools(); err != nil {
		return nil, fmt.Errorf("failed to setup tools: %w", err)
	}
	return srv, nil
}

func (s *Server) setupTools() error {
	for _, t := range s.tool.Tools() {
		h, err := s.tool.HandlerFor(t.Name)
		if err != nil {
			return err
		}
		logger.Debug("Adding tool", zap.String("name", t.Name))
		s.mcp.AddTool(t, mcpserver.ToolHandlerFunc(h))
	}
	return nil
}

// HTTPHandler returns the full HTTP stack for the given mode.
func (s *Server) HTTPHandler(mode config.ServerMode) http.Handler {
	var mcpHandler http.Handler
	if mode == config.ServerModeSSE {
		mcpHandler = mcpserver.NewSSEServer(s.mcp, mcpserver.WithBaseURL(s.publicURL()))
	} else {
		mcpHandler = mcpserver.NewStreamableHTTPServer(s.mcp)
	}
	return s.handler.CreateHTTPHandler(mcpHandler)
}

func (s *Server) publicURL() string {
	if s.config.OAuth != nil && s.config.OAuth.BaseURL != "" {
		return s.config.OAuth.BaseURL
	}
	return fmt.Sprintf("http://%s:%d", s.config.Server.Host, s.config.Server.Port)
}

// httpServer builds the listener for mode. Responses may be long-lived event
// streams, so only reading the request is bounded.
func (s *Server) httpServer(mode config.ServerMode) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port),
		Handler:           s.HTTPHandler(mode),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.config.Server.Timeout,
	}
}

func (s *Server) serveHTTP(ctx context.Context, mode config.ServerMode) error {
	server := s.httpServer(mode)
	addr := server.Addr

	// Channel for server errors
	errChan := make(chan error, 1)

	go func() {
		logger.Info("Starting server",
			zap.String("mode", string(mode)),
			zap.String("address", addr),
		)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down server",
			zap.String("mode", string(mode)),
			zap.Duration("timeout", shutdownTimeout),
		)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		return nil

	case err := <-errChan:
		return err
	}
}

// ServeSTDIO serves MCP over standard I/O. Requests carry no headers there, so
// it refuses to run when authentication is enabled.
func (s *Server) ServeSTDIO(ctx context.Context) error {
	if s.auth != nil {
		return fmt.Errorf("%w: stdio mode is not available with oauth enabled", config.ErrInvalidConfig)
	}
	logger.Info("Starting STDIO server")
	stdioServer := mcpserver.NewStdioServer(s.mcp)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// Start runs the server in the configured mode until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	logger.Info("Starting server",
		zap.String("mode", string(s.config.Server.Mode)),
		zap.String("version", s.config.Server.Version),
		zap.Bool("auth", s.auth != nil),
	)

	switch s.config.Server.Mode {
	case config.ServerModeSSE, config.ServerModeHTTP:
		return s.serveHTTP(ctx, s.config.Server.Mode)
	case config.ServerModeSTDIO:
		return s.ServeSTDIO(ctx)
	default:
		return fmt.Errorf("unsupported server mode: %s", s.config.Server.Mode)
	}
}

// registerHooks runs the server for the lifetime of the fx app. A server that
// stops on its own shuts the app down.
func registerHooks(lc fx.Lifecycle, sd fx.Shutdowner, s *Server) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := s.Start(ctx); err != nil {
					logger.Error("Server stopped", zap.Error(err))
					_ = sd.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}

// Module provides the MCP server and binds it to the app lifecycle
var Module = fx.Module("mcp_server",
	fx.Provide(
		NewServer,
	),
	fx.Invoke(registerHooks),
)
