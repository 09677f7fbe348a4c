package auth

import (
	"net/http"

	"github.com/brizzai/task-mcp/internal/auth/clients"
	"github.com/brizzai/task-mcp/internal/auth/constants"
	"github.com/brizzai/task-mcp/internal/auth/encryption"
	"github.com/brizzai/task-mcp/internal/auth/flow"
	"github.com/brizzai/task-mcp/internal/auth/handlers"
	"github.com/brizzai/task-mcp/internal/auth/middleware"
	"github.com/brizzai/task-mcp/internal/auth/providers"
	"github.com/brizzai/task-mcp/internal/auth/sessions"
	"github.com/brizzai/task-mcp/internal/auth/state"
	"github.com/brizzai/task-mcp/internal/auth/users"
	"github.com/brizzai/task-mcp/internal/config"
	"github.com/brizzai/task-mcp/internal/storage"
	"go.uber.org/fx"
)

// Service represents the OAuth service
type Service struct {
	config        *config.OAuthConfig
	authConfig    *config.AuthConfig
	handler       *handlers.Handler
	authenticator *middleware.Authenticator
	flow          *flow.Flow
	clients       *clients.Registry
	sessions      *sessions.Store
}

// NewService wires the session layer over store, states and provider.
func NewService(
	cfg *config.OAuthConfig,
	authCfg *config.AuthConfig,
	store storage.Store,
	states state.Store,
	provider providers.Provider,
	cipher *encryption.TokenCipher,
) *Service {
	dir := users.NewDirectory(store)
	sessionStore := sessions.NewStore(store, cipher, authCfg.MaxSessions)
	registry := clients.NewRegistry(store, cipher, authCfg.ClientTTL)
	refresher := sessions.NewRefresher(sessionStore, provider, sessions.WithLease(3*cfg.ProviderTimeout))

	f := flow.New(flow.Deps{
		Provider:  provider,
		States:    states,
		Users:     dir,
		Sessions:  sessionStore,
		Clients:   registry,
		Refresher: refresher,
		StateTTL:  authCfg.StateTTL,
	})

	return &Service{
		config:        cfg,
		authConfig:    authCfg,
		handler:       handlers.NewHandler(cfg.BaseURL, authCfg.SessionHeader, f, registry, store),
		authenticator: middleware.NewAuthenticator(sessionStore, dir, refresher, provider, authCfg.SessionInactivity),
		flow:          f,
		clients:       registry,
		sessions:      sessionStore,
	}
}

// NewCipher builds the token cipher from the configured key.
func NewCipher(cfg *config.AuthConfig) (*encryption.TokenCipher, error) {
	return encryption.New(cfg.EncryptionKey)
}

// RegisterRoutes registers all OAuth-related routes
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	// Discovery endpoints
	mux.HandleFunc(constants.ProtectedResourceMD, s.handler.HandleProtectedResourceDiscovery)
	mux.HandleFunc(constants.AuthServerMD, s.handler.HandleAuthorizationServerDiscovery)

	// OAuth endpoints
	mux.HandleFunc(constants.AuthorizePath, s.handler.HandleAuthorize)
	mux.HandleFunc(constants.CallbackPath, s.handler.HandleAuthCallback)
	mux.HandleFunc(constants.RefreshPath, s.handler.HandleRefresh)
	mux.HandleFunc(constants.RegisterPath, s.handler.HandleRegister)
	mux.HandleFunc(constants.ClientsPath+"{client_id}", s.handler.HandleClient)
	mux.HandleFunc(constants.LogoutPath, s.handler.HandleLogout)

	mux.HandleFunc(constants.HealthPath, s.handler.HandleHealth)
}

// WrapWithCors wraps the handler with the configured CORS policy
func (s *Service) WrapWithCors(handler http.Handler) http.Handler {
	return middleware.CORSWithOrigins(s.config.AllowOrigins, s.authConfig.SessionHeader)(handler)
}

// Authenticate returns the session middleware for MCP routes
func (s *Service) Authenticate() func(http.Handler) http.Handler {
	return middleware.Authenticate(s.authenticator, s.handler.ErrorOptions())
}

// Authenticator returns the request authenticator
func (s *Service) Authenticator() *middleware.Authenticator { return s.authenticator }

// Flow returns the authorization flow
func (s *Service) Flow() *flow.Flow { return s.flow }

// Clients returns the dynamic client registry
func (s *Service) Clients() *clients.Registry { return s.clients }

// Sessions returns the session store
func (s *Service) Sessions() *sessions.Store { return s.sessions }

// Module provides the session layer. It expects storage.Store, state.Store and
// providers.Provider from the graph.
var Module = fx.Module("auth",
	fx.Provide(
		NewCipher,
		NewService,
		NewSweeper,
	),
)
