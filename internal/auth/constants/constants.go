package constants

const (
	// TokenType for Bearer authentication
	TokenType = "Bearer"

	// SessionHeaderName is the default header carrying the session id
	SessionHeaderName = "Session-Id"

	// AuthHeaderName is the name of the Authorization header
	AuthHeaderName = "Authorization"

	// AuthHeaderPrefix is the prefix for the Authorization header value
	AuthHeaderPrefix = "Bearer "

	// MCPSessionHeaderName is the transport session header of the streamable HTTP server
	MCPSessionHeaderName = "Mcp-Session-Id"

	// ProtocolVersionHeader advertises the MCP protocol revision on HEAD /
	ProtocolVersionHeader = "MCP-Protocol-Version"

	// Realm used in WWW-Authenticate challenges
	Realm = "task-mcp"
)

// Endpoint paths
const (
	AuthorizePath       = "/oauth/authorize"
	CallbackPath        = "/oauth/callback"
	RefreshPath         = "/oauth/refresh"
	RegisterPath        = "/oauth/register"
	ClientsPath         = "/oauth/clients/"
	LogoutPath          = "/oauth/logout"
	ProtectedResourceMD = "/.well-known/oauth-protected-resource"
	AuthServerMD        = "/.well-known/oauth-authorization-server"
	HealthPath          = "/healthz"
)

// OAuth scopes
var DefaultScopes = []string{"openid", "profile", "email"}

// Response types and modes
var (
	SupportedResponseTypes = []string{"code"}
	SupportedResponseModes = []string{"query"}
	SupportedGrantTypes    = []string{"authorization_code", "refresh_token"}
	SupportedAuthMethods   = []string{"client_secret_post"}
)

// PKCE methods
var SupportedPKCEMethods = []string{"S256"}
