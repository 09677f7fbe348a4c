package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/brizzai/task-mcp/internal/auth/autherr"
	"github.com/brizzai/task-mcp/internal/auth/clients"
	"github.com/brizzai/task-mcp/internal/auth/constants"
	"github.com/brizzai/task-mcp/internal/auth/flow"
	"github.com/brizzai/task-mcp/internal/auth/middleware"
	"github.com/brizzai/task-mcp/internal/auth/models"
	"github.com/brizzai/task-mcp/internal/logger"
	"github.com/brizzai/task-mcp/internal/utils"
	"go.uber.org/zap"
)

const maxBodyBytes = 64 << 10

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler handles OAuth-related HTTP requests
type Handler struct {
	baseURL string
	header  string
	flow    *flow.Flow
	clients *clients.Registry
	store   Pinger
}

// NewHandler creates a new Handler instance
func NewHandler(baseURL, sessionHeader string, f *flow.Flow, registry *clients.Registry, store Pinger) *Handler {
	if sessionHeader == "" {
		sessionHeader = constants.SessionHeaderName
	}
	return &Handler{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		header:  sessionHeader,
		flow:    f,
		clients: registry,
		store:   store,
	}
}

// ErrorOptions are the options used for auth error responses.
func (h *Handler) ErrorOptions() middleware.Options {
	return middleware.Options{
		Header:              h.header,
		AuthorizationURL:    h.baseURL + constants.AuthorizePath,
		ResourceMetadataURL: h.baseURL + constants.ProtectedResourceMD,
	}
}

func (h *Handler) fail(w http.ResponseWriter, op flow.Operation, err error) {
	logger.Debug("OAuth operation failed",
		zap.Stringer("operation", op),
		zap.String("kind", string(autherr.KindOf(err))),
	)
	middleware.WriteError(w, err, h.ErrorOptions())
}

// HandleProtectedResourceDiscovery handles /.well-known/oauth-protected-resource
func (h *Handler) HandleProtectedResourceDiscovery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		utils.MethodNotAllowed(w, http.MethodGet)
		return
	}

	discovery := map[string]any{
		"resource":                 h.baseURL,
		"authorization_servers":    []string{h.baseURL},
		"scopes_supported":         constants.DefaultScopes,
		"bearer_methods_supported": []string{"header"},
		"session_header":           h.header,
		"resource_metadata_uri":    h.baseURL + constants.ProtectedResourceMD,
	}

	utils.WriteJSON(w, http.StatusOK, discovery)
}

// HandleAuthorizationServerDiscovery handles /.well-known/oauth-authorization-server
func (h *Handler) HandleAuthorizationServerDiscovery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		utils.MethodNotAllowed(w, http.MethodGet)
		return
	}

	discovery := map[string]any{
		"issuer":                                h.baseURL,
		"authorization_endpoint":                h.baseURL + constants.AuthorizePath,
		"token_endpoint":                        h.baseURL + constants.CallbackPath,
		"registration_endpoint":                 h.baseURL + constants.RegisterPath,
		"revocation_endpoint":                   h.baseURL + constants.LogoutPath,
		"token_endpoint_auth_methods_supported": constants.SupportedAuthMethods,
		"scopes_supported":                      constants.DefaultScopes,
		"response_types_supported":              constants.SupportedResponseTypes,
		"response_modes_supported":              constants.SupportedResponseModes,
		"grant_types_supported":                 constants.SupportedGrantTypes,
		"code_challenge_methods_supported":      constants.SupportedPKCEMethods,
	}

	utils.WriteJSON(w, http.StatusOK, discovery)
}

type authorizeRequest struct {
	ClientID    string `json:"client_id"`
	RedirectURI string `json:"redirect_uri"`
}

// HandleAuthorize starts an attempt. GET redirects the browser to the provider;
// POST returns the URL and state as JSON.
func (h *Handler) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	switch r.Method {
	case http.MethodGet:
		req.ClientID = r.URL.Query().Get("client_id")
		req.RedirectURI = r.URL.Query().Get("redirect_uri")
	case http.MethodPost:
		if err := decodeBody(r, &req); err != nil {
			h.fail(w, flow.OpBegin, err)
			return
		}
	default:
		utils.MethodNotAllowed(w, http.MethodGet, http.MethodPost)
		return
	}

	auth, err := h.flow.Begin(r.Context(), req.ClientID, req.RedirectURI)
	if err != nil {
		h.fail(w, flow.OpBegin, err)
		return
	}

	if r.Method == http.MethodGet {
		http.Redirect(w, r, auth.URL, http.StatusFound)
		return
	}
	utils.WriteJSON(w, http.StatusOK, auth)
}

type callbackRequest struct {
	Code         string `json:"code"`
	State        string `json:"state"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// HandleAuthCallback completes an attempt. The provider redirects here with GET;
// dynamic clients relay the code with POST so their secret stays out of URLs.
func (h *Handler) HandleAuthCallback(w http.ResponseWriter, r *http.Request) {
	var req callbackRequest
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		if reason := q.Get("error"); reason != "" {
			h.fail(w, flow.OpCallback, h.flow.Abandon(r.Context(), q.Get("state"), reason))
			return
		}
		req.Code = q.Get("code")
		req.State = q.Get("state")
		req.ClientID = q.Get("client_id")
	case http.MethodPost:
		if err := decodeBody(r, &req); err != nil {
			h.fail(w, flow.OpCallback, err)
			return
		}
	default:
		utils.MethodNotAllowed(w, http.MethodGet, http.MethodPost)
		return
	}

	done, err := h.flow.Complete(r.Context(), req.Code, req.State,
		flow.ClientCredentials{ClientID: req.ClientID, ClientSecret: req.ClientSecret},
		r.UserAgent(),
	)
	if err != nil {
		h.fail(w, flow.OpCallback, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, done)
}

type refreshResponse struct {
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HandleRefresh forces a token refresh for the caller's session.
func (h *Handler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		utils.MethodNotAllowed(w, http.MethodPost)
		return
	}

	sess, err := h.flow.Refresh(r.Context(), middleware.ExtractSessionID(r, h.header))
	if err != nil {
		h.fail(w, flow.OpRefresh, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, refreshResponse{SessionID: sess.ID, ExpiresAt: sess.ExpiresAt})
}

// HandleLogout ends the caller's session.
func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		utils.MethodNotAllowed(w, http.MethodPost)
		return
	}

	if err := h.flow.Logout(r.Context(), middleware.ExtractSessionID(r, h.header)); err != nil {
		h.fail(w, flow.OpLogout, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type registerRequest struct {
	Platform     string   `json:"platform"`
	RedirectURIs []string `json:"redirect_uris"`
	ClientName   string   `json:"client_name"`
}

type registerResponse struct {
	ClientID                string    `json:"client_id"`
	ClientSecret            string    `json:"client_secret"`
	ClientName              string    `json:"client_name,omitempty"`
	Platform                string    `json:"platform"`
	RedirectURIs            []string  `json:"redirect_uris"`
	CreatedAt               time.Time `json:"created_at"`
	ExpiresAt               time.Time `json:"expires_at"`
	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method"`
}

// HandleRegister handles dynamic client registration
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		utils.MethodNotAllowed(w, http.MethodPost)
		return
	}

	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, flow.OpRegister, err)
		return
	}

	reg, err := h.clients.Register(r.Context(), req.Platform, req.RedirectURIs, req.ClientName)
	if err != nil {
		h.fail(w, flow.OpRegister, err)
		return
	}

	utils.WriteJSON(w, http.StatusCreated, registerResponse{
		ClientID:                reg.ClientID,
		ClientSecret:            reg.ClientSecret,
		ClientName:              reg.ClientName,
		Platform:                string(reg.Platform),
		RedirectURIs:            reg.RedirectURIs,
		CreatedAt:               reg.CreatedAt,
		ExpiresAt:               reg.ExpiresAt,
		TokenEndpointAuthMethod: constants.SupportedAuthMethods[0],
	})
}

// ClientInfo is the public view of a registration.
type ClientInfo struct {
	ClientID     string     `json:"client_id" yaml:"client_id"`
	ClientName   string     `json:"client_name,omitempty" yaml:"client_name,omitempty"`
	Platform     string     `json:"platform" yaml:"platform"`
	RedirectURIs []string   `json:"redirect_uris" yaml:"redirect_uris"`
	CreatedAt    time.Time  `json:"created_at" yaml:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at" yaml:"expires_at"`
	LastUsed     *time.Time `json:"last_used,omitempty" yaml:"last_used,omitempty"`
}

// NewClientInfo strips the sealed secret from c.
func NewClientInfo(c *models.DynamicClient) ClientInfo {
	return ClientInfo{
		ClientID:     c.ClientID,
		ClientName:   c.ClientName,
		Platform:     string(c.Platform),
		RedirectURIs: c.RedirectURIs,
		CreatedAt:    c.CreatedAt,
		ExpiresAt:    c.ExpiresAt,
		LastUsed:     c.LastUsed,
	}
}

type revokeRequest struct {
	ClientSecret string `json:"client_secret"`
}

// HandleClient serves GET and DELETE on /oauth/clients/{client_id}. Deleting a
// registration requires its secret.
func (h *Handler) HandleClient(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("client_id")

	switch r.Method {
	case http.MethodGet:
		c, err := h.clients.Get(r.Context(), clientID)
		if err != nil {
			h.fail(w, flow.OpRegister, err)
			return
		}
		utils.WriteJSON(w, http.StatusOK, NewClientInfo(c))

	case http.MethodDelete:
		var req revokeRequest
		if err := decodeBody(r, &req); err != nil {
			h.fail(w, flow.OpRegister, err)
			return
		}
		if _, err := h.clients.Validate(r.Context(), clientID, req.ClientSecret); err != nil {
			h.fail(w, flow.OpRegister, err)
			return
		}
		if err := h.clients.Revoke(r.Context(), clientID); err != nil {
			h.fail(w, flow.OpRegister, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		utils.MethodNotAllowed(w, http.MethodGet, http.MethodDelete)
	}
}

// HandleHealth reports whether the backing store answers.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		logger.Error("Health check failed", zap.Error(err))
		utils.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "database": "unreachable"})
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy", "database": "ok"})
}

// decodeBody reads a JSON or form-encoded body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/x-www-form-urlencoded" {
		if err := r.ParseForm(); err != nil {
			return autherr.Validation("failed to parse form")
		}
		return decodeForm(r, v)
	}

	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return autherr.Validation("invalid request body")
	}
	return nil
}

func decodeForm(r *http.Request, v any) error {
	switch req := v.(type) {
	case *authorizeRequest:
		req.ClientID = r.PostFormValue("client_id")
		req.RedirectURI = r.PostFormValue("redirect_uri")
	case *callbackRequest:
		req.Code = r.PostFormValue("code")
		req.State = r.PostFormValue("state")
		req.ClientID = r.PostFormValue("client_id")
		req.ClientSecret = r.PostFormValue("client_secret")
	case *revokeRequest:
		req.ClientSecret = r.PostFormValue("client_secret")
	case *registerRequest:
		req.Platform = r.PostFormValue("platform")
		req.ClientName = r.PostFormValue("client_name")
		req.RedirectURIs = r.PostForm["redirect_uris"]
	default:
		return autherr.Validation("unsupported content type")
	}
	return nil
}
