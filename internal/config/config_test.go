package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/brizzai/task-mcp/internal/auth/autherr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func setRequiredEnv(t *testing.T) {
	t.Setenv("TASK_MCP_AUTH_ENCRYPTION_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("TASK_MCP_OAUTH_CLIENT_ID", "client-id")
	t.Setenv("TASK_MCP_OAUTH_CLIENT_SECRET", "client-secret")
	t.Setenv("TASK_MCP_OAUTH_BASE_URL", "https://tasks.example.com")
	t.Setenv("TASK_MCP_STORAGE_DRIVER", "memory")
}

func TestLoad_Defaults(t *testing.T) {
	chdirTemp(t)
	setRequiredEnv(t)

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, ServerModeHTTP, cfg.Server.Mode)
	assert.Equal(t, 8080, cfg.Server.Port)
	require.NotNil(t, cfg.OAuth)
	assert.True(t, cfg.OAuth.Enabled)
	assert.Equal(t, "https://accounts.google.com", cfg.OAuth.IssuerURL)
	assert.Equal(t, []string{"openid", "email", "profile"}, cfg.OAuth.Scopes)
	assert.Equal(t, "https://tasks.example.com/oauth/callback", cfg.OAuth.RedirectURL)
	assert.Equal(t, "Session-Id", cfg.Auth.SessionHeader)
	assert.Equal(t, 24*time.Hour, cfg.Auth.SessionInactivity)
	assert.Equal(t, 10, cfg.Auth.MaxSessions)
	assert.Equal(t, 5*time.Minute, cfg.Auth.StateTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.Auth.ClientTTL)
	assert.Equal(t, StateStoreMemory, cfg.StateStore.Driver)
	assert.Equal(t, 10*time.Second, cfg.ProviderTimeout())
	assert.Equal(t, 30*time.Second, cfg.Server.Timeout)
}

func TestLoad_ConfigFileAndEnvOverride(t *testing.T) {
	dir := chdirTemp(t)
	setRequiredEnv(t)
	t.Setenv("TASK_MCP_AUTH_MAX_SESSIONS", "3")

	yaml := `
server:
  port: 9090
auth:
  max_sessions: 5
  session_inactivity: 12h
state_store:
  driver: redis
  redis_addr: redis:6379
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Auth.MaxSessions, "environment should win over the config file")
	assert.Equal(t, 12*time.Hour, cfg.Auth.SessionInactivity)
	assert.Equal(t, StateStoreRedis, cfg.StateStore.Driver)
	assert.Equal(t, "redis:6379", cfg.StateStore.RedisAddr)
}

func TestLoad_MissingEncryptionKey(t *testing.T) {
	chdirTemp(t)
	setRequiredEnv(t)
	t.Setenv("TASK_MCP_AUTH_ENCRYPTION_KEY", "")

	_, err := Load(nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorIs(t, err, autherr.ErrConfiguration)
	assert.Contains(t, err.Error(), "encryption_key")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server: ServerConfig{Mode: ServerModeHTTP},
			OAuth: &OAuthConfig{
				Enabled:      true,
				ClientID:     "id",
				ClientSecret: "secret",
				BaseURL:      "https://example.com/",
			},
			Auth:       AuthConfig{EncryptionKey: "key", MaxSessions: 10},
			Storage:    StorageConfig{Driver: StorageDriverMemory},
			StateStore: StateStoreConfig{Driver: StateStoreMemory},
		}
	}

	tests := []struct {
		name     string
		mutate   func(c *Config)
		wantErr  string
		wantKind autherr.Kind
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "stdio with oauth", mutate: func(c *Config) { c.Server.Mode = ServerModeSTDIO }, wantErr: "stdio", wantKind: autherr.KindConfiguration},
		{name: "missing client secret", mutate: func(c *Config) { c.OAuth.ClientSecret = "" }, wantErr: "client_secret", wantKind: autherr.KindConfiguration},
		{name: "missing encryption key", mutate: func(c *Config) { c.Auth.EncryptionKey = "" }, wantErr: "encryption_key", wantKind: autherr.KindConfiguration},
		{name: "missing base url", mutate: func(c *Config) { c.OAuth.BaseURL = "" }, wantErr: "base_url", wantKind: autherr.KindConfiguration},
		{name: "postgres without url", mutate: func(c *Config) { c.Storage.Driver = StorageDriverPostgres }, wantErr: "database_url"},
		{name: "unknown state driver", mutate: func(c *Config) { c.StateStore.Driver = "memcached" }, wantErr: "state store"},
		{name: "zero max sessions", mutate: func(c *Config) { c.Auth.MaxSessions = 0 }, wantErr: "max_sessions"},
		{name: "oauth disabled skips oauth checks", mutate: func(c *Config) {
			c.OAuth.Enabled = false
			c.Auth.EncryptionKey = ""
			c.Server.Mode = ServerModeSTDIO
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantErr)
			if tt.wantKind != "" {
				assert.Equal(t, tt.wantKind, autherr.KindOf(err))
			}
		})
	}

	cfg := valid()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "https://example.com/oauth/callback", cfg.OAuth.RedirectURL)
}
