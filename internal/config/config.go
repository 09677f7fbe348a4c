package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/brizzai/task-mcp/internal/auth/autherr"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Version information - set by GoReleaser during build
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// GetVersionInfo returns a formatted version string
func GetVersionInfo() string {
	return fmt.Sprintf("task-mcp version %s, commit %s, built at %s", version, commit, date)
}

// ErrInvalidConfig is returned by Load when the resulting configuration cannot serve
// authenticated traffic.
var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	OAuth      *OAuthConfig     `mapstructure:"oauth"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Storage    StorageConfig    `mapstructure:"storage"`
	StateStore StateStoreConfig `mapstructure:"state_store"`
}

type ServerMode string

const (
	ServerModeSSE   ServerMode = "sse"
	ServerModeSTDIO ServerMode = "stdio"
	ServerModeHTTP  ServerMode = "http"
)

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Host string `mapstructure:"host"`
	// Timeout bounds reading a whole request. Zero disables it.
	Timeout time.Duration `mapstructure:"timeout"`
	Mode    ServerMode    `mapstructure:"mode"`
	Name    string        `mapstructure:"name"`
	Version string        `mapstructure:"version"`
}

type LoggingConfig struct {
	Level             string `mapstructure:"level"`
	Format            string `mapstructure:"format"`
	Color             bool   `mapstructure:"color"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
	OutputPath        string `mapstructure:"output_path"`
	AppendToFile      bool   `mapstructure:"append_to_file"`
	DisableConsole    bool   `mapstructure:"disable_console"`
}

type OAuthConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	IssuerURL       string        `mapstructure:"issuer_url"`
	ClientID        string        `mapstructure:"client_id"`
	ClientSecret    string        `mapstructure:"client_secret"`
	RedirectURL     string        `mapstructure:"redirect_url"`
	Scopes          []string      `mapstructure:"scopes"`
	BaseURL         string        `mapstructure:"base_url"` // Public URL of this server
	AllowOrigins    []string      `mapstructure:"allow_origins"`
	ProviderTimeout time.Duration `mapstructure:"provider_timeout"`
}

// AuthConfig holds the session layer settings.
type AuthConfig struct {
	EncryptionKey     string        `mapstructure:"encryption_key"`
	SessionHeader     string        `mapstructure:"session_header"`
	SessionInactivity time.Duration `mapstructure:"session_inactivity"`
	MaxSessions       int           `mapstructure:"max_sessions"`
	StateTTL          time.Duration `mapstructure:"state_ttl"`
	ClientTTL         time.Duration `mapstructure:"client_ttl"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
}

type StorageDriver string

const (
	StorageDriverPostgres StorageDriver = "postgres"
	StorageDriverMemory   StorageDriver = "memory"
)

type StorageConfig struct {
	Driver      StorageDriver `mapstructure:"driver"`
	DatabaseURL string        `mapstructure:"database_url"`
	MaxConns    int32         `mapstructure:"max_conns"`
}

type StateStoreDriver string

const (
	StateStoreMemory StateStoreDriver = "memory"
	StateStoreRedis  StateStoreDriver = "redis"
)

type StateStoreConfig struct {
	Driver        StateStoreDriver `mapstructure:"driver"`
	RedisAddr     string           `mapstructure:"redis_addr"`
	RedisPassword string           `mapstructure:"redis_password"`
	RedisDB       int              `mapstructure:"redis_db"`
	KeyPrefix     string           `mapstructure:"key_prefix"`
}

// InitFlags initializes command line flags (without parsing)
func InitFlags(fs *pflag.FlagSet) {
	fs.String("mode", string(ServerModeHTTP), "Server mode (sse|http)")
	fs.String("config", "", "Path to the config file")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", string(ServerModeHTTP))
	v.SetDefault("server.name", "Task Manager MCP Server")
	v.SetDefault("server.version", version)
	v.SetDefault("server.timeout", 30*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("oauth.enabled", true)
	v.SetDefault("oauth.issuer_url", "https://accounts.google.com")
	v.SetDefault("oauth.scopes", []string{"openid", "email", "profile"})
	v.SetDefault("oauth.provider_timeout", 10*time.Second)

	v.SetDefault("auth.session_header", "Session-Id")
	v.SetDefault("auth.session_inactivity", 24*time.Hour)
	v.SetDefault("auth.max_sessions", 10)
	v.SetDefault("auth.state_ttl", 5*time.Minute)
	v.SetDefault("auth.client_ttl", 30*24*time.Hour)
	v.SetDefault("auth.sweep_interval", time.Hour)

	v.SetDefault("storage.driver", string(StorageDriverPostgres))
	v.SetDefault("storage.max_conns", 10)

	v.SetDefault("state_store.driver", string(StateStoreMemory))
	v.SetDefault("state_store.redis_addr", "localhost:6379")
	v.SetDefault("state_store.key_prefix", "task-mcp:oauth-state:")
}

// Load reads configuration from .env, config.yaml, environment (TASK_MCP_*) and flags.
// A nil FlagSet means no flags are bound.
func Load(fs *pflag.FlagSet) (*Config, error) {
	// .env is optional; real environment variables win over it
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TASK_MCP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, err
		}
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/task-mcp")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	// AutomaticEnv only answers Get calls, so keys without a default must be bound
	// explicitly for Unmarshal to see them.
	for _, key := range []string{
		"oauth.client_id", "oauth.client_secret", "oauth.redirect_url", "oauth.base_url", "oauth.allow_origins",
		"auth.encryption_key", "storage.database_url", "state_store.redis_password", "state_store.redis_db",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Set server mode from flag
	if mode := v.GetString("mode"); mode != "" {
		switch ServerMode(mode) {
		case ServerModeSSE, ServerModeSTDIO, ServerModeHTTP:
			config.Server.Mode = ServerMode(mode)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks that the settings needed for authenticated traffic are present.
func (c *Config) Validate() error {
	if c.OAuth != nil && c.OAuth.Enabled {
		if c.Server.Mode == ServerModeSTDIO {
			return configurationError("stdio mode cannot carry the session header, use http or sse when oauth is enabled")
		}
		if c.Auth.EncryptionKey == "" {
			return configurationError("auth.encryption_key is required, pass TASK_MCP_AUTH_ENCRYPTION_KEY")
		}
		if c.OAuth.ClientID == "" || c.OAuth.ClientSecret == "" {
			return configurationError("oauth.client_id and oauth.client_secret are required")
		}
		if c.OAuth.BaseURL == "" {
			return configurationError("oauth.base_url is required, please adjust the config or pass TASK_MCP_OAUTH_BASE_URL environment variable")
		}
		if c.OAuth.RedirectURL == "" {
			c.OAuth.RedirectURL = strings.TrimSuffix(c.OAuth.BaseURL, "/") + "/oauth/callback"
		}
	}

	switch c.Storage.Driver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if c.Storage.DatabaseURL == "" {
			return fmt.Errorf("%w: storage.database_url is required for the postgres driver", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unsupported storage driver %q", ErrInvalidConfig, c.Storage.Driver)
	}

	switch c.StateStore.Driver {
	case StateStoreMemory, StateStoreRedis:
	default:
		return fmt.Errorf("%w: unsupported state store driver %q", ErrInvalidConfig, c.StateStore.Driver)
	}

	if c.Auth.MaxSessions <= 0 {
		return fmt.Errorf("%w: auth.max_sessions must be positive", ErrInvalidConfig)
	}
	return nil
}

// configurationError classifies a missing authentication setting. It matches
// both ErrInvalidConfig and autherr.ErrConfiguration.
func configurationError(msg string) error {
	return autherr.Wrap(autherr.KindConfiguration, msg, ErrInvalidConfig)
}

// ProviderTimeout returns the bound applied to every identity provider call.
func (c *Config) ProviderTimeout() time.Duration {
	if c.OAuth == nil || c.OAuth.ProviderTimeout <= 0 {
		return 10 * time.Second
	}
	return c.OAuth.ProviderTimeout
}
