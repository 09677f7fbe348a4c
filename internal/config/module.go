package config

import "go.uber.org/fx"

// Module exposes the individual config sections to the rest of the graph.
// The root *Config must be supplied by the caller (fx.Supply).
var Module = fx.Module("config",
	fx.Provide(
		func(c *Config) *OAuthConfig { return c.OAuth },
		func(c *Config) *AuthConfig { return &c.Auth },
		func(c *Config) *StorageConfig { return &c.Storage },
		func(c *Config) *StateStoreConfig { return &c.StateStore },
		func(c *Config) *LoggingConfig { return &c.Logging },
	),
)
