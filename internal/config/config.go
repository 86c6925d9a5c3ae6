// Package config loads the service configuration: a yaml file layered under
// LINKOPS_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"linkops/internal/engine/openai"
	"linkops/internal/observability"
)

// Config is the full service configuration.
type Config struct {
	Server        ServerConfig         `mapstructure:"server"`
	Store         StoreConfig          `mapstructure:"store"`
	Engine        EngineConfig         `mapstructure:"engine"`
	Observability observability.Config `mapstructure:"observability"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	Debug       bool          `mapstructure:"debug"`
	EnableCORS  bool          `mapstructure:"enable_cors"`
	SnapshotTTL time.Duration `mapstructure:"snapshot_ttl"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StoreConfig selects the session store backend.
type StoreConfig struct {
	// Backend is "memory" or "file".
	Backend string `mapstructure:"backend"`
	// Dir is the base directory for the file backend.
	Dir string `mapstructure:"dir"`
}

// EngineConfig selects the generation engine.
type EngineConfig struct {
	// Backend is "openai" or "scripted". Scripted is the demo engine.
	Backend string `mapstructure:"backend"`
	// ScriptedDelay paces the scripted engine.
	ScriptedDelay time.Duration `mapstructure:"scripted_delay"`

	OpenAI openai.Config `mapstructure:"openai"`
}

// Load reads configuration from the given file (optional) and LINKOPS_*
// environment variables, over the defaults.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8077)
	v.SetDefault("server.debug", false)
	v.SetDefault("server.enable_cors", true)
	v.SetDefault("server.snapshot_ttl", 250*time.Millisecond)
	v.SetDefault("store.backend", "file")
	v.SetDefault("store.dir", "~/.linkops/sessions")
	v.SetDefault("engine.backend", "openai")
	v.SetDefault("engine.scripted_delay", 300*time.Millisecond)
	v.SetDefault("engine.openai.model", "gpt-4o-mini")
	v.SetDefault("engine.openai.api_key", "")
	v.SetDefault("engine.openai.base_url", "")

	v.SetEnvPrefix("LINKOPS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("linkops")
		v.SetConfigType("yaml")
		v.AddConfigPath("$HOME/.linkops")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			// Running on defaults and environment alone is supported.
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "memory", "file":
	default:
		return fmt.Errorf("unknown store backend %q (want memory or file)", c.Store.Backend)
	}
	switch c.Engine.Backend {
	case "openai", "scripted":
	default:
		return fmt.Errorf("unknown engine backend %q (want openai or scripted)", c.Engine.Backend)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	return nil
}
