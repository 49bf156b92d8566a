package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Default server configuration.
const (
	DefaultHost      = "0.0.0.0"
	DefaultPort      = 7860
	DefaultLogLevel  = "info"
	DefaultSTUNURL   = "stun:stun.l.google.com:19302"
	DefaultRedisURL  = "redis://localhost:6379/0"
	StoreMemory      = "memory"
	StoreRedis       = "redis"
	DefaultStoreType = StoreMemory
)

// Server holds settings for the signaling server process.
type Server struct {
	Host              string   `yaml:"host"`
	Port              int      `yaml:"port"`
	LogLevel          string   `yaml:"log_level"`
	AllowOrigins      string   `yaml:"allow_origins"`
	ICEServers        []string `yaml:"ice_servers"`
	SessionStore      string   `yaml:"session_store"`
	RedisURL          string   `yaml:"redis_url"`
	DisabledProviders []string `yaml:"disabled_providers"`
}

// DefaultServer returns a Server with defaults applied.
func DefaultServer() Server {
	return Server{
		Host:         DefaultHost,
		Port:         DefaultPort,
		LogLevel:     DefaultLogLevel,
		AllowOrigins: "*",
		ICEServers:   []string{DefaultSTUNURL},
		SessionStore: DefaultStoreType,
		RedisURL:     DefaultRedisURL,
	}
}

// LoadServer builds the server config from defaults, then the YAML file at
// path (skipped when path is empty), then environment overrides.
func LoadServer(path string) (Server, error) {
	cfg := DefaultServer()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func (c *Server) applyEnv() {
	if v := env("SANDBOX_HOST"); v != "" {
		c.Host = v
	}
	if v := env("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
	if v := env("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := env("ALLOW_ORIGINS"); v != "" {
		c.AllowOrigins = v
	}
	if v := env("ICE_SERVERS"); v != "" {
		c.ICEServers = splitList(v)
	}
	if v := env("SESSION_STORE"); v != "" {
		c.SessionStore = v
	}
	if v := env("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := env("SANDBOX_DISABLED_PROVIDERS"); v != "" {
		c.DisabledProviders = splitList(v)
	}
}

// Validate checks the configuration for errors.
func (c Server) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	switch c.SessionStore {
	case StoreMemory:
	case StoreRedis:
		if c.RedisURL == "" {
			return errors.New("config: redis session store requires redis_url")
		}
	default:
		return fmt.Errorf("config: unknown session store %q", c.SessionStore)
	}
	return nil
}

// Addr returns the listen address.
func (c Server) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
