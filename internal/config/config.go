package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the chat-sync client. Values come
// from an optional YAML file first, then environment variables (with
// .env support) on top. Env always wins.
type Config struct {
	// Base URL of the chat server, e.g. "http://localhost:8000/".
	// Endpoint paths are appended to it verbatim.
	ServerURL string `env:"CHAT_SERVER_URL" yaml:"server_url"`

	// Account credentials. Required by `run` when no valid credential
	// is persisted; sign-up and change-password read them too.
	Username string `env:"CHAT_USERNAME" yaml:"username"`
	Password string `env:"CHAT_PASSWORD" yaml:"password"`

	// BCP 47 tag controlling the calendar date layout in day separators.
	Locale string `env:"CHAT_LOCALE" yaml:"locale"`

	// Path of the bbolt state database holding the credential and
	// identity. Defaults to ~/.chat-sync/state.db.
	StatePath string `env:"CHAT_STATE_PATH" yaml:"state_path"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" yaml:"environment"`
}

// configFileEnv names the env var pointing at the YAML config file.
// When unset, chat-sync.yaml in the working directory is used if present.
const configFileEnv = "CHAT_SYNC_CONFIG"

// Load reads configuration from the YAML file (if any) and environment
// variables, then validates and applies defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	path := os.Getenv(configFileEnv)
	optional := path == ""
	if optional {
		path = "chat-sync.yaml"
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	case os.IsNotExist(err) && optional:
		// No file, env-only configuration.
	default:
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyDefaults() error {
	if c.Environment == "" {
		c.Environment = "development"
	}

	if c.Locale == "" {
		c.Locale = "en-US"
	}

	if c.StatePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("determining home directory for state path: %w", err)
		}
		c.StatePath = filepath.Join(home, ".chat-sync", "state.db")
	}

	// Endpoint paths are joined by plain concatenation, so the base
	// must end with a slash.
	if c.ServerURL != "" && !strings.HasSuffix(c.ServerURL, "/") {
		c.ServerURL += "/"
	}

	return nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("CHAT_SERVER_URL is required")
	}

	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("CHAT_SERVER_URL is not a valid URL: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("CHAT_SERVER_URL must be http or https, got %q", u.Scheme)
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// WebsocketURL derives the realtime endpoint from the server URL:
// http(s) becomes ws(s) and the /ws path is appended.
func (c *Config) WebsocketURL() string {
	wsURL := c.ServerURL + "ws"
	if strings.HasPrefix(wsURL, "https://") {
		return "wss://" + strings.TrimPrefix(wsURL, "https://")
	}
	return "ws://" + strings.TrimPrefix(wsURL, "http://")
}
