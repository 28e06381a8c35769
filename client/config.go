package client

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config describes one backend and how the client talks to it.
type Config struct {
	// BaseURL seeds the base URL store when it holds no value yet.
	BaseURL string `yaml:"baseURL"`
	// StateFile persists the base URL across runs. Empty keeps it in memory.
	StateFile     string       `yaml:"stateFile"`
	Paths         PathsConfig  `yaml:"paths"`
	Socket        SocketConfig `yaml:"socket"`
	HTTP          HTTPConfig   `yaml:"http"`
	Auth          AuthConfig   `yaml:"auth"`
	Subscriptions []string     `yaml:"subscriptions"`
}

// PathsConfig holds the backend endpoints, relative to the site base URL.
type PathsConfig struct {
	CSRFToken      string `yaml:"csrfToken"`
	Login          string `yaml:"login"`
	Logout         string `yaml:"logout"`
	SiteConfig     string `yaml:"siteConfig"`
	Begin          string `yaml:"begin"`
	SocketRegister string `yaml:"socketRegister"`
}

// SocketConfig controls the socket endpoint, per-request reply timeout and
// redial delay.
type SocketConfig struct {
	Path                  string `yaml:"path"`
	RequestTimeoutSeconds int    `yaml:"requestTimeoutSeconds"`
	ReconnectDelaySeconds int    `yaml:"reconnectDelaySeconds"`
}

// HTTPConfig controls the HTTP client.
type HTTPConfig struct {
	TimeoutSeconds int `yaml:"timeoutSeconds"`
}

// AuthConfig holds credentials used by the CLI to log in again when a
// session expires.
type AuthConfig struct {
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	PasswordFile string `yaml:"passwordFile"`
}

// DefaultConfig returns a Config with every default applied and no base URL.
func DefaultConfig() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	setDefault(&c.Paths.CSRFToken, "/csrfToken")
	setDefault(&c.Paths.Login, "/site/login")
	setDefault(&c.Paths.Logout, "/site/logout")
	setDefault(&c.Paths.SiteConfig, "/appdev/config/data.json")
	setDefault(&c.Paths.Begin, "/begin")
	setDefault(&c.Paths.SocketRegister, "/opsportal/socket/register")
	setDefault(&c.Socket.Path, "/socket")
	if c.Socket.RequestTimeoutSeconds <= 0 {
		c.Socket.RequestTimeoutSeconds = int(defaultRequestTimeout / time.Second)
	}
	if c.Socket.ReconnectDelaySeconds <= 0 {
		c.Socket.ReconnectDelaySeconds = int(defaultReconnectDelay / time.Second)
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		c.HTTP.TimeoutSeconds = 30
	}
}

func setDefault(field *string, value string) {
	if strings.TrimSpace(*field) == "" {
		*field = value
	}
}

// RequestTimeout is how long a socket request waits for its reply.
// RequestTimeout is how long a socket request waits for its reply.
func (s SocketConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSeconds) * time.Second
}

// ReconnectDelay is the pause between socket redials.
func (s SocketConfig) ReconnectDelay() time.Duration {
	return time.Duration(s.ReconnectDelaySeconds) * time.Second
}

// Timeout bounds every HTTP round trip, including the token fetch.
func (h HTTPConfig) Timeout() time.Duration {
	return time.Duration(h.TimeoutSeconds) * time.Second
}

// LoadConfig reads, validates and defaults the YAML config at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file at %s: %w", path, err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to unmarshal yaml from %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if cfg.Auth.PasswordFile != "" {
		secret, err := os.ReadFile(cfg.Auth.PasswordFile)
		if err != nil {
			return nil, fmt.Errorf("auth: failed to read passwordFile: %w", err)
		}
		cfg.Auth.Password = strings.TrimSpace(string(secret))
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.BaseURL != "" {
		if err := validateBaseURL(c.BaseURL); err != nil {
			return fmt.Errorf("baseURL: %w", err)
		}
	}
	paths := map[string]string{
		"paths.csrfToken":      c.Paths.CSRFToken,
		"paths.login":          c.Paths.Login,
		"paths.logout":         c.Paths.Logout,
		"paths.siteConfig":     c.Paths.SiteConfig,
		"paths.begin":          c.Paths.Begin,
		"paths.socketRegister": c.Paths.SocketRegister,
		"socket.path":          c.Socket.Path,
	}
	for name, p := range paths {
		if p != "" && !strings.HasPrefix(p, "/") {
			return fmt.Errorf("%s must start with '/', got %q", name, p)
		}
	}
	if c.Socket.RequestTimeoutSeconds < 0 || c.Socket.ReconnectDelaySeconds < 0 || c.HTTP.TimeoutSeconds < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.Auth.Password != "" && c.Auth.PasswordFile != "" {
		return fmt.Errorf("auth: password and passwordFile are mutually exclusive")
	}
	if (c.Auth.Password != "" || c.Auth.PasswordFile != "") && c.Auth.Username == "" {
		return fmt.Errorf("auth: username is required when a password is set")
	}
	for i, key := range c.Subscriptions {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("subscriptions[%d]: key must not be empty", i)
		}
	}
	return nil
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}
