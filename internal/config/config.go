// Package config defines the mcpbridge configuration model: the top-level
// application config, per-server connection configs, and OAuth settings.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"mcpbridge/internal/secureenv"
)

// Transport protocol values accepted in ServerConfig.Protocol.
const (
	ProtocolStdio          = "stdio"
	ProtocolSSE            = "sse"
	ProtocolStreamableHTTP = "streamable-http"
	ProtocolAuto           = "" // detect from command/url
)

// Default timeouts applied by Validate when a server config leaves them zero.
const (
	DefaultInitTimeout = 30 * time.Second
	DefaultCallTimeout = 60 * time.Second
)

// DefaultUserIdleTimeout is how long a per-user connection may sit unused
// before the opportunistic sweep disconnects it.
const DefaultUserIdleTimeout = 30 * time.Minute

// DefaultToolResponseLimit is the character budget for tool output before
// truncation.
const DefaultToolResponseLimit = 20000

// Config is the top-level mcpbridge configuration.
type Config struct {
	Listen  string          `json:"listen" mapstructure:"listen"`
	DataDir string          `json:"data_dir" mapstructure:"data-dir"`
	Servers []*ServerConfig `json:"mcpServers" mapstructure:"servers"`

	// Environment controls which variables spawned stdio servers inherit.
	Environment *secureenv.EnvConfig `json:"environment,omitempty" mapstructure:"environment"`

	Logging *LogConfig  `json:"logging,omitempty" mapstructure:"logging"`
	Pool    *PoolConfig `json:"pool,omitempty" mapstructure:"pool"`

	// ToolResponseLimit caps tool output size in characters before the
	// default truncating formatter kicks in. Zero disables truncation.
	ToolResponseLimit int `json:"tool_response_limit,omitempty" mapstructure:"tool-response-limit"`

	// AllowedDomains is the SSRF allow-list consulted before any outbound
	// connection. Empty means no domain restriction.
	AllowedDomains []string `json:"allowed_domains,omitempty" mapstructure:"allowed-domains"`

	// DenyPrivateHosts additionally rejects loopback/RFC1918/link-local
	// targets even when AllowedDomains is empty.
	DenyPrivateHosts bool `json:"deny_private_hosts,omitempty" mapstructure:"deny-private-hosts"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level         string `json:"level" mapstructure:"level"`
	EnableFile    bool   `json:"enable_file" mapstructure:"enable-file"`
	EnableConsole bool   `json:"enable_console" mapstructure:"enable-console"`
	Filename      string `json:"filename" mapstructure:"filename"`
	LogDir        string `json:"log_dir,omitempty" mapstructure:"log-dir"`
	MaxSize       int    `json:"max_size" mapstructure:"max-size"` // MB
	MaxBackups    int    `json:"max_backups" mapstructure:"max-backups"`
	MaxAge        int    `json:"max_age" mapstructure:"max-age"` // days
	Compress      bool   `json:"compress" mapstructure:"compress"`
	JSONFormat    bool   `json:"json_format" mapstructure:"json-format"`
}

// PoolConfig tunes the connection pools.
type PoolConfig struct {
	// UserIdleTimeout is the inactivity window after which per-user
	// connections are evicted. Zero means DefaultUserIdleTimeout.
	UserIdleTimeout time.Duration `json:"user_idle_timeout,omitempty" mapstructure:"user-idle-timeout"`
}

// ServerConfig describes one upstream MCP server. A config is resolved and
// treated as immutable for the duration of a single connection attempt.
type ServerConfig struct {
	Name     string `json:"name,omitempty" mapstructure:"name"`
	URL      string `json:"url,omitempty" mapstructure:"url"`
	Protocol string `json:"protocol,omitempty" mapstructure:"protocol"` // stdio, sse, streamable-http, "" = auto

	// stdio transport fields. Env values and Args may carry the reserved
	// placeholder literals substituted by Substitute before spawn.
	Command string            `json:"command,omitempty" mapstructure:"command"`
	Args    []string          `json:"args,omitempty" mapstructure:"args"`
	Env     map[string]string `json:"env,omitempty" mapstructure:"env"`

	// Headers are sent on every HTTP/SSE request to the server.
	Headers map[string]string `json:"headers,omitempty" mapstructure:"headers"`

	InitTimeout time.Duration `json:"init_timeout,omitempty" mapstructure:"init-timeout"`
	CallTimeout time.Duration `json:"call_timeout,omitempty" mapstructure:"call-timeout"`

	// RequiresOAuth marks servers known to demand authorization before tool
	// listing works. Discovery for such servers skips the network probe when
	// no user identity is available.
	RequiresOAuth bool         `json:"requires_oauth,omitempty" mapstructure:"requires-oauth"`
	OAuth         *OAuthConfig `json:"oauth,omitempty" mapstructure:"oauth"`

	// OAuthMetadata carries pre-discovered authorization-server metadata
	// (issuer, endpoints, scopes) so connection does not have to rediscover.
	OAuthMetadata map[string]any `json:"oauth_metadata,omitempty" mapstructure:"oauth-metadata"`

	// GraphOBO enables on-behalf-of token exchange during placeholder
	// substitution for servers that call Microsoft Graph downstream.
	GraphOBO *OBOConfig `json:"graph_obo,omitempty" mapstructure:"graph-obo"`

	Enabled bool      `json:"enabled" mapstructure:"enabled"`
	Created time.Time `json:"created,omitempty" mapstructure:"created"`
	Updated time.Time `json:"updated,omitempty" mapstructure:"updated"`
}

// OAuthConfig holds client-side OAuth settings for one server. All fields
// are optional: missing endpoints are discovered (RFC 8414 / RFC 9728) and a
// missing client ID triggers dynamic registration (RFC 7591).
type OAuthConfig struct {
	AuthorizationURL string            `json:"authorization_url,omitempty" mapstructure:"authorization-url"`
	TokenURL         string            `json:"token_url,omitempty" mapstructure:"token-url"`
	RegistrationURL  string            `json:"registration_url,omitempty" mapstructure:"registration-url"`
	ClientID         string            `json:"client_id,omitempty" mapstructure:"client-id"`
	ClientSecret     string            `json:"client_secret,omitempty" mapstructure:"client-secret"`
	Scopes           []string          `json:"scopes,omitempty" mapstructure:"scopes"`
	RedirectURI      string            `json:"redirect_uri,omitempty" mapstructure:"redirect-uri"`
	Headers          map[string]string `json:"headers,omitempty" mapstructure:"headers"`
}

// OBOConfig configures an on-behalf-of exchange: the stored user assertion is
// traded at TokenURL for an access token scoped to a downstream audience.
type OBOConfig struct {
	TokenURL     string `json:"token_url" mapstructure:"token-url"`
	ClientID     string `json:"client_id" mapstructure:"client-id"`
	ClientSecret string `json:"client_secret" mapstructure:"client-secret"`
	Scope        string `json:"scope" mapstructure:"scope"`
}

// ToolMetadata describes one tool as discovered from an upstream server.
type ToolMetadata struct {
	Name        string    `json:"name"`
	ServerName  string    `json:"server_name"`
	Description string    `json:"description,omitempty"`
	ParamsJSON  string    `json:"params_json,omitempty"`
	Hash        string    `json:"hash,omitempty"`
	Created     time.Time `json:"created,omitempty"`
	Updated     time.Time `json:"updated,omitempty"`
}

// DefaultConfig returns a config with usable defaults.
func DefaultConfig() *Config {
	dataDir := ""
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".mcpbridge")
	}

	return &Config{
		Listen:      "127.0.0.1:8181",
		DataDir:     dataDir,
		Servers:     []*ServerConfig{},
		Environment: secureenv.DefaultEnvConfig(),
		Logging: &LogConfig{
			Level:         "info",
			EnableFile:    true,
			EnableConsole: true,
			Filename:      "main.log",
			MaxSize:       10,
			MaxBackups:    5,
			MaxAge:        30,
			Compress:      true,
		},
		Pool: &PoolConfig{
			UserIdleTimeout: DefaultUserIdleTimeout,
		},
		ToolResponseLimit: DefaultToolResponseLimit,
	}
}

// LoadFromFile reads and validates a JSON config file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := ExpandEnvRefs(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate normalizes zero values and rejects structurally invalid configs.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8181"
	}
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to determine home directory: %w", err)
		}
		c.DataDir = filepath.Join(home, ".mcpbridge")
	}
	if c.Environment == nil {
		c.Environment = secureenv.DefaultEnvConfig()
	}
	if c.Pool == nil {
		c.Pool = &PoolConfig{}
	}
	if c.Pool.UserIdleTimeout <= 0 {
		c.Pool.UserIdleTimeout = DefaultUserIdleTimeout
	}
	if c.ToolResponseLimit < 0 {
		c.ToolResponseLimit = 0
	}

	seen := make(map[string]bool, len(c.Servers))
	for _, srv := range c.Servers {
		if err := srv.Validate(); err != nil {
			return err
		}
		if seen[srv.Name] {
			return fmt.Errorf("duplicate server name %q", srv.Name)
		}
		seen[srv.Name] = true
	}
	return nil
}

// Validate normalizes a single server config.
func (s *ServerConfig) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("server config missing name")
	}
	if s.Command == "" && s.URL == "" {
		return fmt.Errorf("server %q: either command or url is required", s.Name)
	}
	switch s.Protocol {
	case ProtocolAuto, ProtocolStdio, ProtocolSSE, ProtocolStreamableHTTP, "http":
	default:
		return fmt.Errorf("server %q: unknown protocol %q", s.Name, s.Protocol)
	}
	if s.Protocol == ProtocolStdio && s.Command == "" {
		return fmt.Errorf("server %q: stdio protocol requires a command", s.Name)
	}
	if s.InitTimeout <= 0 {
		s.InitTimeout = DefaultInitTimeout
	}
	if s.CallTimeout <= 0 {
		s.CallTimeout = DefaultCallTimeout
	}
	return nil
}

// Copy returns a deep copy. Substitution and per-call resolution operate on
// copies so stored configs stay pristine.
func (s *ServerConfig) Copy() *ServerConfig {
	if s == nil {
		return nil
	}
	out := *s

	if s.Args != nil {
		out.Args = make([]string, len(s.Args))
		copy(out.Args, s.Args)
	}
	if s.Env != nil {
		out.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			out.Env[k] = v
		}
	}
	if s.Headers != nil {
		out.Headers = make(map[string]string, len(s.Headers))
		for k, v := range s.Headers {
			out.Headers[k] = v
		}
	}
	if s.OAuth != nil {
		oauth := *s.OAuth
		if s.OAuth.Scopes != nil {
			oauth.Scopes = make([]string, len(s.OAuth.Scopes))
			copy(oauth.Scopes, s.OAuth.Scopes)
		}
		if s.OAuth.Headers != nil {
			oauth.Headers = make(map[string]string, len(s.OAuth.Headers))
			for k, v := range s.OAuth.Headers {
				oauth.Headers[k] = v
			}
		}
		out.OAuth = &oauth
	}
	if s.OAuthMetadata != nil {
		out.OAuthMetadata = make(map[string]any, len(s.OAuthMetadata))
		for k, v := range s.OAuthMetadata {
			out.OAuthMetadata[k] = v
		}
	}
	if s.GraphOBO != nil {
		obo := *s.GraphOBO
		out.GraphOBO = &obo
	}
	return &out
}

// FindServer returns the named server config, or nil.
func (c *Config) FindServer(name string) *ServerConfig {
	for _, srv := range c.Servers {
		if srv.Name == name {
			return srv
		}
	}
	return nil
}
