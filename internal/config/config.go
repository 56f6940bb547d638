// Package config provides configuration parsing and validation for the
// metroo-turn relay.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete relay configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Listeners  []ListenerConfig `yaml:"listeners"`
	Relay      RelayConfig      `yaml:"relay"`
	Federation FederationConfig `yaml:"federation"`
	Auth       AuthConfig       `yaml:"auth"`
	Health     HealthConfig     `yaml:"health"`
	Loop       LoopConfig       `yaml:"loop"`
}

// ServerConfig contains identity and logging settings.
type ServerConfig struct {
	Realm     string `yaml:"realm"`      // REALM advertised in auth challenges
	Software  string `yaml:"software"`   // SOFTWARE attribute in responses
	LogLevel  string `yaml:"log_level"`  // trace, debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
}

// ListenerConfig defines a TURN client listener.
type ListenerConfig struct {
	Transport string    `yaml:"transport"` // udp, tcp, tls
	Address   string    `yaml:"address"`
	TLS       TLSConfig `yaml:"tls"`
}

// TLSConfig defines TLS settings. Inline PEM takes precedence over files.
type TLSConfig struct {
	Cert    string `yaml:"cert"`     // Certificate file path
	Key     string `yaml:"key"`      // Private key file path
	CA      string `yaml:"ca"`       // CA certificate file path
	CertPEM string `yaml:"cert_pem"` // Inline certificate
	KeyPEM  string `yaml:"key_pem"`  // Inline private key
	Verify  bool   `yaml:"verify"`   // Require peer certificates signed by CA
}

// RelayConfig defines relay addresses and allocation policy.
type RelayConfig struct {
	IPv4             string        `yaml:"ipv4"`        // relay bind address for IPv4 allocations
	IPv6             string        `yaml:"ipv6"`        // relay bind address for IPv6 allocations, empty disables
	PublicIPv4       string        `yaml:"public_ipv4"` // advertised instead of ipv4 behind NAT
	DefaultLifetime  time.Duration `yaml:"default_lifetime"`
	MaxLifetime      time.Duration `yaml:"max_lifetime"`
	SocketBufferSize int           `yaml:"socket_buffer_size"`
	StreamQueueLimit int           `yaml:"stream_queue_limit"` // bytes queued per stream client before drops
}

// FederationConfig defines relay-to-relay forwarding.
type FederationConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Transport      string        `yaml:"transport"` // udp, dtls
	Address        string        `yaml:"address"`
	UsernamePrefix string        `yaml:"username_prefix"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	TLS            TLSConfig     `yaml:"tls"` // dtls only; empty cert means self-signed
}

// AuthConfig defines long-term credential checking.
type AuthConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Users      []UserConfig  `yaml:"users"`
	RESTSecret string        `yaml:"rest_secret"`
	NonceTTL   time.Duration `yaml:"nonce_ttl"`
}

// UserConfig is a static user.
type UserConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// HealthConfig defines the HTTP health and status server.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	Pprof        bool          `yaml:"pprof"`
}

// LoopConfig sizes the event loop.
type LoopConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Realm:     "metroo",
			Software:  "metroo-turn",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Listeners: []ListenerConfig{
			{Transport: "udp", Address: ":3478"},
		},
		Relay: RelayConfig{
			IPv4:             "0.0.0.0",
			DefaultLifetime:  600 * time.Second,
			MaxLifetime:      3600 * time.Second,
			StreamQueueLimit: 8192,
		},
		Federation: FederationConfig{
			Enabled:        false,
			Transport:      "udp",
			Address:        ":3479",
			UsernamePrefix: "sft",
			ConnectTimeout: 5 * time.Second,
		},
		Auth: AuthConfig{
			Enabled:  false,
			NonceTTL: 10 * time.Minute,
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      "127.0.0.1:8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Loop: LoopConfig{
			QueueSize: 4096,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	// Parse YAML
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// Handle default values: ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Server.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be trace, debug, info, warn, or error)", c.Server.LogLevel))
	}
	if !isValidLogFormat(c.Server.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Server.LogFormat))
	}

	if len(c.Listeners) == 0 {
		errs = append(errs, "at least one listener is required")
	}
	for i, l := range c.Listeners {
		if err := validateListener(l); err != nil {
			errs = append(errs, fmt.Sprintf("listeners[%d]: %v", i, err))
		}
	}

	errs = append(errs, c.validateRelay()...)
	errs = append(errs, c.validateFederation()...)
	errs = append(errs, c.validateAuth()...)

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}
	if c.Loop.QueueSize < 16 {
		errs = append(errs, "loop.queue_size must be at least 16")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func (c *Config) validateRelay() []string {
	var errs []string
	r := c.Relay

	if r.IPv4 == "" && r.IPv6 == "" {
		errs = append(errs, "relay.ipv4 or relay.ipv6 is required")
	}
	if r.IPv4 != "" {
		if addr, err := netip.ParseAddr(r.IPv4); err != nil || !addr.Is4() {
			errs = append(errs, fmt.Sprintf("relay.ipv4: invalid IPv4 address: %s", r.IPv4))
		}
	}
	if r.IPv6 != "" {
		if addr, err := netip.ParseAddr(r.IPv6); err != nil || !addr.Is6() || addr.Is4In6() {
			errs = append(errs, fmt.Sprintf("relay.ipv6: invalid IPv6 address: %s", r.IPv6))
		}
	}
	if r.PublicIPv4 != "" {
		if addr, err := netip.ParseAddr(r.PublicIPv4); err != nil || !addr.Is4() {
			errs = append(errs, fmt.Sprintf("relay.public_ipv4: invalid IPv4 address: %s", r.PublicIPv4))
		}
	}
	if r.DefaultLifetime < time.Second {
		errs = append(errs, "relay.default_lifetime must be at least 1s")
	}
	if r.MaxLifetime < r.DefaultLifetime {
		errs = append(errs, "relay.max_lifetime must be >= default_lifetime")
	}
	if r.SocketBufferSize < 0 {
		errs = append(errs, "relay.socket_buffer_size must not be negative")
	}
	if r.StreamQueueLimit < 1 {
		errs = append(errs, "relay.stream_queue_limit must be positive")
	}
	return errs
}

func (c *Config) validateFederation() []string {
	f := c.Federation
	if !f.Enabled {
		return nil
	}

	var errs []string
	switch f.Transport {
	case "udp":
	case "dtls":
		if f.TLS.HasCert() != f.TLS.HasKey() {
			errs = append(errs, "federation.tls: cert and key must be set together")
		}
		if f.TLS.Verify && f.TLS.CA == "" {
			errs = append(errs, "federation.tls.ca is required when verify is set")
		}
		if f.ConnectTimeout <= 0 {
			errs = append(errs, "federation.connect_timeout must be positive")
		}
	default:
		errs = append(errs, fmt.Sprintf("federation.transport: invalid transport: %s (must be udp or dtls)", f.Transport))
	}
	if f.Address == "" {
		errs = append(errs, "federation.address is required when enabled")
	}
	if f.UsernamePrefix == "" {
		errs = append(errs, "federation.username_prefix is required when enabled")
	}
	return errs
}

func (c *Config) validateAuth() []string {
	a := c.Auth
	if !a.Enabled {
		return nil
	}

	var errs []string
	if c.Server.Realm == "" {
		errs = append(errs, "server.realm is required when auth is enabled")
	}
	if len(a.Users) == 0 && a.RESTSecret == "" {
		errs = append(errs, "auth requires users or rest_secret")
	}
	seen := make(map[string]bool, len(a.Users))
	for i, u := range a.Users {
		if u.Username == "" {
			errs = append(errs, fmt.Sprintf("auth.users[%d]: username is required", i))
			continue
		}
		if seen[u.Username] {
			errs = append(errs, fmt.Sprintf("auth.users[%d]: duplicate username %s", i, u.Username))
		}
		seen[u.Username] = true
	}
	if a.NonceTTL <= 0 {
		errs = append(errs, "auth.nonce_ttl must be positive")
	}
	return errs
}

func isValidLogLevel(level string) bool {
	switch level {
	case "trace", "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidTransport(transport string) bool {
	switch transport {
	case "udp", "tcp", "tls":
		return true
	default:
		return false
	}
}

func validateListener(l ListenerConfig) error {
	if !isValidTransport(l.Transport) {
		return fmt.Errorf("invalid transport: %s (must be udp, tcp, or tls)", l.Transport)
	}
	if l.Address == "" {
		return fmt.Errorf("address is required")
	}
	if l.Transport == "tls" && (!l.TLS.HasCert() || !l.TLS.HasKey()) {
		return fmt.Errorf("tls.cert and tls.key are required")
	}
	return nil
}

// HasCert reports whether a certificate is configured.
func (t TLSConfig) HasCert() bool {
	return t.Cert != "" || t.CertPEM != ""
}

// HasKey reports whether a private key is configured.
func (t TLSConfig) HasKey() bool {
	return t.Key != "" || t.KeyPEM != ""
}

// GetCertPEM returns the inline certificate or reads the file.
func (t TLSConfig) GetCertPEM() ([]byte, error) {
	if t.CertPEM != "" {
		return []byte(t.CertPEM), nil
	}
	return os.ReadFile(t.Cert)
}

// GetKeyPEM returns the inline key or reads the file.
func (t TLSConfig) GetKeyPEM() ([]byte, error) {
	if t.KeyPEM != "" {
		return []byte(t.KeyPEM), nil
	}
	return os.ReadFile(t.Key)
}

// String returns a string representation of the config (for debugging).
// WARNING: This method redacts sensitive values. Use StringUnsafe() for full output.
func (c *Config) String() string {
	redacted := c.Redacted()
	data, _ := yaml.Marshal(redacted)
	return string(data)
}

// StringUnsafe returns a string representation including sensitive values.
// Use with caution - do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
// This is safe to log or display to users.
func (c *Config) Redacted() *Config {
	// Create a deep copy by marshaling and unmarshaling
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	for i := range redacted.Listeners {
		redactTLS(&redacted.Listeners[i].TLS)
	}
	redactTLS(&redacted.Federation.TLS)

	for i := range redacted.Auth.Users {
		if redacted.Auth.Users[i].Password != "" {
			redacted.Auth.Users[i].Password = redactedValue
		}
	}
	if redacted.Auth.RESTSecret != "" {
		redacted.Auth.RESTSecret = redactedValue
	}

	return redacted
}

func redactTLS(t *TLSConfig) {
	// Key paths point to sensitive files
	if t.Key != "" {
		t.Key = redactedValue
	}
	if t.KeyPEM != "" {
		t.KeyPEM = redactedValue
	}
}

// HasSensitiveData returns true if the config contains any sensitive data.
func (c *Config) HasSensitiveData() bool {
	if c.Auth.RESTSecret != "" {
		return true
	}
	for _, u := range c.Auth.Users {
		if u.Password != "" {
			return true
		}
	}
	return c.Federation.TLS.KeyPEM != ""
}

// UserMap returns the static users as a username to password map.
func (a AuthConfig) UserMap() map[string]string {
	users := make(map[string]string, len(a.Users))
	for _, u := range a.Users {
		users[u.Username] = u.Password
	}
	return users
}
