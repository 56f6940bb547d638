package turn

import (
	"net/netip"
	"time"
)

// Default allocation parameters.
const (
	DefaultLifetime         = 600 * time.Second
	DefaultMaxLifetime      = 3600 * time.Second
	DefaultFederationPrefix = "sft"

	// DefaultStreamQueueLimit is the number of bytes a stream client may
	// have queued before relayed packets to it are dropped.
	DefaultStreamQueueLimit = 8192
)

// Config holds engine settings.
type Config struct {
	// Software is advertised in every response when set.
	Software string

	// RelayIPv4 and RelayIPv6 are the addresses relay sockets bind to. An
	// unset address disables that family.
	RelayIPv4 netip.Addr
	RelayIPv6 netip.Addr

	// PublicIPv4 replaces the IPv4 relay address in Allocate responses
	// when the server sits behind a NAT.
	PublicIPv4 netip.Addr

	DefaultLifetime time.Duration
	MaxLifetime     time.Duration

	// FederationPrefix marks usernames of federation clients.
	FederationPrefix string

	StreamQueueLimit int
}

// DefaultConfig returns a Config with the standard lifetimes.
func DefaultConfig() Config {
	return Config{
		RelayIPv4:        netip.IPv4Unspecified(),
		DefaultLifetime:  DefaultLifetime,
		MaxLifetime:      DefaultMaxLifetime,
		FederationPrefix: DefaultFederationPrefix,
		StreamQueueLimit: DefaultStreamQueueLimit,
	}
}

func (c *Config) applyDefaults() {
	if c.DefaultLifetime <= 0 {
		c.DefaultLifetime = DefaultLifetime
	}
	if c.MaxLifetime < c.DefaultLifetime {
		c.MaxLifetime = c.DefaultLifetime
	}
	if c.StreamQueueLimit <= 0 {
		c.StreamQueueLimit = DefaultStreamQueueLimit
	}
}

// clampLifetime applies the allocation lifetime policy to a requested
// value in seconds. A zero request is kept only when allowZero is set.
func (c *Config) clampLifetime(requested uint32, present, allowZero bool) time.Duration {
	if !present {
		return c.DefaultLifetime
	}
	if requested == 0 && allowZero {
		return 0
	}

	d := time.Duration(requested) * time.Second
	if d < c.DefaultLifetime {
		d = c.DefaultLifetime
	}
	if d > c.MaxLifetime {
		d = c.MaxLifetime
	}
	return d
}
