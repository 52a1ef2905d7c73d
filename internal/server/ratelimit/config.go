package ratelimit

import "time"

// EndpointConfig is the limit applied to one route family.
type EndpointConfig struct {
	Path   string // exact path, or a prefix when it ends in "/"
	Method string
	Limit  int // requests per Window; <= 0 is unlimited
	Window time.Duration
	Burst  int // defaults to Limit
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled         bool          `koanf:"enabled"`
	DefaultLimit    int           `koanf:"default_limit" validate:"gte=0"`
	DefaultWindow   time.Duration `koanf:"default_window"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
	// IdleTTL is how long an unused client bucket is kept.
	IdleTTL time.Duration `koanf:"idle_ttl"`
	// Allow and Deny list client addresses that bypass or are refused
	// by the limiter.
	Allow     []string         `koanf:"allow"`
	Deny      []string         `koanf:"deny"`
	Endpoints []EndpointConfig `koanf:"-"`
}

// DefaultConfig returns an enabled limiter with the default route limits.
func DefaultConfig() Config {
	c := Config{Enabled: true}
	c.normalize()
	return c
}

func (c *Config) normalize() {
	if c.DefaultLimit == 0 {
		c.DefaultLimit = 1000
	}
	if c.DefaultWindow <= 0 {
		c.DefaultWindow = time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 5 * time.Minute
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = time.Hour
	}
	if c.Endpoints == nil {
		c.Endpoints = DefaultEndpointConfigs()
	}
}

// DefaultEndpointConfigs returns the per-route limits. Run creation is
// the most expensive call because it eventually drives every worker.
func DefaultEndpointConfigs() []EndpointConfig {
	return []EndpointConfig{
		{Path: "/runs", Method: "POST", Limit: 30, Window: time.Minute, Burst: 5},

		// Review actions on a run
		{Path: "/runs/", Method: "POST", Limit: 120, Window: time.Minute, Burst: 20},

		// Rule authoring, feedback and overrides
		{Path: "/rules", Method: "POST", Limit: 60, Window: time.Minute, Burst: 10},
		{Path: "/rules/", Method: "POST", Limit: 60, Window: time.Minute, Burst: 10},
		{Path: "/decisions/", Method: "POST", Limit: 120, Window: time.Minute, Burst: 20},
	}
}
