// Package config loads process configuration for the api and gateway
// binaries from defaults, an optional YAML file named by GASPLANT_CONFIG,
// and GASPLANT_* environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	EnvPrefix  = "GASPLANT"
	FileEnvVar = "GASPLANT_CONFIG"

	redacted = "[REDACTED]"
)

// Secret holds sensitive material and never prints it.
type Secret string

func (s Secret) String() string   { return redacted }
func (s Secret) GoString() string { return redacted }

func (s Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

// Value returns the underlying secret.
func (s Secret) Value() string { return string(s) }

type JWT struct {
	PrivateKey Secret        `env:"PRIVATE_KEY" yaml:"private_key"`
	PublicKey  string        `env:"PUBLIC_KEY" yaml:"public_key"`
	Issuer     string        `env:"ISSUER" envDefault:"gas-plant" yaml:"issuer"`
	AccessTTL  time.Duration `env:"ACCESS_TTL" envDefault:"24h" yaml:"access_ttl"`
	RefreshTTL time.Duration `env:"REFRESH_TTL" envDefault:"168h" yaml:"refresh_ttl"`
}

type Postgres struct {
	DSN Secret `env:"DSN" yaml:"dsn"`
}

type Redis struct {
	URL Secret `env:"URL" envDefault:"redis://localhost:6379/0" yaml:"url"`
}

type Session struct {
	// Driver is redis or memory.
	Driver   string `env:"DRIVER" envDefault:"redis" yaml:"driver"`
	Capacity int    `env:"CAPACITY" envDefault:"100000" yaml:"capacity"`
}

type RateLimit struct {
	RPS   float64 `env:"RPS" envDefault:"10" yaml:"rps"`
	Burst int     `env:"BURST" envDefault:"20" yaml:"burst"`
	// Driver is local or redis.
	Driver string `env:"DRIVER" envDefault:"local" yaml:"driver"`
}

// Config is shared by both binaries; each checks the parts it needs.
type Config struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info" yaml:"log_level"`
	Version  string `env:"VERSION" envDefault:"dev" yaml:"version"`

	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080" yaml:"http_addr"`
	GRPCAddr    string `env:"GRPC_ADDR" envDefault:":9090" yaml:"grpc_addr"`
	GatewayAddr string `env:"GATEWAY_ADDR" envDefault:":8000" yaml:"gateway_addr"`
	OriginURL   string `env:"ORIGIN_URL" envDefault:"http://localhost:8080" yaml:"origin_url"`

	// GatewayVerify makes the gateway check signatures too.
	GatewayVerify bool `env:"GATEWAY_VERIFY" envDefault:"false" yaml:"gateway_verify"`

	InitAccessCode     Secret `env:"INIT_ACCESS_CODE" yaml:"init_access_code"`
	TokenSweepSchedule string `env:"TOKEN_SWEEP_SCHEDULE" envDefault:"@every 10m" yaml:"token_sweep_schedule"`
	BcryptCost         int    `env:"BCRYPT_COST" envDefault:"10" yaml:"bcrypt_cost"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s" yaml:"shutdown_timeout"`

	JWT       JWT       `env:"JWT" yaml:"jwt"`
	PG        Postgres  `env:"PG" yaml:"pg"`
	Redis     Redis     `env:"REDIS" yaml:"redis"`
	Session   Session   `env:"SESSION" yaml:"session"`
	RateLimit RateLimit `env:"RATE_LIMIT" yaml:"rate_limit"`
}

// Load reads configuration using the file named by GASPLANT_CONFIG, if any.
func Load() (Config, error) {
	var cfg Config
	loader := NewLoader().WithEnvPrefix(EnvPrefix)
	if path := os.Getenv(FileEnvVar); path != "" {
		loader.WithFile(path)
	}
	if err := loader.Load(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings common to both binaries.
func (c *Config) Validate() error {
	if c.JWT.AccessTTL <= 0 || c.JWT.RefreshTTL <= 0 {
		return fmt.Errorf("%w: token lifetimes must be positive", ErrInvalid)
	}
	if c.JWT.RefreshTTL < c.JWT.AccessTTL {
		return fmt.Errorf("%w: refresh ttl shorter than access ttl", ErrInvalid)
	}
	switch c.Session.Driver {
	case "redis", "memory":
	default:
		return fmt.Errorf("%w: session driver %q", ErrInvalid, c.Session.Driver)
	}
	switch c.RateLimit.Driver {
	case "local", "redis":
	default:
		return fmt.Errorf("%w: rate limit driver %q", ErrInvalid, c.RateLimit.Driver)
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("%w: rate limit must be positive", ErrInvalid)
	}
	if _, err := cron.ParseStandard(c.TokenSweepSchedule); err != nil {
		return fmt.Errorf("%w: token sweep schedule: %v", ErrInvalid, err)
	}
	return nil
}

// ValidateAPI adds what the origin service needs to sign tokens and persist.
func (c *Config) ValidateAPI() error {
	if c.JWT.PrivateKey == "" || c.JWT.PublicKey == "" {
		return fmt.Errorf("%w: GASPLANT_JWT_PRIVATE_KEY and GASPLANT_JWT_PUBLIC_KEY", ErrRequired)
	}
	if c.PG.DSN == "" {
		return fmt.Errorf("%w: GASPLANT_PG_DSN", ErrRequired)
	}
	return nil
}

// ValidateGateway checks the origin URL and, when edge verification is on,
// the public key.
func (c *Config) ValidateGateway() (*url.URL, error) {
	u, err := url.Parse(c.OriginURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: origin url %q", ErrInvalid, c.OriginURL)
	}
	if c.GatewayVerify && c.JWT.PublicKey == "" {
		return nil, fmt.Errorf("%w: GASPLANT_JWT_PUBLIC_KEY for gateway verification", ErrRequired)
	}
	return u, nil
}
