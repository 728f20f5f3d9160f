package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/raakeshmj/keygate/internal/policy"
	"github.com/raakeshmj/keygate/internal/reliability"
)

// EnvPrefix namespaces environment overrides, e.g. KEYGATE_SERVER_PORT.
const EnvPrefix = "KEYGATE"

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Storage    StorageConfig    `mapstructure:"storage"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Validation ValidationConfig `mapstructure:"validation"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Audit      AuditConfig      `mapstructure:"audit"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	IPRateLimit     int           `mapstructure:"ip_rate_limit"` // requests per minute, 0 disables
	// TrustedProxies lists the CIDRs or addresses whose forwarding headers
	// are believed. Empty means the socket address is always the client.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

// TrustedPrefixes parses TrustedProxies. A bare address becomes a single
// host prefix.
func (c ServerConfig) TrustedPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if p, err := netip.ParsePrefix(raw); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("server.trusted_proxies: invalid entry %q", raw)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

type AuthConfig struct {
	JWTSecret       string        `mapstructure:"jwt_secret"`
	TokenTTL        time.Duration `mapstructure:"token_ttl"`
	VaultPassphrase string        `mapstructure:"vault_passphrase"`
	VaultSalt       string        `mapstructure:"vault_salt"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
}

type StorageConfig struct {
	Driver string `mapstructure:"driver"` // memory | sqlite
	Path   string `mapstructure:"path"`
}

type RateLimitConfig struct {
	Backend         string `mapstructure:"backend"` // memory | redis
	RedisAddr       string `mapstructure:"redis_addr"`
	RedisPassword   string `mapstructure:"redis_password"`
	RedisDB         int    `mapstructure:"redis_db"`
	FailureStrategy string `mapstructure:"failure_strategy"`
}

type ValidationConfig struct {
	LookupTimeout time.Duration `mapstructure:"lookup_timeout"`
}

type LoggingConfig struct {
	Level         string `mapstructure:"level"`
	Format        string `mapstructure:"format"` // json | console
	Output        string `mapstructure:"output"`
	ConsoleOutput bool   `mapstructure:"console_output"`
	MaxSize       int    `mapstructure:"max_size"`
	MaxBackups    int    `mapstructure:"max_backups"`
	MaxAge        int    `mapstructure:"max_age"`
	Compress      bool   `mapstructure:"compress"`
}

type AuditConfig struct {
	Output string `mapstructure:"output"` // file path, "stdout", or empty to disable
}

// GatewayConfig describes the key-protected surface.
type GatewayConfig struct {
	Prefix   string          `mapstructure:"prefix"`
	Policies []policy.Policy `mapstructure:"policies"`
}

// envKeys are bound explicitly so values set only in the environment reach
// Unmarshal, which skips AutomaticEnv for keys viper has never seen.
var envKeys = []string{
	"server.host", "server.port", "server.read_timeout", "server.write_timeout",
	"server.shutdown_timeout", "server.allowed_origins", "server.ip_rate_limit", "server.trusted_proxies",
	"auth.jwt_secret", "auth.token_ttl", "auth.vault_passphrase", "auth.vault_salt", "auth.cache_ttl",
	"storage.driver", "storage.path",
	"ratelimit.backend", "ratelimit.redis_addr", "ratelimit.redis_password", "ratelimit.redis_db",
	"ratelimit.failure_strategy",
	"validation.lookup_timeout",
	"logging.level", "logging.format", "logging.output", "logging.console_output",
	"audit.output",
	"gateway.prefix",
}

// BindEnv maps KEYGATE_SECTION_KEY variables onto v.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}
}

// Load loads the configuration from file and environment
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom unmarshals v, fills defaults and validates the result.
func LoadFrom(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Address is the listen address of the HTTP server.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		cfg.Server.AllowedOrigins = []string{"*"}
	}

	if cfg.Auth.TokenTTL == 0 {
		cfg.Auth.TokenTTL = time.Hour
	}
	if cfg.Auth.CacheTTL == 0 {
		cfg.Auth.CacheTTL = time.Minute
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "memory"
	}
	if cfg.Storage.Driver == "sqlite" && cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/keygate.db"
	}

	if cfg.RateLimit.Backend == "" {
		cfg.RateLimit.Backend = "memory"
	}
	if cfg.RateLimit.RedisAddr == "" {
		cfg.RateLimit.RedisAddr = "localhost:6379"
	}
	if cfg.RateLimit.FailureStrategy == "" {
		cfg.RateLimit.FailureStrategy = string(reliability.FailClosed)
	}

	if cfg.Validation.LookupTimeout == 0 {
		cfg.Validation.LookupTimeout = 2 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.MaxSize == 0 {
		cfg.Logging.MaxSize = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAge == 0 {
		cfg.Logging.MaxAge = 28
	}

	if cfg.Gateway.Prefix == "" {
		cfg.Gateway.Prefix = "/api/ai"
	}
	if len(cfg.Gateway.Policies) == 0 {
		cfg.Gateway.Policies = policy.DefaultPolicies(cfg.Gateway.Prefix)
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", cfg.Server.Port)
	}
	if cfg.Server.IPRateLimit < 0 {
		return errors.New("server.ip_rate_limit must not be negative")
	}
	if _, err := cfg.Server.TrustedPrefixes(); err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	if (cfg.Auth.VaultPassphrase == "") != (cfg.Auth.VaultSalt == "") {
		return errors.New("auth.vault_passphrase and auth.vault_salt must be set together")
	}
	switch cfg.Storage.Driver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown storage.driver %q", cfg.Storage.Driver)
	}
	switch cfg.RateLimit.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown ratelimit.backend %q", cfg.RateLimit.Backend)
	}
	if _, err := reliability.ParseStrategy(cfg.RateLimit.FailureStrategy); err != nil {
		return err
	}
	switch cfg.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unknown logging.format %q", cfg.Logging.Format)
	}
	if cfg.Validation.LookupTimeout < 0 {
		return errors.New("validation.lookup_timeout must not be negative")
	}
	return nil
}
