// Package config provides configuration management for MicroWizard nodes
package config

import (
	"time"

	"github.com/WizardTales/MicroWizard/balance"
)

// Environment represents the deployment environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// String returns the string representation of Environment
func (e Environment) String() string {
	return string(e)
}

// IsValid checks if the environment is valid
func (e Environment) IsValid() bool {
	switch e {
	case EnvDevelopment, EnvTesting, EnvStaging, EnvProduction:
		return true
	default:
		return false
	}
}

// LogLevel represents the logging level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// String returns the string representation of LogLevel
func (l LogLevel) String() string {
	return string(l)
}

// IsValid checks if the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError, LogLevelFatal:
		return true
	default:
		return false
	}
}

// Config represents the complete node configuration
type Config struct {
	App       AppConfig       `yaml:"app" json:"app"`
	Log       LogConfig       `yaml:"log" json:"log"`
	Router    RouterConfig    `yaml:"router" json:"router"`
	Balance   BalanceConfig   `yaml:"balance" json:"balance"`
	Transport TransportConfig `yaml:"transport" json:"transport"`
	Mesh      MeshConfig      `yaml:"mesh" json:"mesh"`
	Gateway   GatewayConfig   `yaml:"gateway" json:"gateway"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	Name        string      `yaml:"name" json:"name"`
	Version     string      `yaml:"version" json:"version"`
	Environment Environment `yaml:"environment" json:"environment"`
	Debug       bool        `yaml:"debug" json:"debug"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level LogLevel `yaml:"level" json:"level"`

	// Format is "json" or "console"
	Format string `yaml:"format" json:"format"`

	// Output is stdout, stderr or a file path
	Output string `yaml:"output" json:"output"`

	Fields map[string]string `yaml:"fields" json:"fields"`
}

// RouterConfig configures the action router
type RouterConfig struct {
	CacheSize         int   `yaml:"cache_size" json:"cache_size"`
	CacheInvalidation *bool `yaml:"cache_invalidation" json:"cache_invalidation"`
}

// InvalidateCache reports whether resolution caches are purged on changes.
// Unset means yes.
func (r RouterConfig) InvalidateCache() bool {
	return r.CacheInvalidation == nil || *r.CacheInvalidation
}

// BalanceConfig configures the balanced invoker
type BalanceConfig struct {
	Strategy       string               `yaml:"strategy" json:"strategy"`
	MaxAttempts    int                  `yaml:"max_attempts" json:"max_attempts"`
	ClientUpdates  bool                 `yaml:"client_updates" json:"client_updates"`
	Metrics        bool                 `yaml:"metrics" json:"metrics"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
}

// CircuitBreakerConfig contains per-target breaker settings
type CircuitBreakerConfig struct {
	ClosingTimeout   time.Duration `yaml:"closing_timeout" json:"closing_timeout"`
	RetryTimeout     time.Duration `yaml:"retry_timeout" json:"retry_timeout"`
	FailureThreshold uint32        `yaml:"failure_threshold" json:"failure_threshold"`
}

// TransportConfig configures the TCP listener and peer clients
type TransportConfig struct {
	Host              string        `yaml:"host" json:"host"`
	Port              int           `yaml:"port" json:"port"`
	MaxListenAttempts int           `yaml:"max_listen_attempts" json:"max_listen_attempts"`
	AttemptDelay      time.Duration `yaml:"attempt_delay" json:"attempt_delay"`
	ClientTimeout     time.Duration `yaml:"client_timeout" json:"client_timeout"`
	FailAfter         uint          `yaml:"fail_after" json:"fail_after"`
}

// MeshConfig configures membership
type MeshConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	RedisAddress  string `yaml:"redis_address" json:"redis_address"`
	RedisPassword string `yaml:"redis_password" json:"redis_password"`
	RedisDB       int    `yaml:"redis_db" json:"redis_db"`
	Prefix        string `yaml:"prefix" json:"prefix"`

	// Advertise is the host peers dial; defaults to the transport host
	Advertise string   `yaml:"advertise" json:"advertise"`
	Pins      []string `yaml:"pins" json:"pins"`
	Model     string   `yaml:"model" json:"model"`
	Base      bool     `yaml:"base" json:"base"`

	Heartbeat time.Duration `yaml:"heartbeat" json:"heartbeat"`
	TTL       time.Duration `yaml:"ttl" json:"ttl"`
	Poll      time.Duration `yaml:"poll" json:"poll"`
}

// GatewayConfig configures the HTTP front door
type GatewayConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Address     string `yaml:"address" json:"address"`
	MetricsPath string `yaml:"metrics_path" json:"metrics_path"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cb := balance.DefaultCircuitBreaker()
	return &Config{
		App: AppConfig{
			Name:        "microwizard",
			Version:     "1.0.0",
			Environment: EnvDevelopment,
		},
		Log: LogConfig{
			Level:  LogLevelInfo,
			Format: "console",
			Output: "stdout",
		},
		Router: RouterConfig{
			CacheSize: 4096,
		},
		Balance: BalanceConfig{
			Strategy:    balance.StrategyWeightedRoundRobin.String(),
			MaxAttempts: balance.DefaultMaxAttempts,
			Metrics:     true,
			CircuitBreaker: CircuitBreakerConfig{
				ClosingTimeout:   cb.ClosingTimeout,
				RetryTimeout:     cb.RetryTimeout,
				FailureThreshold: cb.FailureThreshold,
			},
		},
		Transport: TransportConfig{
			Host:              "0.0.0.0",
			Port:              10201,
			MaxListenAttempts: 11,
			AttemptDelay:      222 * time.Millisecond,
			ClientTimeout:     5555 * time.Millisecond,
			FailAfter:         3,
		},
		Mesh: MeshConfig{
			RedisAddress: "127.0.0.1:6379",
			Prefix:       "microwizard:mesh:",
			Model:        "consume",
			Heartbeat:    time.Second,
			TTL:          5 * time.Second,
			Poll:         time.Second,
		},
		Gateway: GatewayConfig{
			Address:     ":8080",
			MetricsPath: "/metrics",
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return ErrInvalidAppName
	}
	if !c.App.Environment.IsValid() {
		return ErrInvalidEnvironment
	}

	if !c.Log.Level.IsValid() {
		return ErrInvalidLogLevel
	}

	if c.Router.CacheSize <= 0 {
		return ErrInvalidCacheSize
	}

	if _, err := balance.ParseStrategy(c.Balance.Strategy); err != nil {
		return ErrInvalidStrategy
	}
	if c.Balance.MaxAttempts <= 0 {
		return ErrInvalidMaxAttempts
	}

	// port 0 binds an ephemeral port
	if c.Transport.Port < 0 || c.Transport.Port > 65535 {
		return ErrInvalidPort
	}

	if c.Mesh.Enabled && c.Mesh.RedisAddress == "" {
		return ErrInvalidRegistry
	}

	if c.Gateway.Enabled && c.Gateway.Address == "" {
		return ErrInvalidGatewayAddress
	}

	return nil
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == EnvDevelopment
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.App.Environment == EnvProduction
}

// BalanceOptions converts the balance section into client options.
func (c *Config) BalanceOptions() balance.Options {
	opts := balance.DefaultOptions()
	if s, err := balance.ParseStrategy(c.Balance.Strategy); err == nil {
		opts.Strategy = s
	}
	opts.MaxAttempts = c.Balance.MaxAttempts
	opts.ClientUpdates = c.Balance.ClientUpdates
	opts.Metrics = c.Balance.Metrics
	opts.CircuitBreaker = balance.CircuitBreaker{
		ClosingTimeout:   c.Balance.CircuitBreaker.ClosingTimeout,
		RetryTimeout:     c.Balance.CircuitBreaker.RetryTimeout,
		FailureThreshold: c.Balance.CircuitBreaker.FailureThreshold,
	}
	return opts
}
