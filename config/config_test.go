package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/WizardTales/MicroWizard/balance"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

// TestDefaultConfig tests that the defaults validate
func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	if err := config.Validate(); err != nil {
		t.Fatalf("Default config validation failed: %v", err)
	}
	if !config.Router.InvalidateCache() {
		t.Error("Expected cache invalidation on by default")
	}
	if config.Balance.MaxAttempts != balance.DefaultMaxAttempts {
		t.Errorf("Expected max attempts %d, got %d", balance.DefaultMaxAttempts, config.Balance.MaxAttempts)
	}
	if config.Transport.Port != 10201 {
		t.Errorf("Expected transport port 10201, got %d", config.Transport.Port)
	}
}

// TestConfigValidation tests configuration validation
func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"valid config", func(c *Config) {}, nil},
		{"ephemeral port", func(c *Config) { c.Transport.Port = 0 }, nil},
		{"invalid app name", func(c *Config) { c.App.Name = "" }, ErrInvalidAppName},
		{"invalid environment", func(c *Config) { c.App.Environment = "moon" }, ErrInvalidEnvironment},
		{"invalid log level", func(c *Config) { c.Log.Level = "loud" }, ErrInvalidLogLevel},
		{"invalid cache size", func(c *Config) { c.Router.CacheSize = 0 }, ErrInvalidCacheSize},
		{"invalid strategy", func(c *Config) { c.Balance.Strategy = "fastest" }, ErrInvalidStrategy},
		{"invalid max attempts", func(c *Config) { c.Balance.MaxAttempts = 0 }, ErrInvalidMaxAttempts},
		{"invalid port", func(c *Config) { c.Transport.Port = -1 }, ErrInvalidPort},
		{"mesh without redis", func(c *Config) {
			c.Mesh.Enabled = true
			c.Mesh.RedisAddress = ""
		}, ErrInvalidRegistry},
		{"gateway without address", func(c *Config) {
			c.Gateway.Enabled = true
			c.Gateway.Address = ""
		}, ErrInvalidGatewayAddress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			err := config.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Config.Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// TestLoader tests YAML loading over the defaults
func TestLoader(t *testing.T) {
	dir := t.TempDir()
	yamlFile := writeFile(t, dir, "node.yaml", `
app:
  name: user-service
  environment: production
router:
  cache_invalidation: false
balance:
  strategy: least_active
  circuit_breaker:
    retry_timeout: 50ms
transport:
  port: 10300
mesh:
  enabled: true
  pins:
    - "role:user,cmd:*"
    - "role:order"
`)

	config, err := NewLoader().LoadFromFile(yamlFile)
	if err != nil {
		t.Fatalf("Failed to load YAML config: %v", err)
	}

	if config.App.Name != "user-service" {
		t.Errorf("Expected app name 'user-service', got '%s'", config.App.Name)
	}
	if config.App.Environment != EnvProduction {
		t.Errorf("Expected env production, got %v", config.App.Environment)
	}
	if config.Router.InvalidateCache() {
		t.Error("Expected cache invalidation off")
	}
	if config.Balance.CircuitBreaker.RetryTimeout != 50*time.Millisecond {
		t.Errorf("Expected retry timeout 50ms, got %v", config.Balance.CircuitBreaker.RetryTimeout)
	}
	if config.Transport.Port != 10300 {
		t.Errorf("Expected port 10300, got %d", config.Transport.Port)
	}
	if len(config.Mesh.Pins) != 2 || config.Mesh.Pins[0] != "role:user,cmd:*" {
		t.Errorf("Unexpected pins %v", config.Mesh.Pins)
	}

	// absent keys keep their defaults
	if config.Router.CacheSize != 4096 {
		t.Errorf("Expected default cache size, got %d", config.Router.CacheSize)
	}
	if config.Transport.Host != "0.0.0.0" {
		t.Errorf("Expected default host, got %s", config.Transport.Host)
	}
	if config.Balance.MaxAttempts != balance.DefaultMaxAttempts {
		t.Errorf("Expected default max attempts, got %d", config.Balance.MaxAttempts)
	}

	opts := config.BalanceOptions()
	if opts.Strategy != balance.StrategyLeastActive {
		t.Errorf("Expected least active strategy, got %v", opts.Strategy)
	}
	if opts.CircuitBreaker.RetryTimeout != 50*time.Millisecond {
		t.Errorf("Expected retry timeout in options, got %v", opts.CircuitBreaker.RetryTimeout)
	}
}

// TestLoaderJSON tests JSON configuration loading
func TestLoaderJSON(t *testing.T) {
	config, err := NewLoader().LoadFromReader(strings.NewReader(`{
	"app": {"name": "json-node"},
	"log": {"level": "debug", "format": "json"},
	"gateway": {"enabled": true, "address": ":9090"}
}`), FormatJSON)
	if err != nil {
		t.Fatalf("Failed to load JSON config: %v", err)
	}

	if config.App.Name != "json-node" {
		t.Errorf("Expected app name 'json-node', got '%s'", config.App.Name)
	}
	if config.Log.Level != LogLevelDebug {
		t.Errorf("Expected log level debug, got %v", config.Log.Level)
	}
	if !config.Gateway.Enabled || config.Gateway.Address != ":9090" {
		t.Errorf("Unexpected gateway config %+v", config.Gateway)
	}
}

// TestLoaderRejectsInvalid tests that invalid files fail to load
func TestLoaderRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	loader := NewLoader()

	if _, err := loader.LoadFromFile(filepath.Join(dir, "node.toml")); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("Expected ErrUnsupportedFormat, got %v", err)
	}

	bad := writeFile(t, dir, "bad.yaml", "balance:\n  strategy: fastest\n")
	if _, err := loader.LoadFromFile(bad); !errors.Is(err, ErrInvalidStrategy) {
		t.Errorf("Expected ErrInvalidStrategy, got %v", err)
	}

	broken := writeFile(t, dir, "broken.yaml", "app: [\n")
	if _, err := loader.LoadFromFile(broken); err == nil {
		t.Error("Expected parse error")
	}
}

// TestEnvironmentOverrides tests environment variable overrides
func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("MICROWIZARD_APP_NAME", "env-node")
	t.Setenv("MICROWIZARD_TRANSPORT_PORT", "7777")
	t.Setenv("MICROWIZARD_LOG_LEVEL", "error")
	t.Setenv("MICROWIZARD_MESH_ENABLED", "true")
	t.Setenv("MICROWIZARD_MESH_PINS", "role:a,cmd:*;role:b")

	dir := t.TempDir()
	yamlFile := writeFile(t, dir, "node.yaml", `
app:
  name: file-node
transport:
  port: 8080
`)

	config, err := NewLoader().LoadFromFile(yamlFile)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if config.App.Name != "env-node" {
		t.Errorf("Expected app name 'env-node', got '%s'", config.App.Name)
	}
	if config.Transport.Port != 7777 {
		t.Errorf("Expected port 7777, got %d", config.Transport.Port)
	}
	if config.Log.Level != LogLevelError {
		t.Errorf("Expected log level error, got %v", config.Log.Level)
	}
	if !config.Mesh.Enabled {
		t.Error("Expected mesh enabled")
	}
	if len(config.Mesh.Pins) != 2 || config.Mesh.Pins[1] != "role:b" {
		t.Errorf("Unexpected pins %v", config.Mesh.Pins)
	}

	t.Setenv("MICROWIZARD_TRANSPORT_PORT", "seventy")
	if _, err := NewLoader().LoadFromFile(yamlFile); err == nil {
		t.Error("Expected error for invalid port override")
	}
}

// TestAutoLoad tests automatic configuration discovery
func TestAutoLoad(t *testing.T) {
	dir := t.TempDir()
	loader := NewLoader().SetSearchPaths([]string{dir})

	config, err := loader.AutoLoad()
	if err != nil {
		t.Fatalf("Failed to load defaults: %v", err)
	}
	if config.App.Name != "microwizard" {
		t.Errorf("Expected default app name, got '%s'", config.App.Name)
	}

	writeFile(t, dir, "microwizard.yaml", "app:\n  name: auto-load-node\n")
	config, err = loader.Load("")
	if err != nil {
		t.Fatalf("Failed to auto-load config: %v", err)
	}
	if config.App.Name != "auto-load-node" {
		t.Errorf("Expected app name 'auto-load-node', got '%s'", config.App.Name)
	}
}

// TestWatcher tests configuration file watching
func TestWatcher(t *testing.T) {
	dir := t.TempDir()
	configFile := writeFile(t, dir, "watch.yaml", "log:\n  level: info\n")

	watcher, err := NewWatcher(configFile, NewLoader(), nil)
	if err != nil {
		t.Fatalf("Failed to create watcher: %v", err)
	}
	defer watcher.Stop()
	watcher.SetDebounce(20 * time.Millisecond)

	if watcher.GetConfig().Log.Level != LogLevelInfo {
		t.Errorf("Expected initial level info, got %v", watcher.GetConfig().Log.Level)
	}

	changed := make(chan LogLevel, 4)
	watcher.OnConfigChange(func(oldConfig, newConfig *Config) {
		changed <- newConfig.Log.Level
	})

	if err := watcher.Start(); err != nil {
		t.Fatalf("Failed to start watcher: %v", err)
	}

	writeFile(t, dir, "watch.yaml", "log:\n  level: debug\n")

	select {
	case level := <-changed:
		if level != LogLevelDebug {
			t.Errorf("Expected level debug, got %v", level)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Configuration change was not detected within timeout")
	}

	if watcher.GetConfig().Log.Level != LogLevelDebug {
		t.Errorf("Expected updated level debug, got %v", watcher.GetConfig().Log.Level)
	}

	// an invalid file keeps the last good configuration
	writeFile(t, dir, "watch.yaml", "log:\n  level: loud\n")
	if err := watcher.Reload(); err == nil {
		t.Error("Expected reload of invalid file to fail")
	}
	if watcher.GetConfig().Log.Level != LogLevelDebug {
		t.Errorf("Expected level to stay debug, got %v", watcher.GetConfig().Log.Level)
	}
}
