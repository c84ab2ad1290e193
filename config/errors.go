// Package config provides error definitions for configuration management
package config

import "errors"

// Configuration validation errors
var (
	ErrInvalidAppName        = errors.New("invalid application name")
	ErrInvalidEnvironment    = errors.New("invalid environment")
	ErrInvalidLogLevel       = errors.New("invalid log level")
	ErrInvalidPort           = errors.New("invalid port number")
	ErrInvalidCacheSize      = errors.New("invalid router cache size")
	ErrInvalidStrategy       = errors.New("invalid balance strategy")
	ErrInvalidMaxAttempts    = errors.New("invalid max attempts")
	ErrInvalidRegistry       = errors.New("mesh enabled without a registry address")
	ErrInvalidGatewayAddress = errors.New("gateway enabled without an address")
)

// Configuration loading errors
var (
	ErrConfigFileNotFound = errors.New("configuration file not found")
	ErrUnsupportedFormat  = errors.New("unsupported configuration format")
)
