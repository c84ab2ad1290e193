// Package bootstrap wires a MicroWizard node together and manages the
// lifecycle of its services.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Service is a component started and stopped by the lifecycle manager
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Health(ctx context.Context) (HealthStatus, error)
}

// HealthStatus represents the health status of a service
type HealthStatus struct {
	State     HealthState    `json:"state"`
	Message   string         `json:"message,omitempty"`
	LastCheck time.Time      `json:"last_check,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// HealthState represents the health state of a service
type HealthState string

const (
	HealthUnknown   HealthState = "unknown"
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
	HealthStopped   HealthState = "stopped"
)

// Lifecycle event types
const (
	EventRegistered  = "service.registered"
	EventStarting    = "service.starting"
	EventStarted     = "service.started"
	EventStartFailed = "service.start_failed"
	EventStopping    = "service.stopping"
	EventStopped     = "service.stopped"
	EventStopFailed  = "service.stop_failed"
)

// LifecycleEvent represents an event in the service lifecycle
type LifecycleEvent struct {
	Type      string         `json:"type"`
	Service   string         `json:"service,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Error     error          `json:"error,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Lifecycle errors
var (
	ErrAlreadyStarted      = errors.New("already started")
	ErrAlreadyRegistered   = errors.New("service already registered")
	ErrUnknownDependency   = errors.New("dependency not registered")
	ErrCircularDependency  = errors.New("circular dependency detected")
	ErrInvalidService      = errors.New("invalid service")
	ErrApplicationNotReady = errors.New("application not started")
)

// ApplicationError represents an error that occurred during application lifecycle
type ApplicationError struct {
	Operation string
	Service   string
	Err       error
}

func (e *ApplicationError) Error() string {
	if e.Service != "" {
		return fmt.Sprintf("%s failed for service %s: %v", e.Operation, e.Service, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Operation, e.Err)
}

func (e *ApplicationError) Unwrap() error {
	return e.Err
}

// funcService adapts plain functions to Service
type funcService struct {
	name   string
	start  func(ctx context.Context) error
	stop   func(ctx context.Context) error
	health func(ctx context.Context) HealthStatus
}

func (s *funcService) Name() string {
	return s.name
}

func (s *funcService) Start(ctx context.Context) error {
	if s.start == nil {
		return nil
	}
	return s.start(ctx)
}

func (s *funcService) Stop(ctx context.Context) error {
	if s.stop == nil {
		return nil
	}
	return s.stop(ctx)
}

func (s *funcService) Health(ctx context.Context) (HealthStatus, error) {
	if s.health == nil {
		return HealthStatus{State: HealthHealthy}, nil
	}
	return s.health(ctx), nil
}
