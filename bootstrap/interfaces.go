// Package bootstrap wires configuration, logging, the supervisor and the
// portal into a runnable application.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/najoast/actorportal/config"
	"github.com/najoast/actorportal/core"
	"github.com/najoast/actorportal/portal"
)

// Service is one part of the application started and stopped by the
// lifecycle manager.
type Service interface {
	// Start starts the service
	Start(ctx context.Context) error

	// Stop stops the service
	Stop(ctx context.Context) error

	// Health returns the health status of the service
	Health(ctx context.Context) (HealthStatus, error)

	// Name returns the service name
	Name() string
}

// HealthStatus represents the health status of a service
type HealthStatus struct {
	State     HealthState            `json:"state"`
	Message   string                 `json:"message,omitempty"`
	LastCheck time.Time              `json:"last_check,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// HealthState represents the health state of a service
type HealthState string

const (
	HealthUnknown   HealthState = "unknown"
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
	HealthStopped   HealthState = "stopped"
)

// LifecycleManager starts services in dependency order and stops them in
// reverse.
type LifecycleManager interface {
	// Register registers a service with optional dependencies
	Register(name string, service Service, deps ...string) error

	// Start starts all services in dependency order
	Start(ctx context.Context) error

	// Stop stops all started services in reverse order
	Stop(ctx context.Context) error

	// Health checks every service concurrently
	Health(ctx context.Context) (map[string]HealthStatus, error)

	// Services returns all registered service names
	Services() []string

	// AddListener adds a lifecycle event listener
	AddListener(listener func(LifecycleEvent))
}

// Application is a configured actor runtime.
type Application interface {
	// Start brings every service up and returns
	Start(ctx context.Context) error

	// Run starts the application if needed and blocks until ctx ends or
	// a termination signal arrives, then shuts down
	Run(ctx context.Context) error

	// Shutdown stops every service
	Shutdown(ctx context.Context) error

	// Ask calls an actor from outside the runtime with the configured
	// call timeout
	Ask(ctx context.Context, to core.ActorID, msgType string, payload any) (any, error)

	Config() *config.Config
	Logger() logrus.FieldLogger
	Supervisor() *core.Supervisor
	Portal() *portal.Portal
	Root() core.ActorID
	LifecycleManager() LifecycleManager
}

// LifecycleEvent is reported to listeners as services change state.
type LifecycleEvent struct {
	Type      string    `json:"type"`
	Service   string    `json:"service,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Error     error     `json:"error,omitempty"`
}

// Lifecycle event types
const (
	EventServiceStarted     = "service.started"
	EventServiceStartFailed = "service.start_failed"
	EventServiceStopped     = "service.stopped"
	EventServiceStopFailed  = "service.stop_failed"
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
