package bootstrap

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrDependencyCycle is returned by Start when services depend on each
// other in a loop.
var ErrDependencyCycle = errors.New("circular service dependency")

// DefaultLifecycleManager implements LifecycleManager.
type DefaultLifecycleManager struct {
	mu sync.Mutex

	services     map[string]Service
	dependencies map[string][]string
	registered   []string

	// Services that started, in start order
	started []string

	listeners []func(LifecycleEvent)
	logger    logrus.FieldLogger

	// Per-service bound on Start, Stop and Health
	timeout time.Duration
}

// NewLifecycleManager creates a lifecycle manager.
func NewLifecycleManager(logger logrus.FieldLogger) *DefaultLifecycleManager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &DefaultLifecycleManager{
		services:     make(map[string]Service),
		dependencies: make(map[string][]string),
		logger:       logger,
		timeout:      30 * time.Second,
	}
}

// SetTimeout bounds each service operation.
func (lm *DefaultLifecycleManager) SetTimeout(timeout time.Duration) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.timeout = timeout
}

// Register implements LifecycleManager.
func (lm *DefaultLifecycleManager) Register(name string, service Service, deps ...string) error {
	if name == "" {
		return errors.New("service name cannot be empty")
	}
	if service == nil {
		return errors.Errorf("service %s is nil", name)
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	if len(lm.started) > 0 {
		return errors.Errorf("cannot register service %s while running", name)
	}
	if _, exists := lm.services[name]; exists {
		return errors.Errorf("service %s is already registered", name)
	}

	lm.services[name] = service
	lm.dependencies[name] = append([]string(nil), deps...)
	lm.registered = append(lm.registered, name)
	return nil
}

// Start implements LifecycleManager. When a service fails, the ones
// already started are stopped again.
func (lm *DefaultLifecycleManager) Start(ctx context.Context) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if len(lm.started) > 0 {
		return errors.New("services already started")
	}

	order, err := lm.startOrder()
	if err != nil {
		return &ApplicationError{Operation: "start", Err: err}
	}

	for _, name := range order {
		startCtx, cancel := context.WithTimeout(ctx, lm.timeout)
		err := lm.services[name].Start(startCtx)
		cancel()

		if err != nil {
			lm.emit(LifecycleEvent{Type: EventServiceStartFailed, Service: name, Error: err})
			lm.logger.WithError(err).WithField("service", name).Error("service failed to start")
			lm.stopStarted(ctx)
			return &ApplicationError{Operation: "start", Service: name, Err: err}
		}

		lm.started = append(lm.started, name)
		lm.emit(LifecycleEvent{Type: EventServiceStarted, Service: name})
		lm.logger.WithField("service", name).Debug("service started")
	}
	return nil
}

// Stop implements LifecycleManager. Every started service is stopped even
// if some fail; the first failure is returned.
func (lm *DefaultLifecycleManager) Stop(ctx context.Context) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.stopStarted(ctx)
}

func (lm *DefaultLifecycleManager) stopStarted(ctx context.Context) error {
	var first error
	for i := len(lm.started) - 1; i >= 0; i-- {
		name := lm.started[i]

		stopCtx, cancel := context.WithTimeout(ctx, lm.timeout)
		err := lm.services[name].Stop(stopCtx)
		cancel()

		if err != nil {
			lm.emit(LifecycleEvent{Type: EventServiceStopFailed, Service: name, Error: err})
			lm.logger.WithError(err).WithField("service", name).Warn("service failed to stop")
			if first == nil {
				first = &ApplicationError{Operation: "stop", Service: name, Err: err}
			}
			continue
		}
		lm.emit(LifecycleEvent{Type: EventServiceStopped, Service: name})
		lm.logger.WithField("service", name).Debug("service stopped")
	}
	lm.started = nil
	return first
}

// Health implements LifecycleManager.
func (lm *DefaultLifecycleManager) Health(ctx context.Context) (map[string]HealthStatus, error) {
	lm.mu.Lock()
	services := make(map[string]Service, len(lm.services))
	for name, service := range lm.services {
		services[name] = service
	}
	timeout := lm.timeout
	lm.mu.Unlock()

	var (
		mu     sync.Mutex
		health = make(map[string]HealthStatus, len(services))
		g      errgroup.Group
	)
	for name, service := range services {
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			status, err := service.Health(checkCtx)
			if err != nil {
				status = HealthStatus{State: HealthUnhealthy, Message: err.Error()}
			}
			status.LastCheck = time.Now()

			mu.Lock()
			health[name] = status
			mu.Unlock()
			return nil
		})
	}
	return health, g.Wait()
}

// Services implements LifecycleManager.
func (lm *DefaultLifecycleManager) Services() []string {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	names := append([]string(nil), lm.registered...)
	sort.Strings(names)
	return names
}

// AddListener implements LifecycleManager. Listeners run synchronously.
func (lm *DefaultLifecycleManager) AddListener(listener func(LifecycleEvent)) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.listeners = append(lm.listeners, listener)
}

func (lm *DefaultLifecycleManager) emit(event LifecycleEvent) {
	event.Timestamp = time.Now()
	for _, listener := range lm.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					lm.logger.WithField("panic", r).Error("lifecycle listener panicked")
				}
			}()
			listener(event)
		}()
	}
}

// startOrder sorts services topologically, keeping registration order
// among services that are ready at the same time.
func (lm *DefaultLifecycleManager) startOrder() ([]string, error) {
	pending := make(map[string]int, len(lm.services))
	dependents := make(map[string][]string, len(lm.services))

	for _, name := range lm.registered {
		for _, dep := range lm.dependencies[name] {
			if _, exists := lm.services[dep]; !exists {
				return nil, errors.Errorf("service %s depends on unregistered %s", name, dep)
			}
			dependents[dep] = append(dependents[dep], name)
		}
		pending[name] = len(lm.dependencies[name])
	}

	var ready, order []string
	for _, name := range lm.registered {
		if pending[name] == 0 {
			ready = append(ready, name)
		}
	}
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)

		for _, dependent := range dependents[name] {
			pending[dependent]--
			if pending[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(order) != len(lm.registered) {
		return nil, ErrDependencyCycle
	}
	return order, nil
}
