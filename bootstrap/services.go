package bootstrap

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"github.com/najoast/actorportal/core"
	"github.com/najoast/actorportal/portal"
)

// Service names registered by the application.
const (
	ServiceSupervisor = "supervisor"
	ServicePortal     = "portal"
	ServiceRoot       = "root"
)

// SupervisorService runs the supervisor loop.
type SupervisorService struct {
	supervisor *core.Supervisor
	running    atomic.Bool
}

// NewSupervisorService wraps supervisor.
func NewSupervisorService(supervisor *core.Supervisor) *SupervisorService {
	return &SupervisorService{supervisor: supervisor}
}

func (s *SupervisorService) Name() string { return ServiceSupervisor }

func (s *SupervisorService) Start(_ context.Context) error {
	// The loop outlives the start context.
	if err := s.supervisor.Start(context.Background()); err != nil {
		return err
	}
	s.running.Store(true)
	return nil
}

func (s *SupervisorService) Stop(ctx context.Context) error {
	s.running.Store(false)
	return s.supervisor.Shutdown(ctx)
}

func (s *SupervisorService) Health(_ context.Context) (HealthStatus, error) {
	if !s.running.Load() {
		return HealthStatus{State: HealthStopped}, nil
	}
	stats := s.supervisor.Stats()
	return HealthStatus{
		State:   HealthHealthy,
		Message: "supervisor running",
		Data: map[string]interface{}{
			"registered":        stats.Registered,
			"pending_creations": stats.PendingCreations,
			"remote":            stats.Remote,
			"routed":            stats.Routed,
			"dropped":           stats.Dropped,
		},
	}, nil
}

// PortalService spawns the portal actor and waits until the supervisor
// knows it.
type PortalService struct {
	supervisor *core.Supervisor
	portal     *portal.Portal
}

// NewPortalService wraps a portal whose program is registered in the
// supervisor's catalog.
func NewPortalService(supervisor *core.Supervisor, p *portal.Portal) *PortalService {
	return &PortalService{supervisor: supervisor, portal: p}
}

func (s *PortalService) Name() string { return ServicePortal }

func (s *PortalService) Start(ctx context.Context) error {
	id, err := s.supervisor.Spawn(ctx, portal.ProgramRef)
	if err != nil {
		return errors.Wrap(err, "spawn portal")
	}

	// SETPORTAL is sent by the portal after LOADED.
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for s.supervisor.Portal() != id {
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "wait for portal")
		case <-ticker.C:
		}
	}
	return nil
}

func (s *PortalService) Stop(ctx context.Context) error {
	return s.portal.Stop(ctx)
}

func (s *PortalService) Health(_ context.Context) (HealthStatus, error) {
	if !s.portal.Running() {
		return HealthStatus{State: HealthStopped}, nil
	}
	stats := s.portal.Statistics()
	return HealthStatus{
		State:   HealthHealthy,
		Message: s.portal.Addr(),
		Data: map[string]interface{}{
			"node":            s.portal.NodeID(),
			"peers":           len(s.portal.Peers()),
			"frames_sent":     stats.FramesSent,
			"frames_received": stats.FramesReceived,
			"rejected":        stats.Rejected,
			"errors":          stats.ErrorCount,
		},
	}, nil
}

// RootService spawns the configured root program.
type RootService struct {
	supervisor *core.Supervisor
	program    string
	id         atomic.String
}

// NewRootService spawns program on Start.
func NewRootService(supervisor *core.Supervisor, program string) *RootService {
	return &RootService{supervisor: supervisor, program: program}
}

func (s *RootService) Name() string { return ServiceRoot }

// ID returns the root actor's id once started.
func (s *RootService) ID() core.ActorID {
	return core.ActorID(s.id.Load())
}

func (s *RootService) Start(ctx context.Context) error {
	id, err := s.supervisor.Spawn(ctx, s.program)
	if err != nil {
		return errors.Wrapf(err, "spawn root program %s", s.program)
	}
	s.id.Store(string(id))
	return nil
}

// Stop leaves the root actor to the supervisor's shutdown.
func (s *RootService) Stop(_ context.Context) error {
	return nil
}

func (s *RootService) Health(_ context.Context) (HealthStatus, error) {
	id := s.ID()
	if id == "" {
		return HealthStatus{State: HealthUnknown}, nil
	}
	if _, alive := s.supervisor.Lookup(id); !alive {
		return HealthStatus{State: HealthUnhealthy, Message: "root actor " + string(id) + " is gone"}, nil
	}
	return HealthStatus{State: HealthHealthy, Message: string(id)}, nil
}
