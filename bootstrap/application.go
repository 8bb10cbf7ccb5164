package bootstrap

import (
	"context"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/najoast/actorportal/config"
	"github.com/najoast/actorportal/core"
	"github.com/najoast/actorportal/portal"
)

// shutdownGrace bounds Run's shutdown when the configuration sets none.
const shutdownGrace = 10 * time.Second

// DefaultApplication implements Application.
type DefaultApplication struct {
	cfg        *config.Config
	configFile string
	loader     *config.Loader
	watch      bool

	logger    *logrus.Logger
	log       logrus.FieldLogger
	logCloser io.Closer
	watcher   *config.Watcher

	catalog    *core.Catalog
	supervisor *core.Supervisor
	portal     *portal.Portal
	root       *RootService
	lifecycle  *DefaultLifecycleManager

	mu      sync.Mutex
	running bool
	signals chan os.Signal
}

// Option configures an application.
type Option func(*DefaultApplication)

// WithConfig uses cfg instead of loading one.
func WithConfig(cfg *config.Config) Option {
	return func(app *DefaultApplication) {
		app.cfg = cfg
	}
}

// WithConfigFile loads configuration from path and watches it for log
// level changes.
func WithConfigFile(path string) Option {
	return func(app *DefaultApplication) {
		app.configFile = path
		app.watch = true
	}
}

// WithLoader replaces the default configuration loader.
func WithLoader(loader *config.Loader) Option {
	return func(app *DefaultApplication) {
		app.loader = loader
	}
}

// NewApplication builds an application running the programs in catalog.
// Without WithConfig or WithConfigFile the configuration is auto-loaded.
func NewApplication(catalog *core.Catalog, opts ...Option) (*DefaultApplication, error) {
	if catalog == nil {
		return nil, errors.New("application needs a program catalog")
	}

	app := &DefaultApplication{
		catalog: catalog,
		loader:  config.NewLoader(),
		signals: make(chan os.Signal, 1),
	}
	for _, opt := range opts {
		opt(app)
	}

	if err := app.loadConfig(); err != nil {
		return nil, &ApplicationError{Operation: "load config", Err: err}
	}

	logger, closer, err := app.cfg.Log.NewLogger()
	if err != nil {
		return nil, &ApplicationError{Operation: "create logger", Err: err}
	}
	app.logger = logger
	app.logCloser = closer
	app.log = logger.WithField("app", app.cfg.App.Name)

	if err := app.assemble(); err != nil {
		closer.Close()
		return nil, err
	}
	return app, nil
}

func (app *DefaultApplication) loadConfig() error {
	if app.cfg != nil {
		return app.cfg.Validate()
	}

	var err error
	if app.configFile != "" {
		app.cfg, err = app.loader.LoadFromFile(app.configFile)
	} else {
		app.cfg, err = app.loader.AutoLoad()
	}
	return err
}

// assemble creates the supervisor and portal and registers their services.
func (app *DefaultApplication) assemble() error {
	cfg := app.cfg

	app.supervisor = core.NewSupervisor(app.catalog,
		core.WithLogger(app.log),
		core.WithCreationTimeout(cfg.Actor.Timeouts.Creation),
		core.WithMailboxHint(cfg.Actor.MailboxHint),
	)

	app.lifecycle = NewLifecycleManager(app.log)
	if cfg.Actor.Timeouts.Shutdown > 0 {
		app.lifecycle.SetTimeout(cfg.Actor.Timeouts.Shutdown)
	}

	if err := app.lifecycle.Register(ServiceSupervisor, NewSupervisorService(app.supervisor)); err != nil {
		return err
	}
	rootDeps := []string{ServiceSupervisor}

	if cfg.Portal.Enabled {
		p, err := portal.New(portalConfig(cfg.Portal), app.supervisor, app.log)
		if err != nil {
			return &ApplicationError{Operation: "create portal", Err: err}
		}
		if err := p.Register(app.catalog); err != nil {
			return &ApplicationError{Operation: "register portal", Err: err}
		}
		app.portal = p

		if err := app.lifecycle.Register(ServicePortal, NewPortalService(app.supervisor, p), ServiceSupervisor); err != nil {
			return err
		}
		rootDeps = append(rootDeps, ServicePortal)
	}

	if cfg.Actor.RootProgram != "" {
		app.root = NewRootService(app.supervisor, cfg.Actor.RootProgram)
		if err := app.lifecycle.Register(ServiceRoot, app.root, rootDeps...); err != nil {
			return err
		}
	}
	return nil
}

func portalConfig(c config.PortalConfig) portal.Config {
	cfg := portal.DefaultConfig()
	cfg.NodeID = portal.NodeID(c.NodeID)
	cfg.BindAddr = c.BindAddr
	cfg.BindPort = c.BindPort
	cfg.Peers = c.Peers
	cfg.Topic = c.Topic
	if c.MessageTimeout > 0 {
		cfg.MessageTimeout = c.MessageTimeout
	}
	if c.DialTimeout > 0 {
		cfg.DialTimeout = c.DialTimeout
	}
	if c.ProtocolVersion != "" {
		cfg.ProtocolVersion = c.ProtocolVersion
	}
	cfg.VersionConstraint = c.VersionConstraint
	return cfg
}

// Start implements Application.
func (app *DefaultApplication) Start(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()

	if app.running {
		return errors.New("application is already running")
	}

	if err := app.lifecycle.Start(ctx); err != nil {
		return err
	}
	app.running = true

	if app.watch {
		if err := app.startWatcher(); err != nil {
			app.log.WithError(err).Warn("config hot reload disabled")
		}
	}

	fields := logrus.Fields{"services": app.lifecycle.Services()}
	if app.root != nil {
		fields["root"] = app.root.ID()
	}
	if app.portal != nil {
		fields["portal"] = app.portal.Addr()
	}
	app.log.WithFields(fields).Info("application started")
	return nil
}

func (app *DefaultApplication) startWatcher() error {
	watcher, err := config.NewWatcher(app.configFile, app.loader, app.log)
	if err != nil {
		return err
	}
	watcher.OnConfigChange(app.applyConfig)
	if err := watcher.Start(); err != nil {
		return err
	}
	app.watcher = watcher
	return nil
}

// applyConfig takes the log level from a reloaded configuration. Other
// settings apply on the next start.
func (app *DefaultApplication) applyConfig(oldConfig, newConfig *config.Config) {
	if oldConfig.Log.Level == newConfig.Log.Level {
		return
	}
	level, err := newConfig.Log.Level.ParseLevel()
	if err != nil {
		app.log.WithError(err).Warn("reloaded log level ignored")
		return
	}
	app.logger.SetLevel(level)
	app.log.WithFields(logrus.Fields{"from": oldConfig.Log.Level, "to": newConfig.Log.Level}).
		Info("log level changed")
}

// Run implements Application. An application that was already started
// is only waited on.
func (app *DefaultApplication) Run(ctx context.Context) error {
	app.mu.Lock()
	running := app.running
	app.mu.Unlock()

	if !running {
		if err := app.Start(ctx); err != nil {
			return err
		}
	}

	signal.Notify(app.signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(app.signals)

	select {
	case sig := <-app.signals:
		app.log.WithField("signal", sig).Info("received shutdown signal")
	case <-ctx.Done():
		app.log.Info("context cancelled, shutting down")
	}

	timeout := app.cfg.Actor.Timeouts.Shutdown
	if timeout <= 0 {
		timeout = shutdownGrace
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return app.Shutdown(shutdownCtx)
}

// Shutdown implements Application. It is safe to call more than once.
func (app *DefaultApplication) Shutdown(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()

	if !app.running {
		return nil
	}
	app.running = false

	if app.watcher != nil {
		app.watcher.Stop()
		app.watcher = nil
	}

	err := app.lifecycle.Stop(ctx)
	if err != nil {
		app.log.WithError(err).Error("shutdown incomplete")
	} else {
		app.log.Info("application stopped")
	}
	app.logCloser.Close()
	return err
}

// Ask implements Application.
func (app *DefaultApplication) Ask(ctx context.Context, to core.ActorID, msgType string, payload any) (any, error) {
	if timeout := app.cfg.Actor.Timeouts.Call; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return app.supervisor.Ask(ctx, to, msgType, payload)
}

// Health reports every service's health.
func (app *DefaultApplication) Health(ctx context.Context) (map[string]HealthStatus, error) {
	return app.lifecycle.Health(ctx)
}

func (app *DefaultApplication) Config() *config.Config {
	return app.cfg
}

func (app *DefaultApplication) Logger() logrus.FieldLogger {
	return app.log
}

func (app *DefaultApplication) Supervisor() *core.Supervisor {
	return app.supervisor
}

// Portal returns the portal, or nil when it is disabled.
func (app *DefaultApplication) Portal() *portal.Portal {
	return app.portal
}

// Root returns the root actor's id, or "" when none is configured.
func (app *DefaultApplication) Root() core.ActorID {
	if app.root == nil {
		return ""
	}
	return app.root.ID()
}

func (app *DefaultApplication) LifecycleManager() LifecycleManager {
	return app.lifecycle
}
