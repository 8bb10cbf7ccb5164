// Package config provides configuration management for actorportal
package config

import (
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
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
	LogLevelTrace LogLevel = "trace"
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
	case LogLevelTrace, LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError, LogLevelFatal:
		return true
	default:
		return false
	}
}

// Config represents the complete actorportal configuration
type Config struct {
	// Application configuration
	App AppConfig `yaml:"app" json:"app"`

	// Logging configuration
	Log LogConfig `yaml:"log" json:"log"`

	// Actor runtime configuration
	Actor ActorConfig `yaml:"actor" json:"actor"`

	// Portal transport configuration
	Portal PortalConfig `yaml:"portal" json:"portal"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	Name        string      `yaml:"name" json:"name"`
	Version     string      `yaml:"version" json:"version"`
	Environment Environment `yaml:"environment" json:"environment"`
	Debug       bool        `yaml:"debug" json:"debug"`

	Metadata map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	// Log level
	Level LogLevel `yaml:"level" json:"level"`

	// Log format (json, text)
	Format string `yaml:"format" json:"format"`

	// Output destination (stdout, stderr, file path)
	Output string `yaml:"output" json:"output"`

	// Enable colored output for the text format
	Color bool `yaml:"color" json:"color"`

	// Fields added to every log entry
	Fields map[string]interface{} `yaml:"fields,omitempty" json:"fields,omitempty"`
}

// ActorConfig contains actor runtime configuration
type ActorConfig struct {
	// Initial capacity of every mailbox
	MailboxHint int `yaml:"mailbox_hint" json:"mailbox_hint"`

	// Program spawned when the application starts
	RootProgram string `yaml:"root_program" json:"root_program"`

	// Actor timeout settings
	Timeouts ActorTimeoutConfig `yaml:"timeouts" json:"timeouts"`
}

// ActorTimeoutConfig contains actor timeout settings. A zero duration
// means no timeout.
type ActorTimeoutConfig struct {
	// Time a spawned actor has to report LOADED
	Creation time.Duration `yaml:"creation" json:"creation"`

	// Default deadline for calls made from outside the runtime
	Call time.Duration `yaml:"call" json:"call"`

	// Time allowed for the supervisor to stop every actor
	Shutdown time.Duration `yaml:"shutdown" json:"shutdown"`
}

// PortalConfig contains the peer transport configuration
type PortalConfig struct {
	// Enable the portal actor
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Identifier of this node among its peers
	NodeID string `yaml:"node_id" json:"node_id"`

	// Listening address
	BindAddr string `yaml:"bind_addr" json:"bind_addr"`

	// Listening port
	BindPort int `yaml:"bind_port" json:"bind_port"`

	// Seed peers, host:port
	Peers []string `yaml:"peers,omitempty" json:"peers,omitempty"`

	// Discovery group joined on start
	Topic string `yaml:"topic,omitempty" json:"topic,omitempty"`

	// Write deadline for a single frame
	MessageTimeout time.Duration `yaml:"message_timeout" json:"message_timeout"`

	// Dial timeout for seed peers
	DialTimeout time.Duration `yaml:"dial_timeout" json:"dial_timeout"`

	// Version announced in the handshake
	ProtocolVersion string `yaml:"protocol_version" json:"protocol_version"`

	// Constraint peers' versions must satisfy
	VersionConstraint string `yaml:"version_constraint" json:"version_constraint"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "actorportal",
			Version:     "1.0.0",
			Environment: EnvDevelopment,
			Debug:       true,
		},
		Log: LogConfig{
			Level:  LogLevelInfo,
			Format: "text",
			Output: "stdout",
			Color:  true,
		},
		Actor: ActorConfig{
			MailboxHint: 64,
			Timeouts: ActorTimeoutConfig{
				Creation: 0,
				Call:     30 * time.Second,
				Shutdown: 10 * time.Second,
			},
		},
		Portal: PortalConfig{
			Enabled:           false,
			BindAddr:          "0.0.0.0",
			BindPort:          7946,
			MessageTimeout:    5 * time.Second,
			DialTimeout:       3 * time.Second,
			ProtocolVersion:   "1.0.0",
			VersionConstraint: "^1.0.0",
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
	switch c.Log.Format {
	case "text", "json":
	default:
		return errors.Wrapf(ErrInvalidLogFormat, "%q", c.Log.Format)
	}

	if c.Actor.MailboxHint < 0 {
		return ErrInvalidMailboxHint
	}
	t := c.Actor.Timeouts
	if t.Creation < 0 || t.Call < 0 || t.Shutdown < 0 {
		return ErrInvalidTimeout
	}

	if c.Portal.Enabled {
		if c.Portal.BindPort < 0 || c.Portal.BindPort > 65535 {
			return ErrInvalidPort
		}
		if _, err := semver.NewVersion(c.Portal.ProtocolVersion); err != nil {
			return errors.Wrap(ErrInvalidProtocolVersion, err.Error())
		}
		if c.Portal.VersionConstraint != "" {
			if _, err := semver.NewConstraint(c.Portal.VersionConstraint); err != nil {
				return errors.Wrap(ErrInvalidProtocolVersion, err.Error())
			}
		}
	}

	return nil
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == EnvDevelopment
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == EnvProduction
}

// IsDebugEnabled returns true if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.App.Environment == EnvDevelopment
}
