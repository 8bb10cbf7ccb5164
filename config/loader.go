package config

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ConfigFormat represents the configuration file format
type ConfigFormat string

const (
	FormatYAML ConfigFormat = "yaml"
	FormatJSON ConfigFormat = "json"
)

// DefaultEnvPrefix prefixes every environment override.
const DefaultEnvPrefix = "ACTORPORTAL"

// Loader handles configuration loading from files and the environment
type Loader struct {
	// Configuration search paths
	searchPaths []string

	// Environment variable prefix
	envPrefix string

	// Values used for anything the file does not set
	defaultConfig *Config

	// Environment lookup, replaceable in tests
	getenv func(string) string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		searchPaths: []string{
			".",
			"./config",
			"./configs",
			"/etc/actorportal",
			filepath.Join(os.Getenv("HOME"), ".actorportal"),
		},
		envPrefix: DefaultEnvPrefix,
		getenv:    os.Getenv,
	}
}

// SetSearchPaths sets the configuration file search paths
func (l *Loader) SetSearchPaths(paths []string) *Loader {
	l.searchPaths = paths
	return l
}

// SetEnvPrefix sets the environment variable prefix
func (l *Loader) SetEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// SetDefaultConfig sets the configuration the file is merged over
func (l *Loader) SetDefaultConfig(config *Config) *Loader {
	l.defaultConfig = config
	return l
}

func (l *Loader) defaults() *Config {
	if l.defaultConfig == nil {
		return DefaultConfig()
	}
	cfg := *l.defaultConfig
	cfg.Portal.Peers = append([]string(nil), l.defaultConfig.Portal.Peers...)
	return &cfg
}

// Load loads configuration from filename, or from defaults and the
// environment alone when filename is empty
func (l *Loader) Load(filename string) (*Config, error) {
	if filename == "" {
		return l.finish(l.defaults())
	}
	return l.LoadFromFile(filename)
}

// LoadFromFile loads configuration from a specific file
func (l *Loader) LoadFromFile(filename string) (*Config, error) {
	format, err := formatOf(filename)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "read config file %s", filename)
	}

	config, err := l.parseConfig(data, format)
	if err != nil {
		return nil, errors.Wrapf(err, "config file %s", filename)
	}
	return l.finish(config)
}

// LoadFromReader loads configuration from an io.Reader
func (l *Loader) LoadFromReader(reader io.Reader, format ConfigFormat) (*Config, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, errors.Wrap(err, "read configuration data")
	}

	config, err := l.parseConfig(data, format)
	if err != nil {
		return nil, err
	}
	return l.finish(config)
}

// AutoLoad discovers a configuration file in the search paths and loads
// it. Without a file the defaults and environment are used.
func (l *Loader) AutoLoad() (*Config, error) {
	configFile, err := l.FindConfigFile()
	if errors.Is(err, ErrConfigFileNotFound) {
		return l.finish(l.defaults())
	}
	if err != nil {
		return nil, err
	}
	return l.LoadFromFile(configFile)
}

// FindConfigFile returns the first configuration file in the search paths
func (l *Loader) FindConfigFile() (string, error) {
	filenames := []string{
		"actorportal.yaml", "actorportal.yml",
		"config.yaml", "config.yml",
		"actorportal.json", "config.json",
	}

	for _, searchPath := range l.searchPaths {
		for _, filename := range filenames {
			fullPath := filepath.Join(searchPath, filename)
			if info, err := os.Stat(fullPath); err == nil && !info.IsDir() {
				return fullPath, nil
			}
		}
	}

	return "", ErrConfigFileNotFound
}

func formatOf(filename string) (ConfigFormat, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", errors.Wrapf(ErrUnsupportedFormat, "%s", filename)
	}
}

// parseConfig decodes data over the default configuration, so fields the
// document omits keep their defaults
func (l *Loader) parseConfig(data []byte, format ConfigFormat) (*Config, error) {
	config := l.defaults()

	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, errors.Wrap(err, "parse YAML config")
		}
	case FormatJSON:
		if err := json.Unmarshal(data, config); err != nil {
			return nil, errors.Wrap(err, "parse JSON config")
		}
	default:
		return nil, errors.Wrapf(ErrUnsupportedFormat, "%s", format)
	}

	return config, nil
}

func (l *Loader) finish(config *Config) (*Config, error) {
	if err := l.loadFromEnv(config); err != nil {
		return nil, errors.Wrap(err, "load environment overrides")
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}
	return config, nil
}

// loadFromEnv applies overrides from environment variables
func (l *Loader) loadFromEnv(config *Config) error {
	env := func(key string) string {
		return l.getenv(l.envPrefix + "_" + key)
	}

	// App configuration
	if val := env("APP_NAME"); val != "" {
		config.App.Name = val
	}
	if val := env("APP_VERSION"); val != "" {
		config.App.Version = val
	}
	if val := env("APP_ENVIRONMENT"); val != "" {
		config.App.Environment = Environment(val)
	}
	if val := env("APP_DEBUG"); val != "" {
		config.App.Debug = strings.ToLower(val) == "true"
	}

	// Log configuration
	if val := env("LOG_LEVEL"); val != "" {
		config.Log.Level = LogLevel(strings.ToLower(val))
	}
	if val := env("LOG_FORMAT"); val != "" {
		config.Log.Format = val
	}
	if val := env("LOG_OUTPUT"); val != "" {
		config.Log.Output = val
	}

	// Actor configuration
	if val := env("ACTOR_ROOT_PROGRAM"); val != "" {
		config.Actor.RootProgram = val
	}
	if val := env("ACTOR_MAILBOX_HINT"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return errors.Wrapf(err, "%s_ACTOR_MAILBOX_HINT", l.envPrefix)
		}
		config.Actor.MailboxHint = n
	}
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"ACTOR_TIMEOUT_CREATION", &config.Actor.Timeouts.Creation},
		{"ACTOR_TIMEOUT_CALL", &config.Actor.Timeouts.Call},
		{"ACTOR_TIMEOUT_SHUTDOWN", &config.Actor.Timeouts.Shutdown},
	}
	for _, d := range durations {
		if val := env(d.key); val != "" {
			parsed, err := time.ParseDuration(val)
			if err != nil {
				return errors.Wrapf(err, "%s_%s", l.envPrefix, d.key)
			}
			*d.dst = parsed
		}
	}

	// Portal configuration
	if val := env("PORTAL_ENABLED"); val != "" {
		config.Portal.Enabled = strings.ToLower(val) == "true"
	}
	if val := env("PORTAL_NODE_ID"); val != "" {
		config.Portal.NodeID = val
	}
	if val := env("PORTAL_BIND_ADDR"); val != "" {
		config.Portal.BindAddr = val
	}
	if val := env("PORTAL_BIND_PORT"); val != "" {
		port, err := parsePort(val)
		if err != nil {
			return errors.Wrapf(err, "%s_PORTAL_BIND_PORT", l.envPrefix)
		}
		config.Portal.BindPort = port
	}
	if val := env("PORTAL_PEERS"); val != "" {
		config.Portal.Peers = splitList(val)
	}
	if val := env("PORTAL_TOPIC"); val != "" {
		config.Portal.Topic = val
	}

	return nil
}

func parsePort(val string) (int, error) {
	port, err := strconv.Atoi(val)
	if err != nil {
		return 0, err
	}
	if port < 0 || port > 65535 {
		return 0, errors.Wrapf(ErrInvalidPort, "%d", port)
	}
	return port, nil
}

func splitList(val string) []string {
	var items []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
