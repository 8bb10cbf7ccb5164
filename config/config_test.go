package config

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// testLoader isolates a loader from the real environment and file system.
func testLoader(t *testing.T, env map[string]string) *Loader {
	t.Helper()
	l := NewLoader().SetSearchPaths([]string{t.TempDir()})
	l.getenv = func(key string) string { return env[key] }
	return l
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "empty app name", mutate: func(c *Config) { c.App.Name = "" }, wantErr: ErrInvalidAppName},
		{name: "bad environment", mutate: func(c *Config) { c.App.Environment = "moon" }, wantErr: ErrInvalidEnvironment},
		{name: "bad log level", mutate: func(c *Config) { c.Log.Level = "loud" }, wantErr: ErrInvalidLogLevel},
		{name: "bad log format", mutate: func(c *Config) { c.Log.Format = "xml" }, wantErr: ErrInvalidLogFormat},
		{name: "negative mailbox hint", mutate: func(c *Config) { c.Actor.MailboxHint = -1 }, wantErr: ErrInvalidMailboxHint},
		{name: "negative timeout", mutate: func(c *Config) { c.Actor.Timeouts.Call = -time.Second }, wantErr: ErrInvalidTimeout},
		{
			name: "bad portal port",
			mutate: func(c *Config) {
				c.Portal.Enabled = true
				c.Portal.BindPort = 70000
			},
			wantErr: ErrInvalidPort,
		},
		{
			name: "bad protocol version",
			mutate: func(c *Config) {
				c.Portal.Enabled = true
				c.Portal.ProtocolVersion = "one"
			},
			wantErr: ErrInvalidProtocolVersion,
		},
		{
			name: "bad version constraint",
			mutate: func(c *Config) {
				c.Portal.Enabled = true
				c.Portal.VersionConstraint = ">>1"
			},
			wantErr: ErrInvalidProtocolVersion,
		},
		{
			name: "disabled portal is not checked",
			mutate: func(c *Config) {
				c.Portal.ProtocolVersion = "one"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestLoaderMergesFileOverDefaults(t *testing.T) {
	l := testLoader(t, nil)
	path := writeFile(t, t.TempDir(), "actorportal.yaml", `
app:
  name: demo
log:
  level: debug
actor:
  root_program: pinger
  timeouts:
    creation: 2s
portal:
  enabled: true
  node_id: node-a
  bind_port: 0
  peers: ["127.0.0.1:7001"]
  topic: lobby
`)

	cfg, err := l.LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "demo", cfg.App.Name)
	assert.Equal(t, LogLevelDebug, cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format, "unset fields keep defaults")
	assert.Equal(t, "pinger", cfg.Actor.RootProgram)
	assert.Equal(t, 2*time.Second, cfg.Actor.Timeouts.Creation)
	assert.Equal(t, 30*time.Second, cfg.Actor.Timeouts.Call)
	assert.True(t, cfg.Portal.Enabled)
	assert.Equal(t, []string{"127.0.0.1:7001"}, cfg.Portal.Peers)
	assert.Equal(t, "1.0.0", cfg.Portal.ProtocolVersion)
}

func TestLoaderJSON(t *testing.T) {
	l := testLoader(t, nil)

	cfg, err := l.LoadFromReader(strings.NewReader(`{"app":{"name":"json-app"},"actor":{"mailbox_hint":8}}`), FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, "json-app", cfg.App.Name)
	assert.Equal(t, 8, cfg.Actor.MailboxHint)

	_, err = l.LoadFromReader(strings.NewReader(`{`), FormatJSON)
	assert.Error(t, err)

	_, err = l.LoadFromReader(strings.NewReader(``), "toml")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestLoaderEnvOverrides(t *testing.T) {
	l := testLoader(t, map[string]string{
		"ACTORPORTAL_APP_NAME":               "from-env",
		"ACTORPORTAL_LOG_LEVEL":              "WARN",
		"ACTORPORTAL_ACTOR_ROOT_PROGRAM":     "root",
		"ACTORPORTAL_ACTOR_TIMEOUT_CREATION": "1500ms",
		"ACTORPORTAL_PORTAL_ENABLED":         "true",
		"ACTORPORTAL_PORTAL_BIND_PORT":       "9000",
		"ACTORPORTAL_PORTAL_PEERS":           "a:1, b:2,",
	})

	cfg, err := l.Load("")
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.App.Name)
	assert.Equal(t, LogLevelWarn, cfg.Log.Level)
	assert.Equal(t, "root", cfg.Actor.RootProgram)
	assert.Equal(t, 1500*time.Millisecond, cfg.Actor.Timeouts.Creation)
	assert.True(t, cfg.Portal.Enabled)
	assert.Equal(t, 9000, cfg.Portal.BindPort)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.Portal.Peers)
}

func TestLoaderRejectsBadEnv(t *testing.T) {
	for key, val := range map[string]string{
		"ACTORPORTAL_ACTOR_MAILBOX_HINT":     "many",
		"ACTORPORTAL_ACTOR_TIMEOUT_CALL":     "soon",
		"ACTORPORTAL_PORTAL_BIND_PORT":       "99999",
		"ACTORPORTAL_LOG_LEVEL":              "chatty",
		"ACTORPORTAL_ACTOR_TIMEOUT_SHUTDOWN": "-1s",
	} {
		t.Run(key, func(t *testing.T) {
			_, err := testLoader(t, map[string]string{key: val}).Load("")
			assert.Error(t, err)
		})
	}
}

func TestAutoLoad(t *testing.T) {
	dir := t.TempDir()
	l := testLoader(t, nil).SetSearchPaths([]string{filepath.Join(dir, "missing"), dir})

	cfg, err := l.AutoLoad()
	require.NoError(t, err)
	assert.Equal(t, "actorportal", cfg.App.Name)

	writeFile(t, dir, "config.yml", "app:\n  name: found\n")
	path, err := l.FindConfigFile()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "config.yml"), path)

	cfg, err = l.AutoLoad()
	require.NoError(t, err)
	assert.Equal(t, "found", cfg.App.Name)
}

func TestNewLogger(t *testing.T) {
	cfg := DefaultConfig().Log
	cfg.Level = LogLevelDebug
	cfg.Format = "json"
	cfg.Fields = map[string]interface{}{"service": "test"}

	logger, closer, err := cfg.NewLogger()
	require.NoError(t, err)
	defer closer.Close()

	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.WithField("actor", "a@1").Debug("hello")

	out := buf.String()
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.Contains(t, out, `"service":"test"`)
	assert.Contains(t, out, `"actor":"a@1"`)
	assert.Contains(t, out, `"msg":"hello"`)
}

func TestNewLoggerFileOutput(t *testing.T) {
	cfg := DefaultConfig().Log
	cfg.Output = filepath.Join(t.TempDir(), "app.log")
	cfg.Color = false

	logger, closer, err := cfg.NewLogger()
	require.NoError(t, err)
	logger.Info("to file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(cfg.Output)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")

	cfg.Level = "loud"
	_, _, err = cfg.NewLogger()
	assert.ErrorIs(t, err, ErrInvalidLogLevel)
}

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "actorportal.yaml", "log:\n  level: info\n")

	w, err := NewWatcher(path, testLoader(t, nil), quietLogger())
	require.NoError(t, err)
	w.SetDebounce(10 * time.Millisecond)
	assert.Equal(t, LogLevelInfo, w.GetConfig().Log.Level)

	changes := make(chan LogLevel, 4)
	w.OnConfigChange(func(_, newConfig *Config) {
		changes <- newConfig.Log.Level
	})

	require.NoError(t, w.Start())
	defer w.Stop()

	writeFile(t, dir, "actorportal.yaml", "log:\n  level: debug\n")

	select {
	case level := <-changes:
		assert.Equal(t, LogLevelDebug, level)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload")
	}
	assert.Equal(t, LogLevelDebug, w.GetConfig().Log.Level)
}

func TestWatcherKeepsConfigOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "actorportal.yaml", "log:\n  level: warn\n")

	w, err := NewWatcher(path, testLoader(t, nil), quietLogger())
	require.NoError(t, err)
	defer w.Stop()

	writeFile(t, dir, "actorportal.yaml", "log:\n  level: loud\n")
	assert.Error(t, w.Reload())
	assert.Equal(t, LogLevelWarn, w.GetConfig().Log.Level)

	_, err = NewWatcher(filepath.Join(dir, "config.ini"), testLoader(t, nil), quietLogger())
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}
